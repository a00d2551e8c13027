// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package broker wires the wire codec, id allocator and object registry
// into the running daemon: one goroutine pair per client connection for
// framed I/O (spec.md §4.4), and a single router goroutine that owns all
// registry mutation and protocol dispatch (spec.md §4.5, §5).
package broker

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/ubusd/internal/metrics"
	"code.hybscloud.com/ubusd/internal/registry"
	"code.hybscloud.com/ubusd/internal/wire"
)

type eventKind uint8

const (
	eventConnect eventKind = iota
	eventFrame
	eventDisconnect
)

type event struct {
	kind     eventKind
	conn     *conn
	msg      *wire.Message
	clientID uint32
	ready    chan uint32
}

// handlerFunc implements one frame type's contract from spec.md §4.5's
// handler table. It returns either a status code to be sent back as a
// STATUS frame (handled=false), or the "already-handled" sentinel meaning
// the handler itself produced every reply the request needs (handled=true).
// fd is the frame's detached ancillary descriptor (-1 if none); a handler
// that returns handled=true and does not forward fd into a new Message must
// close it itself.
type handlerFunc func(r *Router, clientID uint32, h wire.Header, attrs wire.Set, fd int, payload []byte) (wire.Status, bool)

var dispatch = map[wire.FrameType]handlerFunc{
	wire.TypePing:         handlePing,
	wire.TypeAddObject:    handleAddObject,
	wire.TypeRemoveObject: handleRemoveObject,
	wire.TypeLookup:       handleLookup,
	wire.TypeInvoke:       handleInvoke,
	wire.TypeStatus:       handleReply,
	wire.TypeData:         handleReply,
	wire.TypeSubscribe:    handleSubscribe,
	wire.TypeUnsubscribe:  handleUnsubscribe,
	wire.TypeNotify:       handleNotify,
}

// Router is the single goroutine that owns the registry, the live
// client-id-to-connection map, and protocol dispatch (spec.md §5: "the id
// trees, object registry... are all touched only from the event loop
// thread").
type Router struct {
	reg    *registry.Registry
	conns  map[uint32]*conn
	events chan event
	log    zerolog.Logger
}

// NewRouter returns a Router ready to Run. queueDepth bounds the per-event
// backlog between I/O goroutines and the router.
func NewRouter(reg *registry.Registry, queueDepth int, log zerolog.Logger) *Router {
	return &Router{
		reg:    reg,
		conns:  make(map[uint32]*conn),
		events: make(chan event, queueDepth),
		log:    log,
	}
}

// Run processes events until ctx is canceled. It must run on exactly one
// goroutine: every registry mutation and dispatch decision happens here,
// preserving spec.md §5's single-threaded cooperative model.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			switch ev.kind {
			case eventConnect:
				r.handleConnect(ev)
			case eventFrame:
				r.handleFrame(ev.conn, ev.msg)
			case eventDisconnect:
				r.handleDisconnect(ev.clientID)
			}
		}
	}
}

func (r *Router) handleConnect(ev event) {
	id := r.reg.AddClient()
	ev.conn.id = id
	r.conns[id] = ev.conn
	metrics.ClientsConnected.Inc()
	hello := wire.Wrap(wire.Header{Version: wire.Version, Type: wire.TypeHello, Seq: 0, Peer: id}, nil, -1)
	if !ev.conn.enqueue(hello) {
		r.log.Warn().Uint32("client", id).Msg("dropped HELLO on full outbound queue")
	}
	ev.ready <- id
}

func (r *Router) handleDisconnect(clientID uint32) {
	outbox := r.reg.RemoveClient(clientID)
	delete(r.conns, clientID)
	metrics.ClientsConnected.Dec()
	metrics.ObjectsTotal.Set(float64(len(r.reg.AllObjects())))
	r.deliverOutbox(outbox)
	r.log.Debug().Uint32("client", clientID).Msg("client disconnected")
}

// handleFrame implements spec.md §4.5's five dispatch steps in order.
func (r *Router) handleFrame(c *conn, msg *wire.Message) {
	h := msg.Header
	fd := msg.FD
	msg.FD = -1 // detach: below, every return path closes or forwards fd exactly once.
	metrics.FramesTotal.WithLabelValues(h.Type.String()).Inc()

	handler, ok := dispatch[h.Type]
	if !ok {
		r.closeFD(fd)
		r.sendStatus(c, h.Seq, h.Peer, wire.StatusInvalidCommand)
		return
	}
	if h.Type != wire.TypeStatus {
		// fds are only meaningful on STATUS replies (spec.md §4.5 step 3).
		r.closeFD(fd)
		fd = -1
	}
	attrs, err := wire.Parse(msg.Payload)
	if err != nil {
		r.closeFD(fd)
		r.sendStatus(c, h.Seq, h.Peer, wire.StatusInvalidArgument)
		return
	}

	status, handled := handler(r, c.id, h, attrs, fd, msg.Payload)
	if !handled {
		r.closeFD(fd)
		r.sendStatus(c, h.Seq, h.Peer, status)
	}
}

func (r *Router) closeFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

func (r *Router) deliverOutbox(outbox []registry.Outbox) {
	for _, ob := range outbox {
		if c, ok := r.conns[ob.ClientID]; ok {
			if !c.enqueue(ob.Msg) {
				r.log.Warn().Uint32("client", ob.ClientID).Msg("dropped subscription-lifecycle frame on full outbound queue")
			}
		} else {
			ob.Msg.Release()
		}
	}
}

func (r *Router) sendStatus(c *conn, seq uint16, peer uint32, status wire.Status) {
	b := wire.NewBuilder(attrHeaderReserve)
	b.PutU32(wire.TagStatus, uint32(status))
	r.reply(c, wire.TypeStatus, seq, peer, b.Bytes(), -1)
}

func (r *Router) reply(c *conn, typ wire.FrameType, seq uint16, peer uint32, payload []byte, fd int) {
	if c == nil {
		r.closeFD(fd)
		return
	}
	msg := wire.Wrap(wire.Header{Version: wire.Version, Type: typ, Seq: seq, Peer: peer}, payload, fd)
	if !c.enqueue(msg) {
		r.log.Warn().Uint32("client", c.id).Str("type", typ.String()).Msg("dropped reply on full outbound queue")
	}
}

const attrHeaderReserve = 16

func handlePing(r *Router, clientID uint32, h wire.Header, _ wire.Set, _ int, payload []byte) (wire.Status, bool) {
	r.reply(r.conns[clientID], wire.TypeData, h.Seq, h.Peer, payload, -1)
	return wire.StatusOK, false
}

func handleAddObject(r *Router, clientID uint32, h wire.Header, attrs wire.Set, _ int, _ []byte) (wire.Status, bool) {
	req := registry.CreateObjectRequest{ClientID: clientID}
	if p, ok := attrs.String(wire.TagObjPath); ok {
		req.Path, req.HasPath = p, true
	}
	if sigRaw, ok := attrs.Raw(wire.TagSignature); ok {
		methods, err := parseMethodsAttr(sigRaw)
		if err != nil {
			return wire.StatusInvalidArgument, false
		}
		req.Signature, req.HasSignature = methods, true
	} else if t, ok := attrs.U32(wire.TagObjType); ok {
		req.ObjType, req.HasObjType = t, true
	}

	res, err := r.reg.CreateObject(req)
	if err != nil {
		return statusForCreateError(err), false
	}
	metrics.ObjectsTotal.Set(float64(len(r.reg.AllObjects())))

	b := wire.NewBuilder(attrHeaderReserve)
	b.PutU32(wire.TagObjID, res.ObjectID)
	if res.NewTypeID {
		b.PutU32(wire.TagObjType, res.TypeID)
	}
	r.reply(r.conns[clientID], wire.TypeData, h.Seq, h.Peer, b.Bytes(), -1)
	return wire.StatusOK, false
}

func statusForCreateError(err error) wire.Status {
	switch {
	case errors.Is(err, registry.ErrPathTaken):
		return wire.StatusInvalidArgument
	case errors.Is(err, registry.ErrTypeNotFound):
		return wire.StatusNotFound
	default:
		return wire.StatusUnknownError
	}
}

func handleRemoveObject(r *Router, clientID uint32, h wire.Header, attrs wire.Set, _ int, _ []byte) (wire.Status, bool) {
	objID, ok := attrs.U32(wire.TagObjID)
	if !ok {
		return wire.StatusInvalidArgument, false
	}

	res, outbox, err := r.reg.FreeObject(clientID, objID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrObjectNotFound):
			return wire.StatusNotFound, false
		case errors.Is(err, registry.ErrNotOwner):
			return wire.StatusPermissionDenied, false
		default:
			return wire.StatusUnknownError, false
		}
	}
	r.deliverOutbox(outbox)
	metrics.ObjectsTotal.Set(float64(len(r.reg.AllObjects())))

	b := wire.NewBuilder(attrHeaderReserve)
	b.PutU32(wire.TagObjID, res.ObjectID)
	if res.TypeWasFreed {
		b.PutU32(wire.TagObjType, res.FreedTypeID)
	}
	r.reply(r.conns[clientID], wire.TypeData, h.Seq, h.Peer, b.Bytes(), -1)
	return wire.StatusOK, false
}

// handleLookup implements spec.md §4.5 LOOKUP: one DATA frame per matching
// object, describing id, owner client id, path, type id and methods.
func handleLookup(r *Router, clientID uint32, h wire.Header, attrs wire.Set, _ int, _ []byte) (wire.Status, bool) {
	var objs []*registry.Object
	switch p, ok := attrs.String(wire.TagObjPath); {
	case !ok || p == "":
		objs = r.reg.AllObjects()
	case strings.HasSuffix(p, "*"):
		objs = r.reg.LookupPrefix(strings.TrimSuffix(p, "*"))
	default:
		if obj, found := r.reg.LookupExact(p); found {
			objs = []*registry.Object{obj}
		}
	}
	if len(objs) == 0 {
		return wire.StatusNotFound, false
	}

	c := r.conns[clientID]
	for _, obj := range objs {
		b := wire.NewBuilder(64)
		b.PutU32(wire.TagObjID, obj.ID)
		b.PutU32(wire.TagTarget, obj.ClientID)
		if obj.HasPath() {
			b.PutString(wire.TagObjPath, obj.Path)
		}
		if obj.TypeID != 0 {
			b.PutU32(wire.TagObjType, obj.TypeID)
			b.PutRaw(wire.TagSignature, wire.TypeArray, buildMethodsAttr(obj.Methods(r.reg)))
		}
		r.reply(c, wire.TypeData, h.Seq, h.Peer, b.Bytes(), -1)
	}
	return wire.StatusOK, false
}

// handleInvoke implements spec.md §4.5 INVOKE: rewrite peer to the sender
// and forward to the object's owner, or run a built-in object's handler
// in-process (spec.md §9 "Internal objects", §4.6 expansion).
func handleInvoke(r *Router, clientID uint32, h wire.Header, attrs wire.Set, fd int, payload []byte) (wire.Status, bool) {
	objID, ok := attrs.U32(wire.TagObjID)
	if !ok {
		return wire.StatusInvalidArgument, false
	}
	if _, ok := attrs.String(wire.TagMethod); !ok {
		return wire.StatusInvalidArgument, false
	}

	target, ok := r.reg.FindObject(objID)
	if !ok {
		return wire.StatusNotFound, false
	}

	if target.IsBuiltin() {
		method, _ := attrs.String(wire.TagMethod)
		data, _ := attrs.Raw(wire.TagData)
		replyData, status := target.Invoke(method, data)
		if status == wire.StatusOK {
			b := wire.NewBuilder(len(replyData) + attrHeaderReserve)
			if replyData != nil {
				b.PutRaw(wire.TagData, wire.TypeTable, replyData)
			}
			r.reply(r.conns[clientID], wire.TypeData, h.Seq, h.Peer, b.Bytes(), -1)
			return wire.StatusOK, true
		}
		return status, false
	}

	dest, ok := r.conns[target.ClientID]
	if !ok {
		return wire.StatusNotFound, false
	}
	fwd := wire.Wrap(wire.Header{Version: wire.Version, Type: wire.TypeInvoke, Seq: h.Seq, Peer: clientID}, payload, fd)
	if !dest.enqueue(fwd) {
		r.log.Warn().Uint32("client", target.ClientID).Msg("dropped forwarded INVOKE on full outbound queue")
	}
	return wire.StatusOK, true
}

// handleReply implements spec.md §4.5's STATUS/DATA-as-reply row: route by
// the current peer field, rewrite peer to the replying object's id, and
// silently drop the frame on any validation failure.
func handleReply(r *Router, _ uint32, h wire.Header, attrs wire.Set, fd int, payload []byte) (wire.Status, bool) {
	objID, ok := attrs.U32(wire.TagObjID)
	if !ok {
		r.closeFD(fd)
		return wire.StatusOK, true
	}
	dest, ok := r.conns[h.Peer]
	if !ok {
		r.closeFD(fd)
		return wire.StatusOK, true
	}
	fwd := wire.Wrap(wire.Header{Version: wire.Version, Type: h.Type, Seq: h.Seq, Peer: objID}, payload, fd)
	if !dest.enqueue(fwd) {
		r.log.Warn().Uint32("client", h.Peer).Msg("dropped routed reply on full outbound queue")
	}
	return wire.StatusOK, true
}

func handleSubscribe(r *Router, clientID uint32, _ wire.Header, attrs wire.Set, _ int, _ []byte) (wire.Status, bool) {
	subID, ok1 := attrs.U32(wire.TagObjID)
	targetID, ok2 := attrs.U32(wire.TagTarget)
	if !ok1 || !ok2 {
		return wire.StatusInvalidArgument, false
	}
	sub, ok := r.reg.FindObject(subID)
	if !ok || sub.ClientID != clientID {
		return wire.StatusInvalidArgument, false
	}
	target, ok := r.reg.FindObject(targetID)
	if !ok {
		return wire.StatusNotFound, false
	}
	if target.ClientID == clientID {
		return wire.StatusInvalidArgument, false
	}

	outbox, err := r.reg.Subscribe(subID, targetID)
	if err != nil {
		return wire.StatusNotFound, false
	}
	r.deliverOutbox(outbox)
	return wire.StatusOK, false
}

func handleUnsubscribe(r *Router, clientID uint32, _ wire.Header, attrs wire.Set, _ int, _ []byte) (wire.Status, bool) {
	subID, ok1 := attrs.U32(wire.TagObjID)
	targetID, ok2 := attrs.U32(wire.TagTarget)
	if !ok1 || !ok2 {
		return wire.StatusInvalidArgument, false
	}
	sub, ok := r.reg.FindObject(subID)
	if !ok || sub.ClientID != clientID {
		return wire.StatusInvalidArgument, false
	}

	outbox, err := r.reg.Unsubscribe(subID, targetID)
	if err != nil {
		return wire.StatusNotFound, false
	}
	r.deliverOutbox(outbox)
	return wire.StatusOK, false
}

// handleNotify implements spec.md §4.5 NOTIFY: an optional STATUS reply
// listing subscriber ids, then a forwarded INVOKE to each subscriber.
func handleNotify(r *Router, clientID uint32, h wire.Header, attrs wire.Set, _ int, _ []byte) (wire.Status, bool) {
	objID, ok := attrs.U32(wire.TagObjID)
	if !ok {
		return wire.StatusInvalidArgument, false
	}
	method, ok := attrs.String(wire.TagMethod)
	if !ok {
		return wire.StatusInvalidArgument, false
	}
	obj, ok := r.reg.FindObject(objID)
	if !ok || obj.ClientID != clientID {
		return wire.StatusPermissionDenied, false
	}

	noReply := false
	if v, ok := attrs.U8(wire.TagNoReply); ok && v != 0 {
		noReply = true
	}
	subscribers := obj.Subscribers()

	if !noReply {
		b := wire.NewBuilder(32)
		b.PutU32(wire.TagStatus, uint32(wire.StatusOK))
		putU32Array(b, wire.TagData, subscribers)
		r.reply(r.conns[clientID], wire.TypeStatus, h.Seq, h.Peer, b.Bytes(), -1)
	}

	data, _ := attrs.Raw(wire.TagData)
	for _, subID := range subscribers {
		sub, ok := r.reg.FindObject(subID)
		if !ok {
			continue
		}
		dest, ok := r.conns[sub.ClientID]
		if !ok {
			continue
		}
		fb := wire.NewBuilder(len(data) + 32)
		fb.PutU32(wire.TagObjID, subID)
		fb.PutString(wire.TagMethod, method)
		if data != nil {
			fb.PutRaw(wire.TagData, wire.TypeTable, data)
		}
		fwd := wire.Wrap(wire.Header{Version: wire.Version, Type: wire.TypeInvoke, Seq: obj.NextInvokeSeq(), Peer: clientID}, fb.Bytes(), -1)
		if !dest.enqueue(fwd) {
			r.log.Warn().Uint32("client", sub.ClientID).Msg("dropped NOTIFY fan-out on full outbound queue")
		}
	}
	return wire.StatusOK, true
}

// parseMethodsAttr decodes an ADD_OBJECT SIGNATURE array (each element a
// nested table of METHOD name plus opaque DATA args) into registry.Method
// values.
func parseMethodsAttr(raw []byte) ([]registry.Method, error) {
	elems, err := wire.ParseArray(raw)
	if err != nil {
		return nil, err
	}
	methods := make([]registry.Method, 0, len(elems))
	for _, el := range elems {
		set, err := wire.Parse(el.Value)
		if err != nil {
			return nil, err
		}
		name, _ := set.String(wire.TagMethod)
		args, _ := set.Raw(wire.TagData)
		methods = append(methods, registry.Method{Name: name, Args: args})
	}
	return methods, nil
}

// buildMethodsAttr is parseMethodsAttr's inverse, used by LOOKUP replies.
func buildMethodsAttr(methods []registry.Method) []byte {
	arr := wire.NewBuilder(len(methods) * 32)
	for _, m := range methods {
		entry := wire.NewBuilder(32)
		entry.PutString(wire.TagMethod, m.Name)
		if len(m.Args) > 0 {
			entry.PutRaw(wire.TagData, wire.TypeTable, m.Args)
		}
		arr.PutRaw(0, wire.TypeTable, entry.Bytes())
	}
	return arr.Bytes()
}

// putU32Array appends a TypeArray attribute whose elements are positional
// u32 values (used by NOTIFY's subscriber-id listing).
func putU32Array(b *wire.Builder, tag wire.Tag, vals []uint32) {
	nested := wire.NewBuilder(len(vals) * 8)
	for _, v := range vals {
		nested.PutU32(0, v)
	}
	b.PutRaw(tag, wire.TypeArray, nested.Bytes())
}
