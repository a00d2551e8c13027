// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry owns the object/object-type/path/subscription model
// described in spec.md §3–§4.2: three id trees (clients, objects, types),
// a path index, and the subscription edges between objects. It is mutated
// only from the single broker/router goroutine (spec.md §5) and never
// touches a socket — every effect that must reach a client's connection is
// returned as an Outbox entry for the caller to enqueue.
package registry

import (
	"code.hybscloud.com/ubusd/internal/idalloc"
	"code.hybscloud.com/ubusd/internal/wire"
)

// Registry is the broker's object/client/subscription state.
type Registry struct {
	clients *idalloc.Tree[struct{}]
	objects map[uint32]*Object
	objIDs  *idalloc.Tree[struct{}]
	types   *idalloc.Tree[*objectType]
	paths   *pathIndex

	// owned indexes a client's object set for O(1) ownership checks and
	// for free-all-on-disconnect (spec.md §3 "Client" lifecycle).
	owned map[uint32]map[uint32]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		objects: make(map[uint32]*Object),
		owned:   make(map[uint32]map[uint32]struct{}),
		clients: idalloc.New[struct{}](),
		objIDs:  idalloc.New[struct{}](),
		types:   idalloc.New[*objectType](),
		paths:   newPathIndex(),
	}
}

// AddClient allocates and returns a new client id (spec.md §3 "Client"
// lifecycle: "created on accept").
func (r *Registry) AddClient() uint32 {
	id, _ := r.clients.Allocate(0, struct{}{})
	r.owned[id] = make(map[uint32]struct{})
	return id
}

// RemoveClient frees every object the client still owns and releases the
// client id. It returns one Outbox entry per subscription-lifecycle
// notification generated by freeing those objects (spec.md §3 "Client"
// lifecycle: "On destruction: all owned objects are freed").
func (r *Registry) RemoveClient(clientID uint32) []Outbox {
	var outbox []Outbox
	for objID := range r.owned[clientID] {
		_, obOutbox, _ := r.freeObjectLocked(objID)
		outbox = append(outbox, obOutbox...)
	}
	delete(r.owned, clientID)
	r.clients.Free(clientID)
	return outbox
}

// CreateObjectRequest is the parsed ADD_OBJECT request (spec.md §4.2
// "create_object").
type CreateObjectRequest struct {
	ClientID     uint32
	Path         string
	HasPath      bool
	Signature    []Method
	HasSignature bool
	ObjType      uint32
	HasObjType   bool
	Builtin      BuiltinInvoke
}

// CreateObjectResult reports the ids a successful ADD_OBJECT must echo back
// (spec.md §4.5 ADD_OBJECT: "reply DATA with new object id and (if new
// type) type id").
type CreateObjectResult struct {
	ObjectID  uint32
	TypeID    uint32
	NewTypeID bool
}

// CreateObject implements spec.md §4.2 "create_object".
func (r *Registry) CreateObject(req CreateObjectRequest) (CreateObjectResult, error) {
	if req.HasPath {
		if _, taken := r.paths.find(req.Path); taken {
			return CreateObjectResult{}, ErrPathTaken
		}
	}

	var typeID uint32
	newType := false
	switch {
	case req.HasSignature:
		id, _ := r.types.Allocate(0, &objectType{methods: req.Signature, refcount: 1})
		typeID = id
		newType = true
	case req.HasObjType:
		t, ok := r.types.Find(req.ObjType)
		if !ok {
			return CreateObjectResult{}, ErrTypeNotFound
		}
		t.refcount++
		typeID = req.ObjType
	default:
		typeID = 0
	}

	objID, _ := r.objIDs.Allocate(0, struct{}{})
	obj := &Object{
		ID:       objID,
		Path:     req.Path,
		ClientID: req.ClientID,
		TypeID:   typeID,
		builtin:  req.Builtin,
	}
	r.objects[objID] = obj
	if req.HasPath {
		r.paths.insert(req.Path, objID)
	}
	if req.ClientID != 0 {
		if r.owned[req.ClientID] == nil {
			r.owned[req.ClientID] = make(map[uint32]struct{})
		}
		r.owned[req.ClientID][objID] = struct{}{}
	}

	return CreateObjectResult{ObjectID: objID, TypeID: typeID, NewTypeID: newType}, nil
}

// FreeObjectResult reports the ids a successful REMOVE_OBJECT must echo
// back (spec.md §4.5 REMOVE_OBJECT: "reply DATA with freed ids"; §8
// property 3).
type FreeObjectResult struct {
	ObjectID     uint32
	FreedTypeID  uint32
	TypeWasFreed bool
}

// FreeObject implements spec.md §4.2 "free_object", enforcing that only the
// owning client may free an object (spec.md §6 "S6: permission").
func (r *Registry) FreeObject(clientID, objID uint32) (FreeObjectResult, []Outbox, error) {
	obj, ok := r.objects[objID]
	if !ok {
		return FreeObjectResult{}, nil, ErrObjectNotFound
	}
	if obj.ClientID != clientID {
		return FreeObjectResult{}, nil, ErrNotOwner
	}
	return r.freeObjectLocked(objID)
}

func (r *Registry) freeObjectLocked(objID uint32) (FreeObjectResult, []Outbox, error) {
	obj, ok := r.objects[objID]
	if !ok {
		return FreeObjectResult{}, nil, ErrObjectNotFound
	}

	var outbox []Outbox

	// Incoming edges: others are subscribed to us. Tell each subscriber's
	// owning client the edge is gone (spec.md §4.2 free_object).
	for _, subID := range obj.incoming {
		if sub, ok := r.objects[subID]; ok {
			sub.outgoing = removeID(sub.outgoing, objID)
			outbox = append(outbox, Outbox{
				ClientID: sub.ClientID,
				Msg:      buildUnsubscribe(sub, subID, objID),
			})
		}
	}
	obj.incoming = nil

	// Outgoing edges: we were subscribed to others. Detach and notify the
	// target's owner if its subscriber list just went empty.
	for _, targetID := range obj.outgoing {
		if target, ok := r.objects[targetID]; ok {
			target.incoming = removeID(target.incoming, objID)
			if len(target.incoming) == 0 {
				outbox = append(outbox, Outbox{
					ClientID: target.ClientID,
					Msg:      buildNotifyActive(target, false),
				})
			}
		}
	}
	obj.outgoing = nil

	if obj.HasPath() {
		r.paths.remove(obj.Path)
	}
	if obj.ClientID != 0 {
		delete(r.owned[obj.ClientID], objID)
	}
	delete(r.objects, objID)
	r.objIDs.Free(objID)

	result := FreeObjectResult{ObjectID: objID}
	if obj.TypeID != 0 {
		if t, ok := r.types.Find(obj.TypeID); ok {
			t.refcount--
			if t.refcount <= 0 {
				r.types.Free(obj.TypeID)
				result.FreedTypeID = obj.TypeID
				result.TypeWasFreed = true
			}
		}
	}
	return result, outbox, nil
}

// FindObject implements spec.md §4.2 "find_object".
func (r *Registry) FindObject(id uint32) (*Object, bool) {
	obj, ok := r.objects[id]
	return obj, ok
}

// LookupExact returns the single object registered at path, if any.
func (r *Registry) LookupExact(path string) (*Object, bool) {
	id, ok := r.paths.find(path)
	if !ok {
		return nil, false
	}
	return r.FindObject(id)
}

// LookupPrefix returns every live object whose path starts with prefix, in
// lexicographic path order (spec.md §4.2 "lookup_path", §8 property 5).
func (r *Registry) LookupPrefix(prefix string) []*Object {
	ids := r.paths.prefixScan(prefix)
	out := make([]*Object, 0, len(ids))
	for _, id := range ids {
		if obj, ok := r.objects[id]; ok {
			out = append(out, obj)
		}
	}
	return out
}

// AllObjects returns every live object ordered by object id, used by LOOKUP
// when no path attribute is given (spec.md §4.5 LOOKUP row: "optional
// path").
func (r *Registry) AllObjects() []*Object {
	out := make([]*Object, 0, len(r.objects))
	r.objIDs.Range(func(id uint32, _ struct{}) bool {
		if obj, ok := r.objects[id]; ok {
			out = append(out, obj)
		}
		return true
	})
	return out
}

// Subscribe implements spec.md §4.2 "subscribe". The caller (router) is
// responsible for enforcing "subscriber owned by sender, target not owned
// by sender" (spec.md §4.5 SUBSCRIBE row) before calling this, since that
// check needs the requesting client id which is a routing concern, not a
// registry invariant.
func (r *Registry) Subscribe(subscriberID, targetID uint32) ([]Outbox, error) {
	sub, ok := r.objects[subscriberID]
	if !ok {
		return nil, ErrObjectNotFound
	}
	target, ok := r.objects[targetID]
	if !ok {
		return nil, ErrObjectNotFound
	}

	sub.outgoing = append(sub.outgoing, targetID)
	wasEmpty := len(target.incoming) == 0
	target.incoming = append(target.incoming, subscriberID)

	if !wasEmpty {
		return nil, nil
	}
	return []Outbox{{ClientID: target.ClientID, Msg: buildNotifyActive(target, true)}}, nil
}

// Unsubscribe implements spec.md §4.2 "unsubscribe".
func (r *Registry) Unsubscribe(subscriberID, targetID uint32) ([]Outbox, error) {
	sub, ok := r.objects[subscriberID]
	if !ok {
		return nil, ErrObjectNotFound
	}
	if !containsID(sub.outgoing, targetID) {
		return nil, ErrEdgeNotFound
	}
	sub.outgoing = removeID(sub.outgoing, targetID)

	target, ok := r.objects[targetID]
	if !ok {
		return nil, nil
	}
	target.incoming = removeID(target.incoming, subscriberID)
	if len(target.incoming) != 0 {
		return nil, nil
	}
	return []Outbox{{ClientID: target.ClientID, Msg: buildNotifyActive(target, false)}}, nil
}

// RegisterBuiltin creates an internal object with no owning client whose
// INVOKE calls run synchronously via handler (spec.md §9 "Internal
// objects").
func (r *Registry) RegisterBuiltin(path string, sig []Method, handler BuiltinInvoke) (uint32, error) {
	res, err := r.CreateObject(CreateObjectRequest{
		ClientID:     0,
		Path:         path,
		HasPath:      path != "",
		Signature:    sig,
		HasSignature: len(sig) > 0,
		Builtin:      handler,
	})
	if err != nil {
		return 0, err
	}
	return res.ObjectID, nil
}

func buildNotifyActive(obj *Object, active bool) *wire.Message {
	b := wire.NewBuilder(16)
	b.PutU32(wire.TagObjID, obj.ID)
	activeByte := uint8(0)
	if active {
		activeByte = 1
	}
	b.PutU8(wire.TagActive, activeByte)
	return wire.NewOwned(wire.Header{Type: wire.TypeNotify, Seq: obj.NextInvokeSeq(), Peer: 0}, b.Bytes(), -1)
}

func buildUnsubscribe(subscriberObj *Object, subscriberID, targetID uint32) *wire.Message {
	b := wire.NewBuilder(16)
	b.PutU32(wire.TagObjID, subscriberID)
	b.PutU32(wire.TagTarget, targetID)
	return wire.NewOwned(wire.Header{Type: wire.TypeUnsubscribe, Seq: subscriberObj.NextInvokeSeq(), Peer: 0}, b.Bytes(), -1)
}

func containsID(s []uint32, id uint32) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(s []uint32, id uint32) []uint32 {
	for i, v := range s {
		if v == id {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
