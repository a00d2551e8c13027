// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import "code.hybscloud.com/ubusd/internal/wire"

// Method is one entry of an object-type's method list: a name plus an
// opaque argument schema. The schema's internal shape (argument name/type
// pairs) is a nested TLV table the broker never interprets — it only stores
// and re-serializes it for LOOKUP replies (spec.md §3 "Object-type").
type Method struct {
	Name string
	Args []byte // raw nested wire.TypeTable payload, or nil
}

// objectType is a shared method-list descriptor (spec.md §3 "Object-type").
type objectType struct {
	id       uint32
	methods  []Method
	refcount int
}

// BuiltinInvoke handles an INVOKE against an object with no owning client
// (spec.md §9 "Internal objects"). It runs synchronously on the router
// goroutine and returns the status to reply with.
type BuiltinInvoke func(method string, data []byte) (replyData []byte, status wire.Status)

// Object is a registered method container (spec.md §3 "Object").
type Object struct {
	ID       uint32
	Path     string // "" if this object has no path
	ClientID uint32 // 0 for internal/built-in objects
	TypeID   uint32 // 0 if the object has no signature/type

	// incoming holds the ids of subscriber objects watching this object
	// (this object is the subscription Target).
	incoming []uint32
	// outgoing holds the ids of objects this object watches (this object
	// is the subscription Subscriber).
	outgoing []uint32

	// invokeSeq sequences broker-originated frames that reference this
	// object (subscription-lifecycle NOTIFY/UNSUBSCRIBE), independent of
	// client request sequence numbers (spec.md §4.5 reply addressing is
	// for request/reply pairs; these frames are unsolicited).
	invokeSeq uint16

	builtin BuiltinInvoke
}

// HasPath reports whether the object is registered under a path.
func (o *Object) HasPath() bool { return o.Path != "" }

// IsBuiltin reports whether the object has no owning client and dispatches
// INVOKE in-process (spec.md §9 "Internal objects").
func (o *Object) IsBuiltin() bool { return o.ClientID == 0 }

// Methods returns the object's method list, or nil if it has no type.
func (o *Object) Methods(r *Registry) []Method {
	if o.TypeID == 0 {
		return nil
	}
	t, ok := r.types.Find(o.TypeID)
	if !ok {
		return nil
	}
	return t.methods
}

// Subscribers returns the ids of objects currently watching obj.
func (o *Object) Subscribers() []uint32 {
	out := make([]uint32, len(o.incoming))
	copy(out, o.incoming)
	return out
}

// NextInvokeSeq returns the next sequence number for a broker-originated
// frame addressed through this object (subscription-lifecycle NOTIFY and
// forced UNSUBSCRIBE, and NOTIFY fan-out INVOKEs), independent of client
// request sequence numbers (spec.md §4.5 reply addressing governs
// request/reply pairs only; these frames are unsolicited).
func (o *Object) NextInvokeSeq() uint16 {
	o.invokeSeq++
	return o.invokeSeq
}

// Invoke calls a built-in object's handler synchronously (spec.md §9
// "Internal objects"). It is a no-op returning StatusNotFound if the object
// is not built-in.
func (o *Object) Invoke(method string, data []byte) ([]byte, wire.Status) {
	if o.builtin == nil {
		return nil, wire.StatusNotFound
	}
	return o.builtin(method, data)
}

// Outbox is a message the registry has constructed and addressed to a
// client's connection; the caller (broker.Router) is responsible for
// actually enqueueing it, keeping Registry free of any dependency on
// connection/transport types.
type Outbox struct {
	ClientID uint32
	Msg      *wire.Message
}
