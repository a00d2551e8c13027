// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import "encoding/binary"

// Tag identifies an attribute within a frame-type schema (spec.md §6).
type Tag uint16

const (
	TagSignature Tag = iota + 1
	TagObjType
	TagObjPath
	TagObjID
	TagStatus
	TagMethod
	TagData
	TagTarget
	TagNoReply
	// TagActive carries the active/inactive flag on broker-originated
	// NOTIFY frames (spec.md §3 "Object" destruction, §4.2 subscribe);
	// it is not part of spec.md §6's listed attribute subset because
	// that table only names client-facing request/reply attributes.
	TagActive
)

// Type tags the shape of an attribute's value, making the payload
// self-describing (spec.md §6 "self-describing TLV format with nested
// tables and arrays").
type Type uint8

const (
	TypeU8 Type = iota + 1
	TypeU32
	TypeString
	// TypeTable is a nested attribute list (each element independently tagged).
	TypeTable
	// TypeArray is a nested attribute list whose elements share one tag
	// (the array's own tag); each element still carries a Type so mixed
	// signature arrays can be walked without external schema knowledge.
	TypeArray
)

// attrHeaderLen is the per-attribute overhead: tag(2) + type(1) + len(4).
const attrHeaderLen = 7

// Builder accumulates attributes into a single top-level TLV payload. Reset
// allows one Builder to be reused across frames the way the teacher's framer
// reuses scratch buffers (fr.rbuf/fr.wbuf); the router does not do this and
// allocates a fresh Builder for each reply.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder with cap bytes pre-allocated.
func NewBuilder(cap int) *Builder {
	return &Builder{buf: make([]byte, 0, cap)}
}

// Reset empties the builder for reuse, retaining its backing array.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Bytes returns the accumulated payload.
func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) appendHeader(tag Tag, typ Type, length int) {
	var h [attrHeaderLen]byte
	binary.BigEndian.PutUint16(h[0:2], uint16(tag))
	h[2] = uint8(typ)
	binary.BigEndian.PutUint32(h[3:7], uint32(length))
	b.buf = append(b.buf, h[:]...)
}

// PutU8 appends a single-byte attribute.
func (b *Builder) PutU8(tag Tag, v uint8) {
	b.appendHeader(tag, TypeU8, 1)
	b.buf = append(b.buf, v)
}

// PutU32 appends a 4-byte big-endian attribute.
func (b *Builder) PutU32(tag Tag, v uint32) {
	b.appendHeader(tag, TypeU32, 4)
	var v4 [4]byte
	binary.BigEndian.PutUint32(v4[:], v)
	b.buf = append(b.buf, v4[:]...)
}

// PutString appends a UTF-8 string attribute (no trailing NUL; length-prefixed).
func (b *Builder) PutString(tag Tag, s string) {
	b.appendHeader(tag, TypeString, len(s))
	b.buf = append(b.buf, s...)
}

// PutRaw appends a pre-encoded nested payload (Table or Array) verbatim; the
// caller is responsible for having built it with a nested Builder.
func (b *Builder) PutRaw(tag Tag, typ Type, payload []byte) {
	b.appendHeader(tag, typ, len(payload))
	b.buf = append(b.buf, payload...)
}

// OpenNested returns a fresh Builder for the contents of a nested table or
// array attribute; append it to b with CloseNested, which takes the tag and
// type.
func (b *Builder) OpenNested() *Builder { return &Builder{buf: make([]byte, 0, 64)} }

// CloseNested appends the nested builder's contents as tag/typ into b.
func (b *Builder) CloseNested(tag Tag, typ Type, nested *Builder) {
	b.PutRaw(tag, typ, nested.Bytes())
}

// Attr is one decoded attribute.
type Attr struct {
	Tag   Tag
	Type  Type
	Value []byte
}

// U32 interprets the attribute's value as a big-endian uint32. Callers must
// check Type == TypeU32 first per spec.md §4.5 step 4 ("wrong-typed
// attributes are ignored").
func (a Attr) U32() uint32 { return binary.BigEndian.Uint32(a.Value) }

// U8 interprets the attribute's value as a single byte.
func (a Attr) U8() uint8 { return a.Value[0] }

// String interprets the attribute's value as a UTF-8 string.
func (a Attr) String() string { return string(a.Value) }

// Set is a parsed top-level attribute payload indexed by tag. Per spec.md
// §4.5 step 4, Parse never fails on unknown tags; it only fails
// (ErrMalformedAttr) when the TLV framing itself is inconsistent (a declared
// length running past the buffer).
type Set map[Tag]Attr

// Parse decodes a flat (or nested) TLV attribute list. Duplicate tags keep
// the last occurrence, matching a last-write-wins table semantics.
func Parse(buf []byte) (Set, error) {
	set := make(Set, 8)
	off := 0
	for off < len(buf) {
		if off+attrHeaderLen > len(buf) {
			return nil, ErrMalformedAttr
		}
		tag := Tag(binary.BigEndian.Uint16(buf[off : off+2]))
		typ := Type(buf[off+2])
		length := int(binary.BigEndian.Uint32(buf[off+3 : off+7]))
		off += attrHeaderLen
		if length < 0 || off+length > len(buf) {
			return nil, ErrMalformedAttr
		}
		set[tag] = Attr{Tag: tag, Type: typ, Value: buf[off : off+length]}
		off += length
	}
	return set, nil
}

// ParseArray decodes a nested TypeArray payload into its element attributes,
// ignoring each element's own tag (arrays are positional).
func ParseArray(buf []byte) ([]Attr, error) {
	var out []Attr
	off := 0
	for off < len(buf) {
		if off+attrHeaderLen > len(buf) {
			return nil, ErrMalformedAttr
		}
		typ := Type(buf[off+2])
		length := int(binary.BigEndian.Uint32(buf[off+3 : off+7]))
		off += attrHeaderLen
		if length < 0 || off+length > len(buf) {
			return nil, ErrMalformedAttr
		}
		out = append(out, Attr{Type: typ, Value: buf[off : off+length]})
		off += length
	}
	return out, nil
}

// U32 returns the uint32 value for tag if present and correctly typed.
func (s Set) U32(tag Tag) (uint32, bool) {
	a, ok := s[tag]
	if !ok || a.Type != TypeU32 {
		return 0, false
	}
	return a.U32(), true
}

// U8 returns the uint8 value for tag if present and correctly typed.
func (s Set) U8(tag Tag) (uint8, bool) {
	a, ok := s[tag]
	if !ok || a.Type != TypeU8 {
		return 0, false
	}
	return a.U8(), true
}

// String returns the string value for tag if present and correctly typed.
func (s Set) String(tag Tag) (string, bool) {
	a, ok := s[tag]
	if !ok || a.Type != TypeString {
		return "", false
	}
	return a.String(), true
}

// Raw returns the raw nested bytes for tag regardless of type, used for
// SIGNATURE/DATA passthrough attributes the router never interprets itself.
func (s Set) Raw(tag Tag) ([]byte, bool) {
	a, ok := s[tag]
	if !ok {
		return nil, false
	}
	return a.Value, true
}
