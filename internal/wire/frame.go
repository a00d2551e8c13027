// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import "encoding/binary"

// Version is the only header version this broker speaks.
const Version = 0

// FrameType identifies a frame's request or reply kind (spec.md §6).
type FrameType uint8

const (
	TypeHello FrameType = iota
	TypeStatus
	TypeData
	TypePing
	TypeLookup
	TypeAddObject
	TypeRemoveObject
	TypeInvoke
	TypeNotify
	TypeSubscribe
	TypeUnsubscribe

	typeCount
)

func (t FrameType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeStatus:
		return "STATUS"
	case TypeData:
		return "DATA"
	case TypePing:
		return "PING"
	case TypeLookup:
		return "LOOKUP"
	case TypeAddObject:
		return "ADD_OBJECT"
	case TypeRemoveObject:
		return "REMOVE_OBJECT"
	case TypeInvoke:
		return "INVOKE"
	case TypeNotify:
		return "NOTIFY"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeUnsubscribe:
		return "UNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is a recognized frame type. The router does not
// call it: its dispatch table lookup alone decides whether a type has a
// handler (spec.md §9 "Dispatch table").
func (t FrameType) Valid() bool { return t < typeCount }

// Status is a reply status code (spec.md §6).
type Status uint32

const (
	StatusOK Status = iota
	StatusInvalidCommand
	StatusInvalidArgument
	StatusNotFound
	StatusPermissionDenied
	StatusTimeout
	StatusNoData
	StatusUnknownError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidCommand:
		return "INVALID_COMMAND"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusNoData:
		return "NO_DATA"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Header is the fixed 8-byte frame header (spec.md §4.4, §6).
type Header struct {
	Version uint8
	Type    FrameType
	Seq     uint16
	Peer    uint32
}

// Encode writes the 8-byte fixed header into dst, which must be at least
// HeaderLen bytes.
func (h Header) Encode(dst []byte) {
	dst[0] = h.Version
	dst[1] = uint8(h.Type)
	binary.BigEndian.PutUint16(dst[2:4], h.Seq)
	binary.BigEndian.PutUint32(dst[4:8], h.Peer)
}

// DecodeHeader parses the fixed header from src, which must be at least
// HeaderLen bytes.
func DecodeHeader(src []byte) Header {
	return Header{
		Version: src[0],
		Type:    FrameType(src[1]),
		Seq:     binary.BigEndian.Uint16(src[2:4]),
		Peer:    binary.BigEndian.Uint32(src[4:8]),
	}
}
