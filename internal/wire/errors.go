// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import "errors"

var (
	// ErrTooLong reports that a frame's attribute payload exceeds DefaultMaxFrameBody
	// or the reader's configured limit. Per spec, frames this large cause a
	// disconnect with no reply.
	ErrTooLong = errors.New("wire: frame body too long")

	// ErrShortHeader reports a truncated 12-byte fixed header + length prefix.
	ErrShortHeader = errors.New("wire: short header")

	// ErrMalformedAttr reports an attribute whose declared length runs past
	// the end of its containing payload.
	ErrMalformedAttr = errors.New("wire: malformed attribute")

	// ErrNoFD reports an attempt to read the ancillary descriptor of a
	// message that never had one attached.
	ErrNoFD = errors.New("wire: no attached descriptor")
)

// HeaderLen is the size in bytes of the fixed frame header (version, type,
// seq, peer), not counting the 4-byte length prefix that follows it.
const HeaderLen = 8

// LengthPrefixLen is the size in bytes of the attribute-payload length field.
const LengthPrefixLen = 4

// MinFrameLen is HeaderLen + LengthPrefixLen: the minimum bytes that must be
// read before a frame's total size is known.
const MinFrameLen = HeaderLen + LengthPrefixLen

// DefaultMaxFrameBody is the default cap on attribute payload size (1 MiB),
// matching spec.md §4.4's example bound. It satisfies §6's requirement of
// being at least 64 KiB and at most a few MiB.
const DefaultMaxFrameBody = 1 << 20
