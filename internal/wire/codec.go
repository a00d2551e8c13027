// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import "encoding/binary"

// EncodeFrame serializes m's header, length prefix and payload into one
// contiguous buffer suitable for a single Write/WriteMsgUnix call. The
// connection writer (broker.conn) uses this instead of the teacher's
// two-iovec vectored write (header separate from payload) because Go's
// net.UnixConn.WriteMsgUnix takes one []byte plus one oob []byte — there is
// no portable vectored-write entry point for ancillary data, so the header
// and payload are joined up front instead of kept as a 2-element iovec.
func EncodeFrame(m *Message) []byte {
	out := make([]byte, MinFrameLen+len(m.Payload))
	m.Header.Encode(out[:HeaderLen])
	binary.BigEndian.PutUint32(out[HeaderLen:MinFrameLen], uint32(len(m.Payload)))
	copy(out[MinFrameLen:], m.Payload)
	return out
}

// DecodeFrameHeader reads the fixed header and attribute-payload length from
// the first MinFrameLen bytes of buf.
func DecodeFrameHeader(buf []byte) (h Header, bodyLen uint32) {
	h = DecodeHeader(buf[:HeaderLen])
	bodyLen = binary.BigEndian.Uint32(buf[HeaderLen:MinFrameLen])
	return
}
