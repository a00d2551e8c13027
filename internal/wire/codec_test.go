// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/ubusd/internal/wire"
)

func TestEncodeDecodeFrameHeaderRoundTrip(t *testing.T) {
	b := wire.NewBuilder(16)
	b.PutU32(wire.TagObjID, 7)

	m := wire.Wrap(wire.Header{Version: wire.Version, Type: wire.TypeInvoke, Seq: 3, Peer: 9}, b.Bytes(), -1)
	buf := wire.EncodeFrame(m)
	require.Len(t, buf, wire.MinFrameLen+len(m.Payload))

	h, bodyLen := wire.DecodeFrameHeader(buf)
	assert.Equal(t, wire.TypeInvoke, h.Type)
	assert.Equal(t, uint16(3), h.Seq)
	assert.Equal(t, uint32(9), h.Peer)
	assert.Equal(t, uint32(len(m.Payload)), bodyLen)

	body := buf[wire.MinFrameLen:]
	set, err := wire.Parse(body)
	require.NoError(t, err)
	id, ok := set.U32(wire.TagObjID)
	assert.True(t, ok)
	assert.Equal(t, uint32(7), id)
}

func TestEncodeFrameEmptyPayload(t *testing.T) {
	m := wire.Wrap(wire.Header{Type: wire.TypePing}, nil, -1)
	buf := wire.EncodeFrame(m)
	assert.Len(t, buf, wire.MinFrameLen)

	_, bodyLen := wire.DecodeFrameHeader(buf)
	assert.Equal(t, uint32(0), bodyLen)
}

func TestFrameTypeValid(t *testing.T) {
	assert.True(t, wire.TypeHello.Valid())
	assert.True(t, wire.TypeUnsubscribe.Valid())
	assert.False(t, wire.FrameType(200).Valid())
}

func TestFrameTypeString(t *testing.T) {
	assert.Equal(t, "INVOKE", wire.TypeInvoke.String())
	assert.Equal(t, "UNKNOWN", wire.FrameType(200).String())
}
