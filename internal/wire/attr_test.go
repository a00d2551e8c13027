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

func TestBuilderRoundTrip(t *testing.T) {
	b := wire.NewBuilder(64)
	b.PutU32(wire.TagObjID, 42)
	b.PutString(wire.TagObjPath, "foo.bar")
	b.PutU8(wire.TagNoReply, 1)

	set, err := wire.Parse(b.Bytes())
	require.NoError(t, err)

	id, ok := set.U32(wire.TagObjID)
	assert.True(t, ok)
	assert.Equal(t, uint32(42), id)

	path, ok := set.String(wire.TagObjPath)
	assert.True(t, ok)
	assert.Equal(t, "foo.bar", path)

	noReply, ok := set.U8(wire.TagNoReply)
	assert.True(t, ok)
	assert.Equal(t, uint8(1), noReply)
}

func TestParseDuplicateTagLastWriteWins(t *testing.T) {
	b := wire.NewBuilder(32)
	b.PutU32(wire.TagObjID, 1)
	b.PutU32(wire.TagObjID, 2)

	set, err := wire.Parse(b.Bytes())
	require.NoError(t, err)

	id, ok := set.U32(wire.TagObjID)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), id)
}

func TestParseWrongTypedAttrIgnored(t *testing.T) {
	b := wire.NewBuilder(32)
	b.PutString(wire.TagObjID, "not-a-u32")

	set, err := wire.Parse(b.Bytes())
	require.NoError(t, err)

	_, ok := set.U32(wire.TagObjID)
	assert.False(t, ok, "wrong-typed attribute must not satisfy U32")
}

func TestParseUnknownTagIgnoredNotError(t *testing.T) {
	b := wire.NewBuilder(32)
	b.PutU32(wire.Tag(9999), 7)
	b.PutString(wire.TagObjPath, "known")

	set, err := wire.Parse(b.Bytes())
	require.NoError(t, err)

	path, ok := set.String(wire.TagObjPath)
	assert.True(t, ok)
	assert.Equal(t, "known", path)
}

func TestParseMalformedLengthErrors(t *testing.T) {
	buf := []byte{0, 1, byte(wire.TypeU32), 0, 0, 0, 99, 0, 0, 0, 1}
	_, err := wire.Parse(buf)
	assert.ErrorIs(t, err, wire.ErrMalformedAttr)
}

func TestParseTruncatedHeaderErrors(t *testing.T) {
	buf := []byte{0, 1, byte(wire.TypeU32)}
	_, err := wire.Parse(buf)
	assert.ErrorIs(t, err, wire.ErrMalformedAttr)
}

func TestNestedTableRoundTrip(t *testing.T) {
	outer := wire.NewBuilder(64)
	nested := outer.OpenNested()
	nested.PutString(wire.TagObjPath, "inner")
	outer.CloseNested(wire.TagSignature, wire.TypeTable, nested)

	set, err := wire.Parse(outer.Bytes())
	require.NoError(t, err)

	raw, ok := set.Raw(wire.TagSignature)
	require.True(t, ok)

	inner, err := wire.Parse(raw)
	require.NoError(t, err)

	path, ok := inner.String(wire.TagObjPath)
	assert.True(t, ok)
	assert.Equal(t, "inner", path)
}

func TestParseArrayPositional(t *testing.T) {
	outer := wire.NewBuilder(64)
	elems := outer.OpenNested()
	elems.PutU32(0, 10)
	elems.PutU32(0, 20)
	elems.PutU32(0, 30)

	attrs, err := wire.ParseArray(elems.Bytes())
	require.NoError(t, err)
	require.Len(t, attrs, 3)
	assert.Equal(t, uint32(10), attrs[0].U32())
	assert.Equal(t, uint32(20), attrs[1].U32())
	assert.Equal(t, uint32(30), attrs[2].U32())
}
