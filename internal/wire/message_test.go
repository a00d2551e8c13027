// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/ubusd/internal/wire"
)

func TestOwnedMessageClosesFDOnLastRelease(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	fd := int(r.Fd())

	m := wire.NewOwned(wire.Header{Type: wire.TypeData}, []byte("payload"), fd)
	ref := m.Ref()

	m.Release()
	assert.True(t, ref.HasFD(), "fd must survive while a reference remains")

	ref.Release()
	assert.False(t, ref.HasFD(), "fd must be closed once the last reference releases")

	_, err = r.Read(make([]byte, 1))
	assert.Error(t, err, "fd should already be closed")
}

func TestSharedMessageReleaseIsNoop(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	m := wire.NewShared(wire.Header{Type: wire.TypeData}, []byte("scratch"), int(r.Fd()))
	m.Release()
	assert.True(t, m.HasFD(), "shared Release must never close the fd")
}

func TestSharedMessageRefReturnsOwnedCopy(t *testing.T) {
	payload := []byte("scratch")
	m := wire.NewShared(wire.Header{Type: wire.TypeData}, payload, -1)

	ref := m.Ref()
	payload[0] = 'X'

	assert.Equal(t, byte('s'), ref.Payload[0], "Ref on a shared Message must copy, not alias")
}

func TestWrapTakesOwnershipWithoutCopy(t *testing.T) {
	payload := []byte("owned-by-caller")
	m := wire.Wrap(wire.Header{Type: wire.TypePing}, payload, -1)

	assert.Same(t, &payload[0], &m.Payload[0], "Wrap must not copy the payload")
}

func TestCloseFDIdempotent(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	m := wire.NewOwned(wire.Header{}, nil, int(r.Fd()))
	m.CloseFD()
	assert.False(t, m.HasFD())
	m.CloseFD() // must not panic or double-close
}
