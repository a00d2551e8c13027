// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package broker_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/ubusd/internal/broker"
	"code.hybscloud.com/ubusd/internal/registry"
	"code.hybscloud.com/ubusd/internal/wire"
)

// testFrame is the minimal client-side decode of one frame, mirroring
// cmd/ubusd's selftest helper.
type testFrame struct {
	wire.Header
	Payload []byte
}

func writeTestFrame(t *testing.T, conn *net.UnixConn, h wire.Header, payload []byte) {
	t.Helper()
	m := wire.Wrap(h, payload, -1)
	defer m.Release()
	_, err := conn.Write(wire.EncodeFrame(m))
	require.NoError(t, err)
}

func readTestFrame(t *testing.T, conn *net.UnixConn) testFrame {
	t.Helper()
	head := make([]byte, wire.MinFrameLen)
	readFullTest(t, conn, head)
	h, bodyLen := wire.DecodeFrameHeader(head)
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		readFullTest(t, conn, body)
	}
	return testFrame{Header: h, Payload: body}
}

func readFullTest(t *testing.T, conn *net.UnixConn, buf []byte) {
	t.Helper()
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		require.NoError(t, err)
	}
}

// requireStatus reads the next frame and asserts it is a STATUS frame
// carrying the given code (spec.md §4.5 step 5: every handler that doesn't
// already route/forward the frame itself gets a trailing generic STATUS).
func requireStatus(t *testing.T, conn *net.UnixConn, want wire.Status) {
	t.Helper()
	f := readTestFrame(t, conn)
	require.Equal(t, wire.TypeStatus, f.Type)
	set, err := wire.Parse(f.Payload)
	require.NoError(t, err)
	code, ok := set.U32(wire.TagStatus)
	require.True(t, ok)
	require.Equal(t, uint32(want), code)
}

func dial(t *testing.T, sockPath string) (*net.UnixConn, uint32) {
	t.Helper()
	raw, err := net.DialTimeout("unix", sockPath, time.Second)
	require.NoError(t, err)
	conn := raw.(*net.UnixConn)
	hello := readTestFrame(t, conn)
	require.Equal(t, wire.TypeHello, hello.Type)
	return conn, hello.Peer
}

func startServer(t *testing.T) (sockPath string, stop func()) {
	t.Helper()
	sockPath = filepath.Join(t.TempDir(), "ubus.sock")
	reg := registry.New()
	srv, err := broker.Listen(sockPath, reg, zerolog.Nop(), broker.WithQueueDepth(8))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	return sockPath, func() {
		cancel()
		<-done
	}
}

// TestPingEcho exercises spec.md §4.5 PING: the reply must carry the same
// payload the request sent, followed by the generic STATUS=0 every
// plain status-returning handler gets (spec.md §8 S2: "a DATA frame...
// and then a STATUS frame").
func TestPingEcho(t *testing.T) {
	sockPath, stop := startServer(t)
	defer stop()

	conn, _ := dial(t, sockPath)
	defer conn.Close()

	pb := wire.NewBuilder(32)
	pb.PutRaw(wire.TagData, wire.TypeTable, []byte("hello"))
	writeTestFrame(t, conn, wire.Header{Version: wire.Version, Type: wire.TypePing, Seq: 1}, pb.Bytes())
	reply := readTestFrame(t, conn)
	require.Equal(t, wire.TypeData, reply.Type)
	require.Equal(t, pb.Bytes(), reply.Payload)
	requireStatus(t, conn, wire.StatusOK)
}

// TestAddObjectLookupInvokeRoundTrip drives ADD_OBJECT, LOOKUP and a
// forwarded INVOKE/DATA-reply exchange between two clients, covering
// spec.md §8's core routing scenario.
func TestAddObjectLookupInvokeRoundTrip(t *testing.T) {
	sockPath, stop := startServer(t)
	defer stop()

	owner, ownerID := dial(t, sockPath)
	defer owner.Close()
	caller, callerID := dial(t, sockPath)
	defer caller.Close()

	ab := wire.NewBuilder(64)
	ab.PutString(wire.TagObjPath, "test.echo")
	writeTestFrame(t, owner, wire.Header{Version: wire.Version, Type: wire.TypeAddObject, Seq: 1}, ab.Bytes())

	addReply := readTestFrame(t, owner)
	require.Equal(t, wire.TypeData, addReply.Type)
	addSet, err := wire.Parse(addReply.Payload)
	require.NoError(t, err)
	objID, ok := addSet.U32(wire.TagObjID)
	require.True(t, ok)
	requireStatus(t, owner, wire.StatusOK)

	lb := wire.NewBuilder(32)
	lb.PutString(wire.TagObjPath, "test.echo")
	writeTestFrame(t, caller, wire.Header{Version: wire.Version, Type: wire.TypeLookup, Seq: 2}, lb.Bytes())

	lookupReply := readTestFrame(t, caller)
	require.Equal(t, wire.TypeData, lookupReply.Type)
	lookupSet, err := wire.Parse(lookupReply.Payload)
	require.NoError(t, err)
	lookedUpID, ok := lookupSet.U32(wire.TagObjID)
	require.True(t, ok)
	require.Equal(t, objID, lookedUpID)
	owningClient, ok := lookupSet.U32(wire.TagTarget)
	require.True(t, ok)
	require.Equal(t, ownerID, owningClient)
	requireStatus(t, caller, wire.StatusOK)

	ib := wire.NewBuilder(64)
	ib.PutU32(wire.TagObjID, objID)
	ib.PutString(wire.TagMethod, "echo")
	ib.PutRaw(wire.TagData, wire.TypeTable, []byte("ping"))
	writeTestFrame(t, caller, wire.Header{Version: wire.Version, Type: wire.TypeInvoke, Seq: 3}, ib.Bytes())

	forwarded := readTestFrame(t, owner)
	require.Equal(t, wire.TypeInvoke, forwarded.Type)
	require.Equal(t, callerID, forwarded.Peer)
	fwdSet, err := wire.Parse(forwarded.Payload)
	require.NoError(t, err)
	method, ok := fwdSet.String(wire.TagMethod)
	require.True(t, ok)
	require.Equal(t, "echo", method)

	rb := wire.NewBuilder(64)
	rb.PutU32(wire.TagObjID, objID)
	rb.PutRaw(wire.TagData, wire.TypeTable, []byte("pong"))
	writeTestFrame(t, owner, wire.Header{Version: wire.Version, Type: wire.TypeData, Seq: forwarded.Seq, Peer: forwarded.Peer}, rb.Bytes())

	finalReply := readTestFrame(t, caller)
	require.Equal(t, wire.TypeData, finalReply.Type)
	require.Equal(t, objID, finalReply.Peer)
	finalSet, err := wire.Parse(finalReply.Payload)
	require.NoError(t, err)
	data, ok := finalSet.Raw(wire.TagData)
	require.True(t, ok)
	require.Equal(t, "pong", string(data))
}

// TestSubscribeNotifyFanOut covers spec.md §4.5 SUBSCRIBE + NOTIFY: a
// subscriber must receive a forwarded INVOKE for each NOTIFY the target
// object sends.
func TestSubscribeNotifyFanOut(t *testing.T) {
	sockPath, stop := startServer(t)
	defer stop()

	publisher, _ := dial(t, sockPath)
	defer publisher.Close()
	subscriber, _ := dial(t, sockPath)
	defer subscriber.Close()

	pb := wire.NewBuilder(32)
	pb.PutString(wire.TagObjPath, "test.topic")
	writeTestFrame(t, publisher, wire.Header{Version: wire.Version, Type: wire.TypeAddObject, Seq: 1}, pb.Bytes())
	pubReply := readTestFrame(t, publisher)
	pubSet, err := wire.Parse(pubReply.Payload)
	require.NoError(t, err)
	targetID, ok := pubSet.U32(wire.TagObjID)
	require.True(t, ok)
	requireStatus(t, publisher, wire.StatusOK)

	sb := wire.NewBuilder(32)
	writeTestFrame(t, subscriber, wire.Header{Version: wire.Version, Type: wire.TypeAddObject, Seq: 1}, sb.Bytes())
	subReply := readTestFrame(t, subscriber)
	subSet, err := wire.Parse(subReply.Payload)
	require.NoError(t, err)
	subObjID, ok := subSet.U32(wire.TagObjID)
	require.True(t, ok)
	requireStatus(t, subscriber, wire.StatusOK)

	subsc := wire.NewBuilder(32)
	subsc.PutU32(wire.TagObjID, subObjID)
	subsc.PutU32(wire.TagTarget, targetID)
	writeTestFrame(t, subscriber, wire.Header{Version: wire.Version, Type: wire.TypeSubscribe, Seq: 2}, subsc.Bytes())

	subStatus := readTestFrame(t, subscriber)
	require.Equal(t, wire.TypeStatus, subStatus.Type)
	statusSet, err := wire.Parse(subStatus.Payload)
	require.NoError(t, err)
	code, ok := statusSet.U32(wire.TagStatus)
	require.True(t, ok)
	require.Equal(t, uint32(wire.StatusOK), code)

	activeNotify := readTestFrame(t, publisher)
	require.Equal(t, wire.TypeNotify, activeNotify.Type)
	activeSet, err := wire.Parse(activeNotify.Payload)
	require.NoError(t, err)
	activeFlag, ok := activeSet.U8(wire.TagActive)
	require.True(t, ok)
	require.Equal(t, uint8(1), activeFlag)

	nb := wire.NewBuilder(32)
	nb.PutU32(wire.TagObjID, targetID)
	nb.PutString(wire.TagMethod, "update")
	nb.PutU8(wire.TagNoReply, 1)
	writeTestFrame(t, publisher, wire.Header{Version: wire.Version, Type: wire.TypeNotify, Seq: 3}, nb.Bytes())

	fanout := readTestFrame(t, subscriber)
	require.Equal(t, wire.TypeInvoke, fanout.Type)
	fanoutSet, err := wire.Parse(fanout.Payload)
	require.NoError(t, err)
	fanoutMethod, ok := fanoutSet.String(wire.TagMethod)
	require.True(t, ok)
	require.Equal(t, "update", fanoutMethod)
}
