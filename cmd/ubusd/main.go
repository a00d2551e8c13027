// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command ubusd is the message-bus daemon: it listens on a Unix-domain
// socket, routes typed INVOKE/reply frames between clients, and maintains
// the object/subscription registry described by this repository's
// internal/registry and internal/broker packages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"code.hybscloud.com/ubusd/internal/broker"
	"code.hybscloud.com/ubusd/internal/config"
	"code.hybscloud.com/ubusd/internal/metrics"
	"code.hybscloud.com/ubusd/internal/registry"
	"code.hybscloud.com/ubusd/internal/wire"
)

func main() {
	cfg := config.Default()
	fs := pflag.NewFlagSet("ubusd", pflag.ExitOnError)
	cfg.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	log := newLogger(cfg.Verbose)

	if cfg.Selftest {
		if err := selftest(cfg.SocketPath, log); err != nil {
			log.Fatal().Err(err).Msg("selftest failed")
		}
		fmt.Println("ubusd selftest: ok")
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("ubusd exited with error")
	}
}

// newLogger follows the teacher ecosystem's zerolog-builder idiom. It always
// writes through a console writer to stderr; verbose only lowers the level
// to debug.
func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("service", "ubusd").
		Logger()
}

func run(cfg config.Config, log zerolog.Logger) error {
	// Signals written by a peer that has closed its read side arrive as
	// SIGPIPE on the listening process; ignored here so a dead client
	// surfaces as a write error on its own connection instead of killing
	// the daemon (spec.md §4.4 "Outbound" implies writes must not be fatal).
	signal.Ignore(syscall.SIGPIPE)

	reg := registry.New()

	srv, err := broker.Listen(cfg.SocketPath, reg, log,
		broker.WithQueueDepth(cfg.QueueDepth),
		broker.WithMaxFrameBody(cfg.MaxFrameBody),
	)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if _, err := srv.RegisterBuiltin("ubusd", introspectionMethods(), introspectionHandler(reg)); err != nil {
		return fmt.Errorf("register builtin object: %w", err)
	}

	metricsSrv, err := metrics.Serve(cfg.MetricsAddr)
	if err != nil {
		log.Warn().Err(err).Msg("metrics endpoint disabled")
	} else {
		defer metricsSrv.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("socket", srv.Addr()).Msg("ubusd listening")
	return srv.Serve(ctx)
}

// introspectionMethods is the "ubusd" internal object's signature (spec.md
// §9 "Internal objects"): a minimal set every client can rely on without
// having first discovered it through LOOKUP.
func introspectionMethods() []registry.Method {
	return []registry.Method{
		{Name: "ping"},
		{Name: "objects"},
	}
}

// introspectionHandler answers the built-in object's two methods:
// "ping" (liveness, echoes its input) and "objects" (a JSON summary of the
// current registry, for debugging — SPEC_FULL.md §4.6 expansion, not
// present in the distilled spec).
func introspectionHandler(reg *registry.Registry) registry.BuiltinInvoke {
	return func(method string, data []byte) ([]byte, wire.Status) {
		switch method {
		case "ping":
			return data, wire.StatusOK
		case "objects":
			objs := reg.AllObjects()
			summary := make([]map[string]any, 0, len(objs))
			for _, o := range objs {
				summary = append(summary, map[string]any{
					"id":   o.ID,
					"path": o.Path,
				})
			}
			b, err := json.Marshal(summary)
			if err != nil {
				return nil, wire.StatusUnknownError
			}
			return b, wire.StatusOK
		default:
			return nil, wire.StatusNotFound
		}
	}
}

// selftest dials the listening socket and round-trips a LOOKUP + INVOKE
// against the built-in "ubusd" object's "ping" method (-T/--selftest,
// SPEC_FULL.md §6 CLI expansion). It reports the first error encountered.
func selftest(socketPath string, log zerolog.Logger) error {
	raw, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := raw.(*net.UnixConn)
	defer conn.Close()

	hello, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read HELLO: %w", err)
	}
	if hello.Type != wire.TypeHello {
		return fmt.Errorf("expected HELLO, got %s", hello.Type)
	}
	log.Debug().Uint32("client", hello.Peer).Msg("selftest: connected")

	lb := wire.NewBuilder(32)
	lb.PutString(wire.TagObjPath, "ubusd")
	if err := writeFrame(conn, wire.Header{Version: wire.Version, Type: wire.TypeLookup, Seq: 1}, lb.Bytes()); err != nil {
		return fmt.Errorf("write LOOKUP: %w", err)
	}

	lookupReply, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read LOOKUP reply: %w", err)
	}
	if lookupReply.Type != wire.TypeData {
		return fmt.Errorf("LOOKUP: expected DATA, got %s", lookupReply.Type)
	}
	attrs, err := wire.Parse(lookupReply.Payload)
	if err != nil {
		return fmt.Errorf("LOOKUP reply: %w", err)
	}
	objID, ok := attrs.U32(wire.TagObjID)
	if !ok {
		return fmt.Errorf("LOOKUP reply missing object id")
	}
	lookupStatus, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read LOOKUP status: %w", err)
	}
	if lookupStatus.Type != wire.TypeStatus {
		return fmt.Errorf("LOOKUP: expected STATUS, got %s", lookupStatus.Type)
	}

	ib := wire.NewBuilder(32)
	ib.PutU32(wire.TagObjID, objID)
	ib.PutString(wire.TagMethod, "ping")
	ib.PutRaw(wire.TagData, wire.TypeTable, []byte("selftest"))
	if err := writeFrame(conn, wire.Header{Version: wire.Version, Type: wire.TypeInvoke, Seq: 2}, ib.Bytes()); err != nil {
		return fmt.Errorf("write INVOKE: %w", err)
	}

	invokeReply, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read INVOKE reply: %w", err)
	}
	if invokeReply.Type != wire.TypeData {
		return fmt.Errorf("INVOKE: expected DATA, got %s", invokeReply.Type)
	}
	return nil
}

type frame struct {
	wire.Header
	Payload []byte
}

func writeFrame(conn *net.UnixConn, h wire.Header, payload []byte) error {
	m := wire.Wrap(h, payload, -1)
	defer m.Release()
	_, err := conn.Write(wire.EncodeFrame(m))
	return err
}

func readFrame(conn *net.UnixConn) (frame, error) {
	head := make([]byte, wire.MinFrameLen)
	if _, err := readFull(conn, head); err != nil {
		return frame{}, err
	}
	h, bodyLen := wire.DecodeFrameHeader(head)
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := readFull(conn, body); err != nil {
			return frame{}, err
		}
	}
	return frame{Header: h, Payload: body}, nil
}

func readFull(conn *net.UnixConn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
