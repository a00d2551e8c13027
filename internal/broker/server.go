// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/ubusd/internal/registry"
	"code.hybscloud.com/ubusd/internal/wire"
)

// Options configures a Server, following the teacher's functional-options
// idiom (the teacher framer's Option/Options pair).
type Options struct {
	QueueDepth   int
	MaxFrameBody uint32
	SocketMode   os.FileMode
}

// Option mutates Options.
type Option func(*Options)

// WithQueueDepth sets the per-client outbound queue capacity (spec.md §4.4
// "fixed-capacity ring queue").
func WithQueueDepth(n int) Option { return func(o *Options) { o.QueueDepth = n } }

// WithMaxFrameBody sets the attribute-payload size cap (spec.md §4.4,
// §6 "MUST be at least 64 KiB and SHOULD be at most a few MiB").
func WithMaxFrameBody(n uint32) Option { return func(o *Options) { o.MaxFrameBody = n } }

// WithSocketMode sets the listening socket's file mode (spec.md §6
// "File mode is restricted... so only the owning user may connect").
func WithSocketMode(mode os.FileMode) Option { return func(o *Options) { o.SocketMode = mode } }

var defaultOptions = Options{
	QueueDepth:   64,
	MaxFrameBody: wire.DefaultMaxFrameBody,
	SocketMode:   0600,
}

// Server listens on a Unix-domain stream socket and feeds accepted
// connections to a Router (spec.md §4.4, §6 "Listening socket").
type Server struct {
	opts     Options
	listener *net.UnixListener
	router   *Router
	log      zerolog.Logger
}

// Listen binds path as a Unix-domain stream socket, unlinking any stale
// socket file first (spec.md §6: "the socket file is unlinked before bind").
func Listen(path string, reg *registry.Registry, log zerolog.Logger, opts ...Option) (*Server, error) {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	oldUmask := unix.Umask(0177)
	defer unix.Umask(oldUmask)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, o.SocketMode); err != nil {
		_ = ln.Close()
		return nil, err
	}

	return &Server{
		opts:     o,
		listener: ln,
		router:   NewRouter(reg, o.QueueDepth, log),
		log:      log,
	}, nil
}

// Addr returns the socket path the server is listening on.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve runs the router and the accept loop until ctx is canceled, then
// unlinks the socket file (spec.md §6 "...and on orderly shutdown").
func (s *Server) Serve(ctx context.Context) error {
	go s.router.Run(ctx)

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		raw, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				_ = os.Remove(s.listener.Addr().String())
				return nil
			default:
				return err
			}
		}
		go s.handleAccepted(raw)
	}
}

func (s *Server) handleAccepted(raw *net.UnixConn) {
	c := newConn(raw, s.opts.QueueDepth, s.opts.MaxFrameBody)

	ready := make(chan uint32, 1)
	s.router.events <- event{kind: eventConnect, conn: c, ready: ready}
	c.id = <-ready

	s.log.Debug().Uint32("client", c.id).Msg("client connected")

	go c.writeLoop()
	err := c.readLoop(
		func(cc *conn, msg *wire.Message) {
			s.router.events <- event{kind: eventFrame, conn: cc, msg: msg}
		},
		func(cc *conn) {
			cc.close()
			s.router.events <- event{kind: eventDisconnect, clientID: cc.id}
		},
	)
	switch {
	case err == nil, errors.Is(err, errConnClosed):
		s.log.Debug().Uint32("client", c.id).Msg("client disconnected")
	case errors.Is(err, errFrameTooLarge):
		s.log.Warn().Uint32("client", c.id).Err(err).Msg("client disconnected")
	default:
		s.log.Debug().Uint32("client", c.id).Err(err).Msg("client disconnected")
	}
}

// RegisterBuiltin exposes the router's registry for wiring built-in objects
// before Serve is called (spec.md §4.6 expansion).
func (s *Server) RegisterBuiltin(path string, sig []registry.Method, handler registry.BuiltinInvoke) (uint32, error) {
	return s.router.reg.RegisterBuiltin(path, sig, handler)
}
