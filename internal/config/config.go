// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config binds cmd/ubusd's command-line flags to the broker's
// runtime parameters (SPEC_FULL.md §6 expansion).
package config

import (
	"github.com/spf13/pflag"
)

// Config holds everything cmd/ubusd needs to start a broker.Server.
type Config struct {
	SocketPath   string
	MetricsAddr  string
	QueueDepth   int
	MaxFrameBody uint32
	Selftest     bool
	Verbose      bool
}

// Default matches spec.md's defaults: a host socket path of
// /var/run/ubus/ubus.sock (overridable with -s), a 1 MiB frame cap
// (spec.md §4.4), and a modest per-client queue depth.
func Default() Config {
	return Config{
		SocketPath:   "/var/run/ubus/ubus.sock",
		MetricsAddr:  "127.0.0.1:9718",
		QueueDepth:   64,
		MaxFrameBody: 1 << 20,
	}
}

// BindFlags registers cmd/ubusd's flags on fs, following the teacher
// ecosystem's pflag.FlagSet idiom (docker-compose's addProjectFlags).
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.SocketPath, "socket", "s", c.SocketPath, "unix-domain socket path to listen on")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "loopback address for the Prometheus /metrics endpoint")
	fs.IntVar(&c.QueueDepth, "queue-depth", c.QueueDepth, "per-client outbound queue capacity")
	fs.Uint32Var(&c.MaxFrameBody, "max-frame-body", c.MaxFrameBody, "maximum attribute-payload size in bytes")
	fs.BoolVarP(&c.Selftest, "selftest", "T", c.Selftest, "run the built-in ping self-test against the listening socket and exit")
	fs.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "enable debug-level logging")
}
