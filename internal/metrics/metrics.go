// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes operational counters for the broker on a
// Prometheus /metrics endpoint (SPEC_FULL.md §6 expansion). It adds no
// routing behavior; it is ambient observability, not a protocol feature.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ubusd_clients_connected",
		Help: "Current number of connected clients.",
	})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ubusd_frames_total",
		Help: "Total frames processed by the router, by frame type.",
	}, []string{"type"})

	OutboundDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ubusd_outbound_drops_total",
		Help: "Total frames silently dropped by the per-client outbound queue's slow-consumer policy.",
	})

	ObjectsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ubusd_objects_total",
		Help: "Current number of registered objects.",
	})

	DisplacedFDsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ubusd_displaced_fds_total",
		Help: "Total ancillary descriptors closed because a second SCM_RIGHTS message arrived before the first was consumed.",
	})
)

func init() {
	prometheus.MustRegister(ClientsConnected)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(OutboundDropsTotal)
	prometheus.MustRegister(ObjectsTotal)
	prometheus.MustRegister(DisplacedFDsTotal)
}

// Serve starts a loopback-only HTTP listener exposing /metrics, separate
// from the broker's Unix-domain socket (SPEC_FULL.md §6 expansion).
func Serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}
