package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/qnet-io/quince"
)

// newConfig builds the Config shared by the client and server subcommands.
// When --metrics is set it registers this module's Prometheus metrics on a
// fresh Registry and starts serving it on a background HTTP listener.
func newConfig() *quic.Config {
	config := quic.NewConfig()
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		config.Registerer = reg
		serveMetrics(reg, metricsAddr)
	}
	return config
}

func serveMetrics(reg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.WithError(err).Error("metrics listener stopped")
		}
	}()
}
