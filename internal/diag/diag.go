// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package diag is the optional diagnostics HTTP server a Client can
// start alongside its IPbus transport: Prometheus metrics and a health
// probe, routed the way longhorn-longhorn-engine's rest package wires
// gorilla/mux (see SPEC_FULL.md's DOMAIN STACK section). It is off
// unless a caller explicitly starts one; the core protocol never
// depends on it.
package diag

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthFunc reports whether the client it is bound to is currently
// usable, for the /healthz route.
type HealthFunc func() error

// Server is a small HTTP server exposing /metrics and /healthz for one
// Client. It is independent of the IPbus wire protocol entirely.
type Server struct {
	http *http.Server
	log  *logrus.Entry
}

// New builds a diagnostics Server bound to addr, not yet listening.
// reg is the Prometheus registry to serve under /metrics; health is
// called on every /healthz request.
func New(addr string, reg *prometheus.Registry, health HealthFunc, log *logrus.Entry) *Server {
	router := mux.NewRouter().StrictSlash(true)

	router.Methods("GET").Path("/metrics").Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Methods("GET").Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		http: &http.Server{Addr: addr, Handler: router},
		log:  log,
	}
}

// ListenAndServe blocks serving diagnostics until the server is shut
// down or fails to bind its address.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.http.Addr).Info("diagnostics server listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the diagnostics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
