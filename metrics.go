// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import "github.com/prometheus/client_golang/prometheus"

// metrics groups the Prometheus collectors a Client registers for its
// packet and transport activity, grounded on metallb's and
// longhorn-longhorn-engine's use of prometheus/client_golang for
// dataplane counters (see SPEC_FULL.md's DOMAIN STACK section). All
// labeled by the client's uuid so multiple Clients in one process don't
// collide in a shared registry.
type metrics struct {
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	timeouts        prometheus.Counter
	inFlight        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, clientID string) *metrics {
	labels := prometheus.Labels{"client": clientID}
	m := &metrics{
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipbus", Subsystem: "transport", Name: "bytes_sent_total",
			Help: "Total bytes written to the transport socket.", ConstLabels: labels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipbus", Subsystem: "transport", Name: "bytes_received_total",
			Help: "Total bytes read from the transport socket.", ConstLabels: labels,
		}),
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipbus", Subsystem: "transport", Name: "packets_sent_total",
			Help: "Total packets handed to the transport.", ConstLabels: labels,
		}),
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipbus", Subsystem: "transport", Name: "packets_received_total",
			Help: "Total packet replies received from the transport.", ConstLabels: labels,
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipbus", Subsystem: "transport", Name: "timeouts_total",
			Help: "Total dispatch deadlines that expired before a reply arrived.", ConstLabels: labels,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipbus", Subsystem: "transport", Name: "in_flight_packets",
			Help: "Buffers dispatched but not yet validated.", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.bytesSent, m.bytesReceived, m.packetsSent, m.packetsReceived, m.timeouts, m.inFlight)
	}
	return m
}
