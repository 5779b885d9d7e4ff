// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ipbus implements the IPbus 2.0 control protocol: a 32-bit
// register-access wire protocol used to configure and read back FPGA
// firmware over UDP or a TCP control-hub gateway.
package ipbus

import (
	"context"
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/go-daq/ipbus/internal/diag"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxSend  = 368 // words, matching uHAL's historical default packet budget
	defaultMaxReply = 368
	defaultTimeout  = 5 * time.Second
)

// Option configures a Client at construction time.
type Option func(*clientConfig)

type clientConfig struct {
	maxSendWords  int
	maxReplyWords int
	timeout       time.Duration
	pipelined     bool
	logger        *logrus.Logger
	registerer    prometheus.Registerer
	diagAddr      string
}

// WithMaxPacketSize overrides the default MaxSend/MaxReply budget, given
// in 32-bit words, per spec.md §4.2.
func WithMaxPacketSize(sendWords, replyWords int) Option {
	return func(c *clientConfig) {
		c.maxSendWords = sendWords
		c.maxReplyWords = replyWords
	}
}

// WithMaxPacketSizeString is WithMaxPacketSize for callers that would
// rather configure packet budgets as human-readable byte sizes (e.g.
// "1472B", "4KiB") than raw word counts, the way longhorn-longhorn-engine's
// CLI flags parse volume sizes with units.RAMInBytes. Returns an error if
// either string does not parse, or isn't word-aligned.
func WithMaxPacketSizeString(sendSize, replySize string) (Option, error) {
	sendBytes, err := units.RAMInBytes(sendSize)
	if err != nil {
		return nil, newErrorf(KindValidation, err, "parsing max send size %q", sendSize)
	}
	replyBytes, err := units.RAMInBytes(replySize)
	if err != nil {
		return nil, newErrorf(KindValidation, err, "parsing max reply size %q", replySize)
	}
	if sendBytes%4 != 0 || replyBytes%4 != 0 {
		return nil, newErrorf(KindValidation, nil, "packet sizes %q/%q are not a whole number of 32-bit words", sendSize, replySize)
	}
	return WithMaxPacketSize(int(sendBytes/4), int(replyBytes/4)), nil
}

// WithTimeout overrides the default per-dispatch deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithPipeline selects the pipelined concurrency mode of spec.md §4.6/
// §4.7, in which Dispatch may return before its buffer's reply has
// arrived. The default is single-threaded (inline blocking dispatch).
func WithPipeline() Option {
	return func(c *clientConfig) { c.pipelined = true }
}

// WithLogger supplies the *logrus.Logger a Client logs through, instead
// of logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// WithRegisterer supplies the Prometheus registry a Client's metrics are
// registered against. Metrics are created either way; passing nil (the
// default) just skips registration.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *clientConfig) { c.registerer = r }
}

// WithDiagAddr starts an internal/diag HTTP server on addr alongside the
// Client, exposing /metrics and /healthz. Any registerer set by
// WithRegisterer is ignored in favor of a dedicated registry scoped to
// this diagnostics server.
func WithDiagAddr(addr string) Option {
	return func(c *clientConfig) { c.diagAddr = addr }
}

// Client is a single IPbus connection to a device: the packing engine
// of engine.go bound to one Transport, identified by a stable uuid so
// its logs and metrics can be told apart from any other Client sharing
// a process.
type Client struct {
	id   uuid.UUID
	uri  string
	eng  *engine
	log  *logrus.Entry
	conf clientConfig
	diag *diag.Server
}

// Dial parses a device URI (one of ipbusudp-2.0://, ipbustcp-2.0://, or
// chtcp-2.0://, per spec.md §6), connects the matching transport, and
// returns a ready Client.
func Dial(uri string, opts ...Option) (*Client, error) {
	conf := clientConfig{
		maxSendWords:  defaultMaxSend,
		maxReplyWords: defaultMaxReply,
		timeout:       defaultTimeout,
	}
	for _, opt := range opts {
		opt(&conf)
	}

	du, err := parseDeviceURI(uri)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	log := newLogger(conf.logger, id.String())

	var reg *prometheus.Registry
	registerer := conf.registerer
	if conf.diagAddr != "" {
		reg = prometheus.NewRegistry()
		registerer = reg
	}
	m := newMetrics(registerer, id.String())

	maxSend := conf.maxSendWords * 4
	maxReply := conf.maxReplyWords * 4

	var transport Transport
	isHub := du.scheme == schemeControlHub

	switch du.scheme {
	case schemeUDP:
		transport, err = NewUDPTransport(du.host, maxReply, conf.timeout, conf.pipelined, m, log)
	case schemeTCP, schemeControlHub:
		transport, err = NewTCPTransport(du.host, maxReply, conf.timeout, conf.pipelined, m, log)
	}
	if err != nil {
		return nil, err
	}

	eng := newEngine(maxSend, maxReply, transport, nil, m, log)
	if isHub {
		// the control-hub preamble wraps the plain byte-order probe, so
		// it must close over the engine's own probe emitter.
		eng.hub = newHubPreamble(du.targetIP, du.targetPort, eng.emitByteOrderProbe)
	}
	c := &Client{id: id, uri: uri, eng: eng, log: log, conf: conf}

	if conf.diagAddr != "" {
		c.diag = diag.New(conf.diagAddr, reg, c.healthy, log)
		go func() {
			if err := c.diag.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("diagnostics server stopped")
			}
		}()
	}

	log.WithFields(logrus.Fields{"uri": uri, "pipelined": conf.pipelined}).Info("ipbus client dialed")
	return c, nil
}

// healthy reports whether the Client's most recent dispatch succeeded,
// for internal/diag's /healthz route.
func (c *Client) healthy() error {
	return c.eng.transport.Flush()
}

// ID returns the Client's stable identifier, used to tag its log lines
// and Prometheus metrics.
func (c *Client) ID() string { return c.id.String() }

// URI returns the device URI the Client was dialed with.
func (c *Client) URI() string { return c.uri }

// Write issues a single-word write, per spec.md §4.1's "write" operation.
func (c *Client) Write(addr, word uint32, mode BlockMode) (*Header, error) {
	return c.eng.Write(addr, word, mode)
}

// WriteBlock issues a block write, splitting across packets as needed.
func (c *Client) WriteBlock(addr uint32, words []uint32, mode BlockMode) (*Header, error) {
	return c.eng.WriteBlock(addr, words, mode)
}

// Read issues a single-word read, optionally masked.
func (c *Client) Read(addr uint32, mode BlockMode, mask *uint32) (*Word, error) {
	return c.eng.Read(addr, mode, mask)
}

// ReadBlock issues a block read, splitting across packets as needed.
func (c *Client) ReadBlock(addr uint32, count int, mode BlockMode) (*Vector, error) {
	return c.eng.ReadBlock(addr, count, mode)
}

// RMWBits issues a read-modify-write-bits transaction.
func (c *Client) RMWBits(addr, andTerm, orTerm uint32) (*Word, error) {
	return c.eng.RMWBits(addr, andTerm, orTerm)
}

// RMWSum issues a read-modify-write-sum transaction.
func (c *Client) RMWSum(addr, addend uint32) (*Word, error) {
	return c.eng.RMWSum(addr, addend)
}

// MaskedWrite updates only the bits of mask at addr (see SPEC_FULL.md's
// supplemented features).
func (c *Client) MaskedWrite(addr, mask, value uint32) (*Word, error) {
	return c.eng.MaskedWrite(addr, mask, value)
}

// ReadReservedAddressInfo reads the device's 2-word reserved-address-info
// block (see SPEC_FULL.md's supplemented features).
func (c *Client) ReadReservedAddressInfo() (*Vector, error) {
	return c.eng.ReadReservedAddressInfo()
}

// Dispatch flushes any buffer still being filled and blocks until every
// outstanding buffer has validated or failed.
func (c *Client) Dispatch() error {
	return c.eng.Dispatch()
}

// Flush blocks until every buffer already handed to the transport has
// validated or failed, without flushing a still-filling buffer.
func (c *Client) Flush() error {
	return c.eng.Flush()
}

// SetTimeoutPeriod changes the deadline applied to future dispatches.
func (c *Client) SetTimeoutPeriod(d time.Duration) {
	c.conf.timeout = d
	c.eng.SetTimeout(d)
}

// TimeoutPeriod returns the deadline currently applied to dispatches.
func (c *Client) TimeoutPeriod() time.Duration {
	return c.conf.timeout
}

// Close releases the underlying transport's socket and, if running,
// stops the diagnostics server.
func (c *Client) Close() error {
	if c.diag != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.diag.Shutdown(ctx); err != nil {
			c.log.WithError(err).Warn("diagnostics server shutdown")
		}
	}
	return c.eng.transport.Close()
}
