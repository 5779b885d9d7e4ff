// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import (
	"net"
	"net/url"
	"strconv"
)

// scheme identifies which transport and framing a parsed device URI
// selects, per spec.md §6's three accepted forms.
type scheme int

const (
	schemeUDP scheme = iota
	schemeTCP
	schemeControlHub
)

// deviceURI is the boundary-level parse of a device URI: just enough to
// pick a transport and dial it. This is deliberately not a general
// address-map or URI-grammar parser (spec.md §1 places both out of
// scope) — it only recognizes the three schemes a Client constructor
// accepts and extracts the fields each one needs.
type deviceURI struct {
	scheme scheme
	host   string // gateway/device host:port to dial

	// target is only populated for schemeControlHub: the downstream
	// FPGA's IP and port that the control-hub gateway must route to,
	// carried in the preamble of every packet (see hub.go).
	targetIP   [4]byte
	targetPort [2]byte
}

// parseDeviceURI recognizes the ipbusudp-2.0, ipbustcp-2.0, and
// chtcp-2.0 schemes of spec.md §6. For chtcp-2.0, the downstream target
// is given as a second host:port pair in the URI path, e.g.
// "chtcp-2.0://gateway:10203/192.168.1.1:50001".
func parseDeviceURI(raw string) (*deviceURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, newErrorf(KindURIParse, err, "parsing device URI %q", raw)
	}
	if u.Host == "" {
		return nil, newErrorf(KindURIParse, nil, "device URI %q has no host", raw)
	}

	d := &deviceURI{host: u.Host}
	switch u.Scheme {
	case "ipbusudp-2.0":
		d.scheme = schemeUDP
	case "ipbustcp-2.0":
		d.scheme = schemeTCP
	case "chtcp-2.0":
		d.scheme = schemeControlHub
		target, err := parseTargetPath(u.Path)
		if err != nil {
			return nil, newErrorf(KindURIParse, err, "parsing control-hub target in %q", raw)
		}
		d.targetIP, d.targetPort = target.ip, target.port
	default:
		return nil, newErrorf(KindURIParse, nil, "unrecognized device URI scheme %q", u.Scheme)
	}
	return d, nil
}

type target struct {
	ip   [4]byte
	port [2]byte
}

func parseTargetPath(path string) (target, error) {
	host, portStr, err := splitTargetHostPort(path)
	if err != nil {
		return target{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return target{}, newErrorf(KindURIParse, nil, "invalid target IP %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return target{}, newErrorf(KindURIParse, nil, "target IP %q is not IPv4", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return target{}, newErrorf(KindURIParse, err, "invalid target port %q", portStr)
	}
	var t target
	copy(t.ip[:], ip4)
	t.port[0] = byte(port >> 8)
	t.port[1] = byte(port)
	return t, nil
}

func splitTargetHostPort(path string) (host, port string, err error) {
	trimmed := path
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		return "", "", newErrorf(KindURIParse, nil, "missing target host:port")
	}
	host, port, err = net.SplitHostPort(trimmed)
	if err != nil {
		return "", "", newErrorf(KindURIParse, err, "target %q is not host:port", trimmed)
	}
	return host, port, nil
}
