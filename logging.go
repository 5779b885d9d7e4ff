// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import "github.com/sirupsen/logrus"

// logComponentField names the structured-logging field this package
// tags every log line with, matching longhorn-longhorn-engine's
// util.LogComponentField convention.
const logComponentField = "component"

// newLogger returns a component-tagged logrus entry. base defaults to
// logrus.StandardLogger() when nil, so callers that never configure
// logging still get sensible output; WithLogger lets them supply their
// own *logrus.Logger instead (the only logging "configuration" this
// package exposes, per SPEC_FULL.md's ambient-stack note that
// formatting itself stays out of scope).
func newLogger(base *logrus.Logger, clientID string) *logrus.Entry {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithFields(logrus.Fields{
		logComponentField: "ipbus",
		"client":          clientID,
	})
}
