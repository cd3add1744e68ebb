// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metrics collects the prometheus.Collector instruments shared
// across the memory and scheduling subsystems. Each subsystem owns its
// instruments; this package only wires a default registry they can
// register against so cmd/kerneld has one place to expose /metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the process-wide collector registry. Subsystems register
// their instruments here at construction time rather than relying on
// prometheus.DefaultRegisterer, so cmd/kerneld's /metrics endpoint
// exposes only this module's instruments.
var Registry = prometheus.NewRegistry()

const namespace = "kernelcore"

// mustRegister registers c against Registry. When an instrument with the
// same descriptor is already registered (a subsystem constructed more
// than once in one process, as the package tests do), the first
// registration stays in place, the existing collector is returned, and
// c is not exported. Any other registration error panics.
func mustRegister(c prometheus.Collector) prometheus.Collector {
	if err := Registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
