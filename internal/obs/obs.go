// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package obs wires an OpenTelemetry MeterProvider to a Prometheus
// exporter and serves it over HTTP, so pkg/taskqueue.Metrics (and any
// other OTel instrument in the process) shows up at /metrics. Grounded
// on the teacher's internal/tracing/otel.go, trimmed to metrics only:
// this module carries no tracing-span surface of its own (spec's
// Non-goals exclude a metrics-exporter backend choice as a feature, but
// the ambient observability stack is still carried per SPEC_FULL §10.2).
package obs

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider owns the process's MeterProvider and the Prometheus
// collector registry it exports to.
type Provider struct {
	mp       *metric.MeterProvider
	exporter *prometheus.Exporter
}

// New builds a Provider tagged with serviceName/version. The returned
// Provider's MeterProvider() is what pkg/taskqueue.NewMetrics should be
// called with.
func New(serviceName, version string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: build resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("obs: create prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)

	return &Provider{mp: mp, exporter: exporter}, nil
}

// MeterProvider returns the OTel MeterProvider instruments should be
// registered against.
func (p *Provider) MeterProvider() *metric.MeterProvider { return p.mp }

// Handler returns the HTTP handler to mount at /metrics. The OTel
// Prometheus exporter registers with the default Prometheus registry, so
// promhttp.Handler() already sees everything it exports.
func (p *Provider) Handler() http.Handler { return promhttp.Handler() }

// Shutdown flushes and releases the MeterProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
