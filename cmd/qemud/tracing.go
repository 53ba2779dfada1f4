// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// traceLogExporter reports every finished span to logrus at debug
// level, the same "always log spans, regardless of a real collector"
// posture the teacher's kataSpanExporter takes for its Jaeger
// integration; a real collector exporter can be layered in by adding a
// second span processor once an OTLP endpoint is configured.
type traceLogExporter struct {
	log *logrus.Entry
}

func (e traceLogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.log.WithFields(logrus.Fields{
			"span":     s.Name(),
			"trace_id": s.SpanContext().TraceID().String(),
		}).Debug("span finished")
	}
	return nil
}

func (e traceLogExporter) Shutdown(ctx context.Context) error { return nil }

// setupTracing installs a tracer provider that logs spans rather than
// shipping them to a collector; the daemon has no collector dependency
// by default, matching spec's non-goal of a full observability stack
// while still exercising the ambient otel stack.
func setupTracing(log *logrus.Entry) func() {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceLogExporter{log: log}),
	)
	otel.SetTracerProvider(provider)

	return func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("tracer provider shutdown failed")
		}
	}
}
