/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package interceptors

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/couchbase/stellar-router/pkg/interceptors"

type TracingInterceptor struct {
	provider trace.TracerProvider
}

// NewTracingInterceptor starts a server span per request.  A nil provider
// means the global one.
func NewTracingInterceptor(provider trace.TracerProvider) *TracingInterceptor {
	return &TracingInterceptor{
		provider: provider,
	}
}

func (ti *TracingInterceptor) tracer(parent trace.Span) trace.Tracer {
	if parent.SpanContext().IsValid() {
		return parent.TracerProvider().Tracer(tracerName)
	}
	if ti.provider != nil {
		return ti.provider.Tracer(tracerName)
	}
	return otel.GetTracerProvider().Tracer(tracerName)
}

func (ti *TracingInterceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		tp := otel.GetTextMapPropagator()
		ctx := tp.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := ti.tracer(trace.SpanFromContext(ctx)).Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("request.id", r.Header.Get(RequestIDHeader)),
			))
		defer span.End()

		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}
