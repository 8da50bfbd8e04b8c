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
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/couchbase/stellar-router/pkg/metrics"
	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func TestConnectionLoggingAssignsRequestID(t *testing.T) {
	var seen string
	handler := NewConnectionLoggingInterceptor(zap.NewNop()).Handler(
		http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			seen = r.Header.Get(RequestIDHeader)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, "abc", seen)
	require.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
}

func TestMetricsInterceptorPassesThrough(t *testing.T) {
	handler := NewMetricsInterceptor(metrics.GetRouterMetrics()).Handler(
		http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusTeapot)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestTracingInterceptorStartsServerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	var inner trace.SpanContext
	handler := NewTracingInterceptor(provider).Handler(
		http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			inner = trace.SpanFromContext(r.Context()).SpanContext()
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/route/c1", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "POST /v1/route/c1", spans[0].Name())
	require.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	require.True(t, inner.IsValid())
	require.Equal(t, spans[0].SpanContext().SpanID(), inner.SpanID())
}

func TestCompressInterceptorDecodesRequest(t *testing.T) {
	var body []byte
	handler := NewCompressInterceptor().Handler(
		http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			body, _ = io.ReadAll(r.Body)
			require.Empty(t, r.Header.Get("Content-Encoding"))
			_, _ = rw.Write([]byte("plain"))
		}))

	req := httptest.NewRequest(http.MethodPost, "/v1/route/c1",
		bytes.NewReader(snappy.Encode(nil, []byte(`{"kind":"update"}`))))
	req.Header.Set("Content-Encoding", SnappyEncoding)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"kind":"update"}`, string(body))
	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, "plain", rec.Body.String())
}

func TestCompressInterceptorRejectsCorruptBody(t *testing.T) {
	handler := NewCompressInterceptor().Handler(
		http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			t.Fatalf("handler should not run")
		}))

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte{0xff, 0xff, 0xff}))
	req.Header.Set("Content-Encoding", SnappyEncoding)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompressInterceptorEncodesResponse(t *testing.T) {
	handler := NewCompressInterceptor().Handler(
		http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusAccepted)
			_, _ = rw.Write([]byte(`{"rf":2}`))
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip, snappy;q=0.5")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, SnappyEncoding, rec.Header().Get("Content-Encoding"))
	decoded, err := snappy.Decode(nil, rec.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, `{"rf":2}`, string(decoded))
}

func TestAcceptsSnappy(t *testing.T) {
	require.True(t, acceptsSnappy("snappy"))
	require.True(t, acceptsSnappy("identity, Snappy;q=0.1"))
	require.False(t, acceptsSnappy("snappy;q=0"))
	require.False(t, acceptsSnappy("gzip"))
	require.False(t, acceptsSnappy(""))
}
