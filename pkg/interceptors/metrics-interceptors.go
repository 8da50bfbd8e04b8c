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

	"github.com/couchbase/stellar-router/pkg/metrics"
)

type MetricsInterceptor struct {
	metrics *metrics.RouterMetrics
}

func NewMetricsInterceptor(metrics *metrics.RouterMetrics) *MetricsInterceptor {
	return &MetricsInterceptor{
		metrics: metrics,
	}
}

func (mi *MetricsInterceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		mi.metrics.NewConnections.Add(ctx, 1, metrics.Attrs("method", r.Method))
		mi.metrics.ActiveConnections.Add(ctx, 1)

		next.ServeHTTP(rw, r)

		mi.metrics.ActiveConnections.Add(ctx, -1)
	})
}
