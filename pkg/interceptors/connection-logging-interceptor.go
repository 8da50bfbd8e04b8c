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

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-Id"

type ConnectionLoggingInterceptor struct {
	logger *zap.Logger
}

func NewConnectionLoggingInterceptor(log *zap.Logger) *ConnectionLoggingInterceptor {
	return &ConnectionLoggingInterceptor{
		logger: log,
	}
}

// Handler logs the start and end of each request, tagging requests with a
// request id when the caller did not send one.
func (cli *ConnectionLoggingInterceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(RequestIDHeader, requestID)
		}
		rw.Header().Set(RequestIDHeader, requestID)

		cli.logger.Debug("Request Started",
			zap.String("ip", r.RemoteAddr),
			zap.String("user-agent", r.UserAgent()),
			zap.String("path", r.URL.Path),
			zap.String("requestId", requestID))

		next.ServeHTTP(rw, r)

		cli.logger.Debug("Request Completed",
			zap.String("ip", r.RemoteAddr),
			zap.String("path", r.URL.Path),
			zap.String("requestId", requestID))
	})
}
