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
	"strconv"
	"strings"

	"github.com/golang/snappy"
)

const SnappyEncoding = "snappy"

// CompressInterceptor accepts snappy (block format) request bodies and
// snappy encodes responses for callers that accept it.
type CompressInterceptor struct {
}

func NewCompressInterceptor() *CompressInterceptor {
	return &CompressInterceptor{}
}

func acceptsSnappy(acceptEncoding string) bool {
	for _, encoding := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(encoding, ";")
		if !strings.EqualFold(strings.TrimSpace(name), SnappyEncoding) {
			continue
		}

		q := 1.0
		params = strings.TrimSpace(params)
		if strings.HasPrefix(params, "q=") {
			parsed, err := strconv.ParseFloat(strings.TrimPrefix(params, "q="), 64)
			if err != nil {
				return false
			}
			q = parsed
		}
		return q > 0
	}
	return false
}

type bufferedResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.header
}

func (w *bufferedResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *bufferedResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (ci *CompressInterceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Content-Encoding"), SnappyEncoding) {
			compressed, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(rw, "failed to read request body", http.StatusBadRequest)
				return
			}

			decoded, err := snappy.Decode(nil, compressed)
			if err != nil {
				http.Error(rw, "compressed content could not be decompressed", http.StatusBadRequest)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(decoded))
			r.ContentLength = int64(len(decoded))
			r.Header.Del("Content-Encoding")
		}

		if !acceptsSnappy(r.Header.Get("Accept-Encoding")) {
			next.ServeHTTP(rw, r)
			return
		}

		buffered := &bufferedResponseWriter{header: rw.Header()}
		next.ServeHTTP(buffered, r)

		status := buffered.status
		if status == 0 {
			status = http.StatusOK
		}

		if buffered.body.Len() == 0 {
			rw.WriteHeader(status)
			return
		}

		encoded := snappy.Encode(nil, buffered.body.Bytes())
		rw.Header().Set("Content-Encoding", SnappyEncoding)
		rw.Header().Set("Content-Length", strconv.Itoa(len(encoded)))
		rw.Header().Add("Vary", "Accept-Encoding")
		rw.WriteHeader(status)
		_, _ = rw.Write(encoded)
	})
}
