/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/couchbase/stellar-router/client/transport"
	"github.com/couchbase/stellar-router/common/topology"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	// StateVersionParam carries the state token on requests and the
	// server's versions of stale collections on responses.
	StateVersionParam = "_stateVer_"
	CollectionParam   = "collection"

	maxBodySize = 64 << 20
)

type ExecutorOptions struct {
	Logger *zap.Logger

	// Client overrides the HTTP client.  Its transport is used as is.
	Client *http.Client

	// Timeout bounds one request when no client is given.  Defaults to 30s.
	Timeout time.Duration

	Username string
	Password string
}

// Executor performs requests against search nodes over HTTP with JSON
// bodies.
type Executor struct {
	logger   *zap.Logger
	client   *http.Client
	username string
	password string
}

var _ transport.Executor = (*Executor)(nil)

func NewExecutor(opts ExecutorOptions) *Executor {
	e := &Executor{
		logger:   opts.Logger,
		client:   opts.Client,
		username: opts.Username,
		password: opts.Password,
	}
	e.init(opts.Timeout)
	return e
}

func (e *Executor) init(timeout time.Duration) {
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if e.client == nil {
		e.client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		}
	}
}

type jsonDelete struct {
	ID    string `json:"id,omitempty"`
	Query string `json:"query,omitempty"`
	Route string `json:"_route_,omitempty"`
}

type jsonUpdate struct {
	Add    []json.RawMessage `json:"add,omitempty"`
	Delete []jsonDelete      `json:"delete,omitempty"`
	Commit *struct{}         `json:"commit,omitempty"`
}

type jsonResponse struct {
	RF     int                  `json:"rf"`
	Errors []transport.DocError `json:"errors"`
	Stale  map[string]int64     `json:"_stateVer_"`
}

// EncodeUpdate renders the update parts of req as a JSON command body.
func EncodeUpdate(req *transport.Request) ([]byte, error) {
	var body jsonUpdate

	for _, doc := range req.Documents {
		fields := make(map[string]any, len(doc.Fields)+2)
		for key, val := range doc.Fields {
			fields[key] = val
		}
		fields["id"] = doc.ID
		if doc.RouteKey != "" {
			fields["_route_"] = doc.RouteKey
		}

		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
		}
		body.Add = append(body.Add, raw)
	}

	for _, del := range req.DeleteIDs {
		body.Delete = append(body.Delete, jsonDelete{ID: del.ID, Route: del.RouteKey})
	}
	for _, query := range req.DeleteQueries {
		body.Delete = append(body.Delete, jsonDelete{Query: query})
	}
	if req.Commit {
		body.Commit = &struct{}{}
	}

	return json.Marshal(body)
}

func (e *Executor) buildURL(ep topology.Endpoint, req *transport.Request) string {
	params := url.Values{}
	for key, vals := range req.Params {
		params[key] = append([]string(nil), vals...)
	}
	if req.StateToken != "" {
		params.Set(StateVersionParam, req.StateToken)
	}
	if req.Collection != "" && ep.Core == "" {
		params.Set(CollectionParam, req.Collection)
	}
	params.Set("wt", "json")

	return ep.String() + req.Path + "?" + params.Encode()
}

func (e *Executor) Execute(ctx context.Context, ep topology.Endpoint, req *transport.Request) (*transport.Response, error) {
	method := http.MethodGet
	var body io.Reader
	if req.Kind == transport.KindUpdate {
		encoded, err := EncodeUpdate(req)
		if err != nil {
			return nil, &transport.ExecError{Kind: transport.KindRejected, Endpoint: ep, Err: err}
		}
		method = http.MethodPost
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, e.buildURL(ep, req), body)
	if err != nil {
		return nil, &transport.ExecError{Kind: transport.KindRejected, Endpoint: ep, Err: err}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if e.username != "" {
		httpReq.SetBasicAuth(e.username, e.password)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &transport.ExecError{Kind: classifyError(err), Endpoint: ep, Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		// the server saw the request, so this is no longer a pure
		// connection failure
		return nil, &transport.ExecError{Kind: transport.KindTimeout, Endpoint: ep, Err: err}
	}

	var parsed jsonResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			e.logger.Debug("non-json response body",
				zap.Stringer("endpoint", ep),
				zap.Int("status", httpResp.StatusCode),
				zap.Error(err))
		}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &transport.ExecError{
			Kind:          transport.KindForStatus(httpResp.StatusCode),
			Endpoint:      ep,
			StatusCode:    httpResp.StatusCode,
			StaleVersions: parsed.Stale,
			Err:           fmt.Errorf("http status %d: %s", httpResp.StatusCode, truncate(respBody, 256)),
		}
	}

	return &transport.Response{
		StatusCode:    httpResp.StatusCode,
		Endpoint:      ep,
		Body:          respBody,
		AchievedRF:    parsed.RF,
		Errors:        parsed.Errors,
		StaleVersions: parsed.Stale,
	}, nil
}

func classifyError(err error) transport.ErrorKind {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return transport.KindConnectionFailure
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return transport.KindConnectionFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transport.KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.KindTimeout
	}

	// the request may have reached the server
	return transport.KindTimeout
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
