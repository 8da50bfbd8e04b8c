/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/couchbase/stellar-router/common/topology"
)

type RequestKind int

const (
	KindQuery RequestKind = iota
	KindUpdate
	KindAdmin
)

func (k RequestKind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindUpdate:
		return "update"
	case KindAdmin:
		return "admin"
	}
	return "unknown"
}

func ParseRequestKind(s string) (RequestKind, error) {
	switch strings.ToLower(s) {
	case "query", "":
		return KindQuery, nil
	case "update":
		return KindUpdate, nil
	case "admin":
		return KindAdmin, nil
	}
	return KindQuery, fmt.Errorf("unknown request kind %q", s)
}

type Document struct {
	ID       string         `json:"id"`
	RouteKey string         `json:"routeKey,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type DeleteByID struct {
	ID       string `json:"id"`
	RouteKey string `json:"routeKey,omitempty"`
}

type Request struct {
	Kind RequestKind

	// Path is the handler path below the endpoint, e.g. /select.
	Path   string
	Params url.Values

	// Collection names the collection the request is executed against,
	// set by the router on outgoing requests.
	Collection string

	Documents     []Document
	DeleteIDs     []DeleteByID
	DeleteQueries []string
	Commit        bool

	// StateToken carries the topology versions the router used, in the
	// form name:version|name:version.
	StateToken string

	// PreferredEndpoint short-circuits endpoint selection of queries.
	PreferredEndpoint *topology.Endpoint

	// TimeAllowed bounds the total time spent trying endpoints.  Zero
	// means unbounded.
	TimeAllowed time.Duration

	// Deadline is the absolute end of the time allowance, fixed once per
	// routed request so every re-route and sub-request shares it.  When
	// zero, TimeAllowed counts from the start of each dispatch.
	Deadline time.Time
}

// IsIdempotent reports whether the request may safely be re-sent to another
// endpoint after an ambiguous failure.
func (r *Request) IsIdempotent() bool {
	return r.Kind == KindQuery
}

// HasRoutableParts reports whether the request carries per-document work.
func (r *Request) HasRoutableParts() bool {
	return len(r.Documents) > 0 || len(r.DeleteIDs) > 0
}

// HasNonRoutableParts reports whether the request carries work that must be
// sent to every shard leader, delete-by-query and commit.
func (r *Request) HasNonRoutableParts() bool {
	return len(r.DeleteQueries) > 0 || r.Commit
}

// CloneEnvelope copies the request without its per-document and non-routable
// parts.
func (r *Request) CloneEnvelope() *Request {
	cloned := &Request{
		Kind:              r.Kind,
		Path:              r.Path,
		Params:            cloneValues(r.Params),
		Collection:        r.Collection,
		StateToken:        r.StateToken,
		PreferredEndpoint: r.PreferredEndpoint,
		TimeAllowed:       r.TimeAllowed,
		Deadline:          r.Deadline,
	}
	return cloned
}

// Clone copies the request, sharing document bodies.
func (r *Request) Clone() *Request {
	cloned := r.CloneEnvelope()
	cloned.Documents = append([]Document(nil), r.Documents...)
	cloned.DeleteIDs = append([]DeleteByID(nil), r.DeleteIDs...)
	cloned.DeleteQueries = append([]string(nil), r.DeleteQueries...)
	cloned.Commit = r.Commit
	return cloned
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for key, vals := range v {
		out[key] = append([]string(nil), vals...)
	}
	return out
}

type DocError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type Response struct {
	StatusCode int

	// Endpoint is set to the endpoint that served the response.
	Endpoint topology.Endpoint

	// Body is the raw response body.
	Body []byte

	// AchievedRF is the minimum replication factor achieved by an update,
	// 0 when not reported.
	AchievedRF int

	// Errors are tolerated per-document failures.
	Errors []DocError

	// StaleVersions holds the server's version of every collection for
	// which the request's state token was out of date.
	StaleVersions map[string]int64

	// Shards holds the per-shard responses a routed update was merged from.
	Shards map[string]*Response
}

// Executor performs a single request against a single endpoint.
type Executor interface {
	Execute(ctx context.Context, ep topology.Endpoint, req *Request) (*Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ep topology.Endpoint, req *Request) (*Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, ep topology.Endpoint, req *Request) (*Response, error) {
	return f(ctx, ep, req)
}
