/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/couchbase/stellar-router/client"
	"github.com/couchbase/stellar-router/client/loadbalancer"
	"github.com/couchbase/stellar-router/client/transport"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRouter struct {
	lastReq         *transport.Request
	lastCollections []string
	resp            *transport.Response
	err             error
}

func (r *fakeRouter) Route(ctx context.Context, req *transport.Request, collections ...string) (*transport.Response, error) {
	r.lastReq = req
	r.lastCollections = collections
	return r.resp, r.err
}

func TestHealth(t *testing.T) {
	w := newWebServer(WebServerOptions{})
	handler := w.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	w.SetHealthy(false)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	w := newWebServer(WebServerOptions{})

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLogLevel(t *testing.T) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	w := newWebServer(WebServerOptions{LogLevel: &level})
	handler := w.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/loglevel", strings.NewReader(`{"level":"debug"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, zap.DebugLevel, level.Level())
}

func TestRouteHandler(t *testing.T) {
	router := &fakeRouter{
		resp: &transport.Response{
			StatusCode: 200,
			Endpoint:   topology.NewEndpoint("http://n1:8983/solr").WithCore("c1"),
			Body:       []byte(`{"response":{"numFound":1}}`),
		},
	}
	w := newWebServer(WebServerOptions{Router: router})

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/route/c1",
		strings.NewReader(`{"kind":"query","path":"/select","params":{"q":["*:*"]},"timeAllowedMs":500}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, []string{"c1"}, router.lastCollections)
	require.Equal(t, transport.KindQuery, router.lastReq.Kind)
	require.Equal(t, "/select", router.lastReq.Path)
	require.Equal(t, "*:*", router.lastReq.Params.Get("q"))
	require.Equal(t, int64(500), router.lastReq.TimeAllowed.Milliseconds())

	var out jsonRouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "http://n1:8983/solr/c1", out.Endpoint)
	require.JSONEq(t, `{"response":{"numFound":1}}`, string(out.Body))
}

func TestRouteHandlerErrors(t *testing.T) {
	tcs := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: nope", client.ErrBadRequest), http.StatusBadRequest},
		{topology.ErrCollectionNotFound, http.StatusNotFound},
		{&loadbalancer.DispatchError{Err: loadbalancer.ErrNoEndpointsAvailable}, http.StatusServiceUnavailable},
		{client.ErrTooManyErrors, http.StatusUnprocessableEntity},
		{transport.ErrRejected, http.StatusBadGateway},
	}

	for _, tc := range tcs {
		t.Run(tc.err.Error(), func(t *testing.T) {
			w := newWebServer(WebServerOptions{Router: &fakeRouter{err: tc.err}})

			rec := httptest.NewRecorder()
			w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/route/c1",
				strings.NewReader(`{"kind":"update","documents":[{"id":"a"}]}`)))
			require.Equal(t, tc.status, rec.Code)
		})
	}

	w := newWebServer(WebServerOptions{Router: &fakeRouter{}})
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/route/c1",
		strings.NewReader(`{"kind":"explode"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopologyHandler(t *testing.T) {
	rng := topology.PartitionRange(1)[0]
	provider := topology.NewStaticProvider(topology.StaticProviderOptions{
		Collections: []*topology.Collection{{
			Name:       "c1",
			RouterName: topology.RouterCompositeID,
			Version:    3,
			Shards: []*topology.Shard{topology.NewShard("shard1", &rng, []*topology.Replica{{
				Name:     "core_node1",
				Core:     "c1_shard1_replica_n1",
				NodeName: "n1:8983_solr",
				BaseURL:  "http://n1:8983/solr",
				State:    topology.StateActive,
				Leader:   true,
			}})},
		}},
	})
	cache, err := topology.NewCache(topology.CacheOptions{Provider: provider})
	require.NoError(t, err)

	w := newWebServer(WebServerOptions{Topology: cache})

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/topology/c1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out jsonCollection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, int64(3), out.Version)
	require.Len(t, out.Shards, 1)
	require.Equal(t, "core_node1", out.Shards[0].Replicas[0].Name)
	require.True(t, out.Shards[0].Replicas[0].Leader)

	rec = httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/topology/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	w := newWebServer(WebServerOptions{AllowedOrigins: []string{"http://ui.example"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://ui.example")
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)
	require.Equal(t, "http://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouteRequiresAuth(t *testing.T) {
	router := &fakeRouter{resp: &transport.Response{StatusCode: 200}}
	w := newWebServer(WebServerOptions{Router: router, Username: "admin", Password: "secret"})
	handler := w.Handler()

	body := `{"kind":"query","path":"/select"}`

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/route/c1", strings.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Nil(t, router.lastReq)

	req := httptest.NewRequest(http.MethodPost, "/v1/route/c1", strings.NewReader(body))
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// health stays open
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
