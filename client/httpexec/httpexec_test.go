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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/couchbase/stellar-router/client/transport"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/stretchr/testify/require"
)

func TestExecuteQuery(t *testing.T) {
	var gotURL *url.URL
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"response":{"numFound":3}}`))
	}))
	defer srv.Close()

	exec := NewExecutor(ExecutorOptions{})
	ep := topology.NewEndpoint(srv.URL + "/solr").WithCore("c1")

	resp, err := exec.Execute(context.Background(), ep, &transport.Request{
		Kind:       transport.KindQuery,
		Path:       "/select",
		Params:     url.Values{"q": {"*:*"}},
		Collection: "c1,c2",
		StateToken: "c1:5|c2:3",
	})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, ep, resp.Endpoint)
	require.JSONEq(t, `{"response":{"numFound":3}}`, string(resp.Body))

	require.Equal(t, "/solr/c1/select", gotURL.Path)
	require.Equal(t, "*:*", gotURL.Query().Get("q"))
	require.Equal(t, "c1:5|c2:3", gotURL.Query().Get(StateVersionParam))
	// the core is already part of the path
	require.Empty(t, gotURL.Query().Get(CollectionParam))
}

func TestExecuteUpdate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "admin", user)
		require.Equal(t, "secret", pass)

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))

		_, _ = w.Write([]byte(`{"rf":2,"errors":[{"id":"b","message":"bad"}],"_stateVer_":{"c1":7}}`))
	}))
	defer srv.Close()

	exec := NewExecutor(ExecutorOptions{Username: "admin", Password: "secret"})
	ep := topology.NewEndpoint(srv.URL + "/solr").WithCore("c1_shard1_replica_n1")

	resp, err := exec.Execute(context.Background(), ep, &transport.Request{
		Kind: transport.KindUpdate,
		Path: "/update",
		Documents: []transport.Document{
			{ID: "a", Fields: map[string]any{"title": "hello"}},
			{ID: "b", RouteKey: "tenant!"},
		},
		DeleteIDs:     []transport.DeleteByID{{ID: "old"}},
		DeleteQueries: []string{"type:tmp"},
		Commit:        true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, resp.AchievedRF)
	require.Equal(t, []transport.DocError{{ID: "b", Message: "bad"}}, resp.Errors)
	require.Equal(t, map[string]int64{"c1": 7}, resp.StaleVersions)

	require.Equal(t, []any{
		map[string]any{"id": "a", "title": "hello"},
		map[string]any{"id": "b", "_route_": "tenant!"},
	}, body["add"])
	require.Equal(t, []any{
		map[string]any{"id": "old"},
		map[string]any{"query": "type:tmp"},
	}, body["delete"])
	require.Equal(t, map[string]any{}, body["commit"])
}

func TestExecuteStatusClassification(t *testing.T) {
	tcs := []struct {
		name   string
		status int
		body   string
		kind   transport.ErrorKind
		target error
	}{
		{"unavailable", 503, "", transport.KindServerUnavailable, transport.ErrServerUnavailable},
		{"not found", 404, "", transport.KindServerUnavailable, transport.ErrServerUnavailable},
		{"bad request", 400, `{"error":"bad"}`, transport.KindRejected, transport.ErrRejected},
		{"stale", transport.StatusStaleState, `{"_stateVer_":{"c1":6}}`, transport.KindStaleState, transport.ErrStaleTopology},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			exec := NewExecutor(ExecutorOptions{})
			_, err := exec.Execute(context.Background(), topology.NewEndpoint(srv.URL),
				&transport.Request{Kind: transport.KindQuery, Path: "/select"})
			require.ErrorIs(t, err, tc.target)

			var execErr *transport.ExecError
			require.ErrorAs(t, err, &execErr)
			require.Equal(t, tc.kind, execErr.Kind)
			require.Equal(t, tc.status, execErr.StatusCode)
			if tc.kind == transport.KindStaleState {
				require.Equal(t, map[string]int64{"c1": 6}, execErr.StaleVersions)
			}
		})
	}
}

func TestExecuteConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	exec := NewExecutor(ExecutorOptions{})
	_, err := exec.Execute(context.Background(), topology.NewEndpoint(addr),
		&transport.Request{Kind: transport.KindQuery, Path: "/select"})
	require.ErrorIs(t, err, transport.ErrCommunicationFailure)

	var execErr *transport.ExecError
	require.True(t, errors.As(err, &execErr))
	require.Equal(t, transport.KindConnectionFailure, execErr.Kind)
}

func TestExecuteCollectionParam(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get(CollectionParam)
	}))
	defer srv.Close()

	exec := NewExecutor(ExecutorOptions{})
	_, err := exec.Execute(context.Background(), topology.NewEndpoint(srv.URL),
		&transport.Request{Kind: transport.KindAdmin, Path: "/admin/collections", Collection: "c1"})
	require.NoError(t, err)
	require.Equal(t, "c1", got)
}
