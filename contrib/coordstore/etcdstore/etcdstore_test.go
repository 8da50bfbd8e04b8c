/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/couchbase/stellar-router/contrib/coordstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var globalTestEtcdClient *etcd.Client
var globalEtcdDisabled bool

func getTestEtcdClient(t *testing.T) *etcd.Client {
	if globalEtcdDisabled {
		t.Skip("etcd unavailable: previous connect attempt failed")
	}
	if globalTestEtcdClient != nil {
		return globalTestEtcdClient
	}

	connectTimeout := 2 * time.Second
	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: connectTimeout,
	})
	if err != nil {
		globalEtcdDisabled = true
		t.Skipf("failed to connect to etcd: %s", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), connectTimeout)
	_, err = etcdClient.Get(waitCtx, "invalid-key")
	waitCancel()
	if err != nil {
		globalEtcdDisabled = true
		etcdClient.Close()
		t.Skipf("failed to connect to etcd: %s", err)
	}

	globalTestEtcdClient = etcdClient
	return etcdClient
}

func newTestStore(t *testing.T) *Store {
	s, err := NewStore(StoreOptions{
		EtcdClient: getTestEtcdClient(t),
		KeyPrefix:  "/testing/" + uuid.NewString(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEtcdStoreGetMulti(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "/collections/c1/state.json")
	require.ErrorIs(t, err, coordstore.ErrNoNode)

	require.NoError(t, s.Multi(ctx, coordstore.CreateOp("/collections/c1/state.json", []byte("{}"))))

	node, err := s.Get(ctx, "/collections/c1/state.json")
	require.NoError(t, err)
	require.Equal(t, []byte("{}"), node.Data)
	require.Equal(t, int64(0), node.Version)

	require.NoError(t, s.Multi(ctx, coordstore.SetOp("/collections/c1/state.json", []byte("{\"a\":1}"), 0)))
	err = s.Multi(ctx, coordstore.SetOp("/collections/c1/state.json", nil, 0))
	require.ErrorIs(t, err, coordstore.ErrConflict)

	parent, err := s.Get(ctx, "/collections")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, parent.Children)
}

func TestEtcdStoreChildVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Multi(ctx, coordstore.CreateOp("/p", nil)))
	require.NoError(t, s.Multi(ctx,
		coordstore.CreateOp("/p/a", nil),
		coordstore.CreateOp("/p/b", nil)))

	stat, err := s.Stat(ctx, "/p")
	require.NoError(t, err)
	require.Equal(t, int64(1), stat.ChildVersion)

	err = s.Multi(ctx,
		coordstore.CheckChildrenOp("/p", 0),
		coordstore.DeleteOp("/p/a", coordstore.AnyVersion))
	require.ErrorIs(t, err, coordstore.ErrConflict)

	require.NoError(t, s.Multi(ctx,
		coordstore.CheckChildrenOp("/p", 1),
		coordstore.DeleteOp("/p/a", coordstore.AnyVersion)))

	node, err := s.Get(ctx, "/p")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, node.Children)
	require.Equal(t, int64(2), node.ChildVersion)
}

func TestEtcdStoreChildWatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fired := make(chan coordstore.Event, 1)
	require.NoError(t, s.Watch(ctx, "/live_nodes", coordstore.WatchChildren, func(evt coordstore.Event) {
		fired <- evt
	}))

	require.NoError(t, s.Multi(ctx, coordstore.CreateEphemeralOp("/live_nodes/n1", nil)))

	select {
	case evt := <-fired:
		require.Equal(t, coordstore.EventChildrenChanged, evt.Type)
	case <-time.After(5 * time.Second):
		t.Fatalf("child watch did not fire")
	}
}

func TestTranslateError(t *testing.T) {
	require.NoError(t, translateError(nil))
	require.ErrorIs(t, translateError(context.Canceled), context.Canceled)

	err := translateError(status.Error(codes.Unavailable, "connection refused"))
	require.ErrorIs(t, err, coordstore.ErrUnavailable)

	other := errors.New("other")
	require.Equal(t, other, translateError(other))
}
