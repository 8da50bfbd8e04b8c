/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package loadbalancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/stellar-router/client/transport"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/stretchr/testify/require"
)

type fakeCluster struct {
	lock   sync.Mutex
	down   map[topology.Endpoint]transport.ErrorKind
	calls  []topology.Endpoint
	probes []topology.Endpoint
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{down: make(map[topology.Endpoint]transport.ErrorKind)}
}

func (c *fakeCluster) setDown(ep topology.Endpoint, kind transport.ErrorKind) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.down[ep] = kind
}

func (c *fakeCluster) setUp(ep topology.Endpoint) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.down, ep)
}

func (c *fakeCluster) takeCalls() []topology.Endpoint {
	c.lock.Lock()
	defer c.lock.Unlock()
	calls := c.calls
	c.calls = nil
	return calls
}

func (c *fakeCluster) Execute(ctx context.Context, ep topology.Endpoint, req *transport.Request) (*transport.Response, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if req.Path == "/admin/ping" {
		c.probes = append(c.probes, ep)
	} else {
		c.calls = append(c.calls, ep)
	}

	if kind, ok := c.down[ep]; ok {
		return nil, &transport.ExecError{
			Kind:     kind,
			Endpoint: ep,
			Err:      errors.New("injected failure"),
		}
	}
	return &transport.Response{StatusCode: 200}, nil
}

var (
	epA = topology.NewEndpoint("http://a:8983/solr")
	epB = topology.NewEndpoint("http://b:8983/solr")
	epC = topology.NewEndpoint("http://c:8983/solr")
)

func newTestDispatcher(t *testing.T, cluster *fakeCluster, endpoints ...topology.Endpoint) *Dispatcher {
	d, err := NewDispatcher(DispatcherOptions{
		Executor:      cluster,
		Endpoints:     endpoints,
		ProbeInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func queryReq() *transport.Request {
	return &transport.Request{Kind: transport.KindQuery, Path: "/select"}
}

func TestDispatchSkipsFailedEndpoint(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epA, transport.KindConnectionFailure)
	d := newTestDispatcher(t, cluster, epA, epB)

	resp, ep, err := d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA, epB})
	require.NoError(t, err)
	require.Equal(t, epB, ep)
	require.Equal(t, epB, resp.Endpoint)
	require.Equal(t, []topology.Endpoint{epA, epB}, cluster.takeCalls())
	require.True(t, d.IsSuspect(epA))
	require.Equal(t, []topology.Endpoint{epB}, d.Alive())

	_, ep, err = d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA, epB})
	require.NoError(t, err)
	require.Equal(t, epB, ep)
	require.Equal(t, []topology.Endpoint{epB}, cluster.takeCalls())
}

func TestDispatchEndpointInOnePool(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epA, transport.KindConnectionFailure)
	d := newTestDispatcher(t, cluster, epA, epB)

	for i := 0; i < 5; i++ {
		_, _, _ = d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA, epB})
	}

	require.ElementsMatch(t, []topology.Endpoint{epA}, d.Suspects())
	require.ElementsMatch(t, []topology.Endpoint{epB}, d.Alive())
}

func TestDispatchTriesSuspectsLast(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epA, transport.KindConnectionFailure)
	d := newTestDispatcher(t, cluster, epA, epB)

	_, _, err := d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA})
	require.ErrorIs(t, err, ErrNoEndpointsAvailable)
	require.True(t, d.IsSuspect(epA))
	cluster.takeCalls()

	// the suspect is the only candidate, so it is tried and revived
	cluster.setUp(epA)
	_, ep, err := d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA})
	require.NoError(t, err)
	require.Equal(t, epA, ep)
	require.False(t, d.IsSuspect(epA))
	require.ElementsMatch(t, []topology.Endpoint{epA, epB}, d.Alive())
}

func TestDispatchAllFailed(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epA, transport.KindConnectionFailure)
	cluster.setDown(epB, transport.KindConnectionFailure)
	d := newTestDispatcher(t, cluster, epA, epB)

	_, _, err := d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA, epB})
	require.ErrorIs(t, err, ErrNoEndpointsAvailable)
	require.ErrorIs(t, err, transport.ErrCommunicationFailure)

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	require.Equal(t, []topology.Endpoint{epA, epB}, dispatchErr.Tried)
}

func TestDispatchNonIdempotentUnavailable(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epA, transport.KindServerUnavailable)
	d := newTestDispatcher(t, cluster, epA, epB)

	update := &transport.Request{
		Kind:      transport.KindUpdate,
		Path:      "/update",
		Documents: []transport.Document{{ID: "1"}},
	}
	_, _, err := d.Dispatch(context.Background(), update, []topology.Endpoint{epA, epB})
	require.ErrorIs(t, err, transport.ErrServerUnavailable)
	require.NotErrorIs(t, err, ErrNoEndpointsAvailable)
	require.Equal(t, []topology.Endpoint{epA}, cluster.takeCalls())
	require.False(t, d.IsSuspect(epA))

	// idempotent requests move on
	_, ep, err := d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA, epB})
	require.NoError(t, err)
	require.Equal(t, epB, ep)
	require.True(t, d.IsSuspect(epA))
}

func TestDispatchRejectedIsTerminal(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epA, transport.KindRejected)
	d := newTestDispatcher(t, cluster, epA, epB)

	_, _, err := d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA, epB})
	require.ErrorIs(t, err, transport.ErrRejected)
	require.Equal(t, []topology.Endpoint{epA}, cluster.takeCalls())
	require.False(t, d.IsSuspect(epA))
}

func TestDispatchTimeAllowance(t *testing.T) {
	now := time.Unix(1000, 0)
	var nowLock sync.Mutex

	cluster := newFakeCluster()
	slow := transport.ExecutorFunc(func(ctx context.Context, ep topology.Endpoint, req *transport.Request) (*transport.Response, error) {
		nowLock.Lock()
		now = now.Add(2 * time.Second)
		nowLock.Unlock()
		return cluster.Execute(ctx, ep, req)
	})
	cluster.setDown(epA, transport.KindConnectionFailure)
	cluster.setDown(epB, transport.KindConnectionFailure)

	d, err := NewDispatcher(DispatcherOptions{
		Executor:      slow,
		Endpoints:     []topology.Endpoint{epA, epB, epC},
		ProbeInterval: time.Hour,
		Now: func() time.Time {
			nowLock.Lock()
			defer nowLock.Unlock()
			return now
		},
	})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	req := queryReq()
	req.TimeAllowed = 3 * time.Second
	_, _, err = d.Dispatch(context.Background(), req, []topology.Endpoint{epA, epB, epC})
	require.ErrorIs(t, err, ErrTimeAllowanceExceeded)
	require.Equal(t, []topology.Endpoint{epA, epB}, cluster.takeCalls())
}

func TestDispatchDeadlineSharedAcrossCalls(t *testing.T) {
	cluster := newFakeCluster()
	d := newTestDispatcher(t, cluster, epA, epB)

	// a deadline fixed by an earlier stage is honoured even though this
	// dispatch only just started
	req := queryReq()
	req.TimeAllowed = time.Minute
	req.Deadline = time.Now().Add(-time.Millisecond)
	_, _, err := d.Dispatch(context.Background(), req, []topology.Endpoint{epA, epB})
	require.ErrorIs(t, err, ErrTimeAllowanceExceeded)
	require.Empty(t, cluster.takeCalls())

	req.Deadline = time.Now().Add(time.Minute)
	_, ep, err := d.Dispatch(context.Background(), req, []topology.Endpoint{epA, epB})
	require.NoError(t, err)
	require.Equal(t, epA, ep)
}

func TestDispatchAnyRoundRobin(t *testing.T) {
	cluster := newFakeCluster()
	d := newTestDispatcher(t, cluster, epA, epB, epC)

	seen := make(map[topology.Endpoint]int)
	for i := 0; i < 6; i++ {
		_, ep, err := d.DispatchAny(context.Background(), queryReq())
		require.NoError(t, err)
		seen[ep]++
	}
	require.Equal(t, map[topology.Endpoint]int{epA: 2, epB: 2, epC: 2}, seen)
}

func TestCheckSuspectsRevivesStandard(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epA, transport.KindConnectionFailure)
	d := newTestDispatcher(t, cluster, epA, epB)

	_, _, err := d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA, epB})
	require.NoError(t, err)
	require.True(t, d.IsSuspect(epA))

	d.CheckSuspects(context.Background())
	require.True(t, d.IsSuspect(epA))

	cluster.setUp(epA)
	d.CheckSuspects(context.Background())
	require.False(t, d.IsSuspect(epA))
	require.Equal(t, []topology.Endpoint{epA, epB}, d.Alive())
}

func TestCheckSuspectsEvictsEphemeral(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epC, transport.KindConnectionFailure)
	d := newTestDispatcher(t, cluster, epA)

	_, ep, err := d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epC, epA})
	require.NoError(t, err)
	require.Equal(t, epA, ep)
	require.True(t, d.IsSuspect(epC))

	for i := 0; i < 4; i++ {
		d.CheckSuspects(context.Background())
		require.True(t, d.IsSuspect(epC))
	}
	d.CheckSuspects(context.Background())
	require.False(t, d.IsSuspect(epC))
	require.Equal(t, []topology.Endpoint{epA}, d.Alive())
}

func TestCheckSuspectsEphemeralRecovery(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epC, transport.KindConnectionFailure)
	d := newTestDispatcher(t, cluster, epA)

	_, _, err := d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epC, epA})
	require.NoError(t, err)

	cluster.setUp(epC)
	d.CheckSuspects(context.Background())
	require.False(t, d.IsSuspect(epC))
	// ephemeral endpoints never join the alive pool
	require.Equal(t, []topology.Endpoint{epA}, d.Alive())
}

func TestBackgroundProber(t *testing.T) {
	cluster := newFakeCluster()
	cluster.setDown(epA, transport.KindConnectionFailure)

	d, err := NewDispatcher(DispatcherOptions{
		Executor:      cluster,
		Endpoints:     []topology.Endpoint{epA, epB},
		ProbeInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, _, err = d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA, epB})
	require.NoError(t, err)
	require.True(t, d.IsSuspect(epA))

	cluster.setUp(epA)
	require.Eventually(t, func() bool {
		return !d.IsSuspect(epA)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Close())

	_, _, err = d.Dispatch(context.Background(), queryReq(), []topology.Endpoint{epA})
	require.ErrorIs(t, err, ErrClosed)
}

func TestAddRemoveEndpoint(t *testing.T) {
	cluster := newFakeCluster()
	d := newTestDispatcher(t, cluster, epA)

	d.AddEndpoint(epB)
	require.Equal(t, []topology.Endpoint{epA, epB}, d.Alive())

	d.RemoveEndpoint(epA)
	require.Equal(t, []topology.Endpoint{epB}, d.Alive())
}
