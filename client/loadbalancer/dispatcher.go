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
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-router/client/transport"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/couchbase/stellar-router/pkg/metrics"
	"github.com/google/btree"
	"go.uber.org/zap"
)

type DispatcherOptions struct {
	Executor transport.Executor
	Logger   *zap.Logger

	// Endpoints are the configured (standard) endpoints.  They start out
	// alive and return to the alive pool when they recover.  Endpoints
	// first seen as request candidates are ephemeral.
	Endpoints []topology.Endpoint

	// ProbeInterval is the suspect probing period.  Defaults to 60s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe.  Defaults to 5s.
	ProbeTimeout time.Duration

	// ProbeRequest is sent to suspects.  Defaults to a query of
	// /admin/ping.
	ProbeRequest *transport.Request

	// MaxSuspectsToTry caps the suspects tried as a last resort per
	// request.  Defaults to 10.
	MaxSuspectsToTry int

	// MaxFailedProbes evicts ephemeral suspects after this many failed
	// probes.  Defaults to 5.
	MaxFailedProbes int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type aliveItem struct {
	ep topology.Endpoint
}

func (i aliveItem) Less(than btree.Item) bool {
	return i.ep.Compare(than.(aliveItem).ep) < 0
}

type suspect struct {
	endpoint     topology.Endpoint
	standard     bool
	failedProbes int
	since        time.Time
}

// Dispatcher sends requests to the first healthy endpoint of a candidate
// list.  Endpoints which fail are moved to a suspect pool which a single
// background prober re-checks until they recover.  Every endpoint is in at
// most one of the two pools.
type Dispatcher struct {
	executor         transport.Executor
	logger           *zap.Logger
	metrics          *metrics.RouterMetrics
	probeInterval    time.Duration
	probeTimeout     time.Duration
	probeRequest     *transport.Request
	maxSuspectsToTry int
	maxFailedProbes  int
	now              func() time.Time

	lock       sync.Mutex
	standard   map[topology.Endpoint]struct{}
	alive      *btree.BTree
	aliveList  []topology.Endpoint
	suspects   map[topology.Endpoint]*suspect
	proberOn   bool
	closed     bool
	stopCh     chan struct{}
	proberDone chan struct{}

	roundRobin atomic.Uint64
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}

	d := &Dispatcher{
		executor:         opts.Executor,
		logger:           opts.Logger,
		metrics:          metrics.GetRouterMetrics(),
		probeInterval:    opts.ProbeInterval,
		probeTimeout:     opts.ProbeTimeout,
		probeRequest:     opts.ProbeRequest,
		maxSuspectsToTry: opts.MaxSuspectsToTry,
		maxFailedProbes:  opts.MaxFailedProbes,
		now:              opts.Now,
		standard:         make(map[topology.Endpoint]struct{}),
		alive:            btree.New(8),
		suspects:         make(map[topology.Endpoint]*suspect),
		stopCh:           make(chan struct{}),
		proberDone:       make(chan struct{}),
	}

	err := d.init(opts.Endpoints)
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Dispatcher) init(endpoints []topology.Endpoint) error {
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.probeInterval <= 0 {
		d.probeInterval = 60 * time.Second
	}
	if d.probeTimeout <= 0 {
		d.probeTimeout = 5 * time.Second
	}
	if d.probeRequest == nil {
		d.probeRequest = &transport.Request{
			Kind: transport.KindQuery,
			Path: "/admin/ping",
		}
	}
	if d.maxSuspectsToTry <= 0 {
		d.maxSuspectsToTry = 10
	}
	if d.maxFailedProbes <= 0 {
		d.maxFailedProbes = 5
	}
	if d.now == nil {
		d.now = time.Now
	}

	for _, ep := range endpoints {
		d.standard[ep] = struct{}{}
		d.alive.ReplaceOrInsert(aliveItem{ep: ep})
	}
	d.rebuildAliveListLocked()

	return nil
}

func (d *Dispatcher) rebuildAliveListLocked() {
	list := make([]topology.Endpoint, 0, d.alive.Len())
	d.alive.Ascend(func(i btree.Item) bool {
		list = append(list, i.(aliveItem).ep)
		return true
	})
	d.aliveList = list
}

// AddEndpoint registers a standard endpoint.  It joins the alive pool unless
// it is currently suspect.
func (d *Dispatcher) AddEndpoint(ep topology.Endpoint) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.standard[ep] = struct{}{}
	if s, ok := d.suspects[ep]; ok {
		s.standard = true
		return
	}
	d.alive.ReplaceOrInsert(aliveItem{ep: ep})
	d.rebuildAliveListLocked()
}

// RemoveEndpoint forgets an endpoint entirely.
func (d *Dispatcher) RemoveEndpoint(ep topology.Endpoint) {
	d.lock.Lock()
	defer d.lock.Unlock()

	delete(d.standard, ep)
	if _, ok := d.suspects[ep]; ok {
		delete(d.suspects, ep)
		d.metrics.SuspectEndpoints.Add(context.Background(), -1)
	}
	if d.alive.Delete(aliveItem{ep: ep}) != nil {
		d.rebuildAliveListLocked()
	}
}

// Alive returns the alive pool in endpoint order.
func (d *Dispatcher) Alive() []topology.Endpoint {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]topology.Endpoint(nil), d.aliveList...)
}

// Suspects returns the suspect pool.
func (d *Dispatcher) Suspects() []topology.Endpoint {
	d.lock.Lock()
	defer d.lock.Unlock()

	out := make([]topology.Endpoint, 0, len(d.suspects))
	for ep := range d.suspects {
		out = append(out, ep)
	}
	return out
}

func (d *Dispatcher) IsSuspect(ep topology.Endpoint) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	_, ok := d.suspects[ep]
	return ok
}

// demote moves a failed endpoint into the suspect pool.  Endpoints leaving
// the alive pool keep their standard status.
func (d *Dispatcher) demote(ep topology.Endpoint, cause error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return
	}
	if _, ok := d.suspects[ep]; ok {
		return
	}

	_, standard := d.standard[ep]
	if d.alive.Delete(aliveItem{ep: ep}) != nil {
		d.rebuildAliveListLocked()
	}

	d.suspects[ep] = &suspect{
		endpoint: ep,
		standard: standard,
		since:    d.now(),
	}
	d.metrics.EndpointDemotions.Add(context.Background(), 1)
	d.metrics.SuspectEndpoints.Add(context.Background(), 1)

	d.logger.Info("endpoint marked suspect",
		zap.Stringer("endpoint", ep),
		zap.Bool("standard", standard),
		zap.Error(cause))

	d.ensureProberLocked()
}

// revive takes an endpoint out of the suspect pool after a success.
func (d *Dispatcher) revive(ep topology.Endpoint) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.reviveLocked(ep)
}

func (d *Dispatcher) reviveLocked(ep topology.Endpoint) {
	s, ok := d.suspects[ep]
	if !ok {
		return
	}
	delete(d.suspects, ep)
	d.metrics.SuspectEndpoints.Add(context.Background(), -1)
	d.metrics.EndpointRevivals.Add(context.Background(), 1)

	if s.standard {
		d.alive.ReplaceOrInsert(aliveItem{ep: ep})
		d.rebuildAliveListLocked()
	}

	d.logger.Info("suspect endpoint recovered",
		zap.Stringer("endpoint", ep),
		zap.Bool("standard", s.standard))
}

type attemptResult int

const (
	attemptOK attemptResult = iota
	attemptNext
	attemptFatal
)

func (d *Dispatcher) attempt(ctx context.Context, req *transport.Request, ep topology.Endpoint, wasSuspect bool) (*transport.Response, attemptResult, error) {
	d.metrics.DispatchAttempts.Add(ctx, 1)

	resp, err := d.executor.Execute(ctx, ep, req)
	if err == nil {
		if wasSuspect {
			d.revive(ep)
		}
		if resp == nil {
			resp = &transport.Response{}
		}
		resp.Endpoint = ep
		return resp, attemptOK, nil
	}

	d.metrics.DispatchFailures.Add(ctx, 1)

	var execErr *transport.ExecError
	if !errors.As(err, &execErr) {
		return nil, attemptFatal, err
	}

	switch execErr.Kind {
	case transport.KindConnectionFailure:
		// nothing reached the server, any request may move on
		d.demote(ep, err)
		return nil, attemptNext, err
	case transport.KindTimeout, transport.KindServerUnavailable:
		if !req.IsIdempotent() {
			return nil, attemptFatal, err
		}
		d.demote(ep, err)
		return nil, attemptNext, err
	}

	return nil, attemptFatal, err
}

func (d *Dispatcher) checkAllowance(ctx context.Context, req *transport.Request, start time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := d.now()
	if !req.Deadline.IsZero() {
		if now.After(req.Deadline) {
			return ErrTimeAllowanceExceeded
		}
	} else if req.TimeAllowed > 0 && now.Sub(start) > req.TimeAllowed {
		return ErrTimeAllowanceExceeded
	}
	return nil
}

// Dispatch sends req to the first candidate that serves it.  Suspect
// candidates are skipped and only tried, bounded by MaxSuspectsToTry, once
// every healthy candidate failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req *transport.Request, candidates []topology.Endpoint) (*transport.Response, topology.Endpoint, error) {
	if d.isClosed() {
		return nil, topology.Endpoint{}, ErrClosed
	}

	start := d.now()
	var tried []topology.Endpoint
	var skipped []topology.Endpoint
	var lastErr error

	fail := func(err error) (*transport.Response, topology.Endpoint, error) {
		return nil, topology.Endpoint{}, &DispatchError{Err: err, Tried: tried}
	}
	exhausted := func(err error) (*transport.Response, topology.Endpoint, error) {
		return nil, topology.Endpoint{}, &DispatchError{Err: err, Cause: lastErr, Tried: tried}
	}

	seen := make(map[topology.Endpoint]struct{}, len(candidates))
	for _, ep := range candidates {
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}

		if d.IsSuspect(ep) {
			if len(skipped) < d.maxSuspectsToTry {
				skipped = append(skipped, ep)
			}
			continue
		}

		if err := d.checkAllowance(ctx, req, start); err != nil {
			return exhausted(err)
		}

		resp, result, err := d.attempt(ctx, req, ep, false)
		tried = append(tried, ep)
		switch result {
		case attemptOK:
			return resp, ep, nil
		case attemptFatal:
			return fail(err)
		}
		lastErr = err
	}

	for _, ep := range skipped {
		if err := d.checkAllowance(ctx, req, start); err != nil {
			return exhausted(err)
		}

		resp, result, err := d.attempt(ctx, req, ep, true)
		tried = append(tried, ep)
		switch result {
		case attemptOK:
			return resp, ep, nil
		case attemptFatal:
			return fail(err)
		}
		lastErr = err
	}

	return exhausted(ErrNoEndpointsAvailable)
}

// DispatchAny sends req to the alive standard endpoints in round-robin
// order, falling back to standard suspects.
func (d *Dispatcher) DispatchAny(ctx context.Context, req *transport.Request) (*transport.Response, topology.Endpoint, error) {
	d.lock.Lock()
	alive := d.aliveList
	var standardSuspects []topology.Endpoint
	for ep, s := range d.suspects {
		if s.standard && len(standardSuspects) < d.maxSuspectsToTry {
			standardSuspects = append(standardSuspects, ep)
		}
	}
	d.lock.Unlock()

	candidates := make([]topology.Endpoint, 0, len(alive)+len(standardSuspects))
	if n := len(alive); n > 0 {
		offset := int(d.roundRobin.Add(1) % uint64(n))
		for i := 0; i < n; i++ {
			candidates = append(candidates, alive[(offset+i)%n])
		}
	}
	candidates = append(candidates, standardSuspects...)

	return d.Dispatch(ctx, req, candidates)
}

func (d *Dispatcher) isClosed() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.closed
}

func (d *Dispatcher) ensureProberLocked() {
	if d.proberOn || d.closed {
		return
	}
	d.proberOn = true
	go d.probeLoop()
}

func (d *Dispatcher) probeLoop() {
	defer close(d.proberDone)

	ticker := time.NewTicker(d.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.CheckSuspects(context.Background())
		}
	}
}

// CheckSuspects probes every suspect once.  It is normally driven by the
// background prober.
func (d *Dispatcher) CheckSuspects(ctx context.Context) {
	d.lock.Lock()
	pending := make([]topology.Endpoint, 0, len(d.suspects))
	for ep := range d.suspects {
		pending = append(pending, ep)
	}
	d.lock.Unlock()

	for _, ep := range pending {
		select {
		case <-d.stopCh:
			return
		default:
		}

		probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
		_, err := d.executor.Execute(probeCtx, ep, d.probeRequest)
		cancel()

		d.lock.Lock()
		s, ok := d.suspects[ep]
		if !ok {
			d.lock.Unlock()
			continue
		}

		if err == nil {
			d.reviveLocked(ep)
			d.lock.Unlock()
			continue
		}

		s.failedProbes++
		if !s.standard && s.failedProbes >= d.maxFailedProbes {
			delete(d.suspects, ep)
			d.metrics.SuspectEndpoints.Add(ctx, -1)
			d.metrics.EndpointEvictions.Add(ctx, 1)
			d.logger.Info("evicted unreachable endpoint",
				zap.Stringer("endpoint", ep),
				zap.Int("failedProbes", s.failedProbes))
		}
		d.lock.Unlock()
	}
}

// Close stops the prober.  Requests dispatched afterwards fail.
func (d *Dispatcher) Close() error {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil
	}
	d.closed = true
	proberOn := d.proberOn
	d.lock.Unlock()

	close(d.stopCh)
	if proberOn {
		<-d.proberDone
	}

	return nil
}
