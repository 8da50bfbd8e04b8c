/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package replicastate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/couchbase/stellar-router/contrib/coordstore"
	"github.com/couchbase/stellar-router/pkg/metrics"
	"go.uber.org/zap"
)

// ConflictError is returned once every retry of a state transition hit a
// concurrent modification.
type ConflictError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("replica state update of %s conflicted %d times: %s", e.Path, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

type CoordinatorOptions struct {
	Store  coordstore.Store
	Logger *zap.Logger

	// MaxRetries is the number of snapshot refetches after conflicts
	// before giving up.  Defaults to 3.
	MaxRetries int

	// NewBackOff builds the delay policy between conflict retries.
	// Defaults to a short exponential backoff.
	NewBackOff func() backoff.BackOff
}

// Coordinator commits per-replica state transitions.  The last snapshot of
// every path is kept and reused while the path's child version is unchanged.
type Coordinator struct {
	store      coordstore.Store
	logger     *zap.Logger
	metrics    *metrics.RouterMetrics
	maxRetries int
	newBackOff func() backoff.BackOff

	lock      sync.Mutex
	snapshots map[string]*Snapshot
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coordination store is required")
	}

	c := &Coordinator{
		store:      opts.Store,
		logger:     opts.Logger,
		metrics:    metrics.GetRouterMetrics(),
		maxRetries: opts.MaxRetries,
		newBackOff: opts.NewBackOff,
		snapshots:  make(map[string]*Snapshot),
	}

	err := c.init()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Coordinator) init() error {
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.newBackOff == nil {
		c.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		}
	}
	return nil
}

func (c *Coordinator) cachedSnapshot(path string) *Snapshot {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.snapshots[path]
}

func (c *Coordinator) storeSnapshot(snap *Snapshot) {
	c.lock.Lock()
	defer c.lock.Unlock()

	// keep whichever view is newer if callers raced
	if cur, ok := c.snapshots[snap.Path]; ok && cur.ChildVersion > snap.ChildVersion {
		return
	}
	c.snapshots[snap.Path] = snap
}

func (c *Coordinator) fetchSnapshot(ctx context.Context, path string) (*Snapshot, error) {
	node, err := c.store.Get(ctx, path)
	if errors.Is(err, coordstore.ErrNoNode) {
		snap := NewSnapshot(path, 0, nil)
		c.storeSnapshot(snap)
		return snap, nil
	}
	if err != nil {
		return nil, err
	}

	snap := NewSnapshot(path, node.ChildVersion, node.Children)
	if len(snap.Invalid) > 0 {
		c.logger.Warn("ignoring malformed replica state records",
			zap.String("path", path),
			zap.Strings("records", snap.Invalid))
	}
	c.storeSnapshot(snap)

	return snap, nil
}

// Snapshot returns the records below path, reusing the previous snapshot when
// the child version has not moved.
func (c *Coordinator) Snapshot(ctx context.Context, path string) (*Snapshot, error) {
	path = coordstore.CleanPath(path)

	cached := c.cachedSnapshot(path)
	if cached == nil {
		return c.fetchSnapshot(ctx, path)
	}

	stat, err := c.store.Stat(ctx, path)
	if errors.Is(err, coordstore.ErrNoNode) {
		return c.fetchSnapshot(ctx, path)
	}
	if err != nil {
		return nil, err
	}

	if stat.ChildVersion == cached.ChildVersion {
		return cached, nil
	}

	return c.fetchSnapshot(ctx, path)
}

// Apply computes the ops for a transition against the current records below
// path and commits them atomically.  On conflict a fresh snapshot is fetched
// and the ops recomputed, up to MaxRetries times.
func (c *Coordinator) Apply(ctx context.Context, path string, fn OpsFunc) error {
	path = coordstore.CleanPath(path)

	attempts := 0
	var lastConflict error

	operation := func() error {
		attempts++

		var snap *Snapshot
		var err error
		if attempts == 1 {
			snap, err = c.Snapshot(ctx, path)
		} else {
			snap, err = c.fetchSnapshot(ctx, path)
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		ops, err := fn(snap)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(ops) == 0 {
			return nil
		}

		err = c.store.Multi(ctx, storeOps(path, snap.ChildVersion, ops)...)
		if errors.Is(err, coordstore.ErrConflict) {
			c.metrics.ReplicaStateConflicts.Add(ctx, 1)
			c.logger.Debug("replica state update conflicted",
				zap.String("path", path),
				zap.Int("attempt", attempts),
				zap.Error(err))
			lastConflict = err
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		c.metrics.ReplicaStateCommits.Add(ctx, 1)
		c.logger.Debug("committed replica state update",
			zap.String("path", path),
			zap.Stringers("ops", ops))

		// the committed result is known, avoid a read on the next call
		c.storeSnapshot(snap.Apply(ops))

		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	err := backoff.Retry(operation, b)
	if err != nil && lastConflict != nil && errors.Is(err, coordstore.ErrConflict) {
		return &ConflictError{
			Path:     path,
			Attempts: attempts,
			Err:      err,
		}
	}

	return err
}

func (c *Coordinator) FlipState(ctx context.Context, path string, replica string, state topology.ReplicaState) error {
	return c.Apply(ctx, path, FlipState(replica, state))
}

func (c *Coordinator) FlipLeader(ctx context.Context, path string, replicas []string, next string) error {
	return c.Apply(ctx, path, FlipLeader(replicas, next))
}

func (c *Coordinator) DownReplicas(ctx context.Context, path string, replicas []string) error {
	return c.Apply(ctx, path, DownReplicas(replicas))
}

func (c *Coordinator) AddReplica(ctx context.Context, path string, replica string, state topology.ReplicaState, leader bool) error {
	return c.Apply(ctx, path, AddReplica(replica, state, leader))
}

func (c *Coordinator) DeleteReplica(ctx context.Context, path string, replica string) error {
	return c.Apply(ctx, path, DeleteReplica(replica))
}

func (c *Coordinator) Enable(ctx context.Context, path string, coll *topology.Collection) error {
	return c.Apply(ctx, path, Enable(coll))
}

func (c *Coordinator) Disable(ctx context.Context, path string) error {
	return c.Apply(ctx, path, Disable())
}
