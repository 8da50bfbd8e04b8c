/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package clustering

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-router/contrib/coordstore"
	"github.com/couchbase/stellar-router/pkg/metrics"
	"github.com/couchbase/stellar-router/utils/latestonlychannel"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const DefaultLiveNodesPath = "/live_nodes"

type StoreProviderOptions struct {
	Store  coordstore.Store
	Logger *zap.Logger

	// Path holds one ephemeral child per live node.  Defaults to
	// /live_nodes.
	Path string
}

// StoreProvider tracks live nodes as ephemeral children of a store path.
// The child watch is re-armed before every read so no change between a read
// and the next notification goes unseen.
type StoreProvider struct {
	store   coordstore.Store
	logger  *zap.Logger
	metrics *metrics.RouterMetrics
	path    string

	ctx    context.Context
	cancel context.CancelFunc

	lock        sync.Mutex
	started     bool
	watchCancel context.CancelFunc
	memberships map[string]*storeMembership

	current   atomic.Pointer[Snapshot]
	broadcast *latestonlychannel.Broadcaster[*Snapshot]
}

var _ Provider = (*StoreProvider)(nil)

func NewStoreProvider(opts StoreProviderOptions) (*StoreProvider, error) {
	if opts.Store == nil {
		return nil, errors.New("coordination store is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &StoreProvider{
		store:       opts.Store,
		logger:      opts.Logger,
		metrics:     metrics.GetRouterMetrics(),
		path:        opts.Path,
		ctx:         ctx,
		cancel:      cancel,
		memberships: make(map[string]*storeMembership),
		broadcast:   latestonlychannel.NewBroadcaster[*Snapshot](),
	}

	err := p.init()
	if err != nil {
		cancel()
		return nil, err
	}

	return p, nil
}

func (p *StoreProvider) init() error {
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.path == "" {
		p.path = DefaultLiveNodesPath
	}
	p.path = coordstore.CleanPath(p.path)

	p.store.AddSessionListener(p.handleSessionEvent)

	return nil
}

func (p *StoreProvider) nodePath(nodeName string) string {
	return coordstore.JoinPath(p.path, nodeName)
}

// Start performs the initial read and begins watching for changes.
func (p *StoreProvider) Start(ctx context.Context) error {
	p.lock.Lock()
	if p.started {
		p.lock.Unlock()
		return nil
	}
	p.started = true
	p.lock.Unlock()

	return p.watchAndRefresh(ctx)
}

func (p *StoreProvider) watchAndRefresh(ctx context.Context) error {
	// only one watch chain may be armed at a time
	watchCtx, watchCancel := context.WithCancel(p.ctx)
	p.lock.Lock()
	if p.watchCancel != nil {
		p.watchCancel()
	}
	p.watchCancel = watchCancel
	p.lock.Unlock()

	err := p.store.Watch(watchCtx, p.path, coordstore.WatchChildren, p.handleChildrenChanged)
	if err != nil {
		return err
	}

	snap, err := p.Get(ctx)
	if err != nil {
		return err
	}

	p.publish(snap)
	return nil
}

func (p *StoreProvider) handleChildrenChanged(evt coordstore.Event) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := p.watchAndRefresh(p.ctx)
		if errors.Is(err, coordstore.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, p.ctx), func(err error, d time.Duration) {
		p.logger.Warn("failed to refresh live nodes, retrying",
			zap.Error(err),
			zap.Duration("delay", d))
	})
	if err != nil && p.ctx.Err() == nil {
		p.logger.Debug("stopped watching live nodes", zap.Error(err))
	}
}

func (p *StoreProvider) publish(snap *Snapshot) {
	for {
		prev := p.current.Load()
		if prev != nil && prev.Revision > snap.Revision {
			return
		}
		if p.current.CompareAndSwap(prev, snap) {
			prevCount := 0
			if prev != nil {
				prevCount = len(prev.Nodes)
			}
			p.metrics.LiveNodes.Add(p.ctx, int64(len(snap.Nodes)-prevCount))
			break
		}
	}

	p.broadcast.Publish(snap)
}

func (p *StoreProvider) handleSessionEvent(evt coordstore.Event) {
	switch evt.Type {
	case coordstore.EventSessionExpired:
		p.logger.Warn("coordination store session expired, live node registrations lost")
	case coordstore.EventSessionReconnected:
		p.lock.Lock()
		names := make([]string, 0, len(p.memberships))
		for name := range p.memberships {
			names = append(names, name)
		}
		started := p.started
		p.lock.Unlock()

		for _, name := range names {
			err := p.store.Multi(p.ctx, coordstore.CreateEphemeralOp(p.nodePath(name), nil))
			if err != nil && !errors.Is(err, coordstore.ErrNodeExists) && !errors.Is(err, coordstore.ErrConflict) {
				p.logger.Error("failed to re-register live node",
					zap.String("node", name),
					zap.Error(err))
				continue
			}
			p.logger.Info("re-registered live node", zap.String("node", name))
		}

		if started {
			// watches do not survive the session on every backend
			p.handleChildrenChanged(evt)
		}
	}
}

type storeMembership struct {
	parent   *StoreProvider
	nodeName string
}

func (m *storeMembership) NodeName() string {
	return m.nodeName
}

func (m *storeMembership) Leave(ctx context.Context) error {
	m.parent.lock.Lock()
	if m.parent.memberships[m.nodeName] != m {
		m.parent.lock.Unlock()
		return ErrNotJoined
	}
	delete(m.parent.memberships, m.nodeName)
	m.parent.lock.Unlock()

	err := m.parent.store.Multi(ctx, coordstore.DeleteOp(m.parent.nodePath(m.nodeName), coordstore.AnyVersion))
	if errors.Is(err, coordstore.ErrConflict) {
		// already gone along with the session
		return nil
	}
	return err
}

func (p *StoreProvider) Join(ctx context.Context, nodeName string) (Membership, error) {
	p.lock.Lock()
	if _, ok := p.memberships[nodeName]; ok {
		p.lock.Unlock()
		return nil, ErrAlreadyJoined
	}
	m := &storeMembership{parent: p, nodeName: nodeName}
	p.memberships[nodeName] = m
	p.lock.Unlock()

	err := p.store.Multi(ctx, coordstore.CreateEphemeralOp(p.nodePath(nodeName), nil))
	if err != nil {
		p.lock.Lock()
		delete(p.memberships, nodeName)
		p.lock.Unlock()

		if errors.Is(err, coordstore.ErrConflict) {
			return nil, ErrAlreadyJoined
		}
		return nil, err
	}

	return m, nil
}

func (p *StoreProvider) Get(ctx context.Context) (*Snapshot, error) {
	node, err := p.store.Get(ctx, p.path)
	if errors.Is(err, coordstore.ErrNoNode) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Revision: node.ChildVersion,
		Nodes:    slices.Clone(node.Children),
	}, nil
}

func (p *StoreProvider) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	err := p.Start(ctx)
	if err != nil {
		return nil, err
	}
	return p.broadcast.Subscribe(ctx), nil
}

func (p *StoreProvider) IsLive(nodeName string) bool {
	return p.current.Load().IsLive(nodeName)
}

func (p *StoreProvider) Close() {
	p.cancel()
	p.broadcast.Close()
}
