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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-router/contrib/coordstore"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// childVersionTag separates child-version counter keys from node keys.  Node
// keys always start with KeyPrefix + "/".
const childVersionTag = "\x00cv"

type StoreOptions struct {
	EtcdClient *etcd.Client
	KeyPrefix  string
	Logger     *zap.Logger
	Notifier   *coordstore.Notifier

	// SessionTTL is the lease period backing ephemeral nodes, in seconds.
	// Defaults to 10.
	SessionTTL int
}

// Store implements coordstore.Store on etcd v3.  Hierarchy is emulated with
// key prefixes: the node at /a/b lives at KeyPrefix+"/a/b" and its children
// are the keys directly below KeyPrefix+"/a/b/".  Every multi-write that
// creates or deletes children also bumps one counter key per parent, whose
// etcd version is the parent's child version.
type Store struct {
	etcdClient  *etcd.Client
	keyPrefix   string
	logger      *zap.Logger
	notifier    *coordstore.Notifier
	ownNotifier bool
	sessionTTL  int

	ctx    context.Context
	cancel context.CancelFunc

	lock      sync.Mutex
	session   *concurrency.Session
	listeners []coordstore.WatchFunc
	closed    bool
	wg        sync.WaitGroup
}

var _ coordstore.Store = (*Store)(nil)

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("etcd client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sessionTTL := opts.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = 10
	}
	// etcd refuses leases shorter than its minimum TTL
	if sessionTTL < 5 {
		return nil, errors.New("session ttl must be at least 5 seconds")
	}

	keyPrefix := strings.TrimSuffix(opts.KeyPrefix, "/")
	if keyPrefix == "" {
		keyPrefix = "/stellar-router"
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		etcdClient: opts.EtcdClient,
		keyPrefix:  keyPrefix,
		logger:     logger,
		notifier:   opts.Notifier,
		sessionTTL: sessionTTL,
		ctx:        ctx,
		cancel:     cancel,
	}
	if s.notifier == nil {
		s.notifier = coordstore.NewNotifier(coordstore.NotifierOptions{Logger: logger})
		s.ownNotifier = true
	}

	return s, nil
}

func (s *Store) nodeKey(p string) string {
	p = coordstore.CleanPath(p)
	if p == "/" {
		return s.keyPrefix
	}
	return s.keyPrefix + p
}

func (s *Store) childPrefix(p string) string {
	return s.nodeKey(p) + "/"
}

func (s *Store) childVersionKey(p string) string {
	return s.keyPrefix + childVersionTag + coordstore.CleanPath(p)
}

// translateError maps etcd client failures onto store errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", coordstore.ErrUnavailable, err)
	case codes.Canceled:
		return context.Canceled
	}

	return err
}

func (s *Store) childNames(p string, kvs []*mvccpb.KeyValue) []string {
	prefix := s.childPrefix(p)
	seen := make(map[string]struct{})
	var names []string
	for _, kv := range kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		if rest == "" {
			continue
		}
		if _, ok := seen[rest]; ok {
			continue
		}
		seen[rest] = struct{}{}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Get(ctx context.Context, p string) (*coordstore.Node, error) {
	p = coordstore.CleanPath(p)

	resp, err := s.etcdClient.Txn(ctx).Then(
		etcd.OpGet(s.nodeKey(p)),
		etcd.OpGet(s.childPrefix(p), etcd.WithPrefix(), etcd.WithKeysOnly()),
		etcd.OpGet(s.childVersionKey(p)),
	).Commit()
	if err != nil {
		return nil, translateError(err)
	}

	nodeKvs := resp.Responses[0].GetResponseRange().Kvs
	childKvs := resp.Responses[1].GetResponseRange().Kvs
	versionKvs := resp.Responses[2].GetResponseRange().Kvs

	// ancestors are implicit, a path with descendants exists even without
	// its own key
	if len(nodeKvs) == 0 && len(childKvs) == 0 && p != "/" {
		return nil, coordstore.ErrNoNode
	}

	node := &coordstore.Node{
		Path:     p,
		Children: s.childNames(p, childKvs),
	}
	if len(nodeKvs) > 0 {
		node.Data = nodeKvs[0].Value
		node.Version = nodeKvs[0].Version - 1
	}
	if len(versionKvs) > 0 {
		node.ChildVersion = versionKvs[0].Version
	}

	return node, nil
}

func (s *Store) Stat(ctx context.Context, p string) (*coordstore.Stat, error) {
	p = coordstore.CleanPath(p)

	resp, err := s.etcdClient.Txn(ctx).Then(
		etcd.OpGet(s.nodeKey(p), etcd.WithKeysOnly()),
		etcd.OpGet(s.childPrefix(p), etcd.WithPrefix(), etcd.WithCountOnly()),
		etcd.OpGet(s.childVersionKey(p), etcd.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, translateError(err)
	}

	nodeKvs := resp.Responses[0].GetResponseRange().Kvs
	childCount := resp.Responses[1].GetResponseRange().Count
	versionKvs := resp.Responses[2].GetResponseRange().Kvs

	if len(nodeKvs) == 0 && childCount == 0 && p != "/" {
		return nil, coordstore.ErrNoNode
	}

	stat := &coordstore.Stat{}
	if len(nodeKvs) > 0 {
		stat.Version = nodeKvs[0].Version - 1
	}
	if len(versionKvs) > 0 {
		stat.ChildVersion = versionKvs[0].Version
	}

	return stat, nil
}

func (s *Store) buildTxn(ops []coordstore.Op, lease etcd.LeaseID) ([]etcd.Cmp, []etcd.Op) {
	var cmps []etcd.Cmp
	var thenOps []etcd.Op
	parents := make(map[string]struct{})
	var parentOrder []string

	touchParent := func(p string) {
		parent := coordstore.ParentPath(p)
		if parent == "" {
			return
		}
		if _, ok := parents[parent]; ok {
			return
		}
		parents[parent] = struct{}{}
		parentOrder = append(parentOrder, parent)
	}

	versionCmp := func(key string, version int64) etcd.Cmp {
		if version == coordstore.AnyVersion {
			return etcd.Compare(etcd.CreateRevision(key), ">", 0)
		}
		return etcd.Compare(etcd.Version(key), "=", version+1)
	}

	for _, op := range ops {
		key := s.nodeKey(op.Path)

		switch op.Type {
		case coordstore.OpCreate:
			cmps = append(cmps, etcd.Compare(etcd.CreateRevision(key), "=", 0))
			if op.Ephemeral {
				thenOps = append(thenOps, etcd.OpPut(key, string(op.Data), etcd.WithLease(lease)))
			} else {
				thenOps = append(thenOps, etcd.OpPut(key, string(op.Data)))
			}
			touchParent(op.Path)
		case coordstore.OpDelete:
			cmps = append(cmps, versionCmp(key, op.Version))
			thenOps = append(thenOps, etcd.OpDelete(key))
			touchParent(op.Path)
		case coordstore.OpSet:
			cmps = append(cmps, versionCmp(key, op.Version))
			thenOps = append(thenOps, etcd.OpPut(key, string(op.Data), etcd.WithIgnoreLease()))
		case coordstore.OpCheckChildren:
			// a missing counter key compares as version 0
			cmps = append(cmps, etcd.Compare(etcd.Version(s.childVersionKey(op.Path)), "=", op.Version))
		}
	}

	// one put per parent, etcd rejects a txn touching a key twice
	for _, parent := range parentOrder {
		thenOps = append(thenOps, etcd.OpPut(s.childVersionKey(parent), ""))
	}

	return cmps, thenOps
}

func (s *Store) Multi(ctx context.Context, ops ...coordstore.Op) error {
	var lease etcd.LeaseID
	for _, op := range ops {
		if op.Type == coordstore.OpCreate && op.Ephemeral {
			session, err := s.getSession(ctx)
			if err != nil {
				return err
			}
			lease = session.Lease()
			break
		}
	}

	cmps, thenOps := s.buildTxn(ops, lease)

	resp, err := s.etcdClient.Txn(ctx).If(cmps...).Then(thenOps...).Commit()
	if err != nil {
		return translateError(err)
	}

	if !resp.Succeeded {
		return &coordstore.OpError{Index: -1, Err: coordstore.ErrConflict}
	}

	return nil
}

func (s *Store) Watch(ctx context.Context, p string, kind coordstore.WatchKind, fn coordstore.WatchFunc) error {
	p = coordstore.CleanPath(p)

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return coordstore.ErrClosed
	}
	s.wg.Add(1)
	s.lock.Unlock()

	watchCtx, watchCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, watchCancel)

	var watchCh etcd.WatchChan
	switch kind {
	case coordstore.WatchChildren:
		watchCh = s.etcdClient.Watch(watchCtx, s.childPrefix(p), etcd.WithPrefix())
	default:
		watchCh = s.etcdClient.Watch(watchCtx, s.nodeKey(p))
	}

	go func() {
		defer s.wg.Done()
		defer stop()
		defer watchCancel()

		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				s.logger.Warn("store watch failed",
					zap.String("path", p),
					zap.Error(err))
				return
			}

			for _, evt := range watchResp.Events {
				out, ok := s.translateEvent(p, kind, evt)
				if !ok {
					continue
				}
				s.notifier.DispatchWatch(fn, out)
				return
			}
		}
	}()

	return nil
}

func (s *Store) translateEvent(p string, kind coordstore.WatchKind, evt *etcd.Event) (coordstore.Event, bool) {
	if kind == coordstore.WatchChildren {
		rest := strings.TrimPrefix(string(evt.Kv.Key), s.childPrefix(p))
		// only direct children count, and a set of an existing child is
		// not a membership change
		if strings.Contains(rest, "/") {
			return coordstore.Event{}, false
		}
		if evt.Type == mvccpb.PUT && !evt.IsCreate() {
			return coordstore.Event{}, false
		}
		return coordstore.Event{Type: coordstore.EventChildrenChanged, Path: p}, true
	}

	switch {
	case evt.Type == mvccpb.DELETE:
		return coordstore.Event{Type: coordstore.EventDeleted, Path: p}, true
	case evt.IsCreate():
		return coordstore.Event{Type: coordstore.EventCreated, Path: p}, true
	default:
		return coordstore.Event{Type: coordstore.EventDataChanged, Path: p}, true
	}
}

func (s *Store) AddSessionListener(fn coordstore.WatchFunc) {
	s.lock.Lock()
	s.listeners = append(s.listeners, fn)
	s.lock.Unlock()
}

func (s *Store) getSession(ctx context.Context) (*concurrency.Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, coordstore.ErrClosed
	}

	if s.session != nil {
		return s.session, nil
	}

	session, err := concurrency.NewSession(s.etcdClient,
		concurrency.WithTTL(s.sessionTTL),
		concurrency.WithContext(s.ctx))
	if err != nil {
		return nil, translateError(err)
	}

	s.session = session
	s.wg.Add(1)
	go s.monitorSession(session)

	return session, nil
}

func (s *Store) emitSessionLocked(evtType coordstore.EventType) {
	for _, fn := range s.listeners {
		s.notifier.DispatchSession(fn, coordstore.Event{Type: evtType})
	}
}

// monitorSession waits for the lease to be lost and replaces the session.
func (s *Store) monitorSession(session *concurrency.Session) {
	defer s.wg.Done()

	select {
	case <-session.Done():
	case <-s.ctx.Done():
		return
	}

	s.logger.Warn("coordination store session expired",
		zap.Int64("lease", int64(session.Lease())))

	s.lock.Lock()
	if s.session == session {
		s.session = nil
	}
	s.emitSessionLocked(coordstore.EventSessionExpired)
	s.lock.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		_, err := s.getSession(s.ctx)
		if errors.Is(err, coordstore.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, s.ctx), func(err error, d time.Duration) {
		s.logger.Debug("failed to re-establish session, retrying",
			zap.Error(err),
			zap.Duration("delay", d))
	})
	if err != nil {
		return
	}

	s.logger.Info("coordination store session re-established")

	s.lock.Lock()
	s.emitSessionLocked(coordstore.EventSessionReconnected)
	s.lock.Unlock()
}

func (s *Store) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	session := s.session
	s.session = nil
	s.lock.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}

	s.cancel()
	s.wg.Wait()

	if s.ownNotifier {
		s.notifier.Close()
	}

	return err
}
