/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package coordstore

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type MemStoreOptions struct {
	Logger *zap.Logger

	// Notifier delivers watch and session events.  When nil the store
	// creates (and closes) its own.
	Notifier *Notifier
}

type memNode struct {
	data         []byte
	version      int64
	childVersion int64
	children     map[string]struct{}
	ephemeral    bool
}

type memWatch struct {
	ctx context.Context
	fn  WatchFunc
}

// MemStore is an in-process Store.  It mirrors the semantics of the etcd
// binding and is used by tests and single-process deployments.
type MemStore struct {
	logger      *zap.Logger
	notifier    *Notifier
	ownNotifier bool

	lock             sync.Mutex
	closed           bool
	nodes            map[string]*memNode
	dataWatches      map[string][]memWatch
	childWatches     map[string][]memWatch
	sessionListeners []WatchFunc
}

var _ Store = (*MemStore)(nil)

func NewMemStore(opts MemStoreOptions) *MemStore {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &MemStore{
		logger:       logger,
		notifier:     opts.Notifier,
		nodes:        make(map[string]*memNode),
		dataWatches:  make(map[string][]memWatch),
		childWatches: make(map[string][]memWatch),
	}
	if s.notifier == nil {
		s.notifier = NewNotifier(NotifierOptions{Logger: logger})
		s.ownNotifier = true
	}

	s.nodes["/"] = &memNode{children: make(map[string]struct{})}

	return s
}

func (s *MemStore) Get(ctx context.Context, p string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p = CleanPath(p)

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	node, ok := s.nodes[p]
	if !ok {
		return nil, ErrNoNode
	}

	children := make([]string, 0, len(node.children))
	for name := range node.children {
		children = append(children, name)
	}
	sort.Strings(children)

	return &Node{
		Path:         p,
		Data:         slices.Clone(node.data),
		Version:      node.version,
		Children:     children,
		ChildVersion: node.childVersion,
	}, nil
}

func (s *MemStore) Stat(ctx context.Context, p string) (*Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p = CleanPath(p)

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	node, ok := s.nodes[p]
	if !ok {
		return nil, ErrNoNode
	}

	return &Stat{
		Version:      node.version,
		ChildVersion: node.childVersion,
	}, nil
}

// stagedView tracks the effect of already-validated ops of a multi-write so
// later ops in the same batch see them.
type stagedView struct {
	store   *MemStore
	exists  map[string]bool
	version map[string]int64
}

func (v *stagedView) lookup(p string) (bool, int64) {
	if exists, ok := v.exists[p]; ok {
		return exists, v.version[p]
	}
	node, ok := v.store.nodes[p]
	if !ok {
		return false, 0
	}
	return true, node.version
}

func (s *MemStore) validateLocked(ops []Op) error {
	view := &stagedView{
		store:   s,
		exists:  make(map[string]bool),
		version: make(map[string]int64),
	}

	for idx, op := range ops {
		exists, version := view.lookup(op.Path)

		switch op.Type {
		case OpCreate:
			if exists {
				return &OpError{Index: idx, Op: op, Err: ErrNodeExists}
			}
			view.exists[op.Path] = true
			view.version[op.Path] = 0
		case OpDelete:
			if !exists {
				return &OpError{Index: idx, Op: op, Err: ErrNoNode}
			}
			if op.Version != AnyVersion && op.Version != version {
				return &OpError{Index: idx, Op: op, Err: ErrBadVersion}
			}
			if node, ok := s.nodes[op.Path]; ok && len(node.children) > 0 {
				return &OpError{Index: idx, Op: op, Err: ErrNotEmpty}
			}
			view.exists[op.Path] = false
		case OpSet:
			if !exists {
				return &OpError{Index: idx, Op: op, Err: ErrNoNode}
			}
			if op.Version != AnyVersion && op.Version != version {
				return &OpError{Index: idx, Op: op, Err: ErrBadVersion}
			}
			view.version[op.Path] = version + 1
			view.exists[op.Path] = true
		case OpCheckChildren:
			var childVersion int64
			if node, ok := s.nodes[op.Path]; ok {
				childVersion = node.childVersion
			}
			if childVersion != op.Version {
				return &OpError{Index: idx, Op: op, Err: ErrBadVersion}
			}
		}
	}

	return nil
}

type pendingEvent struct {
	watch memWatch
	event Event
}

func (s *MemStore) takeWatchesLocked(watches map[string][]memWatch, p string, evt Event, out []pendingEvent) []pendingEvent {
	for _, w := range watches[p] {
		out = append(out, pendingEvent{watch: w, event: evt})
	}
	delete(watches, p)
	return out
}

// ensureParentsLocked creates any missing ancestors of p as empty nodes.
func (s *MemStore) ensureParentsLocked(p string, touched map[string]struct{}, events []pendingEvent) []pendingEvent {
	parent := ParentPath(p)
	if parent == "" {
		return events
	}
	if _, ok := s.nodes[parent]; ok {
		return events
	}

	events = s.ensureParentsLocked(parent, touched, events)
	s.nodes[parent] = &memNode{children: make(map[string]struct{})}
	grandParent := ParentPath(parent)
	s.nodes[grandParent].children[BaseName(parent)] = struct{}{}
	touched[grandParent] = struct{}{}
	events = s.takeWatchesLocked(s.dataWatches, parent, Event{Type: EventCreated, Path: parent}, events)

	return events
}

func (s *MemStore) applyLocked(ops []Op) []pendingEvent {
	var events []pendingEvent
	touched := make(map[string]struct{})

	for _, op := range ops {
		switch op.Type {
		case OpCreate:
			events = s.ensureParentsLocked(op.Path, touched, events)
			s.nodes[op.Path] = &memNode{
				data:      slices.Clone(op.Data),
				children:  make(map[string]struct{}),
				ephemeral: op.Ephemeral,
			}
			parent := ParentPath(op.Path)
			s.nodes[parent].children[BaseName(op.Path)] = struct{}{}
			touched[parent] = struct{}{}
			events = s.takeWatchesLocked(s.dataWatches, op.Path, Event{Type: EventCreated, Path: op.Path}, events)
		case OpDelete:
			delete(s.nodes, op.Path)
			parent := ParentPath(op.Path)
			if parentNode, ok := s.nodes[parent]; ok {
				delete(parentNode.children, BaseName(op.Path))
			}
			touched[parent] = struct{}{}
			evt := Event{Type: EventDeleted, Path: op.Path}
			events = s.takeWatchesLocked(s.dataWatches, op.Path, evt, events)
			events = s.takeWatchesLocked(s.childWatches, op.Path, evt, events)
		case OpSet:
			node := s.nodes[op.Path]
			node.data = slices.Clone(op.Data)
			node.version++
			events = s.takeWatchesLocked(s.dataWatches, op.Path, Event{Type: EventDataChanged, Path: op.Path}, events)
		}
	}

	// the child version moves once per committed batch, whatever the number
	// of children it touched
	for parent := range touched {
		node, ok := s.nodes[parent]
		if !ok {
			continue
		}
		node.childVersion++
		events = s.takeWatchesLocked(s.childWatches, parent, Event{Type: EventChildrenChanged, Path: parent}, events)
	}

	return events
}

func (s *MemStore) Multi(ctx context.Context, ops ...Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for idx := range ops {
		ops[idx].Path = CleanPath(ops[idx].Path)
	}

	s.lock.Lock()

	if s.closed {
		s.lock.Unlock()
		return ErrClosed
	}

	err := s.validateLocked(ops)
	if err != nil {
		s.lock.Unlock()
		return err
	}

	events := s.applyLocked(ops)

	s.lock.Unlock()

	s.deliver(events)

	return nil
}

func (s *MemStore) deliver(events []pendingEvent) {
	for _, pending := range events {
		if pending.watch.ctx.Err() != nil {
			continue
		}
		s.notifier.DispatchWatch(pending.watch.fn, pending.event)
	}
}

func (s *MemStore) Watch(ctx context.Context, p string, kind WatchKind, fn WatchFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p = CleanPath(p)

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrClosed
	}

	w := memWatch{ctx: ctx, fn: fn}
	switch kind {
	case WatchData:
		s.dataWatches[p] = append(s.dataWatches[p], w)
	case WatchChildren:
		s.childWatches[p] = append(s.childWatches[p], w)
	}

	return nil
}

func (s *MemStore) AddSessionListener(fn WatchFunc) {
	s.lock.Lock()
	s.sessionListeners = append(s.sessionListeners, fn)
	s.lock.Unlock()
}

// ExpireSession simulates the loss of the client session: every ephemeral
// node is removed, listeners see a session-expired event and then a
// reconnected event once the replacement session is usable.
func (s *MemStore) ExpireSession() {
	s.lock.Lock()

	var ops []Op
	for p, node := range s.nodes {
		if node.ephemeral {
			ops = append(ops, DeleteOp(p, AnyVersion))
		}
	}
	// children first so parents never see a non-empty delete
	sort.Slice(ops, func(i, j int) bool {
		return len(ops[i].Path) > len(ops[j].Path)
	})
	events := s.applyLocked(ops)
	listeners := slices.Clone(s.sessionListeners)

	s.lock.Unlock()

	s.deliver(events)

	for _, fn := range listeners {
		s.notifier.DispatchSession(fn, Event{Type: EventSessionExpired})
	}
	for _, fn := range listeners {
		s.notifier.DispatchSession(fn, Event{Type: EventSessionReconnected})
	}
}

func (s *MemStore) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.dataWatches = make(map[string][]memWatch)
	s.childWatches = make(map[string][]memWatch)
	s.lock.Unlock()

	if s.ownNotifier {
		s.notifier.Close()
	}

	return nil
}
