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
	"path"
	"strings"
)

// AnyVersion disables the version precondition of a delete or set op.
const AnyVersion int64 = -1

// Node is a point-in-time read of a single path in the store.
type Node struct {
	Path string
	Data []byte

	// Version is the data version of the node, 0 directly after creation and
	// incremented by every set.
	Version int64

	// Children holds the sorted names (not paths) of the direct children.
	Children []string

	// ChildVersion is incremented by every committed multi-write which
	// creates or deletes a direct child of this node.
	ChildVersion int64
}

// Stat is the cheap version-only view of a node.
type Stat struct {
	Version      int64
	ChildVersion int64
}

type WatchKind int

const (
	WatchData WatchKind = iota
	WatchChildren
)

type EventType int

const (
	EventCreated EventType = iota + 1
	EventDeleted
	EventDataChanged
	EventChildrenChanged
	EventSessionExpired
	EventSessionReconnected
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventDataChanged:
		return "data-changed"
	case EventChildrenChanged:
		return "children-changed"
	case EventSessionExpired:
		return "session-expired"
	case EventSessionReconnected:
		return "session-reconnected"
	}
	return "unknown"
}

type Event struct {
	Type EventType
	Path string
}

// WatchFunc receives store notifications.  Data and child watch callbacks are
// invoked from a worker pool, session callbacks from a single goroutine.
type WatchFunc func(Event)

// Store is the client contract of the hierarchical coordination store.
type Store interface {
	// Get reads a node along with its children.  ErrNoNode is returned when
	// the path does not exist.
	Get(ctx context.Context, path string) (*Node, error)

	// Stat reads the versions of a node without its data or children.
	Stat(ctx context.Context, path string) (*Stat, error)

	// Multi commits all ops atomically.  When any precondition fails nothing
	// is applied and an *OpError wrapping ErrConflict is returned.
	Multi(ctx context.Context, ops ...Op) error

	// Watch registers fn for at most one notification about path.  The
	// registration is dropped once ctx is cancelled.
	Watch(ctx context.Context, path string, kind WatchKind, fn WatchFunc) error

	// AddSessionListener registers fn for session expiry and reconnection.
	AddSessionListener(fn WatchFunc)

	Close() error
}

// JoinPath joins path elements and returns a clean absolute path.
func JoinPath(elem ...string) string {
	return CleanPath(path.Join(elem...))
}

// CleanPath normalises p into an absolute path without a trailing slash.
func CleanPath(p string) string {
	p = path.Clean("/" + p)
	return p
}

// ParentPath returns the parent of p, or "" for the root.
func ParentPath(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return ""
	}
	idx := strings.LastIndexByte(p, '/')
	if idx == 0 {
		return "/"
	}
	return p[:idx]
}

// BaseName returns the last element of p.
func BaseName(p string) string {
	return path.Base(CleanPath(p))
}
