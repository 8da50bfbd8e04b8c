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
	"sync"

	"go.uber.org/zap"
)

type NotifierOptions struct {
	Logger *zap.Logger

	// Workers is the number of goroutines running watch callbacks.
	// Defaults to 4.
	Workers int

	// QueueSize bounds the number of pending watch callbacks.  Callbacks
	// beyond it run on their own goroutine.  Defaults to 256.
	QueueSize int
}

type notification struct {
	fn    WatchFunc
	event Event
}

// Notifier delivers store notifications.  Session events run one at a time
// in submission order on a dedicated goroutine; data and child watch events
// run on a small worker pool so slow handlers do not stall session handling.
// Dispatching never blocks, so handlers may dispatch further notifications.
type Notifier struct {
	logger *zap.Logger

	lock         sync.Mutex
	closed       bool
	sessionQueue []notification
	sessionCond  *sync.Cond
	watchCh      chan notification
	wg           sync.WaitGroup
}

func NewNotifier(opts NotifierOptions) *Notifier {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	n := &Notifier{
		logger:  logger,
		watchCh: make(chan notification, queueSize),
	}
	n.sessionCond = sync.NewCond(&n.lock)

	n.wg.Add(1 + workers)
	go n.sessionLoop()
	for i := 0; i < workers; i++ {
		go n.watchLoop()
	}

	return n
}

func (n *Notifier) sessionLoop() {
	defer n.wg.Done()
	for {
		n.lock.Lock()
		for len(n.sessionQueue) == 0 && !n.closed {
			n.sessionCond.Wait()
		}
		if len(n.sessionQueue) == 0 {
			n.lock.Unlock()
			return
		}
		item := n.sessionQueue[0]
		n.sessionQueue[0] = notification{}
		n.sessionQueue = n.sessionQueue[1:]
		n.lock.Unlock()

		n.invoke(item)
	}
}

func (n *Notifier) watchLoop() {
	defer n.wg.Done()
	for item := range n.watchCh {
		n.invoke(item)
	}
}

func (n *Notifier) invoke(item notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("store notification handler panicked",
				zap.Stringer("event", item.event.Type),
				zap.String("path", item.event.Path),
				zap.Any("panic", r))
		}
	}()

	item.fn(item.event)
}

func (n *Notifier) dropLocked(evt Event) bool {
	if !n.closed {
		return false
	}
	n.logger.Debug("dropping notification after close",
		zap.Stringer("event", evt.Type),
		zap.String("path", evt.Path))
	return true
}

// DispatchWatch queues a data or child watch callback.  Notifications
// submitted after Close are dropped.
func (n *Notifier) DispatchWatch(fn WatchFunc, evt Event) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.dropLocked(evt) {
		return
	}

	item := notification{fn: fn, event: evt}
	select {
	case n.watchCh <- item:
	default:
		n.logger.Warn("watch notification queue full, running handler on its own goroutine",
			zap.Stringer("event", evt.Type),
			zap.String("path", evt.Path))
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.invoke(item)
		}()
	}
}

// DispatchSession queues a session event callback.
func (n *Notifier) DispatchSession(fn WatchFunc, evt Event) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.dropLocked(evt) {
		return
	}

	n.sessionQueue = append(n.sessionQueue, notification{fn: fn, event: evt})
	n.sessionCond.Signal()
}

// Close stops accepting notifications and waits for queued ones to run.
func (n *Notifier) Close() {
	n.lock.Lock()
	if n.closed {
		n.lock.Unlock()
		return
	}
	n.closed = true
	close(n.watchCh)
	n.sessionCond.Broadcast()
	n.lock.Unlock()

	n.wg.Wait()
}
