/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package client

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-router/common/clusterstate"
	"github.com/couchbase/stellar-router/contrib/coordstore"
	"go.uber.org/zap"
)

type collectionWatcherOptions struct {
	Store      coordstore.Store
	Collection string
	OnChange   func(collection string)
	Logger     *zap.Logger
}

// collectionWatcher keeps a data watch on a collection's state node and a
// child watch on its per-replica records, re-arming both after every
// notification.
type collectionWatcher struct {
	store      coordstore.Store
	collection string
	onChange   func(string)
	logger     *zap.Logger
	ctx        context.Context
	ctxCancel  func()
	eventCh    chan coordstore.Event
	closeCh    chan struct{}
}

func newCollectionWatcher(opts *collectionWatcherOptions) *collectionWatcher {
	ctx, ctxCancel := context.WithCancel(context.Background())

	w := &collectionWatcher{
		store:      opts.Store,
		collection: opts.Collection,
		onChange:   opts.OnChange,
		logger:     opts.Logger,
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		eventCh:    make(chan coordstore.Event, 1),
		closeCh:    make(chan struct{}),
	}
	w.init()
	return w
}

func (w *collectionWatcher) init() {
	if w.logger == nil {
		w.logger = zap.NewNop()
	}

	go w.procThread()
}

func (w *collectionWatcher) notify(evt coordstore.Event) {
	select {
	case w.eventCh <- evt:
	default:
		// a pending event already triggers the re-arm
	}
}

func (w *collectionWatcher) arm(ctx context.Context) error {
	statePath := clusterstate.StatePath(w.collection)

	err := w.store.Watch(ctx, statePath, coordstore.WatchData, w.notify)
	if err != nil {
		return err
	}

	return w.store.Watch(ctx, statePath, coordstore.WatchChildren, w.notify)
}

func (w *collectionWatcher) procThread() {
	defer close(w.closeCh)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.Reset()

	changed := false
	for {
		// each round owns its registrations so the watch that did not fire
		// is dropped instead of piling up
		armCtx, armCancel := context.WithCancel(w.ctx)

		err := w.arm(armCtx)
		if err != nil {
			armCancel()
			w.logger.Warn("failed to watch collection state",
				zap.String("collection", w.collection),
				zap.Error(err))

			// without a watch we cannot trust the cached view
			w.onChange(w.collection)

			select {
			case <-time.After(b.NextBackOff()):
				continue
			case <-w.ctx.Done():
				return
			}
		}

		// Restart our backoff strategy now that we've successfully started watching...
		b.Reset()

		// re-armed before the cache is told, so no change can slip between
		if changed {
			w.onChange(w.collection)
			changed = false
		}

		select {
		case evt := <-w.eventCh:
			armCancel()
			w.logger.Debug("collection state changed",
				zap.String("collection", w.collection),
				zap.Stringer("event", evt.Type))
			changed = true
		case <-w.ctx.Done():
			armCancel()
			return
		}
	}
}

func (w *collectionWatcher) Close() {
	// shut down our context
	w.ctxCancel()

	// wait for the shutdown to complete
	<-w.closeCh
}
