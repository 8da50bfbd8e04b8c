/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

import (
	"context"
	"sync"
)

// Broadcaster fans published values out to any number of subscribers.  A
// publish never blocks: subscribers which have not yet consumed the previous
// value only ever see the newest one.
type Broadcaster[T any] struct {
	lock      sync.Mutex
	latest    T
	hasLatest bool
	closed    bool
	subs      map[chan T]struct{}
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[chan T]struct{}),
	}
}

func replaceLatest[T any](ch chan T, value T) {
	// only the publisher sends, under the lock, so after draining the slot
	// is guaranteed to be free
	select {
	case <-ch:
	default:
	}
	ch <- value
}

func (b *Broadcaster[T]) Publish(value T) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return
	}

	b.latest = value
	b.hasLatest = true
	for ch := range b.subs {
		replaceLatest(ch, value)
	}
}

// Latest returns the last published value.
func (b *Broadcaster[T]) Latest() (T, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.latest, b.hasLatest
}

// Subscribe returns a channel which first yields the latest value (if any)
// and then every value published afterwards, minus any it was too slow to
// observe.  The channel is closed when ctx is done or the broadcaster closes.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		close(ch)
		return ch
	}
	if b.hasLatest {
		ch <- b.latest
	}
	b.subs[ch] = struct{}{}
	b.lock.Unlock()

	go func() {
		<-ctx.Done()

		b.lock.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.lock.Unlock()
	}()

	return ch
}

// Close closes every subscriber channel.  It is safe to publish after close.
func (b *Broadcaster[T]) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
