package latestonlychannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcasterEmptyBlocks(t *testing.T) {
	b := NewBroadcaster[int]()
	ch := b.Subscribe(context.Background())

	select {
	case <-ch:
		t.Fatalf("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}

	b.Close()
	_, ok := <-ch
	require.False(t, ok)
}

func TestBroadcasterLatestOnly(t *testing.T) {
	b := NewBroadcaster[int]()
	defer b.Close()

	ch := b.Subscribe(context.Background())
	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	require.Equal(t, 5, <-ch)

	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %d", v)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBroadcasterReplaysLatest(t *testing.T) {
	b := NewBroadcaster[string]()
	defer b.Close()

	b.Publish("a")
	ch := b.Subscribe(context.Background())
	require.Equal(t, "a", <-ch)

	latest, ok := b.Latest()
	require.True(t, ok)
	require.Equal(t, "a", latest)
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	// publishing to a closed subscription must not panic
	b.Publish(1)
}
