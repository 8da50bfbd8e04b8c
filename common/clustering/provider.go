package clustering

import (
	"context"
	"errors"
)

var (
	ErrAlreadyJoined = errors.New("node already joined")
	ErrNotJoined     = errors.New("node not joined")
)

type Membership interface {
	NodeName() string
	Leave(ctx context.Context) error
}

/*
Join and Leave of the same node name must not be called concurrently.  It is
safe to call them alongside Watch/Get/IsLive.
*/
type Provider interface {
	Join(ctx context.Context, nodeName string) (Membership, error)

	Watch(ctx context.Context) (<-chan *Snapshot, error)
	Get(ctx context.Context) (*Snapshot, error)

	// IsLive answers from the most recently observed snapshot.
	IsLive(nodeName string) bool
}
