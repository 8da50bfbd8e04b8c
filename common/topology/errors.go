package topology

import "errors"

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrUnroutable         = errors.New("document cannot be routed to a shard")
	ErrNoSuchShard        = errors.New("no such shard")
	ErrUnknownRouter      = errors.New("unknown document router")
)
