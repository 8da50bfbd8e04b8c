/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"fmt"
	"strings"

	"github.com/twmb/murmur3"
)

// DocRouter maps a document id (and optional route key) onto a shard.
type DocRouter interface {
	Name() string
	TargetShard(c *Collection, id string, routeKey string) (*Shard, error)
}

// CompositeIDRouter hashes ids with murmur3 (x86, 32 bit, seed 0).  Ids of the
// form prefix!rest take the upper 16 bits of their hash from the prefix so
// documents sharing a prefix are co-located.
type CompositeIDRouter struct{}

var _ DocRouter = CompositeIDRouter{}

func (CompositeIDRouter) Name() string {
	return RouterCompositeID
}

// Hash computes the routing hash of a routing key.
func (CompositeIDRouter) Hash(key string) int32 {
	prefix, rest, ok := strings.Cut(key, "!")
	if !ok {
		return int32(murmur3.Sum32([]byte(key)))
	}

	prefixHash := murmur3.Sum32([]byte(prefix))
	if rest == "" {
		// a bare prefix routes to where the prefix's documents live
		return int32(prefixHash & 0xffff0000)
	}

	restHash := murmur3.Sum32([]byte(rest))
	return int32((prefixHash & 0xffff0000) | (restHash & 0x0000ffff))
}

func (r CompositeIDRouter) TargetShard(c *Collection, id string, routeKey string) (*Shard, error) {
	key := id
	if routeKey != "" {
		key = routeKey
		if !strings.Contains(key, "!") {
			key += "!"
		}
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnroutable)
	}

	hash := r.Hash(key)
	for _, shard := range c.Shards {
		if shard.Range != nil && shard.Range.Includes(hash) {
			return shard, nil
		}
	}

	return nil, fmt.Errorf("%w: no shard covers hash %08x of %q in %s", ErrNoSuchShard, uint32(hash), key, c.Name)
}

// ImplicitRouter takes the shard name directly from the route key.
type ImplicitRouter struct {
	Field string
}

var _ DocRouter = ImplicitRouter{}

func (ImplicitRouter) Name() string {
	return RouterImplicit
}

func (ImplicitRouter) TargetShard(c *Collection, id string, routeKey string) (*Shard, error) {
	if routeKey == "" {
		return nil, fmt.Errorf("%w: implicit routing needs a route key for %q", ErrUnroutable, id)
	}

	shard := c.Shard(routeKey)
	if shard == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoSuchShard, routeKey, c.Name)
	}

	return shard, nil
}
