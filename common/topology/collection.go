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
	"sort"
	"strconv"
	"strings"
)

// HashRange is an inclusive range over the signed 32-bit hash space.
type HashRange struct {
	Min int32
	Max int32
}

func (r HashRange) Includes(hash int32) bool {
	return hash >= r.Min && hash <= r.Max
}

// String uses the hex form, e.g. 80000000-ffffffff.
func (r HashRange) String() string {
	return fmt.Sprintf("%08x-%08x", uint32(r.Min), uint32(r.Max))
}

func ParseHashRange(s string) (HashRange, error) {
	minStr, maxStr, ok := strings.Cut(s, "-")
	if !ok {
		return HashRange{}, fmt.Errorf("invalid hash range %q", s)
	}

	minVal, err := strconv.ParseUint(minStr, 16, 32)
	if err != nil {
		return HashRange{}, fmt.Errorf("invalid hash range %q: %w", s, err)
	}
	maxVal, err := strconv.ParseUint(maxStr, 16, 32)
	if err != nil {
		return HashRange{}, fmt.Errorf("invalid hash range %q: %w", s, err)
	}

	r := HashRange{Min: int32(uint32(minVal)), Max: int32(uint32(maxVal))}
	if r.Min > r.Max {
		return HashRange{}, fmt.Errorf("invalid hash range %q: min above max", s)
	}

	return r, nil
}

// PartitionRange splits the full hash space into n contiguous ranges.
func PartitionRange(n int) []HashRange {
	if n <= 0 {
		return nil
	}

	const fullMin = int64(-1 << 31)
	const fullMax = int64(1<<31 - 1)
	size := (fullMax - fullMin + 1) / int64(n)

	ranges := make([]HashRange, n)
	start := fullMin
	for i := 0; i < n; i++ {
		end := start + size - 1
		if i == n-1 {
			end = fullMax
		}
		ranges[i] = HashRange{Min: int32(start), Max: int32(end)}
		start = end + 1
	}

	return ranges
}

type Shard struct {
	Name  string
	Range *HashRange

	// Replicas are ordered by name.
	Replicas []*Replica

	leader *Replica
}

func NewShard(name string, hashRange *HashRange, replicas []*Replica) *Shard {
	sorted := make([]*Replica, len(replicas))
	copy(sorted, replicas)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	s := &Shard{
		Name:     name,
		Range:    hashRange,
		Replicas: sorted,
	}

	// should several replicas claim leadership, the one with the newest
	// state record wins
	for _, replica := range sorted {
		replica.Shard = name
		if !replica.Leader {
			continue
		}
		if s.leader == nil || replica.Version > s.leader.Version {
			s.leader = replica
		}
	}

	return s
}

func (s *Shard) Leader() *Replica {
	return s.leader
}

func (s *Shard) Replica(name string) *Replica {
	for _, replica := range s.Replicas {
		if replica.Name == name {
			return replica
		}
	}
	return nil
}

// ActiveReplicas returns the replicas in the active state whose node is live,
// or all active replicas when live is nil.
func (s *Shard) ActiveReplicas(live LiveNodeSet) []*Replica {
	var out []*Replica
	for _, replica := range s.Replicas {
		if replica.State != StateActive {
			continue
		}
		if live != nil && !live.IsLive(replica.NodeName) {
			continue
		}
		out = append(out, replica)
	}
	return out
}

// LiveNodeSet reports node liveness.
type LiveNodeSet interface {
	IsLive(nodeName string) bool
}

const (
	RouterCompositeID = "compositeId"
	RouterImplicit    = "implicit"
)

// Collection is an immutable view of one collection's topology.
type Collection struct {
	Name            string
	RouterName      string
	RouterField     string
	Shards          []*Shard
	Version         int64
	PerReplicaState bool

	// ReplicaStateVersion is the child version of the per-replica records
	// the view was built from.
	ReplicaStateVersion int64
}

func (c *Collection) Shard(name string) *Shard {
	for _, shard := range c.Shards {
		if shard.Name == name {
			return shard
		}
	}
	return nil
}

func (c *Collection) Replicas() []*Replica {
	var out []*Replica
	for _, shard := range c.Shards {
		out = append(out, shard.Replicas...)
	}
	return out
}

func (c *Collection) Replica(name string) *Replica {
	for _, shard := range c.Shards {
		if replica := shard.Replica(name); replica != nil {
			return replica
		}
	}
	return nil
}

// Leaders returns the leader of every shard that currently has one.
func (c *Collection) Leaders() []*Replica {
	var out []*Replica
	for _, shard := range c.Shards {
		if leader := shard.Leader(); leader != nil {
			out = append(out, leader)
		}
	}
	return out
}

// References reports whether any replica of the collection is hosted at the
// node behind ep.
func (c *Collection) References(ep Endpoint) bool {
	base := ep.NodeEndpoint()
	for _, replica := range c.Replicas() {
		if replica.NodeEndpoint() == base {
			return true
		}
	}
	return false
}

// SameState reports whether o was built from the same stored versions.
func (c *Collection) SameState(o *Collection) bool {
	return c.Version == o.Version && c.ReplicaStateVersion == o.ReplicaStateVersion
}

// WithReplicaStatus returns a copy of the collection where the status of each
// named replica is replaced.  Replicas without an entry keep their state.
func (c *Collection) WithReplicaStatus(statuses map[string]ReplicaStatus, childVersion int64) *Collection {
	cloned := *c
	cloned.ReplicaStateVersion = childVersion
	cloned.Shards = make([]*Shard, len(c.Shards))

	for idx, shard := range c.Shards {
		replicas := make([]*Replica, len(shard.Replicas))
		for ridx, replica := range shard.Replicas {
			if status, ok := statuses[replica.Name]; ok {
				replicas[ridx] = replica.withStatus(status)
			} else if c.PerReplicaState {
				// with per-replica state the records are authoritative, a
				// replica without a record is not known to be up
				replicas[ridx] = replica.withStatus(ReplicaStatus{State: StateDown, Version: -1})
			} else {
				cloned := *replica
				replicas[ridx] = &cloned
			}
		}
		cloned.Shards[idx] = NewShard(shard.Name, shard.Range, replicas)
	}

	return &cloned
}

// Router returns the document router configured for the collection.
func (c *Collection) Router() (DocRouter, error) {
	switch c.RouterName {
	case RouterCompositeID, "":
		return CompositeIDRouter{}, nil
	case RouterImplicit:
		return ImplicitRouter{Field: c.RouterField}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRouter, c.RouterName)
}
