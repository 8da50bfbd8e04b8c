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
	"math/rand/v2"

	"github.com/couchbase/stellar-router/common/topology"
	"golang.org/x/exp/slices"
)

// ReplicaPreference orders the replicas of a shard for endpoint selection.
// Implementations return a new slice and must not modify their input.
type ReplicaPreference interface {
	Order(replicas []*topology.Replica) []*topology.Replica
}

type rankPreference func(r *topology.Replica) int

func (p rankPreference) Order(replicas []*topology.Replica) []*topology.Replica {
	out := slices.Clone(replicas)
	slices.SortStableFunc(out, func(a, b *topology.Replica) int {
		return p(a) - p(b)
	})
	return out
}

// ShufflePreference orders replicas randomly.
type ShufflePreference struct{}

var _ ReplicaPreference = ShufflePreference{}

func (ShufflePreference) Order(replicas []*topology.Replica) []*topology.Replica {
	out := slices.Clone(replicas)
	rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// PreferLeader moves shard leaders to the front.
func PreferLeader() ReplicaPreference {
	return rankPreference(func(r *topology.Replica) int {
		if r.Leader {
			return 0
		}
		return 1
	})
}

// PreferNonLeader moves shard leaders to the back.
func PreferNonLeader() ReplicaPreference {
	return rankPreference(func(r *topology.Replica) int {
		if r.Leader {
			return 1
		}
		return 0
	})
}

// PreferNode moves replicas hosted on the named nodes to the front, in the
// order the nodes are given.
func PreferNode(nodeNames ...string) ReplicaPreference {
	return rankPreference(func(r *topology.Replica) int {
		for idx, name := range nodeNames {
			if r.NodeName == name {
				return idx
			}
		}
		return len(nodeNames)
	})
}

// ChainPreference combines preferences; earlier preferences take priority and
// later ones only order replicas the earlier ones consider equal.  Placing
// ShufflePreference last randomises within the remaining ties.
func ChainPreference(prefs ...ReplicaPreference) ReplicaPreference {
	return chainPreference(prefs)
}

type chainPreference []ReplicaPreference

func (c chainPreference) Order(replicas []*topology.Replica) []*topology.Replica {
	out := slices.Clone(replicas)
	// stable orderings applied from the lowest priority up
	for idx := len(c) - 1; idx >= 0; idx-- {
		out = c[idx].Order(out)
	}
	return out
}
