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
)

type ReplicaState int

const (
	StateUnknown ReplicaState = iota
	StateActive
	StateDown
	StateRecovering
)

func (s ReplicaState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDown:
		return "down"
	case StateRecovering:
		return "recovering"
	}
	return "unknown"
}

// ShortCode is the single letter form used in per-replica record names.
func (s ReplicaState) ShortCode() string {
	switch s {
	case StateActive:
		return "A"
	case StateDown:
		return "D"
	case StateRecovering:
		return "R"
	}
	return "U"
}

func ParseReplicaState(s string) (ReplicaState, error) {
	switch strings.ToLower(s) {
	case "active", "a":
		return StateActive, nil
	case "down", "d":
		return StateDown, nil
	case "recovering", "r":
		return StateRecovering, nil
	case "unknown", "u", "":
		return StateUnknown, nil
	}
	return StateUnknown, fmt.Errorf("invalid replica state %q", s)
}

// ReplicaStatus is the mutable part of a replica, as tracked by per-replica
// state records.
type ReplicaStatus struct {
	State   ReplicaState
	Leader  bool
	Version int64
}

type Replica struct {
	Name     string
	Shard    string
	Core     string
	NodeName string
	BaseURL  string
	Leader   bool
	State    ReplicaState

	// Version is the per-replica state counter, -1 when the replica has
	// no state record.
	Version int64
}

// Endpoint returns the core scoped endpoint of the replica.
func (r *Replica) Endpoint() Endpoint {
	return NewEndpoint(r.BaseURL).WithCore(r.Core)
}

func (r *Replica) NodeEndpoint() Endpoint {
	return NewEndpoint(r.BaseURL)
}

func (r *Replica) withStatus(status ReplicaStatus) *Replica {
	cloned := *r
	cloned.State = status.State
	cloned.Leader = status.Leader
	cloned.Version = status.Version
	return &cloned
}
