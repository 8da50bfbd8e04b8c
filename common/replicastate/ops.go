/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package replicastate

import (
	"errors"
	"fmt"

	"github.com/couchbase/stellar-router/common/topology"
	"github.com/couchbase/stellar-router/contrib/coordstore"
)

var (
	ErrRecordExists   = errors.New("replica already has a state record")
	ErrUnknownReplica = errors.New("replica is not part of the shard")
)

type OpType int

const (
	OpAdd OpType = iota + 1
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpAdd:
		return "ADD"
	case OpDelete:
		return "DELETE"
	}
	return "?"
}

type Op struct {
	Type   OpType
	Record Record
}

func (o Op) String() string {
	return o.Type.String() + " " + o.Record.Name()
}

// OpsFunc computes the record changes for one state transition from a
// snapshot.  It must not have side effects, it is re-run after conflicts.
type OpsFunc func(s *Snapshot) ([]Op, error)

func addOp(r Record) Op    { return Op{Type: OpAdd, Record: r} }
func deleteOp(r Record) Op { return Op{Type: OpDelete, Record: r} }

func sweepDuplicates(s *Snapshot, replica string, ops []Op) []Op {
	for _, dup := range s.Duplicates(replica) {
		ops = append(ops, deleteOp(dup))
	}
	return ops
}

// replace swaps the current record of a replica (if any) for next, sweeping
// duplicates on the way.
func replace(s *Snapshot, next Record, ops []Op) []Op {
	ops = append(ops, addOp(next))
	if cur, ok := s.Get(next.Replica); ok {
		ops = append(ops, deleteOp(cur))
	}
	return sweepDuplicates(s, next.Replica, ops)
}

func nextVersion(s *Snapshot, replica string) int64 {
	if cur, ok := s.Get(replica); ok {
		return cur.Version + 1
	}
	return 0
}

// FlipState moves a replica to state, keeping its leader flag.  Flipping to
// the current state is a no-op unless duplicates need sweeping.
func FlipState(replica string, state topology.ReplicaState) OpsFunc {
	return func(s *Snapshot) ([]Op, error) {
		cur, ok := s.Get(replica)
		if ok && cur.State == state {
			return sweepDuplicates(s, replica, nil), nil
		}

		next := Record{
			Replica: replica,
			Version: nextVersion(s, replica),
			State:   state,
			Leader:  ok && cur.Leader,
		}
		return replace(s, next, nil), nil
	}
}

// FlipLeader makes next the single active leader among replicas.  Every other
// replica holding the leader flag loses it.  An empty next only clears
// leadership.
func FlipLeader(replicas []string, next string) OpsFunc {
	return func(s *Snapshot) ([]Op, error) {
		found := next == ""
		for _, replica := range replicas {
			if replica == next {
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReplica, next)
		}

		var ops []Op
		for _, replica := range replicas {
			cur, ok := s.Get(replica)

			if replica == next {
				if ok && cur.Leader && cur.State == topology.StateActive {
					ops = sweepDuplicates(s, replica, ops)
					continue
				}
				ops = replace(s, Record{
					Replica: replica,
					Version: nextVersion(s, replica),
					State:   topology.StateActive,
					Leader:  true,
				}, ops)
				continue
			}

			if ok && cur.Leader {
				ops = replace(s, Record{
					Replica: replica,
					Version: cur.Version + 1,
					State:   cur.State,
				}, ops)
				continue
			}

			ops = sweepDuplicates(s, replica, ops)
		}

		return ops, nil
	}
}

// DownReplicas marks every listed replica down and clears its leader flag.
func DownReplicas(replicas []string) OpsFunc {
	return func(s *Snapshot) ([]Op, error) {
		var ops []Op
		for _, replica := range replicas {
			cur, ok := s.Get(replica)
			if ok && cur.State == topology.StateDown && !cur.Leader {
				ops = sweepDuplicates(s, replica, ops)
				continue
			}
			ops = replace(s, Record{
				Replica: replica,
				Version: nextVersion(s, replica),
				State:   topology.StateDown,
			}, ops)
		}
		return ops, nil
	}
}

// AddReplica creates the first record of a new replica.
func AddReplica(replica string, state topology.ReplicaState, leader bool) OpsFunc {
	return func(s *Snapshot) ([]Op, error) {
		if _, ok := s.Get(replica); ok {
			return nil, fmt.Errorf("%w: %s", ErrRecordExists, replica)
		}
		return []Op{addOp(Record{
			Replica: replica,
			State:   state,
			Leader:  leader,
		})}, nil
	}
}

// DeleteReplica removes every record of a replica.
func DeleteReplica(replica string) OpsFunc {
	return func(s *Snapshot) ([]Op, error) {
		cur, ok := s.Get(replica)
		if !ok {
			return nil, nil
		}
		return sweepDuplicates(s, replica, []Op{deleteOp(cur)}), nil
	}
}

// Enable seeds one record per replica of coll from its stored state.
// Replicas which already have a record are left alone.
func Enable(coll *topology.Collection) OpsFunc {
	return func(s *Snapshot) ([]Op, error) {
		var ops []Op
		for _, replica := range coll.Replicas() {
			if _, ok := s.Get(replica.Name); ok {
				continue
			}
			ops = append(ops, addOp(Record{
				Replica: replica.Name,
				State:   replica.State,
				Leader:  replica.Leader,
			}))
		}
		return ops, nil
	}
}

// Disable removes every record.
func Disable() OpsFunc {
	return func(s *Snapshot) ([]Op, error) {
		var ops []Op
		for _, replica := range s.Replicas() {
			cur, _ := s.Get(replica)
			ops = append(ops, deleteOp(cur))
			ops = sweepDuplicates(s, replica, ops)
		}
		return ops, nil
	}
}

// Apply returns the snapshot that results from applying ops to s.
func (s *Snapshot) Apply(ops []Op) *Snapshot {
	names := make(map[string]struct{})
	for _, name := range s.Names() {
		names[name] = struct{}{}
	}
	for _, op := range ops {
		switch op.Type {
		case OpAdd:
			names[op.Record.Name()] = struct{}{}
		case OpDelete:
			delete(names, op.Record.Name())
		}
	}

	list := make([]string, 0, len(names))
	for name := range names {
		list = append(list, name)
	}

	childVersion := s.ChildVersion
	if len(ops) > 0 {
		childVersion++
	}

	return NewSnapshot(s.Path, childVersion, list)
}

// storeOps translates record ops into one compare-and-swap over the whole
// record set below path.
func storeOps(path string, childVersion int64, ops []Op) []coordstore.Op {
	out := make([]coordstore.Op, 0, len(ops)+1)
	out = append(out, coordstore.CheckChildrenOp(path, childVersion))
	for _, op := range ops {
		recordPath := coordstore.JoinPath(path, op.Record.Name())
		switch op.Type {
		case OpAdd:
			out = append(out, coordstore.CreateOp(recordPath, nil))
		case OpDelete:
			out = append(out, coordstore.DeleteOp(recordPath, coordstore.AnyVersion))
		}
	}
	return out
}
