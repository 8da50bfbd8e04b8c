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
	"fmt"
	"strconv"
	"strings"

	"github.com/couchbase/stellar-router/common/topology"
)

// Record is one per-replica state record.  The record's full content is
// encoded in its name, <replica>:<version>:<state>[:L].
type Record struct {
	Replica string
	Version int64
	State   topology.ReplicaState
	Leader  bool
}

func (r Record) Name() string {
	name := fmt.Sprintf("%s:%d:%s", r.Replica, r.Version, r.State.ShortCode())
	if r.Leader {
		name += ":L"
	}
	return name
}

func (r Record) String() string {
	return r.Name()
}

// Status converts the record to the topology overlay form.
func (r Record) Status() topology.ReplicaStatus {
	return topology.ReplicaStatus{
		State:   r.State,
		Leader:  r.Leader,
		Version: r.Version,
	}
}

func ParseRecord(name string) (Record, error) {
	parts := strings.Split(name, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return Record{}, fmt.Errorf("invalid replica state record %q", name)
	}

	if parts[0] == "" {
		return Record{}, fmt.Errorf("invalid replica state record %q: empty replica name", name)
	}

	version, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || version < 0 {
		return Record{}, fmt.Errorf("invalid replica state record %q: bad version", name)
	}

	if len(parts[2]) != 1 {
		return Record{}, fmt.Errorf("invalid replica state record %q: bad state", name)
	}
	state, err := topology.ParseReplicaState(parts[2])
	if err != nil {
		return Record{}, fmt.Errorf("invalid replica state record %q: %w", name, err)
	}

	leader := false
	if len(parts) == 4 {
		if parts[3] != "L" {
			return Record{}, fmt.Errorf("invalid replica state record %q: bad leader flag", name)
		}
		leader = true
	}

	return Record{
		Replica: parts[0],
		Version: version,
		State:   state,
		Leader:  leader,
	}, nil
}

// newer reports whether r supersedes o for the same replica.
func (r Record) newer(o Record) bool {
	if r.Version != o.Version {
		return r.Version > o.Version
	}
	return r.Name() > o.Name()
}
