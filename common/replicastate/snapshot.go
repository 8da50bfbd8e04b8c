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
	"sort"

	"github.com/couchbase/stellar-router/common/topology"
)

type entry struct {
	current    Record
	duplicates []Record
}

// Snapshot is an immutable view of the per-replica records below one path,
// as of ChildVersion.
type Snapshot struct {
	Path         string
	ChildVersion int64

	entries map[string]*entry

	// Invalid holds child names which could not be parsed as records.
	Invalid []string
}

func NewSnapshot(path string, childVersion int64, names []string) *Snapshot {
	s := &Snapshot{
		Path:         path,
		ChildVersion: childVersion,
		entries:      make(map[string]*entry),
	}

	for _, name := range names {
		record, err := ParseRecord(name)
		if err != nil {
			s.Invalid = append(s.Invalid, name)
			continue
		}

		e, ok := s.entries[record.Replica]
		if !ok {
			s.entries[record.Replica] = &entry{current: record}
			continue
		}

		if record.newer(e.current) {
			e.duplicates = append(e.duplicates, e.current)
			e.current = record
		} else {
			e.duplicates = append(e.duplicates, record)
		}
	}

	for _, e := range s.entries {
		sort.Slice(e.duplicates, func(i, j int) bool {
			return e.duplicates[i].newer(e.duplicates[j])
		})
	}

	return s
}

// Get returns the authoritative record of a replica.
func (s *Snapshot) Get(replica string) (Record, bool) {
	e, ok := s.entries[replica]
	if !ok {
		return Record{}, false
	}
	return e.current, true
}

// Duplicates returns the superseded records still present for a replica,
// newest first.
func (s *Snapshot) Duplicates(replica string) []Record {
	e, ok := s.entries[replica]
	if !ok {
		return nil
	}
	return append([]Record(nil), e.duplicates...)
}

func (s *Snapshot) Replicas() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Records returns the authoritative record of every replica, ordered by
// replica name.
func (s *Snapshot) Records() []Record {
	out := make([]Record, 0, len(s.entries))
	for _, name := range s.Replicas() {
		out = append(out, s.entries[name].current)
	}
	return out
}

// Names returns every record name present, duplicates included, sorted.
func (s *Snapshot) Names() []string {
	var out []string
	for _, e := range s.entries {
		out = append(out, e.current.Name())
		for _, dup := range e.duplicates {
			out = append(out, dup.Name())
		}
	}
	sort.Strings(out)
	return out
}

// Leaders returns the replicas whose authoritative record carries the
// leader flag.
func (s *Snapshot) Leaders() []string {
	var out []string
	for _, name := range s.Replicas() {
		if s.entries[name].current.Leader {
			out = append(out, name)
		}
	}
	return out
}

func (s *Snapshot) Statuses() map[string]topology.ReplicaStatus {
	out := make(map[string]topology.ReplicaStatus, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.current.Status()
	}
	return out
}
