/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package coordstore

import "fmt"

type OpType int

const (
	OpCreate OpType = iota + 1
	OpDelete
	OpSet
	OpCheckChildren
)

func (t OpType) String() string {
	switch t {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpSet:
		return "set"
	case OpCheckChildren:
		return "check-children"
	}
	return fmt.Sprintf("op(%d)", int(t))
}

// Op is one element of an atomic multi-write.
type Op struct {
	Type OpType
	Path string
	Data []byte

	// Version is the expected data version for deletes and sets, or the
	// expected child version for child checks.  AnyVersion disables the
	// check for deletes and sets.
	Version int64

	// Ephemeral ties a created node to the lifetime of the client session.
	Ephemeral bool
}

func CreateOp(path string, data []byte) Op {
	return Op{Type: OpCreate, Path: CleanPath(path), Data: data}
}

func CreateEphemeralOp(path string, data []byte) Op {
	return Op{Type: OpCreate, Path: CleanPath(path), Data: data, Ephemeral: true}
}

func DeleteOp(path string, version int64) Op {
	return Op{Type: OpDelete, Path: CleanPath(path), Version: version}
}

func SetOp(path string, data []byte, version int64) Op {
	return Op{Type: OpSet, Path: CleanPath(path), Data: data, Version: version}
}

// CheckChildrenOp fails the multi-write unless the child version of path is
// still childVersion.
func CheckChildrenOp(path string, childVersion int64) Op {
	return Op{Type: OpCheckChildren, Path: CleanPath(path), Version: childVersion}
}

func (o Op) String() string {
	return fmt.Sprintf("%s %s", o.Type, o.Path)
}
