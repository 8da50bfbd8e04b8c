/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package coordstore

import (
	"errors"
	"fmt"
)

var (
	ErrNoNode      = errors.New("node does not exist")
	ErrNodeExists  = errors.New("node already exists")
	ErrBadVersion  = errors.New("node version mismatch")
	ErrNotEmpty    = errors.New("node has children")
	ErrConflict    = errors.New("conflicting concurrent modification")
	ErrUnavailable = errors.New("coordination store unavailable")
	ErrClosed      = errors.New("store closed")
)

// OpError describes the failure of a multi-write.  Index is the position of
// the failing op, or -1 when the backend cannot tell which op failed.
type OpError struct {
	Index int
	Op    Op
	Err   error
}

func (e *OpError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("multi-write failed: %s", e.Err)
	}
	return fmt.Sprintf("multi-write failed at op %d (%s): %s", e.Index, e.Op, e.Err)
}

// Unwrap exposes both ErrConflict and the precise cause.
func (e *OpError) Unwrap() []error {
	return []error{ErrConflict, e.Err}
}
