/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package loadbalancer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/couchbase/stellar-router/common/topology"
)

var (
	ErrNoEndpointsAvailable  = errors.New("no endpoints available")
	ErrTimeAllowanceExceeded = errors.New("time allowance exceeded")
	ErrClosed                = errors.New("dispatcher closed")
)

// DispatchError is returned when no candidate endpoint served a request.
type DispatchError struct {
	// Err is ErrNoEndpointsAvailable, ErrTimeAllowanceExceeded or the
	// terminal failure of the last endpoint tried.
	Err error

	// Cause is the last endpoint failure seen, when Err is one of the
	// exhaustion errors.
	Cause error

	Tried []topology.Endpoint
}

func (e *DispatchError) Error() string {
	tried := make([]string, len(e.Tried))
	for idx, ep := range e.Tried {
		tried[idx] = ep.String()
	}

	msg := fmt.Sprintf("dispatch failed after trying [%s]: %s", strings.Join(tried, ", "), e.Err)
	if e.Cause != nil {
		msg += ", last error: " + e.Cause.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}
