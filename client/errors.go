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
	"errors"
	"fmt"
	"strings"

	"github.com/couchbase/stellar-router/common/topology"
)

var (
	ErrBadRequest    = errors.New("bad request")
	ErrTooManyErrors = errors.New("too many document errors")
)

// RouteFailure is the failure of one sub-request.
type RouteFailure struct {
	// Shard is empty for the non-routable part of an update.
	Shard     string
	Endpoints []topology.Endpoint
	Err       error
}

func (f *RouteFailure) Error() string {
	eps := make([]string, len(f.Endpoints))
	for idx, ep := range f.Endpoints {
		eps[idx] = ep.String()
	}

	target := f.Shard
	if target == "" {
		target = "leaders"
	}
	return fmt.Sprintf("%s [%s]: %s", target, strings.Join(eps, ", "), f.Err)
}

func (f *RouteFailure) Unwrap() error {
	return f.Err
}

// RouteError aggregates the failed sub-requests of a routed request.
type RouteError struct {
	Collection string
	Failures   []*RouteFailure
}

func (e *RouteError) Error() string {
	parts := make([]string, len(e.Failures))
	for idx, f := range e.Failures {
		parts[idx] = f.Error()
	}
	return fmt.Sprintf("routing %s failed on %d route(s): %s",
		e.Collection, len(e.Failures), strings.Join(parts, "; "))
}

func (e *RouteError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for idx, f := range e.Failures {
		errs[idx] = f
	}
	return errs
}
