/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/couchbase/stellar-router/common/topology"
)

var (
	ErrCommunicationFailure = errors.New("communication failure")
	ErrRejected             = errors.New("request rejected")
	ErrServerUnavailable    = errors.New("server unavailable")
	ErrStaleTopology        = errors.New("stale topology")
)

// StatusStaleState is returned by servers which found the request's state
// token out of date.
const StatusStaleState = 510

type ErrorKind int

const (
	KindConnectionFailure ErrorKind = iota + 1
	KindTimeout
	KindRejected
	KindServerUnavailable
	KindStaleState
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionFailure:
		return "connection-failure"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindServerUnavailable:
		return "server-unavailable"
	case KindStaleState:
		return "stale-state"
	}
	return "unknown"
}

// ExecError is the failure of a single Execute call.
type ExecError struct {
	Kind       ErrorKind
	Endpoint   topology.Endpoint
	StatusCode int

	// StaleVersions is set for KindStaleState.
	StaleVersions map[string]int64

	Err error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s from %s", e.Kind, e.Endpoint)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) kindError() error {
	switch e.Kind {
	case KindConnectionFailure, KindTimeout:
		return ErrCommunicationFailure
	case KindRejected:
		return ErrRejected
	case KindServerUnavailable:
		return ErrServerUnavailable
	case KindStaleState:
		return ErrStaleTopology
	}
	return nil
}

func (e *ExecError) Unwrap() []error {
	var errs []error
	if kindErr := e.kindError(); kindErr != nil {
		errs = append(errs, kindErr)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether the same request may be sent to another
// endpoint.
func (e *ExecError) Retryable() bool {
	switch e.Kind {
	case KindConnectionFailure, KindTimeout, KindServerUnavailable:
		return true
	}
	return false
}

// KindForStatus classifies a non-success HTTP status.
func KindForStatus(statusCode int) ErrorKind {
	switch statusCode {
	case http.StatusNotFound, http.StatusForbidden,
		http.StatusInternalServerError, http.StatusServiceUnavailable:
		return KindServerUnavailable
	case StatusStaleState:
		return KindStaleState
	}
	return KindRejected
}
