/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import "strings"

// Endpoint is a network-addressable target, either a node base URL or a
// core/collection scoped URL below it.
type Endpoint struct {
	BaseURL string
	Core    string
}

func NewEndpoint(baseURL string) Endpoint {
	return Endpoint{BaseURL: strings.TrimSuffix(baseURL, "/")}
}

// WithCore returns the endpoint scoped to the named core or collection.
func (e Endpoint) WithCore(core string) Endpoint {
	return Endpoint{BaseURL: e.BaseURL, Core: core}
}

// NodeEndpoint drops any core scope.
func (e Endpoint) NodeEndpoint() Endpoint {
	return Endpoint{BaseURL: e.BaseURL}
}

func (e Endpoint) IsZero() bool {
	return e.BaseURL == ""
}

func (e Endpoint) String() string {
	if e.Core == "" {
		return e.BaseURL
	}
	return e.BaseURL + "/" + e.Core
}

// Compare orders endpoints by base URL and then core.
func (e Endpoint) Compare(o Endpoint) int {
	if c := strings.Compare(e.BaseURL, o.BaseURL); c != 0 {
		return c
	}
	return strings.Compare(e.Core, o.Core)
}
