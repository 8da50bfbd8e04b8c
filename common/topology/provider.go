/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import "context"

// Provider reads collection topology from the source of truth.  Every call
// is one read; ErrCollectionNotFound is returned for unknown collections.
type Provider interface {
	FetchCollection(ctx context.Context, name string) (*Collection, error)
}

// AliasProvider reads the alias table.
type AliasProvider interface {
	FetchAliases(ctx context.Context) (*Aliases, error)
}
