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
	"fmt"
	"strconv"
	"strings"

	"github.com/couchbase/stellar-router/common/topology"
)

// BuildStateToken encodes the collection versions a request was routed with
// as name:version|name:version.
func BuildStateToken(colls []*topology.Collection) string {
	parts := make([]string, 0, len(colls))
	for _, coll := range colls {
		parts = append(parts, coll.Name+":"+strconv.FormatInt(coll.Version, 10))
	}
	return strings.Join(parts, "|")
}

func ParseStateToken(token string) (map[string]int64, error) {
	out := make(map[string]int64)
	if token == "" {
		return out, nil
	}

	for _, part := range strings.Split(token, "|") {
		idx := strings.LastIndexByte(part, ':')
		if idx <= 0 {
			return nil, fmt.Errorf("invalid state token entry %q", part)
		}

		version, err := strconv.ParseInt(part[idx+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid state token entry %q: %w", part, err)
		}
		out[part[:idx]] = version
	}

	return out, nil
}
