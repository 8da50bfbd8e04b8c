/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"strings"
)

// Aliases maps alias names onto ordered lists of collection names.
type Aliases struct {
	Version int64
	aliases map[string][]string
}

func NewAliases(version int64, aliases map[string][]string) *Aliases {
	cloned := make(map[string][]string, len(aliases))
	for name, colls := range aliases {
		cloned[name] = append([]string(nil), colls...)
	}
	return &Aliases{Version: version, aliases: cloned}
}

// ParseAliasList splits the comma separated stored form of an alias.
func ParseAliasList(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Resolve expands name into collection names.  A name that is not an alias
// resolves to itself; names are resolved across nested aliases with
// duplicates removed.
func (a *Aliases) Resolve(name string) []string {
	if a == nil {
		return []string{name}
	}

	var out []string
	seen := make(map[string]struct{})
	var walk func(n string, depth int)
	walk = func(n string, depth int) {
		colls, ok := a.aliases[n]
		if !ok || depth > 8 {
			if _, dup := seen[n]; !dup {
				seen[n] = struct{}{}
				out = append(out, n)
			}
			return
		}
		for _, c := range colls {
			walk(c, depth+1)
		}
	}
	walk(name, 0)

	return out
}

func (a *Aliases) IsAlias(name string) bool {
	if a == nil {
		return false
	}
	_, ok := a.aliases[name]
	return ok
}

func (a *Aliases) Map() map[string][]string {
	out := make(map[string][]string)
	if a == nil {
		return out
	}
	for name, colls := range a.aliases {
		out[name] = append([]string(nil), colls...)
	}
	return out
}
