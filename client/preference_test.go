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
	"testing"

	"github.com/couchbase/stellar-router/common/topology"
	"github.com/stretchr/testify/require"
)

func replicaNames(replicas []*topology.Replica) []string {
	names := make([]string, len(replicas))
	for idx, r := range replicas {
		names[idx] = r.Name
	}
	return names
}

func testReplicas() []*topology.Replica {
	return []*topology.Replica{
		{Name: "r1", NodeName: "n1"},
		{Name: "r2", NodeName: "n2", Leader: true},
		{Name: "r3", NodeName: "n3"},
		{Name: "r4", NodeName: "n1"},
	}
}

func TestPreferLeader(t *testing.T) {
	replicas := testReplicas()
	require.Equal(t, []string{"r2", "r1", "r3", "r4"}, replicaNames(PreferLeader().Order(replicas)))
	require.Equal(t, []string{"r1", "r3", "r4", "r2"}, replicaNames(PreferNonLeader().Order(replicas)))

	// the input is left alone
	require.Equal(t, []string{"r1", "r2", "r3", "r4"}, replicaNames(replicas))
}

func TestPreferNode(t *testing.T) {
	ordered := PreferNode("n3", "n1").Order(testReplicas())
	require.Equal(t, []string{"r3", "r1", "r4", "r2"}, replicaNames(ordered))
}

func TestChainPreference(t *testing.T) {
	pref := ChainPreference(PreferNonLeader(), PreferNode("n1"))
	require.Equal(t, []string{"r1", "r4", "r3", "r2"}, replicaNames(pref.Order(testReplicas())))

	shuffled := ChainPreference(PreferLeader(), ShufflePreference{})
	for i := 0; i < 20; i++ {
		ordered := shuffled.Order(testReplicas())
		require.Equal(t, "r2", ordered[0].Name)
		require.ElementsMatch(t, []string{"r1", "r2", "r3", "r4"}, replicaNames(ordered))
	}
}

func TestStateToken(t *testing.T) {
	token := BuildStateToken([]*topology.Collection{
		{Name: "c1", Version: 5},
		{Name: "c2", Version: 12},
	})
	require.Equal(t, "c1:5|c2:12", token)

	parsed, err := ParseStateToken(token)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"c1": 5, "c2": 12}, parsed)

	parsed, err = ParseStateToken("")
	require.NoError(t, err)
	require.Empty(t, parsed)

	_, err = ParseStateToken("c1")
	require.Error(t, err)
	_, err = ParseStateToken("c1:x")
	require.Error(t, err)
}
