/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package clusterstate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/couchbase/stellar-router/common/topology"
)

const (
	CollectionsPath = "/collections"
	AliasesPath     = "/aliases.json"
)

// StatePath is where the cluster state of a collection is stored.  When
// per-replica state is enabled its children are the replica state records.
func StatePath(collection string) string {
	return CollectionsPath + "/" + collection + "/state.json"
}

type jsonRouter struct {
	Name  string `json:"name"`
	Field string `json:"field,omitempty"`
}

type jsonReplica struct {
	Core     string `json:"core"`
	NodeName string `json:"node_name"`
	BaseURL  string `json:"base_url"`
	State    string `json:"state"`
	Leader   string `json:"leader,omitempty"`
}

type jsonShard struct {
	Range    string                  `json:"range,omitempty"`
	Replicas map[string]*jsonReplica `json:"replicas"`
}

type jsonCollection struct {
	Name            string                `json:"name"`
	Router          jsonRouter            `json:"router"`
	PerReplicaState bool                  `json:"perReplicaState,omitempty"`
	Shards          map[string]*jsonShard `json:"shards"`
}

// DecodeCollection parses a stored cluster state document.  version is the
// store version of the document.
func DecodeCollection(data []byte, version int64) (*topology.Collection, error) {
	var doc jsonCollection
	err := json.Unmarshal(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster state: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("invalid cluster state: missing collection name")
	}

	shardNames := make([]string, 0, len(doc.Shards))
	for name := range doc.Shards {
		shardNames = append(shardNames, name)
	}
	sort.Strings(shardNames)

	shards := make([]*topology.Shard, 0, len(shardNames))
	for _, shardName := range shardNames {
		jshard := doc.Shards[shardName]
		if jshard == nil {
			return nil, fmt.Errorf("invalid cluster state: shard %s is null", shardName)
		}

		var hashRange *topology.HashRange
		if jshard.Range != "" {
			rng, err := topology.ParseHashRange(jshard.Range)
			if err != nil {
				return nil, fmt.Errorf("invalid cluster state for shard %s: %w", shardName, err)
			}
			hashRange = &rng
		}

		replicas := make([]*topology.Replica, 0, len(jshard.Replicas))
		for replicaName, jreplica := range jshard.Replicas {
			if jreplica == nil {
				return nil, fmt.Errorf("invalid cluster state: replica %s is null", replicaName)
			}

			state, err := topology.ParseReplicaState(jreplica.State)
			if err != nil {
				return nil, fmt.Errorf("invalid cluster state for replica %s: %w", replicaName, err)
			}

			leader := false
			if jreplica.Leader != "" {
				leader, err = strconv.ParseBool(jreplica.Leader)
				if err != nil {
					return nil, fmt.Errorf("invalid cluster state for replica %s: bad leader flag", replicaName)
				}
			}

			replicas = append(replicas, &topology.Replica{
				Name:     replicaName,
				Core:     jreplica.Core,
				NodeName: jreplica.NodeName,
				BaseURL:  jreplica.BaseURL,
				State:    state,
				Leader:   leader,
				Version:  -1,
			})
		}

		shards = append(shards, topology.NewShard(shardName, hashRange, replicas))
	}

	return &topology.Collection{
		Name:            doc.Name,
		RouterName:      doc.Router.Name,
		RouterField:     doc.Router.Field,
		Shards:          shards,
		Version:         version,
		PerReplicaState: doc.PerReplicaState,
	}, nil
}

// EncodeCollection renders the stored form of a collection.  Replica state
// versions are not part of it.
func EncodeCollection(coll *topology.Collection) ([]byte, error) {
	routerName := coll.RouterName
	if routerName == "" {
		routerName = topology.RouterCompositeID
	}

	doc := jsonCollection{
		Name: coll.Name,
		Router: jsonRouter{
			Name:  routerName,
			Field: coll.RouterField,
		},
		PerReplicaState: coll.PerReplicaState,
		Shards:          make(map[string]*jsonShard, len(coll.Shards)),
	}

	for _, shard := range coll.Shards {
		jshard := &jsonShard{
			Replicas: make(map[string]*jsonReplica, len(shard.Replicas)),
		}
		if shard.Range != nil {
			jshard.Range = shard.Range.String()
		}

		for _, replica := range shard.Replicas {
			jreplica := &jsonReplica{
				Core:     replica.Core,
				NodeName: replica.NodeName,
				BaseURL:  replica.BaseURL,
				State:    replica.State.String(),
			}
			if replica.Leader {
				jreplica.Leader = "true"
			}
			jshard.Replicas[replica.Name] = jreplica
		}

		doc.Shards[shard.Name] = jshard
	}

	return json.Marshal(doc)
}

type jsonAliases struct {
	Collection map[string]string `json:"collection"`
}

func DecodeAliases(data []byte, version int64) (*topology.Aliases, error) {
	if len(data) == 0 {
		return topology.NewAliases(version, nil), nil
	}

	var doc jsonAliases
	err := json.Unmarshal(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("invalid aliases: %w", err)
	}

	aliases := make(map[string][]string, len(doc.Collection))
	for alias, list := range doc.Collection {
		aliases[alias] = topology.ParseAliasList(list)
	}

	return topology.NewAliases(version, aliases), nil
}

func EncodeAliases(aliases *topology.Aliases) ([]byte, error) {
	doc := jsonAliases{Collection: make(map[string]string)}
	for alias, colls := range aliases.Map() {
		doc.Collection[alias] = strings.Join(colls, ",")
	}
	return json.Marshal(doc)
}
