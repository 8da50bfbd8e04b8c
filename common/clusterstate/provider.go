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
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/stellar-router/common/replicastate"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/couchbase/stellar-router/contrib/coordstore"
	"go.uber.org/zap"
)

type StoreProviderOptions struct {
	Store  coordstore.Store
	Logger *zap.Logger
}

// StoreProvider reads collection topology and aliases from the coordination
// store, overlaying per-replica state records on the stored cluster state.
type StoreProvider struct {
	store  coordstore.Store
	logger *zap.Logger
}

var _ topology.Provider = (*StoreProvider)(nil)
var _ topology.AliasProvider = (*StoreProvider)(nil)

func NewStoreProvider(opts StoreProviderOptions) (*StoreProvider, error) {
	if opts.Store == nil {
		return nil, errors.New("coordination store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StoreProvider{
		store:  opts.Store,
		logger: logger,
	}, nil
}

func (p *StoreProvider) FetchCollection(ctx context.Context, name string) (*topology.Collection, error) {
	node, err := p.store.Get(ctx, StatePath(name))
	if errors.Is(err, coordstore.ErrNoNode) {
		return nil, fmt.Errorf("%w: %s", topology.ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	coll, err := DecodeCollection(node.Data, node.Version)
	if err != nil {
		return nil, err
	}

	if !coll.PerReplicaState && len(node.Children) == 0 {
		return coll, nil
	}

	snap := replicastate.NewSnapshot(node.Path, node.ChildVersion, node.Children)
	if len(snap.Invalid) > 0 {
		p.logger.Warn("ignoring malformed replica state records",
			zap.String("collection", name),
			zap.Strings("records", snap.Invalid))
	}

	return coll.WithReplicaStatus(snap.Statuses(), node.ChildVersion), nil
}

func (p *StoreProvider) FetchAliases(ctx context.Context) (*topology.Aliases, error) {
	node, err := p.store.Get(ctx, AliasesPath)
	if errors.Is(err, coordstore.ErrNoNode) {
		return topology.NewAliases(-1, nil), nil
	}
	if err != nil {
		return nil, err
	}

	return DecodeAliases(node.Data, node.Version)
}

// ListCollections returns the names of every stored collection.
func (p *StoreProvider) ListCollections(ctx context.Context) ([]string, error) {
	node, err := p.store.Get(ctx, CollectionsPath)
	if errors.Is(err, coordstore.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return node.Children, nil
}

// CreateCollection stores the cluster state of a new collection.
func (p *StoreProvider) CreateCollection(ctx context.Context, coll *topology.Collection) error {
	data, err := EncodeCollection(coll)
	if err != nil {
		return err
	}
	return p.store.Multi(ctx, coordstore.CreateOp(StatePath(coll.Name), data))
}

// UpdateCollection replaces the cluster state of a collection, provided it is
// still at the version coll was read at.
func (p *StoreProvider) UpdateCollection(ctx context.Context, coll *topology.Collection) error {
	data, err := EncodeCollection(coll)
	if err != nil {
		return err
	}
	return p.store.Multi(ctx, coordstore.SetOp(StatePath(coll.Name), data, coll.Version))
}

// SetAliases writes the alias table.  version is the version previously read,
// or -1 to create the table.
func (p *StoreProvider) SetAliases(ctx context.Context, aliases *topology.Aliases) error {
	data, err := EncodeAliases(aliases)
	if err != nil {
		return err
	}
	if aliases.Version < 0 {
		return p.store.Multi(ctx, coordstore.CreateOp(AliasesPath, data))
	}
	return p.store.Multi(ctx, coordstore.SetOp(AliasesPath, data, aliases.Version))
}
