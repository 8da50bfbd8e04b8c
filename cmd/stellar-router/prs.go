/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/couchbase/stellar-router/common/clusterstate"
	"github.com/couchbase/stellar-router/common/replicastate"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var prsTimeout time.Duration

var prsCmd = &cobra.Command{
	Use:   "prs",
	Short: "Inspects and changes per-replica state of a collection",
}

func init() {
	prsCmd.PersistentFlags().DurationVar(&prsTimeout, "timeout", 30*time.Second, "the deadline of the whole operation")

	prsCmd.AddCommand(&cobra.Command{
		Use:   "show <collection>",
		Short: "Lists the per-replica state records of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrs(func(ctx context.Context, env *prsEnv) error {
				return env.show(ctx, args[0])
			})
		},
	})

	prsCmd.AddCommand(&cobra.Command{
		Use:   "enable <collection>",
		Short: "Switches a collection to per-replica state records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrs(func(ctx context.Context, env *prsEnv) error {
				return env.enable(ctx, args[0])
			})
		},
	})

	prsCmd.AddCommand(&cobra.Command{
		Use:   "disable <collection>",
		Short: "Folds per-replica state back into the collection state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrs(func(ctx context.Context, env *prsEnv) error {
				return env.disable(ctx, args[0])
			})
		},
	})

	prsCmd.AddCommand(&cobra.Command{
		Use:   "flip-state <collection> <replica> <state>",
		Short: "Sets the state of one replica",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := topology.ParseReplicaState(args[2])
			if err != nil {
				return err
			}
			return withPrs(func(ctx context.Context, env *prsEnv) error {
				return env.coordinator.FlipState(ctx, clusterstate.StatePath(args[0]), args[1], state)
			})
		},
	})

	prsCmd.AddCommand(&cobra.Command{
		Use:   "flip-leader <collection> <replica>",
		Short: "Moves the leadership of a shard to one of its replicas",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrs(func(ctx context.Context, env *prsEnv) error {
				return env.flipLeader(ctx, args[0], args[1])
			})
		},
	})

	prsCmd.AddCommand(&cobra.Command{
		Use:   "down <collection> <replica>...",
		Short: "Marks replicas as down",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrs(func(ctx context.Context, env *prsEnv) error {
				return env.coordinator.DownReplicas(ctx, clusterstate.StatePath(args[0]), args[1:])
			})
		},
	})
}

type prsEnv struct {
	logger      *zap.Logger
	provider    *clusterstate.StoreProvider
	coordinator *replicastate.Coordinator
}

func withPrs(fn func(ctx context.Context, env *prsEnv) error) error {
	logLevel, logger := getLogger()
	applyLogLevel(logger, logLevel, viper.GetString("log-level"))

	ctx, cancel := context.WithTimeout(context.Background(), prsTimeout)
	defer cancel()

	etcdClient, store, err := openStore(ctx, logger, readStoreConfig())
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
		_ = etcdClient.Close()
	}()

	provider, err := clusterstate.NewStoreProvider(clusterstate.StoreProviderOptions{
		Store:  store,
		Logger: logger.Named("cluster-state"),
	})
	if err != nil {
		return err
	}

	coordinator, err := replicastate.NewCoordinator(replicastate.CoordinatorOptions{
		Store:  store,
		Logger: logger.Named("replica-state"),
	})
	if err != nil {
		return err
	}

	return fn(ctx, &prsEnv{
		logger:      logger,
		provider:    provider,
		coordinator: coordinator,
	})
}

func (e *prsEnv) show(ctx context.Context, collection string) error {
	snap, err := e.coordinator.Snapshot(ctx, clusterstate.StatePath(collection))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "REPLICA\tVERSION\tSTATE\tLEADER\tDUPLICATES\n")
	for _, rec := range snap.Records() {
		fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%d\n",
			rec.Replica, rec.Version, rec.State, rec.Leader, len(snap.Duplicates(rec.Replica)))
	}
	for _, name := range snap.Invalid {
		fmt.Fprintf(w, "%s\t-\tinvalid\t-\t-\n", name)
	}
	fmt.Fprintf(w, "child version %d\n", snap.ChildVersion)

	return w.Flush()
}

func (e *prsEnv) enable(ctx context.Context, collection string) error {
	coll, err := e.provider.FetchCollection(ctx, collection)
	if err != nil {
		return err
	}

	if coll.PerReplicaState {
		e.logger.Info("per-replica state already enabled", zap.String("collection", collection))
		return nil
	}

	err = e.coordinator.Enable(ctx, clusterstate.StatePath(collection), coll)
	if err != nil {
		return err
	}

	// Records first, so the flag is never set without them.
	enabled := *coll
	enabled.PerReplicaState = true
	return e.provider.UpdateCollection(ctx, &enabled)
}

func (e *prsEnv) disable(ctx context.Context, collection string) error {
	coll, err := e.provider.FetchCollection(ctx, collection)
	if err != nil {
		return err
	}

	if coll.PerReplicaState {
		// The fetched view carries the record overlay.
		disabled := *coll
		disabled.PerReplicaState = false
		err = e.provider.UpdateCollection(ctx, &disabled)
		if err != nil {
			return err
		}
	}

	return e.coordinator.Disable(ctx, clusterstate.StatePath(collection))
}

func (e *prsEnv) flipLeader(ctx context.Context, collection string, next string) error {
	coll, err := e.provider.FetchCollection(ctx, collection)
	if err != nil {
		return err
	}

	replica := coll.Replica(next)
	if replica == nil {
		return fmt.Errorf("replica %s not found in collection %s", next, collection)
	}

	shard := coll.Shard(replica.Shard)
	if shard == nil {
		return fmt.Errorf("shard %s not found in collection %s", replica.Shard, collection)
	}

	names := make([]string, 0, len(shard.Replicas))
	for _, r := range shard.Replicas {
		names = append(names, r.Name)
	}

	return e.coordinator.FlipLeader(ctx, clusterstate.StatePath(collection), names, next)
}
