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
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/stellar-router/client/loadbalancer"
	"github.com/couchbase/stellar-router/client/transport"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/couchbase/stellar-router/contrib/coordstore"
	"github.com/couchbase/stellar-router/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher sends one request to the first candidate endpoint that serves
// it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *transport.Request, candidates []topology.Endpoint) (*transport.Response, topology.Endpoint, error)
}

var _ Dispatcher = (*loadbalancer.Dispatcher)(nil)

type RoutingClientOptions struct {
	Logger     *zap.Logger
	Cache      *topology.Cache
	Dispatcher Dispatcher

	// Aliases is optional; without it collection names are used as given.
	Aliases topology.AliasProvider

	// AliasTTL is how long a fetched alias table is reused.  Defaults to 5s.
	AliasTTL time.Duration

	// LiveNodes is optional; replicas on nodes it reports as not live are
	// skipped.
	LiveNodes topology.LiveNodeSet

	// Store is optional; when set, opened collections are watched and their
	// cache entries flagged as soon as their state changes.
	Store coordstore.Store

	// Preference orders replicas for queries and for the replicas following
	// the leader on updates.  Defaults to ShufflePreference.
	Preference ReplicaPreference

	// LeaderDirect sends update sub-requests to the shard leader only.
	LeaderDirect bool

	// ParallelUpdates dispatches per-shard sub-requests concurrently, at
	// most MaxParallelism (default 8) at a time.
	ParallelUpdates bool
	MaxParallelism  int

	// MaxStaleRetries bounds the re-routes after stale state or
	// communication failures.  Defaults to 5.
	MaxStaleRetries int

	// MaxToleratedErrors is the number of per-document errors an update may
	// report and still succeed.  Negative tolerates any number.
	MaxToleratedErrors int

	// Now overrides the clock the time allowance is measured on, for tests.
	Now func() time.Time
}

type routingClient_Collection struct {
	RefCount uint
	Watcher  *collectionWatcher
}

// RoutingClient routes requests against collections onto the shards and
// replicas serving them, re-routing when its cached topology proves stale.
type RoutingClient struct {
	logger             *zap.Logger
	metrics            *metrics.RouterMetrics
	cache              *topology.Cache
	dispatcher         Dispatcher
	aliasProvider      topology.AliasProvider
	aliasTTL           time.Duration
	liveNodes          topology.LiveNodeSet
	store              coordstore.Store
	preference         ReplicaPreference
	leaderDirect       bool
	parallelUpdates    bool
	maxParallelism     int
	maxStaleRetries    int
	maxToleratedErrors int
	now                func() time.Time

	aliasLock      sync.Mutex
	aliases        *topology.Aliases
	aliasFetchedAt time.Time

	lock        sync.Mutex
	collections map[string]*routingClient_Collection
}

func NewRoutingClient(opts RoutingClientOptions) (*RoutingClient, error) {
	if opts.Cache == nil {
		return nil, errors.New("topology cache is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	c := &RoutingClient{
		logger:             opts.Logger,
		metrics:            metrics.GetRouterMetrics(),
		cache:              opts.Cache,
		dispatcher:         opts.Dispatcher,
		aliasProvider:      opts.Aliases,
		aliasTTL:           opts.AliasTTL,
		liveNodes:          opts.LiveNodes,
		store:              opts.Store,
		preference:         opts.Preference,
		leaderDirect:       opts.LeaderDirect,
		parallelUpdates:    opts.ParallelUpdates,
		maxParallelism:     opts.MaxParallelism,
		maxStaleRetries:    opts.MaxStaleRetries,
		maxToleratedErrors: opts.MaxToleratedErrors,
		now:                opts.Now,
		collections:        make(map[string]*routingClient_Collection),
	}

	err := c.init()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *RoutingClient) init() error {
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.aliasTTL <= 0 {
		c.aliasTTL = 5 * time.Second
	}
	if c.preference == nil {
		c.preference = ShufflePreference{}
	}
	if c.maxParallelism <= 0 {
		c.maxParallelism = 8
	}
	if c.maxStaleRetries <= 0 {
		c.maxStaleRetries = 5
	}
	if c.now == nil {
		c.now = time.Now
	}

	return nil
}

// OpenCollection starts watching a collection's state so that changes flag
// its cache entry immediately.  It does nothing without a Store.
func (c *RoutingClient) OpenCollection(name string) {
	if c.store == nil {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	coll := c.collections[name]
	if coll != nil {
		coll.RefCount++
		return
	}

	watcher := newCollectionWatcher(&collectionWatcherOptions{
		Store:      c.store,
		Collection: name,
		OnChange: func(collection string) {
			c.cache.MarkMaybeStale(collection)
		},
		Logger: c.logger.Named("watcher"),
	})
	c.collections[name] = &routingClient_Collection{
		RefCount: 1,
		Watcher:  watcher,
	}
}

func (c *RoutingClient) CloseCollection(name string) {
	c.lock.Lock()
	coll := c.collections[name]
	if coll == nil {
		c.lock.Unlock()
		c.logger.Warn("closed an unopened collection", zap.String("collection", name))
		return
	}

	coll.RefCount--
	if coll.RefCount > 0 {
		// there are still references, carry on
		c.lock.Unlock()
		return
	}
	delete(c.collections, name)
	c.lock.Unlock()

	coll.Watcher.Close()
}

// Close stops all collection watchers.
func (c *RoutingClient) Close() error {
	c.lock.Lock()
	collections := c.collections
	c.collections = make(map[string]*routingClient_Collection)
	c.lock.Unlock()

	for _, coll := range collections {
		coll.Watcher.Close()
	}
	return nil
}

func (c *RoutingClient) loadAliases(ctx context.Context) (*topology.Aliases, error) {
	if c.aliasProvider == nil {
		return nil, nil
	}

	c.aliasLock.Lock()
	defer c.aliasLock.Unlock()

	if c.aliases != nil && time.Since(c.aliasFetchedAt) < c.aliasTTL {
		return c.aliases, nil
	}

	aliases, err := c.aliasProvider.FetchAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch aliases: %w", err)
	}

	c.aliases = aliases
	c.aliasFetchedAt = time.Now()
	return aliases, nil
}

// ResolveCollections expands aliases into distinct collection names.
func (c *RoutingClient) ResolveCollections(ctx context.Context, names ...string) ([]string, error) {
	aliases, err := c.loadAliases(ctx)
	if err != nil {
		return nil, err
	}

	var out []string
	seen := make(map[string]struct{})
	for _, name := range names {
		for _, coll := range aliases.Resolve(name) {
			if _, dup := seen[coll]; dup {
				continue
			}
			seen[coll] = struct{}{}
			out = append(out, coll)
		}
	}

	return out, nil
}

// Route executes req against the named collections or aliases.  When no
// names are given the request's Collection is used.
func (c *RoutingClient) Route(ctx context.Context, req *transport.Request, collections ...string) (*transport.Response, error) {
	start := time.Now()
	kindAttr := metrics.Attrs("kind", req.Kind.String())
	c.metrics.RouteRequests.Add(ctx, 1, kindAttr)
	defer func() {
		c.metrics.RouteDuration.Record(ctx, time.Since(start).Seconds(), kindAttr)
	}()

	if len(collections) == 0 && req.Collection != "" {
		collections = strings.Split(req.Collection, ",")
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("%w: no collection specified", ErrBadRequest)
	}

	names, err := c.ResolveCollections(ctx, collections...)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s resolves to no collection",
			ErrBadRequest, strings.Join(collections, ","))
	}
	if req.Kind == transport.KindUpdate && len(names) > 1 {
		return nil, fmt.Errorf("%w: non-routed multi-collection alias %s for update",
			ErrBadRequest, strings.Join(collections, ","))
	}

	if req.TimeAllowed > 0 && req.Deadline.IsZero() {
		req = req.Clone()
		req.Deadline = c.now().Add(req.TimeAllowed)
	}

	minVersions := make(map[string]int64)

	var lastErr error
	for attempt := 0; attempt <= c.maxStaleRetries; attempt++ {
		if attempt > 0 {
			if !req.Deadline.IsZero() && c.now().After(req.Deadline) {
				return nil, fmt.Errorf("%w after %d attempts: %w",
					loadbalancer.ErrTimeAllowanceExceeded, attempt, lastErr)
			}
			c.metrics.RouteRetries.Add(ctx, 1, kindAttr)
		}

		resp, colls, err := c.routeOnce(ctx, req, names, minVersions)
		if err == nil {
			if len(resp.StaleVersions) > 0 {
				// served fine, later requests pick up the newer state
				c.markStaleVersions(resp.StaleVersions, minVersions)
			}
			return resp, nil
		}
		lastErr = err

		if !c.handleFailure(req, err, colls, minVersions) {
			return nil, err
		}
		c.logger.Debug("re-routing request after failure",
			zap.Int("attempt", attempt+1),
			zap.Strings("collections", names),
			zap.Error(err))
	}

	return nil, lastErr
}

func (c *RoutingClient) markStaleVersions(versions map[string]int64, minVersions map[string]int64) {
	for name, version := range versions {
		c.cache.MarkMaybeStale(name)
		if version > minVersions[name] {
			minVersions[name] = version
		}
	}
}

// handleFailure decides whether a failed route is worth another attempt,
// and if so flags the cache entries that may have caused it.
func (c *RoutingClient) handleFailure(req *transport.Request, err error, colls []*topology.Collection, minVersions map[string]int64) bool {
	if errors.Is(err, loadbalancer.ErrTimeAllowanceExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	stale := staleVersionsOf(err)

	if !req.IsIdempotent() && hasAmbiguousFailure(err) {
		// the write may have been applied, it is not sent again
		c.markStaleVersions(stale, minVersions)
		c.markTriedStale(err, colls)
		return false
	}

	if len(stale) > 0 {
		c.markStaleVersions(stale, minVersions)
		return true
	}

	if errors.Is(err, topology.ErrNoSuchShard) {
		// the shard may have been created after the cached view was taken
		for _, coll := range colls {
			c.cache.MarkMaybeStale(coll.Name)
		}
		return true
	}

	if errors.Is(err, transport.ErrCommunicationFailure) ||
		errors.Is(err, loadbalancer.ErrNoEndpointsAvailable) {
		c.markTriedStale(err, colls)
		return true
	}

	return false
}

// markTriedStale flags the collections referencing an endpoint tried by the
// failed route, or all of them when none does.
func (c *RoutingClient) markTriedStale(err error, colls []*topology.Collection) {
	tried := triedEndpointsOf(err)

	marked := 0
	for _, coll := range colls {
		for _, ep := range tried {
			if coll.References(ep) {
				c.cache.MarkMaybeStale(coll.Name)
				marked++
				break
			}
		}
	}
	if marked == 0 {
		for _, coll := range colls {
			c.cache.MarkMaybeStale(coll.Name)
		}
	}
}

// hasAmbiguousFailure reports whether any failure in err reached a server
// without a definite outcome: a timeout or an unavailable server.
func hasAmbiguousFailure(err error) bool {
	var routeErr *RouteError
	if errors.As(err, &routeErr) {
		for _, f := range routeErr.Failures {
			if hasAmbiguousFailure(f.Err) {
				return true
			}
		}
		return false
	}

	var execErr *transport.ExecError
	if errors.As(err, &execErr) {
		return execErr.Kind == transport.KindTimeout || execErr.Kind == transport.KindServerUnavailable
	}
	return false
}

func staleVersionsOf(err error) map[string]int64 {
	out := make(map[string]int64)

	var visit func(err error)
	visit = func(err error) {
		var routeErr *RouteError
		if errors.As(err, &routeErr) {
			for _, f := range routeErr.Failures {
				visit(f.Err)
			}
			return
		}

		var execErr *transport.ExecError
		if errors.As(err, &execErr) && execErr.Kind == transport.KindStaleState {
			for name, version := range execErr.StaleVersions {
				if version > out[name] {
					out[name] = version
				}
			}
		}
	}
	visit(err)

	return out
}

func triedEndpointsOf(err error) []topology.Endpoint {
	var out []topology.Endpoint

	var routeErr *RouteError
	if errors.As(err, &routeErr) {
		for _, f := range routeErr.Failures {
			out = append(out, triedEndpointsOf(f.Err)...)
		}
		return out
	}

	var dispatchErr *loadbalancer.DispatchError
	if errors.As(err, &dispatchErr) {
		out = append(out, dispatchErr.Tried...)
	}
	return out
}

func (c *RoutingClient) routeOnce(ctx context.Context, req *transport.Request, names []string, minVersions map[string]int64) (*transport.Response, []*topology.Collection, error) {
	colls := make([]*topology.Collection, 0, len(names))
	for _, name := range names {
		coll, err := c.cache.Get(ctx, name, minVersions[name])
		if err != nil {
			return nil, colls, err
		}
		colls = append(colls, coll)
	}

	token := BuildStateToken(colls)

	switch req.Kind {
	case transport.KindUpdate:
		resp, err := c.routeUpdate(ctx, req, colls[0], token)
		return resp, colls, err
	case transport.KindAdmin:
		resp, err := c.routeAdmin(ctx, req, colls, token)
		return resp, colls, err
	}

	resp, err := c.routeQuery(ctx, req, colls, token)
	return resp, colls, err
}

type shardRoute struct {
	shard     string
	endpoints []topology.Endpoint
	req       *transport.Request
}

type routeResult struct {
	route *shardRoute
	resp  *transport.Response
	err   error
}

// leaderEndpoints lists the endpoints an update for shard may be sent to,
// the leader first.
func (c *RoutingClient) leaderEndpoints(coll *topology.Collection, shard *topology.Shard) ([]topology.Endpoint, error) {
	leader := shard.Leader()
	if leader == nil || leader.State != topology.StateActive ||
		(c.liveNodes != nil && !c.liveNodes.IsLive(leader.NodeName)) {
		return nil, fmt.Errorf("%w: shard %s of %s has no live leader",
			loadbalancer.ErrNoEndpointsAvailable, shard.Name, coll.Name)
	}

	endpoints := []topology.Endpoint{leader.Endpoint()}
	if c.leaderDirect {
		return endpoints, nil
	}

	for _, replica := range c.preference.Order(shard.ActiveReplicas(c.liveNodes)) {
		if replica.Name == leader.Name {
			continue
		}
		endpoints = append(endpoints, replica.Endpoint())
	}
	return endpoints, nil
}

func (c *RoutingClient) shuffledLeaders(coll *topology.Collection) []topology.Endpoint {
	var endpoints []topology.Endpoint
	for _, leader := range coll.Leaders() {
		if c.liveNodes != nil && !c.liveNodes.IsLive(leader.NodeName) {
			continue
		}
		endpoints = append(endpoints, leader.Endpoint())
	}
	rand.Shuffle(len(endpoints), func(i, j int) {
		endpoints[i], endpoints[j] = endpoints[j], endpoints[i]
	})
	return endpoints
}

func (c *RoutingClient) routeUpdate(ctx context.Context, req *transport.Request, coll *topology.Collection, token string) (*transport.Response, error) {
	if !req.HasRoutableParts() {
		return c.routeNonRoutable(ctx, req, coll, token, nil)
	}

	router, err := coll.Router()
	if err != nil {
		return nil, err
	}

	var routes []*shardRoute
	byShard := make(map[string]*shardRoute)
	routeFor := func(id, routeKey string) (*shardRoute, error) {
		shard, err := router.TargetShard(coll, id, routeKey)
		if err != nil {
			return nil, err
		}

		route := byShard[shard.Name]
		if route != nil {
			return route, nil
		}

		endpoints, err := c.leaderEndpoints(coll, shard)
		if err != nil {
			return nil, err
		}

		sub := req.CloneEnvelope()
		sub.Collection = coll.Name
		sub.StateToken = token
		route = &shardRoute{shard: shard.Name, endpoints: endpoints, req: sub}
		byShard[shard.Name] = route
		routes = append(routes, route)
		return route, nil
	}

	for _, doc := range req.Documents {
		route, err := routeFor(doc.ID, doc.RouteKey)
		if errors.Is(err, topology.ErrUnroutable) {
			return c.routeUnroutable(ctx, req, coll, token)
		} else if err != nil {
			return nil, err
		}
		route.req.Documents = append(route.req.Documents, doc)
	}
	for _, del := range req.DeleteIDs {
		route, err := routeFor(del.ID, del.RouteKey)
		if errors.Is(err, topology.ErrUnroutable) {
			return c.routeUnroutable(ctx, req, coll, token)
		} else if err != nil {
			return nil, err
		}
		route.req.DeleteIDs = append(route.req.DeleteIDs, del)
	}

	results := c.fanOut(ctx, routes)

	var failures []*RouteFailure
	for _, res := range results {
		if res.err != nil {
			failures = append(failures, &RouteFailure{
				Shard:     res.route.shard,
				Endpoints: res.route.endpoints,
				Err:       res.err,
			})
		}
	}
	if len(failures) > 0 {
		return nil, &RouteError{Collection: coll.Name, Failures: failures}
	}

	return c.routeNonRoutable(ctx, req, coll, token, results)
}

// routeUnroutable sends the whole request to one shard leader, which
// distributes the documents itself.
func (c *RoutingClient) routeUnroutable(ctx context.Context, req *transport.Request, coll *topology.Collection, token string) (*transport.Response, error) {
	sub := req.Clone()
	sub.Collection = coll.Name
	sub.StateToken = token

	endpoints := c.shuffledLeaders(coll)
	resp, _, err := c.dispatcher.Dispatch(ctx, sub, endpoints)
	c.metrics.RouteSubRequests.Add(ctx, 1)
	if err != nil {
		return nil, &RouteError{
			Collection: coll.Name,
			Failures:   []*RouteFailure{{Endpoints: endpoints, Err: err}},
		}
	}

	return c.merge([]*routeResult{{route: &shardRoute{}, resp: resp}})
}

// routeNonRoutable sends the delete-by-query and commit parts of req, if
// any, once to the shard leaders and merges them with the routed results.
func (c *RoutingClient) routeNonRoutable(ctx context.Context, req *transport.Request, coll *topology.Collection, token string, results []*routeResult) (*transport.Response, error) {
	if req.HasNonRoutableParts() {
		sub := req.CloneEnvelope()
		sub.Collection = coll.Name
		sub.StateToken = token
		sub.DeleteQueries = append([]string(nil), req.DeleteQueries...)
		sub.Commit = req.Commit

		endpoints := c.shuffledLeaders(coll)
		resp, _, err := c.dispatcher.Dispatch(ctx, sub, endpoints)
		c.metrics.RouteSubRequests.Add(ctx, 1)
		if err != nil {
			return nil, &RouteError{
				Collection: coll.Name,
				Failures:   []*RouteFailure{{Endpoints: endpoints, Err: err}},
			}
		}
		results = append(results, &routeResult{route: &shardRoute{}, resp: resp})
	}

	return c.merge(results)
}

// fanOut dispatches every route and returns the results in route order.
// Sequential dispatch stops at the first failure.
func (c *RoutingClient) fanOut(ctx context.Context, routes []*shardRoute) []*routeResult {
	results := make([]*routeResult, len(routes))

	send := func(idx int) {
		route := routes[idx]
		resp, _, err := c.dispatcher.Dispatch(ctx, route.req, route.endpoints)
		c.metrics.RouteSubRequests.Add(ctx, 1)
		results[idx] = &routeResult{route: route, resp: resp, err: err}
	}

	if !c.parallelUpdates || len(routes) <= 1 {
		for idx := range routes {
			send(idx)
			if results[idx].err != nil {
				return results[:idx+1]
			}
		}
		return results
	}

	var group errgroup.Group
	group.SetLimit(c.maxParallelism)
	for idx := range routes {
		group.Go(func() error {
			send(idx)
			return nil
		})
	}
	_ = group.Wait()

	return results
}

func (c *RoutingClient) merge(results []*routeResult) (*transport.Response, error) {
	merged := &transport.Response{
		StatusCode: 200,
		Shards:     make(map[string]*transport.Response),
	}

	for _, res := range results {
		resp := res.resp
		if resp == nil {
			continue
		}
		if res.route.shard != "" {
			merged.Shards[res.route.shard] = resp
		}

		if resp.AchievedRF > 0 && (merged.AchievedRF == 0 || resp.AchievedRF < merged.AchievedRF) {
			merged.AchievedRF = resp.AchievedRF
		}
		merged.Errors = append(merged.Errors, resp.Errors...)

		for name, version := range resp.StaleVersions {
			if merged.StaleVersions == nil {
				merged.StaleVersions = make(map[string]int64)
			}
			if version > merged.StaleVersions[name] {
				merged.StaleVersions[name] = version
			}
		}
	}

	if c.maxToleratedErrors >= 0 && len(merged.Errors) > c.maxToleratedErrors {
		return merged, fmt.Errorf("%w: %d document errors, %d tolerated",
			ErrTooManyErrors, len(merged.Errors), c.maxToleratedErrors)
	}

	return merged, nil
}

// routeAdmin sends req to the leader of every shard of every collection.
func (c *RoutingClient) routeAdmin(ctx context.Context, req *transport.Request, colls []*topology.Collection, token string) (*transport.Response, error) {
	var routes []*shardRoute
	for _, coll := range colls {
		for _, shard := range coll.Shards {
			endpoints, err := c.leaderEndpoints(coll, shard)
			if err != nil {
				return nil, err
			}

			sub := req.CloneEnvelope()
			sub.Collection = coll.Name
			sub.StateToken = token
			routes = append(routes, &shardRoute{
				shard:     coll.Name + "/" + shard.Name,
				endpoints: endpoints[:1],
				req:       sub,
			})
		}
	}

	var failures []*RouteFailure
	results := c.fanOut(ctx, routes)
	for _, res := range results {
		if res.err != nil {
			failures = append(failures, &RouteFailure{
				Shard:     res.route.shard,
				Endpoints: res.route.endpoints,
				Err:       res.err,
			})
		}
	}
	if len(failures) > 0 {
		names := make([]string, len(colls))
		for idx, coll := range colls {
			names[idx] = coll.Name
		}
		return nil, &RouteError{Collection: strings.Join(names, ","), Failures: failures}
	}

	return c.merge(results)
}

// QueryEndpoints lists the endpoints a query against colls may be served
// from, in preference order, one entry per node and collection.
func (c *RoutingClient) QueryEndpoints(colls []*topology.Collection) []topology.Endpoint {
	var endpoints []topology.Endpoint
	seen := make(map[topology.Endpoint]struct{})

	for _, coll := range colls {
		for _, shard := range coll.Shards {
			for _, replica := range c.preference.Order(shard.ActiveReplicas(c.liveNodes)) {
				ep := replica.NodeEndpoint().WithCore(coll.Name)
				if _, dup := seen[ep]; dup {
					continue
				}
				seen[ep] = struct{}{}
				endpoints = append(endpoints, ep)
			}
		}
	}

	return endpoints
}

func (c *RoutingClient) routeQuery(ctx context.Context, req *transport.Request, colls []*topology.Collection, token string) (*transport.Response, error) {
	names := make([]string, len(colls))
	for idx, coll := range colls {
		names[idx] = coll.Name
	}

	sub := req.Clone()
	sub.Collection = strings.Join(names, ",")
	sub.StateToken = token

	var endpoints []topology.Endpoint
	if req.PreferredEndpoint != nil {
		endpoints = []topology.Endpoint{*req.PreferredEndpoint}
	} else {
		endpoints = c.QueryEndpoints(colls)
	}

	resp, _, err := c.dispatcher.Dispatch(ctx, sub, endpoints)
	c.metrics.RouteSubRequests.Add(ctx, 1)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
