/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const modulePath = "github.com/couchbase/stellar-router"

type RouterMetrics struct {
	DispatchAttempts  metric.Int64Counter
	DispatchFailures  metric.Int64Counter
	EndpointDemotions metric.Int64Counter
	EndpointRevivals  metric.Int64Counter
	EndpointEvictions metric.Int64Counter
	SuspectEndpoints  metric.Int64UpDownCounter

	TopologyCacheHits      metric.Int64Counter
	TopologyCacheRefreshes metric.Int64Counter
	TopologyStaleMarks     metric.Int64Counter

	RouteRequests    metric.Int64Counter
	RouteRetries     metric.Int64Counter
	RouteSubRequests metric.Int64Counter
	RouteDuration    metric.Float64Histogram

	ReplicaStateCommits   metric.Int64Counter
	ReplicaStateConflicts metric.Int64Counter

	LiveNodes metric.Int64UpDownCounter

	NewConnections    metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
}

var (
	routerMetrics     *RouterMetrics
	routerMetricsLock sync.Mutex
)

func GetRouterMetrics() *RouterMetrics {
	routerMetricsLock.Lock()

	if routerMetrics != nil {
		routerMetricsLock.Unlock()
		return routerMetrics
	}

	routerMetrics = newRouterMetrics()

	routerMetricsLock.Unlock()
	return routerMetrics
}

func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	if info.Main.Path == modulePath && info.Main.Version != "" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}
	return "devel"
}

func newRouterMetrics() *RouterMetrics {
	meter := otel.Meter(
		"com.couchbase.stellar-router",
		metric.WithInstrumentationVersion(getBuildVersion()))

	dispatchAttempts, _ := meter.Int64Counter("router_dispatch_attempts_total")
	dispatchFailures, _ := meter.Int64Counter("router_dispatch_failures_total")
	endpointDemotions, _ := meter.Int64Counter("router_endpoint_demotions_total")
	endpointRevivals, _ := meter.Int64Counter("router_endpoint_revivals_total")
	endpointEvictions, _ := meter.Int64Counter("router_endpoint_evictions_total")
	suspectEndpoints, _ := meter.Int64UpDownCounter("router_suspect_endpoints")

	cacheHits, _ := meter.Int64Counter("router_topology_cache_hits_total")
	cacheRefreshes, _ := meter.Int64Counter("router_topology_cache_refreshes_total")
	staleMarks, _ := meter.Int64Counter("router_topology_stale_marks_total")

	routeRequests, _ := meter.Int64Counter("router_route_requests_total")
	routeRetries, _ := meter.Int64Counter("router_route_retries_total")
	routeSubRequests, _ := meter.Int64Counter("router_route_sub_requests_total")
	routeDuration, _ := meter.Float64Histogram("router_route_duration_seconds",
		metric.WithUnit("s"))

	stateCommits, _ := meter.Int64Counter("router_replica_state_commits_total")
	stateConflicts, _ := meter.Int64Counter("router_replica_state_conflicts_total")

	liveNodes, _ := meter.Int64UpDownCounter("router_live_nodes")

	newConnections, _ := meter.Int64Counter("router_web_requests_total")
	activeConnections, _ := meter.Int64UpDownCounter("router_web_active_requests")

	return &RouterMetrics{
		DispatchAttempts:  dispatchAttempts,
		DispatchFailures:  dispatchFailures,
		EndpointDemotions: endpointDemotions,
		EndpointRevivals:  endpointRevivals,
		EndpointEvictions: endpointEvictions,
		SuspectEndpoints:  suspectEndpoints,

		TopologyCacheHits:      cacheHits,
		TopologyCacheRefreshes: cacheRefreshes,
		TopologyStaleMarks:     staleMarks,

		RouteRequests:    routeRequests,
		RouteRetries:     routeRetries,
		RouteSubRequests: routeSubRequests,
		RouteDuration:    routeDuration,

		ReplicaStateCommits:   stateCommits,
		ReplicaStateConflicts: stateConflicts,

		LiveNodes: liveNodes,

		NewConnections:    newConnections,
		ActiveConnections: activeConnections,
	}
}

// Attrs builds a measurement option from key/value string pairs.
func Attrs(kv ...string) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(attrs...)
}
