package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetRouterMetricsSingleton(t *testing.T) {
	m1 := GetRouterMetrics()
	m2 := GetRouterMetrics()
	require.Same(t, m1, m2)

	// instruments from the global delegating meter are always usable
	m1.RouteRequests.Add(context.Background(), 1, Attrs("kind", "query", "dangling"))
}
