package tsdbclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/tsdbclient/internal/ratelimit"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

func validOptions() Options {
	return Options{
		ClusterAddress: "cluster.local:9000",
		Router:         RouterOptions{MaxCachedSize: 100},
		Rpc:            RpcOptions{MinLimit: 1, MaxLimit: 10, LimitKind: "vegas"},
		Retry:          RetryOptions{WriteMaxRetries: 3, ReadMaxRetries: 2},
	}
}

func TestValidateAcceptsWellFormedOptions(t *testing.T) {
	opts := validOptions()
	assert.NoError(t, opts.Validate())
}

func TestValidateAggregatesAllViolations(t *testing.T) {
	opts := Options{
		ClusterAddress: "",
		Router:         RouterOptions{MaxCachedSize: 0},
		Rpc:            RpcOptions{MinLimit: 0, MaxLimit: 0, LimitKind: "bogus"},
		Retry:          RetryOptions{WriteMaxRetries: -1, ReadMaxRetries: -1},
	}
	err := opts.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "cluster_address")
	assert.Contains(t, msg, "max_cached_size")
	assert.Contains(t, msg, "min_limit")
	assert.Contains(t, msg, "limit_kind")
	assert.Contains(t, msg, "retry counts")
}

func TestValidateAcceptsDirectAndProxyRouteModes(t *testing.T) {
	opts := validOptions()
	opts.RouteMode = "direct"
	assert.NoError(t, opts.Validate())

	opts.RouteMode = "proxy"
	assert.NoError(t, opts.Validate())
}

func TestValidateRejectsUnknownRouteMode(t *testing.T) {
	opts := validOptions()
	opts.RouteMode = "bogus"
	assert.Error(t, opts.Validate())
}

func TestRouteModeDefaultsToDirect(t *testing.T) {
	opts := validOptions()
	assert.Equal(t, model.RouteModeDirect, opts.routeMode())

	opts.RouteMode = "proxy"
	assert.Equal(t, model.RouteModeProxy, opts.routeMode())
}

func TestValidateRejectsInconsistentLimits(t *testing.T) {
	opts := validOptions()
	opts.Rpc.MinLimit = 10
	opts.Rpc.MaxLimit = 1
	assert.Error(t, opts.Validate())
}

func TestLimiterKindDefaultsToVegas(t *testing.T) {
	opts := validOptions()
	opts.Rpc.LimitKind = ""
	assert.Equal(t, ratelimit.KindVegas, opts.limiterKind())

	opts.Rpc.LimitKind = "gradient"
	assert.Equal(t, ratelimit.KindGradient, opts.limiterKind())
}

func TestTimeoutHelpersFallBackToDefaults(t *testing.T) {
	opts := validOptions()
	assert.Equal(t, 10*time.Second, opts.rpcTimeout())
	assert.Equal(t, 5*time.Second, opts.refreshTimeout())
	assert.Equal(t, time.Minute, opts.gcInterval())

	opts.Rpc.DefaultRpcTimeoutMS = 250
	opts.Router.RefreshTimeoutMS = 500
	opts.Router.GCIntervalMS = 1000
	assert.Equal(t, 250*time.Millisecond, opts.rpcTimeout())
	assert.Equal(t, 500*time.Millisecond, opts.refreshTimeout())
	assert.Equal(t, time.Second, opts.gcInterval())
}
