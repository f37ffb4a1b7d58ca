package tsdbclient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/basekick-labs/tsdbclient/internal/ratelimit"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// Options configures a Client. Grounded on the teacher's nested
// Config/setDefaults(v) pattern from internal/config, generalized from a
// server's process config to a library's construction options.
type Options struct {
	// ClusterAddress is the entry point used to resolve table routes and as
	// the last-resort fallback endpoint (spec.md 4.2).
	ClusterAddress string
	// Database is the default database attached to every RequestContext.
	Database string
	// RouteMode selects how tables are resolved to endpoints: "direct"
	// (default) consults the route cache/resolver against ClusterAddress,
	// "proxy" sends every request straight to ClusterAddress and skips
	// route resolution entirely (spec.md 6).
	RouteMode string

	Router  RouterOptions
	Rpc     RpcOptions
	Retry   RetryOptions
	Log     LogOptions
	Metrics MetricsOptions
}

// RouterOptions configures the RouterCache.
type RouterOptions struct {
	MaxCachedSize    int
	GCIntervalMS     int
	RefreshTimeoutMS int
}

// RpcOptions configures per-endpoint RPC behavior, including the adaptive
// concurrency limiter from spec.md 4.6.
type RpcOptions struct {
	BlockOnLimit        bool
	InitialLimit        int
	MinLimit            int
	MaxLimit            int
	LimitKind           string // "vegas" or "gradient"
	DefaultRpcTimeoutMS int
	LogOnLimitChange    bool
	StreamBufferSize    int
}

// RetryOptions configures the write/query dispatchers' retry behavior.
type RetryOptions struct {
	WriteMaxRetries int
	ReadMaxRetries  int
	BackoffBaseMS   int
	BackoffMaxMS    int
}

// LogOptions configures the zerolog logger this client writes through.
type LogOptions struct {
	Level  string
	Format string // "json" or "console"
}

// MetricsOptions configures the prometheus collector namespace.
type MetricsOptions struct {
	Enabled   bool
	Namespace string
}

// Load builds Options from environment variables (TSDBCLIENT_ prefixed) and
// an optional tsdbclient.toml config file, mirroring config.Load's
// viper.New/setDefaults/ReadInConfig sequence.
func Load() (*Options, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TSDBCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("tsdbclient")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tsdbclient/")
	v.AddConfigPath("$HOME/.tsdbclient/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("tsdbclient: read config: %w", err)
		}
	}

	opts := &Options{
		ClusterAddress: v.GetString("cluster_address"),
		Database:       v.GetString("database"),
		RouteMode:      v.GetString("route_mode"),
		Router: RouterOptions{
			MaxCachedSize:    v.GetInt("router.max_cached_size"),
			GCIntervalMS:     v.GetInt("router.gc_interval_ms"),
			RefreshTimeoutMS: v.GetInt("router.refresh_timeout_ms"),
		},
		Rpc: RpcOptions{
			BlockOnLimit:        v.GetBool("rpc.block_on_limit"),
			InitialLimit:        v.GetInt("rpc.initial_limit"),
			MinLimit:            v.GetInt("rpc.min_limit"),
			MaxLimit:            v.GetInt("rpc.max_limit"),
			LimitKind:           v.GetString("rpc.limit_kind"),
			DefaultRpcTimeoutMS: v.GetInt("rpc.default_timeout_ms"),
			LogOnLimitChange:    v.GetBool("rpc.log_on_limit_change"),
			StreamBufferSize:    v.GetInt("rpc.stream_buffer_size"),
		},
		Retry: RetryOptions{
			WriteMaxRetries: v.GetInt("retry.write_max_retries"),
			ReadMaxRetries:  v.GetInt("retry.read_max_retries"),
			BackoffBaseMS:   v.GetInt("retry.backoff_base_ms"),
			BackoffMaxMS:    v.GetInt("retry.backoff_max_ms"),
		},
		Log: LogOptions{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Metrics: MetricsOptions{
			Enabled:   v.GetBool("metrics.enabled"),
			Namespace: v.GetString("metrics.namespace"),
		},
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", "")
	v.SetDefault("route_mode", "direct")

	v.SetDefault("router.max_cached_size", 10000)
	v.SetDefault("router.gc_interval_ms", 60000)
	v.SetDefault("router.refresh_timeout_ms", 5000)

	v.SetDefault("rpc.block_on_limit", false)
	v.SetDefault("rpc.initial_limit", 20)
	v.SetDefault("rpc.min_limit", 1)
	v.SetDefault("rpc.max_limit", 1000)
	v.SetDefault("rpc.limit_kind", "vegas")
	v.SetDefault("rpc.default_timeout_ms", 10000)
	v.SetDefault("rpc.log_on_limit_change", false)
	v.SetDefault("rpc.stream_buffer_size", 1000)

	v.SetDefault("retry.write_max_retries", 3)
	v.SetDefault("retry.read_max_retries", 2)
	v.SetDefault("retry.backoff_base_ms", 50)
	v.SetDefault("retry.backoff_max_ms", 2000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "tsdbclient")
}

// Validate aggregates every configuration invariant violation into one
// error via errors.Join, rather than failing fast on the first field, so a
// misconfigured embedder sees the whole picture in one log line.
func (o *Options) Validate() error {
	var errs []error
	if o.ClusterAddress == "" {
		errs = append(errs, fmt.Errorf("tsdbclient: cluster_address is required"))
	}
	if o.Router.MaxCachedSize <= 0 {
		errs = append(errs, fmt.Errorf("tsdbclient: router.max_cached_size must be positive"))
	}
	if o.Rpc.MinLimit <= 0 || o.Rpc.MaxLimit < o.Rpc.MinLimit {
		errs = append(errs, fmt.Errorf("tsdbclient: rpc.min_limit/max_limit are inconsistent"))
	}
	switch o.Rpc.LimitKind {
	case "vegas", "gradient":
	default:
		errs = append(errs, fmt.Errorf("tsdbclient: rpc.limit_kind must be \"vegas\" or \"gradient\", got %q", o.Rpc.LimitKind))
	}
	if o.Retry.WriteMaxRetries < 0 || o.Retry.ReadMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("tsdbclient: retry counts must be non-negative"))
	}
	switch o.RouteMode {
	case "", "direct", "proxy":
	default:
		errs = append(errs, fmt.Errorf("tsdbclient: route_mode must be \"direct\" or \"proxy\", got %q", o.RouteMode))
	}
	return errors.Join(errs...)
}

// routeMode resolves RouteMode to its model.RouteMode enum value, treating
// an unset RouteMode as RouteModeDirect.
func (o *Options) routeMode() model.RouteMode {
	if o.RouteMode == "proxy" {
		return model.RouteModeProxy
	}
	return model.RouteModeDirect
}

func (o *Options) limiterKind() ratelimit.Kind {
	if o.Rpc.LimitKind == "gradient" {
		return ratelimit.KindGradient
	}
	return ratelimit.KindVegas
}

func (o *Options) rpcTimeout() time.Duration {
	if o.Rpc.DefaultRpcTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(o.Rpc.DefaultRpcTimeoutMS) * time.Millisecond
}

func (o *Options) refreshTimeout() time.Duration {
	if o.Router.RefreshTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.Router.RefreshTimeoutMS) * time.Millisecond
}

func (o *Options) gcInterval() time.Duration {
	if o.Router.GCIntervalMS <= 0 {
		return time.Minute
	}
	return time.Duration(o.Router.GCIntervalMS) * time.Millisecond
}
