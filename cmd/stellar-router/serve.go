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
	"net/url"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/stellar-router/client"
	"github.com/couchbase/stellar-router/client/httpexec"
	"github.com/couchbase/stellar-router/client/loadbalancer"
	"github.com/couchbase/stellar-router/common/clustering"
	"github.com/couchbase/stellar-router/common/clusterstate"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/couchbase/stellar-router/pkg/webapi"
	"github.com/couchbase/stellar-router/utils/netutils"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var watchCfgFile bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the router web service",
	Run: func(cmd *cobra.Command, args []string) {
		startRouter()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9091, "the web metrics/health and routing port")
	configFlags.String("api-user", "", "the username required on routing endpoints")
	configFlags.String("api-pass", "", "the password required on routing endpoints")
	configFlags.String("cors-origins", "", "comma separated origins allowed to call the web api")
	configFlags.String("endpoints", "", "comma separated standard endpoints of the search nodes")
	configFlags.String("node-user", "", "the username sent to search nodes")
	configFlags.String("node-pass", "", "the password sent to search nodes")
	configFlags.Duration("node-timeout", 30*time.Second, "the timeout of one request to a search node")
	configFlags.Duration("cache-ttl", 60*time.Second, "how long a collection topology is served without a refresh")
	configFlags.Duration("alias-ttl", 5*time.Second, "how long collection aliases are served without a refresh")
	configFlags.Bool("parallel-updates", false, "indicates whether shard updates are sent in parallel")
	configFlags.Int("max-parallelism", 8, "the number of concurrent shard requests of a parallel update")
	configFlags.Bool("leader-direct", false, "indicates whether updates only go to shard leaders")
	configFlags.Int("max-stale-retries", 5, "the number of retries after stale topology")
	configFlags.Int("tolerated-errors", 0, "the number of per-document errors tolerated by updates, negative for unlimited")
	configFlags.Duration("probe-interval", 60*time.Second, "the period between probes of suspect endpoints")
	configFlags.String("watch-collections", "", "comma separated collections whose state changes are watched and applied eagerly")
	configFlags.String("register-node", "", "registers the node at this base url as live while running")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disables sending traces to the opentelemetry endpoint")
	configFlags.Bool("disable-otlp-metrics", false, "disables sending metrics to the opentelemetry endpoint")
	configFlags.Bool("trace-everything", false, "indicates whether to trace every request")
	configFlags.String("cpuprofile", "", "write cpu profile to a file")
	serveCmd.Flags().AddFlagSet(configFlags)

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("stellar-router"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExp)),
		)
	}

	return tracerProvider, meterProvider, nil
}

type config struct {
	logLevelStr        string
	bindAddress        string
	webPort            int
	apiUser            string
	apiPass            string
	corsOrigins        []string
	endpoints          []string
	nodeUser           string
	nodePass           string
	nodeTimeout        time.Duration
	cacheTTL           time.Duration
	aliasTTL           time.Duration
	parallelUpdates    bool
	maxParallelism     int
	leaderDirect       bool
	maxStaleRetries    int
	toleratedErrors    int
	probeInterval      time.Duration
	watchCollections   []string
	registerNode       string
	otlpEndpoint       string
	disableOtlpTraces  bool
	disableOtlpMetrics bool
	traceEverything    bool
	cpuprofile         string
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		bindAddress:        viper.GetString("bind-address"),
		webPort:            viper.GetInt("web-port"),
		apiUser:            viper.GetString("api-user"),
		apiPass:            viper.GetString("api-pass"),
		corsOrigins:        splitList(viper.GetString("cors-origins")),
		endpoints:          splitList(viper.GetString("endpoints")),
		nodeUser:           viper.GetString("node-user"),
		nodePass:           viper.GetString("node-pass"),
		nodeTimeout:        viper.GetDuration("node-timeout"),
		cacheTTL:           viper.GetDuration("cache-ttl"),
		aliasTTL:           viper.GetDuration("alias-ttl"),
		parallelUpdates:    viper.GetBool("parallel-updates"),
		maxParallelism:     viper.GetInt("max-parallelism"),
		leaderDirect:       viper.GetBool("leader-direct"),
		maxStaleRetries:    viper.GetInt("max-stale-retries"),
		toleratedErrors:    viper.GetInt("tolerated-errors"),
		probeInterval:      viper.GetDuration("probe-interval"),
		watchCollections:   splitList(viper.GetString("watch-collections")),
		registerNode:       viper.GetString("register-node"),
		otlpEndpoint:       viper.GetString("otlp-endpoint"),
		disableOtlpTraces:  viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics: viper.GetBool("disable-otlp-metrics"),
		traceEverything:    viper.GetBool("trace-everything"),
		cpuprofile:         viper.GetString("cpuprofile"),
	}

	logger.Info("parsed router configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.String("apiUser", config.apiUser),
		zap.Strings("corsOrigins", config.corsOrigins),
		zap.Strings("endpoints", config.endpoints),
		zap.String("nodeUser", config.nodeUser),
		zap.Duration("nodeTimeout", config.nodeTimeout),
		zap.Duration("cacheTTL", config.cacheTTL),
		zap.Duration("aliasTTL", config.aliasTTL),
		zap.Bool("parallelUpdates", config.parallelUpdates),
		zap.Int("maxParallelism", config.maxParallelism),
		zap.Bool("leaderDirect", config.leaderDirect),
		zap.Int("maxStaleRetries", config.maxStaleRetries),
		zap.Int("toleratedErrors", config.toleratedErrors),
		zap.Duration("probeInterval", config.probeInterval),
		zap.Strings("watchCollections", config.watchCollections),
		zap.String("registerNode", config.registerNode),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything),
		zap.String("cpuprofile", config.cpuprofile))

	return config
}

func startRouter() {
	logLevel, logger := getLogger()

	logger.Info("starting stellar-router", zap.String("version", getBuildVersion()))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	config := readConfig(logger)
	applyLogLevel(logger, logLevel, config.logLevelStr)

	if config.cpuprofile != "" {
		f, err := os.Create(config.cpuprofile)
		if err != nil {
			logger.Error("failed to create cpu profile file", zap.Error(err))
			os.Exit(1)
		}

		err = pprof.StartCPUProfile(f)
		if err != nil {
			logger.Error("failed to start cpu profiling", zap.Error(err))
			os.Exit(1)
		}

		defer pprof.StopCPUProfile()
	}

	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry tracing", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	etcdClient, store, err := openStore(ctx, logger, readStoreConfig())
	if err != nil {
		logger.Error("failed to open the coordination store", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
		_ = etcdClient.Close()
	}()

	stateProvider, err := clusterstate.NewStoreProvider(clusterstate.StoreProviderOptions{
		Store:  store,
		Logger: logger.Named("cluster-state"),
	})
	if err != nil {
		logger.Error("failed to initialize the cluster state provider", zap.Error(err))
		os.Exit(1)
	}

	cache, err := topology.NewCache(topology.CacheOptions{
		Provider: stateProvider,
		Logger:   logger.Named("topology-cache"),
		TTL:      config.cacheTTL,
	})
	if err != nil {
		logger.Error("failed to initialize the topology cache", zap.Error(err))
		os.Exit(1)
	}

	liveNodes, err := clustering.NewStoreProvider(clustering.StoreProviderOptions{
		Store:  store,
		Logger: logger.Named("live-nodes"),
	})
	if err != nil {
		logger.Error("failed to initialize the live node tracker", zap.Error(err))
		os.Exit(1)
	}
	defer liveNodes.Close()

	err = liveNodes.Start(ctx)
	if err != nil {
		logger.Error("failed to read the live nodes", zap.Error(err))
		os.Exit(1)
	}

	var membership clustering.Membership
	if config.registerNode != "" {
		nodeName, err := nodeNameForURL(config.registerNode)
		if err != nil {
			logger.Error("failed to derive the node name to register", zap.Error(err))
			os.Exit(1)
		}

		membership, err = liveNodes.Join(ctx, nodeName)
		if err != nil {
			logger.Error("failed to register as a live node", zap.Error(err))
			os.Exit(1)
		}

		logger.Info("registered live node", zap.String("nodeName", membership.NodeName()))
	}

	executor := httpexec.NewExecutor(httpexec.ExecutorOptions{
		Logger:   logger.Named("http-executor"),
		Timeout:  config.nodeTimeout,
		Username: config.nodeUser,
		Password: config.nodePass,
	})

	standardEndpoints := make([]topology.Endpoint, 0, len(config.endpoints))
	for _, ep := range config.endpoints {
		standardEndpoints = append(standardEndpoints, topology.NewEndpoint(ep))
	}

	dispatcher, err := loadbalancer.NewDispatcher(loadbalancer.DispatcherOptions{
		Executor:      executor,
		Logger:        logger.Named("dispatcher"),
		Endpoints:     standardEndpoints,
		ProbeInterval: config.probeInterval,
	})
	if err != nil {
		logger.Error("failed to initialize the dispatcher", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		_ = dispatcher.Close()
	}()

	router, err := client.NewRoutingClient(client.RoutingClientOptions{
		Logger:             logger.Named("routing-client"),
		Cache:              cache,
		Dispatcher:         dispatcher,
		Aliases:            stateProvider,
		AliasTTL:           config.aliasTTL,
		LiveNodes:          liveNodes,
		Store:              store,
		LeaderDirect:       config.leaderDirect,
		ParallelUpdates:    config.parallelUpdates,
		MaxParallelism:     config.maxParallelism,
		MaxStaleRetries:    config.maxStaleRetries,
		MaxToleratedErrors: config.toleratedErrors,
	})
	if err != nil {
		logger.Error("failed to initialize the routing client", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		_ = router.Close()
	}()

	for _, name := range config.watchCollections {
		router.OpenCollection(name)
	}

	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webServer := webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:         logger.Named("webapi"),
		LogLevel:       &logLevel,
		ListenAddress:  webListenAddress,
		Router:         router,
		Topology:       cache,
		AllowedOrigins: config.corsOrigins,
		Username:       config.apiUser,
		Password:       config.apiPass,
	})
	webServer.SetHealthy(true)

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		if cfgFile != "" {
			err := viper.ReadInConfig()
			if err != nil {
				logger.Warn("failed to parse configuration file",
					zap.Error(err))
			}
		}

		newConfig := readConfig(logger)

		if newConfig.bindAddress != config.bindAddress ||
			newConfig.webPort != config.webPort {
			logger.Warn("config changes for bindAddress or webPort require a restart")
		}

		if newConfig.otlpEndpoint != config.otlpEndpoint ||
			newConfig.disableOtlpTraces != config.disableOtlpTraces ||
			newConfig.disableOtlpMetrics != config.disableOtlpMetrics ||
			newConfig.traceEverything != config.traceEverything {
			logger.Warn("config changes for otlpEndpoint, disableOtlpTraces, disableOtlpMetrics, or traceEverything require a restart")
		}

		if !slices.Equal(newConfig.watchCollections, config.watchCollections) {
			for _, name := range newConfig.watchCollections {
				if !slices.Contains(config.watchCollections, name) {
					router.OpenCollection(name)
				}
			}
			for _, name := range config.watchCollections {
				if !slices.Contains(newConfig.watchCollections, name) {
					router.CloseCollection(name)
				}
			}
		}

		if newConfig.logLevelStr != config.logLevelStr {
			applyLogLevel(logger, logLevel, newConfig.logLevelStr)
			logger.Info("updated log level",
				zap.String("newLevel", logLevel.Level().String()))
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	beginGracefulShutdown := func() {
		shutdownOnce.Do(func() {
			close(shutdownCh)
		})
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					beginGracefulShutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				beginGracefulShutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	<-shutdownCh

	webServer.SetHealthy(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = webServer.Shutdown(shutdownCtx)
	if err != nil {
		logger.Warn("failed to shutdown the web server", zap.Error(err))
	}

	if membership != nil {
		err := membership.Leave(shutdownCtx)
		if err != nil {
			logger.Warn("failed to leave the live node set", zap.Error(err))
		}
	}

	logger.Info("router shutdown gracefully")
}

// nodeNameForURL derives the live node name of a search node base url such
// as http://10.0.0.1:8983/solr.  Wildcard hosts are replaced by the
// advertised address of this machine.
func nodeNameForURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", fmt.Errorf("base url %q has no valid port", baseURL)
	}

	host := u.Hostname()
	if netutils.IsInAddrAny(host) {
		host, err = netutils.GetAdvertiseAddress(host)
		if err != nil {
			return "", err
		}
	}

	return netutils.NodeName(host, port, strings.TrimPrefix(u.Path, "/")), nil
}
