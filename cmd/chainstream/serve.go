package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/0xmhha/chainstream/internal/config"
	"github.com/0xmhha/chainstream/internal/logger"
	"github.com/0xmhha/chainstream/internal/tracing"
	"github.com/0xmhha/chainstream/pkg/api"
	"github.com/0xmhha/chainstream/pkg/api/websocket"
	"github.com/0xmhha/chainstream/pkg/chain"
	"github.com/0xmhha/chainstream/pkg/ingest"
	"github.com/0xmhha/chainstream/pkg/provider"
	"github.com/0xmhha/chainstream/pkg/storage"
	"github.com/0xmhha/chainstream/pkg/stream"
)

type serveFlags struct {
	rpcEndpoint string
	dbPath      string
	startHeight uint64
	window      uint64
	apiHost     string
	apiPort     int
	noAPI       bool
}

func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("rpc") {
		cfg.RPC.Endpoint = f.rpcEndpoint
	}
	if changed("db") {
		cfg.Database.Path = f.dbPath
	}
	if changed("start-height") {
		cfg.Chain.StartHeight = f.startHeight
	}
	if changed("retention-window") {
		cfg.Chain.RetentionWindow = f.window
	}
	if changed("api-host") {
		cfg.API.Host = f.apiHost
	}
	if changed("api-port") {
		cfg.API.Port = f.apiPort
	}
	if f.noAPI {
		cfg.API.Enabled = false
	}
}

func serveCommand() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ingest blocks and serve subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(cfg *config.Config) { flags.apply(cmd, cfg) })
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}

	cmd.Flags().StringVar(&flags.rpcEndpoint, "rpc", "", "JSON-RPC endpoint of the node")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "database directory")
	cmd.Flags().Uint64Var(&flags.startHeight, "start-height", 0, "first block tracked on a fresh database")
	cmd.Flags().Uint64Var(&flags.window, "retention-window", 0, "blocks kept in memory behind the head")
	cmd.Flags().StringVar(&flags.apiHost, "api-host", "", "API listen host")
	cmd.Flags().IntVar(&flags.apiPort, "api-port", 0, "API listen port")
	cmd.Flags().BoolVar(&flags.noAPI, "no-api", false, "run ingestion without the API server")
	return cmd
}

// serve wires storage, provider, chain view, dispatcher, ingestion and the
// API together and runs until ctx is cancelled or a component fails
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	log.Info("starting chainstream",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.String("db_path", cfg.Database.Path),
		zap.String("db_backend", cfg.Database.Backend),
		zap.Uint64("retention_window", cfg.Chain.RetentionWindow),
	)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Stdout:      cfg.Tracing.Stdout,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger.WithComponent(log, "tracing"))
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Storage
	storageCfg := storage.DefaultConfig(cfg.Database.Path)
	storageCfg.Backend = cfg.Database.Backend
	storageCfg.Cache = cfg.Database.CacheMB
	storageCfg.ReadOnly = cfg.Database.ReadOnly
	storageCfg.DisableWAL = cfg.Database.DisableWAL
	kv, err := storage.Open(storageCfg, logger.WithComponent(log, "storage"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	store := storage.NewChainStore(kv, logger.WithComponent(log, "storage"))
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close storage", zap.Error(err))
		}
	}()

	// Provider
	eth, err := provider.NewEthProvider(ctx, &provider.Config{
		Endpoint:        cfg.RPC.Endpoint,
		Timeout:         cfg.RPC.Timeout,
		ExpectedChainID: cfg.RPC.ChainID,
		Logger:          logger.WithComponent(log, "provider"),
	})
	if err != nil {
		return fmt.Errorf("failed to connect provider: %w", err)
	}
	defer eth.Close()

	var blocks provider.Provider = eth
	if cfg.RPC.RateLimit > 0 {
		blocks = provider.RateLimited(eth, rate.NewLimiter(rate.Limit(cfg.RPC.RateLimit), cfg.RPC.Burst))
	}

	// Chain view
	chainCfg := chain.DefaultConfig()
	chainCfg.StartHeight = cfg.Chain.StartHeight
	chainCfg.RetentionWindow = cfg.Chain.RetentionWindow
	chainCfg.MaxReorgDepth = cfg.Chain.MaxReorgDepth
	view, err := chain.Open(ctx, chainCfg, store, blocks, logger.WithComponent(log, "chain"), chain.NewMetrics(reg))
	if err != nil {
		return fmt.Errorf("failed to open chain view: %w", err)
	}

	// Dispatcher
	streamCfg := stream.DefaultConfig()
	streamCfg.QueueDepth = cfg.Stream.QueueDepth
	streamCfg.MaxSubscribers = cfg.Stream.MaxSubscribers
	streamCfg.MaxFilterClauses = cfg.Stream.MaxFilterClauses
	streamCfg.RetentionWindow = cfg.Chain.RetentionWindow
	dispatcher, err := stream.NewDispatcher(streamCfg, view, store, logger.WithComponent(log, "stream"), stream.NewMetrics(reg))
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	defer dispatcher.Close()
	view.AddListener(dispatcher)

	// Ingestion
	ingestCfg := ingest.DefaultConfig()
	ingestCfg.PollInterval = cfg.Ingest.PollInterval
	ingestCfg.BatchSize = cfg.Ingest.BatchSize
	ingestCfg.BackoffInitial = cfg.Ingest.BackoffInitial
	ingestCfg.BackoffMax = cfg.Ingest.BackoffMax
	ingestCfg.BackoffMultiplier = cfg.Ingest.BackoffMultiplier
	ingestCfg.BackoffJitter = cfg.Ingest.BackoffJitter
	ingestCfg.MaxFatalErrors = cfg.Ingest.MaxFatalErrors
	ingestCfg.HealthGrace = cfg.Ingest.HealthGrace
	loop, err := ingest.NewLoop(ingestCfg, blocks, view, ingest.Options{
		Logger:  logger.WithComponent(log, "ingest"),
		Metrics: ingest.NewMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestion loop: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.API.Enabled {
		apiServer, err := newAPIServer(cfg, log, reg, view, loop, dispatcher)
		if err != nil {
			return err
		}
		g.Go(apiServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			return apiServer.Stop(context.Background())
		})
	}

	err = g.Wait()
	log.Info("chainstream stopped", zap.Error(err))
	return err
}

func newAPIServer(cfg *config.Config, log *zap.Logger, reg *prometheus.Registry, view *chain.View, loop *ingest.Loop, dispatcher *stream.Dispatcher) (*api.Server, error) {
	apiCfg := api.DefaultConfig()
	apiCfg.Host = cfg.API.Host
	apiCfg.Port = cfg.API.Port
	apiCfg.EnableGraphQL = cfg.API.EnableGraphQL
	apiCfg.EnableGraphQLPlayground = cfg.API.EnableGraphQLPlayground
	apiCfg.EnableWebSocket = cfg.API.EnableWebSocket
	apiCfg.EnableGRPCHealth = cfg.API.EnableGRPCHealth
	apiCfg.EnableCORS = cfg.API.EnableCORS
	apiCfg.AllowedOrigins = cfg.API.AllowedOrigins
	apiCfg.EnableRateLimit = cfg.API.EnableRateLimit
	apiCfg.RateLimitPerSecond = cfg.API.RateLimitPerSecond
	apiCfg.RateLimitBurst = cfg.API.RateLimitBurst
	apiCfg.ShutdownTimeout = cfg.API.ShutdownTimeout

	wsCfg := websocket.DefaultConfig()
	wsCfg.HeartbeatInterval = cfg.Stream.HeartbeatInterval

	s, err := api.NewServer(apiCfg, logger.WithComponent(log, "api"), api.Options{
		Chain:     view,
		Ingest:    loop,
		Stream:    dispatcher,
		WebSocket: wsCfg,
		Gatherer:  reg,
		Version: api.VersionInfo{
			Name:      programName,
			Version:   version,
			Commit:    commit,
			BuildTime: buildTime,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}
	return s, nil
}
