package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/notifycast/auth"
	"github.com/ggoodman/notifycast/bus"
	"github.com/ggoodman/notifycast/bus/natsbus"
	"github.com/ggoodman/notifycast/bus/redisbus"
	"github.com/ggoodman/notifycast/config"
	"github.com/ggoodman/notifycast/delivery"
	"github.com/ggoodman/notifycast/directory"
	"github.com/ggoodman/notifycast/directory/memorydir"
	"github.com/ggoodman/notifycast/directory/redisdir"
	"github.com/ggoodman/notifycast/internal/logctx"
	"github.com/ggoodman/notifycast/internal/metrics"
	"github.com/ggoodman/notifycast/notifier"
	"github.com/ggoodman/notifycast/ratelimit"
	"github.com/ggoodman/notifycast/ratelimit/redislimit"
	"github.com/ggoodman/notifycast/registry"
	"github.com/ggoodman/notifycast/streaming"
	"github.com/ggoodman/notifycast/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	var (
		addr      string
		busName   string
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stream server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if flags.Changed("bus") {
				cfg.BusBackend = busName
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address (overrides NOTIFY_HTTP_ADDR)")
	cmd.Flags().StringVar(&busName, "bus", config.BackendNone, "cross-instance bus: none, redis or nats (overrides NOTIFY_BUS_BACKEND)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (overrides NOTIFY_LOG_LEVEL)")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log format: json or text (overrides NOTIFY_LOG_FORMAT)")
	return cmd
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	lvl, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return logctx.Wrap(slog.New(h))
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthDiscovery:
		return auth.NewFromDiscovery(ctx, cfg.AuthIssuer, cfg.AuthAudience)
	case config.AuthJWKS:
		return auth.NewFromJWKS(ctx, cfg.AuthIssuer, cfg.AuthAudience, cfg.AuthJWKSURL)
	case config.AuthHMAC:
		var opts []auth.AccessTokenAuthOption
		if cfg.AuthIssuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.AuthIssuer))
		}
		if cfg.AuthAudience != "" {
			opts = append(opts, auth.WithAudience(cfg.AuthAudience))
		}
		return auth.NewSharedSecret([]byte(cfg.AuthSecret), opts...)
	}
	return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
}

func newBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.BusBackend {
	case config.BackendRedis:
		return redisbus.New(redisbus.Config{RedisAddr: cfg.RedisAddr, Channel: cfg.BusChannel}), nil
	case config.BackendNATS:
		return natsbus.New(natsbus.Config{URL: cfg.NATSURL, Subject: cfg.BusChannel})
	}
	return nil, nil
}

func serve(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	log := newLogger(cfg, logOut)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPrometheus(promReg, "")

	var rdb *redis.Client
	if cfg.DirectoryBackend == config.BackendRedis || cfg.RateLimitBackend == config.BackendRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	var upstream directory.Directory
	if cfg.DirectoryBackend == config.BackendRedis {
		upstream = redisdir.NewWithClient(rdb, "")
	} else {
		log.WarnContext(ctx, "directory.memory", slog.String("hint", "no sessions can connect until records are written in-process"))
		upstream = memorydir.New()
	}
	dir := directory.NewCached(upstream,
		directory.WithCacheSize(cfg.DirectoryCacheSize),
		directory.WithCacheTTL(cfg.DirectoryCacheTTL),
		directory.WithLookupTimeout(cfg.LookupTimeout),
	)

	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == config.BackendRedis {
		limiter = redislimit.NewWithClient(rdb, redislimit.Config{Quota: cfg.RateLimitQuota, Window: cfg.RateLimitWindow}, log)
	} else {
		limiter = ratelimit.NewWindow(cfg.RateLimitQuota, cfg.RateLimitWindow)
	}

	reg := registry.New(
		registry.WithLimiter(limiter),
		registry.WithMaxConnectionsPerUser(cfg.MaxConnectionsPerUser),
		registry.WithQueueSize(cfg.QueueSize),
		registry.WithLogger(log),
		registry.WithMetrics(m),
	)
	eng := delivery.New(reg, delivery.WithLogger(log), delivery.WithMetrics(m))

	svcOpts := []notifier.Option{
		notifier.WithLogger(log),
		notifier.WithStaleAfter(cfg.StaleAfter()),
		notifier.WithDirectory(dir),
	}

	b, err := newBus(cfg)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	var relay *bus.Relay
	if b != nil {
		defer b.Close()
		relay = bus.NewRelay(b, bus.WithLogger(log), bus.WithMetrics(m))
		eng.SetPublisher(relay)
		svcOpts = append(svcOpts, notifier.WithBusStatus(relay))
	}
	svc := notifier.New(reg, eng, svcOpts...)

	lc := supervisor.NewLifecycle(cfg.Supervisor(), reg, eng, dir,
		supervisor.WithLogger(log),
		supervisor.WithMetrics(m),
	)

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	h, err := streaming.New(svc, dir, authn,
		streaming.WithLogger(log),
		streaming.WithRealm(cfg.AuthRealm),
		streaming.WithStreamPath(cfg.StreamPath),
		streaming.WithStatsPath(cfg.StatsPath),
		streaming.WithKeepAliveInterval(cfg.KeepAliveInterval),
		streaming.WithLookupTimeout(cfg.LookupTimeout),
		streaming.WithWriteTimeout(cfg.WriteTimeout),
		streaming.WithAdminPermission(cfg.AdminPermission),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", h)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return lc.Group().Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(gctx, svc); err != nil {
				return fmt.Errorf("bus relay: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", cfg.HTTPAddr), slog.String("version", getVersion()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		n := reg.CloseAll(registry.ReasonShutdown)
		log.Info("http.shutdown", slog.Int("streams", n))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("server.stopped")
	return err
}
