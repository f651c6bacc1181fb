// Package app assembles the proxy: config, event bus, fault substrate,
// balancer, registry, router, capture, health probing, and the HTTP listener.
// Everything is constructed in NewServer; Run owns the serve/shutdown
// lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelrelay/modelrelay/internal/balancer"
	"github.com/modelrelay/modelrelay/internal/capture"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/fault"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/httpapi"
	"github.com/modelrelay/modelrelay/internal/logging"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/proxy"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/tracing"
	"github.com/modelrelay/modelrelay/internal/vault"
)

type Server struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	mux     *chi.Mux
	bus     *events.Bus
	reg     *registry.Registry
	prober  *health.Prober
	sink    *capture.Sink
	limiter *ratelimit.Limiter

	metricsSub      *events.Subscriber
	metricsDone     chan struct{}
	tracingShutdown func(context.Context) error
}

// NewServer loads configuration and wires every component together. Nothing
// listens or connects yet; that happens in Run.
func NewServer(opts Options) (*Server, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger := logging.Setup(level)

	bus := events.NewBus()
	m := metrics.New()

	substrate := fault.New(fault.DefaultConfig(), fault.WithEventBus(bus))
	bal := balancer.New(substrate, balancer.WithEventBus(bus))
	for name, cat := range cfg.Routing.Categories {
		if s := cat.LoadBalancing.Strategy; s != "" {
			bal.SetStrategy(name, balancer.Strategy(s))
		}
	}

	var sink *capture.Sink
	if cfg.Capture.Enabled {
		dsn := cfg.Capture.DSN
		if dsn == "" {
			dsn = "file:modelrelay.sqlite"
		}
		sink, err = capture.Open(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("open capture: %w", err)
		}
		if err := sink.Migrate(context.Background()); err != nil {
			_ = sink.Close()
			return nil, fmt.Errorf("migrate capture: %w", err)
		}
		sink.Attach(bus)
		logger.Info("capture enabled", "dsn", dsn)
	}

	// With a master password set, credentials are sealed into a persistent
	// vault whose encrypted blob lives in the capture database; without one
	// the registry seals into an ephemeral in-memory vault.
	var credVault *vault.Vault
	regOpts := []registry.Option{registry.WithLogger(logger), registry.WithEventBus(bus)}
	if master := os.Getenv("MODELRELAY_VAULT_KEY"); master != "" {
		credVault, err = vault.New(true)
		if err != nil {
			return nil, fmt.Errorf("create vault: %w", err)
		}
		if sink != nil {
			salt, data, err := sink.LoadVaultBlob(context.Background())
			if err != nil {
				return nil, fmt.Errorf("load vault blob: %w", err)
			}
			if salt != nil {
				if err := credVault.SetSalt(salt); err != nil {
					return nil, fmt.Errorf("restore vault salt: %w", err)
				}
				if err := credVault.Import(data); err != nil {
					return nil, fmt.Errorf("restore vault blob: %w", err)
				}
			}
		}
		if err := credVault.Unlock([]byte(master)); err != nil {
			return nil, fmt.Errorf("unlock vault: %w", err)
		}
		regOpts = append(regOpts, registry.WithVault(credVault))
	}

	reg, err := registry.New(cfg, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	if credVault != nil && sink != nil {
		if err := sink.SaveVaultBlob(context.Background(), credVault.Salt(), credVault.Export()); err != nil {
			logger.Warn("persist vault blob", "error", err)
		}
	}

	rtr := router.New(reg, cfg.LongContextTokens(), cfg.Routing.Classifier.BackgroundModels,
		router.WithLogger(logger))
	svc := proxy.New(cfg, reg, bal, rtr, proxy.WithLogger(logger))

	tracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))
	prober := newProber(cfg, reg, tracker, logger)

	s := &Server{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		bus:    bus,
		reg:    reg,
		prober: prober,
		sink:   sink,
	}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(tracing.Config{
			Enabled:     true,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: "modelrelay",
		})
		if err != nil {
			return nil, fmt.Errorf("tracing setup: %w", err)
		}
		s.tracingShutdown = shutdown
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Anthropic-Version"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.Tracing.Enabled {
		r.Use(tracing.Middleware())
	}
	if rl := cfg.Routing.GlobalSettings.RateLimiting; rl.Enabled {
		s.limiter = ratelimit.New(rl.RequestsPerMinute, rl.BurstLimit)
		r.Use(s.limiter.Middleware)
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Service:   svc,
		Registry:  reg,
		Balancer:  bal,
		Substrate: substrate,
		Health:    tracker,
		Metrics:   m,
		EventBus:  bus,
		Capture:   sink,
		Logger:    logger,
		Version:   opts.Version,
	})
	s.mux = r

	s.startMetricsObserver(m)
	return s, nil
}

// Router exposes the handler, for tests.
func (s *Server) Router() http.Handler { return s.mux }

// Run initializes pipelines, starts the prober, and serves until ctx is
// cancelled, then shuts everything down in reverse order.
func (s *Server) Run(ctx context.Context) error {
	if err := s.reg.InitializeAll(ctx); err != nil {
		return fmt.Errorf("initialize pipelines: %w", err)
	}
	s.prober.Start()

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.shutdown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.prober.Stop()
	s.reg.ShutdownAll(ctx)
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.stopMetricsObserver()
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Warn("capture close", "error", err)
		}
	}
	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Warn("tracing shutdown", "error", err)
		}
	}
	s.logger.Info("shutdown complete")
}

// startMetricsObserver feeds bus events into the Prometheus registry so the
// hot path never touches metrics directly.
func (s *Server) startMetricsObserver(m *metrics.Registry) {
	s.metricsSub = s.bus.Subscribe(1024)
	s.metricsDone = make(chan struct{})
	go func() {
		defer close(s.metricsDone)
		for {
			select {
			case ev := <-s.metricsSub.C:
				observeEvent(m, ev)
			case <-s.metricsSub.Done():
				return
			}
		}
	}()
}

func (s *Server) stopMetricsObserver() {
	if s.metricsSub == nil {
		return
	}
	s.bus.Unsubscribe(s.metricsSub)
	<-s.metricsDone
}

func observeEvent(m *metrics.Registry, ev events.Event) {
	switch ev.Type {
	case events.EventSelection:
		m.InFlight.WithLabelValues(ev.BindingID).Inc()
	case events.EventRelease:
		m.InFlight.WithLabelValues(ev.BindingID).Dec()
		m.RequestsTotal.WithLabelValues(ev.Category, ev.BindingID, ev.Model, ev.Outcome).Inc()
		m.RequestLatency.WithLabelValues(ev.Category, ev.BindingID, ev.Model).Observe(ev.DurationMs)
	case events.EventStage:
		m.StageLatency.WithLabelValues(ev.Stage, ev.Direction).Observe(ev.DurationMs)
	case events.EventRetry:
		m.Retries.WithLabelValues(ev.BindingID, ev.ErrorKind).Inc()
	case events.EventBreakerChange:
		m.ObserveBreaker(ev.BindingID, ev.NewState)
	case events.EventBlacklistAdd:
		m.Blacklisted.WithLabelValues(ev.BindingID, ev.Reason).Set(1)
	case events.EventBlacklistClear:
		m.Blacklisted.WithLabelValues(ev.BindingID, ev.Reason).Set(0)
	}
}
