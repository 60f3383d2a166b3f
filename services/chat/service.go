// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat assembles the chat daemon from its configuration.
//
// New wires, in order: metrics, optional OTLP tracing, the KV store (badger
// or redis backends), the conversation store, the forbidden-term pipeline,
// the advisor chain, and the gin router. Run serves HTTP until its context
// is cancelled. Close releases everything New opened.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianAgent/services/chat/advisor"
	"github.com/AleutianAI/AleutianAgent/services/chat/config"
	"github.com/AleutianAI/AleutianAgent/services/chat/handlers"
	"github.com/AleutianAI/AleutianAgent/services/chat/kv"
	"github.com/AleutianAI/AleutianAgent/services/chat/memory"
	"github.com/AleutianAI/AleutianAgent/services/chat/moderation"
	"github.com/AleutianAI/AleutianAgent/services/chat/observability"
	"github.com/AleutianAI/AleutianAgent/services/chat/routes"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

// ServiceName is reported to the trace collector and the gin middleware.
const ServiceName = "aleutian-chat"

// LoggingAdvisorOrder places the logging advisor after history so it sees
// the loaded window, and after moderation's After so it logs what the
// client receives.
const LoggingAdvisorOrder = 200

// Option configures a Service.
type Option func(*options)

type options struct {
	model    llm.ChatModel
	logger   *slog.Logger
	registry *prometheus.Registry
}

// WithModel replaces the configured LLM backend.
func WithModel(m llm.ChatModel) Option {
	return func(o *options) { o.model = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegistry sets the Prometheus registry. Defaults to a fresh registry
// carrying the Go and process collectors.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Service is a fully wired chat daemon.
//
// Thread Safety: Router, Chain and Store may be used concurrently. Run and
// Close must each be called once.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	chain   *advisor.Chain
	store   memory.Store
	metrics *observability.Metrics

	closers []func(context.Context) error
	stop    context.CancelFunc
}

// New builds a Service from cfg.
//
// # Inputs
//
//   - ctx: Bounds backend connection attempts (Redis PING).
//   - cfg: Validated configuration.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Service: Ready to Run. Caller must Close it.
//   - error: Any backend that could not be opened. Partially opened
//     resources are released before returning.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (svc *Service, err error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	bg, stop := context.WithCancel(context.Background())
	s := &Service{
		cfg:     cfg,
		logger:  o.logger,
		metrics: observability.NewMetrics(o.registry),
		stop:    stop,
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if cfg.Server.OTelEndpoint != "" {
		shutdown, terr := initTracer(ctx, cfg.Server.OTelEndpoint)
		if terr != nil {
			return nil, fmt.Errorf("init tracer: %w", terr)
		}
		s.closers = append(s.closers, shutdown)
	}

	kvs, err := s.openKV(ctx)
	if err != nil {
		return nil, err
	}
	s.store = s.openMemory(kvs)

	filter, err := s.buildModeration(bg, kvs)
	if err != nil {
		return nil, err
	}

	model := o.model
	if model == nil {
		model, err = llm.New(cfg.LLM.ClientConfig())
		if err != nil {
			return nil, fmt.Errorf("create llm client: %w", err)
		}
	}

	logAdvisor := advisor.NewLoggingAdvisor(s.logger, LoggingAdvisorOrder)
	logAdvisor.IncludeText = cfg.Logging.IncludeText
	s.chain = advisor.NewChain(model, []advisor.Advisor{
		advisor.NewModerationAdvisor(filter, s.logger, s.metrics),
		advisor.NewHistoryAdvisor(s.store,
			advisor.WithHistoryWindow(cfg.Memory.HistorySize),
			advisor.WithDefaultConversationID(cfg.Memory.DefaultConversationID),
			advisor.WithHistoryLogger(s.logger)),
		logAdvisor,
	}, advisor.WithChainLogger(s.logger), advisor.WithChainMetrics(s.metrics))

	s.router = s.initRouter(o.registry)
	return s, nil
}

// openKV opens the KV store for the badger and redis backends. The file
// backend has none.
func (s *Service) openKV(ctx context.Context) (kv.Store, error) {
	mc := s.cfg.Memory
	switch mc.Backend {
	case config.BackendBadger:
		bcfg := kv.DefaultBadgerConfig(config.ExpandHome(mc.Dir))
		if mc.InMemory {
			bcfg = kv.InMemoryBadgerConfig()
		}
		bcfg.Logger = s.logger
		store, err := kv.OpenBadger(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		s.addCloser(store)
		s.logger.Info("conversation store opened", slog.String("backend", "badger"), slog.Bool("in_memory", mc.InMemory))
		return store, nil
	case config.BackendRedis:
		store, err := kv.OpenRedis(ctx, kv.RedisConfig{
			Addr:        mc.Redis.Addr,
			Username:    mc.Redis.Username,
			Password:    mc.Redis.Password,
			DB:          mc.Redis.DB,
			DialTimeout: mc.Redis.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		s.addCloser(store)
		s.logger.Info("conversation store opened", slog.String("backend", "redis"), slog.String("addr", mc.Redis.Addr))
		return store, nil
	default:
		return nil, nil
	}
}

func (s *Service) openMemory(kvs kv.Store) memory.Store {
	opts := []memory.Option{
		memory.WithWritePolicy(s.cfg.Memory.WritePolicy()),
		memory.WithLogger(s.logger),
		memory.WithFailureRecorder(s.metrics),
	}
	if kvs == nil {
		dir := config.ExpandHome(s.cfg.Memory.Dir)
		s.logger.Info("conversation store opened", slog.String("backend", "file"), slog.String("dir", dir))
		return memory.NewFileStore(dir, opts...)
	}
	return memory.NewKVStore(kvs, s.cfg.Memory.TTL, opts...)
}

// buildModeration wires term source, optional KV cache, in-process cache and
// file watcher into a Filter. The watcher lives until Close.
func (s *Service) buildModeration(bg context.Context, kvs kv.Store) (*moderation.Filter, error) {
	mc := s.cfg.Moderation

	var source moderation.TermSource = moderation.StaticSource(mc.Terms)
	if mc.TermsFile != "" {
		source = &moderation.YAMLFileSource{Path: config.ExpandHome(mc.TermsFile)}
	}

	var shared *moderation.KVCachedSource
	if kvs != nil && mc.KVCacheTTL > 0 && mc.TermsFile != "" {
		shared = moderation.NewKVCachedSource(source, kvs, s.logger)
		shared.TTL = mc.KVCacheTTL
		source = shared
	}

	cache := moderation.NewCache(source,
		moderation.WithTTL(mc.CacheTTL),
		moderation.WithCacheLogger(s.logger),
		moderation.WithRefreshRecorder(s.metrics))

	if mc.Watch && mc.TermsFile != "" {
		target := &termsInvalidator{cache: cache, shared: shared, logger: s.logger}
		if err := moderation.Watch(bg, config.ExpandHome(mc.TermsFile), target, s.logger); err != nil {
			return nil, fmt.Errorf("watch term file: %w", err)
		}
	}
	return moderation.NewFilter(cache), nil
}

// termsInvalidator drops the shared KV copy before the local matcher so the
// next refresh reads the file rather than the stale KV entry.
type termsInvalidator struct {
	cache  *moderation.Cache
	shared *moderation.KVCachedSource
	logger *slog.Logger
}

func (t *termsInvalidator) Invalidate() {
	if t.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.shared.InvalidateContext(ctx); err != nil {
			t.logger.Warn("failed to drop shared term cache", slog.String("error", err.Error()))
		}
		cancel()
	}
	t.cache.Invalidate()
}

func (s *Service) initRouter(reg *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(ServiceName), requestLogger(s.logger))

	var metricsHandler http.Handler
	if s.cfg.Server.MetricsEnabled {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	h := handlers.NewHandler(s.chain, s.store,
		handlers.WithLogger(s.logger),
		handlers.WithSystemPrompt(s.cfg.Server.SystemPrompt),
		handlers.WithHeartbeat(s.cfg.Server.SSEHeartbeat))

	var mw []gin.HandlerFunc
	if rl := s.cfg.Server.RateLimit; rl > 0 {
		burst := s.cfg.Server.RateBurst
		if burst <= 0 {
			burst = max(1, int(rl))
		}
		mw = append(mw, handlers.RateLimit(rate.NewLimiter(rate.Limit(rl), burst)))
	}
	routes.SetupRoutes(router, h, metricsHandler, mw...)
	return router
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

// Router returns the HTTP handler.
func (s *Service) Router() *gin.Engine { return s.router }

// Chain returns the advisor chain.
func (s *Service) Chain() *advisor.Chain { return s.chain }

// Store returns the conversation store.
func (s *Service) Store() memory.Store { return s.store }

// Metrics returns the pipeline collectors.
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts down gracefully within ShutdownTimeout.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chat server listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down chat server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close stops the term watcher and releases backends in reverse open order.
func (s *Service) Close() error {
	s.stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Service) addCloser(c io.Closer) {
	s.closers = append(s.closers, func(context.Context) error { return c.Close() })
}

// initTracer exports spans to an OTLP/gRPC collector.
func initTracer(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		err := provider.Shutdown(ctx)
		return errors.Join(err, conn.Close())
	}, nil
}
