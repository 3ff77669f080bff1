// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the tavern service.
//
// It wires configuration, tracing, metrics, the completion client, the
// Weaviate rules index, persona persistence, the permission gate and the
// HTTP router into one Service.
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig(os.Getenv("TAVERN_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/tavern/pkg/storage/badger"
	"github.com/AleutianAI/tavern/services/llm"
	"github.com/AleutianAI/tavern/services/orchestrator/conversation"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/AleutianAI/tavern/services/orchestrator/handlers"
	"github.com/AleutianAI/tavern/services/orchestrator/intent"
	"github.com/AleutianAI/tavern/services/orchestrator/observability"
	"github.com/AleutianAI/tavern/services/orchestrator/persona"
	"github.com/AleutianAI/tavern/services/orchestrator/retrieval"
	"github.com/AleutianAI/tavern/services/orchestrator/routes"
	"github.com/AleutianAI/tavern/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the tavern service.
//
// # Thread Safety
//
// Run blocks and should only be called once per instance. Router is safe to
// call at any time.
type Service interface {
	// Run serves HTTP until ctx is done, then shuts down gracefully and
	// releases every resource the service holds.
	Run(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Close releases resources without serving. Safe to call after Run.
	Close()
}

// Options overrides collaborators, mainly for tests.
//
// Every field is optional. Nil fields are built from Config.
type Options struct {
	// Chat replaces the OpenAI completion client.
	Chat llm.ChatClient

	// Index replaces the Weaviate rules index.
	Index retrieval.Index

	// Registry receives metrics instead of the global default registry.
	Registry *prometheus.Registry
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New returns.
type service struct {
	config  Config
	router  *gin.Engine
	metrics *observability.TavernMetrics

	chat           llm.ChatClient
	embedder       llm.Embedder
	weaviateClient *weaviate.Client
	index          retrieval.Index
	engine         *retrieval.Engine
	personaDB      *badger.DB
	resolver       *persona.Resolver
	watcher        *persona.FileWatcher
	gate           intent.Gate
	turns          *services.TurnService

	metricsHandler http.Handler
	tracerCleanup  func(context.Context)
	stopBackground context.CancelFunc
	background     sync.WaitGroup
	closeOnce      sync.Once
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a tavern Service.
//
// # Description
//
// New initializes components leaves first:
//  1. Applies default configuration for missing or invalid values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Creates the completion client
//  5. Creates the Weaviate client and rules index if a URL is configured
//  6. Opens persona persistence and starts the file watcher if enabled
//  7. Builds the permission gate
//  8. Sets up HTTP routes
//
// A missing or unreachable Weaviate is not fatal: retrieval reports
// index_unavailable and turns proceed without reference material.
//
// # Inputs
//
//   - cfg: Service configuration. Invalid values are corrected.
//   - opts: Collaborator overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run service.
//   - error: Non-nil if a required component fails to initialize.
func New(cfg Config, opts *Options) (Service, error) {
	if opts == nil {
		opts = &Options{}
	}
	bgCtx, stop := context.WithCancel(context.Background())
	s := &service{
		config:         applyConfigDefaults(cfg),
		stopBackground: stop,
	}

	cleanup, err := s.initTracer()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.initMetrics(opts.Registry)

	if err := s.initLLMClient(opts.Chat); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	if opts.Index != nil {
		s.index = opts.Index
	} else if err := s.initWeaviate(bgCtx); err != nil {
		slog.Warn("Weaviate initialization failed, running without retrieval", "error", err)
	}
	if err := s.initRetrieval(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize retrieval: %w", err)
	}

	if err := s.initPersonas(bgCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize personas: %w", err)
	}

	if err := s.initGate(bgCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize intent gate: %w", err)
	}

	s.turns = services.NewTurnService(s.config.turnConfig(), services.TurnDeps{
		Store:     conversation.NewMemoryStore(s.config.Conversation.MaxHistory),
		Personas:  s.resolver,
		Retriever: s.engine,
		Chat:      s.chat,
		Gate:      s.gate,
		Metrics:   s.metrics,
	})

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting tavern server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Shutting down tavern server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close implements Service.
func (s *service) Close() {
	s.closeOnce.Do(s.cleanup)
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// The endpoint selects the exporter: empty disables tracing, "stdout"
// pretty-prints spans, anything else is an OTLP gRPC collector address.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	endpoint := s.config.Telemetry.OTelEndpoint
	if endpoint == "" {
		slog.Info("Tracing disabled")
		return func(context.Context) {}, nil
	}
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	if endpoint == "stdout" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp
	} else {
		conn, err := grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.Telemetry.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	slog.Info("Tracing enabled", "endpoint", endpoint)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace provider", "error", err)
		}
	}, nil
}

func (s *service) initMetrics(reg *prometheus.Registry) {
	if reg != nil {
		s.metrics = observability.NewMetrics(reg)
		s.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		return
	}
	s.metrics = observability.InitMetrics()
	s.metricsHandler = promhttp.Handler()
}

// initLLMClient creates the OpenAI-compatible completion client.
func (s *service) initLLMClient(override llm.ChatClient) error {
	if override != nil {
		s.chat = override
		if e, ok := override.(llm.Embedder); ok {
			s.embedder = e
		}
		return nil
	}
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:         s.config.LLM.APIKey,
		BaseURL:        s.config.LLM.BaseURL,
		Model:          s.config.LLM.Model,
		EmbeddingModel: s.config.LLM.EmbeddingModel,
		Metrics:        s.metrics,
	})
	if err != nil {
		return err
	}
	s.chat = client
	s.embedder = client
	return nil
}

// initWeaviate creates the Weaviate client and rules index.
//
// # Limitations
//
//   - Returns nil if no URL is configured (optional dependency)
func (s *service) initWeaviate(ctx context.Context) error {
	weaviateURL := strings.Trim(s.config.Weaviate.URL, "\"' ")
	if weaviateURL == "" {
		slog.Info("Weaviate URL not configured, retrieval disabled")
		return nil
	}

	if s.embedder == nil {
		return errors.New("no embedder available for the rules index")
	}

	client, err := NewWeaviateClient(weaviateURL)
	if err != nil {
		return err
	}
	s.weaviateClient = client
	s.index = retrieval.NewWeaviateIndex(client, s.embedder)

	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := datatypes.EnsureWeaviateSchema(schemaCtx, client); err != nil {
		// Queries against a missing class surface as index_error per turn.
		slog.Warn("Failed to ensure Weaviate schema", "error", err)
	}
	slog.Info("Weaviate client initialized", "url", weaviateURL)
	return nil
}

// NewWeaviateClient creates a client for rawURL, which must carry a scheme
// and host.
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

func (s *service) initRetrieval() error {
	vocab, err := retrieval.DefaultVocabulary()
	if err != nil {
		return err
	}
	s.engine = retrieval.NewEngine(s.index, vocab, s.config.Retrieval)
	return nil
}

// initPersonas opens the configured persona store.
func (s *service) initPersonas(ctx context.Context) error {
	var store persona.Store
	switch s.config.Persona.Backend {
	case PersonaBackendFile:
		store = persona.NewFileStore(s.config.Persona.Path)
	case PersonaBackendBadger:
		db, err := badger.Open(badger.DefaultConfig(s.config.Persona.Path))
		if err != nil {
			return err
		}
		s.personaDB = db
		store = persona.NewBadgerStore(db)
	default:
		store = persona.NewMemoryStore(persona.Snapshot{})
	}

	resolver, err := persona.NewResolver(ctx, store, s.config.Persona.FallbackPrompt)
	if err != nil {
		return err
	}
	s.resolver = resolver
	slog.Info("Persona store ready", "backend", s.config.Persona.Backend, "path", s.config.Persona.Path)

	if s.config.Persona.Backend == PersonaBackendFile && s.config.Persona.Watch {
		w, err := persona.NewFileWatcher(s.config.Persona.Path, resolver)
		if err != nil {
			return err
		}
		s.watcher = w
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			w.Run(ctx)
		}()
	}
	return nil
}

func (s *service) initGate(ctx context.Context) error {
	threshold := s.config.Intent.PermissionThreshold
	if s.config.Intent.Gate != GateRego {
		s.gate = intent.ThresholdGate{Min: threshold}
		return nil
	}

	var policy string
	if path := s.config.Intent.PolicyPath; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read intent policy %s: %w", path, err)
		}
		policy = string(data)
	}
	gate, err := intent.NewRegoGate(ctx, policy, threshold)
	if err != nil {
		return err
	}
	s.gate = gate
	slog.Info("Using rego intent gate", "policyPath", s.config.Intent.PolicyPath, "threshold", threshold)
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))

	routes.SetupRoutes(s.router, s.turns, routes.Options{
		APIToken: s.config.Server.APIToken,
		RateLimit: routes.RateLimit{
			PerMinute: s.config.Server.RateLimitPerMinute,
			Burst:     s.config.Server.RateLimitBurst,
		},
		Health:         s.healthConfig(),
		MetricsHandler: s.metricsHandler,
	})
}

func (s *service) healthConfig() handlers.HealthConfig {
	cfg := handlers.HealthConfig{APIConfigured: s.chat != nil}
	if ready, ok := s.index.(interface{ Ready(context.Context) error }); ok {
		cfg.Probes = append(cfg.Probes, handlers.Probe{Name: "weaviate", Check: ready.Ready})
	}
	if s.personaDB != nil {
		cfg.Probes = append(cfg.Probes, handlers.Probe{Name: "persona_store", Check: func(context.Context) error {
			if s.personaDB.IsClosed() {
				return errors.New("persona store is closed")
			}
			return nil
		}})
	}
	return cfg
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	s.stopBackground()
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			slog.Warn("Persona watcher close error", "error", err)
		}
	}
	s.background.Wait()

	if s.personaDB != nil {
		if err := s.personaDB.Close(); err != nil {
			slog.Warn("Persona store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ Service              = (*service)(nil)
	_ handlers.ChatService = (*services.TurnService)(nil)
)
