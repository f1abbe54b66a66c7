// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles and runs the strait proxy server.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/commands"
	"github.com/AleutianAI/strait/services/gateway/control"
	"github.com/AleutianAI/strait/services/gateway/observability"
	"github.com/AleutianAI/strait/services/gateway/routes"
	"github.com/AleutianAI/strait/services/gateway/secrets"
	"github.com/AleutianAI/strait/services/gateway/services"
	"github.com/AleutianAI/strait/services/gateway/session"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

// Options carries everything New needs, already translated from the
// config file by the CLI. The gateway never reads the config format
// itself.
type Options struct {
	// ListenAddr is the host:port to serve on.
	ListenAddr string

	// APIKeys are the accepted inbound bearer keys. Empty disables auth.
	APIKeys []string

	// Backends describes the upstream adapters to register.
	Backends []BackendSpec

	// Dev registers the in-process dummy backend alongside the
	// configured ones.
	Dev bool

	// SessionTTL and SweepInterval govern the session store janitor.
	SessionTTL    time.Duration
	SweepInterval time.Duration

	// Retry bounds rate-limit retries against upstreams.
	Retry backends.RetryPolicy

	// LoopDefaults seed each new session's loop detector.
	LoopDefaults control.Config

	// ModelsTTL is the model listing cache lifetime.
	ModelsTTL time.Duration
}

// BackendSpec describes one upstream adapter.
type BackendSpec struct {
	// Type selects the adapter: openai, gemini, anthropic, or dummy.
	Type string

	// Prefix is the routing prefix ("fast" routes "fast:gpt-4o").
	Prefix string

	// BaseURL overrides the adapter's default endpoint. The openai
	// adapter reaches OpenRouter, vLLM, or Ollama this way.
	BaseURL string

	// APIKeyEnv names the environment variable holding the upstream
	// key. Empty means a keyless endpoint.
	APIKeyEnv string

	// Default marks this backend as the route for unprefixed models.
	Default bool

	// RPS and Burst, when positive, put a client-side rate limiter in
	// front of the adapter.
	RPS   float64
	Burst int

	// Timeout bounds each upstream HTTP call.
	Timeout time.Duration
}

// Server is an assembled gateway, ready to Run.
//
// # Description
//
// New wires the full request path: vault, backend registry, retry
// controller, session store with janitor, chat pipeline, and the gin
// router with tracing middleware and all routes. The CLI layers config
// hot-reload on top through Store and the logging handle it owns.
//
// # Thread Safety
//
// Safe for concurrent use once constructed. Run and Close should each
// be called once.
type Server struct {
	opts    Options
	router  *gin.Engine
	store   *session.Store
	janitor *session.Janitor
	vault   secrets.Vault

	tracerCleanup func(context.Context)
}

// New assembles a Server from opts. The context bounds the janitor
// goroutine; cancelling it stops background sweeps but not the
// listener.
func New(ctx context.Context, opts Options) (*Server, error) {
	cleanup, err := initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to setup the OTLP tracer: %w", err)
	}

	if observability.DefaultMetrics == nil {
		observability.InitMetrics()
	}

	vault, err := secrets.NewVault()
	if err != nil {
		cleanup(context.Background())
		return nil, fmt.Errorf("failed to create the key vault: %w", err)
	}

	registry, err := buildRegistry(opts, vault)
	if err != nil {
		vault.Destroy()
		cleanup(context.Background())
		return nil, err
	}

	retry := backends.NewRetryController(opts.Retry).
		OnWait(func(op string, _ int, delay time.Duration) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordRetryWait(op, delay.Seconds())
			}
		})

	store := session.NewStore(session.StoreConfig{
		TTL:          opts.SessionTTL,
		LoopDefaults: opts.LoopDefaults,
	})
	janitor := session.NewJanitor(store, opts.SweepInterval)
	if err := janitor.Start(ctx); err != nil {
		vault.Destroy()
		cleanup(context.Background())
		return nil, err
	}

	pipeline := services.NewChatPipeline(registry, store,
		commands.NewExecutor(commands.NewRegistry()), retry)
	models := backends.NewModelsCache(registry, opts.ModelsTTL)

	router := gin.Default()
	router.Use(otelgin.Middleware("strait-gateway"))
	routes.SetupRoutes(router, pipeline, models, store, opts.APIKeys)

	slog.Info("strait gateway assembled",
		"backends", registry.Prefixes(),
		"auth", len(opts.APIKeys) > 0,
		"session_ttl", store.TTL().String(),
	)
	return &Server{
		opts:          opts,
		router:        router,
		store:         store,
		janitor:       janitor,
		vault:         vault,
		tracerCleanup: cleanup,
	}, nil
}

// Router exposes the assembled gin engine. Tests drive it with
// httptest instead of binding a port.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Store exposes the session store for config hot-reload.
func (s *Server) Store() *session.Store {
	return s.store
}

// Run serves until the listener fails. Blocks.
func (s *Server) Run() error {
	addr := s.opts.ListenAddr
	if addr == "" {
		addr = ":8787"
	}
	slog.Info("strait gateway listening", "addr", addr)
	return s.router.Run(addr)
}

// Close stops the janitor, wipes the key vault, and flushes traces.
func (s *Server) Close() {
	s.janitor.Stop()
	s.vault.Destroy()
	s.tracerCleanup(context.Background())
}

// Run assembles a gateway and serves it. Convenience for callers that
// do not need the Server handle.
func Run(ctx context.Context, opts Options) error {
	srv, err := New(ctx, opts)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Run()
}

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("strait-gateway")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildRegistry constructs and registers every configured backend.
func buildRegistry(opts Options, vault secrets.Vault) (*backends.Registry, error) {
	registry := backends.NewRegistry()

	for _, spec := range opts.Backends {
		b, err := buildBackend(spec, vault)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", spec.Prefix, err)
		}
		if spec.RPS > 0 {
			b = backends.NewThrottledBackend(b, spec.RPS, spec.Burst)
		}
		if err := registry.Register(b); err != nil {
			return nil, err
		}
		if spec.Default {
			if err := registry.SetDefault(spec.Prefix); err != nil {
				return nil, err
			}
		}
	}

	if opts.Dev {
		if _, exists := registry.Get("dummy"); !exists {
			if err := registry.Register(backends.NewDummyBackend("dummy")); err != nil {
				return nil, err
			}
			slog.Info("registered dummy backend (dev mode)")
		}
	}

	if registry.Len() == 0 {
		return nil, fmt.Errorf("no backends configured; add one to the config file or pass --dev")
	}
	return registry, nil
}

// buildBackend constructs one adapter from its spec. The upstream key,
// when configured, moves from the environment into the vault and is
// read back per call.
func buildBackend(spec BackendSpec, vault secrets.Vault) (backends.Backend, error) {
	if spec.APIKeyEnv != "" {
		if key := os.Getenv(spec.APIKeyEnv); key != "" {
			if err := vault.Store(spec.Prefix, key); err != nil {
				return nil, err
			}
		} else {
			slog.Warn("API key environment variable is empty; upstream calls may be rejected",
				"backend", spec.Prefix, "env", spec.APIKeyEnv)
		}
	}
	key := vaultKeyFunc(vault, spec.Prefix)

	switch spec.Type {
	case "openai":
		return backends.NewOpenAIBackend(backends.OpenAIConfig{
			Prefix:  spec.Prefix,
			BaseURL: spec.BaseURL,
			Timeout: spec.Timeout,
		}, key)
	case "gemini":
		return backends.NewGeminiBackend(backends.GeminiConfig{
			Prefix:  spec.Prefix,
			BaseURL: spec.BaseURL,
			Timeout: spec.Timeout,
		}, key)
	case "anthropic", "claude":
		return backends.NewAnthropicBackend(backends.AnthropicConfig{
			Prefix:  spec.Prefix,
			BaseURL: spec.BaseURL,
			Timeout: spec.Timeout,
		}, key)
	case "dummy":
		return backends.NewDummyBackend(spec.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q (want openai, gemini, anthropic, or dummy)", spec.Type)
	}
}

// vaultKeyFunc reads the backend's key out of the vault per call. A
// missing key yields an empty string: keyless local endpoints (vLLM,
// Ollama) are legitimate.
func vaultKeyFunc(vault secrets.Vault, prefix string) backends.KeyFunc {
	return func() (string, error) {
		key, _ := vault.Get(prefix)
		return key, nil
	}
}
