// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/quartermaster-ai/quartermaster/pkg/config"
	"github.com/quartermaster-ai/quartermaster/services/llm"
	"github.com/quartermaster-ai/quartermaster/services/orchestrator"
	"github.com/quartermaster-ai/quartermaster/services/orchestrator/routes"
	"github.com/quartermaster-ai/quartermaster/services/store"
	"github.com/quartermaster-ai/quartermaster/services/tools"
)

func main() {
	root := &cobra.Command{
		Use:   "quartermaster",
		Short: "Retrieval-augmented chat server",
		Long: "quartermaster answers chat questions from uploaded documents, channel\n" +
			"memories, and a per-user state ledger, speaking newline-delimited JSON\n" +
			"over stdio or TCP with an HTTP companion for classification and metrics.",
	}

	root.AddCommand(&cobra.Command{
		Use:   "stdio",
		Short: "Serve the NDJSON protocol on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), false)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the NDJSON protocol on QM_LISTEN_ADDR",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), true)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, tcp bool) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTracer, err := initTracer(ctx)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	engine, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.HTTPPort != "" {
		router := routes.NewRouter(engine)
		go func() {
			if err := router.Run(":" + cfg.HTTPPort); err != nil {
				slog.Error("HTTP companion stopped", "error", err)
			}
		}()
		slog.Info("HTTP companion listening", "port", cfg.HTTPPort)
	}

	server := orchestrator.NewServer(engine)
	if tcp {
		addr := cfg.ListenAddr
		if addr == "" {
			addr = ":12400"
		}
		err = server.ServeTCP(ctx, addr)
	} else {
		err = server.ServeStream(ctx, os.Stdin, os.Stdout)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("shutting down")
	return nil
}

// buildEngine wires the stores, model clients, and tool system into one
// engine. The vector backend is required; the graph backend is optional
// and its absence only disables fallback search, personas, and durable
// state.
func buildEngine(ctx context.Context, cfg *config.Config) (*orchestrator.Engine, error) {
	primary, err := store.NewWeaviateStore(cfg.WeaviateURL, cfg.EmbeddingDimension)
	if err != nil {
		return nil, err
	}

	var graph *store.GraphStore
	if cfg.Neo4jURI != "" {
		graph, err = store.NewGraphStore(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase,
			cfg.EmbeddingDimension)
		if err != nil {
			slog.Warn("graph backend unavailable, continuing without it", "error", err)
			graph = nil
		}
	}
	stores := store.NewFacade(primary, graph)

	completion, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBase, cfg.OpenAIModel)
	if err != nil {
		return nil, err
	}
	embedder, err := llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBase, cfg.EmbeddingModel,
		cfg.EmbeddingDimension, cfg.EmbeddingBatchSize)
	if err != nil {
		return nil, err
	}
	scorer := llm.NewCrossEncoderClient(cfg.CrossEncoderURL)

	registry, err := buildTools()
	if err != nil {
		return nil, err
	}

	engine := orchestrator.NewEngine(orchestrator.Deps{
		Config:     cfg,
		Stores:     stores,
		Completion: completion,
		Embedder:   embedder,
		Scorer:     scorer,
		Registry:   registry,
	})
	if err := engine.HydrateState(ctx); err != nil {
		slog.Warn("ledger hydration failed, starting empty", "error", err)
	}
	return engine, nil
}

func buildTools() (*tools.Registry, error) {
	toolsFile := os.Getenv("QM_TOOLS_FILE")
	if toolsFile == "" {
		toolsFile = "tools.json"
	}
	sandbox, err := tools.NewSandbox()
	if err != nil {
		return nil, err
	}
	storage, err := tools.NewStorage(toolsFile)
	if err != nil {
		return nil, err
	}
	registry := tools.NewRegistry()
	if _, err := tools.NewAuthoring(sandbox, storage, registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func initTracer(ctx context.Context) (func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("quartermaster")))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("tracer shutdown failed", "error", err)
		}
	}, nil
}
