// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/FocusRelay/pkg/logging"
	"github.com/AleutianAI/FocusRelay/services/worker"
	"github.com/AleutianAI/FocusRelay/services/worker/config"
)

// version is stamped by the build.
var version = "dev"

var (
	logLevel string
	logJSON  bool
	logDir   string
)

var rootCmd = &cobra.Command{
	Use:   "focusrelay",
	Short: "FocusRelay caches and updates the FocusFlow app at the edge",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay worker (caching, sync, control channel)",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("focusrelay", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("focusrelay: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", true, "log as JSON")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also log into this directory")

	rootCmd.AddCommand(serveCmd, watchCmd, versionCmd)
}

func newLogger(service string) (*slog.Logger, func() error, error) {
	return logging.New(logging.Config{
		Level:   logLevel,
		Service: service,
		JSON:    logJSON,
		Dir:     logDir,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := newLogger("focusrelay-worker")
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cleanup, err := initTracer(cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup OTLP tracer: %w", err)
	}
	defer cleanup(context.Background())

	server, err := worker.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting relay", "version", version, "port", cfg.Port)
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}

// initTracer wires the OTLP/gRPC exporter. An empty endpoint leaves
// tracing on the default no-op provider.
func initTracer(endpoint string) (func(context.Context), error) {
	if endpoint == "" {
		return func(context.Context) {}, nil
	}
	ctx := context.Background()

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
		resource.WithAttributes(semconv.ServiceNameKey.String("focusrelay-worker")))
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
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
