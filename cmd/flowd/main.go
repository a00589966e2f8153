// flowd runs the agent orchestration service: the chat and report flow
// graphs, the checkpoint store, and the HTTP/SSE surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opgroeien/flowd/pkg/api"
	"github.com/opgroeien/flowd/pkg/auth"
	"github.com/opgroeien/flowd/pkg/cancel"
	"github.com/opgroeien/flowd/pkg/checkpoint"
	"github.com/opgroeien/flowd/pkg/cleanup"
	"github.com/opgroeien/flowd/pkg/config"
	"github.com/opgroeien/flowd/pkg/database"
	"github.com/opgroeien/flowd/pkg/flows/chat"
	"github.com/opgroeien/flowd/pkg/flows/report"
	"github.com/opgroeien/flowd/pkg/gateway"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/llm"
	"github.com/opgroeien/flowd/pkg/metrics"
	"github.com/opgroeien/flowd/pkg/models"
	"github.com/opgroeien/flowd/pkg/prompt"
	"github.com/opgroeien/flowd/pkg/threads"
	"github.com/opgroeien/flowd/pkg/tools"
	"github.com/opgroeien/flowd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_PATH", "./config/flowd.yaml"),
		"Path to the flowd configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	ctx := context.Background()

	// 1. Configuration and logging
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("Starting "+version.Full(), "config", *configPath,
		"host", cfg.Server.Host, "port", cfg.Server.Port)

	// 2. Database, thread registry and checkpoint store
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	threadRegistry := threads.NewRegistry(dbClient.DB(), logger)
	store := checkpoint.NewPostgresStore(dbClient.DB())

	// 3. Metrics
	promRegistry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(promRegistry)
	metricsRegistry := metrics.NewRegistry(collectors, logger)

	// 4. Model router and gateway
	router := llm.NewRouter(cfg.ModelSpecs())
	gw := gateway.New(router, metricsRegistry, cfg.GatewayConfig(), logger)

	// 5. Prompts, access map and procedure corpus
	prompts, err := prompt.Load(cfg.Prompts)
	if err != nil {
		logger.Error("Failed to load prompt library", "error", err, "path", cfg.Prompts)
		os.Exit(1)
	}
	if cfg.Auth.AccessMapPath == "" {
		logger.Error("No access map configured; set auth.access_map or ACCESS_MAP_PATH")
		os.Exit(1)
	}
	access, err := auth.LoadAccessMap(cfg.Auth.AccessMapPath)
	if err != nil {
		logger.Error("Failed to load access map", "error", err)
		os.Exit(1)
	}
	procedures, err := report.LoadProcedures(cfg.Procedures)
	if err != nil {
		logger.Error("Failed to load procedure corpus", "error", err, "path", cfg.Procedures)
		os.Exit(1)
	}
	logger.Info("Procedure corpus loaded", "count", len(procedures))

	// 6. Flow graphs
	bus := cancel.NewBus()
	chatTools := tools.NewRegistry(tools.NewProcedureLookup(procedures))

	chatCompiled, err := chat.Build(chat.Config{
		Gateway: gw,
		Tools:   chatTools,
		Prompts: prompts,
		Model:   cfg.Flows.ChatModel,
		Logger:  logger,
	}).Compile(graph.CompileOptions{Store: store, Bus: bus, Logger: logger})
	if err != nil {
		logger.Error("Failed to compile chat graph", "error", err)
		os.Exit(1)
	}

	// The consult subgraph is the chat agent on the consult model; its
	// throwaway threads checkpoint in memory, not in postgres.
	consultCompiled, err := chat.Build(chat.Config{
		Gateway: gw,
		Tools:   chatTools,
		Prompts: prompts,
		Model:   cfg.Flows.ConsultModel,
		Logger:  logger,
	}).Compile(graph.CompileOptions{Store: checkpoint.NewMemoryStore(), Logger: logger})
	if err != nil {
		logger.Error("Failed to compile consult graph", "error", err)
		os.Exit(1)
	}

	buildReport := func(analystModel string) (*graph.Compiled, error) {
		if analystModel == "" {
			analystModel = cfg.Flows.AnalystModel
		}
		return report.Build(report.Config{
			Gateway:        gw,
			Tools:          tools.NewRegistry(),
			Prompts:        prompts,
			AnalystModel:   analystModel,
			EditorModel:    cfg.Flows.EditorModel,
			ConsultFlow:    consultCompiled,
			Workers:        cfg.Execution.MaxParallelWorkers,
			MaxRetries:     cfg.Execution.AnalystMaxRetries,
			AnalystTimeout: cfg.AnalystTimeout(),
			Logger:         logger,
		}).Compile(graph.CompileOptions{Store: store, Bus: bus, Logger: logger})
	}
	reportDefault, err := buildReport("")
	if err != nil {
		logger.Error("Failed to compile report graph", "error", err)
		os.Exit(1)
	}

	// 7. Thread retention
	janitor := cleanup.NewService(cleanup.Config{
		ThreadRetention: cfg.ThreadRetention(),
		Interval:        cfg.CleanupInterval(),
	}, threadRegistry, store, logger)
	janitor.Start(ctx)
	defer janitor.Stop()

	// 8. HTTP server
	server := api.NewServer(api.Deps{
		Config:   cfg,
		Access:   access,
		Threads:  threadRegistry,
		DB:       dbClient.DB(),
		Bus:      bus,
		Metrics:  metricsRegistry,
		Gatherer: promRegistry,
		Chat:     chatCompiled,
		Report: func(model string) *graph.Compiled {
			if model == "" {
				return reportDefault
			}
			compiled, err := buildReport(model)
			if err != nil {
				logger.Error("Report graph rebuild failed, using default", "model", model, "error", err)
				return reportDefault
			}
			return compiled
		},
		Procedures: func(context.Context) ([]models.Procedure, error) {
			return procedures, nil
		},
		Logger: logger,
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(runCtx); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
