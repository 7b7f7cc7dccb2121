// ragserver is the entity-scoped retrieval-augmented research service —
// HTTP surface, bounded worker pool, per-entity vector stores, and the
// streaming tool-calling research agent, all wired up here.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/entityscoped/ragserver/pkg/api"
	"github.com/entityscoped/ragserver/pkg/chunker"
	"github.com/entityscoped/ragserver/pkg/config"
	"github.com/entityscoped/ragserver/pkg/costmeter"
	"github.com/entityscoped/ragserver/pkg/embedder"
	"github.com/entityscoped/ragserver/pkg/entityrag"
	"github.com/entityscoped/ragserver/pkg/kvstore"
	"github.com/entityscoped/ragserver/pkg/llmclient"
	"github.com/entityscoped/ragserver/pkg/manager"
	"github.com/entityscoped/ragserver/pkg/sessionlock"
	"github.com/entityscoped/ragserver/pkg/workerpool"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// fallbackChunker adapts the fixed-size windowing function to
// chunker.Chunker for use when no external chunking service is
// configured.
type fallbackChunker struct{}

func (fallbackChunker) Chunk(_ context.Context, _ string, data []byte, source string) ([]chunker.Chunk, error) {
	return chunker.Fallback(data, source), nil
}

func chunkerFor(cfg config.Config, logger *slog.Logger) chunker.Chunker {
	if cfg.ChunkerBaseURL == "" {
		return fallbackChunker{}
	}
	return chunker.NewHTTPClient(cfg.ChunkerBaseURL, logger)
}

func main() {
	envPath := flag.String("env-path",
		getEnv("ENV_PATH", "./.env"),
		"Path to a .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("no .env file loaded", "path", *envPath, "error", err)
	} else {
		slog.Info("loaded environment", "path", *envPath)
	}

	logger := slog.Default()
	cfg := config.Load(logger)

	ginMode := getEnv("GIN_MODE", "debug")
	gin.SetMode(ginMode)

	logger.Info("starting ragserver",
		"data_dir", cfg.DataDir,
		"backend_port", cfg.BackendPort,
		"gpt_model", cfg.GPTModel,
		"embeddings_model", cfg.EmbeddingsModel,
	)

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "storage"), 0o755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "uploads"), 0o755); err != nil {
		logger.Error("failed to create uploads directory", "error", err)
		os.Exit(1)
	}

	global := kvstore.New(filepath.Join(cfg.DataDir, "storage"), true)

	emb := embedder.NewHashing(1536)
	ragManager := entityrag.New(filepath.Join(cfg.DataDir, "entities"), emb, chunkerFor(cfg, logger), logger)

	maxWorkers := int(0.8 * float64(runtime.NumCPU()))
	if maxWorkers < 2 {
		maxWorkers = 2
	}
	pool := workerpool.New(2, maxWorkers, logger)
	defer pool.Shutdown()

	sessions := sessionlock.New(logger)
	defer sessions.Shutdown()

	meter := costmeter.New(cfg.PricingOverrides)

	var llm manager.LLM
	if cfg.LLMIsAzure {
		llm = llmclient.New(llmclient.Config{
			APIKey:          cfg.LLMAPIKey,
			AzureEndpoint:   cfg.LLMEndpoint,
			AzureDeployment: cfg.LLMDeployment,
			AzureAPIVersion: cfg.LLMAPIVersion,
		}, logger)
	} else {
		llm = llmclient.New(llmclient.Config{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMEndpoint,
		}, logger)
	}

	mgr := manager.New(cfg.DataDir, global, ragManager, pool, sessions, meter, llm, cfg.GPTModel, cfg.Temperature, logger)

	router := gin.Default()
	api.NewServer(mgr).Register(router)

	logger.Info("http server listening", "port", cfg.BackendPort)
	if err := router.Run(":" + cfg.BackendPort); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
