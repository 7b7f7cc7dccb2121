// Package config loads the service's configuration from a .env file, an
// optional JSON overlay pointed to by CONFIG_PATH, and built-in defaults
// — the same layered bootstrap shape the teacher's cmd/<binary>/main.go
// uses, generalized to this service's flat field set.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the service's full set of runtime knobs, matching the
// enumerated configuration surface.
type Config struct {
	DataDir          string  `json:"data_dir"`
	EmbeddingsModel  string  `json:"embeddings_model"`
	GPTModel         string  `json:"gpt_model"`
	Temperature      float64 `json:"temperature"`
	BackendPort      string  `json:"backend_port"`
	ChunkerBaseURL   string  `json:"chunker_base_url"`

	LLMEndpoint   string `json:"llm_endpoint"`
	LLMAPIKey     string `json:"llm_api_key"`
	LLMDeployment string `json:"llm_deployment"`
	LLMAPIVersion string `json:"llm_api_version"`
	LLMIsAzure    bool   `json:"llm_is_azure"`

	PricingOverrides map[string][3]float64 `json:"pricing_overrides"`
}

func defaults() Config {
	return Config{
		DataDir:         "./data",
		EmbeddingsModel: "text-embedding-3-small",
		GPTModel:        "gpt-4o-mini",
		Temperature:     0.2,
		BackendPort:     "8080",
		ChunkerBaseURL:  "http://localhost:8000",
	}
}

// Load builds the effective Config: defaults, overlaid by the .env file
// (if present) exporting environment variables, overlaid by a JSON file
// named by CONFIG_PATH (if set), overlaid by a handful of direct
// environment variable overrides. It never fails on a missing .env or
// CONFIG_PATH — both are optional, matching the reference's own
// load_json_config fallback-to-defaults behavior.
func Load(logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}

	if err := godotenv.Load(); err != nil {
		logger.Debug("config: no .env file loaded", "error", err)
	}

	cfg := defaults()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				logger.Warn("config: failed to parse CONFIG_PATH, using defaults", "path", path, "error", err)
			}
		} else {
			logger.Debug("config: CONFIG_PATH set but unreadable", "path", path, "error", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("EMBEDDINGS_MODEL"); v != "" {
		cfg.EmbeddingsModel = v
	}
	if v := os.Getenv("GPT_MODEL"); v != "" {
		cfg.GPTModel = v
	}
	if v := os.Getenv("TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Temperature = f
		}
	}
	if v := os.Getenv("BACKEND_PORT"); v != "" {
		cfg.BackendPort = v
	}
	if v := os.Getenv("CHUNKER_BASE_URL"); v != "" {
		cfg.ChunkerBaseURL = v
	}
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		cfg.LLMEndpoint = v
		cfg.LLMIsAzure = true
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("LLM_DEPLOYMENT"); v != "" {
		cfg.LLMDeployment = v
	}
	if v := os.Getenv("LLM_API_VERSION"); v != "" {
		cfg.LLMAPIVersion = v
	}
}
