// Package config loads runtime settings for the paper digest services.
//
// Priority: environment variables > config file > defaults. The config file
// is TOML, read from PAPERBOT_CONFIG or ./paperbot.toml when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Vector backends.
const (
	BackendSQLite = "sqlite"
	BackendQdrant = "qdrant"
)

// Embedding provider selections.
const (
	ProviderAuto  = "auto"
	ProviderModel = "model"
	ProviderHash  = "hash"
)

// DefaultConfigFile is read when PAPERBOT_CONFIG is unset and the file exists.
const DefaultConfigFile = "paperbot.toml"

// DefaultKeywords is the curated preference vocabulary used for digest scoring.
var DefaultKeywords = []string{"RAG", "LLM", "Knowledge Graph", "Vector DB", "Fine-Tuning", "Transformer"}

// ErrInvalidConfig wraps configuration parse and validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every runtime setting.
type Config struct {
	DatabasePath  string `toml:"database_path" validate:"required"`
	VectorBackend string `toml:"vector_backend" validate:"oneof=sqlite qdrant"`
	QdrantHost    string `toml:"qdrant_host"`
	QdrantPort    int    `toml:"qdrant_port" validate:"omitempty,min=1,max=65535"`

	EmbeddingProvider string  `toml:"embedding_provider" validate:"oneof=auto model hash"`
	EmbeddingModel    string  `toml:"embedding_model"`
	OpenAIAPIKey      string  `toml:"-"`
	OpenAIBaseURL     string  `toml:"openai_base_url"`
	OpenAIRPS         float64 `toml:"openai_rps" validate:"gte=0"` // 0 disables client-side throttling
	SummaryModel      string  `toml:"summary_model"`

	Keywords         []string `toml:"keywords"`
	DigestWindowDays int      `toml:"digest_window_days" validate:"gt=0"`
	DigestMaxPapers  int      `toml:"digest_max_papers" validate:"gt=0"`
	EmbedBatchLimit  int      `toml:"embed_batch_limit" validate:"gt=0"`

	Port       string `toml:"port"`
	ServerMode bool   `toml:"server_mode"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		DatabasePath:      "./data/ragbot.db",
		VectorBackend:     BackendSQLite,
		QdrantHost:        "localhost",
		QdrantPort:        6334,
		EmbeddingProvider: ProviderAuto,
		EmbeddingModel:    "text-embedding-3-small",
		OpenAIRPS:         5,
		SummaryModel:      "gpt-4o",
		Keywords:          append([]string(nil), DefaultKeywords...),
		DigestWindowDays:  7,
		DigestMaxPapers:   5,
		EmbedBatchLimit:   50,
		Port:              "8080",
	}
}

// Load reads a .env file if present (local development), then the config
// file, then the process environment. The returned config has not been
// validated.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	path := os.Getenv("PAPERBOT_CONFIG")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// loadFile merges a TOML file over cfg. A missing default file is not an
// error; a missing explicit file is.
func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: failed to parse config file %s: %v", ErrInvalidConfig, path, err)
	}
	c.VectorBackend = strings.ToLower(c.VectorBackend)
	c.EmbeddingProvider = strings.ToLower(c.EmbeddingProvider)
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.DatabasePath, "DATABASE_PATH")
	setString(&c.VectorBackend, "VECTOR_BACKEND")
	c.VectorBackend = strings.ToLower(c.VectorBackend)
	setString(&c.QdrantHost, "QDRANT_HOST")
	setInt(&c.QdrantPort, "QDRANT_PORT")
	setString(&c.EmbeddingProvider, "EMBEDDING_PROVIDER")
	c.EmbeddingProvider = strings.ToLower(c.EmbeddingProvider)
	setString(&c.EmbeddingModel, "EMBEDDING_MODEL")
	setString(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	setFloat(&c.OpenAIRPS, "OPENAI_RPS")
	setString(&c.SummaryModel, "SUMMARY_MODEL")
	setList(&c.Keywords, "DIGEST_KEYWORDS")
	setInt(&c.DigestWindowDays, "DIGEST_WINDOW_DAYS")
	setInt(&c.DigestMaxPapers, "DIGEST_MAX_PAPERS")
	setInt(&c.EmbedBatchLimit, "EMBED_BATCH_LIMIT")
	setString(&c.Port, "PORT")
	if v := os.Getenv("SERVER_MODE"); v != "" {
		c.ServerMode = v == "true"
	}
}

// Validate checks option values that would otherwise fail late.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.EmbeddingProvider == ProviderModel && c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: EMBEDDING_PROVIDER=model requires OPENAI_API_KEY", ErrInvalidConfig)
	}
	return nil
}

// UseModel reports whether the model-backed embedding strategy is selected.
func (c *Config) UseModel() bool {
	switch c.EmbeddingProvider {
	case ProviderModel:
		return true
	case ProviderAuto:
		return c.OpenAIAPIKey != ""
	default:
		return false
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
