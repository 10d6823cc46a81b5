package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration used to start the memory engine.
type Profile struct {
	// Embedding collaborator configuration (OpenAI-compatible protocol).
	// All providers (openai, siliconflow, ollama, dashscope) use the same config.
	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingBaseURL    string
	EmbeddingDimensions int

	// Summarization collaborator configuration. Optional: when the API key
	// is empty, consolidation degrades to insight extraction only.
	LLMProvider string
	LLMModel    string
	LLMAPIKey   string
	LLMBaseURL  string

	// Reranker configuration. Optional.
	RerankModel   string
	RerankAPIKey  string
	RerankBaseURL string

	// Engine tuning.
	CacheCapacity int  // retrieval result cache entries
	MaxMemories   int  // capacity eviction threshold
	Consolidation bool // enable the consolidation job
	Lifecycle     bool // enable the background cleanup loop

	// Other configurations.
	Mode    string // "prod" | "dev" | "demo"
	Addr    string // metrics/admin listen address
	Port    int
	Data    string // data directory (sqlite db + index snapshot)
	Driver  string // "sqlite" | "postgres"
	DSN     string
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsEmbeddingEnabled returns true if an embedding collaborator is configured.
func (p *Profile) IsEmbeddingEnabled() bool {
	return p.EmbeddingAPIKey != "" || p.EmbeddingProvider == "static"
}

// IsSummarizeEnabled returns true if the summarization collaborator is configured.
func (p *Profile) IsSummarizeEnabled() bool {
	return p.LLMAPIKey != ""
}

// Provider default configurations for the embedding collaborator.
// Used when MNEMOS_EMBEDDING_BASE_URL is not explicitly set.
var embeddingProviderDefaults = map[string]struct {
	BaseURL    string
	Model      string
	Dimensions int
}{
	"openai": {
		BaseURL:    "https://api.openai.com/v1",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
	},
	"siliconflow": {
		BaseURL:    "https://api.siliconflow.cn/v1",
		Model:      "BAAI/bge-m3",
		Dimensions: 1024,
	},
	"dashscope": {
		BaseURL:    "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:      "text-embedding-v3",
		Dimensions: 1024,
	},
	"ollama": {
		BaseURL:    "http://localhost:11434/v1",
		Model:      "nomic-embed-text",
		Dimensions: 768,
	},
	// Deterministic local embedder, no network. Intended for development
	// and tests.
	"static": {
		Dimensions: 256,
	},
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads collaborator configuration from environment variables.
func (p *Profile) FromEnv() {
	p.EmbeddingProvider = getEnvOrDefault("MNEMOS_EMBEDDING_PROVIDER", "static")
	p.EmbeddingModel = getEnvOrDefault("MNEMOS_EMBEDDING_MODEL", "")
	p.EmbeddingAPIKey = getEnvOrDefault("MNEMOS_EMBEDDING_API_KEY", "")
	p.EmbeddingBaseURL = getEnvOrDefault("MNEMOS_EMBEDDING_BASE_URL", "")
	p.EmbeddingDimensions = getEnvOrDefaultInt("MNEMOS_EMBEDDING_DIMENSIONS", 0)

	if _, ok := embeddingProviderDefaults[p.EmbeddingProvider]; !ok {
		p.EmbeddingProvider = "static"
	}
	if defaults, ok := embeddingProviderDefaults[p.EmbeddingProvider]; ok {
		if p.EmbeddingBaseURL == "" {
			p.EmbeddingBaseURL = defaults.BaseURL
		}
		if p.EmbeddingModel == "" {
			p.EmbeddingModel = defaults.Model
		}
		if p.EmbeddingDimensions <= 0 {
			p.EmbeddingDimensions = defaults.Dimensions
		}
	}

	p.LLMProvider = getEnvOrDefault("MNEMOS_LLM_PROVIDER", "openai")
	p.LLMModel = getEnvOrDefault("MNEMOS_LLM_MODEL", "gpt-4o-mini")
	p.LLMAPIKey = getEnvOrDefault("MNEMOS_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("MNEMOS_LLM_BASE_URL", "")

	p.RerankModel = getEnvOrDefault("MNEMOS_RERANK_MODEL", "BAAI/bge-reranker-v2-m3")
	p.RerankAPIKey = getEnvOrDefault("MNEMOS_RERANK_API_KEY", "")
	p.RerankBaseURL = getEnvOrDefault("MNEMOS_RERANK_BASE_URL", "https://api.siliconflow.cn/v1")

	p.CacheCapacity = getEnvOrDefaultInt("MNEMOS_CACHE_CAPACITY", 1000)
	p.MaxMemories = getEnvOrDefaultInt("MNEMOS_MAX_MEMORIES", 10000)
	p.Consolidation = getEnvOrDefault("MNEMOS_CONSOLIDATION", "true") == "true"
	p.Lifecycle = getEnvOrDefault("MNEMOS_LIFECYCLE", "true") == "true"
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate checks the profile and fills in derived values.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/mnemos"
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return errors.Wrap(err, "invalid data directory")
	}
	p.Data = dataDir

	switch p.Driver {
	case "sqlite", "":
		p.Driver = "sqlite"
		if p.DSN == "" {
			dbFile := fmt.Sprintf("mnemos_%s.db", p.Mode)
			p.DSN = filepath.Join(p.Data, dbFile)
		}
	case "postgres":
		if p.DSN == "" {
			return errors.New("dsn is required for postgres driver")
		}
	default:
		return errors.Errorf("unsupported database driver: %s", p.Driver)
	}

	return nil
}

// IndexDir returns the directory holding the vector index snapshot.
func (p *Profile) IndexDir() string {
	return filepath.Join(p.Data, "index")
}
