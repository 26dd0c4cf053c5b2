// Package config provides configuration loading for ragd.
//
// Configuration is layered: built-in defaults, an optional YAML file, then
// RAGD_-prefixed environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config holds the complete ragd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Store         StoreConfig         `koanf:"store"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Index         IndexConfig         `koanf:"index"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Assembler     AssemblerConfig     `koanf:"assembler"`
	Generation    GenerationConfig    `koanf:"generation"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Events        EventsConfig        `koanf:"events"`
	Corpus        CorpusConfig        `koanf:"corpus"`
	Redaction     RedactionConfig     `koanf:"redaction"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	BodyLimit       string        `koanf:"body_limit"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Caller   bool   `koanf:"caller"`
	Sampling bool   `koanf:"sampling"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
	EnableMetrics   bool    `koanf:"enable_metrics"`
}

// StoreConfig holds document store and chunking configuration.
type StoreConfig struct {
	ChunkSize       int `koanf:"chunk_size"`
	ChunkOverlap    int `koanf:"chunk_overlap"`
	MaxDocumentSize int `koanf:"max_document_size"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	Provider          string        `koanf:"provider"`
	Model             string        `koanf:"model"`
	Dimension         int           `koanf:"dimension"`
	BaseURL           string        `koanf:"base_url"`
	APIKey            Secret        `koanf:"api_key"`
	Timeout           time.Duration `koanf:"timeout"`
	CacheSize         int           `koanf:"cache_size"`
	FastEmbedCacheDir string        `koanf:"fastembed_cache_dir"`
}

// IndexConfig holds vector index configuration.
type IndexConfig struct {
	Provider          string  `koanf:"provider"`
	ChromemPath       string  `koanf:"chromem_path"`
	ChromemCollection string  `koanf:"chromem_collection"`
	QdrantHost        string  `koanf:"qdrant_host"`
	QdrantPort        int     `koanf:"qdrant_port"`
	QdrantCollection  string  `koanf:"qdrant_collection"`
	QdrantUseTLS      bool    `koanf:"qdrant_use_tls"`
	QdrantAPIKey      Secret  `koanf:"qdrant_api_key"`
	MinRecall         float64 `koanf:"min_recall"`
}

// RetrievalConfig holds retriever and re-ranking configuration.
type RetrievalConfig struct {
	TopK             int     `koanf:"top_k"`
	MaxTopK          int     `koanf:"max_top_k"`
	MinScore         float64 `koanf:"min_score"`
	Reranker         string  `koanf:"reranker"`
	SimilarityWeight float64 `koanf:"similarity_weight"`
	OverlapWeight    float64 `koanf:"overlap_weight"`
}

// AssemblerConfig holds context budget configuration.
type AssemblerConfig struct {
	Budget         int    `koanf:"budget"`
	Unit           string `koanf:"unit"`
	TokenizerModel string `koanf:"tokenizer_model"`
}

// GenerationConfig holds generative backend configuration.
type GenerationConfig struct {
	Provider             string        `koanf:"provider"`
	Model                string        `koanf:"model"`
	BaseURL              string        `koanf:"base_url"`
	AnthropicBaseURL     string        `koanf:"anthropic_base_url"`
	APIKey               Secret        `koanf:"api_key"`
	Temperature          float64       `koanf:"temperature"`
	MaxTokens            int           `koanf:"max_tokens"`
	Timeout              time.Duration `koanf:"timeout"`
	MaxAttempts          int           `koanf:"max_attempts"`
	InitialBackoff       time.Duration `koanf:"initial_backoff"`
	RateLimit            float64       `koanf:"rate_limit"` // requests per minute
	RateBurst            int           `koanf:"rate_burst"`
	PromptTemplate       string        `koanf:"prompt_template"`
	FallbackMessage      string        `koanf:"fallback_message"`
	NoInformationMessage string        `koanf:"no_information_message"`
}

// PipelineConfig holds orchestrator configuration.
type PipelineConfig struct {
	CacheSize      int           `koanf:"cache_size"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`
	SingleFlight   bool          `koanf:"single_flight"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	EmbedAttempts  int           `koanf:"embed_attempts"`
	EmbedBackoff   time.Duration `koanf:"embed_backoff"`
	MaxQueryLength int           `koanf:"max_query_length"`
}

// EventsConfig holds corpus event bus configuration.
type EventsConfig struct {
	Provider string `koanf:"provider"`
	NATSURL  string `koanf:"nats_url"`
	Subject  string `koanf:"subject"`
}

// CorpusConfig holds seed corpus configuration.
type CorpusConfig struct {
	Dir         string        `koanf:"dir"`
	Extensions  []string      `koanf:"extensions"`
	Watch       bool          `koanf:"watch"`
	MaxFileSize int64         `koanf:"max_file_size"`
	Debounce    time.Duration `koanf:"debounce"`
}

// RedactionConfig holds ingest-time secret redaction configuration.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistFile string `koanf:"allowlist_file"`
}

var (
	validEmbeddingProviders  = []string{"hash", "tei", "openai", "fastembed"}
	validIndexProviders      = []string{"memory", "chromem", "qdrant"}
	validRerankers           = []string{"none", "overlap"}
	validAssemblerUnits      = []string{"chars", "tokens"}
	validGenerationProviders = []string{"extractive", "openai", "anthropic"}
	validEventProviders      = []string{"local", "nats"}
)

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		errs = append(errs, errors.New("service name required when telemetry is enabled"))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_rate must be in [0,1], got %v", c.Observability.SampleRate))
	}

	if c.Store.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("store.chunk_size must be positive, got %d", c.Store.ChunkSize))
	}
	if c.Store.ChunkOverlap < 0 || c.Store.ChunkOverlap >= c.Store.ChunkSize {
		errs = append(errs, fmt.Errorf("store.chunk_overlap must be in [0, chunk_size), got %d", c.Store.ChunkOverlap))
	}

	if !oneOf(c.Embeddings.Provider, validEmbeddingProviders) {
		errs = append(errs, fmt.Errorf("unknown embeddings.provider %q (valid: %s)", c.Embeddings.Provider, strings.Join(validEmbeddingProviders, ", ")))
	}
	if c.Embeddings.Provider == "hash" && c.Embeddings.Dimension <= 0 {
		errs = append(errs, errors.New("embeddings.dimension must be positive for the hash provider"))
	}
	if c.Embeddings.Provider == "openai" && !c.Embeddings.APIKey.IsSet() && c.Embeddings.BaseURL == "" {
		errs = append(errs, errors.New("embeddings.api_key or embeddings.base_url required for the openai provider"))
	}

	if !oneOf(c.Index.Provider, validIndexProviders) {
		errs = append(errs, fmt.Errorf("unknown index.provider %q (valid: %s)", c.Index.Provider, strings.Join(validIndexProviders, ", ")))
	}
	if c.Index.Provider == "qdrant" {
		if err := validateHost(c.Index.QdrantHost); err != nil {
			errs = append(errs, fmt.Errorf("index.qdrant_host: %w", err))
		}
		if c.Index.QdrantPort < 1 || c.Index.QdrantPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid index.qdrant_port: %d", c.Index.QdrantPort))
		}
	}
	if c.Index.MinRecall < 0 || c.Index.MinRecall > 1 {
		errs = append(errs, fmt.Errorf("index.min_recall must be in [0,1], got %v", c.Index.MinRecall))
	}

	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK))
	}
	if !oneOf(c.Retrieval.Reranker, validRerankers) {
		errs = append(errs, fmt.Errorf("unknown retrieval.reranker %q", c.Retrieval.Reranker))
	}
	if c.Retrieval.SimilarityWeight < 0 || c.Retrieval.OverlapWeight < 0 {
		errs = append(errs, errors.New("retrieval weights must be non-negative"))
	}

	if c.Assembler.Budget <= 0 {
		errs = append(errs, fmt.Errorf("assembler.budget must be positive, got %d", c.Assembler.Budget))
	}
	if !oneOf(c.Assembler.Unit, validAssemblerUnits) {
		errs = append(errs, fmt.Errorf("assembler.unit must be chars or tokens, got %q", c.Assembler.Unit))
	}

	if !oneOf(c.Generation.Provider, validGenerationProviders) {
		errs = append(errs, fmt.Errorf("unknown generation.provider %q (valid: %s)", c.Generation.Provider, strings.Join(validGenerationProviders, ", ")))
	}
	if c.Generation.Provider == "anthropic" && !c.Generation.APIKey.IsSet() {
		errs = append(errs, errors.New("generation.api_key required for the anthropic provider"))
	}
	if c.Generation.Provider == "openai" && !c.Generation.APIKey.IsSet() && c.Generation.BaseURL == "" {
		errs = append(errs, errors.New("generation.api_key or generation.base_url required for the openai provider"))
	}
	if c.Generation.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("generation.max_attempts must be >= 1, got %d", c.Generation.MaxAttempts))
	}
	if tpl := c.Generation.PromptTemplate; tpl != "" {
		if !strings.Contains(tpl, "{{context}}") || !strings.Contains(tpl, "{{question}}") {
			errs = append(errs, errors.New("generation.prompt_template must contain {{context}} and {{question}}"))
		}
	}

	if c.Pipeline.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.cache_size must be >= 0, got %d", c.Pipeline.CacheSize))
	}
	if c.Pipeline.EmbedAttempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.embed_attempts must be >= 1, got %d", c.Pipeline.EmbedAttempts))
	}
	if c.Pipeline.MaxQueryLength <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_query_length must be positive, got %d", c.Pipeline.MaxQueryLength))
	}

	if !oneOf(c.Events.Provider, validEventProviders) {
		errs = append(errs, fmt.Errorf("unknown events.provider %q", c.Events.Provider))
	}
	if c.Events.Subject == "" {
		errs = append(errs, errors.New("events.subject cannot be empty"))
	}

	return errors.Join(errs...)
}

// validateHost rejects hostnames carrying shell metacharacters or whitespace.
func validateHost(host string) error {
	if host == "" {
		return errors.New("host cannot be empty")
	}
	if strings.ContainsAny(host, " \t\r\n;|&$`()<>\\\"'") {
		return fmt.Errorf("invalid characters in host %q", host)
	}
	return nil
}

func oneOf(v string, valid []string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}
