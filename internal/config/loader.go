package config

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix for environment overrides.
	EnvPrefix = "RAGD_"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return &cfg
}

// LoadWithFile loads configuration from the embedded defaults, then the YAML
// file at configPath (if it exists), then environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RAGD_SERVER_PORT, RAGD_EMBEDDINGS_PROVIDER, ...)
//  2. YAML config file
//  3. Built-in defaults
//
// An empty configPath uses ~/.config/ragd/config.yaml.
//
// # Security Considerations
//
// Only files under ~/.config/ragd/ or /etc/ragd/ are accepted. Existing files
// must have 0600 or 0400 permissions and be at most 1MB.
//
// # Environment Variable Mapping
//
// The RAGD_ prefix is stripped and the remainder split on its first
// underscore:
//
//	RAGD_SERVER_PORT           -> server.port
//	RAGD_GENERATION_API_KEY    -> generation.api_key
//	RAGD_PIPELINE_CACHE_TTL    -> pipeline.cache_ttl
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load built-in defaults: %w", err)
	}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "ragd", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps RAGD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// allowedConfigDirs returns the directories config files may live in.
func allowedConfigDirs() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return []string{
		filepath.Join(home, ".config", "ragd"),
		"/etc/ragd",
	}, nil
}

// validateConfigPath checks that path resolves inside an allowed directory.
// It runs even if the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
		if parent, perr := filepath.EvalSymlinks(filepath.Dir(absPath)); perr == nil {
			resolvedPath = filepath.Join(parent, filepath.Base(absPath))
		}
	}

	dirs, err := allowedConfigDirs()
	if err != nil {
		return err
	}

	for _, dir := range dirs {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			dir = resolved
		}
		rel, err := filepath.Rel(dir, resolvedPath)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "." {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/ragd/ or /etc/ragd/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("config path is not a regular file")
	}

	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults fills values derived from other settings.
func applyDefaults(cfg *Config) {
	if cfg.Retrieval.MaxTopK < cfg.Retrieval.TopK {
		cfg.Retrieval.MaxTopK = cfg.Retrieval.TopK
	}
	if cfg.Server.RequestTimeout > 0 && cfg.Pipeline.RequestTimeout <= 0 {
		cfg.Pipeline.RequestTimeout = cfg.Server.RequestTimeout
	}
	if cfg.Embeddings.Provider == "openai" && cfg.Embeddings.BaseURL == "http://localhost:8080" && cfg.Embeddings.APIKey.IsSet() {
		// The default base URL targets a local TEI server, not OpenAI.
		cfg.Embeddings.BaseURL = ""
	}
	if cfg.Generation.MaxAttempts == 0 {
		cfg.Generation.MaxAttempts = 2
	}
	if cfg.Index.ChromemPath != "" && strings.HasPrefix(cfg.Index.ChromemPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Index.ChromemPath = filepath.Join(home, cfg.Index.ChromemPath[2:])
		}
	}
}
