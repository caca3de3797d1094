// Package config provides configuration loading for patchvec.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Auth        AuthConfig        `koanf:"auth"`
	VectorStore VectorStoreConfig `koanf:"vector_store"`
	Embedder    EmbedderConfig    `koanf:"embedder"`
	Chunk       ChunkConfig       `koanf:"chunk"`
	Limits      LimitsConfig      `koanf:"limits"`
	Search      SearchConfig      `koanf:"search"`
	Log         LogConfig         `koanf:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Workers  int    `koanf:"workers"`
	LogLevel string `koanf:"log_level"`
}

// AuthConfig selects the authentication mode.
type AuthConfig struct {
	// Mode is "none" or "static".
	Mode string `koanf:"mode"`

	// GlobalKey grants access to every tenant when presented.
	GlobalKey string `koanf:"global_key"`

	// TenantsFile is a YAML file mapping bearer keys to tenant slugs.
	TenantsFile string `koanf:"tenants_file"`
}

// VectorStoreConfig selects and locates the vector backend.
type VectorStoreConfig struct {
	// Type is the store flavor. Only "embedded" is supported.
	Type string `koanf:"type"`

	// Backend selects the embedded implementation: "sqlite" or "chromem".
	Backend string `koanf:"backend"`

	// DataDir is the root data directory, one subdirectory per tenant.
	DataDir string `koanf:"data_dir"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	// Type is "openai" or "mock".
	Type string `koanf:"type"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// BaseURL overrides the provider endpoint (OpenAI-compatible APIs).
	BaseURL string `koanf:"base_url"`

	// APIKey authenticates against the provider.
	APIKey string `koanf:"api_key"`
}

// ChunkConfig holds preprocessor knobs.
type ChunkConfig struct {
	Txt TxtChunkConfig `koanf:"txt"`
}

// TxtChunkConfig holds the sliding-window parameters for plain text.
type TxtChunkConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// LimitsConfig holds admission control settings.
type LimitsConfig struct {
	Search SearchLimits `koanf:"search"`
	Ingest IngestLimits `koanf:"ingest"`
	Tenant TenantLimits `koanf:"tenant"`
}

// SearchLimits caps concurrent searches and bounds their runtime.
type SearchLimits struct {
	MaxConcurrent int `koanf:"max_concurrent"`
	TimeoutMS     int `koanf:"timeout_ms"`
}

// IngestLimits caps concurrent ingests and payload size.
type IngestLimits struct {
	MaxConcurrent int   `koanf:"max_concurrent"`
	MaxBytes      int64 `koanf:"max_bytes"`
}

// TenantLimits caps per-tenant concurrency. Zero disables the cap.
type TenantLimits struct {
	MaxConcurrent int `koanf:"max_concurrent"`
}

// SearchConfig holds search tuning knobs.
type SearchConfig struct {
	// Overfetch multiplies k when a post-filter must prune candidates.
	Overfetch int `koanf:"overfetch"`
}

// LogConfig routes the operational and access event streams.
// OpsLog is "" (disabled), "stdout", or a file path. AccessLog is an
// on/off switch: any non-empty value writes one line per HTTP request
// to the process logger; the value is not used as a destination, so
// access lines are not routed to stdout or a file of their own.
type LogConfig struct {
	OpsLog    string `koanf:"ops_log"`
	AccessLog string `koanf:"access_log"`
}

// SearchTimeout returns the search timeout as a duration.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Limits.Search.TimeoutMS) * time.Millisecond
}

// applyDefaults sets built-in defaults for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = 4
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "none"
	}
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "embedded"
	}
	if cfg.VectorStore.Backend == "" {
		cfg.VectorStore.Backend = "sqlite"
	}
	if cfg.VectorStore.DataDir == "" {
		cfg.VectorStore.DataDir = "./data"
	}
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "mock"
	}
	if cfg.Chunk.Txt.Size == 0 {
		cfg.Chunk.Txt.Size = 800
	}
	if cfg.Chunk.Txt.Overlap == 0 {
		cfg.Chunk.Txt.Overlap = 120
	}
	if cfg.Limits.Search.MaxConcurrent == 0 {
		cfg.Limits.Search.MaxConcurrent = 64
	}
	if cfg.Limits.Search.TimeoutMS == 0 {
		cfg.Limits.Search.TimeoutMS = 5000
	}
	if cfg.Limits.Ingest.MaxConcurrent == 0 {
		cfg.Limits.Ingest.MaxConcurrent = 4
	}
	if cfg.Limits.Ingest.MaxBytes == 0 {
		cfg.Limits.Ingest.MaxBytes = 64 << 20
	}
	if cfg.Search.Overfetch == 0 {
		cfg.Search.Overfetch = 5
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Auth.Mode {
	case "none", "static":
	default:
		return fmt.Errorf("auth.mode must be none or static, got %q", c.Auth.Mode)
	}
	if c.Auth.Mode == "static" && c.Auth.GlobalKey == "" && c.Auth.TenantsFile == "" {
		return fmt.Errorf("auth.mode static requires auth.global_key or auth.tenants_file")
	}
	if c.VectorStore.Type != "embedded" {
		return fmt.Errorf("vector_store.type must be embedded, got %q", c.VectorStore.Type)
	}
	switch c.VectorStore.Backend {
	case "sqlite", "chromem":
	default:
		return fmt.Errorf("vector_store.backend must be sqlite or chromem, got %q", c.VectorStore.Backend)
	}
	switch c.Embedder.Type {
	case "openai", "mock":
	default:
		return fmt.Errorf("embedder.type must be openai or mock, got %q", c.Embedder.Type)
	}
	if c.Chunk.Txt.Size <= 0 {
		return fmt.Errorf("chunk.txt.size must be positive")
	}
	if c.Chunk.Txt.Overlap < 0 || c.Chunk.Txt.Overlap >= c.Chunk.Txt.Size {
		return fmt.Errorf("chunk.txt.overlap must be in [0, chunk.txt.size)")
	}
	if c.Search.Overfetch < 1 {
		return fmt.Errorf("search.overfetch must be at least 1")
	}
	return nil
}
