package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all cadgraph configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Graph store endpoint and pool tuning
	Graph GraphConfig `yaml:"graph"`

	// Ingest pipeline settings
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Batch writer settings
	Batch BatchConfig `yaml:"batch"`

	// Enrichment job manager
	Jobs JobsConfig `yaml:"jobs"`

	// Rendering and OCR enrichment
	Enrich EnrichConfig `yaml:"enrich"`

	// External CAD parser
	Parser ParserConfig `yaml:"parser"`

	// Local ingest ledger
	Ledger LedgerConfig `yaml:"ledger"`

	// Hot-folder watching
	Watch WatchConfig `yaml:"watch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GraphConfig configures the graph store connection.
type GraphConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	// Pool tuning
	ConnectionLifetime string `yaml:"connection_lifetime"`
	PoolSize           int    `yaml:"pool_size"`
	AcquireTimeout     string `yaml:"acquire_timeout"`
}

// PipelineConfig configures ingest staging and the streaming strategy.
type PipelineConfig struct {
	StagingDir    string `yaml:"staging_dir"`
	MaxFileSizeMB int64  `yaml:"max_file_size_mb"`

	// Streaming kicks in above this entity count.
	StreamingEntityThreshold int `yaml:"streaming_entity_threshold"`

	// Chunk sizing; the large variant applies above LargeEntityThreshold.
	StreamingChunkSize   int `yaml:"streaming_chunk_size"`
	LargeChunkSize       int `yaml:"large_chunk_size"`
	LargeEntityThreshold int `yaml:"large_entity_threshold"`

	// Wall-clock guard on the streaming path before falling back.
	StreamingTimeout string `yaml:"streaming_timeout"`
}

// BatchConfig configures batched graph writes.
type BatchConfig struct {
	RetryMax          int     `yaml:"retry_max"`
	MemoryHighPct     float64 `yaml:"memory_high_pct"`
	MemoryCriticalPct float64 `yaml:"memory_critical_pct"`
	MinBatchSize      int     `yaml:"min_batch_size"`
	MaxBatchSize      int     `yaml:"max_batch_size"`
}

// JobsConfig configures the enrichment job manager.
type JobsConfig struct {
	MaxWorkers   int    `yaml:"max_workers"`
	ResultsDir   string `yaml:"results_dir"`
	PollInterval string `yaml:"poll_interval"`
	MaxAge       string `yaml:"max_age"`
}

// EnrichConfig configures rendering and OCR.
type EnrichConfig struct {
	Enabled       bool    `yaml:"enabled"`
	GeminiAPIKey  string  `yaml:"gemini_api_key"`
	Model         string  `yaml:"model"`
	MinConfidence float64 `yaml:"min_confidence"`
	RenderSize    int     `yaml:"render_size"`
}

// ParserConfig configures the external CAD parser command.
type ParserConfig struct {
	// Command template; {in} and {out} expand to the file paths.
	Command string `yaml:"command"`
	Timeout string `yaml:"timeout"`
}

// LedgerConfig configures the local SQLite ingest ledger.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// WatchConfig configures hot-folder ingestion.
type WatchConfig struct {
	Dir      string `yaml:"dir"`
	Debounce string `yaml:"debounce"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cadgraph",
		Version: "1.0.0",

		Graph: GraphConfig{
			URI:                "bolt://localhost:7687",
			User:               "neo4j",
			Database:           "neo4j",
			ConnectionLifetime: "30m",
			PoolSize:           100,
			AcquireTimeout:     "60s",
		},

		Pipeline: PipelineConfig{
			StagingDir:               "uploads",
			MaxFileSizeMB:            50,
			StreamingEntityThreshold: 5000,
			StreamingChunkSize:       3000,
			LargeChunkSize:           2000,
			LargeEntityThreshold:     20000,
			StreamingTimeout:         "120s",
		},

		Batch: BatchConfig{
			RetryMax:          3,
			MemoryHighPct:     75,
			MemoryCriticalPct: 85,
			MinBatchSize:      50,
			MaxBatchSize:      5000,
		},

		Jobs: JobsConfig{
			MaxWorkers:   2,
			ResultsDir:   "ocr_results",
			PollInterval: "1s",
			MaxAge:       "24h",
		},

		Enrich: EnrichConfig{
			Enabled:       false,
			Model:         "gemini-2.0-flash",
			MinConfidence: 0.5,
			RenderSize:    2048,
		},

		Parser: ParserConfig{
			Command: "dwgread -O JSON -o {out} {in}",
			Timeout: "300s",
		},

		Ledger: LedgerConfig{
			Path: ".cadgraph/ledger.db",
		},

		Watch: WatchConfig{
			Debounce: "2s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "cadgraph.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. Duration-valued
// options take whole seconds, matching their _S suffix.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GRAPH_URI"); v != "" {
		c.Graph.URI = v
	}
	if v := os.Getenv("GRAPH_USER"); v != "" {
		c.Graph.User = v
	}
	if v := os.Getenv("GRAPH_PASSWORD"); v != "" {
		c.Graph.Password = v
	}
	if v := os.Getenv("GRAPH_DATABASE"); v != "" {
		c.Graph.Database = v
	}
	if n, ok := envInt("CONNECTION_LIFETIME_S"); ok {
		c.Graph.ConnectionLifetime = fmt.Sprintf("%ds", n)
	}
	if n, ok := envInt("CONNECTION_POOL_SIZE"); ok {
		c.Graph.PoolSize = n
	}
	if n, ok := envInt("CONNECTION_ACQUIRE_TIMEOUT_S"); ok {
		c.Graph.AcquireTimeout = fmt.Sprintf("%ds", n)
	}

	if n, ok := envInt("STREAMING_ENTITY_THRESHOLD"); ok {
		c.Pipeline.StreamingEntityThreshold = n
	}
	if n, ok := envInt("STREAMING_CHUNK_SIZE"); ok {
		c.Pipeline.StreamingChunkSize = n
	}
	if n, ok := envInt("STREAMING_TIMEOUT_S"); ok {
		c.Pipeline.StreamingTimeout = fmt.Sprintf("%ds", n)
	}

	if n, ok := envInt("BATCH_RETRY_MAX"); ok {
		c.Batch.RetryMax = n
	}
	if f, ok := envFloat("MEMORY_HIGH_PCT"); ok {
		c.Batch.MemoryHighPct = f
	}
	if f, ok := envFloat("MEMORY_CRITICAL_PCT"); ok {
		c.Batch.MemoryCriticalPct = f
	}

	if n, ok := envInt("MAX_WORKERS"); ok {
		c.Jobs.MaxWorkers = n
	}

	if v := os.Getenv("ASYNC_ENRICHMENT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Enrich.Enabled = b
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Enrich.GeminiAPIKey = key
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// GetConnectionLifetime returns the driver connection lifetime as a duration.
func (c *Config) GetConnectionLifetime() time.Duration {
	d, err := time.ParseDuration(c.Graph.ConnectionLifetime)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetAcquireTimeout returns the session acquisition timeout as a duration.
func (c *Config) GetAcquireTimeout() time.Duration {
	d, err := time.ParseDuration(c.Graph.AcquireTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetStreamingTimeout returns the streaming wall-clock guard as a duration.
func (c *Config) GetStreamingTimeout() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.StreamingTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetParserTimeout returns the external parser timeout as a duration.
func (c *Config) GetParserTimeout() time.Duration {
	d, err := time.ParseDuration(c.Parser.Timeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// GetJobPollInterval returns the worker queue poll interval as a duration.
func (c *Config) GetJobPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Jobs.PollInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// GetJobMaxAge returns the job eviction age as a duration.
func (c *Config) GetJobMaxAge() time.Duration {
	d, err := time.ParseDuration(c.Jobs.MaxAge)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetWatchDebounce returns the hot-folder debounce window as a duration.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// MaxFileSizeBytes returns the upload size cap in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return c.Pipeline.MaxFileSizeMB * 1024 * 1024
}

// UseStreaming reports whether an entity count takes the streaming path.
// Counts at exactly the threshold stay on the whole-file path.
func (c *Config) UseStreaming(entityCount int) bool {
	return entityCount > c.Pipeline.StreamingEntityThreshold
}

// ChunkSizeFor returns the streaming chunk size for an entity count.
func (c *Config) ChunkSizeFor(entityCount int) int {
	if entityCount > c.Pipeline.LargeEntityThreshold {
		return c.Pipeline.LargeChunkSize
	}
	return c.Pipeline.StreamingChunkSize
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Graph.URI == "" {
		return fmt.Errorf("graph store URI not configured (set GRAPH_URI or graph.uri)")
	}
	if c.Graph.PoolSize < 1 {
		return fmt.Errorf("connection pool size must be at least 1, got %d", c.Graph.PoolSize)
	}
	if c.Jobs.MaxWorkers < 1 {
		return fmt.Errorf("job worker count must be at least 1, got %d", c.Jobs.MaxWorkers)
	}
	if c.Pipeline.StreamingEntityThreshold < 1 {
		return fmt.Errorf("streaming entity threshold must be positive, got %d", c.Pipeline.StreamingEntityThreshold)
	}
	if c.Pipeline.StreamingChunkSize < 1 || c.Pipeline.LargeChunkSize < 1 {
		return fmt.Errorf("chunk sizes must be positive, got %d and %d", c.Pipeline.StreamingChunkSize, c.Pipeline.LargeChunkSize)
	}
	if c.Batch.RetryMax < 0 {
		return fmt.Errorf("batch retry max must not be negative, got %d", c.Batch.RetryMax)
	}
	if c.Batch.MinBatchSize < 1 || c.Batch.MaxBatchSize < c.Batch.MinBatchSize {
		return fmt.Errorf("batch size bounds must satisfy 1 <= min <= max, got %d and %d",
			c.Batch.MinBatchSize, c.Batch.MaxBatchSize)
	}
	if c.Batch.MemoryHighPct <= 0 || c.Batch.MemoryCriticalPct > 100 || c.Batch.MemoryHighPct >= c.Batch.MemoryCriticalPct {
		return fmt.Errorf("memory thresholds must satisfy 0 < high < critical <= 100, got %.0f and %.0f",
			c.Batch.MemoryHighPct, c.Batch.MemoryCriticalPct)
	}
	if c.Pipeline.MaxFileSizeMB < 1 {
		return fmt.Errorf("max file size must be at least 1 MB, got %d", c.Pipeline.MaxFileSizeMB)
	}
	if c.Enrich.Enabled && c.Enrich.GeminiAPIKey == "" {
		return fmt.Errorf("enrichment enabled but no OCR API key configured (set GEMINI_API_KEY or enrich.gemini_api_key)")
	}
	return nil
}

// IsEnrichmentEnabled returns whether async enrichment jobs run after ingest.
func (c *Config) IsEnrichmentEnabled() bool {
	return c.Enrich.Enabled
}
