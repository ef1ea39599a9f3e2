package config

// OpenClawConfig represents the main OpenClaw configuration
type OpenClawConfig struct {
	// Agents
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Memory index
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace path
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// AgentConfig represents an agent configuration
type AgentConfig struct {
	ID        string `json:"id" mapstructure:"id"`
	Name      string `json:"name" mapstructure:"name"`
	Workspace string `json:"workspace" mapstructure:"workspace"`
}

// MemoryConfig holds memory index configuration
type MemoryConfig struct {
	Sources    []string        `json:"sources" mapstructure:"sources"` // memory, sessions
	Store      StoreConfig     `json:"store" mapstructure:"store"`
	Chunking   ChunkingConfig  `json:"chunking" mapstructure:"chunking"`
	Embedding  EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Sync       SyncConfig      `json:"sync" mapstructure:"sync"`
	Hybrid     HybridConfig    `json:"hybrid" mapstructure:"hybrid"`
	ExtraPaths []string        `json:"extra_paths" mapstructure:"extra_paths"`
}

// StoreConfig holds index database settings
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// ChunkingConfig holds chunker settings
type ChunkingConfig struct {
	Tokens  int `json:"tokens" mapstructure:"tokens"`
	Overlap int `json:"overlap" mapstructure:"overlap"`
}

// EmbeddingConfig holds embedding provider settings
type EmbeddingConfig struct {
	Provider      string            `json:"provider" mapstructure:"provider"` // openai, gemini, voyage, local
	Model         string            `json:"model" mapstructure:"model"`
	APIKey        string            `json:"api_key" mapstructure:"api_key"`
	BaseURL       string            `json:"base_url" mapstructure:"base_url"`
	Headers       map[string]string `json:"headers" mapstructure:"headers"`
	Fallback      string            `json:"fallback" mapstructure:"fallback"` // none, openai, gemini, voyage, local
	FallbackModel string            `json:"fallback_model" mapstructure:"fallback_model"`
	Cache         CacheConfig       `json:"cache" mapstructure:"cache"`
	Batch         BatchConfig       `json:"batch" mapstructure:"batch"`
}

// CacheConfig holds embedding cache settings
type CacheConfig struct {
	MaxEntries int `json:"max_entries" mapstructure:"max_entries"`
}

// BatchConfig holds remote batch embedding settings
type BatchConfig struct {
	Enabled        bool `json:"enabled" mapstructure:"enabled"`
	Concurrency    int  `json:"concurrency" mapstructure:"concurrency"`
	TimeoutMinutes int  `json:"timeout_minutes" mapstructure:"timeout_minutes"`
}

// SyncConfig holds sync scheduling settings
type SyncConfig struct {
	Watch           bool                  `json:"watch" mapstructure:"watch"`
	WatchDebounceMs int                   `json:"watch_debounce_ms" mapstructure:"watch_debounce_ms"`
	IntervalMinutes int                   `json:"interval_minutes" mapstructure:"interval_minutes"`
	OnSessionStart  bool                  `json:"on_session_start" mapstructure:"on_session_start"`
	OnSearch        bool                  `json:"on_search" mapstructure:"on_search"`
	Thresholds      SessionDeltaThreshold `json:"thresholds" mapstructure:"thresholds"`
}

// SessionDeltaThreshold holds session transcript delta thresholds
type SessionDeltaThreshold struct {
	DeltaBytes    int64 `json:"delta_bytes" mapstructure:"delta_bytes"`
	DeltaMessages int   `json:"delta_messages" mapstructure:"delta_messages"`
}

// HybridConfig holds hybrid search settings
type HybridConfig struct {
	Enabled             bool    `json:"enabled" mapstructure:"enabled"`
	VectorWeight        float64 `json:"vector_weight" mapstructure:"vector_weight"`
	TextWeight          float64 `json:"text_weight" mapstructure:"text_weight"`
	CandidateMultiplier float64 `json:"candidate_multiplier" mapstructure:"candidate_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *OpenClawConfig {
	return &OpenClawConfig{
		Memory: MemoryConfig{
			Sources: []string{"memory", "sessions"},
			Chunking: ChunkingConfig{
				Tokens:  512,
				Overlap: 64,
			},
			Embedding: EmbeddingConfig{
				Provider: "openai",
				Fallback: "none",
				Cache: CacheConfig{
					MaxEntries: 10000,
				},
				Batch: BatchConfig{
					Enabled:        false,
					Concurrency:    8,
					TimeoutMinutes: 60,
				},
			},
			Sync: SyncConfig{
				Watch:           true,
				WatchDebounceMs: 1500,
				IntervalMinutes: 0,
				OnSessionStart:  true,
				OnSearch:        true,
				Thresholds: SessionDeltaThreshold{
					DeltaBytes:    8192,
					DeltaMessages: 10,
				},
			},
			Hybrid: HybridConfig{
				Enabled:             true,
				VectorWeight:        0.7,
				TextWeight:          0.3,
				CandidateMultiplier: 4,
			},
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}
