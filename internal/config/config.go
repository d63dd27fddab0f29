// Package config loads kiln configuration: defaults, then a TOML file,
// then KILN_* environment overrides, then clamps. Model API credentials are
// never part of the config; providers read them from the environment at
// construction.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
)

type Config struct {
	DataDir   string          `toml:"data_dir"`
	Models    ModelsConfig    `toml:"models"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Fetch     FetchConfig     `toml:"fetch"`
	Kernel    KernelConfig    `toml:"kernel"`
	Callback  CallbackConfig  `toml:"callback"`
	Research  ResearchConfig  `toml:"research"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ModelsConfig struct {
	// Main is the sub-agent loop's conversational model, "provider/model".
	Main string `toml:"main"`
	// Sub answers llm_query callbacks and RAG synthesis.
	Sub string `toml:"sub"`
	// Embedder is "hash" or "provider/model".
	Embedder string `toml:"embedder"`
	// Dimensions is the embedding width.
	Dimensions int `toml:"dimensions"`
}

type KnowledgeConfig struct {
	// Backend selects the index: "sqlite" (default) or "postgres".
	Backend string `toml:"backend"`
	// PostgresDSN is required when backend is "postgres".
	PostgresDSN string `toml:"postgres_dsn"`
	// KeywordWeight biases hybrid rank fusion toward lexical hits.
	KeywordWeight float64 `toml:"keyword_weight"`
	// AnswerMode flips ask()'s default: "context" (default) or "answer".
	AnswerMode string `toml:"answer_mode"`
}

type FetchConfig struct {
	ProxyBase      string   `toml:"proxy_base"`
	FreshnessDays  int      `toml:"freshness_days"`
	PerHostRPS     int      `toml:"per_host_rps"`
	BlockedDomains []string `toml:"blocked_domains"`
}

type KernelConfig struct {
	// Tier is "container" (default), "subprocess", or "external".
	Tier string `toml:"tier"`
	// URL is the endpoint for the external tier.
	URL string `toml:"url"`
	// Command is the subprocess argv; default ["kiln-kernel"].
	Command []string `toml:"command"`
	// Image is the container image for the container tier.
	Image string `toml:"image"`
	// Memory is a human-readable container memory limit, e.g. "2g".
	Memory string `toml:"memory"`
	// CPUs limits container CPU, e.g. 1.5. Zero means unlimited.
	CPUs float64 `toml:"cpus"`
	// Workspace is the directory mounted into the kernel.
	Workspace string `toml:"workspace"`

	StartupTimeoutSec  int `toml:"startup_timeout_sec"`
	HealthIntervalSec  int `toml:"health_interval_sec"`
	SnapshotExpiryDays int `toml:"snapshot_expiry_days"`
	ExecTimeoutSec     int `toml:"exec_timeout_sec"`
}

type CallbackConfig struct {
	// Addr is the callback listen address; empty picks a loopback port.
	Addr string `toml:"addr"`
}

type ResearchConfig struct {
	// Sources maps topics to seed URLs for the static resolver.
	Sources map[string][]string `toml:"sources"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with every default applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		DataDir: filepath.Join(home, ".kiln"),
		Models: ModelsConfig{
			Embedder:   "hash",
			Dimensions: 256,
		},
		Knowledge: KnowledgeConfig{
			Backend:       "sqlite",
			KeywordWeight: 0.3,
			AnswerMode:    "context",
		},
		Fetch: FetchConfig{
			FreshnessDays: 7,
			PerHostRPS:    5,
		},
		Kernel: KernelConfig{
			Tier:               "container",
			Command:            []string{"kiln-kernel"},
			Image:              "kilnhq/kernel:latest",
			Memory:             "2g",
			StartupTimeoutSec:  30,
			HealthIntervalSec:  30,
			SnapshotExpiryDays: 7,
			ExecTimeoutSec:     30,
		},
		Observer: ObserverConfig{ServiceName: "kiln"},
	}
}

// Load reads config: Default -> TOML file -> KILN_* env -> clamps.
// A missing file is not an error; a malformed one is ignored the way the
// defaults would be.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.toml")
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	applyEnv(&cfg)
	clamp(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KILN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KILN_MAIN_MODEL"); v != "" {
		cfg.Models.Main = v
	}
	if v := os.Getenv("KILN_SUB_MODEL"); v != "" {
		cfg.Models.Sub = v
	}
	if v := os.Getenv("KILN_EMBEDDER"); v != "" {
		cfg.Models.Embedder = v
	}
	if v := os.Getenv("KILN_KNOWLEDGE_BACKEND"); v != "" {
		cfg.Knowledge.Backend = v
	}
	if v := os.Getenv("KILN_POSTGRES_DSN"); v != "" {
		cfg.Knowledge.PostgresDSN = v
	}
	if v := os.Getenv("KILN_BLOCKED_DOMAINS"); v != "" {
		cfg.Fetch.BlockedDomains = splitList(v)
	}
	if v := os.Getenv("KILN_KERNEL_TIER"); v != "" {
		cfg.Kernel.Tier = v
	}
	if v := os.Getenv("KILN_KERNEL_URL"); v != "" {
		cfg.Kernel.URL = v
	}
	if v := os.Getenv("KILN_KERNEL_IMAGE"); v != "" {
		cfg.Kernel.Image = v
	}
	if v := os.Getenv("KILN_CALLBACK_ADDR"); v != "" {
		cfg.Callback.Addr = v
	}
	if v := os.Getenv("KILN_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("KILN_FETCH_PROXY_BASE"); v != "" {
		cfg.Fetch.ProxyBase = v
	}
	if v := os.Getenv("KILN_FRESHNESS_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.FreshnessDays = n
		}
	}
}

// clamp pulls out-of-range values back to sane bounds.
func clamp(cfg *Config) {
	if cfg.Models.Dimensions <= 0 {
		cfg.Models.Dimensions = 256
	}
	if cfg.Knowledge.Backend != "sqlite" && cfg.Knowledge.Backend != "postgres" {
		cfg.Knowledge.Backend = "sqlite"
	}
	if cfg.Knowledge.KeywordWeight < 0 || cfg.Knowledge.KeywordWeight > 1 {
		cfg.Knowledge.KeywordWeight = 0.3
	}
	if cfg.Knowledge.AnswerMode != "context" && cfg.Knowledge.AnswerMode != "answer" {
		cfg.Knowledge.AnswerMode = "context"
	}
	if cfg.Fetch.FreshnessDays < 1 {
		cfg.Fetch.FreshnessDays = 1
	}
	if cfg.Fetch.FreshnessDays > 90 {
		cfg.Fetch.FreshnessDays = 90
	}
	if cfg.Fetch.PerHostRPS < 1 {
		cfg.Fetch.PerHostRPS = 1
	}
	if cfg.Fetch.PerHostRPS > 50 {
		cfg.Fetch.PerHostRPS = 50
	}
	switch cfg.Kernel.Tier {
	case "container", "subprocess", "external":
	default:
		cfg.Kernel.Tier = "container"
	}
	if len(cfg.Kernel.Command) == 0 {
		cfg.Kernel.Command = []string{"kiln-kernel"}
	}
	if cfg.Kernel.StartupTimeoutSec < 1 {
		cfg.Kernel.StartupTimeoutSec = 30
	}
	if cfg.Kernel.HealthIntervalSec < 5 {
		cfg.Kernel.HealthIntervalSec = 30
	}
	if cfg.Kernel.SnapshotExpiryDays < 1 {
		cfg.Kernel.SnapshotExpiryDays = 7
	}
	if cfg.Kernel.ExecTimeoutSec < 1 || cfg.Kernel.ExecTimeoutSec > 300 {
		cfg.Kernel.ExecTimeoutSec = 30
	}
}

// MemoryBytes parses the kernel memory limit. Invalid or empty values mean
// unlimited.
func (k KernelConfig) MemoryBytes() int64 {
	if k.Memory == "" {
		return 0
	}
	n, err := units.RAMInBytes(k.Memory)
	if err != nil {
		return 0
	}
	return n
}

// RawDir is where fetched markdown is cached.
func (c Config) RawDir() string { return filepath.Join(c.DataDir, "raw") }

// SnapshotDir is where kernel session snapshots live.
func (c Config) SnapshotDir() string { return filepath.Join(c.DataDir, "snapshots") }

// KnowledgeDir holds the per-project sqlite index files.
func (c Config) KnowledgeDir() string { return filepath.Join(c.DataDir, "knowledge") }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
