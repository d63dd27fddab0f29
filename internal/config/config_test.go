package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Knowledge.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Knowledge.Backend)
	}
	if cfg.Fetch.FreshnessDays != 7 || cfg.Fetch.PerHostRPS != 5 {
		t.Errorf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Kernel.Tier != "container" || cfg.Kernel.Memory != "2g" {
		t.Errorf("kernel = %+v", cfg.Kernel)
	}
	if cfg.Models.Embedder != "hash" || cfg.Models.Dimensions != 256 {
		t.Errorf("models = %+v", cfg.Models)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
data_dir = "` + dir + `"

[models]
main = "openrouter/qwen/qwen3-coder"
sub = "groq/llama-3.1-8b-instant"

[knowledge]
backend = "postgres"
postgres_dsn = "postgres://localhost/kiln"
keyword_weight = 0.5

[fetch]
freshness_days = 3
blocked_domains = ["example.com"]

[kernel]
tier = "subprocess"
memory = "512m"

[research.sources]
gin = ["https://gin-gonic.com/sitemap.xml"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Models.Main != "openrouter/qwen/qwen3-coder" {
		t.Errorf("main = %q", cfg.Models.Main)
	}
	if cfg.Knowledge.Backend != "postgres" || cfg.Knowledge.KeywordWeight != 0.5 {
		t.Errorf("knowledge = %+v", cfg.Knowledge)
	}
	if cfg.Fetch.FreshnessDays != 3 || len(cfg.Fetch.BlockedDomains) != 1 {
		t.Errorf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Kernel.Tier != "subprocess" || cfg.Kernel.MemoryBytes() != 512<<20 {
		t.Errorf("kernel = %+v (mem %d)", cfg.Kernel, cfg.Kernel.MemoryBytes())
	}
	if len(cfg.Research.Sources["gin"]) != 1 {
		t.Errorf("research = %+v", cfg.Research)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Knowledge.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Knowledge.Backend)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KILN_SUB_MODEL", "ollama/llama3")
	t.Setenv("KILN_KNOWLEDGE_BACKEND", "postgres")
	t.Setenv("KILN_BLOCKED_DOMAINS", "a.com, b.org ,")
	t.Setenv("KILN_KERNEL_TIER", "external")
	t.Setenv("KILN_KERNEL_URL", "http://127.0.0.1:8400")
	t.Setenv("KILN_OBSERVER_ENABLED", "1")

	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Models.Sub != "ollama/llama3" {
		t.Errorf("sub = %q", cfg.Models.Sub)
	}
	if cfg.Knowledge.Backend != "postgres" {
		t.Errorf("backend = %q", cfg.Knowledge.Backend)
	}
	if len(cfg.Fetch.BlockedDomains) != 2 || cfg.Fetch.BlockedDomains[1] != "b.org" {
		t.Errorf("blocked = %v", cfg.Fetch.BlockedDomains)
	}
	if cfg.Kernel.Tier != "external" || cfg.Kernel.URL != "http://127.0.0.1:8400" {
		t.Errorf("kernel = %+v", cfg.Kernel)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer should be enabled")
	}
}

func TestClamps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[knowledge]
backend = "mysql"
keyword_weight = 7.0
answer_mode = "maybe"

[fetch]
freshness_days = 900
per_host_rps = -3

[kernel]
tier = "vm"
exec_timeout_sec = 9000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Knowledge.Backend != "sqlite" || cfg.Knowledge.KeywordWeight != 0.3 || cfg.Knowledge.AnswerMode != "context" {
		t.Errorf("knowledge = %+v", cfg.Knowledge)
	}
	if cfg.Fetch.FreshnessDays != 90 || cfg.Fetch.PerHostRPS != 1 {
		t.Errorf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Kernel.Tier != "container" || cfg.Kernel.ExecTimeoutSec != 30 {
		t.Errorf("kernel = %+v", cfg.Kernel)
	}
}

func TestMemoryBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"2g", 2 << 30},
		{"512m", 512 << 20},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := (KernelConfig{Memory: tt.in}).MemoryBytes(); got != tt.want {
			t.Errorf("MemoryBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
