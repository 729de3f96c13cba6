package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.OutputDir != "downloads" {
		t.Errorf("expected default output dir downloads, got %q", cfg.OutputDir)
	}
	if cfg.Task.Timeout != 45*time.Second {
		t.Errorf("expected default task timeout 45s, got %v", cfg.Task.Timeout)
	}
	if cfg.Task.WaitGrace != 30*time.Second {
		t.Errorf("expected default wait grace 30s, got %v", cfg.Task.WaitGrace)
	}
	if c := cfg.Concurrency; c.Initial != 5 || c.Min != 2 || c.Max != 20 {
		t.Errorf("expected concurrency 5/2/20, got %d/%d/%d", c.Initial, c.Min, c.Max)
	}
	if cfg.Batch.Size != 30 {
		t.Errorf("expected default batch size 30, got %d", cfg.Batch.Size)
	}
	if cfg.Concurrency.Cooldown != 60*time.Second {
		t.Errorf("expected default cooldown 60s, got %v", cfg.Concurrency.Cooldown)
	}
	if !cfg.Proxy.InsecureTLS {
		t.Error("expected insecure TLS by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
output_dir: /tmp/clips
proxy:
  host: proxy.local
  port: 8080
  insecure_tls: false
task:
  timeout: 20s
  wait_grace: 5s
  bandwidth_limit: 1048576
  track_exit_ip: true
concurrency:
  initial: 4
  min: 1
  max: 8
  cooldown: 30s
batch:
  size: 10
  pacing_min: 100ms
  pacing_max: 1s
redis:
  addr: localhost:6379
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.OutputDir != "/tmp/clips" {
		t.Errorf("expected output dir /tmp/clips, got %q", cfg.OutputDir)
	}
	if cfg.Proxy.Host != "proxy.local" || cfg.Proxy.Port != 8080 {
		t.Errorf("expected proxy.local:8080, got %s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
	}
	if cfg.Proxy.InsecureTLS {
		t.Error("expected insecure_tls false")
	}
	if cfg.Task.Timeout != 20*time.Second || cfg.Task.WaitGrace != 5*time.Second {
		t.Errorf("expected task timeouts 20s/5s, got %v/%v", cfg.Task.Timeout, cfg.Task.WaitGrace)
	}
	if cfg.Task.BandwidthLimit != 1048576 || !cfg.Task.TrackExitIP {
		t.Errorf("unexpected task config %+v", cfg.Task)
	}
	if c := cfg.Concurrency; c.Initial != 4 || c.Min != 1 || c.Max != 8 || c.Cooldown != 30*time.Second {
		t.Errorf("unexpected concurrency config %+v", c)
	}
	// Unset keys keep their defaults.
	if cfg.Concurrency.Window != 20 || cfg.Concurrency.Step != 2 {
		t.Errorf("expected default window/step, got %d/%d", cfg.Concurrency.Window, cfg.Concurrency.Step)
	}
	if cfg.Batch.Size != 10 || cfg.Batch.PacingMin != 100*time.Millisecond || cfg.Batch.PacingMax != time.Second {
		t.Errorf("unexpected batch config %+v", cfg.Batch)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected redis addr, got %q", cfg.Redis.Addr)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad duration", content: "task:\n  timeout: soon\n", wantErr: "task.timeout"},
		{name: "bad yaml", content: "proxy: [\n", wantErr: "parse config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadFromFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DOWNLOAD_PROXY_USERNAME", "brd-customer")
	t.Setenv("DOWNLOAD_PROXY_PASSWORD", "secret")
	t.Setenv("CLIPFETCH_OUTPUT_DIR", "/data")
	t.Setenv("CLIPFETCH_CONCURRENCY_MAX", "12")
	t.Setenv("CLIPFETCH_TASK_TIMEOUT", "1m")
	t.Setenv("CLIPFETCH_TRACK_EXIT_IP", "1")
	t.Setenv("CLIPFETCH_PROXY_INSECURE_TLS", "false")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Proxy.Username != "brd-customer" || cfg.Proxy.Password != "secret" {
		t.Errorf("unexpected proxy credentials %q/%q", cfg.Proxy.Username, cfg.Proxy.Password)
	}
	if cfg.OutputDir != "/data" {
		t.Errorf("expected output dir /data, got %q", cfg.OutputDir)
	}
	if cfg.Concurrency.Max != 12 {
		t.Errorf("expected max 12, got %d", cfg.Concurrency.Max)
	}
	if cfg.Task.Timeout != time.Minute {
		t.Errorf("expected task timeout 1m, got %v", cfg.Task.Timeout)
	}
	if !cfg.Task.TrackExitIP {
		t.Error("expected track exit ip")
	}
	if cfg.Proxy.InsecureTLS {
		t.Error("expected insecure TLS disabled")
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	t.Setenv("CLIPFETCH_BATCH_SIZE", "many")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "CLIPFETCH_BATCH_SIZE") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, wantErr: false},
		{name: "min above initial", mutate: func(c *Config) { c.Concurrency.Min = 6 }, wantErr: true},
		{name: "initial above max", mutate: func(c *Config) { c.Concurrency.Initial = 21 }, wantErr: true},
		{name: "zero min", mutate: func(c *Config) { c.Concurrency.Min = 0 }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.Batch.Size = 0 }, wantErr: true},
		{name: "zero window", mutate: func(c *Config) { c.Concurrency.Window = 0 }, wantErr: true},
		{name: "inverted pacing", mutate: func(c *Config) { c.Batch.PacingMax = 0 }, wantErr: true},
		{name: "zero task timeout", mutate: func(c *Config) { c.Task.Timeout = 0 }, wantErr: true},
		{name: "username without password", mutate: func(c *Config) { c.Proxy.Username = "u" }, wantErr: true},
		{name: "full credentials", mutate: func(c *Config) { c.Proxy.Username, c.Proxy.Password = "u", "p" }, wantErr: false},
		{name: "empty output dir", mutate: func(c *Config) { c.OutputDir = "" }, wantErr: true},
		{name: "negative bandwidth", mutate: func(c *Config) { c.Task.BandwidthLimit = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Proxy.Username = "u"
	cfg.Proxy.Password = "p"
	cfg.Task.TrackExitIP = true
	cfg.Concurrency.Window = 10

	id := cfg.Identity()
	if id.Host != "brd.superproxy.io" || id.Port != 33335 || id.Username != "u" || id.Timeout != 45*time.Second {
		t.Errorf("unexpected identity config %+v", id)
	}

	tc := cfg.TaskRunner()
	if tc.OutputDir != "downloads" || tc.ExitIPURL != "https://httpbin.org/ip" || tc.IntegrityMinSize != 10000 {
		t.Errorf("unexpected task config %+v", tc)
	}

	cfg.Task.TrackExitIP = false
	if cfg.TaskRunner().ExitIPURL != "" {
		t.Error("expected no exit ip url when tracking is off")
	}

	cc := cfg.Controller()
	if cc.WindowSize != 10 || cc.Initial != 5 || cc.ScaleUpAbove != 0.90 {
		t.Errorf("unexpected controller config %+v", cc)
	}

	sc := cfg.Scheduler()
	if sc.BatchSize != 30 || sc.TaskTimeout+sc.WaitGrace != 75*time.Second {
		t.Errorf("unexpected scheduler config %+v", sc)
	}
}
