// Package config loads clipfetch settings from defaults, an optional YAML
// file and the environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/clipfetch/pkg/concurrency"
	"github.com/Sternrassler/clipfetch/pkg/identity"
	"github.com/Sternrassler/clipfetch/pkg/scheduler"
	"github.com/Sternrassler/clipfetch/pkg/task"
)

// Proxy credentials keep their historical variable names.
const (
	EnvProxyUsername = "DOWNLOAD_PROXY_USERNAME"
	EnvProxyPassword = "DOWNLOAD_PROXY_PASSWORD"
)

// Config defines configuration for the clipfetch CLI.
type Config struct {
	OutputDir   string
	MetricsAddr string

	Proxy        ProxyConfig
	Connectivity ConnectivityConfig
	Task         TaskConfig
	Concurrency  ConcurrencyConfig
	Batch        BatchConfig
	Redis        RedisConfig
}

// ProxyConfig defines the forward proxy account.
type ProxyConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	InsecureTLS bool
}

// ConnectivityConfig defines the pre-run connectivity check.
type ConnectivityConfig struct {
	URL     string
	Timeout time.Duration
}

// TaskConfig defines per-task limits.
type TaskConfig struct {
	Timeout   time.Duration
	WaitGrace time.Duration

	// BandwidthLimit caps each media stream in bytes per second. 0 disables it.
	BandwidthLimit int

	TrackExitIP bool
	ExitIPURL   string
}

// ConcurrencyConfig defines the adaptive pool.
type ConcurrencyConfig struct {
	Initial  int
	Min      int
	Max      int
	Step     int
	Window   int
	Cooldown time.Duration
}

// BatchConfig defines batching and pacing.
type BatchConfig struct {
	Size          int
	ProgressEvery int
	PacingMin     time.Duration
	PacingMax     time.Duration
}

// RedisConfig enables the live stats sink when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Default returns a Config with the stock settings.
func Default() Config {
	return Config{
		OutputDir: "downloads",
		Proxy: ProxyConfig{
			Host:        "brd.superproxy.io",
			Port:        33335,
			InsecureTLS: true,
		},
		Connectivity: ConnectivityConfig{
			URL:     "https://geo.brdtest.com/mygeo.json",
			Timeout: 30 * time.Second,
		},
		Task: TaskConfig{
			Timeout:   45 * time.Second,
			WaitGrace: 30 * time.Second,
			ExitIPURL: "https://httpbin.org/ip",
		},
		Concurrency: ConcurrencyConfig{
			Initial:  5,
			Min:      2,
			Max:      20,
			Step:     2,
			Window:   20,
			Cooldown: 60 * time.Second,
		},
		Batch: BatchConfig{
			Size:          30,
			ProgressEvery: 5,
			PacingMin:     500 * time.Millisecond,
			PacingMax:     2 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations. Pointers
// distinguish an explicit false from an absent key.
type yamlConfig struct {
	OutputDir   string `yaml:"output_dir"`
	MetricsAddr string `yaml:"metrics_addr"`

	Proxy struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		InsecureTLS *bool  `yaml:"insecure_tls"`
	} `yaml:"proxy"`

	Connectivity struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"connectivity"`

	Task struct {
		Timeout        string `yaml:"timeout"`
		WaitGrace      string `yaml:"wait_grace"`
		BandwidthLimit int    `yaml:"bandwidth_limit"`
		TrackExitIP    *bool  `yaml:"track_exit_ip"`
		ExitIPURL      string `yaml:"exit_ip_url"`
	} `yaml:"task"`

	Concurrency struct {
		Initial  int    `yaml:"initial"`
		Min      int    `yaml:"min"`
		Max      int    `yaml:"max"`
		Step     int    `yaml:"step"`
		Window   int    `yaml:"window"`
		Cooldown string `yaml:"cooldown"`
	} `yaml:"concurrency"`

	Batch struct {
		Size          int    `yaml:"size"`
		ProgressEvery int    `yaml:"progress_every"`
		PacingMin     string `yaml:"pacing_min"`
		PacingMax     string `yaml:"pacing_max"`
	} `yaml:"batch"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	setString(&cfg.OutputDir, yc.OutputDir)
	setString(&cfg.MetricsAddr, yc.MetricsAddr)

	setString(&cfg.Proxy.Host, yc.Proxy.Host)
	setInt(&cfg.Proxy.Port, yc.Proxy.Port)
	setString(&cfg.Proxy.Username, yc.Proxy.Username)
	setString(&cfg.Proxy.Password, yc.Proxy.Password)
	if yc.Proxy.InsecureTLS != nil {
		cfg.Proxy.InsecureTLS = *yc.Proxy.InsecureTLS
	}

	setString(&cfg.Connectivity.URL, yc.Connectivity.URL)
	setInt(&cfg.Task.BandwidthLimit, yc.Task.BandwidthLimit)
	if yc.Task.TrackExitIP != nil {
		cfg.Task.TrackExitIP = *yc.Task.TrackExitIP
	}
	setString(&cfg.Task.ExitIPURL, yc.Task.ExitIPURL)

	setInt(&cfg.Concurrency.Initial, yc.Concurrency.Initial)
	setInt(&cfg.Concurrency.Min, yc.Concurrency.Min)
	setInt(&cfg.Concurrency.Max, yc.Concurrency.Max)
	setInt(&cfg.Concurrency.Step, yc.Concurrency.Step)
	setInt(&cfg.Concurrency.Window, yc.Concurrency.Window)

	setInt(&cfg.Batch.Size, yc.Batch.Size)
	setInt(&cfg.Batch.ProgressEvery, yc.Batch.ProgressEvery)

	setString(&cfg.Redis.Addr, yc.Redis.Addr)
	setString(&cfg.Redis.Password, yc.Redis.Password)
	setInt(&cfg.Redis.DB, yc.Redis.DB)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"connectivity.timeout", yc.Connectivity.Timeout, &cfg.Connectivity.Timeout},
		{"task.timeout", yc.Task.Timeout, &cfg.Task.Timeout},
		{"task.wait_grace", yc.Task.WaitGrace, &cfg.Task.WaitGrace},
		{"concurrency.cooldown", yc.Concurrency.Cooldown, &cfg.Concurrency.Cooldown},
		{"batch.pacing_min", yc.Batch.PacingMin, &cfg.Batch.PacingMin},
		{"batch.pacing_max", yc.Batch.PacingMax, &cfg.Batch.PacingMax},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Apart from the proxy credentials, variables use the CLIPFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv(EnvProxyUsername); v != "" {
		c.Proxy.Username = v
	}
	if v := os.Getenv(EnvProxyPassword); v != "" {
		c.Proxy.Password = v
	}
	if v := os.Getenv("CLIPFETCH_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("CLIPFETCH_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("CLIPFETCH_PROXY_HOST"); v != "" {
		c.Proxy.Host = v
	}
	if v := os.Getenv("CLIPFETCH_CONNECTIVITY_URL"); v != "" {
		c.Connectivity.URL = v
	}
	if v := os.Getenv("CLIPFETCH_EXIT_IP_URL"); v != "" {
		c.Task.ExitIPURL = v
	}
	if v := os.Getenv("CLIPFETCH_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CLIPFETCH_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"CLIPFETCH_PROXY_PORT", &c.Proxy.Port},
		{"CLIPFETCH_BANDWIDTH_LIMIT", &c.Task.BandwidthLimit},
		{"CLIPFETCH_CONCURRENCY_INITIAL", &c.Concurrency.Initial},
		{"CLIPFETCH_CONCURRENCY_MIN", &c.Concurrency.Min},
		{"CLIPFETCH_CONCURRENCY_MAX", &c.Concurrency.Max},
		{"CLIPFETCH_BATCH_SIZE", &c.Batch.Size},
		{"CLIPFETCH_REDIS_DB", &c.Redis.DB},
	}
	for _, e := range ints {
		v := os.Getenv(e.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.env, err)
		}
		*e.dst = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"CLIPFETCH_TASK_TIMEOUT", &c.Task.Timeout},
		{"CLIPFETCH_WAIT_GRACE", &c.Task.WaitGrace},
		{"CLIPFETCH_COOLDOWN", &c.Concurrency.Cooldown},
	}
	for _, e := range durations {
		v := os.Getenv(e.env)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.env, err)
		}
		*e.dst = d
	}

	if v := os.Getenv("CLIPFETCH_PROXY_INSECURE_TLS"); v != "" {
		c.Proxy.InsecureTLS = v == "true" || v == "1"
	}
	if v := os.Getenv("CLIPFETCH_TRACK_EXIT_IP"); v != "" {
		c.Task.TrackExitIP = v == "true" || v == "1"
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return errors.New("config: output_dir is required")
	}
	if c.Proxy.Username != "" && c.Proxy.Password == "" {
		return fmt.Errorf("config: %s is required when a proxy username is set", EnvProxyPassword)
	}
	if c.Proxy.Username != "" && (c.Proxy.Host == "" || c.Proxy.Port <= 0) {
		return errors.New("config: proxy host and port are required")
	}
	cc := c.Concurrency
	if cc.Min < 1 || cc.Min > cc.Initial || cc.Initial > cc.Max {
		return fmt.Errorf("config: concurrency must satisfy 1 <= min (%d) <= initial (%d) <= max (%d)", cc.Min, cc.Initial, cc.Max)
	}
	if cc.Step <= 0 {
		return errors.New("config: concurrency.step must be positive")
	}
	if cc.Window <= 0 {
		return errors.New("config: concurrency.window must be positive")
	}
	if c.Batch.Size <= 0 {
		return errors.New("config: batch.size must be positive")
	}
	if c.Batch.ProgressEvery <= 0 {
		return errors.New("config: batch.progress_every must be positive")
	}
	if c.Batch.PacingMin < 0 || c.Batch.PacingMax < c.Batch.PacingMin {
		return errors.New("config: batch pacing range is invalid")
	}
	if c.Task.Timeout <= 0 || c.Task.WaitGrace < 0 {
		return errors.New("config: task timeouts must be positive")
	}
	if c.Connectivity.Timeout <= 0 {
		return errors.New("config: connectivity.timeout must be positive")
	}
	if c.Task.BandwidthLimit < 0 {
		return errors.New("config: task.bandwidth_limit must not be negative")
	}
	return nil
}

// Identity returns the proxy settings for identity.NewProvider.
func (c *Config) Identity() identity.Config {
	return identity.Config{
		Host:        c.Proxy.Host,
		Port:        c.Proxy.Port,
		Username:    c.Proxy.Username,
		Password:    c.Proxy.Password,
		InsecureTLS: c.Proxy.InsecureTLS,
		Timeout:     c.Task.Timeout,
	}
}

// TaskRunner returns the pipeline settings for task.NewRunner.
func (c *Config) TaskRunner() task.Config {
	cfg := task.DefaultConfig()
	cfg.OutputDir = c.OutputDir
	cfg.BandwidthLimit = c.Task.BandwidthLimit
	cfg.PageTimeout = c.Task.Timeout
	if c.Task.TrackExitIP {
		cfg.ExitIPURL = c.Task.ExitIPURL
	}
	return cfg
}

// Controller returns the settings for concurrency.NewController.
func (c *Config) Controller() concurrency.Config {
	cfg := concurrency.DefaultConfig()
	cfg.Initial = c.Concurrency.Initial
	cfg.Min = c.Concurrency.Min
	cfg.Max = c.Concurrency.Max
	cfg.Step = c.Concurrency.Step
	cfg.WindowSize = c.Concurrency.Window
	cfg.Cooldown = c.Concurrency.Cooldown
	return cfg
}

// Scheduler returns the settings for scheduler.New.
func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		BatchSize:     c.Batch.Size,
		TaskTimeout:   c.Task.Timeout,
		WaitGrace:     c.Task.WaitGrace,
		ProgressEvery: c.Batch.ProgressEvery,
		PacingMin:     c.Batch.PacingMin,
		PacingMax:     c.Batch.PacingMax,
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
