package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/clipfetch/internal/testutil"
	"github.com/Sternrassler/clipfetch/pkg/scheduler"
	"github.com/Sternrassler/clipfetch/pkg/stats"
)

func clearProxyEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DOWNLOAD_PROXY_USERNAME", "")
	t.Setenv("DOWNLOAD_PROXY_PASSWORD", "")
	t.Setenv("CLIPFETCH_REDIS_ADDR", "")
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeConfig(t *testing.T, dir string, mock *testutil.MockPlatform) string {
	t.Helper()
	return writeFile(t, dir, "config.yaml", fmt.Sprintf(`
output_dir: %s
connectivity:
  url: %s
  timeout: 5s
task:
  timeout: 5s
  wait_grace: 1s
  track_exit_ip: true
  exit_ip_url: %s
batch:
  pacing_min: 0s
  pacing_max: 1ms
`, filepath.Join(dir, "out"), mock.GeoURL(), mock.IPURL()))
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, o options)
	}{
		{
			name: "defaults",
			args: []string{"urls.txt"},
			check: func(t *testing.T, o options) {
				if o.urlsPath != "urls.txt" || o.logLevel != "info" || o.pretty {
					t.Errorf("unexpected options %+v", o)
				}
			},
		},
		{
			name: "all flags",
			args: []string{"-config", "c.yaml", "-log-level", "debug", "-pretty", "-metrics-addr", ":9090", "list.txt"},
			check: func(t *testing.T, o options) {
				if o.configPath != "c.yaml" || o.logLevel != "debug" || !o.pretty || o.metricsAddr != ":9090" || o.urlsPath != "list.txt" {
					t.Errorf("unexpected options %+v", o)
				}
			},
		},
		{name: "missing list", args: nil, wantErr: true},
		{name: "two lists", args: []string{"a.txt", "b.txt"}, wantErr: true},
		{name: "unknown flag", args: []string{"-nope", "a.txt"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseFlags(tt.args, &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, o)
			}
		})
	}
}

func TestRun_DownloadsList(t *testing.T) {
	clearProxyEnv(t)
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	good1 := mock.AddVideo(testutil.MockVideo{Uploader: "alice", ID: "101", Description: "first clip", MediaSize: 20000})
	good2 := mock.AddVideo(testutil.MockVideo{Uploader: "bob", ID: "102", Description: "second clip", MediaSize: 15000})
	blocked := mock.AddVideo(testutil.MockVideo{Uploader: "carol", ID: "103", PageStatus: http.StatusForbidden})

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, mock)
	listPath := writeFile(t, dir, "urls.txt", "# test list\n"+good1+"\n\n"+good2+"\n"+blocked+"\n")

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run(context.Background(), []string{"-config", cfgPath, listPath}, stdout, stderr)
	if code != exitOK {
		t.Fatalf("run() = %d, want %d; logs:\n%s", code, exitOK, stderr.String())
	}

	out := stdout.String()
	if !strings.Contains(out, "Successful:              2/3") {
		t.Errorf("report missing success count:\n%s", out)
	}
	if !strings.Contains(out, "Sessions created:        3") {
		t.Errorf("report missing session count:\n%s", out)
	}
	if !strings.Contains(out, "Unique exit IPs:         1") {
		t.Errorf("report missing exit count:\n%s", out)
	}

	files, err := filepath.Glob(filepath.Join(dir, "out", "*.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("downloaded files = %v, want 2", files)
	}
	if !strings.Contains(stderr.String(), `"run_id"`) {
		t.Error("Expected run_id on log lines")
	}
}

func TestRun_Failures(t *testing.T) {
	clearProxyEnv(t)
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	page := mock.AddVideo(testutil.MockVideo{Uploader: "alice", ID: "1", MediaSize: 20000})

	tests := []struct {
		name     string
		setup    func(t *testing.T, dir string) []string
		wantCode int
		wantLog  string
	}{
		{
			name: "connectivity check fails",
			setup: func(t *testing.T, dir string) []string {
				mock.SetGeoStatus(http.StatusBadGateway)
				t.Cleanup(func() { mock.SetGeoStatus(0) })
				return []string{"-config", writeConfig(t, dir, mock), writeFile(t, dir, "urls.txt", page)}
			},
			wantCode: exitFailure,
			wantLog:  "connectivity check failed",
		},
		{
			name: "missing url list",
			setup: func(t *testing.T, dir string) []string {
				return []string{"-config", writeConfig(t, dir, mock), filepath.Join(dir, "none.txt")}
			},
			wantCode: exitFailure,
			wantLog:  "Failed to read URL list",
		},
		{
			name: "empty url list",
			setup: func(t *testing.T, dir string) []string {
				return []string{"-config", writeConfig(t, dir, mock), writeFile(t, dir, "urls.txt", "# nothing\n")}
			},
			wantCode: exitFailure,
			wantLog:  "URL list is empty",
		},
		{
			name: "invalid config",
			setup: func(t *testing.T, dir string) []string {
				cfg := writeFile(t, dir, "bad.yaml", "concurrency:\n  min: 9\n")
				return []string{"-config", cfg, writeFile(t, dir, "urls.txt", page)}
			},
			wantCode: exitFailure,
			wantLog:  "Invalid configuration",
		},
		{
			name: "usage error",
			setup: func(t *testing.T, dir string) []string {
				return nil
			},
			wantCode: exitUsage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.setup(t, t.TempDir())

			stderr := &bytes.Buffer{}
			code := run(context.Background(), args, &bytes.Buffer{}, stderr)
			if code != tt.wantCode {
				t.Errorf("run() = %d, want %d", code, tt.wantCode)
			}
			if tt.wantLog != "" && !strings.Contains(stderr.String(), tt.wantLog) {
				t.Errorf("Expected %q in logs, got:\n%s", tt.wantLog, stderr.String())
			}
		})
	}
}

func TestRun_Interrupted(t *testing.T) {
	clearProxyEnv(t)
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	var urls []string
	for i := 0; i < 40; i++ {
		urls = append(urls, mock.AddVideo(testutil.MockVideo{
			Uploader:  "u",
			ID:        fmt.Sprint(i),
			MediaSize: 20000,
			Delay:     20 * time.Millisecond,
		}))
	}

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, mock)
	listPath := writeFile(t, dir, "urls.txt", strings.Join(urls, "\n"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	stdout := &bytes.Buffer{}
	code := run(ctx, []string{"-config", cfgPath, listPath}, stdout, &bytes.Buffer{})
	if code != exitInterrupted {
		t.Errorf("run() = %d, want %d", code, exitInterrupted)
	}
	if !strings.Contains(stdout.String(), "=== Final Report ===") {
		t.Error("Expected final report after interruption")
	}
}

func TestPrintReport(t *testing.T) {
	r := &scheduler.Report{
		Stats: stats.Stats{
			Total:                  10,
			Processed:              10,
			Successful:             8,
			Failed:                 2,
			SessionsCreated:        10,
			ConcurrencyAdjustments: 1,
			PeakConcurrency:        7,
			UniqueExits:            9,
		},
		Duration: 2 * time.Minute,
	}

	buf := &bytes.Buffer{}
	printReport(buf, r, false)
	out := buf.String()

	for _, want := range []string{"8/10 (80.0%)", "2.0 minutes", "5.0 per minute", "Peak concurrency:        7"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Unique exit IPs") {
		t.Error("exit count should be omitted when not tracked")
	}
}
