// Package task implements the per-URL download pipeline: fetch the page
// through a fresh identity, resolve the media URL, stream the media to disk
// and validate its size.
package task

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/clipfetch/pkg/identity"
	"github.com/Sternrassler/clipfetch/pkg/resolver"
)

// Prometheus metrics for the download pipeline.
var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipfetch_request_duration_seconds",
		Help:    "Request duration in seconds by pipeline stage",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"stage"})

	downloadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipfetch_downloaded_bytes_total",
		Help: "Total media bytes written to disk",
	})
)

// Config holds pipeline settings.
type Config struct {
	// OutputDir receives one file per downloaded item.
	OutputDir string

	// ExistingMinSize: an existing file larger than this counts as complete.
	ExistingMinSize int64

	// IntegrityMinSize: a download must be larger than this to be kept.
	IntegrityMinSize int64

	// ChunkSize is the copy buffer size for the media stream.
	ChunkSize int

	// MaxPageSize caps how much of a page body is read.
	MaxPageSize int64

	// PageTimeout bounds the whole page fetch. The media stream has no
	// overall deadline; the identity's idle timeout covers stalls.
	PageTimeout time.Duration

	// BandwidthLimit caps each media stream in bytes per second. 0 disables it.
	BandwidthLimit int

	// ExitIPURL, when set, is queried through each identity and the exit
	// address is reported to the recorder.
	ExitIPURL string
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		OutputDir:        "downloads",
		ExistingMinSize:  1000,
		IntegrityMinSize: 10000,
		ChunkSize:        64 * 1024,
		MaxPageSize:      16 << 20,
		PageTimeout:      45 * time.Second,
	}
}

// Task is one URL to process. Index seeds the identity's session token.
type Task struct {
	URL   string
	Index int
}

// Outcome is produced exactly once per task.
type Outcome struct {
	URL     string `json:"url"`
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Kind    Kind   `json:"kind,omitempty"`
	Path    string `json:"path,omitempty"`

	// fresh is set when this attempt wrote Path.
	fresh bool
}

// IdentitySource creates one identity per task.
type IdentitySource interface {
	Create(index int) *identity.Identity
}

// Recorder receives task accounting.
type Recorder interface {
	RecordOutcome(success bool, kind string)
	ObserveExit(addr string)
}

// Runner executes tasks.
type Runner struct {
	cfg      Config
	ids      IdentitySource
	resolver resolver.Resolver
	rec      Recorder
	logger   zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config, ids IdentitySource, res resolver.Resolver, rec Recorder, logger zerolog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.OutputDir == "" {
		cfg.OutputDir = def.OutputDir
	}
	if cfg.ExistingMinSize <= 0 {
		cfg.ExistingMinSize = def.ExistingMinSize
	}
	if cfg.IntegrityMinSize <= 0 {
		cfg.IntegrityMinSize = def.IntegrityMinSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = def.MaxPageSize
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = def.PageTimeout
	}

	return &Runner{
		cfg:      cfg,
		ids:      ids,
		resolver: res,
		rec:      rec,
		logger:   logger,
	}
}

// Run executes the pipeline for t and records the outcome exactly once.
//
// When wait is positive and the pipeline has not finished by then, Run
// cancels it and reports a failure. Run returns only after the pipeline has
// stopped, and a cancelled pipeline leaves no new file behind.
func (r *Runner) Run(ctx context.Context, t Task, wait time.Duration) Outcome {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() { done <- r.attempt(attemptCtx, t) }()

	var out Outcome
	if wait <= 0 {
		out = <-done
	} else {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case out = <-done:
		case <-timer.C:
			cancel()
			if late := <-done; late.fresh {
				os.Remove(late.Path)
			}
			out = failure(t, unexpected(fmt.Errorf("%w after %s", ErrWaitTimeout, wait)))
		}
	}

	r.rec.RecordOutcome(out.Success, string(out.Kind))

	if out.Success {
		r.logger.Debug().Str("url", t.URL).Int("index", t.Index).Msg(out.Message)
	} else {
		r.logger.Warn().
			Str("url", t.URL).
			Int("index", t.Index).
			Str("kind", string(out.Kind)).
			Msg(out.Message)
	}

	return out
}

// attempt runs the pipeline steps. It never records stats.
func (r *Runner) attempt(ctx context.Context, t Task) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = failure(t, unexpected(fmt.Errorf("panic: %v", p)))
		}
	}()

	id := r.ids.Create(t.Index)
	defer id.Close()

	if r.cfg.ExitIPURL != "" {
		if addr, err := id.ExitIP(ctx, r.cfg.ExitIPURL); err == nil {
			r.rec.ObserveExit(addr)
		} else {
			r.logger.Debug().Err(err).Str("session_id", id.SessionID).Msg("Exit address probe failed")
		}
	}

	page, err := r.fetchPage(ctx, id, t.URL)
	if err != nil {
		return failure(t, err)
	}

	mediaURL, meta := r.resolver.Resolve(page, t.URL)
	if mediaURL == "" {
		return failure(t, &Error{Kind: KindExtraction})
	}

	name := Filename(meta)
	path := filepath.Join(r.cfg.OutputDir, name)

	if info, err := os.Stat(path); err == nil && info.Size() > r.cfg.ExistingMinSize {
		return Outcome{URL: t.URL, Index: t.Index, Success: true, Message: "Already exists: " + name, Path: path}
	}

	id.SetHeader("Accept", "*/*")
	id.SetHeader("Referer", t.URL)
	if origin := originOf(t.URL); origin != "" {
		id.SetHeader("Origin", origin)
	}

	size, err := r.download(ctx, id, mediaURL, path, t.Index)
	if err != nil {
		return failure(t, err)
	}

	return Outcome{
		URL:     t.URL,
		Index:   t.Index,
		Success: true,
		Message: fmt.Sprintf("Success: %s (%.1fMB)", name, float64(size)/(1024*1024)),
		Path:    path,
		fresh:   true,
	}
}

func (r *Runner) fetchPage(ctx context.Context, id *identity.Identity, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PageTimeout)
	defer cancel()

	start := time.Now()
	resp, err := id.Get(ctx, pageURL)
	requestDuration.WithLabelValues("page").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", unexpected(err)
	}
	defer resp.Body.Close()

	r.logger.Debug().Str("url", pageURL).Int("status", resp.StatusCode).Msg("Page fetched")

	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: KindPageFetch, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxPageSize))
	if err != nil {
		return "", unexpected(fmt.Errorf("read page: %w", err))
	}
	return string(body), nil
}

// download streams mediaURL into path via a temporary ".part" file that is
// renamed into place only after the integrity check passes. The task index
// keeps partial files of duplicate URLs apart.
func (r *Runner) download(ctx context.Context, id *identity.Identity, mediaURL, path string, index int) (int64, error) {
	start := time.Now()
	resp, err := id.Get(ctx, mediaURL)
	if err != nil {
		return 0, unexpected(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, &Error{Kind: KindDownload, Status: resp.StatusCode}
	}

	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return 0, unexpected(fmt.Errorf("create output dir: %w", err))
	}

	partial := fmt.Sprintf("%s.%d.part", path, index)
	f, err := os.Create(partial)
	if err != nil {
		return 0, unexpected(fmt.Errorf("create file: %w", err))
	}

	var dst io.Writer = f
	if r.cfg.BandwidthLimit > 0 {
		dst = &throttledWriter{ctx: ctx, w: f, limiter: rate.NewLimiter(rate.Limit(r.cfg.BandwidthLimit), max(r.cfg.BandwidthLimit, r.cfg.ChunkSize))}
	}

	size, copyErr := io.CopyBuffer(dst, resp.Body, make([]byte, r.cfg.ChunkSize))
	closeErr := f.Close()
	requestDuration.WithLabelValues("media").Observe(time.Since(start).Seconds())
	downloadedBytesTotal.Add(float64(size))

	if copyErr != nil || closeErr != nil {
		os.Remove(partial)
		if copyErr == nil {
			copyErr = closeErr
		}
		return 0, unexpected(fmt.Errorf("write media: %w", copyErr))
	}

	if size <= r.cfg.IntegrityMinSize {
		os.Remove(partial)
		return 0, &Error{Kind: KindIntegrity, Size: size}
	}

	if err := ctx.Err(); err != nil {
		os.Remove(partial)
		return 0, unexpected(fmt.Errorf("write media: %w", err))
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return 0, unexpected(fmt.Errorf("finalize file: %w", err))
	}
	return size, nil
}

// throttledWriter paces writes through a token bucket sized in bytes.
type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	if err := t.limiter.WaitN(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}

func failure(t Task, err error) Outcome {
	out := Outcome{URL: t.URL, Index: t.Index, Message: err.Error(), Kind: KindUnexpected}
	if te, ok := err.(*Error); ok {
		out.Kind = te.Kind
	}
	return out
}

func originOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
