// Package identity creates isolated, proxy-routed network sessions.
//
// Each Identity carries a proxy credential embedding a session token derived
// from the task index and the creation time. The upstream proxy service uses
// that token to pick an exit path, so distinct tasks are routed independently.
// The provider only requests isolation; it does not verify it.
package identity

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ErrIdleTimeout is returned when a request goes Timeout without receiving
// any bytes.
var ErrIdleTimeout = errors.New("no data received within idle timeout")

// DefaultHeaders mimic a desktop browser.
var DefaultHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.5",
	"Connection":      "keep-alive",
	"Cache-Control":   "no-cache",
}

// Config holds the forward proxy settings shared by all identities.
type Config struct {
	// Host and Port of the forward proxy.
	Host string
	Port int

	// Username is the proxy account; the session token is appended to it.
	// An empty username disables the proxy (direct connections).
	Username string
	Password string

	// InsecureTLS skips certificate verification. The forward proxy re-signs
	// upstream certificates.
	InsecureTLS bool

	// Timeout is the idle timeout of each request: the longest wait for the
	// response headers or between two reads of the body. A body that keeps
	// delivering bytes is never cut off.
	Timeout time.Duration
}

// DefaultConfig returns the proxy defaults.
func DefaultConfig() Config {
	return Config{
		Host:        "brd.superproxy.io",
		Port:        33335,
		InsecureTLS: true,
		Timeout:     45 * time.Second,
	}
}

// SessionCounter is notified once per created identity.
type SessionCounter interface {
	SessionCreated()
}

// Identity is a single-use network session. It is owned by the task that
// created it and must be closed when the task ends.
type Identity struct {
	SessionID       string
	ProxyCredential string
	Headers         map[string]string

	client    *http.Client
	transport *http.Transport
	timeout   time.Duration
}

// Provider builds identities.
type Provider struct {
	cfg     Config
	counter SessionCounter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewProvider creates a provider. counter may be nil.
func NewProvider(cfg Config, counter SessionCounter, logger zerolog.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Provider{
		cfg:     cfg,
		counter: counter,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (p *Provider) SetClock(now func() time.Time) {
	p.now = now
}

// SessionID returns the session token for a task index.
func (p *Provider) SessionID(index int) string {
	return fmt.Sprintf("video_%d_%d", index, p.now().Unix())
}

// Create builds a fresh identity for the task at index.
func (p *Provider) Create(index int) *Identity {
	sessionID := p.SessionID(index)

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		IdleConnTimeout:     30 * time.Second,
		MaxIdleConnsPerHost: 2,
	}
	if p.cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	var credential string
	if p.cfg.Username != "" {
		user := p.cfg.Username + "-session-" + sessionID
		credential = user + ":" + p.cfg.Password
		transport.Proxy = http.ProxyURL(&url.URL{
			Scheme: "http",
			User:   url.UserPassword(user, p.cfg.Password),
			Host:   net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port)),
		})
	}

	headers := make(map[string]string, len(DefaultHeaders))
	for k, v := range DefaultHeaders {
		headers[k] = v
	}

	if p.counter != nil {
		p.counter.SessionCreated()
	}

	p.logger.Debug().
		Int("index", index).
		Str("session_id", sessionID).
		Bool("proxied", transport.Proxy != nil).
		Msg("Identity created")

	return &Identity{
		SessionID:       sessionID,
		ProxyCredential: credential,
		Headers:         headers,
		client:    &http.Client{Transport: transport},
		transport: transport,
		timeout:   p.cfg.Timeout,
	}
}

// SetHeader sets a header sent on every subsequent request.
func (id *Identity) SetHeader(key, value string) {
	id.Headers[key] = value
}

// Get issues a GET request through the identity's proxy route.
// The caller must close the response body. The request fails with
// ErrIdleTimeout when no data arrives for the identity's timeout.
func (id *Identity) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range id.Headers {
		req.Header.Set(k, v)
	}

	idle := time.AfterFunc(id.timeout, func() { cancel(ErrIdleTimeout) })
	resp, err := id.client.Do(req)
	if err != nil {
		idle.Stop()
		cancel(nil)
		return nil, idleCause(ctx, err)
	}

	resp.Body = &idleBody{ReadCloser: resp.Body, ctx: ctx, cancel: cancel, idle: idle, timeout: id.timeout}
	return resp, nil
}

// idleBody re-arms the idle timer on every read that delivers data.
type idleBody struct {
	io.ReadCloser
	ctx     context.Context
	cancel  context.CancelCauseFunc
	idle    *time.Timer
	timeout time.Duration
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.idle.Reset(b.timeout)
	}
	if err != nil && err != io.EOF {
		err = idleCause(b.ctx, err)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.idle.Stop()
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}

func idleCause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrIdleTimeout) {
		return fmt.Errorf("%w: %v", ErrIdleTimeout, err)
	}
	return err
}

// Close tears down the session's connections.
func (id *Identity) Close() {
	id.transport.CloseIdleConnections()
}
