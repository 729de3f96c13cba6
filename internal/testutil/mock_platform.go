// Package testutil provides testing utilities for clipfetch.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockVideo defines one item served by MockPlatform.
type MockVideo struct {
	Uploader    string
	ID          string
	Description string

	// MediaSize is the number of bytes served for the media file.
	MediaSize int

	// PageStatus and MediaStatus override the 200 default.
	PageStatus  int
	MediaStatus int

	// NoMedia serves a page without a rehydration script.
	NoMedia bool

	// Delay is applied before answering the page request.
	Delay time.Duration
}

// MockPlatform is a configurable media platform for testing. Pages are
// served at /@{uploader}/video/{id} and media at /media/{id}.mp4.
type MockPlatform struct {
	server *httptest.Server

	mu     sync.RWMutex
	videos map[string]MockVideo

	// Tracking
	pageHits         map[string]int
	mediaHits        map[string]int
	LastMediaRequest http.Header
	RequestCount     int

	// GeoStatus overrides the 200 default of the geo endpoint.
	GeoStatus int
}

// NewMockPlatform starts a mock platform server.
func NewMockPlatform() *MockPlatform {
	m := &MockPlatform{
		videos:    make(map[string]MockVideo),
		pageHits:  make(map[string]int),
		mediaHits: make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.RequestCount++
		m.mu.Unlock()

		switch {
		case r.URL.Path == "/mygeo.json":
			m.serveGeo(w, r)
		case r.URL.Path == "/ip":
			m.serveIP(w, r)
		case strings.HasPrefix(r.URL.Path, "/media/"):
			m.serveMedia(w, r)
		case strings.Contains(r.URL.Path, "/video/"):
			m.servePage(w, r)
		default:
			http.NotFound(w, r)
		}
	}))

	return m
}

// URL returns the mock server URL.
func (m *MockPlatform) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockPlatform) Close() {
	m.server.Close()
}

// AddVideo registers an item and returns its page URL.
func (m *MockPlatform) AddVideo(v MockVideo) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[v.ID] = v
	return m.PageURL(v.Uploader, v.ID)
}

// PageURL builds the page URL for an item.
func (m *MockPlatform) PageURL(uploader, id string) string {
	return fmt.Sprintf("%s/@%s/video/%s", m.server.URL, uploader, id)
}

// MediaURL builds the media URL for an item.
func (m *MockPlatform) MediaURL(id string) string {
	return fmt.Sprintf("%s/media/%s.mp4", m.server.URL, id)
}

// GeoURL returns the connectivity check endpoint.
func (m *MockPlatform) GeoURL() string {
	return m.server.URL + "/mygeo.json"
}

// IPURL returns the exit address echo endpoint.
func (m *MockPlatform) IPURL() string {
	return m.server.URL + "/ip"
}

// SetGeoStatus makes the geo endpoint answer with status.
func (m *MockPlatform) SetGeoStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GeoStatus = status
}

// PageHits returns how often the page of id was requested.
func (m *MockPlatform) PageHits(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pageHits[id]
}

// MediaHits returns how often the media of id was requested.
func (m *MockPlatform) MediaHits(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mediaHits[id]
}

// LastMediaHeaders returns the headers of the most recent media request.
func (m *MockPlatform) LastMediaHeaders() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastMediaRequest
}

func (m *MockPlatform) servePage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	m.mu.Lock()
	m.pageHits[id]++
	v, ok := m.videos[id]
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if v.Delay > 0 {
		time.Sleep(v.Delay)
	}
	if v.PageStatus != 0 && v.PageStatus != http.StatusOK {
		w.WriteHeader(v.PageStatus)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if v.NoMedia {
		w.Write([]byte(`<html><body>Please verify you are human</body></html>`))
		return
	}
	w.Write([]byte(RehydrationPage(v.Uploader, v.Description, m.MediaURL(v.ID))))
}

func (m *MockPlatform) serveMedia(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/media/"), ".mp4")

	m.mu.Lock()
	m.mediaHits[id]++
	m.LastMediaRequest = r.Header.Clone()
	v, ok := m.videos[id]
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if v.MediaStatus != 0 && v.MediaStatus != http.StatusOK {
		w.WriteHeader(v.MediaStatus)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)
	w.Write(bytes.Repeat([]byte{0x42}, v.MediaSize))
}

func (m *MockPlatform) serveGeo(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	status := m.GeoStatus
	m.mu.RUnlock()

	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"country":"US","ip":"203.0.113.7"}`))
}

func (m *MockPlatform) serveIP(w http.ResponseWriter, r *http.Request) {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"origin": "%s"}`, host)
}

// RehydrationPage renders a page embedding the state the default resolver reads.
func RehydrationPage(uploader, description, mediaURL string) string {
	state := map[string]any{
		"__DEFAULT_SCOPE__": map[string]any{
			"webapp.video-detail": map[string]any{
				"itemInfo": map[string]any{
					"itemStruct": map[string]any{
						"desc":   description,
						"author": map[string]any{"uniqueId": uploader},
						"video":  map[string]any{"downloadAddr": mediaURL},
					},
				},
			},
		},
	}
	data, _ := json.Marshal(state)

	return `<!DOCTYPE html><html><head>` +
		`<script id="__UNIVERSAL_DATA_FOR_REHYDRATION__" type="application/json">` +
		string(data) +
		`</script></head><body></body></html>`
}
