package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrConnectivity is returned when the pre-run connectivity test fails.
var ErrConnectivity = errors.New("connectivity test failed")

// Geo is the subset of the proxy geo endpoint response that is used.
type Geo struct {
	Country string `json:"country"`
	IP      string `json:"ip"`
}

// CheckConnectivity verifies the proxy route works by fetching the geo
// endpoint through a fresh identity.
func (p *Provider) CheckConnectivity(ctx context.Context, geoURL string) (*Geo, error) {
	id := p.Create(0)
	defer id.Close()

	resp, err := id.Get(ctx, geoURL)
	if err != nil {
		p.logger.Error().Err(err).Str("url", geoURL).Msg("Connection test error")
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Error().Int("status", resp.StatusCode).Str("url", geoURL).Msg("Connection test rejected")
		return nil, fmt.Errorf("%w: HTTP %d", ErrConnectivity, resp.StatusCode)
	}

	var geo Geo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&geo); err != nil {
		return nil, fmt.Errorf("%w: decode geo response: %v", ErrConnectivity, err)
	}

	p.logger.Info().Str("country", geo.Country).Msg("Connection test successful")
	return &geo, nil
}

// ExitIP asks an IP echo service which address the identity exits from.
// The service must answer with {"origin": "<addr>"}.
func (id *Identity) ExitIP(ctx context.Context, echoURL string) (string, error) {
	resp, err := id.Get(ctx, echoURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip echo: HTTP %d", resp.StatusCode)
	}

	var body struct {
		Origin string `json:"origin"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode ip echo: %w", err)
	}

	// Chained proxies report "client, exit".
	origin := body.Origin
	if i := strings.LastIndex(origin, ","); i >= 0 {
		origin = origin[i+1:]
	}
	return strings.TrimSpace(origin), nil
}
