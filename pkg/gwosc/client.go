// Package gwosc is a small client for the Gravitational Wave Open Science
// Center: event catalog lookups and open strain data downloads.
package gwosc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the public GWOSC endpoint.
const DefaultBaseURL = "https://gwosc.org"

// maxErrorBody bounds how much of an error response is kept in an APIError.
const maxErrorBody = 512

var (
	// ErrNoStrainData is returned when the archive has no open data covering
	// the requested detector and window.
	ErrNoStrainData = errors.New("no strain data available for the requested window")
	// ErrUnsupportedDatasetType is returned by ListDatasets for types other
	// than "events".
	ErrUnsupportedDatasetType = errors.New("unsupported dataset type")
)

// Config holds the client configuration.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// APIError describes a non-2xx response from GWOSC.
type APIError struct {
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gwosc: %s returned HTTP %d: %s", e.URL, e.Status, e.Body)
}

// Client talks to the GWOSC HTTP API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a Client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger zerolog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "GWOSCClient").Logger(),
	}
}

// get issues a GET and returns the response body for 2xx responses. The caller
// must close the body.
func (c *Client) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gwosc request %s: %w", url, err)
	}
	c.logger.Debug().Str("url", url).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("GWOSC request completed.")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{URL: url, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}

// getJSON issues a GET and decodes a JSON response into out.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	body, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return nil
}
