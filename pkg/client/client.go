package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/loykin/clickhousejson/internal/config"
	itls "github.com/loykin/clickhousejson/internal/tls"
)

// ErrRetry is wrapped by Ingest errors the caller should retry later.
var ErrRetry = errors.New("ingest should be retried")

// Client sends records to a clickhousejson ingest server.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:9880",
		Timeout: 30 * time.Second,
	}
}

// New creates a new ingest client.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		tlsConfig, err := itls.ClientConfig(config.TLSConfig{CAFile: cfg.TLS.CACert, InsecureSkipVerify: cfg.TLS.SkipVerify})
		if err != nil {
			return nil, fmt.Errorf("client TLS: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  cfg.Logger,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the server answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Ingest posts records as NDJSON under tag. A 503 answer is returned together
// with an error wrapping ErrRetry; the response is still decoded so per chunk
// results are available.
func (c *Client) Ingest(ctx context.Context, tag string, records []map[string]any, opts IngestOptions) (*IngestResponse, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}

	u := c.baseURL + "/ingest/" + url.PathEscape(tag)
	if opts.TimeKey != "" {
		u += "?" + url.Values{"time_key": {opts.TimeKey}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w: %w", ErrRetry, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusServiceUnavailable, http.StatusBadGateway:
		var out IngestResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
		}
		switch resp.StatusCode {
		case http.StatusServiceUnavailable:
			return &out, fmt.Errorf("%w: %s", ErrRetry, out.Result)
		case http.StatusBadGateway:
			return &out, fmt.Errorf("ingest failed: %s", out.Result)
		}
		return &out, nil
	default:
		return nil, c.handleErrorResponse(resp)
	}
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
