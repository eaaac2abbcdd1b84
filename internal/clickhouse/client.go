package clickhouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/loykin/clickhousejson/internal/config"
	"github.com/loykin/clickhousejson/internal/metrics"
	itls "github.com/loykin/clickhousejson/internal/tls"
)

const (
	healthCheckQuery = "SHOW TABLES"
	// maxResponseBody caps how much of an error response is kept for logs.
	maxResponseBody = 16 << 10
)

// Client sends chunks to ClickHouse over HTTP. It is immutable after
// construction and safe for concurrent use.
type Client struct {
	endpoint      Endpoint
	http          *http.Client
	retryable     map[int]struct{}
	unrecoverable bool
	encoder       *encoder
	log           *slog.Logger
}

// NewClient builds a Client from cfg. No request is made.
func NewClient(cfg config.Config, logger *slog.Logger) (*Client, error) {
	ep, err := NewEndpoint(cfg.HTTPURI, cfg.Database, cfg.User, cfg.Password)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := itls.ClientConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	enc, err := newEncoder(cfg.Compress)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TLS.InsecureSkipVerify && ep.Secure() {
		logger.Warn("TLS certificate verification is disabled for ClickHouse endpoint",
			slog.String("endpoint", ep.Base()))
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsCfg
	return &Client{
		endpoint: ep,
		http: &http.Client{
			Transport: tr,
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		retryable:     cfg.RetryableSet(),
		unrecoverable: cfg.ErrorResponseAsUnrecoverable,
		encoder:       enc,
		log:           logger,
	}, nil
}

// Endpoint returns the endpoint the client talks to.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// HealthCheck runs SHOW TABLES and requires a 200 response. Every failure is a
// *ConfigurationError.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.QueryURL(healthCheckQuery), nil)
	if err != nil {
		return &ConfigurationError{Msg: "build health check request", Cause: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.IncHealthCheck("unreachable")
		msg := fmt.Sprintf("Couldn't connect to ClickHouse at %s", c.endpoint.Base())
		if errors.Is(err, syscall.ECONNREFUSED) {
			msg += " - connection refused"
		}
		return &ConfigurationError{Msg: msg, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	body := readBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		metrics.IncHealthCheck("failed")
		return &ConfigurationError{Msg: fmt.Sprintf("ClickHouse server responded non-200 code %d: %s", resp.StatusCode, body)}
	}
	metrics.IncHealthCheck("ok")
	return nil
}

// Close releases idle connections and encoder resources.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
	c.encoder.close()
}

// Classify maps an HTTP status code onto a Result.
func (c *Client) Classify(status int) Result {
	if status >= 200 && status < 300 {
		return Success
	}
	if _, ok := c.retryable[status]; ok {
		return Retryable
	}
	if c.unrecoverable {
		return Unrecoverable
	}
	return Dropped
}

// Send posts chunk as the body of an INSERT into table. The chunk is sent as is
// and never retained.
func (c *Client) Send(ctx context.Context, chunk []byte, table string) Outcome {
	start := time.Now()
	out := c.send(ctx, chunk, table)
	metrics.ObserveWrite(out.Result.String(), time.Since(start).Seconds(), len(chunk))

	attrs := []any{slog.String("table", table), slog.Int("bytes", len(chunk))}
	if out.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status", out.StatusCode))
	}
	switch out.Result {
	case Success:
		c.log.Debug("chunk inserted", attrs...)
	case Retryable:
		c.log.Warn("Clickhouse responded: "+out.Message, attrs...)
	case Unrecoverable, Dropped:
		c.log.Error("Clickhouse responded: "+out.Message, append(attrs, slog.String("result", out.Result.String()))...)
	}
	return out
}

func (c *Client) send(ctx context.Context, chunk []byte, table string) Outcome {
	body, encoding, err := c.encoder.encode(chunk)
	if err != nil {
		return Outcome{Result: Unrecoverable, Message: err.Error(), Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.InsertURL(table), bytes.NewReader(body))
	if err != nil {
		return Outcome{Result: Unrecoverable, Message: err.Error(), Cause: err}
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// no response: the chunk never reached a verdict, try again later
		return Outcome{Result: Retryable, Message: err.Error(), Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	result := c.Classify(resp.StatusCode)
	out := Outcome{Result: result, StatusCode: resp.StatusCode}
	if result != Success {
		out.Message = readBody(resp.Body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return out
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxResponseBody))
	return string(bytes.TrimSpace(b))
}
