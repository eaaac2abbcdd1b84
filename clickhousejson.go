// Package clickhousejson writes log records to ClickHouse as JSONEachRow over
// its HTTP interface. It is a thin facade over the internal packages for
// programs that embed the output.
package clickhousejson

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/clickhousejson/internal/clickhouse"
	cfg "github.com/loykin/clickhousejson/internal/config"
	"github.com/loykin/clickhousejson/internal/host"
	"github.com/loykin/clickhousejson/internal/metrics"
	"github.com/loykin/clickhousejson/internal/output"
	"github.com/loykin/clickhousejson/internal/record"
	iapi "github.com/loykin/clickhousejson/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Record = record.Record

type EventTime = record.EventTime

type Event = host.Event

type Chunk = output.Chunk

type Outcome = clickhouse.Outcome

type Result = clickhouse.Result

type FlushResult = host.FlushResult

const (
	Success       = clickhouse.Success
	Retryable     = clickhouse.Retryable
	Unrecoverable = clickhouse.Unrecoverable
	Dropped       = clickhouse.Dropped
)

var (
	ErrConfiguration = clickhouse.ErrConfiguration
	ErrInvalidConfig = cfg.ErrInvalid
)

// Output is a thin facade over internal/output.Output.
type Output struct{ inner *output.Output }

// New validates c and runs the startup health check.
func New(ctx context.Context, c Config, logger *slog.Logger) (*Output, error) {
	var opts []output.Option
	if logger != nil {
		opts = append(opts, output.WithLogger(logger))
	}
	o, err := output.New(ctx, c, opts...)
	if err != nil {
		return nil, err
	}
	return &Output{inner: o}, nil
}

func (o *Output) Format(tag string, ts EventTime, rec Record) ([]byte, error) {
	return o.inner.Format(tag, ts, rec)
}

func (o *Output) Write(ctx context.Context, c Chunk) Outcome {
	return o.inner.Write(ctx, c)
}

func (o *Output) Shutdown() {
	o.inner.Shutdown()
}

// Batch is an in-process host grouping events into chunks until Flush.
type Batch struct{ inner *host.Batch }

func NewBatch(o *Output, logger *slog.Logger) *Batch {
	c := o.inner.Config()
	return &Batch{inner: host.NewBatch(o.inner, host.Options{
		ChunkKeys:       c.Buffer.ChunkKeys,
		FlushAtShutdown: c.Buffer.FlushAtShutdown,
		Logger:          logger,
	})}
}

func (b *Batch) Submit(ctx context.Context, ev Event) error {
	return b.inner.Submit(ctx, ev)
}

func (b *Batch) Flush(ctx context.Context) []FlushResult {
	return b.inner.Flush(ctx)
}

func (b *Batch) Shutdown(ctx context.Context) error {
	return b.inner.Shutdown(ctx)
}

func (b *Batch) Pending() int {
	return b.inner.Pending()
}

func NewEvent(tag string, t time.Time, rec Record) Event {
	return Event{Tag: tag, Time: record.FromTime(t), Record: rec}
}

func DefaultConfig() Config {
	return cfg.Default()
}

func LoadConfig(path string) (Config, error) {
	return cfg.Load(path)
}

func ConfigFromMap(kv map[string]string) (Config, error) {
	return cfg.FromMap(kv)
}

// NewIngestHandler returns the HTTP ingest API backed by o, for mounting in
// another server.
func NewIngestHandler(o *Output, basePath string, logger *slog.Logger) http.Handler {
	return iapi.NewRouter(o.inner, o.inner.Config().Buffer.ChunkKeys, basePath, logger).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
