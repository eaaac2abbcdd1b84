package output

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/clickhousejson/internal/clickhouse"
	"github.com/loykin/clickhousejson/internal/config"
	"github.com/loykin/clickhousejson/internal/metrics"
	"github.com/loykin/clickhousejson/internal/placeholder"
	"github.com/loykin/clickhousejson/internal/record"
)

// PluginName is the name the output registers under with a host.
const PluginName = "clickhousejson"

// Chunk is a batch of formatted lines handed back by the host for writing.
// The output only reads Data and never retains it.
type Chunk struct {
	Data []byte
	Meta placeholder.Meta
}

// Output formats records and writes chunks to ClickHouse. Everything it holds
// is fixed at construction, so Format and Write may be called concurrently.
type Output struct {
	cfg       config.Config
	formatter *record.Formatter
	client    *clickhouse.Client
	log       *slog.Logger
}

type Option func(*Output)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *Output) { o.log = l }
}

// New validates cfg, builds the client and verifies the endpoint with a health
// check. Any failure is returned before the output accepts records.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Output, error) {
	o, err := newOutput(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := o.client.HealthCheck(ctx); err != nil {
		return nil, err
	}
	o.log.Info("clickhouse output ready",
		slog.String("endpoint", o.client.Endpoint().Base()),
		slog.String("database", cfg.Database),
		slog.String("table", cfg.Table))
	return o, nil
}

func newOutput(cfg config.Config, opts ...Option) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &clickhouse.ConfigurationError{Msg: "invalid output configuration", Cause: err}
	}
	o := &Output{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(slog.String("plugin", PluginName))

	client, err := clickhouse.NewClient(cfg, o.log)
	if err != nil {
		return nil, &clickhouse.ConfigurationError{Msg: "build clickhouse client", Cause: err}
	}
	o.client = client
	o.formatter = record.NewFormatter(record.Options{
		DatetimeName:      cfg.DatetimeName,
		DatetimePrecision: cfg.DatetimePrecision,
		TZOffsetMinutes:   cfg.TZOffset,
		TagName:           cfg.TagName,
		DropNullFields:    cfg.DropNullFields,
	})
	return o, nil
}

// Config returns the configuration the output was built with.
func (o *Output) Config() config.Config { return o.cfg }

// Format encodes one record as a JSONEachRow line.
func (o *Output) Format(tag string, ts record.EventTime, rec record.Record) ([]byte, error) {
	line, dropped, err := o.formatter.Format(tag, ts, rec)
	if err != nil {
		metrics.IncFormatError()
		return nil, err
	}
	metrics.AddRecords(1)
	metrics.AddDroppedNullFields(dropped)
	return line, nil
}

// Table resolves the configured table template for a chunk.
func (o *Output) Table(meta placeholder.Meta) (string, error) {
	return placeholder.Resolve(o.cfg.Table, meta)
}

// Write sends one chunk. A chunk is accepted or rejected as a whole.
func (o *Output) Write(ctx context.Context, chunk Chunk) clickhouse.Outcome {
	table, err := o.Table(chunk.Meta)
	if err != nil {
		// retrying cannot change the chunk's metadata
		o.log.Error("cannot resolve table for chunk", slog.String("table", o.cfg.Table), slog.Any("error", err))
		metrics.IncWrite(clickhouse.Unrecoverable.String())
		return clickhouse.Outcome{Result: clickhouse.Unrecoverable, Message: err.Error(), Cause: err}
	}
	if len(chunk.Data) == 0 {
		return clickhouse.Outcome{Result: clickhouse.Success}
	}
	return o.client.Send(ctx, chunk.Data, table)
}

// TimekeyLocation is where chunk time buckets are rendered.
func (o *Output) TimekeyLocation() *time.Location {
	if o.cfg.Buffer.TimekeyUseUTC {
		return time.UTC
	}
	return time.Local
}

// Timekey returns the start of the time bucket ts falls into, or the zero time
// when chunks are not partitioned by time.
func (o *Output) Timekey(ts record.EventTime) time.Time {
	if !o.cfg.HasChunkKey("time") {
		return time.Time{}
	}
	sec := ts.Sec
	if size := int64(o.cfg.Buffer.Timekey); size > 0 {
		sec -= mod(sec, size)
	}
	return time.Unix(sec, 0).In(o.TimekeyLocation())
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Shutdown releases idle connections.
func (o *Output) Shutdown() {
	o.client.Close()
	o.log.Info("clickhouse output stopped")
}

func (o *Output) String() string {
	return fmt.Sprintf("%s(%s)", PluginName, o.client.Endpoint().Base())
}
