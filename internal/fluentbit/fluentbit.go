// Package fluentbit adapts the output to the Fluent Bit Go plugin interface.
// Decoding of the msgpack buffer stays in the cgo entry point; this package
// works on already decoded entries.
package fluentbit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	fbout "github.com/fluent/fluent-bit-go/output"
	"github.com/loykin/clickhousejson/internal/clickhouse"
	"github.com/loykin/clickhousejson/internal/config"
	"github.com/loykin/clickhousejson/internal/host"
	"github.com/loykin/clickhousejson/internal/output"
	"github.com/loykin/clickhousejson/internal/placeholder"
	"github.com/loykin/clickhousejson/internal/record"
)

// Entry is one decoded Fluent Bit record.
type Entry struct {
	Time   any
	Record map[any]any
}

// Writer is the output side driven by a flush. *output.Output implements it.
type Writer interface {
	Format(tag string, ts record.EventTime, rec record.Record) ([]byte, error)
	Write(ctx context.Context, chunk output.Chunk) clickhouse.Outcome
	Timekey(ts record.EventTime) time.Time
}

// Plugin turns one Fluent Bit flush into one chunk.
type Plugin struct {
	w         Writer
	chunkKeys []string
	log       *slog.Logger
	now       func() time.Time
}

// NewPlugin returns a Plugin writing through w.
func NewPlugin(w Writer, cfg config.Config, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{w: w, chunkKeys: cfg.Buffer.ChunkKeys, log: logger, now: time.Now}
}

type group struct {
	meta    placeholder.Meta
	data    []byte
	records int
}

// Flush formats entries, groups them into chunks by the configured chunk keys
// and writes each chunk once. It returns the most severe Fluent Bit status
// code across the chunks. Records that cannot be formatted are logged and
// skipped, since Fluent Bit can only accept or retry a flush as a whole.
func (p *Plugin) Flush(ctx context.Context, tag string, entries []Entry) int {
	var (
		groups  = make(map[host.ChunkKey]*group)
		order   []host.ChunkKey
		skipped int
	)
	for _, e := range entries {
		ev := host.Event{Tag: tag, Time: Timestamp(e.Time, p.now), Record: Convert(e.Record)}
		line, err := p.w.Format(ev.Tag, ev.Time, ev.Record)
		if err != nil {
			skipped++
			p.log.Warn("skipping record", slog.String("tag", tag), slog.Any("error", err))
			continue
		}
		key, meta := host.Partition(p.chunkKeys, p.w.Timekey, ev)
		g, ok := groups[key]
		if !ok {
			g = &group{meta: meta}
			groups[key] = g
			order = append(order, key)
		}
		g.data = append(g.data, line...)
		g.records++
	}
	if len(order) == 0 {
		if skipped > 0 {
			p.log.Error("no record in flush could be formatted", slog.String("tag", tag), slog.Int("skipped", skipped))
		}
		return fbout.FLB_OK
	}

	code := fbout.FLB_OK
	for _, k := range order {
		g := groups[k]
		c := Code(p.w.Write(ctx, output.Chunk{Data: g.data, Meta: g.meta}))
		if c != fbout.FLB_OK && len(order) > 1 {
			p.log.Warn("chunk in flush not delivered", slog.String("tag", tag), slog.Int("records", g.records), slog.Int("chunks", len(order)))
		}
		code = worseCode(code, c)
	}
	return code
}

func worseCode(a, b int) int {
	rank := func(c int) int {
		switch c {
		case fbout.FLB_ERROR:
			return 2
		case fbout.FLB_RETRY:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Code maps an outcome onto FLB_OK, FLB_RETRY or FLB_ERROR.
func Code(out clickhouse.Outcome) int {
	switch out.Result {
	case clickhouse.Retryable:
		return fbout.FLB_RETRY
	case clickhouse.Unrecoverable:
		return fbout.FLB_ERROR
	default:
		return fbout.FLB_OK
	}
}

// Timestamp converts the time value returned by the Fluent Bit decoder.
// Unknown values fall back to now.
func Timestamp(ts any, now func() time.Time) record.EventTime {
	switch t := ts.(type) {
	case fbout.FLBTime:
		return record.FromTime(t.Time)
	case *fbout.FLBTime:
		return record.FromTime(t.Time)
	case time.Time:
		return record.FromTime(t)
	case uint64:
		return record.EventTime{Sec: int64(t)}
	case int64:
		return record.EventTime{Sec: t}
	case float64:
		sec, frac := math.Modf(t)
		return record.EventTime{Sec: int64(sec), Nsec: int64(frac * 1e9)}
	case []any:
		// event format v2: [timestamp, metadata]
		if len(t) > 0 {
			return Timestamp(t[0], now)
		}
	}
	if now == nil {
		now = time.Now
	}
	return record.FromTime(now())
}

// Convert turns a decoded msgpack map into a Record. Byte strings become
// strings and nested containers are converted recursively.
func Convert(m map[any]any) record.Record {
	out := make(record.Record, len(m))
	for k, v := range m {
		out[key(k)] = value(v)
	}
	return out
}

func key(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}

func value(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case map[any]any:
		return map[string]any(Convert(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = value(e)
		}
		return out
	default:
		return v
	}
}
