package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/clickhousejson/internal/clickhouse"
	"github.com/loykin/clickhousejson/internal/output"
	"github.com/loykin/clickhousejson/internal/placeholder"
	"github.com/loykin/clickhousejson/internal/record"
)

// Event is one record submitted to a host.
type Event struct {
	Tag    string
	Time   record.EventTime
	Record record.Record
}

// Plugin is the output side a host drives. *output.Output implements it.
type Plugin interface {
	Format(tag string, ts record.EventTime, rec record.Record) ([]byte, error)
	Write(ctx context.Context, chunk output.Chunk) clickhouse.Outcome
	Timekey(ts record.EventTime) time.Time
}

// Host accepts records, groups them into chunks and flushes chunks through a
// Plugin.
type Host interface {
	Submit(ctx context.Context, ev Event) error
	Flush(ctx context.Context) []FlushResult
	Shutdown(ctx context.Context) error
}

// FlushResult reports what happened to one chunk.
type FlushResult struct {
	Meta    placeholder.Meta
	Records int
	Bytes   int
	Outcome clickhouse.Outcome
}

// Options configures chunk partitioning for a Batch.
type Options struct {
	ChunkKeys       []string
	FlushAtShutdown bool
	Logger          *slog.Logger
}

// ChunkKey identifies the chunk a record belongs to. Records with equal keys
// share a table.
type ChunkKey struct {
	tag  string
	time int64
	vars string
}

type pending struct {
	meta    placeholder.Meta
	data    []byte
	records int
}

// Batch is a single-process host without timers: chunks accumulate until
// Flush is called. Chunks that end in a retryable outcome stay queued for the
// next Flush; every other outcome removes them.
type Batch struct {
	plugin Plugin
	opts   Options
	log    *slog.Logger

	mu     sync.Mutex
	chunks map[ChunkKey]*pending
	order  []ChunkKey
	retry  []*pending
	closed bool
}

var ErrClosed = errors.New("host is shut down")

// NewBatch returns a Batch flushing through p.
func NewBatch(p Plugin, opts Options) *Batch {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Batch{plugin: p, opts: opts, log: l, chunks: make(map[ChunkKey]*pending)}
}

// Submit formats ev and appends it to the chunk selected by the chunk keys.
// A record that cannot be formatted is rejected and nothing is buffered.
func (b *Batch) Submit(_ context.Context, ev Event) error {
	line, err := b.plugin.Format(ev.Tag, ev.Time, ev.Record)
	if err != nil {
		return fmt.Errorf("format record for tag %s: %w", ev.Tag, err)
	}
	key, meta := Partition(b.opts.ChunkKeys, b.plugin.Timekey, ev)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	c, ok := b.chunks[key]
	if !ok {
		c = &pending{meta: meta}
		b.chunks[key] = c
		b.order = append(b.order, key)
	}
	c.data = append(c.data, line...)
	c.records++
	return nil
}

// Partition computes the chunk key and table metadata of ev for the given
// chunk keys. timekey buckets the event time.
func Partition(chunkKeys []string, timekey func(record.EventTime) time.Time, ev Event) (ChunkKey, placeholder.Meta) {
	var key ChunkKey
	var meta placeholder.Meta
	var vars []string
	for _, k := range chunkKeys {
		switch k {
		case "time":
			meta.Timekey = timekey(ev.Time)
			if !meta.Timekey.IsZero() {
				key.time = meta.Timekey.Unix()
			}
		case "tag":
			key.tag = ev.Tag
			meta.Tag = ev.Tag
		default:
			if meta.Variables == nil {
				meta.Variables = make(map[string]string)
			}
			v := ""
			if val, ok := ev.Record[k]; ok && val != nil {
				v = fmt.Sprint(val)
			}
			meta.Variables[k] = v
			vars = append(vars, k+"="+v)
		}
	}
	if meta.Tag == "" {
		// keep the tag available to ${tag}-free templates and logs
		meta.Tag = ev.Tag
	}
	sort.Strings(vars)
	key.vars = strings.Join(vars, "\x00")
	return key, meta
}

// Pending returns the number of queued chunks, including chunks awaiting retry.
func (b *Batch) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order) + len(b.retry)
}

// Flush writes every queued chunk once. Chunks awaiting retry go first and are
// re-sent byte for byte; new chunks follow in submission order.
func (b *Batch) Flush(ctx context.Context) []FlushResult {
	b.mu.Lock()
	queue := b.retry
	for _, k := range b.order {
		queue = append(queue, b.chunks[k])
	}
	b.chunks, b.order, b.retry = make(map[ChunkKey]*pending), nil, nil
	b.mu.Unlock()

	results := make([]FlushResult, 0, len(queue))
	var retry []*pending
	for _, c := range queue {
		out := b.plugin.Write(ctx, output.Chunk{Data: c.data, Meta: c.meta})
		results = append(results, FlushResult{Meta: c.meta, Records: c.records, Bytes: len(c.data), Outcome: out})
		switch out.Result {
		case clickhouse.Retryable:
			retry = append(retry, c)
		case clickhouse.Unrecoverable:
			b.log.Error("chunk discarded", slog.String("tag", c.meta.Tag), slog.Int("records", c.records), slog.String("reason", out.Message))
		}
	}

	if len(retry) > 0 {
		b.mu.Lock()
		b.retry = append(retry, b.retry...)
		b.mu.Unlock()
	}
	return results
}

// Shutdown stops accepting records and, when FlushAtShutdown is set, flushes
// what is queued. Chunks still pending afterwards are reported as an error.
func (b *Batch) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if b.opts.FlushAtShutdown {
		for _, r := range b.Flush(ctx) {
			if err := r.Outcome.Err(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if n := b.Pending(); n > 0 {
		errs = append(errs, fmt.Errorf("%d chunks not delivered at shutdown", n))
	}
	return errors.Join(errs...)
}
