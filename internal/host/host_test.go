package host

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/clickhousejson/internal/clickhouse"
	"github.com/loykin/clickhousejson/internal/output"
	"github.com/loykin/clickhousejson/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	mu      sync.Mutex
	results []clickhouse.Result
	writes  []output.Chunk
}

func (f *fakePlugin) Format(tag string, _ record.EventTime, rec record.Record) ([]byte, error) {
	if _, bad := rec["bad"]; bad {
		return nil, record.ErrUnsupportedValue
	}
	return []byte(tag + ":" + rec["msg"].(string) + "\n"), nil
}

func (f *fakePlugin) Write(_ context.Context, chunk output.Chunk) clickhouse.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := chunk
	cp.Data = append([]byte(nil), chunk.Data...)
	f.writes = append(f.writes, cp)
	res := clickhouse.Success
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	}
	return clickhouse.Outcome{Result: res, StatusCode: 500, Message: "boom"}
}

func (f *fakePlugin) Timekey(ts record.EventTime) time.Time {
	return time.Unix(ts.Sec-ts.Sec%60, 0).UTC()
}

func ev(tag string, sec int64, msg string) Event {
	return Event{Tag: tag, Time: record.EventTime{Sec: sec}, Record: record.Record{"msg": msg}}
}

func TestBatch_PartitionsByTagAndTime(t *testing.T) {
	p := &fakePlugin{}
	b := NewBatch(p, Options{ChunkKeys: []string{"tag", "time"}})
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, ev("a", 0, "1")))
	require.NoError(t, b.Submit(ctx, ev("b", 10, "2")))
	require.NoError(t, b.Submit(ctx, ev("a", 30, "3")))
	require.NoError(t, b.Submit(ctx, ev("a", 90, "4")))
	assert.Equal(t, 3, b.Pending())

	res := b.Flush(ctx)
	require.Len(t, res, 3)
	assert.Equal(t, "a:1\na:3\n", string(p.writes[0].Data))
	assert.Equal(t, "a", p.writes[0].Meta.Tag)
	assert.Equal(t, int64(0), p.writes[0].Meta.Timekey.Unix())
	assert.Equal(t, "b:2\n", string(p.writes[1].Data))
	assert.Equal(t, "a:4\n", string(p.writes[2].Data))
	assert.Equal(t, int64(60), p.writes[2].Meta.Timekey.Unix())
	assert.Equal(t, 2, res[0].Records)
	assert.Equal(t, 0, b.Pending())
}

func TestBatch_NoChunkKeysSingleChunk(t *testing.T) {
	p := &fakePlugin{}
	b := NewBatch(p, Options{})
	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, ev("a", 0, "1")))
	require.NoError(t, b.Submit(ctx, ev("b", 500, "2")))

	res := b.Flush(ctx)
	require.Len(t, res, 1)
	assert.True(t, p.writes[0].Meta.Timekey.IsZero())
	assert.Equal(t, "a:1\nb:2\n", string(p.writes[0].Data))
}

func TestBatch_PartitionsByRecordField(t *testing.T) {
	p := &fakePlugin{}
	b := NewBatch(p, Options{ChunkKeys: []string{"service"}})
	ctx := context.Background()
	for i, svc := range []string{"api", "db", "api"} {
		e := ev("t", int64(i), svc)
		e.Record["service"] = svc
		require.NoError(t, b.Submit(ctx, e))
	}
	b.Flush(ctx)
	require.Len(t, p.writes, 2)
	assert.Equal(t, "api", p.writes[0].Meta.Variables["service"])
	assert.Equal(t, "db", p.writes[1].Meta.Variables["service"])
}

func TestBatch_RetryableChunkResentUnchanged(t *testing.T) {
	p := &fakePlugin{results: []clickhouse.Result{clickhouse.Retryable}}
	b := NewBatch(p, Options{ChunkKeys: []string{"tag"}})
	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, ev("a", 0, "1")))

	res := b.Flush(ctx)
	require.Len(t, res, 1)
	assert.Equal(t, clickhouse.Retryable, res[0].Outcome.Result)
	assert.Equal(t, 1, b.Pending())

	// a record for the same tag arriving meanwhile goes into a fresh chunk
	require.NoError(t, b.Submit(ctx, ev("a", 1, "2")))
	res = b.Flush(ctx)
	require.Len(t, res, 2)
	assert.Equal(t, "a:1\n", string(p.writes[1].Data))
	assert.Equal(t, "a:2\n", string(p.writes[2].Data))
	assert.Equal(t, 0, b.Pending())
}

func TestBatch_UnrecoverableAndDroppedDiscarded(t *testing.T) {
	p := &fakePlugin{results: []clickhouse.Result{clickhouse.Unrecoverable, clickhouse.Dropped}}
	b := NewBatch(p, Options{ChunkKeys: []string{"tag"}})
	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, ev("a", 0, "1")))
	require.NoError(t, b.Submit(ctx, ev("b", 0, "2")))

	res := b.Flush(ctx)
	require.Len(t, res, 2)
	assert.Equal(t, clickhouse.Unrecoverable, res[0].Outcome.Result)
	assert.Equal(t, clickhouse.Dropped, res[1].Outcome.Result)
	assert.Equal(t, 0, b.Pending())
	assert.Empty(t, b.Flush(ctx))
}

func TestBatch_FormatErrorRejectsRecord(t *testing.T) {
	b := NewBatch(&fakePlugin{}, Options{})
	err := b.Submit(context.Background(), Event{Tag: "x", Record: record.Record{"bad": true}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, record.ErrUnsupportedValue))
	assert.Equal(t, 0, b.Pending())
}

func TestBatch_ShutdownFlushes(t *testing.T) {
	p := &fakePlugin{}
	b := NewBatch(p, Options{FlushAtShutdown: true})
	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, ev("a", 0, "1")))

	require.NoError(t, b.Shutdown(ctx))
	assert.Len(t, p.writes, 1)
	assert.ErrorIs(t, b.Submit(ctx, ev("a", 0, "2")), ErrClosed)
}

func TestBatch_ShutdownReportsUndelivered(t *testing.T) {
	p := &fakePlugin{results: []clickhouse.Result{clickhouse.Retryable}}
	b := NewBatch(p, Options{FlushAtShutdown: true})
	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, ev("a", 0, "1")))

	err := b.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, clickhouse.IsRetryable(err))
	assert.True(t, strings.Contains(err.Error(), "1 chunks not delivered"))
}

func TestBatch_ShutdownWithoutFlush(t *testing.T) {
	p := &fakePlugin{}
	b := NewBatch(p, Options{})
	require.NoError(t, b.Submit(context.Background(), ev("a", 0, "1")))
	require.Error(t, b.Shutdown(context.Background()))
	assert.Empty(t, p.writes)
}
