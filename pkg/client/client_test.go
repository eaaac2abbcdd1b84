package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/clickhousejson/internal/clickhouse"
	"github.com/loykin/clickhousejson/internal/output"
	"github.com/loykin/clickhousejson/internal/record"
	"github.com/loykin/clickhousejson/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlugin struct {
	result clickhouse.Result
	chunks []output.Chunk
}

func (s *stubPlugin) Format(tag string, ts record.EventTime, rec record.Record) ([]byte, error) {
	line, _, err := record.NewFormatter(record.Options{DatetimeName: "ts"}).Format(tag, ts, rec)
	return line, err
}

func (s *stubPlugin) Write(_ context.Context, c output.Chunk) clickhouse.Outcome {
	s.chunks = append(s.chunks, c)
	return clickhouse.Outcome{Result: s.result}
}

func (s *stubPlugin) Timekey(record.EventTime) time.Time { return time.Time{} }

func newTestClient(t *testing.T, p *stubPlugin) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(server.NewRouter(p, nil, "/", quiet).Handler())
	t.Cleanup(ts.Close)
	c, err := New(Config{BaseURL: ts.URL + "/", Logger: quiet})
	require.NoError(t, err)
	return c
}

func TestIngest(t *testing.T) {
	p := &stubPlugin{}
	c := newTestClient(t, p)
	require.True(t, c.IsReachable(context.Background()))

	resp, err := c.Ingest(context.Background(), "app.web", []map[string]any{
		{"msg": "a", "at": 1700000000},
		{"msg": "b", "at": 1700000001},
	}, IngestOptions{TimeKey: "at"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Records)
	assert.Equal(t, "success", resp.Result)
	require.Len(t, p.chunks, 1)
	assert.Equal(t, "{\"msg\":\"a\",\"ts\":1700000000}\n{\"msg\":\"b\",\"ts\":1700000001}\n", string(p.chunks[0].Data))
}

func TestIngest_Retry(t *testing.T) {
	c := newTestClient(t, &stubPlugin{result: clickhouse.Retryable})
	resp, err := c.Ingest(context.Background(), "t", []map[string]any{{"a": 1}}, IngestOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetry))
	require.NotNil(t, resp)
	assert.Equal(t, "retryable", resp.Chunks[0].Result)
}

func TestIngest_Unrecoverable(t *testing.T) {
	c := newTestClient(t, &stubPlugin{result: clickhouse.Unrecoverable})
	resp, err := c.Ingest(context.Background(), "t", []map[string]any{{"a": 1}}, IngestOptions{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRetry))
	assert.Equal(t, "unrecoverable", resp.Result)
}

func TestIngest_BadRequest(t *testing.T) {
	c := newTestClient(t, &stubPlugin{})
	_, err := c.Ingest(context.Background(), "a..b", []map[string]any{{"a": 1}}, IngestOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error: invalid tag")
}

func TestIngest_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()
	c, err := New(Config{BaseURL: base, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
	_, err = c.Ingest(context.Background(), "t", nil, IngestOptions{})
	assert.ErrorIs(t, err, ErrRetry)
}

func TestNew_BadCA(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: "/does/not/exist.pem"}})
	require.Error(t, err)
}
