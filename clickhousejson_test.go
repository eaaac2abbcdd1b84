package clickhousejson

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type chStub struct {
	mu     sync.Mutex
	bodies []string
}

func (s *chStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		b, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(b))
		s.mu.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFacadeBatchFlush(t *testing.T) {
	stub := &chStub{}
	ts := httptest.NewServer(stub)
	defer ts.Close()

	c := DefaultConfig()
	c.HTTPURI = ts.URL
	c.Table = "logs"
	c.DatetimeName = "ts"
	o, err := New(context.Background(), c, quietLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer o.Shutdown()

	b := NewBatch(o, quietLogger())
	ctx := context.Background()
	if err := b.Submit(ctx, NewEvent("app", time.Unix(1700000000, 0), Record{"msg": "hi"})); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if b.Pending() != 1 {
		t.Fatalf("expected one pending chunk, got %d", b.Pending())
	}
	res := b.Flush(ctx)
	if len(res) != 1 || res[0].Outcome.Result != Success {
		t.Fatalf("unexpected flush results: %+v", res)
	}
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(stub.bodies) != 1 || stub.bodies[0] != "{\"msg\":\"hi\",\"ts\":1700000000}\n" {
		t.Fatalf("unexpected bodies: %q", stub.bodies)
	}
}

func TestFacadeConfigErrors(t *testing.T) {
	_, err := ConfigFromMap(map[string]string{"table": "logs"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	c := DefaultConfig()
	c.HTTPURI = "http://127.0.0.1:1"
	c.Table = "logs"
	if _, err := New(context.Background(), c, quietLogger()); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFacadeIngestHandler(t *testing.T) {
	stub := &chStub{}
	ts := httptest.NewServer(stub)
	defer ts.Close()
	c, err := ConfigFromMap(map[string]string{"http_uri": ts.URL, "table": "logs", "chunk_keys": "tag"})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	o, err := New(context.Background(), c, quietLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := NewIngestHandler(o, "/api", quietLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest/app", strings.NewReader("{\"a\":1}\n")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("second register should be idempotent: %v", err)
	}
}
