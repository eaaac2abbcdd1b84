package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/clickhousejson/internal/clickhouse"
	"github.com/loykin/clickhousejson/internal/host"
	"github.com/loykin/clickhousejson/internal/metrics"
)

// Router provides embeddable HTTP handlers feeding records to the output.
// Endpoints:
//
//	POST {basePath}/ingest/:tag   body: NDJSON, query: time_key=... (optional)
//	GET  {basePath}/healthz
//	GET  {basePath}/metrics
//
// Each ingest request is one batch: its records are grouped into chunks and
// every chunk is written once before the response is sent.
type Router struct {
	plugin    host.Plugin
	chunkKeys []string
	basePath  string
	log       *slog.Logger
}

// NewRouter constructs a Router. plugin may be nil, in which case only the
// health and metrics endpoints are served.
func NewRouter(plugin host.Plugin, chunkKeys []string, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{plugin: plugin, chunkKeys: chunkKeys, basePath: sanitizeBase(basePath), log: logger}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.plugin != nil {
		group.POST("/ingest/:tag", r.handleIngest)
	}
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer returns an HTTP server on addr using this router. The caller
// starts and stops it.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type chunkResp struct {
	Tag     string `json:"tag,omitempty"`
	Records int    `json:"records"`
	Bytes   int    `json:"bytes"`
	Result  string `json:"result"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

type ingestResp struct {
	Records int         `json:"records"`
	Result  string      `json:"result"`
	Chunks  []chunkResp `json:"chunks"`
}

func (r *Router) handleIngest(c *gin.Context) {
	tag := c.Param("tag")
	if !isSafeTag(tag) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid tag: allowed [A-Za-z0-9._-] without empty parts"})
		return
	}
	ctx := c.Request.Context()
	batch := host.NewBatch(r.plugin, host.Options{ChunkKeys: r.chunkKeys, Logger: r.log})

	records := 0
	err := host.ReadEvents(c.Request.Body, host.ReadOptions{Tag: tag, TimeKey: c.Query("time_key")}, func(_ int, ev host.Event) error {
		if err := batch.Submit(ctx, ev); err != nil {
			return err
		}
		records++
		return nil
	})
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}

	results := batch.Flush(ctx)
	resp := ingestResp{Records: records, Result: clickhouse.Success.String(), Chunks: make([]chunkResp, 0, len(results))}
	worst := clickhouse.Success
	for _, res := range results {
		resp.Chunks = append(resp.Chunks, chunkResp{
			Tag:     res.Meta.Tag,
			Records: res.Records,
			Bytes:   res.Bytes,
			Result:  res.Outcome.Result.String(),
			Status:  res.Outcome.StatusCode,
			Message: res.Outcome.Message,
		})
		worst = worse(worst, res.Outcome.Result)
	}
	resp.Result = worst.String()
	writeJSON(c, statusFor(worst), resp)
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// worse orders results by how much the caller has to care.
func worse(a, b clickhouse.Result) clickhouse.Result {
	rank := func(r clickhouse.Result) int {
		switch r {
		case clickhouse.Unrecoverable:
			return 3
		case clickhouse.Retryable:
			return 2
		case clickhouse.Dropped:
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

func statusFor(r clickhouse.Result) int {
	switch r {
	case clickhouse.Retryable:
		return http.StatusServiceUnavailable
	case clickhouse.Unrecoverable:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

// IsServerClosed reports whether err is the normal result of shutting a server down.
func IsServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}
