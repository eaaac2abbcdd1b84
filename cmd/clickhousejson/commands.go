package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/clickhousejson/internal/clickhouse"
	"github.com/loykin/clickhousejson/internal/config"
	"github.com/loykin/clickhousejson/internal/host"
	"github.com/loykin/clickhousejson/internal/logger"
	"github.com/loykin/clickhousejson/internal/metrics"
	"github.com/loykin/clickhousejson/internal/output"
	"github.com/loykin/clickhousejson/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 10 * time.Second

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	if path == "" {
		return config.Config{}, nil, fmt.Errorf("config file required. Use --config=out.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logger.FromConfig(cfg.Log).NewSlogger()
	slog.SetDefault(log)
	return cfg, log, nil
}

// cmdCheck validates the configuration and runs the health check.
func cmdCheck(ctx context.Context, f CheckFlags, stdout io.Writer) error {
	cfg, log, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	out, err := output.New(ctx, cfg, output.WithLogger(log))
	if err != nil {
		return err
	}
	defer out.Shutdown()
	_, _ = fmt.Fprintf(stdout, "ok: %s database=%s table=%s\n", out, cfg.Database, cfg.Table)
	return nil
}

// cmdSend reads NDJSON records and writes them as one batch.
func cmdSend(ctx context.Context, f SendFlags, stdin io.Reader, stdout io.Writer) error {
	cfg, log, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	in := stdin
	if f.Input != "" && f.Input != "-" {
		file, err := os.Open(f.Input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = file.Close() }()
		in = file
	}

	out, err := output.New(ctx, cfg, output.WithLogger(log))
	if err != nil {
		return err
	}
	defer out.Shutdown()

	batch := host.NewBatch(out, host.Options{ChunkKeys: cfg.Buffer.ChunkKeys, Logger: log})
	records := 0
	err = host.ReadEvents(in, host.ReadOptions{Tag: f.Tag, TimeKey: f.TimeKey}, func(_ int, ev host.Event) error {
		if err := batch.Submit(ctx, ev); err != nil {
			return err
		}
		records++
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range batch.Flush(ctx) {
		table, _ := out.Table(r.Meta)
		_, _ = fmt.Fprintf(stdout, "%s\ttable=%s\trecords=%d\tbytes=%d", r.Outcome.Result, table, r.Records, r.Bytes)
		if r.Outcome.StatusCode != 0 {
			_, _ = fmt.Fprintf(stdout, "\tstatus=%d", r.Outcome.StatusCode)
		}
		_, _ = fmt.Fprintln(stdout)
		if err := r.Outcome.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info("send finished", slog.Int("records", records))
	return errors.Join(errs...)
}

// cmdServe runs the ingest server until ctx is cancelled.
func cmdServe(ctx context.Context, f ServeFlags) error {
	cfg, log, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", slog.Any("error", err))
	}
	out, err := output.New(ctx, cfg, output.WithLogger(log))
	if err != nil {
		return err
	}
	defer out.Shutdown()

	srv := server.NewServer(f.Listen, server.NewRouter(out, cfg.Buffer.ChunkKeys, f.BasePath, log))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("ingest server listening", slog.String("addr", f.Listen))

	select {
	case err := <-errCh:
		if server.IsServerClosed(err) {
			return nil
		}
		return fmt.Errorf("ingest server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("ingest server stopping")
	return srv.Shutdown(shutdownCtx)
}

// outcomeExit maps a failed send to the error kinds a caller may script against.
func outcomeExit(err error) int {
	switch {
	case err == nil:
		return 0
	case clickhouse.IsRetryable(err):
		return 75 // EX_TEMPFAIL
	case errors.Is(err, clickhouse.ErrConfiguration), errors.Is(err, config.ErrInvalid):
		return 78 // EX_CONFIG
	default:
		return 1
	}
}
