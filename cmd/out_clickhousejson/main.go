// Command out_clickhousejson is the Fluent Bit output plugin. Build it with
//
//	go build -buildmode=c-shared -o out_clickhousejson.so ./cmd/out_clickhousejson
//
// and load it with `fluent-bit -e out_clickhousejson.so`.
package main

import (
	"C"
	"context"
	"log/slog"
	"net/http"
	"unsafe"

	"github.com/fluent/fluent-bit-go/output"
	"github.com/loykin/clickhousejson/internal/config"
	"github.com/loykin/clickhousejson/internal/fluentbit"
	"github.com/loykin/clickhousejson/internal/logger"
	"github.com/loykin/clickhousejson/internal/metrics"
	ochout "github.com/loykin/clickhousejson/internal/output"
	"github.com/loykin/clickhousejson/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

type instance struct {
	out     *ochout.Output
	plugin  *fluentbit.Plugin
	metrics *http.Server
	log     *slog.Logger
}

//export FLBPluginRegister
func FLBPluginRegister(def unsafe.Pointer) int {
	return output.FLBPluginRegister(def, ochout.PluginName, "ClickHouse JSONEachRow HTTP output")
}

//export FLBPluginInit
func FLBPluginInit(plugin unsafe.Pointer) int {
	kv := make(map[string]string)
	for _, k := range config.Keys() {
		if v := output.FLBPluginConfigKey(plugin, k); v != "" {
			kv[k] = v
		}
	}
	cfg, err := config.FromMap(kv)
	if err != nil {
		slog.Error("invalid clickhousejson configuration", slog.Any("error", err))
		return output.FLB_ERROR
	}
	log := logger.FromConfig(cfg.Log).NewSlogger()

	out, err := ochout.New(context.Background(), cfg, ochout.WithLogger(log))
	if err != nil {
		log.Error("clickhousejson init failed", slog.Any("error", err))
		return output.FLB_ERROR
	}
	inst := &instance{out: out, plugin: fluentbit.NewPlugin(out, cfg, log), log: log}

	if cfg.Metrics.Listen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics registration failed", slog.Any("error", err))
		}
		inst.metrics = server.NewServer(cfg.Metrics.Listen, server.NewRouter(nil, nil, "", log))
		go func() {
			if err := inst.metrics.ListenAndServe(); err != nil && !server.IsServerClosed(err) {
				log.Error("metrics listener stopped", slog.Any("error", err))
			}
		}()
	}

	output.FLBPluginSetContext(plugin, inst)
	return output.FLB_OK
}

//export FLBPluginFlush
func FLBPluginFlush(data unsafe.Pointer, length C.int, tag *C.char) int {
	slog.Error("clickhousejson flush called without instance context")
	return output.FLB_ERROR
}

//export FLBPluginFlushCtx
func FLBPluginFlushCtx(ctx, data unsafe.Pointer, length C.int, tag *C.char) int {
	inst, ok := output.FLBPluginGetContext(ctx).(*instance)
	if !ok {
		return output.FLB_ERROR
	}
	dec := output.NewDecoder(data, int(length))
	var entries []fluentbit.Entry
	for {
		ret, ts, rec := output.GetRecord(dec)
		if ret != 0 {
			break
		}
		entries = append(entries, fluentbit.Entry{Time: ts, Record: rec})
	}
	return inst.plugin.Flush(context.Background(), C.GoString(tag), entries)
}

//export FLBPluginExitCtx
func FLBPluginExitCtx(ctx unsafe.Pointer) int {
	inst, ok := output.FLBPluginGetContext(ctx).(*instance)
	if !ok {
		return output.FLB_OK
	}
	if inst.metrics != nil {
		_ = inst.metrics.Close()
	}
	inst.out.Shutdown()
	return output.FLB_OK
}

//export FLBPluginExit
func FLBPluginExit() int {
	return output.FLB_OK
}

func main() {
}
