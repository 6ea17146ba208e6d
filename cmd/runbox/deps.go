package main

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/executor"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/sandbox"
)

// connectSubstrate returns nil when the substrate cannot be reached. The
// service then starts degraded instead of failing.
func connectSubstrate(logger *zap.Logger, cfg *config.Config) sandbox.Substrate {
	substrate, err := sandbox.Connect(context.Background(), logger, cfg)
	if err != nil {
		logger.Warn("isolation substrate unavailable, executions will be rejected",
			zap.String("backend", cfg.Sandbox.Backend), zap.Error(err))
		return nil
	}
	return substrate
}

func closeSubstrate(substrate sandbox.Substrate) error {
	if closer, ok := substrate.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newService(logger *zap.Logger, cfg *config.Config, registry *language.Registry, substrate sandbox.Substrate, metrics *executor.Metrics) *executor.Service {
	return executor.New(logger, registry, substrate,
		executor.WithMetrics(metrics),
		executor.WithMaxConcurrent(cfg.Sandbox.MaxConcurrent),
		executor.WithProvisionerOptions(
			sandbox.WithStopGrace(cfg.StopGrace()),
			sandbox.WithPidsLimit(cfg.Sandbox.PidsLimit),
		))
}
