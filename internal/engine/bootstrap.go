package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"partstream/internal/pipeline"
	"partstream/internal/telemetry"
	"partstream/internal/transport"
	"partstream/source/kafka"
)

type Config struct {
	PipelineYml     string
	AdminAddr       string // e.g. ":9100", empty disables the admin API
	GRPCPort        int    // health service, 0 picks a free port
	ShutdownTimeout time.Duration
}

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	// 1. metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	// 2. transport server
	srv, err := transport.StartServer(cfg.GRPCPort)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 3. pipeline runner
	runner, err := pipeline.Compile(cfg.PipelineYml, kafka.WithDiagnostics(kafka.MultiDiagnostics(metrics, srv)))
	if err != nil {
		srv.Stop()
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	e := newEngine(cfg, runner, srv)

	// 4. admin API
	if cfg.AdminAddr != "" {
		lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.AdminAddr)
		if err != nil {
			srv.Stop()
			return nil, fmt.Errorf("admin: %w", err)
		}
		e.admin = &http.Server{
			Handler:           NewAdminRouter(runner.Consumer(), reg, e.RequestShutdown),
			ReadHeaderTimeout: 10 * time.Second,
		}
		e.adminLis = lis
	}
	return e, nil
}
