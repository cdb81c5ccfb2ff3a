package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"partstream/internal/logging"
	"partstream/internal/transport"
)

// Runner is what the engine drives; *pipeline.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type Engine struct {
	cfg       Config
	transport *transport.Server
	runner    Runner
	admin     *http.Server
	adminLis  net.Listener

	stopOnce sync.Once
	stopReq  chan struct{}
}

func newEngine(cfg Config, r Runner, srv *transport.Server) *Engine {
	return &Engine{cfg: cfg, runner: r, transport: srv, stopReq: make(chan struct{})}
}

// RequestShutdown starts a graceful shutdown, as a signal would.
func (e *Engine) RequestShutdown() {
	e.stopOnce.Do(func() { close(e.stopReq) })
}

// Run serves until ctx ends, a shutdown is requested or the pipeline fails.
// Shutdown drains in-flight records for at most Config.ShutdownTimeout.
func (e *Engine) Run(ctx context.Context) error {
	log := logging.For("engine")
	if e.transport != nil {
		go func() {
			if err := e.transport.Serve(); err != nil {
				log.Warn("grpc server stopped", "err", err)
			}
		}()
		defer e.transport.Stop()
	}
	if e.admin != nil {
		go func() {
			if err := e.admin.Serve(e.adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("admin server stopped", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
			defer cancel()
			_ = e.admin.Shutdown(sctx)
		}()
	}

	// The pipeline outlives ctx so that shutdown can drain it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.runner.Run(runCtx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case <-e.stopReq:
	}

	sctx, scancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer scancel()
	if err := e.runner.Shutdown(sctx); err != nil {
		log.Warn("graceful shutdown timed out, cancelling", "err", err)
		cancel()
	}
	return <-done
}
