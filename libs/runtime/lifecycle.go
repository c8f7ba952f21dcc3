package runtime

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
)

func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Workers runs the long-lived loops of a service (relays, consumers) and
// lets main wait for them to drain after the run context is cancelled.
type Workers struct {
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewWorkers(logger *slog.Logger) *Workers {
	return &Workers{logger: logger}
}

// Go starts fn in its own goroutine. fn must return once ctx is done.
func (w *Workers) Go(ctx context.Context, name string, fn func(context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("worker started", "worker", name)
		fn(ctx)
		w.logger.Info("worker stopped", "worker", name)
	}()
}

func (w *Workers) Wait() {
	w.wg.Wait()
}
