package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// GracefulShutdown runs registered close hooks in reverse order
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []namedHook
	timeout    time.Duration
	logger     *slog.Logger
}

type namedHook struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *slog.Logger) *GracefulShutdown {
	if logger == nil {
		logger = slog.Default()
	}

	return &GracefulShutdown{
		shutdownFn: make([]namedHook, 0),
		timeout:    timeout,
		logger:     logger.With("component", "shutdown"),
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, namedHook{name: name, fn: fn})
}

// Shutdown executes registered hooks LIFO. Each hook finishes before the
// next one starts so transports close before the state they feed.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	hooks := g.shutdownFn
	g.shutdownFn = nil
	g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", "components", len(hooks))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i].fn(); err != nil {
				g.logger.Error("shutdown hook failed", "hook", hooks[i].name, "error", err)
			}
		}
	}()

	select {
	case <-done:
		g.logger.Info("graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out", "timeout", g.timeout)
		return WrapError(ErrCodeClosed, "shutdown timeout", shutdownCtx.Err())
	}
}
