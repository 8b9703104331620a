package cleanup

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/logging"
)

// DefaultGracePeriod is how long an interrupted run may take to unwind before
// cleanup proceeds without it.
const DefaultGracePeriod = 5 * time.Second

// SignalSource starts signal delivery and returns a func that stops it
type SignalSource func() (<-chan os.Signal, func())

// Guard wraps a run in a single release scope: when the run returns, panics or
// the process receives SIGINT/SIGTERM, the registry is cleaned up once.
type Guard struct {
	registry *Registry
	logger   *logging.Logger
	grace    time.Duration

	subscribe SignalSource
}

// NewGuard creates a guard for the given registry
func NewGuard(registry *Registry, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Guard{
		registry:  registry,
		logger:    logger,
		grace:     DefaultGracePeriod,
		subscribe: notifySignals,
	}
}

// SetGracePeriod overrides DefaultGracePeriod
func (g *Guard) SetGracePeriod(d time.Duration) {
	g.grace = d
}

// SetSignalSource replaces SIGINT/SIGTERM delivery. A nil source is ignored.
func (g *Guard) SetSignalSource(src SignalSource) {
	if src != nil {
		g.subscribe = src
	}
}

func notifySignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// Run executes fn with a context that is canceled on SIGINT/SIGTERM. Signal
// handling is removed as soon as the first trigger (return, panic or signal) is
// seen, so cleanup itself never re-enters a handler. An interrupted run returns an
// interruption AppError; a panicking run re-panics after cleanup.
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh, unsubscribe := g.subscribe()
	var stopOnce sync.Once
	stopSignals := func() { stopOnce.Do(unsubscribe) }
	defer stopSignals()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r, stack: debug.Stack()}
			}
		}()
		done <- fn(runCtx)
	}()

	var err error
	select {
	case err = <-done:
		stopSignals()
	case sig := <-sigCh:
		stopSignals()
		g.logger.WithContext(ctx).WithField("signal", sig.String()).Warn("Received signal, stopping run")
		cancel()

		select {
		case <-done:
		case <-time.After(g.grace):
			g.logger.WithField("grace_period", g.grace.String()).Warn("Run did not stop in time, cleaning up anyway")
		}
		err = apperrors.NewInterruptionError(sig)
	}

	if cerr := g.registry.Cleanup(); cerr != nil {
		g.logger.WithField("error", cerr.Error()).Warn("Cleanup finished with errors")
	}

	if pe, ok := err.(*panicError); ok {
		g.logger.WithField("stack", string(pe.stack)).Error("Run panicked")
		panic(pe.value)
	}
	return err
}
