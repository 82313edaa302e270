package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Lifecycle runs start hooks in registration order and stop hooks in
// reverse, rolling back started hooks when a later one fails.
type Lifecycle struct {
	mu sync.Mutex

	startHooks []func(context.Context) error
	stopHooks  []func(context.Context) error
	logger     *slog.Logger
	started    bool
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{logger: logger}
}

// OnStart registers a hook to run on startup.
func (l *Lifecycle) OnStart(hook func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startHooks = append(l.startHooks, hook)
}

// OnStop registers a hook to run on shutdown.
func (l *Lifecycle) OnStop(hook func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopHooks = append(l.stopHooks, hook)
}

// Start runs all start hooks.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("lifecycle already started")
	}
	for i, hook := range l.startHooks {
		if err := hook(ctx); err != nil {
			l.rollback(ctx)
			return fmt.Errorf("start hook %d failed: %w", i, err)
		}
	}
	l.started = true
	return nil
}

// rollback runs stop hooks after a failed start.
func (l *Lifecycle) rollback(ctx context.Context) {
	for i := len(l.stopHooks) - 1; i >= 0; i-- {
		if err := l.stopHooks[i](ctx); err != nil {
			l.logger.Warn("rollback stop hook failed", "hook", i, "error", err)
		}
	}
}

// Stop runs all stop hooks in reverse order, collecting failures.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil
	}

	var errs []error
	for i := len(l.stopHooks) - 1; i >= 0; i-- {
		if err := l.stopHooks[i](ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop hook %d: %w", i, err))
		}
	}
	l.started = false

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// IsStarted reports whether Start has completed.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}
