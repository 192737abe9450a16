// Package shutdown coordinates graceful termination of the render service.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"audio2mp4/internal/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// Manager runs registered cleanup steps once. Steps run one at a time in
// reverse registration order, so a component registered after its
// dependencies is stopped before them. All steps share one deadline.
type Manager struct {
	log     *logger.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []step
	once  sync.Once
	err   error
	done  chan struct{}
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		log:     log.WithComponent("shutdown"),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup step that honors the shutdown deadline.
func (m *Manager) Register(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.steps = append(m.steps, step{name: name, fn: fn})
	m.mu.Unlock()
	m.log.Debug("shutdown step registered", "name", name)
}

// RegisterSimple adds a cleanup step that cannot fail.
func (m *Manager) RegisterSimple(name string, fn func()) {
	m.Register(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Wait blocks until SIGINT, SIGTERM or SIGHUP, then shuts down.
func (m *Manager) Wait() error {
	return m.WaitWithContext(context.Background())
}

// WaitWithContext blocks until a signal arrives or ctx ends, then shuts down.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	<-sigCtx.Done()
	if ctx.Err() != nil {
		m.log.Info("context canceled, shutting down")
	} else {
		m.log.Info("shutdown signal received")
	}
	return m.Shutdown()
}

// Shutdown runs every step and returns their joined failures. Later calls
// return the first result without running anything.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.err = m.run()
		close(m.done)
	})
	return m.err
}

// Done is closed once Shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) run() error {
	m.mu.Lock()
	steps := append([]step(nil), m.steps...)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	m.log.Info("graceful shutdown started", "steps", len(steps), "timeout", m.timeout.String())

	var (
		mu   sync.Mutex
		errs []error
	)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := len(steps) - 1; i >= 0 && ctx.Err() == nil; i-- {
			s := steps[i]
			start := time.Now()
			err := s.fn(ctx)
			took := time.Since(start).Milliseconds()
			if err != nil {
				m.log.Error("shutdown step failed", "name", s.name, "error", err, "duration_ms", took)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				mu.Unlock()
				continue
			}
			m.log.Debug("shutdown step done", "name", s.name, "duration_ms", took)
		}
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	if err := ctx.Err(); err != nil {
		m.log.Warn("shutdown deadline exceeded, abandoning remaining steps")
		errs = append(errs, err)
	} else {
		m.log.Info("graceful shutdown completed")
	}
	return errors.Join(errs...)
}
