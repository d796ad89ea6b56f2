package graceful

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bez-service/settlement_service/pkg/logger"
)

// Shutdowner is any component that can be stopped within a deadline.
type Shutdowner interface {
	Shutdown(timeout time.Duration) error
}

// ShutdownFunc adapts a plain function to Shutdowner.
type ShutdownFunc func(timeout time.Duration) error

func (f ShutdownFunc) Shutdown(timeout time.Duration) error { return f(timeout) }

// ShutdownManager stops registered components in registration order, then the
// HTTP server, then any closers (database, cache).
type ShutdownManager struct {
	server      *http.Server
	shutdowners []namedShutdowner
	closers     []namedCloser
	timeout     time.Duration
	logger      *logger.Logger
}

type namedShutdowner struct {
	name string
	s    Shutdowner
}

type namedCloser struct {
	name  string
	close func() error
}

func NewShutdownManager(server *http.Server, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{server: server, timeout: timeout, logger: log}
}

// Register adds a component stopped before the HTTP server.
func (sm *ShutdownManager) Register(name string, s Shutdowner) {
	sm.shutdowners = append(sm.shutdowners, namedShutdowner{name: name, s: s})
}

// RegisterCloser adds a resource closed after the HTTP server.
func (sm *ShutdownManager) RegisterCloser(name string, fn func() error) {
	sm.closers = append(sm.closers, namedCloser{name: name, close: fn})
}

// WaitForShutdown blocks until SIGINT/SIGTERM and then runs Shutdown.
func (sm *ShutdownManager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	sm.logger.Info("Shutting down gracefully", "signal", sig.String())
	sm.Shutdown()
}

// Shutdown stops everything that was registered.
func (sm *ShutdownManager) Shutdown() {
	for _, c := range sm.shutdowners {
		if err := c.s.Shutdown(sm.timeout); err != nil {
			sm.logger.Warn("Component shutdown error", "component", c.name, "error", err)
		}
	}

	if sm.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.Error("Server forced shutdown", "error", err)
		}
	}

	for _, c := range sm.closers {
		if err := c.close(); err != nil {
			sm.logger.Warn("Close error", "component", c.name, "error", err)
		}
	}

	sm.logger.Info("Shutdown complete")
}
