package settlement_worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bez-service/settlement_service/pkg/logger"
)

// Manager coordinates the settlement processor and the claim sweeper.
type Manager struct {
	processor *Processor
	sweeper   *Sweeper
	logger    *logger.Logger

	mu        sync.Mutex
	isRunning bool
}

func NewManager(processor *Processor, sweeper *Sweeper, logger *logger.Logger) *Manager {
	return &Manager{processor: processor, sweeper: sweeper, logger: logger}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return fmt.Errorf("manager already running")
	}

	// release claims left by a previous process before taking new work
	m.sweeper.Sweep(ctx)

	if err := m.processor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}
	if err := m.sweeper.Start(ctx); err != nil {
		_ = m.processor.Shutdown(5 * time.Second)
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	m.isRunning = true
	m.logger.Info("Settlement workers started")
	return nil
}

func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isRunning {
		return nil
	}

	var firstErr error
	if err := m.sweeper.Shutdown(timeout / 4); err != nil {
		m.logger.Error("Sweeper shutdown error", "error", err)
		firstErr = err
	}
	if err := m.processor.Shutdown(timeout - timeout/4); err != nil {
		m.logger.Error("Processor shutdown error", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	m.isRunning = false
	m.logger.Info("Settlement workers shutdown complete")
	return firstErr
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}
