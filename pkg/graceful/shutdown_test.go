package graceful

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bez-service/settlement_service/pkg/logger"
)

func TestShutdownManager_Order(t *testing.T) {
	var order []string
	sm := NewShutdownManager(nil, time.Second, logger.NewNop())

	sm.Register("workers", ShutdownFunc(func(time.Duration) error {
		order = append(order, "workers")
		return nil
	}))
	sm.Register("sweeper", ShutdownFunc(func(time.Duration) error {
		order = append(order, "sweeper")
		return errors.New("already stopped")
	}))
	sm.RegisterCloser("db", func() error {
		order = append(order, "db")
		return nil
	})

	sm.Shutdown()

	assert.Equal(t, []string{"workers", "sweeper", "db"}, order)
}
