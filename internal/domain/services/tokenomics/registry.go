package tokenomics

import (
	"sync/atomic"

	"github.com/bez-service/settlement_service/pkg/logger"
)

// Registry holds the current RateTable. Readers get a stable snapshot;
// reloads replace the pointer atomically.
type Registry struct {
	current atomic.Pointer[RateTable]
	logger  *logger.Logger
}

// NewRegistry installs initial even if it is invalid, so that settlements
// surface a configuration error instead of the process refusing to start.
func NewRegistry(initial *RateTable, log *logger.Logger) *Registry {
	r := &Registry{logger: log}
	if err := initial.Validate(); err != nil {
		log.Error("Initial rate table is invalid", "version", initial.Version(), "error", err)
	}
	r.current.Store(initial)
	return r
}

// Current returns the active table.
func (r *Registry) Current() *RateTable {
	return r.current.Load()
}

// Reload swaps in next when it validates. An invalid table is rejected and
// the active one is kept.
func (r *Registry) Reload(next *RateTable) error {
	if err := next.Validate(); err != nil {
		r.logger.Error("Rejected rate table reload", "version", next.Version(), "error", err)
		return err
	}
	prev := r.current.Swap(next)
	if prev == nil || prev.Version() != next.Version() {
		r.logger.Info("Rate table reloaded", "version", next.Version(), "tx_types", next.TxTypes())
	}
	return nil
}
