// Package settlementtest provides in-memory fakes of the settlement engine's
// collaborators for tests.
package settlementtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
)

// MemoryRepository is an in-memory settlement.PaymentRepository that copies
// records in and out, the way a database would.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]*entities.PaymentRecord
	byExt   map[string]uuid.UUID
	order   []uuid.UUID

	// UpdateErr, when set, is returned by every Update call.
	UpdateErr error
	Updates   int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[uuid.UUID]*entities.PaymentRecord),
		byExt:   make(map[string]uuid.UUID),
	}
}

// CloneRecord deep-copies a record.
func CloneRecord(r *entities.PaymentRecord) *entities.PaymentRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Distribution = r.Distribution.Clone()
	return &out
}

func (m *MemoryRepository) Create(ctx context.Context, rec *entities.PaymentRecord) (*entities.PaymentRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byExt[rec.ExternalPaymentID]; ok {
		return CloneRecord(m.records[id]), false, nil
	}
	m.records[rec.ID] = CloneRecord(rec)
	m.byExt[rec.ExternalPaymentID] = rec.ID
	m.order = append(m.order, rec.ID)
	return CloneRecord(rec), true, nil
}

func (m *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, domainerrors.NotFoundError("PAYMENT_RECORD")
	}
	return CloneRecord(rec), nil
}

func (m *MemoryRepository) GetByExternalID(ctx context.Context, externalID string) (*entities.PaymentRecord, error) {
	m.mu.Lock()
	id, ok := m.byExt[externalID]
	m.mu.Unlock()
	if !ok {
		return nil, domainerrors.NotFoundError("PAYMENT_RECORD")
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*entities.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.PaymentRecord
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		rec := m.records[id]
		if !rec.DueAt(now) {
			continue
		}
		claim := uuid.New()
		claimedAt := now
		rec.Status = entities.PaymentStatusProcessing
		rec.ClaimID = &claim
		rec.ClaimedAt = &claimedAt
		rec.UpdatedAt = now
		out = append(out, CloneRecord(rec))
	}
	return out, nil
}

func (m *MemoryRepository) Update(ctx context.Context, rec *entities.PaymentRecord, claimID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Updates++
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	stored, ok := m.records[rec.ID]
	if !ok {
		return domainerrors.NotFoundError("PAYMENT_RECORD")
	}
	if stored.ClaimID == nil || *stored.ClaimID != claimID {
		return domainerrors.ErrClaimLost
	}
	m.records[rec.ID] = CloneRecord(rec)
	return nil
}

func (m *MemoryRepository) Requeue(ctx context.Context, id uuid.UUID, now time.Time) (*entities.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, domainerrors.NotFoundError("PAYMENT_RECORD")
	}
	if rec.Status != entities.PaymentStatusFailed || rec.DeadLetteredAt == nil {
		return nil, domainerrors.ErrNotRequeueable
	}
	rec.DeadLetteredAt = nil
	rec.RetryCount = 0
	rec.NextRetryAt = &now
	rec.UpdatedAt = now
	return CloneRecord(rec), nil
}

func (m *MemoryRepository) ReleaseStuck(ctx context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.records {
		if rec.Status != entities.PaymentStatusProcessing || rec.ClaimedAt == nil || !rec.ClaimedAt.Before(cutoff) {
			continue
		}
		rec.Status = entities.PaymentStatusFailed
		rec.ClaimID = nil
		rec.NextRetryAt = &now
		rec.LastError = "claim lease expired"
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryRepository) ListDeadLettered(ctx context.Context, limit, offset int) ([]*entities.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.PaymentRecord
	for _, id := range m.order {
		if rec := m.records[id]; rec.DeadLetteredAt != nil {
			out = append(out, CloneRecord(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeadLetteredAt.After(*out[j].DeadLetteredAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored records.
func (m *MemoryRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
