package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
	"github.com/bez-service/settlement_service/internal/infrastructure/database"
	"github.com/bez-service/settlement_service/pkg/logger"
)

const paymentColumns = `
	id, external_payment_id, fiat_amount, fiat_currency, recipient_address, tx_type,
	bez_amount, exchange_rate, price_source, price_degraded, status, distribution,
	retry_count, max_attempts, last_error, error_type, next_retry_at, claim_id,
	claimed_at, dead_lettered_at, created_at, updated_at, completed_at`

const defaultDeadLetterPage = 50

// PaymentRepository persists settlement records in postgres.
type PaymentRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

func NewPaymentRepository(db *sqlx.DB, logger *logger.Logger) *PaymentRepository {
	return &PaymentRepository{db: db, logger: logger}
}

type paymentRow struct {
	ID                uuid.UUID       `db:"id"`
	ExternalPaymentID string          `db:"external_payment_id"`
	FiatAmount        decimal.Decimal `db:"fiat_amount"`
	FiatCurrency      string          `db:"fiat_currency"`
	RecipientAddress  string          `db:"recipient_address"`
	TxType            string          `db:"tx_type"`
	BezAmount         sql.NullString  `db:"bez_amount"`
	ExchangeRate      decimal.Decimal `db:"exchange_rate"`
	PriceSource       sql.NullString  `db:"price_source"`
	PriceDegraded     bool            `db:"price_degraded"`
	Status            string          `db:"status"`
	Distribution      sql.NullString  `db:"distribution"`
	RetryCount        int             `db:"retry_count"`
	MaxAttempts       int             `db:"max_attempts"`
	LastError         sql.NullString  `db:"last_error"`
	ErrorType         sql.NullString  `db:"error_type"`
	NextRetryAt       sql.NullTime    `db:"next_retry_at"`
	ClaimID           uuid.NullUUID   `db:"claim_id"`
	ClaimedAt         sql.NullTime    `db:"claimed_at"`
	DeadLetteredAt    sql.NullTime    `db:"dead_lettered_at"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	CompletedAt       sql.NullTime    `db:"completed_at"`
}

func toRow(rec *entities.PaymentRecord) (*paymentRow, error) {
	row := &paymentRow{
		ID:                rec.ID,
		ExternalPaymentID: rec.ExternalPaymentID,
		FiatAmount:        rec.FiatAmount,
		FiatCurrency:      rec.FiatCurrency,
		RecipientAddress:  rec.RecipientAddress,
		TxType:            rec.TxType,
		ExchangeRate:      rec.ExchangeRate,
		PriceSource:       nullString(rec.PriceSource),
		PriceDegraded:     rec.PriceDegraded,
		Status:            string(rec.Status),
		RetryCount:        rec.RetryCount,
		MaxAttempts:       rec.MaxAttempts,
		LastError:         nullString(rec.LastError),
		ErrorType:         nullString(rec.ErrorType),
		NextRetryAt:       nullTime(rec.NextRetryAt),
		ClaimedAt:         nullTime(rec.ClaimedAt),
		DeadLetteredAt:    nullTime(rec.DeadLetteredAt),
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		CompletedAt:       nullTime(rec.CompletedAt),
	}
	if rec.BezAmount != nil {
		row.BezAmount = sql.NullString{String: rec.BezAmount.String(), Valid: true}
	}
	if rec.ClaimID != nil {
		row.ClaimID = uuid.NullUUID{UUID: *rec.ClaimID, Valid: true}
	}
	if rec.Distribution != nil {
		data, err := json.Marshal(rec.Distribution)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal distribution: %w", err)
		}
		row.Distribution = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func (row *paymentRow) toEntity() (*entities.PaymentRecord, error) {
	rec := &entities.PaymentRecord{
		ID:                row.ID,
		ExternalPaymentID: row.ExternalPaymentID,
		FiatAmount:        row.FiatAmount,
		FiatCurrency:      row.FiatCurrency,
		RecipientAddress:  row.RecipientAddress,
		TxType:            row.TxType,
		ExchangeRate:      row.ExchangeRate,
		PriceSource:       row.PriceSource.String,
		PriceDegraded:     row.PriceDegraded,
		Status:            entities.PaymentStatus(row.Status),
		RetryCount:        row.RetryCount,
		MaxAttempts:       row.MaxAttempts,
		LastError:         row.LastError.String,
		ErrorType:         row.ErrorType.String,
		NextRetryAt:       timePtr(row.NextRetryAt),
		ClaimedAt:         timePtr(row.ClaimedAt),
		DeadLetteredAt:    timePtr(row.DeadLetteredAt),
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		CompletedAt:       timePtr(row.CompletedAt),
	}
	if row.BezAmount.Valid {
		amount, ok := new(big.Int).SetString(row.BezAmount.String, 10)
		if !ok {
			return nil, fmt.Errorf("invalid bez_amount %q for payment %s", row.BezAmount.String, row.ID)
		}
		rec.BezAmount = amount
	}
	if row.ClaimID.Valid {
		id := row.ClaimID.UUID
		rec.ClaimID = &id
	}
	if row.Distribution.Valid {
		var d entities.Distribution
		if err := json.Unmarshal([]byte(row.Distribution.String), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal distribution for payment %s: %w", row.ID, err)
		}
		rec.Distribution = &d
	}
	return rec, nil
}

// Create inserts rec unless a record with the same external payment id
// exists, in which case the stored record is returned with created=false.
func (r *PaymentRepository) Create(ctx context.Context, rec *entities.PaymentRecord) (*entities.PaymentRecord, bool, error) {
	row, err := toRow(rec)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO payment_records (` + paymentColumns + `)
		VALUES (
			:id, :external_payment_id, :fiat_amount, :fiat_currency, :recipient_address, :tx_type,
			:bez_amount, :exchange_rate, :price_source, :price_degraded, :status, :distribution,
			:retry_count, :max_attempts, :last_error, :error_type, :next_retry_at, :claim_id,
			:claimed_at, :dead_lettered_at, :created_at, :updated_at, :completed_at
		)
		ON CONFLICT (external_payment_id) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		r.logger.Error("Failed to create payment record", "error", err, "external_payment_id", rec.ExternalPaymentID)
		return nil, false, fmt.Errorf("failed to create payment record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Debug("Payment record already exists", "external_payment_id", rec.ExternalPaymentID)
		existing, err := r.GetByExternalID(ctx, rec.ExternalPaymentID)
		return existing, false, err
	}
	return rec, true, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.PaymentRecord, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE id = $1`, id)
}

func (r *PaymentRepository) GetByExternalID(ctx context.Context, externalID string) (*entities.PaymentRecord, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE external_payment_id = $1`, externalID)
}

func (r *PaymentRepository) getOne(ctx context.Context, query string, arg interface{}) (*entities.PaymentRecord, error) {
	var row paymentRow
	if err := r.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.NotFoundError("PAYMENT_RECORD")
		}
		return nil, fmt.Errorf("failed to get payment record: %w", err)
	}
	return row.toEntity()
}

// ClaimDue moves up to limit due records to processing under a fresh claim
// id. Rows locked by another worker are skipped.
func (r *PaymentRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*entities.PaymentRecord, error) {
	query := `
		UPDATE payment_records
		SET status = 'processing',
			claim_id = gen_random_uuid(),
			claimed_at = $1,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM payment_records
			WHERE status = 'pending'
			   OR (status = 'failed' AND dead_lettered_at IS NULL
			       AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
			ORDER BY COALESCE(next_retry_at, created_at) ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + paymentColumns

	var rows []paymentRow
	if err := r.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		r.logger.Error("Failed to claim due payments", "error", err)
		return nil, fmt.Errorf("failed to claim due payments: %w", err)
	}

	records := make([]*entities.PaymentRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toEntity()
		if err != nil {
			r.logger.Error("Failed to decode claimed payment", "error", err, "payment_id", rows[i].ID)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Update writes rec only while claimID still owns it. A missing or changed
// claim yields ErrClaimLost.
func (r *PaymentRepository) Update(ctx context.Context, rec *entities.PaymentRecord, claimID uuid.UUID) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE payment_records
		SET bez_amount = :bez_amount,
			exchange_rate = :exchange_rate,
			price_source = :price_source,
			price_degraded = :price_degraded,
			status = :status,
			distribution = :distribution,
			retry_count = :retry_count,
			last_error = :last_error,
			error_type = :error_type,
			next_retry_at = :next_retry_at,
			claim_id = :claim_id,
			claimed_at = :claimed_at,
			dead_lettered_at = :dead_lettered_at,
			updated_at = :updated_at,
			completed_at = :completed_at
		WHERE id = :id AND claim_id = :fence`

	arg := struct {
		paymentRow
		Fence uuid.UUID `db:"fence"`
	}{*row, claimID}

	res, err := r.db.NamedExecContext(ctx, query, arg)
	if err != nil {
		r.logger.Error("Failed to update payment record", "error", err, "payment_id", rec.ID)
		return fmt.Errorf("failed to update payment record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByID(ctx, rec.ID); err != nil {
			return err
		}
		return domainerrors.ErrClaimLost
	}
	return nil
}

// Requeue makes a dead-lettered record due again with a fresh retry budget.
func (r *PaymentRepository) Requeue(ctx context.Context, id uuid.UUID, now time.Time) (*entities.PaymentRecord, error) {
	var out *entities.PaymentRecord
	err := database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var row paymentRow
		err := tx.GetContext(ctx, &row, `SELECT `+paymentColumns+` FROM payment_records WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return domainerrors.NotFoundError("PAYMENT_RECORD")
		}
		if err != nil {
			return fmt.Errorf("failed to load payment record: %w", err)
		}
		if row.Status != string(entities.PaymentStatusFailed) || !row.DeadLetteredAt.Valid {
			return domainerrors.ErrNotRequeueable
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE payment_records
			SET dead_lettered_at = NULL, retry_count = 0, next_retry_at = $2, updated_at = $2
			WHERE id = $1`, id, now)
		if err != nil {
			return fmt.Errorf("failed to requeue payment record: %w", err)
		}

		row.DeadLetteredAt = sql.NullTime{}
		row.RetryCount = 0
		row.NextRetryAt = sql.NullTime{Time: now, Valid: true}
		row.UpdatedAt = now
		out, err = row.toEntity()
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("Payment record requeued", "payment_id", id)
	return out, nil
}

// ReleaseStuck returns processing records claimed before cutoff to the
// retry queue, due immediately.
func (r *PaymentRepository) ReleaseStuck(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_records
		SET status = 'failed',
			claim_id = NULL,
			next_retry_at = $2,
			last_error = 'claim lease expired',
			updated_at = $2
		WHERE status = 'processing' AND claimed_at < $1`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck claims: %w", err)
	}
	return res.RowsAffected()
}

func (r *PaymentRepository) ListDeadLettered(ctx context.Context, limit, offset int) ([]*entities.PaymentRecord, error) {
	if limit <= 0 {
		limit = defaultDeadLetterPage
	}
	var rows []paymentRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+paymentColumns+`
		FROM payment_records
		WHERE dead_lettered_at IS NOT NULL
		ORDER BY dead_lettered_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-lettered payments: %w", err)
	}

	records := make([]*entities.PaymentRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Ping reports whether the database is reachable.
func (r *PaymentRepository) Ping(ctx context.Context) error {
	return database.HealthCheck(ctx, r.db)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
