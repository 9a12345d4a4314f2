package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type paymentRecordRepository struct {
	db *sql.DB
}

// NewPaymentRecordRepository создаёт PostgreSQL-реализацию PaymentRecordRepository.
func NewPaymentRecordRepository(store *Store) domain.PaymentRecordRepository {
	return &paymentRecordRepository{db: store.DB()}
}

func (r *paymentRecordRepository) GetByReference(ctx context.Context, reference string) (domain.PaymentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		record domain.PaymentRecord
		method string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT reference, method, external_session_id, amount_minor, currency,
		       is_paid, verification_status, created_at, updated_at
		FROM payment_records
		WHERE reference = $1
	`, strings.TrimSpace(reference)).Scan(
		&record.Reference, &method, &record.ExternalSessionID, &record.AmountMinor, &record.Currency,
		&record.IsPaid, &record.VerificationStatus, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentRecord{}, domain.ErrPaymentRecordNotFound
		}
		return domain.PaymentRecord{}, fmt.Errorf("select payment record: %w", err)
	}
	record.Method = domain.PaymentMethod(method)
	return record, nil
}

// Upsert не сбрасывает is_paid: повторный intent после оплаты ничего не откатывает.
func (r *paymentRecordRepository) Upsert(ctx context.Context, record domain.PaymentRecord) error {
	record.Reference = strings.TrimSpace(record.Reference)
	if record.Reference == "" {
		return domain.ErrInvalidRequest
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_records (
			reference, method, external_session_id, amount_minor, currency,
			is_paid, verification_status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (reference) DO UPDATE
		SET method = EXCLUDED.method,
		    external_session_id = COALESCE(NULLIF(EXCLUDED.external_session_id, ''), payment_records.external_session_id),
		    amount_minor = CASE WHEN EXCLUDED.amount_minor > 0 THEN EXCLUDED.amount_minor ELSE payment_records.amount_minor END,
		    currency = COALESCE(NULLIF(EXCLUDED.currency, ''), payment_records.currency),
		    is_paid = payment_records.is_paid OR EXCLUDED.is_paid,
		    verification_status = COALESCE(NULLIF(EXCLUDED.verification_status, ''), payment_records.verification_status),
		    updated_at = EXCLUDED.updated_at
	`,
		record.Reference, string(record.Method), record.ExternalSessionID, record.AmountMinor,
		record.Currency, record.IsPaid, record.VerificationStatus, now,
	)
	if err != nil {
		return fmt.Errorf("upsert payment record: %w", err)
	}
	return nil
}

func (r *paymentRecordRepository) SetPaid(ctx context.Context, reference string, paid bool, verificationStatus string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_records
		SET is_paid = $2,
		    verification_status = $3,
		    updated_at = $4
		WHERE reference = $1
	`, strings.TrimSpace(reference), paid, verificationStatus, at)
	if err != nil {
		return fmt.Errorf("update payment record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrPaymentRecordNotFound
	}
	return nil
}

var _ domain.PaymentRecordRepository = (*paymentRecordRepository)(nil)
