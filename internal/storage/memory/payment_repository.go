package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type paymentRecordRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.PaymentRecord
}

// NewPaymentRecordRepository создаёт in-memory реализацию PaymentRecordRepository.
func NewPaymentRecordRepository() domain.PaymentRecordRepository {
	return &paymentRecordRepositoryInMemory{items: make(map[string]domain.PaymentRecord)}
}

func (r *paymentRecordRepositoryInMemory) GetByReference(_ context.Context, reference string) (domain.PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.items[strings.TrimSpace(reference)]
	if !ok {
		return domain.PaymentRecord{}, domain.ErrPaymentRecordNotFound
	}
	return record, nil
}

func (r *paymentRecordRepositoryInMemory) Upsert(_ context.Context, record domain.PaymentRecord) error {
	record.Reference = strings.TrimSpace(record.Reference)
	if record.Reference == "" {
		return domain.ErrInvalidRequest
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.items[record.Reference]; ok {
		// Повторный intent не должен снимать уже подтверждённую оплату.
		record.IsPaid = existing.IsPaid || record.IsPaid
		if record.VerificationStatus == "" {
			record.VerificationStatus = existing.VerificationStatus
		}
		if record.ExternalSessionID == "" {
			record.ExternalSessionID = existing.ExternalSessionID
		}
		if record.AmountMinor <= 0 {
			record.AmountMinor = existing.AmountMinor
		}
		if record.Currency == "" {
			record.Currency = existing.Currency
		}
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	r.items[record.Reference] = record
	return nil
}

func (r *paymentRecordRepositoryInMemory) SetPaid(_ context.Context, reference string, paid bool, verificationStatus string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reference = strings.TrimSpace(reference)
	record, ok := r.items[reference]
	if !ok {
		return domain.ErrPaymentRecordNotFound
	}
	record.IsPaid = paid
	record.VerificationStatus = verificationStatus
	if at.IsZero() {
		at = time.Now().UTC()
	}
	record.UpdatedAt = at
	r.items[reference] = record
	return nil
}

var _ domain.PaymentRecordRepository = (*paymentRecordRepositoryInMemory)(nil)
