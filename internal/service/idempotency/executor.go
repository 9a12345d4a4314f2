package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultTTL — срок хранения ответа по ключу.
const DefaultTTL = 24 * time.Hour

// Result — успешный ответ, который сохраняется для повторов.
type Result struct {
	// StatusCode — код ответа транспорта (HTTP-статус или 0 для gRPC).
	StatusCode int
	Body       []byte
}

// ReplayedError — ошибка первого запроса, возвращённая повторно по тому же ключу.
type ReplayedError struct {
	Code    string
	Message string
}

func (e *ReplayedError) Error() string {
	return e.Message
}

// Unwrap позволяет transport-слою получить исходный стабильный код через domain.ErrorCode.
func (e *ReplayedError) Unwrap() error {
	return domain.ErrorForCode(e.Code)
}

type failurePayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Executor выполняет операцию не более одного раза на ключ идемпотентности.
type Executor struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// NewExecutor создаёт исполнителя. ttl <= 0 заменяется DefaultTTL.
func NewExecutor(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Executor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency")
	}
	return &Executor{repo: repo, ttl: ttl, logger: logger, now: time.Now}
}

// Execute запускает fn, если ключ новый, и сохраняет результат. Повтор с тем же ключом и hash
// возвращает сохранённый результат; другой hash даёт ErrIdempotencyHashMismatch, а запрос,
// который ещё выполняется, даёт ErrIdempotencyKeyAlreadyExists. Пустой ключ отключает механизм.
func (e *Executor) Execute(ctx context.Context, key, requestHash string, fn func(context.Context) (Result, error)) (Result, error) {
	key = strings.TrimSpace(key)
	if e == nil || e.repo == nil || key == "" {
		return fn(ctx)
	}

	record, err := e.repo.CreateProcessing(ctx, key, requestHash, e.now().UTC().Add(e.ttl))
	if err != nil {
		return e.replay(key, record, err)
	}

	res, runErr := fn(ctx)
	// Запрос клиента мог быть отменён; результат всё равно нужно сохранить.
	storeCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		e.storeFailure(storeCtx, key, runErr)
		return Result{}, runErr
	}

	if err := e.repo.MarkDone(storeCtx, key, res.Body, res.StatusCode); err != nil {
		e.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
	return res, nil
}

func (e *Executor) replay(key string, record domain.IdempotencyRecord, createErr error) (Result, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return Result{}, createErr
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
	default:
		e.logger.WithError(createErr).WithField("idempotency_key", key).Warn("failed to create idempotency record")
		return Result{}, fmt.Errorf("%w: idempotency: %w", domain.ErrInternal, createErr)
	}

	switch record.Status {
	case domain.IdempotencyStatusDone:
		return Result{StatusCode: record.StatusCode, Body: record.ResponseBody}, nil
	case domain.IdempotencyStatusProcessing:
		return Result{}, fmt.Errorf("request with the same key is still processing: %w", domain.ErrIdempotencyKeyAlreadyExists)
	case domain.IdempotencyStatusFailed:
		return Result{}, decodeFailure(record.ResponseBody)
	default:
		return Result{}, fmt.Errorf("%w: unknown idempotency status %q", domain.ErrInternal, record.Status)
	}
}

func (e *Executor) storeFailure(ctx context.Context, key string, runErr error) {
	code := domain.ErrorCode(runErr)
	message := runErr.Error()
	if code == domain.CodeInternal {
		message = "internal error"
	}

	payload, err := json.Marshal(failurePayload{Code: code, Message: message})
	if err != nil {
		e.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to encode idempotency failure")
		payload = nil
	}
	if err := e.repo.MarkFailed(ctx, key, payload, 0); err != nil {
		e.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotency failure")
	}
}

func decodeFailure(body []byte) error {
	var payload failurePayload
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil || payload.Code == "" {
		return &ReplayedError{Code: domain.CodeInternal, Message: "previous request with the same key failed"}
	}
	return &ReplayedError{Code: payload.Code, Message: payload.Message}
}

// HashRequest строит SHA-256 от операции, идентичности и канонического JSON запроса.
func HashRequest(operation string, requester domain.Requester, request any) (string, error) {
	data, err := json.Marshal(struct {
		Operation string `json:"op"`
		UserID    string `json:"user_id"`
		Role      string `json:"role"`
		Request   any    `json:"request"`
	}{
		Operation: operation,
		UserID:    requester.UserID,
		Role:      string(requester.Role),
		Request:   request,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request for hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
