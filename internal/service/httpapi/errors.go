package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var statusByCode = map[string]int{
	domain.CodeEmptyCart:               http.StatusBadRequest,
	domain.CodeInvalidRequest:          http.StatusBadRequest,
	domain.CodeProductUnavailable:      http.StatusConflict,
	domain.CodeInsufficientStock:       http.StatusConflict,
	domain.CodePaymentNotVerified:      http.StatusPaymentRequired,
	domain.CodeForbidden:               http.StatusForbidden,
	domain.CodeUnauthenticated:         http.StatusUnauthorized,
	domain.CodeNotFound:                http.StatusNotFound,
	domain.CodeInvalidStatusTransition: http.StatusConflict,
	domain.CodeIdempotencyConflict:     http.StatusConflict,
	domain.CodeInternal:                http.StatusInternalServerError,
}

// HTTPStatus возвращает HTTP-статус для стабильного кода ошибки.
func HTTPStatus(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// errorDetail собирает тело ошибки; текст внутренних ошибок клиенту не отдаётся.
func errorDetail(err error) ErrorDetail {
	code := domain.ErrorCode(err)
	detail := ErrorDetail{Code: code, Message: err.Error()}
	if code == domain.CodeInternal {
		detail.Message = "internal error"
		return detail
	}

	var (
		validation  *domain.ValidationError
		stock       *domain.InsufficientStockError
		unavailable *domain.ProductUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		detail.Fields = validation.Fields
	case errors.As(err, &stock):
		detail.ProductID = stock.ProductID
		detail.Requested = stock.Requested
		available := stock.Available
		detail.Available = &available
	case errors.As(err, &unavailable):
		detail.ProductID = unavailable.ProductID
	}
	return detail
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	detail := errorDetail(err)
	status := HTTPStatus(detail.Code)

	entry := h.logger.WithError(err).WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"code":   detail.Code,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	writeJSON(w, status, ErrorBody{Error: detail})
}
