package grpcsvc

import (
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ErrorDomain — значение ErrorInfo.Domain в деталях статуса.
const ErrorDomain = "storefront"

var grpcCodeByCode = map[string]codes.Code{
	domain.CodeEmptyCart:               codes.InvalidArgument,
	domain.CodeInvalidRequest:          codes.InvalidArgument,
	domain.CodeProductUnavailable:      codes.FailedPrecondition,
	domain.CodeInsufficientStock:       codes.FailedPrecondition,
	domain.CodePaymentNotVerified:      codes.FailedPrecondition,
	domain.CodeInvalidStatusTransition: codes.FailedPrecondition,
	domain.CodeForbidden:               codes.PermissionDenied,
	domain.CodeUnauthenticated:         codes.Unauthenticated,
	domain.CodeNotFound:                codes.NotFound,
	domain.CodeIdempotencyConflict:     codes.AlreadyExists,
	domain.CodeInternal:                codes.Internal,
}

// GRPCCode возвращает gRPC-код для стабильного кода ошибки.
func GRPCCode(code string) codes.Code {
	if c, ok := grpcCodeByCode[code]; ok {
		return c
	}
	return codes.Internal
}

// toStatus переводит доменную ошибку в gRPC-статус. Стабильный код кладётся в
// ErrorInfo.Reason, подробности валидации и остатков в ErrorInfo.Metadata.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := domain.ErrorCode(err)
	grpcCode := GRPCCode(code)
	message := err.Error()
	switch {
	case code == domain.CodeInternal:
		message = "internal error"
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) && !errors.Is(err, domain.ErrIdempotencyHashMismatch):
		// Запрос с тем же ключом ещё выполняется.
		grpcCode = codes.Aborted
	}

	info := &errdetails.ErrorInfo{Reason: code, Domain: ErrorDomain, Metadata: errorMetadata(err)}
	st, detailErr := status.New(grpcCode, message).WithDetails(info)
	if detailErr != nil {
		return status.Error(grpcCode, message)
	}
	return st.Err()
}

func errorMetadata(err error) map[string]string {
	var (
		validation  *domain.ValidationError
		stock       *domain.InsufficientStockError
		unavailable *domain.ProductUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		md := make(map[string]string, len(validation.Fields))
		for field, rule := range validation.Fields {
			md["field."+field] = rule
		}
		return md
	case errors.As(err, &stock):
		return map[string]string{
			"product_id": stock.ProductID,
			"requested":  strconv.Itoa(int(stock.Requested)),
			"available":  strconv.Itoa(int(stock.Available)),
		}
	case errors.As(err, &unavailable):
		return map[string]string{"product_id": unavailable.ProductID}
	}
	return nil
}

// ErrorInfo достаёт стабильный код и метаданные из ошибки клиента.
func ErrorInfo(err error) (*errdetails.ErrorInfo, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return info, true
		}
	}
	return nil, false
}
