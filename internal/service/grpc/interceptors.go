package grpcsvc

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Ключи метаданных доверенной идентичности и идемпотентности.
const (
	MetadataUserID         = "x-user-id"
	MetadataUserRole       = "x-user-role"
	MetadataUserEmail      = "x-user-email"
	MetadataUserName       = "x-user-name"
	MetadataRequestID      = "x-request-id"
	MetadataIdempotencyKey = "idempotency-key"
)

type (
	requesterKey struct{}
	requestIDKey struct{}
)

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// RequesterFromMetadata строит идентичность из входящих метаданных. Без x-user-id вызов гостевой.
func RequesterFromMetadata(md metadata.MD) domain.Requester {
	userID := firstValue(md, MetadataUserID)
	if userID == "" {
		return domain.Guest()
	}
	role := domain.Role(strings.ToLower(firstValue(md, MetadataUserRole)))
	if role != domain.RoleAdmin {
		role = domain.RoleCustomer
	}
	return domain.Requester{
		UserID: userID,
		Role:   role,
		Email:  firstValue(md, MetadataUserEmail),
		Name:   firstValue(md, MetadataUserName),
	}
}

// RequesterFromContext возвращает идентичность вызова или гостя.
func RequesterFromContext(ctx context.Context) domain.Requester {
	if requester, ok := ctx.Value(requesterKey{}).(domain.Requester); ok {
		return requester
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		return RequesterFromMetadata(md)
	}
	return domain.Guest()
}

// RequestIDFromContext возвращает идентификатор запроса, выставленный перехватчиком.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// UnaryServerInterceptor кладёт в контекст идентичность и request id и пишет строку лога на вызов.
func UnaryServerInterceptor(logger *log.Entry) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = log.WithField("component", "grpc")
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		requestID := firstValue(md, MetadataRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		requester := RequesterFromMetadata(md)

		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		ctx = context.WithValue(ctx, requesterKey{}, requester)

		start := time.Now()
		resp, err := handler(ctx, req)

		entry := logger.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      info.FullMethod,
			"code":        status.Code(err).String(),
			"user_id":     requester.UserID,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			entry.WithError(err).Info("grpc call failed")
		} else {
			entry.Info("grpc call")
		}
		return resp, err
	}
}
