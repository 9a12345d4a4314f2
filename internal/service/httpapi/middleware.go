package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Заголовки доверенной идентичности, которые выставляет внешний слой аутентификации.
const (
	HeaderUserID         = "X-User-Id"
	HeaderUserRole       = "X-User-Role"
	HeaderUserEmail      = "X-User-Email"
	HeaderUserName       = "X-User-Name"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type requesterKey struct{}

// RequesterFromHeaders строит идентичность из заголовков. Без X-User-Id запрос гостевой.
func RequesterFromHeaders(h http.Header) domain.Requester {
	userID := strings.TrimSpace(h.Get(HeaderUserID))
	if userID == "" {
		return domain.Guest()
	}
	role := domain.Role(strings.ToLower(strings.TrimSpace(h.Get(HeaderUserRole))))
	if role != domain.RoleAdmin {
		role = domain.RoleCustomer
	}
	return domain.Requester{
		UserID: userID,
		Role:   role,
		Email:  strings.TrimSpace(h.Get(HeaderUserEmail)),
		Name:   strings.TrimSpace(h.Get(HeaderUserName)),
	}
}

// WithRequester кладёт идентичность в контекст.
func WithRequester(ctx context.Context, requester domain.Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, requester)
}

// RequesterFromContext возвращает идентичность запроса или гостя.
func RequesterFromContext(ctx context.Context) domain.Requester {
	if requester, ok := ctx.Value(requesterKey{}).(domain.Requester); ok {
		return requester
	}
	return domain.Guest()
}

func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithRequester(r.Context(), RequesterFromHeaders(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tracing открывает серверный span с W3C-пропагацией.
func tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer("storefront.http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parent := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(parent, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if rctx := chi.RouteContext(ctx); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(attribute.String("http.route", pattern))
			}
		}
		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

// requestLogger пишет строку access-лога через logrus.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.WithFields(log.Fields{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("http request")
		})
	}
}
