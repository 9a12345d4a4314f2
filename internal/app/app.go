package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает хранилище, сервисы, HTTP API, gRPC, сервер метрик и фоновые воркеры
// и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := initRuntimeDependencies(ctx, cfg, logger.WithField("layer", "storage"))
	if err != nil {
		return err
	}
	defer closeStorage(rt, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", rt.storageChecker)
	healthHandler.RegisterChecker("outbox", outboxBacklogChecker(rt.outboxRepo, cfg.OutboxMaxPending))

	cache, closeCache := initOrderCache(cfg, logger)
	defer closeCache()

	gateway, err := createPaymentGateway(cfg, logger)
	if err != nil {
		return err
	}
	verifier := createVerifier(cfg, rt.paymentRepo, gateway, logger)
	checkoutMetrics := metrics.NewCheckoutMetrics()

	var deps *Dependencies
	if cache != nil {
		deps = NewDependencies(rt, verifier, cache, checkoutMetrics, cfg, logger)
		healthHandler.RegisterChecker("redis", healthcheck.NewOptionalChecker("redis", cache.PingContext))
	} else {
		deps = NewDependencies(rt, verifier, nil, checkoutMetrics, cfg, logger)
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	workers := startWorkers(workerCtx, cfg, rt, logger)

	var consumer *kafka.Consumer
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	if producer != nil {
		startOutboxWorker(workerCtx, cfg, rt, producer, workers, logger)
		var kafkaErr error
		consumer, kafkaErr = startPaymentConsumer(workerCtx, cfg, producer, rt.paymentRepo, logger)
		if kafkaErr != nil {
			logger.WithError(kafkaErr).Warn("payment events consumer is disabled")
		}
	} else {
		logger.Warn("kafka is unavailable, outbox events stay pending")
	}

	grpcServer, healthServer := newGRPCServer(deps, logger)

	apiHandler := httpapi.NewHandler(deps.Checkout, deps.Orders, logger.WithField("layer", "http"),
		httpapi.WithIdempotency(deps.Idempotency),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
	)
	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		shutdownWorkers(cancelWorkers, workers, logger)
		stopKafkaConsumer(consumer, logger)
		closeKafkaProducer(producer, logger)
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("grpc server listening on %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Infof("http api listening on %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping servers")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stopGRPC(grpcServer, logger)
	shutdownHTTP(apiSrv, logger)
	shutdownHTTP(metricsSrv, logger)
	stopKafkaConsumer(consumer, logger)
	shutdownWorkers(cancelWorkers, workers, logger)
	closeKafkaProducer(producer, logger)

	return runErr
}

// workerGroup отслеживает фоновые воркеры.
type workerGroup struct {
	wg sync.WaitGroup
}

func (g *workerGroup) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// startWorkers запускает воркеры, не зависящие от Kafka.
func startWorkers(ctx context.Context, cfg Config, rt runtimeDependencies, logger *log.Entry) *workerGroup {
	group := &workerGroup{}

	cleanup := idempotency.NewCleanupWorker(rt.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("layer", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	group.Go(func() { cleanup.Run(ctx) })
	return group
}

// startOutboxWorker публикует события outbox в Kafka; сообщения после исчерпания попыток уходят в DLQ.
func startOutboxWorker(ctx context.Context, cfg Config, rt runtimeDependencies, producer *kafka.Producer, group *workerGroup, logger *log.Entry) {
	worker := outbox.NewWorker(rt.outboxRepo, kafka.NewOutboxPublisher(producer, cfg.KafkaOrderTopic),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	group.Go(func() { worker.Run(ctx) })
}

func newGRPCServer(deps *Dependencies, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcLogger := logger.WithField("layer", "grpc")
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		grpcsvc.UnaryServerInterceptor(grpcLogger),
	))

	orderService := grpcsvc.NewOrderService(deps.Checkout, deps.Orders, grpcLogger, grpcsvc.WithIdempotency(deps.Idempotency))
	grpcsvc.RegisterOrderServiceServer(server, orderService)
	grpcMetrics.InitializeMetrics(server)

	// Reflection для grpcurl.
	reflection.Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server, healthServer
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, forcing grpc server stop")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-сервер с /metrics и health-эндпоинтами.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("metrics available at %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

// shutdownWorkers отменяет контекст воркеров и ждёт их завершения не дольше shutdownTimeout.
func shutdownWorkers(cancel context.CancelFunc, group *workerGroup, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if group == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		group.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("background workers did not stop in time")
	}
}

func closeStorage(rt runtimeDependencies, logger *log.Entry) {
	if rt.closeFn == nil {
		return
	}
	if err := rt.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}
