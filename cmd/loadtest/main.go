// Command loadtest нагружает gRPC OrderService параллельными оформлениями заказов.
// Отчёт группирует ответы по стабильным кодам ошибок, поэтому видно, сколько
// запросов упёрлось в остатки, а сколько упало по другим причинам.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
)

type loadMode string

const (
	modeCreate       loadMode = "create"
	modeCreateGet    loadMode = "create-get"
	modeCreateCancel loadMode = "create-cancel"

	scenarioKey = "scenario"
	codeOK      = "OK"
)

type config struct {
	addr          string
	total         int
	duration      time.Duration
	concurrency   int
	connections   int
	timeout       time.Duration
	mode          loadMode
	productID     string
	quantity      int
	paymentMethod string
	userTag       string
	soldOutIsOK   bool
	outputPath    string
}

// orderClient — подмножество gRPC-клиента, которое использует нагрузка.
type orderClient interface {
	CreateOrder(ctx context.Context, in *grpcsvc.CreateOrderRequest, opts ...grpc.CallOption) (*grpcsvc.CreateOrderResponse, error)
	GetOrder(ctx context.Context, in *grpcsvc.GetOrderRequest, opts ...grpc.CallOption) (*grpcsvc.GetOrderResponse, error)
	CancelOrder(ctx context.Context, in *grpcsvc.CancelOrderRequest, opts ...grpc.CallOption) (*grpcsvc.CancelOrderResponse, error)
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	Scenarios         int64                   `json:"scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	SoldOut           int64                   `json:"sold_out"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	failed    int64
	codes     map[string]int64
	latencies []float64
}

// collector копит задержки и коды ответов по методам.
type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*methodStats)}
}

func (c *collector) record(method string, latency time.Duration, code string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{codes: make(map[string]int64)}
		c.methods[method] = stats
	}
	if failed {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}
	for name, stats := range c.methods {
		codesCopy := make(map[string]int64, len(stats.codes))
		var calls int64
		for code, count := range stats.codes {
			codesCopy[code] = count
			calls += count
		}
		method := methodReport{
			Calls:     calls,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, calls),
			Codes:     codesCopy,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
		if name == scenarioKey {
			result.Scenarios = method.Calls
			result.FailedScenarios = method.Failed
			result.SoldOut = codesCopy[domain.CodeInsufficientStock]
			result.ErrorRate = method.ErrorRate
			result.ScenarioLatencyMs = method.LatencyMs
			continue
		}
		result.Methods[name] = method
	}
	if elapsed > 0 {
		result.RPS = float64(result.Scenarios) / elapsed.Seconds()
	}
	return result
}

func parseConfig(args []string) (config, error) {
	var (
		cfg       config
		modeValue string
	)
	fset := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	fset.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fset.IntVar(&cfg.total, "total", 400, "total scenarios; with -duration acts as an upper bound when > 0")
	fset.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fset.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fset.IntVar(&cfg.connections, "connections", 8, "number of gRPC client connections")
	fset.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fset.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-get | create-cancel")
	fset.StringVar(&cfg.productID, "product", "", "product id to order")
	fset.IntVar(&cfg.quantity, "quantity", 1, "quantity per order")
	fset.StringVar(&cfg.paymentMethod, "payment-method", string(domain.PaymentMethodCard), "payment method")
	fset.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fset.BoolVar(&cfg.soldOutIsOK, "sold-out-ok", false, "count INSUFFICIENT_STOCK as an expected outcome")
	fset.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fset.Parse(args); err != nil {
		return config{}, err
	}

	mode, err := parseMode(modeValue)
	if err != nil {
		return config{}, err
	}
	cfg.mode = mode
	cfg.productID = strings.TrimSpace(cfg.productID)

	switch {
	case cfg.duration < 0:
		return config{}, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return config{}, errors.New("total must be > 0 when duration is not set")
	case cfg.concurrency <= 0:
		return config{}, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return config{}, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	case cfg.productID == "":
		return config{}, errors.New("product is required")
	case cfg.quantity <= 0 || cfg.quantity > checkout.MaxLineQuantity:
		return config{}, fmt.Errorf("quantity must be between 1 and %d", checkout.MaxLineQuantity)
	case strings.TrimSpace(cfg.userTag) == "":
		return config{}, errors.New("user-tag is required")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case modeCreate, modeCreateGet, modeCreateCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	clients := make([]orderClient, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		defer conn.Close()
		clients = append(clients, grpcsvc.NewOrderServiceClient(conn))
	}

	result := runLoad(context.Background(), cfg, clients)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// runLoad раздаёт сценарии воркерам и собирает отчёт.
func runLoad(ctx context.Context, cfg config, clients []orderClient) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for worker := 0; worker < cfg.concurrency; worker++ {
		wg.Add(1)
		go func(client orderClient) {
			defer wg.Done()
			for index := range jobs {
				runScenario(ctx, client, cfg, index, runID, col)
			}
		}(clients[worker%len(clients)])
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for i := 0; cfg.total <= 0 || i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

// runScenario оформляет заказ от имени отдельного пользователя и, в зависимости от режима, читает или отменяет его.
func runScenario(ctx context.Context, client orderClient, cfg config, index int, runID string, col *collector) {
	start := time.Now()
	code := codeOK
	failed := false
	defer func() { col.record(scenarioKey, time.Since(start), code, failed) }()

	userID := fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index)
	ctx = metadata.AppendToOutgoingContext(ctx, grpcsvc.MetadataUserID, userID)

	var resp *grpcsvc.CreateOrderResponse
	err := timed(ctx, cfg, col, "CreateOrder", func(ctx context.Context) error {
		var err error
		resp, err = client.CreateOrder(
			metadata.AppendToOutgoingContext(ctx, grpcsvc.MetadataIdempotencyKey, fmt.Sprintf("lt-%s-%d", runID, index)),
			&grpcsvc.CreateOrderRequest{CreateOrderRequest: checkout.CreateOrderRequest{
				Items:         []checkout.LineItemRequest{{ProductID: cfg.productID, Quantity: int32(cfg.quantity)}},
				PaymentMethod: domain.PaymentMethod(cfg.paymentMethod),
			}},
		)
		return err
	})
	if err != nil {
		code, failed = outcome(err, cfg)
		return
	}
	if resp == nil || resp.Order == nil || resp.Order.ID == "" {
		code, failed = codes.Internal.String(), true
		return
	}
	orderID := resp.Order.ID

	switch cfg.mode {
	case modeCreateGet:
		err = timed(ctx, cfg, col, "GetOrder", func(ctx context.Context) error {
			_, err := client.GetOrder(ctx, &grpcsvc.GetOrderRequest{OrderID: orderID})
			return err
		})
	case modeCreateCancel:
		err = timed(ctx, cfg, col, "CancelOrder", func(ctx context.Context) error {
			_, err := client.CancelOrder(ctx, &grpcsvc.CancelOrderRequest{OrderID: orderID, Reason: "load-cancel"})
			return err
		})
	}
	if err != nil {
		code, failed = outcome(err, cfg)
	}
}

func timed(ctx context.Context, cfg config, col *collector, method string, call func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	start := time.Now()
	err := call(ctx)
	code, failed := outcome(err, cfg)
	col.record(method, time.Since(start), code, failed)
	return err
}

// outcome сводит ошибку к стабильному коду; без ErrorInfo используется gRPC-код.
func outcome(err error, cfg config) (string, bool) {
	if err == nil {
		return codeOK, false
	}
	if info, ok := grpcsvc.ErrorInfo(err); ok {
		return info.GetReason(), !(cfg.soldOutIsOK && info.GetReason() == domain.CodeInsufficientStock)
	}
	return status.Code(err).String(), true
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s product=%s scenarios=%d failed=%d sold_out=%d error_rate=%.4f\n",
		cfg.mode, cfg.productID, result.Scenarios, result.FailedScenarios, result.SoldOut, result.ErrorRate)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	s := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		s.Min, s.Avg, s.P50, s.P95, s.P99, s.Max)

	names := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := result.Methods[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d failed=%d error_rate=%.4f p95=%.2fms codes=%v\n",
			name, m.Calls, m.Failed, m.ErrorRate, m.LatencyMs.P95, m.Codes)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile — линейная интерполяция между соседними рангами.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p / 100.0) * float64(len(sorted)-1)
	lower, upper := int(math.Floor(rank)), int(math.Ceil(rank))
	return sorted[lower] + (sorted[upper]-sorted[lower])*(rank-float64(lower))
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
