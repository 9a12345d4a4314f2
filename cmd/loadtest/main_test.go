package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
)

// fakeClient отдаёт stock заказов, затем отвечает INSUFFICIENT_STOCK.
type fakeClient struct {
	mu        sync.Mutex
	stock     int
	created   int
	cancelled int
	users     map[string]struct{}
	cancelErr error
}

func soldOutError() error {
	st, _ := status.New(codes.FailedPrecondition, "insufficient stock").WithDetails(&errdetails.ErrorInfo{
		Reason: domain.CodeInsufficientStock,
		Domain: grpcsvc.ErrorDomain,
	})
	return st.Err()
}

func (f *fakeClient) CreateOrder(ctx context.Context, in *grpcsvc.CreateOrderRequest, _ ...grpc.CallOption) (*grpcsvc.CreateOrderResponse, error) {
	md, _ := metadata.FromOutgoingContext(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.users == nil {
		f.users = map[string]struct{}{}
	}
	if ids := md.Get(grpcsvc.MetadataUserID); len(ids) == 1 {
		f.users[ids[0]] = struct{}{}
	}
	if len(md.Get(grpcsvc.MetadataIdempotencyKey)) != 1 {
		return nil, status.Error(codes.InvalidArgument, "missing idempotency key")
	}
	if f.stock < int(in.Items[0].Quantity) {
		return nil, soldOutError()
	}
	f.stock -= int(in.Items[0].Quantity)
	f.created++
	return &grpcsvc.CreateOrderResponse{Order: &grpcsvc.Order{ID: "order-" + strings.Repeat("x", f.created)}}, nil
}

func (f *fakeClient) GetOrder(context.Context, *grpcsvc.GetOrderRequest, ...grpc.CallOption) (*grpcsvc.GetOrderResponse, error) {
	return &grpcsvc.GetOrderResponse{Order: &grpcsvc.Order{}}, nil
}

func (f *fakeClient) CancelOrder(context.Context, *grpcsvc.CancelOrderRequest, ...grpc.CallOption) (*grpcsvc.CancelOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.cancelled++
	return &grpcsvc.CancelOrderResponse{}, nil
}

func testConfig() config {
	return config{
		total:         20,
		concurrency:   4,
		connections:   1,
		timeout:       time.Second,
		mode:          modeCreate,
		productID:     "ebook",
		quantity:      1,
		paymentMethod: string(domain.PaymentMethodCard),
		userTag:       "test",
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"-product", " ebook ", "-mode", "Create-Cancel", "-quantity", "2", "-sold-out-ok"})
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.productID != "ebook" || cfg.mode != modeCreateCancel || cfg.quantity != 2 || !cfg.soldOutIsOK {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	invalid := map[string][]string{
		"no product":    {},
		"bad mode":      {"-product=p", "-mode=create-pay"},
		"zero quantity": {"-product=p", "-quantity=0"},
		"huge quantity": {"-product=p", "-quantity=1001"},
		"zero workers":  {"-product=p", "-concurrency=0"},
		"zero total":    {"-product=p", "-total=0"},
		"bad duration":  {"-product=p", "-duration=soon"},
	}
	for name, args := range invalid {
		t.Run(name, func(t *testing.T) {
			if _, err := parseConfig(args); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := parseConfig([]string{"-product=p", "-total=0", "-duration=1s"}); err != nil {
		t.Fatalf("duration without total must be valid: %v", err)
	}
}

func TestRunLoad_StockContention(t *testing.T) {
	client := &fakeClient{stock: 5}
	cfg := testConfig()

	result := runLoad(context.Background(), cfg, []orderClient{client})
	if result.Scenarios != 20 {
		t.Fatalf("expected 20 scenarios, got %d", result.Scenarios)
	}
	if client.created != 5 || result.SoldOut != 15 {
		t.Fatalf("expected 5 orders and 15 sold out, got %d and %d", client.created, result.SoldOut)
	}
	if result.FailedScenarios != 15 {
		t.Fatalf("sold out counts as failure by default, got %d", result.FailedScenarios)
	}
	if len(client.users) != 20 {
		t.Fatalf("each scenario must use its own user, got %d", len(client.users))
	}

	cfg.soldOutIsOK = true
	client = &fakeClient{stock: 5}
	result = runLoad(context.Background(), cfg, []orderClient{client})
	if result.FailedScenarios != 0 || result.SoldOut != 15 {
		t.Fatalf("unexpected report with sold-out-ok: %+v", result)
	}
	if got := result.Methods["CreateOrder"].Codes[domain.CodeInsufficientStock]; got != 15 {
		t.Fatalf("expected 15 INSUFFICIENT_STOCK codes, got %d", got)
	}
}

func TestRunLoad_Modes(t *testing.T) {
	cfg := testConfig()
	cfg.mode = modeCreateCancel
	client := &fakeClient{stock: 100}
	result := runLoad(context.Background(), cfg, []orderClient{client})
	if client.cancelled != 20 || result.Methods["CancelOrder"].Calls != 20 {
		t.Fatalf("expected 20 cancellations, got %d", client.cancelled)
	}

	client = &fakeClient{stock: 100, cancelErr: status.Error(codes.Unavailable, "down")}
	result = runLoad(context.Background(), cfg, []orderClient{client})
	if result.FailedScenarios != 20 || result.Methods["CancelOrder"].Codes[codes.Unavailable.String()] != 20 {
		t.Fatalf("unexpected report: %+v", result)
	}

	cfg.mode = modeCreateGet
	result = runLoad(context.Background(), cfg, []orderClient{&fakeClient{stock: 100}})
	if result.Methods["GetOrder"].Calls != 20 || result.FailedScenarios != 0 {
		t.Fatalf("unexpected report: %+v", result)
	}
}

func TestDispatchJobs(t *testing.T) {
	cfg := testConfig()
	cfg.total = 3
	jobs := make(chan int, 10)
	dispatchJobs(context.Background(), jobs, cfg)
	var got []int
	for job := range jobs {
		got = append(got, job)
	}
	if len(got) != 3 || got[2] != 2 {
		t.Fatalf("unexpected jobs: %v", got)
	}

	cfg.total = 0
	cfg.duration = 20 * time.Millisecond
	unbuffered := make(chan int)
	done := make(chan struct{})
	go func() {
		dispatchJobs(context.Background(), unbuffered, cfg)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("duration mode must stop dispatching")
	}
}

func TestOutcome(t *testing.T) {
	cfg := testConfig()
	if code, failed := outcome(nil, cfg); code != codeOK || failed {
		t.Fatalf("unexpected outcome for nil: %s %v", code, failed)
	}
	if code, failed := outcome(soldOutError(), cfg); code != domain.CodeInsufficientStock || !failed {
		t.Fatalf("unexpected outcome: %s %v", code, failed)
	}
	cfg.soldOutIsOK = true
	if _, failed := outcome(soldOutError(), cfg); failed {
		t.Fatal("sold out must not fail with sold-out-ok")
	}
	if code, _ := outcome(context.DeadlineExceeded, cfg); code != codes.Unknown.String() {
		t.Fatalf("unexpected code for plain error: %s", code)
	}
}

func TestLatencyHelpers(t *testing.T) {
	summary := buildLatencySummary([]float64{4, 1, 3, 2})
	if summary.Min != 1 || summary.Max != 4 || summary.Avg != 2.5 || summary.P50 != 2.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if buildLatencySummary(nil) != (latencySummary{}) {
		t.Fatal("empty input must produce zero summary")
	}
	if percentile([]float64{7}, 99) != 7 {
		t.Fatal("single value percentile")
	}
	if ratio(1, 0) != 0 || ratio(1, 4) != 0.25 {
		t.Fatal("unexpected ratio")
	}
}

func TestReportOutput(t *testing.T) {
	col := newCollector()
	col.record(scenarioKey, time.Millisecond, codeOK, false)
	col.record("CreateOrder", time.Millisecond, codeOK, false)
	result := col.buildReport(time.Now(), time.Second)

	var out bytes.Buffer
	printReport(&out, result, testConfig())
	if !strings.Contains(out.String(), "CreateOrder: calls=1") || !strings.Contains(out.String(), "scenarios=1") {
		t.Fatalf("unexpected report output:\n%s", out.String())
	}

	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := writeJSONReport("report.json", result); err != nil {
		t.Fatalf("writeJSONReport failed: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "report.json"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded report
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Scenarios != 1 {
		t.Fatalf("unexpected report file: %v %+v", err, decoded)
	}

	for _, bad := range []string{".", "../escape.json"} {
		if err := writeJSONReport(bad, result); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
