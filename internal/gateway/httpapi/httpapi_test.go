package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/cubelink/internal/config"
	"github.com/jkaninda/cubelink/internal/cube"
	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/observability"
	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/ratelimit"
	"github.com/jkaninda/cubelink/internal/sandbox"
	"github.com/jkaninda/cubelink/internal/scheduler"
	"github.com/jkaninda/cubelink/internal/source"
	"github.com/jkaninda/cubelink/internal/storage/sqlite"
	"github.com/jkaninda/cubelink/internal/transport"
)

const testKey = "test-key"

// interpreter runs Python-dialect programs in the test process.
type interpreter struct{}

func (interpreter) Execute(ctx context.Context, p sandbox.Program) (*instruction.ExecutionResult, error) {
	res := &instruction.ExecutionResult{Status: instruction.StatusCompleted}
	sink := sandbox.SinkFunc(func(in instruction.Instruction) error {
		res.Instructions = append(res.Instructions, in)
		return nil
	})
	err := sandbox.Interpret(ctx, []byte(p.Code), sandbox.NewPrimitives(instruction.EncodingStreaming, sink), sandbox.InterpretOptions{})
	if err != nil {
		res.Status = instruction.StatusError
		res.Message = err.Error()
		return res, &sandbox.SourceError{Dialect: p.Dialect, Message: err.Error()}
	}
	return res, nil
}

type testEnv struct {
	gw      *Gateway
	handler http.Handler
	runner  *pipeline.Runner
	bench   *cube.Bench
	reg     *prometheus.Registry
}

type envOptions struct {
	rateLimit ratelimit.Config
	schedules []config.ScheduleConfig
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "runs.db")}, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	demoDir := t.TempDir()
	for name, code := range map[string]string{
		"rain.py":  "setPixelColor([0,0,7],[0,0,255])\nsleep(5)\n",
		"snake.py": "setPixelColor([1,1,1],[0,255,0])\n",
		"rain.cpp": "setPixelColor(0,0,7,0,0,255);",
	} {
		if err := os.WriteFile(filepath.Join(demoDir, name), []byte(code), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	bench := cube.NewBench(cube.DeviceOptions{})
	runner := pipeline.NewRunner(pipeline.Options{
		Resolver:    &source.Resolver{DemoDir: demoDir},
		Executor:    interpreter{},
		Deliverer:   transport.NewSupervisor(transport.SimOpener{Bench: bench}, nil, transport.SupervisorConfig{}, logger),
		Runs:        store.Runs(),
		DefaultPort: "sim://bench",
		Logger:      logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Wait(ctx)
	})

	reg := prometheus.NewRegistry()
	gw := NewGateway(Config{
		APIKeys:         map[string]string{testKey: "alice"},
		MetricsRegistry: reg,
		HealthChecker:   observability.NewHealthChecker(logger),
	}, runner, store.Runs(), ratelimit.NewLimiter(opts.rateLimit), logger)

	if len(opts.schedules) > 0 {
		s, err := scheduler.New(runner, nil, logger, &config.SchedulerConfig{Enabled: true, Schedules: opts.schedules})
		if err != nil {
			t.Fatal(err)
		}
		gw.WithScheduler(s)
	}

	return &testEnv{gw: gw, handler: gw.Handler(), runner: runner, bench: bench, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.runner.Wait(ctx); err != nil {
		t.Fatalf("waiting for deliveries: %v", err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "nope", http.StatusUnauthorized},
		{"valid key", testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/v1/demos", nil, tt.key)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRunSubmit_DeliversInBackground(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/runs", RunRequest{
		PythonCode: "setPixelColor([1,2,3],[255,0,0])",
	}, testKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[RunResponse](t, rec)
	if resp.ExecStatus != string(instruction.StatusCompleted) || resp.Instructions != 1 {
		t.Errorf("response = %+v", resp)
	}
	if resp.UserID != "alice" || resp.WatchURL != "/v1/runs/"+resp.ID+"/watch" {
		t.Errorf("response = %+v", resp)
	}

	env.wait(t)

	want := []string{"Pixel,255,0,0,202", "clearCube"}
	if got := env.bench.Device("bench").Received(); !slices.Equal(got, want) {
		t.Errorf("device received %q, want %q", got, want)
	}

	rec = env.do(t, http.MethodGet, "/v1/runs/"+resp.ID, nil, testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[RunResponse](t, rec)
	if got.Status != "done" || got.Acked != 1 || got.FinishedAt == nil {
		t.Errorf("stored run = %+v", got)
	}
}

func TestRunSubmit_ArgumentsString(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/runs", RunRequest{
		Arguments: "demo_name: rain",
	}, testKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[RunResponse](t, rec)
	if resp.Source != string(source.KindDemo) || resp.DemoName != "rain" {
		t.Errorf("response = %+v", resp)
	}
}

func TestRunSubmit_CodeErrorReported(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/runs", RunRequest{
		PythonCode: "setPixelColor([1,2,3],[255,0,0])\nfail(\"boom\")",
	}, testKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[RunResponse](t, rec)
	if resp.ExecStatus != string(instruction.StatusError) || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}

	env.wait(t)

	// Partial output is still delivered, then cleared.
	want := []string{"Pixel,255,0,0,202", "clearCube"}
	if got := env.bench.Device("bench").Received(); !slices.Equal(got, want) {
		t.Errorf("device received %q, want %q", got, want)
	}
}

func TestRunSubmit_BadRequests(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name    string
		req     RunRequest
		wantMsg string
	}{
		{"no source", RunRequest{}, "required"},
		{"unknown dialect", RunRequest{PythonCode: "sleep(1)", Dialect: "ruby"}, "unknown dialect"},
		{"missing demo", RunRequest{DemoName: "nope"}, "not found"},
		{"blank code", RunRequest{PythonCode: "   "}, "no code source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/runs", tt.req, testKey)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not mention %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestRunSubmit_RejectsDemoDirOverride(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "evil.py"), []byte("setPixelColor([0,0,0],[255,255,255])\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/v1/runs", RunRequest{
		Arguments: "uploaded_file:" + outside + ", demo_name: evil",
	}, testKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "uploaded_file") {
		t.Errorf("body = %q", rec.Body.String())
	}

	env.wait(t)
	if got := env.bench.Device("bench").Received(); len(got) != 0 {
		t.Errorf("device received %q", got)
	}
}

func TestRunSubmit_DryRun(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/runs", RunRequest{
		PythonCode: "setPixelColor([1,2,3],[255,0,0])\nsleep(10)",
		DryRun:     true,
	}, testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[RunResponse](t, rec)
	if want := []string{"Pixel,255,0,0,202", "sleep,10"}; !slices.Equal(resp.Lines, want) {
		t.Errorf("lines = %q, want %q", resp.Lines, want)
	}
	if got := env.bench.Device("bench").Received(); len(got) != 0 {
		t.Errorf("dry run reached the device: %q", got)
	}
}

func TestRunSubmit_RateLimited(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1}})

	req := RunRequest{PythonCode: "sleep(1)", DryRun: true}
	if rec := env.do(t, http.MethodPost, "/v1/runs", req, testKey); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/runs", req, testKey)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestRunList(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for _, code := range []string{"sleep(1)", "sleep(2)"} {
		if rec := env.do(t, http.MethodPost, "/v1/runs", RunRequest{PythonCode: code, DryRun: true}, testKey); rec.Code != http.StatusOK {
			t.Fatalf("submit status = %d", rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/v1/runs?user_id=alice&limit=1", nil, testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if runs := decode[[]RunResponse](t, rec); len(runs) != 1 {
		t.Errorf("got %d runs, want 1", len(runs))
	}

	rec = env.do(t, http.MethodGet, "/v1/runs?user_id=bob", nil, testKey)
	if runs := decode[[]RunResponse](t, rec); len(runs) != 0 {
		t.Errorf("got %d runs for bob, want 0", len(runs))
	}

	if rec := env.do(t, http.MethodGet, "/v1/runs?limit=zero", nil, testKey); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestRunGet_Errors(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	if rec := env.do(t, http.MethodGet, "/v1/runs/not-a-uuid", nil, testKey); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/runs/7b4b5a4e-3f0e-4c55-9a55-0f7c2f1d9a10", nil, testKey); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", rec.Code)
	}
}

func TestDeviceClear(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/devices/clear", DeviceClearRequest{}, testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[DeviceClearResponse](t, rec)
	if resp.Port != "sim://bench" || resp.Status != "cleared" {
		t.Errorf("response = %+v", resp)
	}
	if got := env.bench.Device("bench").Received(); !slices.Equal(got, []string{"clearCube"}) {
		t.Errorf("device received %q", got)
	}
}

func TestDemoList(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"rain", "snake"}},
		{"?dialect=cpp", []string{"rain"}},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodGet, "/v1/demos"+tt.query, nil, testKey)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := decode[DemoListResponse](t, rec); !slices.Equal(got.Demos, tt.want) {
			t.Errorf("demos%s = %q, want %q", tt.query, got.Demos, tt.want)
		}
	}
	if rec := env.do(t, http.MethodGet, "/v1/demos?dialect=ruby", nil, testKey); rec.Code != http.StatusBadRequest {
		t.Errorf("bad dialect status = %d", rec.Code)
	}
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t, envOptions{schedules: []config.ScheduleConfig{
		{Name: "evening", Spec: "0 20 * * *", Demo: "rain"},
	}})

	rec := env.do(t, http.MethodGet, "/v1/schedules", nil, testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list := decode[[]ScheduleResponse](t, rec)
	if len(list) != 1 || list[0].Name != "evening" || list[0].NextRunAt == nil {
		t.Fatalf("schedules = %+v", list)
	}

	if rec := env.do(t, http.MethodPost, "/v1/schedules/missing/trigger", nil, testKey); rec.Code != http.StatusNotFound {
		t.Errorf("unknown schedule status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/schedules/evening/trigger", nil, testKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger status = %d: %s", rec.Code, rec.Body.String())
	}

	env.gw.triggers.Wait()

	got := env.bench.Device("bench").Received()
	if len(got) == 0 || got[len(got)-1] != "clearCube" {
		t.Errorf("device received %q", got)
	}
	if last := env.gw.scheduler.Jobs()[0]; last.LastRunAt == nil || last.LastError != "" {
		t.Errorf("job status = %+v", last)
	}
}

func TestSchedules_DisabledWithoutScheduler(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	if rec := env.do(t, http.MethodGet, "/v1/schedules", nil, testKey); rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "cubelink_test_total", Help: "test"}))

	tests := []struct {
		path     string
		want     int
		contains string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/readyz", http.StatusOK, `"status":"ok"`},
		{"/metrics", http.StatusOK, "cubelink_test_total"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, nil, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestReadiness_Degraded(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.gw.config.HealthChecker.AddCheck("device_port", observability.DevicePortCheck("/dev/cubelink-missing"))

	rec := env.do(t, http.MethodGet, "/readyz", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	status := decode[observability.HealthStatus](t, rec)
	if status.Checks["device_port"].Status != "fail" {
		t.Errorf("checks = %+v", status.Checks)
	}
}
