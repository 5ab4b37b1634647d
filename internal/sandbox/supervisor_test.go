package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"testing"
	"time"

	"github.com/jkaninda/cubelink/internal/instruction"
)

const testWorkerEnv = "CUBELINK_TEST_WORKER"

// TestMain lets the test binary double as the sandbox worker.
func TestMain(m *testing.M) {
	if os.Getenv(testWorkerEnv) == "1" {
		os.Exit(RunWorker(context.Background(), os.Stdin, os.Stdout, os.Getenv))
	}
	os.Exit(m.Run())
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	cfg.WorkerCommand = []string{exe}
	cfg.WorkerEnv = map[string]string{testWorkerEnv: "1"}
	if cfg.PythonDeadline == 0 {
		cfg.PythonDeadline = 5 * time.Second
	}
	if cfg.CPPDeadline == 0 {
		cfg.CPPDeadline = 5 * time.Second
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, err := NewSupervisor(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSupervisor_Python(t *testing.T) {
	s := newTestSupervisor(t, Config{})

	res, err := s.Execute(context.Background(), Program{
		Dialect: DialectPython,
		Code:    "print('ignored')\nsetPixelColor([1,2,3],[255,0,0]); sleep(10)\n",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Completed() {
		t.Errorf("status = %s (%s)", res.Status, res.Message)
	}
	want := []string{"Pixel,255,0,0,202", "sleep,10"}
	if got := instruction.Lines(res.Instructions); !slices.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSupervisor_InfiniteLoopTimesOut(t *testing.T) {
	deadline := 500 * time.Millisecond
	s := newTestSupervisor(t, Config{PythonDeadline: deadline})

	start := time.Now()
	res, err := s.Execute(context.Background(), Program{
		Dialect: DialectPython,
		Code:    "setVoxel(0, 0, 0)\nwhile True:\n    pass\n",
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if res.Status != instruction.StatusTimedOut {
		t.Errorf("status = %s, want timed-out", res.Status)
	}
	if res.Len() != 1 {
		t.Errorf("kept %d instructions, want the 1 emitted before the loop", res.Len())
	}
	if elapsed > deadline+2*time.Second {
		t.Errorf("returned after %s, deadline %s", elapsed, deadline)
	}
}

func TestSupervisor_FaultAfterK(t *testing.T) {
	s := newTestSupervisor(t, Config{})

	res, err := s.Execute(context.Background(), Program{
		Dialect: DialectPython,
		Code:    "clearCube()\nsetVoxel(1, 1, 1)\nsetVoxel(1, 1, 99)\nsetVoxel(2, 2, 2)\n",
	})
	var srcErr *SourceError
	if !errors.As(err, &srcErr) {
		t.Fatalf("err = %v, want SourceError", err)
	}
	if res.Status != instruction.StatusError || res.Message == "" {
		t.Errorf("status = %s, message = %q", res.Status, res.Message)
	}
	if res.Len() != 2 {
		t.Errorf("kept %d instructions, want 2", res.Len())
	}
}

func TestSupervisor_Truncates(t *testing.T) {
	s := newTestSupervisor(t, Config{MaxInstructions: 5})

	res, err := s.Execute(context.Background(), Program{
		Dialect: DialectPython,
		Code:    "for i in range(100):\n    sleep(i)\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Len() != 5 || !res.Truncated {
		t.Errorf("len = %d, truncated = %v", res.Len(), res.Truncated)
	}
}

func TestSupervisor_WorkerMissing(t *testing.T) {
	s, err := NewSupervisor(Config{WorkerCommand: []string{"/nonexistent/cubelink"}}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Execute(context.Background(), Program{Dialect: DialectPython, Code: "clearCube()"})
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.Status != instruction.StatusError {
		t.Errorf("result = %+v", res)
	}
}

func TestNewSupervisor_UnknownBackend(t *testing.T) {
	if _, err := NewSupervisor(Config{Backend: "vm", WorkerCommand: []string{"x"}}, nil); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func skipIfNoCompiler(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("g++"); err != nil {
		t.Skip("g++ not available")
	}
}

func TestSupervisor_CPP(t *testing.T) {
	skipIfNoCompiler(t)
	s := newTestSupervisor(t, Config{})

	res, err := s.Execute(context.Background(), Program{
		Dialect: DialectCPP,
		Code: `
printf("noise\n");
setPixelColor({1, 2, 3}, {255, 0, 0});
sleep(10);
for (int z = 0; z < cube_size; z++) setVoxel(0, 0, z);
setMultiplePixelColor({{0, 0, 0}, {0, 0, 1}}, {0, 0, 255});
delay(1);
`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"Pixel,255,0,0,202", "sleep,10"}
	for z := 0; z < 8; z++ {
		in, _ := instruction.SetPixel(z*64, instruction.White)
		want = append(want, in.Line())
	}
	want = append(want, "Pixels,0,0,255,0,64", "sleep,1")
	if got := instruction.Lines(res.Instructions); !slices.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSupervisor_CPPTimeoutKeepsPartial(t *testing.T) {
	skipIfNoCompiler(t)
	deadline := time.Second
	s := newTestSupervisor(t, Config{CPPDeadline: deadline})

	start := time.Now()
	res, err := s.Execute(context.Background(), Program{
		Dialect: DialectCPP,
		Code:    "setVoxel(1, 1, 1);\nvolatile int spin = 0;\nwhile (true) { spin++; }\n",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != instruction.StatusTimedOut || res.Len() != 1 {
		t.Errorf("status = %s, len = %d", res.Status, res.Len())
	}
	// Compilation is not charged to the deadline, so only bound the total loosely.
	if time.Since(start) > 2*time.Minute {
		t.Errorf("took %s", time.Since(start))
	}
}

func TestSupervisor_CPPErrors(t *testing.T) {
	skipIfNoCompiler(t)
	s := newTestSupervisor(t, Config{Encoding: instruction.EncodingFirmware})

	tests := []struct {
		name string
		code string
		k    int
	}{
		{"compile error", "setVoxel(1, 2);", 0},
		{"out of range", "clearCube();\nsetVoxel(8, 0, 0);\nclearCube();", 1},
		{"group in firmware", "setVoxel(0, 0, 0);\nsetMultiplePixelColor({{0, 0, 0}}, {1, 1, 1});", 1},
		{"abnormal exit", "clearCube();\nabort();", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Execute(context.Background(), Program{Dialect: DialectCPP, Code: tt.code})
			var srcErr *SourceError
			if !errors.As(err, &srcErr) {
				t.Fatalf("err = %v, want SourceError", err)
			}
			if res.Status != instruction.StatusError || res.Len() != tt.k {
				t.Errorf("status = %s, len = %d, want error with %d", res.Status, res.Len(), tt.k)
			}
		})
	}
}
