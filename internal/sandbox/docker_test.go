package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// testImage is the Docker image used for integration tests. It must carry the
// cubelink binary on PATH.
const testImage = "jkaninda/cubelink:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the image isn't built.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (build with: docker build -t %s .)", testImage, testImage)
	}
}

func newTestDockerSandbox(t *testing.T) *DockerSandbox {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewDockerSandbox(DockerConfig{
		Image:          testImage,
		DefaultTimeout: 30 * time.Second,
		MemoryMB:       64,
		CPUCores:       0.5,
		PIDsLimit:      16,
	}, logger)
}

func TestDockerSandbox_BuildArgs(t *testing.T) {
	sbx := NewDockerSandbox(DockerConfig{}, slog.Default())
	args := sbx.buildDockerArgs("cubelink-sbx-test", 64, ExecutionRequest{
		Stdin: []byte("clearCube()"),
		Env:   map[string]string{EnvEncoding: "streaming"},
	})

	for _, want := range []string{
		"--rm", "--cap-drop=ALL", "--read-only", "--network=none",
		"--memory=64m", "--memory-swap=64m", "--interactive",
		EnvEncoding + "=streaming",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != defaultDockerImage {
		t.Errorf("last arg = %q, want image %q", args[len(args)-1], defaultDockerImage)
	}

	noStdin := sbx.buildDockerArgs("cubelink-sbx-test", 64, ExecutionRequest{})
	if slices.Contains(noStdin, "--interactive") {
		t.Error("--interactive set without stdin")
	}
}

func TestGenerateContainerName(t *testing.T) {
	a, err := generateContainerName()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := generateContainerName()
	if !strings.HasPrefix(a, "cubelink-sbx-") || a == b {
		t.Errorf("names %q, %q", a, b)
	}
}

func TestDockerSandbox_WorkerRoundTrip(t *testing.T) {
	sbx := newTestDockerSandbox(t)
	token, _ := newCaptureToken()

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"cubelink", "sandbox-worker"},
		Stdin:   []byte("setVoxel(1, 2, 3)\nprint('noise')\nclearCube()\n"),
		Env:     map[string]string{EnvCaptureToken: token},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr = %s", result.ExitCode, result.Stderr)
	}
	capt, err := decodeCapture(result.Stdout, token, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Pixel,255,255,255,202", "clearCube"}
	if got := instruction.Lines(capt.instructions); !slices.Equal(got, want) {
		t.Errorf("captured %q, want %q", got, want)
	}
}

func TestDockerSandbox_Timeout(t *testing.T) {
	sbx := newTestDockerSandbox(t)

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sleep", "60"},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected TimedOut")
	}
}

func TestDockerSandbox_ContainerCleanup(t *testing.T) {
	sbx := newTestDockerSandbox(t)

	if _, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sleep", "60"},
		Timeout: time.Second,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := exec.Command("docker", "ps", "-a", "--filter", "name=cubelink-sbx", "--format", "{{.Names}}").Output()
	if err != nil {
		t.Fatalf("docker ps failed: %v", err)
	}
	if names := strings.TrimSpace(string(out)); names != "" {
		t.Errorf("found leftover containers: %s", names)
	}
}
