package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// cppHarness wraps a C++ program body into a translation unit that defines
// the cube primitives. Each primitive prints one capture frame and flushes so
// that frames survive a kill.
const cppHarness = `#include <cmath>
#include <cstdio>
#include <cstdlib>
#include <string>
#include <vector>

namespace cubelink {
const char *const token = "{{TOKEN}}";
const bool firmware = {{FIRMWARE}};
const long max_instructions = {{MAX}};
long emitted = 0;

[[noreturn]] void fault(const std::string &msg) {
  std::printf("%sE %s\n", token, msg.c_str());
  std::fflush(stdout);
  std::exit(1);
}

void emit(const std::string &line) {
  if (max_instructions > 0 && emitted >= max_instructions) {
    std::printf("%sT\n", token);
    std::fflush(stdout);
    std::exit(0);
  }
  emitted++;
  std::printf("%sI %s\n", token, line.c_str());
  std::fflush(stdout);
}

int index(int x, int y, int z) {
  if (x < 0 || x >= 8 || y < 0 || y >= 8 || z < 0 || z >= 8) {
    fault("coordinate (" + std::to_string(x) + ", " + std::to_string(y) + ", " +
          std::to_string(z) + ") outside the cube");
  }
  return z * 64 + x * 8 + y;
}

std::string color(const std::vector<int> &c) {
  if (c.size() != 3) fault("color must have 3 components");
  for (int v : c) {
    if (v < 0 || v > 255) fault("color component " + std::to_string(v) + " outside 0..255");
  }
  return std::to_string(c[0]) + "," + std::to_string(c[1]) + "," + std::to_string(c[2]);
}

std::string led(const char *name, int x, int y, int z) {
  index(x, y, z);
  return std::string(name) + "(" + std::to_string(x) + ", " + std::to_string(y) + ", " +
         std::to_string(z) + ");";
}

void set_pixel(int x, int y, int z, const std::vector<int> &c) {
  std::string rgb = color(c);
  if (firmware) {
    emit(led((c[0] | c[1] | c[2]) ? "setLed" : "clearLed", x, y, z));
    return;
  }
  emit("Pixel," + rgb + "," + std::to_string(index(x, y, z)));
}
}  // namespace cubelink

const int cube_size = 8;

void setVoxel(int x, int y, int z) { cubelink::set_pixel(x, y, z, {255, 255, 255}); }

void clearVoxel(int x, int y, int z) {
  if (cubelink::firmware) {
    cubelink::emit(cubelink::led("clearLed", x, y, z));
    return;
  }
  cubelink::emit("ClPixel," + std::to_string(cubelink::index(x, y, z)));
}

void setPixelColor(std::vector<int> pos, std::vector<int> c) {
  if (pos.size() != 3) cubelink::fault("position must have 3 components");
  cubelink::set_pixel(pos[0], pos[1], pos[2], c);
}

void setMultiplePixelColor(std::vector<std::vector<int>> positions, std::vector<int> c) {
  if (cubelink::firmware) cubelink::fault("setMultiplePixelColor has no firmware encoding");
  if (positions.empty()) cubelink::fault("at least one position is required");
  std::string line = "Pixels," + cubelink::color(c);
  for (const auto &pos : positions) {
    if (pos.size() != 3) cubelink::fault("position must have 3 components");
    line += "," + std::to_string(cubelink::index(pos[0], pos[1], pos[2]));
  }
  cubelink::emit(line);
}

void clearCube() { cubelink::emit(cubelink::firmware ? "clearCube();" : "clearCube"); }

void cubelink_sleep(int ms) {
  if (ms < 0) cubelink::fault("sleep duration must not be negative");
  cubelink::emit(cubelink::firmware ? "sleep(" + std::to_string(ms) + ");"
                                    : "sleep," + std::to_string(ms));
}

void setLed(int x, int y, int z) { setVoxel(x, y, z); }
void clearLed(int x, int y, int z) { clearVoxel(x, y, z); }
void setvoxel(int x, int y, int z) { setVoxel(x, y, z); }
void clrvoxel(int x, int y, int z) { clearVoxel(x, y, z); }

#define sleep cubelink_sleep
#define delay cubelink_sleep

static void cube_program() {
#line 1 "program.cpp"
{{PROGRAM}}
}

int main() {
  cube_program();
  return 0;
}
`

// renderCPP produces the full translation unit for a program body.
func renderCPP(code, token string, enc instruction.Encoding, maxInstructions int) string {
	firmware := "false"
	if enc == instruction.EncodingFirmware {
		firmware = "true"
	}
	return strings.NewReplacer(
		"{{TOKEN}}", token,
		"{{FIRMWARE}}", firmware,
		"{{MAX}}", strconv.Itoa(maxInstructions),
		"{{PROGRAM}}", code,
	).Replace(cppHarness)
}

// nativeBuild is a compiled C++ program in its own directory.
type nativeBuild struct {
	dir    string
	binary string
}

func (b *nativeBuild) remove(logger *slog.Logger) {
	if err := os.RemoveAll(b.dir); err != nil {
		logger.Warn("failed to remove build dir", slog.String("dir", b.dir), slog.String("error", err.Error()))
	}
}

// compileCPP renders and compiles a C++ program. Compiler diagnostics are
// returned as a SourceError. The compile step has its own timeout and does
// not count against the run deadline.
func (s *Supervisor) compileCPP(ctx context.Context, code, token string) (*nativeBuild, error) {
	dir, err := os.MkdirTemp(s.cfg.BuildDir, "cubelink-build-*")
	if err != nil {
		return nil, fmt.Errorf("creating build dir: %w", err)
	}
	build := &nativeBuild{dir: dir, binary: filepath.Join(dir, "program")}

	src := filepath.Join(dir, "program.cpp")
	if err := os.WriteFile(src, []byte(renderCPP(code, token, s.cfg.Encoding, s.cfg.MaxInstructions)), 0o600); err != nil {
		build.remove(s.logger)
		return nil, fmt.Errorf("writing program source: %w", err)
	}

	command := append([]string{s.cfg.Compiler}, s.cfg.CompilerFlags...)
	command = append(command, "-o", build.binary, src)

	start := time.Now()
	res, err := s.process.Execute(ctx, ExecutionRequest{
		Command:    command,
		WorkingDir: dir,
		Timeout:    s.cfg.CompileTimeout,
		Limits:     ResourceLimits{MaxCPUSeconds: int(s.cfg.CompileTimeout/time.Second) + 1},
	})
	if err != nil {
		build.remove(s.logger)
		return nil, fmt.Errorf("running compiler: %w", err)
	}
	s.logger.Debug("compiled program",
		slog.Duration("duration", time.Since(start)),
		slog.Int("exit_code", res.ExitCode),
	)
	if res.TimedOut {
		build.remove(s.logger)
		return nil, &SourceError{Dialect: DialectCPP, Message: fmt.Sprintf("compilation exceeded %s", s.cfg.CompileTimeout)}
	}
	if res.ExitCode != 0 {
		build.remove(s.logger)
		return nil, &SourceError{Dialect: DialectCPP, Message: "compilation failed: " + tail(res.Stderr+res.Stdout, 2048)}
	}
	return build, nil
}

// tail returns at most n trailing bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
