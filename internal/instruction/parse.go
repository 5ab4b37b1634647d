package instruction

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse decodes one protocol line. Surrounding whitespace is ignored; a
// trailing comma on Pixels lines is tolerated because older hosts emitted it.
func Parse(line string) (Instruction, error) {
	s := strings.TrimSpace(line)
	switch {
	case s == "clearCube", s == "clearCube();":
		return Instruction{kind: KindClearCube, line: s}, nil

	case strings.HasPrefix(s, "Pixels,"):
		nums, err := parseInts(strings.TrimSuffix(strings.TrimPrefix(s, "Pixels,"), ","))
		if err != nil || len(nums) < 4 {
			return Instruction{}, invalid(line)
		}
		c, err := NewColor(nums[0], nums[1], nums[2])
		if err != nil {
			return Instruction{}, fmt.Errorf("%w: %v", ErrInvalidLine, err)
		}
		return wrap(SetPixels(nums[3:], c))

	case strings.HasPrefix(s, "Pixel,"):
		nums, err := parseInts(strings.TrimPrefix(s, "Pixel,"))
		if err != nil || len(nums) != 4 {
			return Instruction{}, invalid(line)
		}
		c, err := NewColor(nums[0], nums[1], nums[2])
		if err != nil {
			return Instruction{}, fmt.Errorf("%w: %v", ErrInvalidLine, err)
		}
		return wrap(SetPixel(nums[3], c))

	case strings.HasPrefix(s, "ClPixel,"):
		nums, err := parseInts(strings.TrimPrefix(s, "ClPixel,"))
		if err != nil || len(nums) != 1 {
			return Instruction{}, invalid(line)
		}
		return wrap(ClearPixel(nums[0]))

	case strings.HasPrefix(s, "sleep,"):
		nums, err := parseInts(strings.TrimPrefix(s, "sleep,"))
		if err != nil || len(nums) != 1 {
			return Instruction{}, invalid(line)
		}
		return wrap(Sleep(nums[0], EncodingStreaming))

	case strings.HasPrefix(s, "sleep("):
		nums, ok := callArgs(s, "sleep")
		if !ok || len(nums) != 1 {
			return Instruction{}, invalid(line)
		}
		return wrap(Sleep(nums[0], EncodingFirmware))

	case strings.HasPrefix(s, "setLed("):
		nums, ok := callArgs(s, "setLed")
		if !ok || len(nums) != 3 {
			return Instruction{}, invalid(line)
		}
		return wrap(SetLed(Point{X: nums[0], Y: nums[1], Z: nums[2]}))

	case strings.HasPrefix(s, "clearLed("):
		nums, ok := callArgs(s, "clearLed")
		if !ok || len(nums) != 3 {
			return Instruction{}, invalid(line)
		}
		return wrap(ClearLed(Point{X: nums[0], Y: nums[1], Z: nums[2]}))
	}
	return Instruction{}, invalid(line)
}

func invalid(line string) error {
	return fmt.Errorf("%w: %q", ErrInvalidLine, line)
}

func wrap(in Instruction, err error) (Instruction, error) {
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", ErrInvalidLine, err)
	}
	return in, nil
}

// callArgs extracts integer arguments from "name(a, b, c);".
func callArgs(s, name string) ([]int, bool) {
	body, ok := strings.CutPrefix(s, name+"(")
	if !ok {
		return nil, false
	}
	body, ok = strings.CutSuffix(body, ");")
	if !ok {
		return nil, false
	}
	nums, err := parseInts(body)
	if err != nil {
		return nil, false
	}
	return nums, true
}

func parseInts(csv string) ([]int, error) {
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
