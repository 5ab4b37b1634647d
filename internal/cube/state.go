// Package cube models the display state of an 8x8x8 voxel cube and provides
// an in-memory device that speaks the line protocol, for dry runs and tests.
package cube

import (
	"fmt"
	"sync"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// State is the lit/unlit colour of every voxel. The zero value is a cleared cube.
type State struct {
	mu     sync.RWMutex
	voxels [instruction.Voxels]instruction.Color
	slept  int // Total device-side sleep in milliseconds.
}

// Apply updates the state according to one instruction.
func (s *State) Apply(in instruction.Instruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(in)
}

// ApplyLine parses and applies one protocol line.
func (s *State) ApplyLine(line string) error {
	in, err := instruction.Parse(line)
	if err != nil {
		return err
	}
	return s.Apply(in)
}

func (s *State) applyLocked(in instruction.Instruction) error {
	nums := ints(in.Line())
	switch in.Kind() {
	case instruction.KindClearCube:
		s.voxels = [instruction.Voxels]instruction.Color{}
	case instruction.KindSleep:
		if len(nums) != 1 {
			return malformed(in)
		}
		s.slept += nums[0]
	case instruction.KindSetPixel, instruction.KindSetPixels:
		if len(nums) < 4 {
			return malformed(in)
		}
		c := instruction.Color{R: nums[0], G: nums[1], B: nums[2]}
		for _, idx := range nums[3:] {
			if idx >= instruction.Voxels {
				return malformed(in)
			}
			s.voxels[idx] = c
		}
	case instruction.KindClearPixel:
		if len(nums) != 1 || nums[0] >= instruction.Voxels {
			return malformed(in)
		}
		s.voxels[nums[0]] = instruction.Color{}
	case instruction.KindSetLed, instruction.KindClearLed:
		if len(nums) != 3 {
			return malformed(in)
		}
		idx, err := instruction.Point{X: nums[0], Y: nums[1], Z: nums[2]}.Index()
		if err != nil {
			return err
		}
		if in.Kind() == instruction.KindSetLed {
			s.voxels[idx] = instruction.White
		} else {
			s.voxels[idx] = instruction.Color{}
		}
	default:
		return fmt.Errorf("unsupported instruction kind %v", in.Kind())
	}
	return nil
}

// Voxel returns the colour at p; out-of-range points read as off.
func (s *State) Voxel(p instruction.Point) instruction.Color {
	idx, err := p.Index()
	if err != nil {
		return instruction.Color{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voxels[idx]
}

// Lit returns the number of voxels that are not black.
func (s *State) Lit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.voxels {
		if !c.IsBlack() {
			n++
		}
	}
	return n
}

// Cleared reports whether every voxel is off.
func (s *State) Cleared() bool { return s.Lit() == 0 }

// Snapshot returns a copy of the voxel buffer.
func (s *State) Snapshot() [instruction.Voxels]instruction.Color {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voxels
}

// SleptMillis returns the accumulated device-side sleep.
func (s *State) SleptMillis() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slept
}

func malformed(in instruction.Instruction) error {
	return fmt.Errorf("malformed %s instruction %q", in.Kind(), in.Line())
}

// ints extracts every unsigned decimal number from an already validated line.
func ints(line string) []int {
	var out []int
	n, inNum := 0, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
			inNum = true
			continue
		}
		if inNum {
			out = append(out, n)
			n, inNum = 0, false
		}
	}
	if inNum {
		out = append(out, n)
	}
	return out
}
