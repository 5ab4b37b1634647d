package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// Python-dialect programs are Starlark with the Python conveniences that
// cube programs rely on: top-level loops, while, sets and recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// InterpretOptions tunes a single interpretation.
type InterpretOptions struct {
	// Filename is used in error positions.
	Filename string
	// MaxSteps aborts the program after this many execution steps. Zero means
	// unbounded; the deadline is enforced by the caller.
	MaxSteps uint64
	// Rand backs the random module. Nil uses a randomly seeded source.
	Rand *rand.Rand
}

// Interpret runs a Python-dialect program with the cube primitives bound to p.
// print output is discarded. Cancelling ctx stops the program.
func Interpret(ctx context.Context, src []byte, p *Primitives, opts InterpretOptions) error {
	if opts.Filename == "" {
		opts.Filename = "program.py"
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	thread := &starlark.Thread{
		Name:  "cube",
		Print: func(*starlark.Thread, string) {},
	}
	if opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(opts.MaxSteps)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-stop:
		}
	}()

	_, err := starlark.ExecFileOptions(fileOptions, thread, opts.Filename, src, predeclared(p, opts.Rand))
	if err != nil {
		return programError(err)
	}
	return nil
}

func programError(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			if pos := evalErr.CallStack[i].Pos; pos.IsValid() {
				return fmt.Errorf("%s: %s", pos, evalErr.Msg)
			}
		}
		return errors.New(evalErr.Msg)
	}
	return err
}

func predeclared(p *Primitives, rng *rand.Rand) starlark.StringDict {
	setVoxel := builtin("setVoxel", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) error {
		pt, err := unpackXYZ(b, args, kwargs)
		if err != nil {
			return err
		}
		return p.SetVoxel(pt)
	})
	clearVoxel := builtin("clearVoxel", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) error {
		pt, err := unpackXYZ(b, args, kwargs)
		if err != nil {
			return err
		}
		return p.ClearVoxel(pt)
	})
	setPixelColor := builtin("setPixelColor", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) error {
		var pos, color starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pos, &color); err != nil {
			return err
		}
		pt, err := toPoint(pos)
		if err != nil {
			return fmt.Errorf("position: %w", err)
		}
		c, err := toColor(color)
		if err != nil {
			return fmt.Errorf("color: %w", err)
		}
		return p.SetPixelColor(pt, c)
	})
	setMultiple := builtin("setMultiplePixelColor", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) error {
		var positions, color starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &positions, &color); err != nil {
			return err
		}
		seq, ok := positions.(starlark.Indexable)
		if !ok {
			return fmt.Errorf("positions: want a list, got %s", positions.Type())
		}
		pts := make([]instruction.Point, 0, seq.Len())
		for i := 0; i < seq.Len(); i++ {
			pt, err := toPoint(seq.Index(i))
			if err != nil {
				return fmt.Errorf("positions[%d]: %w", i, err)
			}
			pts = append(pts, pt)
		}
		c, err := toColor(color)
		if err != nil {
			return fmt.Errorf("color: %w", err)
		}
		return p.SetMultiplePixelColor(pts, c)
	})
	clearCube := builtin("clearCube", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) error {
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
			return err
		}
		return p.ClearCube()
	})
	sleep := builtin("sleep", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) error {
		var v starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
			return err
		}
		ms, err := toMillis(v)
		if err != nil {
			return err
		}
		return p.Sleep(ms)
	})

	return starlark.StringDict{
		"cube_size":             starlark.MakeInt(instruction.CubeSize),
		"math":                  starlarkmath.Module,
		"random":                randomModule(rng),
		"setVoxel":              setVoxel,
		"clearVoxel":            clearVoxel,
		"setPixelColor":         setPixelColor,
		"setMultiplePixelColor": setMultiple,
		"clearCube":             clearCube,
		"sleep":                 sleep,
		// Names used by earlier firmware generations.
		"setvoxel": setVoxel,
		"clrvoxel": clearVoxel,
		"setLed":   setVoxel,
		"clearLed": clearVoxel,
		"delay":    sleep,
	}
}

func builtin(name string, fn func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) error) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := fn(b, args, kwargs); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})
}

func unpackXYZ(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (instruction.Point, error) {
	var x, y, z starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &x, &y, &z); err != nil {
		return instruction.Point{}, err
	}
	return toPoint(starlark.Tuple{x, y, z})
}

func toPoint(v starlark.Value) (instruction.Point, error) {
	t, err := triple(v)
	if err != nil {
		return instruction.Point{}, err
	}
	return instruction.Point{X: t[0], Y: t[1], Z: t[2]}, nil
}

func toColor(v starlark.Value) (instruction.Color, error) {
	t, err := triple(v)
	if err != nil {
		return instruction.Color{}, err
	}
	return instruction.NewColor(t[0], t[1], t[2])
}

func triple(v starlark.Value) ([3]int, error) {
	var out [3]int
	seq, ok := v.(starlark.Indexable)
	if !ok {
		return out, fmt.Errorf("want a list of 3 integers, got %s", v.Type())
	}
	if seq.Len() != 3 {
		return out, fmt.Errorf("want 3 components, got %d", seq.Len())
	}
	for i := range out {
		n, err := toInt(seq.Index(i))
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}

// toInt accepts ints and integral floats.
func toInt(v starlark.Value) (int, error) {
	switch v := v.(type) {
	case starlark.Int:
		return starlark.AsInt32(v)
	case starlark.Float:
		f := float64(v)
		if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return 0, fmt.Errorf("want an integer, got %s", v)
		}
		return int(f), nil
	}
	return 0, fmt.Errorf("want an integer, got %s", v.Type())
}

func toMillis(v starlark.Value) (int, error) {
	if f, ok := v.(starlark.Float); ok {
		if math.IsNaN(float64(f)) || math.Abs(float64(f)) > math.MaxInt32 {
			return 0, fmt.Errorf("sleep: bad duration %s", f)
		}
		return int(math.Round(float64(f))), nil
	}
	return toInt(v)
}
