package sandbox

import (
	"errors"
	"fmt"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// ErrNoFirmwareForm is returned for primitives the firmware protocol cannot
// express in a single line.
var ErrNoFirmwareForm = errors.New("primitive has no firmware encoding")

// Sink receives the instructions produced by primitive calls. It is the only
// capability a running program has.
type Sink interface {
	Emit(in instruction.Instruction) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(in instruction.Instruction) error

// Emit implements Sink.
func (f SinkFunc) Emit(in instruction.Instruction) error { return f(in) }

// Primitives implements the cube drawing calls on top of a Sink. Every call
// emits exactly one instruction or fails without emitting anything.
type Primitives struct {
	enc  instruction.Encoding
	sink Sink
}

// NewPrimitives binds the primitives to sink using the given line encoding.
func NewPrimitives(enc instruction.Encoding, sink Sink) *Primitives {
	if enc == "" {
		enc = instruction.EncodingStreaming
	}
	return &Primitives{enc: enc, sink: sink}
}

// Encoding returns the line encoding in use.
func (p *Primitives) Encoding() instruction.Encoding { return p.enc }

func (p *Primitives) emit(in instruction.Instruction, err error) error {
	if err != nil {
		return err
	}
	return p.sink.Emit(in)
}

// SetVoxel lights one voxel in white.
func (p *Primitives) SetVoxel(pt instruction.Point) error {
	return p.SetPixelColor(pt, instruction.White)
}

// ClearVoxel turns one voxel off.
func (p *Primitives) ClearVoxel(pt instruction.Point) error {
	if p.enc == instruction.EncodingFirmware {
		return p.emit(instruction.ClearLed(pt))
	}
	idx, err := pt.Index()
	if err != nil {
		return err
	}
	return p.emit(instruction.ClearPixel(idx))
}

// SetPixelColor sets one voxel to c. The firmware protocol has no colors, so
// there black clears the voxel and anything else lights it.
func (p *Primitives) SetPixelColor(pt instruction.Point, c instruction.Color) error {
	if p.enc == instruction.EncodingFirmware {
		if c.IsBlack() {
			return p.emit(instruction.ClearLed(pt))
		}
		return p.emit(instruction.SetLed(pt))
	}
	idx, err := pt.Index()
	if err != nil {
		return err
	}
	return p.emit(instruction.SetPixel(idx, c))
}

// SetMultiplePixelColor sets every point in pts to c with a single line.
func (p *Primitives) SetMultiplePixelColor(pts []instruction.Point, c instruction.Color) error {
	if p.enc == instruction.EncodingFirmware {
		return fmt.Errorf("setMultiplePixelColor: %w", ErrNoFirmwareForm)
	}
	idx := make([]int, 0, len(pts))
	for _, pt := range pts {
		i, err := pt.Index()
		if err != nil {
			return err
		}
		idx = append(idx, i)
	}
	return p.emit(instruction.SetPixels(idx, c))
}

// ClearCube turns every voxel off.
func (p *Primitives) ClearCube() error {
	return p.sink.Emit(instruction.ClearCube(p.enc))
}

// Sleep asks the device to pause for ms milliseconds.
func (p *Primitives) Sleep(ms int) error {
	return p.emit(instruction.Sleep(ms, p.enc))
}
