// Package instruction defines the device line protocol shared by the sandbox
// (which produces instructions) and the transport (which delivers them).
//
// An Instruction is one newline-free line of the protocol. Values are
// immutable: fields are unexported and only constructors or Parse create them.
package instruction

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AckLine is the line the device emits after processing each instruction.
const AckLine = "ACK"

// Kind identifies one of the closed set of protocol forms.
type Kind int

const (
	KindSetPixel   Kind = iota + 1 // Pixel,r,g,b,index
	KindSetPixels                  // Pixels,r,g,b,i1,i2,...
	KindClearPixel                 // ClPixel,index
	KindClearCube                  // clearCube | clearCube();
	KindSleep                      // sleep,ms | sleep(ms);
	KindSetLed                     // setLed(x, y, z);
	KindClearLed                   // clearLed(x, y, z);
)

var kindNames = map[Kind]string{
	KindSetPixel:   "set-pixel",
	KindSetPixels:  "set-pixels",
	KindClearPixel: "clear-pixel",
	KindClearCube:  "clear-cube",
	KindSleep:      "sleep",
	KindSetLed:     "set-led",
	KindClearLed:   "clear-led",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Encoding selects which family of line forms primitives are rendered into.
type Encoding string

const (
	// EncodingStreaming is the indexed-pixel form understood by the streaming firmware.
	EncodingStreaming Encoding = "streaming"
	// EncodingFirmware is the C-call form used by the upload-style firmware.
	EncodingFirmware Encoding = "firmware"
)

// ParseEncoding validates an encoding name. Empty selects streaming.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingStreaming:
		return EncodingStreaming, nil
	case EncodingFirmware:
		return EncodingFirmware, nil
	default:
		return "", fmt.Errorf("unknown encoding %q (use streaming or firmware)", s)
	}
}

// ErrInvalidLine is wrapped by Parse for any line outside the protocol.
var ErrInvalidLine = errors.New("invalid instruction line")

// Instruction is a single immutable device command.
type Instruction struct {
	kind Kind
	line string
}

// Kind reports the protocol form of the instruction.
func (i Instruction) Kind() Kind { return i.kind }

// Line returns the encoded line without the trailing newline.
func (i Instruction) Line() string { return i.line }

// String implements fmt.Stringer.
func (i Instruction) String() string { return i.line }

// IsZero reports whether i was never constructed.
func (i Instruction) IsZero() bool { return i.kind == 0 }

// SetPixel builds "Pixel,r,g,b,index".
func SetPixel(index int, c Color) (Instruction, error) {
	if err := checkIndex(index); err != nil {
		return Instruction{}, err
	}
	return Instruction{
		kind: KindSetPixel,
		line: fmt.Sprintf("Pixel,%d,%d,%d,%d", c.R, c.G, c.B, index),
	}, nil
}

// SetPixels builds "Pixels,r,g,b,i1,i2,...". At least one index is required.
func SetPixels(indexes []int, c Color) (Instruction, error) {
	if len(indexes) == 0 {
		return Instruction{}, errors.New("at least one position is required")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Pixels,%d,%d,%d", c.R, c.G, c.B)
	for _, idx := range indexes {
		if err := checkIndex(idx); err != nil {
			return Instruction{}, err
		}
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(idx))
	}
	return Instruction{kind: KindSetPixels, line: b.String()}, nil
}

// ClearPixel builds "ClPixel,index".
func ClearPixel(index int) (Instruction, error) {
	if err := checkIndex(index); err != nil {
		return Instruction{}, err
	}
	return Instruction{kind: KindClearPixel, line: "ClPixel," + strconv.Itoa(index)}, nil
}

// ClearCube builds the display reset line for the given encoding.
func ClearCube(enc Encoding) Instruction {
	if enc == EncodingFirmware {
		return Instruction{kind: KindClearCube, line: "clearCube();"}
	}
	return Instruction{kind: KindClearCube, line: "clearCube"}
}

// Sleep builds a device-side delay. Negative durations are rejected.
func Sleep(ms int, enc Encoding) (Instruction, error) {
	if ms < 0 {
		return Instruction{}, fmt.Errorf("sleep duration must not be negative, got %d", ms)
	}
	if enc == EncodingFirmware {
		return Instruction{kind: KindSleep, line: fmt.Sprintf("sleep(%d);", ms)}, nil
	}
	return Instruction{kind: KindSleep, line: "sleep," + strconv.Itoa(ms)}, nil
}

// SetLed builds "setLed(x, y, z);".
func SetLed(p Point) (Instruction, error) {
	if err := p.Validate(); err != nil {
		return Instruction{}, err
	}
	return Instruction{kind: KindSetLed, line: fmt.Sprintf("setLed(%d, %d, %d);", p.X, p.Y, p.Z)}, nil
}

// ClearLed builds "clearLed(x, y, z);".
func ClearLed(p Point) (Instruction, error) {
	if err := p.Validate(); err != nil {
		return Instruction{}, err
	}
	return Instruction{kind: KindClearLed, line: fmt.Sprintf("clearLed(%d, %d, %d);", p.X, p.Y, p.Z)}, nil
}

// Lines returns the encoded lines of seq in order.
func Lines(seq []Instruction) []string {
	out := make([]string, len(seq))
	for i, in := range seq {
		out[i] = in.line
	}
	return out
}

func checkIndex(index int) error {
	if index < 0 || index >= Voxels {
		return fmt.Errorf("pixel index %d out of range [0,%d)", index, Voxels)
	}
	return nil
}
