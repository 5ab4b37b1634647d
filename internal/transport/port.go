// Package transport delivers instruction streams to a cube over a serial link.
//
// Delivery is strictly flow controlled: each line is written only after the
// device has acknowledged the previous one. Every session ends with a clear
// line, and a supervisor guarantees a clear on a fresh connection when a
// session has to be abandoned.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"

	"github.com/jkaninda/cubelink/internal/cube"
)

// DefaultBaudRate is the fixed line speed of the cube firmware.
const DefaultBaudRate = 250000

// SimScheme prefixes port names that address simulated devices.
const SimScheme = "sim://"

// Port is an open byte stream to a device.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens device ports by name.
type Opener interface {
	Open(ctx context.Context, name string, baudRate int) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, name string, baudRate int) (Port, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, name string, baudRate int) (Port, error) {
	return f(ctx, name, baudRate)
}

// IsSim reports whether name addresses a simulated device.
func IsSim(name string) bool { return strings.HasPrefix(name, SimScheme) }

// SerialOpener opens physical serial ports.
type SerialOpener struct{}

// Open implements Opener. Stale input left in the OS buffer by a previous
// session is discarded so it cannot be mistaken for an ACK.
func (SerialOpener) Open(_ context.Context, name string, baudRate int) (Port, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	p, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, err
	}
	_ = p.ResetInputBuffer()
	return p, nil
}

// PortExists reports whether a serial port with the given name is present.
func PortExists(name string) error {
	if IsSim(name) {
		return nil
	}
	ports, err := serial.GetPortsList()
	if err != nil {
		return fmt.Errorf("listing serial ports: %w", err)
	}
	for _, p := range ports {
		if p == name {
			return nil
		}
	}
	return fmt.Errorf("serial port %s not found", name)
}

// SimOpener opens connections to simulated devices on a bench.
type SimOpener struct {
	Bench *cube.Bench
}

// Open implements Opener.
func (o SimOpener) Open(_ context.Context, name string, _ int) (Port, error) {
	if o.Bench == nil {
		return nil, errors.New("no simulator bench configured")
	}
	dev := strings.TrimPrefix(name, SimScheme)
	if dev == "" {
		return nil, fmt.Errorf("simulated port %q has no device name", name)
	}
	return o.Bench.Device(dev).Connect(), nil
}

// Router dispatches sim:// names to Sim and everything else to Serial.
type Router struct {
	Serial Opener
	Sim    Opener
}

// NewRouter returns a Router backed by real serial ports and the given bench.
func NewRouter(bench *cube.Bench) *Router {
	return &Router{Serial: SerialOpener{}, Sim: SimOpener{Bench: bench}}
}

// Open implements Opener.
func (r *Router) Open(ctx context.Context, name string, baudRate int) (Port, error) {
	if IsSim(name) {
		if r.Sim == nil {
			return nil, fmt.Errorf("simulated ports are disabled (port %s)", name)
		}
		return r.Sim.Open(ctx, name, baudRate)
	}
	if r.Serial == nil {
		return nil, fmt.Errorf("serial ports are disabled (port %s)", name)
	}
	return r.Serial.Open(ctx, name, baudRate)
}
