package cube

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// DeviceOptions tunes the behaviour of a simulated device.
type DeviceOptions struct {
	// ReadyLine, when set, is emitted as soon as a connection opens.
	ReadyLine string
	// StallAfter makes the device stop acknowledging once it has received this
	// many lines on a connection. Zero or negative means never stall.
	StallAfter int
	// AckDelay is applied before each ACK.
	AckDelay time.Duration
	// Chatter lines are emitted before every ACK, like firmware debug output.
	Chatter []string
}

// Device is an in-memory cube that acknowledges every protocol line. Its
// display state persists across connections, like the physical device.
type Device struct {
	opts  DeviceOptions
	state State

	mu    sync.Mutex
	conns []*Conn
}

// NewDevice creates a simulated device.
func NewDevice(opts DeviceOptions) *Device {
	return &Device{opts: opts}
}

// State exposes the display model.
func (d *Device) State() *State { return &d.state }

// Connect opens a new connection to the device.
func (d *Device) Connect() *Conn {
	c := &Conn{dev: d}
	c.cond = sync.NewCond(&c.mu)
	if d.opts.ReadyLine != "" {
		c.out.WriteString(d.opts.ReadyLine + "\n")
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

// Connections returns every connection opened so far, oldest first.
func (d *Device) Connections() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Received returns all lines received across every connection, in order.
func (d *Device) Received() []string {
	var out []string
	for _, c := range d.Connections() {
		out = append(out, c.Lines()...)
	}
	return out
}

// Conn is one connection to a simulated Device. It implements io.ReadWriteCloser.
type Conn struct {
	dev *Device

	mu      sync.Mutex
	cond    *sync.Cond
	in      bytes.Buffer // partial line written by the host
	out     bytes.Buffer // pending device output
	lines   []string
	applied []error
	closed  bool
}

// Write consumes host bytes, applying each complete line to the device state
// and queueing an ACK for it.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	c.in.Write(p)
	for {
		raw, err := c.in.ReadString('\n')
		if err != nil {
			// Incomplete line: put it back and wait for more.
			c.in.Reset()
			c.in.WriteString(raw)
			break
		}
		c.handleLineLocked(string(bytes.TrimRight([]byte(raw), "\r\n")))
	}
	return len(p), nil
}

func (c *Conn) handleLineLocked(line string) {
	c.lines = append(c.lines, line)
	c.applied = append(c.applied, c.dev.state.ApplyLine(line))

	opts := c.dev.opts
	if opts.StallAfter > 0 && len(c.lines) > opts.StallAfter {
		return
	}
	if opts.AckDelay > 0 {
		c.mu.Unlock()
		time.Sleep(opts.AckDelay)
		c.mu.Lock()
		if c.closed {
			return
		}
	}
	for _, l := range opts.Chatter {
		c.out.WriteString(l + "\n")
	}
	c.out.WriteString(instruction.AckLine + "\n")
	c.cond.Broadcast()
}

// Read blocks until device output is available or the connection is closed.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.out.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return 0, io.EOF
	}
	return c.out.Read(p)
}

// Close terminates the connection and wakes any blocked reader.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

// Lines returns the lines this connection received.
func (c *Conn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ApplyErrors returns the errors raised while applying received lines.
func (c *Conn) ApplyErrors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []error
	for _, err := range c.applied {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// Bench holds named simulated devices so that repeated connections to the
// same name reach the same display.
type Bench struct {
	mu      sync.Mutex
	opts    DeviceOptions
	devices map[string]*Device
}

// NewBench creates a bench whose devices are created with opts.
func NewBench(opts DeviceOptions) *Bench {
	return &Bench{opts: opts, devices: make(map[string]*Device)}
}

// Device returns the device registered under name, creating it on first use.
func (b *Bench) Device(name string) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[name]
	if !ok {
		d = NewDevice(b.opts)
		b.devices[name] = d
	}
	return d
}

// Attach registers a preconfigured device under name.
func (b *Bench) Attach(name string, d *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[name] = d
}
