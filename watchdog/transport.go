package watchdog

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/kho-unis/ascguard/comm"
)

// Transport kinds understood by Dialer
const (
	KindSerial = "serial"
	KindTCP    = "tcp"
	KindGPIO   = "gpio"
)

var (
	// ErrUnknownKind is generated for a transport kind Dialer does not know
	ErrUnknownKind = errors.New("unknown transport kind")

	// ErrNoPin is generated when a GPIO pin name is not present on the host
	ErrNoPin = errors.New("gpio pin not found")
)

// Dialer returns a CreationFunc for the given kind of transport.
//
// serial: addr is the port name, e.g. /dev/ttyUSB0
// tcp: addr is host:port of a serial terminal server
// gpio: addr is a pin name known to periph.io, e.g. GPIO17
func Dialer(kind, addr string, baud int, timeout time.Duration) (comm.CreationFunc, error) {
	switch strings.ToLower(kind) {
	case KindSerial, KindTCP:
		rd := comm.NewRemoteDevice(addr, strings.ToLower(kind) == KindSerial)
		if baud > 0 {
			rd.Baud = baud
		}
		if timeout > 0 {
			rd.Timeout = timeout
		}
		return rd.Dial, nil
	case KindGPIO:
		return func() (io.WriteCloser, error) { return DialGPIO(addr) }, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

// outPin is the part of gpio.PinOut a toggler needs
type outPin interface {
	Out(l gpio.Level) error
}

// gpioToggler is a transport that flips a digital output on every write.
// The shutter electronics watch for edges on the line.
type gpioToggler struct {
	mu    sync.Mutex
	pin   outPin
	level gpio.Level
}

var hostInit sync.Once
var hostErr error

// DialGPIO drives the named pin low and returns a transport that toggles it
// on each Write.  Close leaves the pin low.
func DialGPIO(name string) (io.WriteCloser, error) {
	hostInit.Do(func() {
		_, hostErr = host.Init()
	})
	if hostErr != nil {
		return nil, fmt.Errorf("periph host init: %w", hostErr)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoPin, name)
	}
	return newGPIOToggler(p)
}

func newGPIOToggler(p outPin) (*gpioToggler, error) {
	if err := p.Out(gpio.Low); err != nil {
		return nil, err
	}
	return &gpioToggler{pin: p, level: gpio.Low}, nil
}

// Write toggles the pin once regardless of the contents of b
func (g *gpioToggler) Write(b []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := !g.level
	if err := g.pin.Out(next); err != nil {
		return 0, err
	}
	g.level = next
	return len(b), nil
}

// Close drives the pin low
func (g *gpioToggler) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.level = gpio.Low
	return g.pin.Out(gpio.Low)
}
