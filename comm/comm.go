/*Package comm provides the byte transports used to reach the shutter electronics.

The watchdog box hangs off either a local serial port (USB-RS232 adapter) or a
serial port exported over TCP by a terminal server such as a digi portserver.
Both are described by a RemoteDevice:

	rd := comm.NewRemoteDevice("/dev/ttyUSB0", true)
	conn, err := rd.Open(ctx, 30*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	err = comm.WriteTimeout(conn, []byte{'A'}, time.Second)

Nothing is ever read back; the electronics do not acknowledge.
*/
package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const (
	// DefaultBaud is the baud rate of the shutter interface
	DefaultBaud = 115200

	// DefaultTimeout bounds a single read or write
	DefaultTimeout = 1 * time.Second
)

var (
	// ErrNoAddr is generated when a RemoteDevice has no address to open
	ErrNoAddr = errors.New("remote device has no address")

	// ErrNotConnected is generated when there is no open connection to write to
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrWriteTimeout is generated when a write does not complete in time.
	// The connection may still have a write in flight and must be closed.
	ErrWriteTimeout = errors.New("write timed out")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.WriteCloser, error)

/*RemoteDevice has an address and knows how to open a connection to it.

if IsSerial is true, Addr is a serial port name (/dev/ttyUSB0, COM3), otherwise
it is a host:port of a terminal server.
*/
type RemoteDevice struct {
	Addr     string
	IsSerial bool

	// Baud is only used for serial connections
	Baud int

	// Timeout bounds connect, and each read and write
	Timeout time.Duration
}

// NewRemoteDevice creates a new RemoteDevice instance with the default
// baud rate and timeout
func NewRemoteDevice(addr string, serial bool) RemoteDevice {
	return RemoteDevice{
		Addr:     addr,
		IsSerial: serial,
		Baud:     DefaultBaud,
		Timeout:  DefaultTimeout}
}

// SerialConf yields a pointer to a serial config object for use with serial.OpenPort
func (rd *RemoteDevice) SerialConf() *serial.Config {
	return &serial.Config{
		Name:        rd.Addr,
		Baud:        rd.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: rd.Timeout}
}

// Dial makes a single attempt to open the connection
func (rd *RemoteDevice) Dial() (io.WriteCloser, error) {
	if strings.TrimSpace(rd.Addr) == "" {
		return nil, ErrNoAddr
	}
	if rd.IsSerial {
		port, err := serial.OpenPort(rd.SerialConf())
		if err != nil {
			return nil, err
		}
		return port, nil
	}
	conn, err := TCPSetup(rd.Addr, rd.Timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Open the connection, retrying with an exponential backoff until it
// succeeds, ctx is done, or maxElapsed has passed.  Some USB-serial adapters
// take a moment to enumerate after being plugged in, so a missing port is
// retried rather than treated as fatal.
func (rd *RemoteDevice) Open(ctx context.Context, maxElapsed time.Duration) (io.WriteCloser, error) {
	conn, err := Retry(ctx, rd.Dial, maxElapsed, ErrNoAddr)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", rd.Addr, err)
	}
	return conn, nil
}

// Retry calls dial with an exponential backoff until it succeeds, ctx is
// done, or maxElapsed has passed.  An error matching one of permanent
// (errors.Is) stops the retries at once.
func Retry(ctx context.Context, dial CreationFunc, maxElapsed time.Duration, permanent ...error) (io.WriteCloser, error) {
	var conn io.WriteCloser
	op := func() error {
		c, err := dial()
		if err != nil {
			for _, p := range permanent {
				if errors.Is(err, p) {
					return backoff.Permanent(err)
				}
			}
			return err
		}
		conn = c
		return nil
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock}
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

// TCPSetup opens a new TCP connection and sets a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// WriteTimeout writes b to w, giving up after timeout.  Connections with
// write deadlines (net.Conn) use them; anything else is written from a
// goroutine and abandoned on timeout, in which case the caller must close w.
func WriteTimeout(w io.Writer, b []byte, timeout time.Duration) error {
	if w == nil {
		return ErrNotConnected
	}
	if wd, ok := w.(writeDeadliner); ok {
		if err := wd.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		_, err := w.Write(b)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
		}
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := w.Write(b)
		done <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	}
}
