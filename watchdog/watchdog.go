/*Package watchdog owns the connection to the shutter's hardware watchdog.

The shutter electronics keep the shutter open and the intensifier powered
only while something is written to them more often than about once a
second.  A Channel writes one token per Pet; it never reads anything back.
If pets stop, for whatever reason, the hardware closes the shutter on its own.
*/
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sony/gobreaker/v2"

	"github.com/kho-unis/ascguard/comm"
)

const (
	// DefaultToken is written on every pet.  The hardware does not care which byte it gets.
	DefaultToken = byte('A')

	// DefaultMaxFailures is the number of consecutive failed writes after
	// which the transport is considered dead and released
	DefaultMaxFailures = 3

	// DefaultReconnectMaxInterval caps the time between reconnect attempts
	DefaultReconnectMaxInterval = 5 * time.Second
)

var (
	// ErrNotConnected is generated by Pet when there is no transport
	ErrNotConnected = comm.ErrNotConnected

	// ErrClosed is generated after Close
	ErrClosed = errors.New("watchdog channel closed")
)

// TransportError is any failure to open or write to the transport
type TransportError struct {
	// Op is "open" or "write"
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("watchdog %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config holds the tunables of a Channel
type Config struct {
	// Token is the byte written on each pet
	Token byte

	// WriteTimeout bounds a single pet
	WriteTimeout time.Duration

	// MaxFailures consecutive write errors release the transport
	MaxFailures uint32

	// ReconnectMaxInterval caps the reconnect backoff
	ReconnectMaxInterval time.Duration
}

func (c *Config) fill() {
	if c.Token == 0 {
		c.Token = DefaultToken
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = comm.DefaultTimeout
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = DefaultReconnectMaxInterval
	}
}

// Channel is the single owner of the watchdog transport.  It is safe for
// concurrent use; pets are serialized.
type Channel struct {
	mu     sync.Mutex
	dial   comm.CreationFunc
	conn   io.WriteCloser
	cfg    Config
	closed bool

	breaker *gobreaker.CircuitBreaker[struct{}]

	sched       *backoff.ExponentialBackOff
	nextAttempt time.Time

	logger *log.Logger
}

// New creates a Channel that opens its transport with dial.  No connection
// is made until Connect or Reconnect is called.  A nil logger logs to the
// standard logger.
func New(dial comm.CreationFunc, cfg Config, logger *log.Logger) *Channel {
	cfg.fill()
	if logger == nil {
		logger = log.Default()
	}
	sched := backoff.NewExponentialBackOff()
	sched.InitialInterval = 100 * time.Millisecond
	sched.RandomizationFactor = 0.1
	sched.Multiplier = 2
	sched.MaxInterval = cfg.ReconnectMaxInterval
	// a disconnect must never disable the safety system for good
	sched.MaxElapsedTime = 0
	sched.Reset()

	c := &Channel{
		dial:   dial,
		cfg:    cfg,
		sched:  sched,
		logger: logger,
	}
	c.breaker = c.newBreaker()
	return c
}

func (c *Channel) newBreaker() *gobreaker.CircuitBreaker[struct{}] {
	limit := c.cfg.MaxFailures
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "watchdog",
		MaxRequests: 1,
		Timeout:     c.cfg.ReconnectMaxInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
	})
}

// Connect makes one attempt to open the transport.  It is a no-op if the
// transport is already open.
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Channel) connectLocked() error {
	if c.closed {
		return &TransportError{Op: "open", Err: ErrClosed}
	}
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial()
	if err != nil {
		return &TransportError{Op: "open", Err: err}
	}
	c.installLocked(conn)
	return nil
}

// installLocked adopts conn with a fresh breaker and reconnect schedule
func (c *Channel) installLocked(conn io.WriteCloser) {
	c.conn = conn
	c.breaker = c.newBreaker()
	c.sched.Reset()
	c.nextAttempt = time.Time{}
}

// Open retries Connect with a backoff until the transport opens, ctx is
// done, or maxElapsed has passed.  Misconfiguration (no address, no such
// pin) fails at once.  It is meant for startup; the control loop uses
// Reconnect, which never blocks.
func (c *Channel) Open(ctx context.Context, maxElapsed time.Duration) error {
	if c.Connected() {
		return nil
	}
	conn, err := comm.Retry(ctx, c.dial, maxElapsed, comm.ErrNoAddr, ErrNoPin, ErrUnknownKind)
	if err != nil {
		return &TransportError{Op: "open", Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn != nil {
		conn.Close()
		if c.closed {
			return &TransportError{Op: "open", Err: ErrClosed}
		}
		return nil
	}
	c.installLocked(conn)
	return nil
}

// Reconnect tries to open the transport if it is down and the backoff
// schedule allows an attempt at now.  attempted reports whether the
// transport was dialed.
func (c *Channel) Reconnect(now time.Time) (attempted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return false, nil
	}
	if c.closed {
		return false, &TransportError{Op: "open", Err: ErrClosed}
	}
	if now.Before(c.nextAttempt) {
		return false, nil
	}
	err = c.connectLocked()
	if err != nil {
		c.nextAttempt = now.Add(c.sched.NextBackOff())
	}
	return true, err
}

// NextAttempt is the earliest time Reconnect will dial again.  It is the
// zero time when an attempt is allowed immediately.
func (c *Channel) NextAttempt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextAttempt
}

// Connected reports whether the transport is open
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Pet writes one token to the watchdog.  A timed out write, or
// MaxFailures failed writes in a row, release the transport; subsequent
// pets return ErrNotConnected until a reconnect succeeds.
func (c *Channel) Pet() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return &TransportError{Op: "write", Err: ErrNotConnected}
	}
	conn := c.conn
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, comm.WriteTimeout(conn, []byte{c.cfg.Token}, c.cfg.WriteTimeout)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, comm.ErrWriteTimeout) {
		c.dropLocked("write timed out")
	} else if c.breaker.State() == gobreaker.StateOpen {
		c.dropLocked(fmt.Sprintf("%d consecutive write failures", c.cfg.MaxFailures))
	}
	return &TransportError{Op: "write", Err: err}
}

// dropLocked closes and forgets the transport so it will be reopened
func (c *Channel) dropLocked(why string) {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Printf("error closing watchdog transport: %v", err)
	}
	c.conn = nil
	c.logger.Printf("watchdog transport released: %s", why)
}

// Close releases the transport.  The Channel can not be reopened.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
