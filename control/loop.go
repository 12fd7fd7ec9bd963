/*Package control runs the fail-safe shutter control loop.

Every tick the loop asks the ephemeris where the Sun and Moon are, decides
whether the sky is dark enough, and if so pets the hardware watchdog.  When
the decision is FORCE_CLOSED, when the ephemeris fails, or when the loop is
not running at all, no pets are sent and the hardware closes the shutter by
itself within about a second.  There is no shutdown action; stopping the loop
is the safe state.
*/
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kho-unis/ascguard/ephem"
	"github.com/kho-unis/ascguard/visibility"
)

const (
	// DefaultTick is the evaluation period.  It must stay well under the
	// hardware watchdog timeout so one lost write does not flap the shutter.
	DefaultTick = 200 * time.Millisecond
)

// ErrNoOracle is generated when a gated loop has no ephemeris
var ErrNoOracle = errors.New("gated loop requires an oracle")

// Petter is the watchdog channel as the loop sees it
type Petter interface {
	Pet() error
	Connected() bool
	Reconnect(now time.Time) (attempted bool, err error)
}

// Reporter observes every tick.  It must not block.
type Reporter interface {
	Observe(Tick)
}

// Tick is the record of one evaluation
type Tick struct {
	Time time.Time

	// Gated is false in bench mode, where Altitudes are not computed
	Gated     bool
	Altitudes ephem.Altitudes

	// EphemErr is set when the positions could not be computed;
	// the tick is then indeterminate and Intent is ForceClosed
	EphemErr error

	Intent visibility.Intent

	// Pets and PetFailures count pets made since the previous tick,
	// PetErr is the last failure among them
	Pets        int
	PetFailures int
	PetErr      error

	// Connected is the transport state at the end of the tick
	Connected bool

	EvalDuration time.Duration
}

// Indeterminate is true if the sky state could not be established
func (tk Tick) Indeterminate() bool {
	return tk.EphemErr != nil
}

// Config holds the parameters of a Loop
type Config struct {
	Location   ephem.Location
	Thresholds visibility.Thresholds

	// Gated enables the Sun/Moon gate.  Without it the loop pets
	// unconditionally, for bench testing the electronics.
	Gated bool

	// Tick is the evaluation period
	Tick time.Duration

	// SplitPetting moves pets onto their own goroutine, driven every
	// PetInterval from the last evaluated intent.  The intent expires
	// Staleness after it was evaluated.
	SplitPetting bool
	PetInterval  time.Duration
	Staleness    time.Duration
}

// Loop ties the ephemeris, the decision and the watchdog together.
// Logger, Metrics and Now may be replaced before Run.
type Loop struct {
	cfg      Config
	oracle   ephem.Oracle
	channel  Petter
	reporter Reporter

	Logger  *log.Logger
	Metrics *Metrics
	Now     func() time.Time

	ephemLog *rate.Limiter
	petLog   *rate.Limiter

	lastIntent visibility.Intent
	evaluated  bool

	// split petting state.  gate is held by the pet goroutine from its
	// last look at allowUntil until the pulse is written, and by publish
	// while it withdraws permission.
	gate       sync.RWMutex
	allowUntil atomic.Int64
	pets       atomic.Int64
	petFails   atomic.Int64
	petErrMu   sync.Mutex
	petErr     error
}

// New creates a Loop.  oracle may be nil if cfg.Gated is false; reporter may be nil.
func New(cfg Config, oracle ephem.Oracle, channel Petter, reporter Reporter) (*Loop, error) {
	if cfg.Gated && oracle == nil {
		return nil, ErrNoOracle
	}
	if channel == nil {
		return nil, errors.New("loop requires a watchdog channel")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.PetInterval <= 0 {
		cfg.PetInterval = cfg.Tick
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 2 * cfg.Tick
	}
	return &Loop{
		cfg:      cfg,
		oracle:   oracle,
		channel:  channel,
		reporter: reporter,
		Logger:   log.Default(),
		Now:      time.Now,
		ephemLog: rate.NewLimiter(rate.Every(10*time.Second), 3),
		petLog:   rate.NewLimiter(rate.Every(10*time.Second), 3),
	}, nil
}

// Config returns the configuration the loop runs with, defaults filled in
func (l *Loop) Config() Config {
	return l.cfg
}

// Run ticks until ctx is done, then returns nil.  Transport and ephemeris
// failures never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	mode := "sun/moon gated"
	if !l.cfg.Gated {
		mode = "ungated (bench)"
	}
	l.Logger.Printf("control loop starting, %s, tick %v", mode, l.cfg.Tick)

	var wg sync.WaitGroup
	if l.cfg.SplitPetting {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.petLoop(ctx)
		}()
	}

	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()
	l.Step(l.Now())
	for {
		select {
		case <-ctx.Done():
			l.revoke()
			wg.Wait()
			l.Logger.Println("control loop stopped")
			return nil
		case <-ticker.C:
			l.Step(l.Now())
		}
	}
}

// Step runs one tick at now: evaluate, act, report
func (l *Loop) Step(now time.Time) Tick {
	l.reconnect(now)
	tk := l.evaluate(now)

	if l.cfg.SplitPetting {
		l.publish(tk)
		tk.Pets = int(l.pets.Swap(0))
		tk.PetFailures = int(l.petFails.Swap(0))
		l.petErrMu.Lock()
		tk.PetErr, l.petErr = l.petErr, nil
		l.petErrMu.Unlock()
		tk.Pets += tk.PetFailures
	} else if tk.Intent == visibility.AllowOpen {
		tk.Pets = 1
		if err := l.pet(); err != nil {
			tk.PetFailures = 1
			tk.PetErr = err
		}
	}
	tk.Connected = l.channel.Connected()

	l.Metrics.observeTick(tk)
	if l.reporter != nil {
		l.reporter.Observe(tk)
	}
	return tk
}

// evaluate fills in the altitudes and the intent for now
func (l *Loop) evaluate(now time.Time) Tick {
	tk := Tick{Time: now, Gated: l.cfg.Gated}
	start := time.Now()
	if !l.cfg.Gated {
		tk.Intent = visibility.AllowOpen
	} else {
		alt, err := l.oracle.Altitudes(now, l.cfg.Location)
		if err != nil {
			tk.EphemErr = err
			tk.Intent = visibility.ForceClosed
			if l.ephemLog.Allow() {
				l.Logger.Printf("indeterminate tick, forcing closed: %v", err)
			}
		} else {
			tk.Altitudes = alt
			tk.Intent = visibility.Decide(alt.Sun, alt.Moon, l.cfg.Thresholds)
		}
	}
	tk.EvalDuration = time.Since(start)

	if !l.evaluated || tk.Intent != l.lastIntent {
		l.Logger.Printf("intent %v (sun %.2f deg, moon %.2f deg)", tk.Intent, tk.Altitudes.Sun, tk.Altitudes.Moon)
	}
	l.lastIntent = tk.Intent
	l.evaluated = true
	return tk
}

// publish hands the intent to the petting goroutine
func (l *Loop) publish(tk Tick) {
	if tk.Intent == visibility.AllowOpen {
		l.allowUntil.Store(tk.Time.Add(l.cfg.Staleness).UnixNano())
		return
	}
	l.revoke()
}

// revoke withdraws permission to pet.  When it returns no pulse is in
// flight and none will be sent until the next AllowOpen is published.
func (l *Loop) revoke() {
	l.gate.Lock()
	l.allowUntil.Store(0)
	l.gate.Unlock()
}

// Allowed reports whether the published intent permits a pet at now.
// Only meaningful with SplitPetting.
func (l *Loop) Allowed(now time.Time) bool {
	return now.UnixNano() < l.allowUntil.Load()
}

func (l *Loop) petLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.petTick(l.Now())
		}
	}
}

// petTick is one iteration of the split petting goroutine
func (l *Loop) petTick(now time.Time) {
	if !l.Allowed(now) {
		return
	}
	l.reconnect(now)

	l.gate.RLock()
	if !l.Allowed(now) {
		l.gate.RUnlock()
		return
	}
	err := l.pet()
	l.gate.RUnlock()
	if err != nil {
		l.petFails.Add(1)
		l.petErrMu.Lock()
		l.petErr = err
		l.petErrMu.Unlock()
		return
	}
	l.pets.Add(1)
}

func (l *Loop) pet() error {
	err := l.channel.Pet()
	l.Metrics.observePet(err)
	if err != nil && l.petLog.Allow() {
		l.Logger.Printf("pet failed: %v", err)
	}
	return err
}

// reconnect tries to bring the transport back if it is down.  It never
// blocks longer than one open attempt.
func (l *Loop) reconnect(now time.Time) {
	if l.channel.Connected() {
		return
	}
	attempted, err := l.channel.Reconnect(now)
	if !attempted {
		return
	}
	l.Metrics.observeReconnect(err)
	if err != nil {
		if l.petLog.Allow() {
			l.Logger.Printf("reconnect failed: %v", err)
		}
		return
	}
	l.Logger.Println("watchdog transport connected")
}

// String describes the loop configuration for startup banners
func (c Config) String() string {
	if !c.Gated {
		return fmt.Sprintf("bench mode, tick %v", c.Tick)
	}
	return fmt.Sprintf("site %.3fN %.3fE %.0fm, sun < %v deg, moon < %v deg, tick %v",
		c.Location.LatitudeDeg, c.Location.LongitudeDeg, c.Location.ElevationM,
		c.Thresholds.SunMaxDeg, c.Thresholds.MoonMaxDeg, c.Tick)
}
