// Package status reports on the control loop once per wall-clock window
// and keeps the latest tick for the HTTP interface.
package status

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/kho-unis/ascguard/control"
	"github.com/kho-unis/ascguard/mathx"
)

// DefaultInterval is the width of a report window
const DefaultInterval = 10 * time.Second

// Snapshot is the latest tick plus running totals
type Snapshot struct {
	Time          time.Time `json:"time"`
	Gated         bool      `json:"gated"`
	SunDeg        float64   `json:"sunDeg"`
	MoonDeg       float64   `json:"moonDeg"`
	Intent        string    `json:"intent"`
	Indeterminate bool      `json:"indeterminate"`
	Connected     bool      `json:"connected"`
	EvalSeconds   float64   `json:"evalSeconds"`

	Ticks             uint64 `json:"ticks"`
	PetsOK            uint64 `json:"petsOk"`
	PetsFailed        uint64 `json:"petsFailed"`
	EphemerisFailures uint64 `json:"ephemerisFailures"`
	Reports           uint64 `json:"reports"`
	LastError         string `json:"lastError,omitempty"`
}

// window holds the counts accumulated since the previous report
type window struct {
	start      time.Time
	petsOK     int
	petsFailed int
	ephemFails int
	lastErr    error
}

// Reporter emits one line on the first tick of each new window of
// Interval and suppresses the rest.  It implements control.Reporter.
type Reporter struct {
	mu       sync.Mutex
	out      *log.Logger
	interval time.Duration

	armed bool
	cur   window
	snap  Snapshot
}

// NewReporter creates a Reporter writing to out.  A non-positive interval
// uses DefaultInterval; a nil out writes to the standard logger.
func NewReporter(out *log.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if out == nil {
		out = log.Default()
	}
	return &Reporter{out: out, interval: interval}
}

// Observe records tk and reports if tk opens a new window
func (r *Reporter) Observe(tk control.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok := tk.Pets - tk.PetFailures
	r.cur.petsOK += ok
	r.cur.petsFailed += tk.PetFailures
	if tk.PetErr != nil {
		r.cur.lastErr = tk.PetErr
	}
	if tk.EphemErr != nil {
		r.cur.ephemFails++
		r.cur.lastErr = tk.EphemErr
	}
	r.update(tk, ok)

	start := tk.Time.Truncate(r.interval)
	if r.armed && start.Equal(r.cur.start) {
		return
	}
	r.out.Println(r.line(tk))
	r.snap.Reports++
	r.armed = true
	r.cur = window{start: start}
}

func (r *Reporter) update(tk control.Tick, ok int) {
	s := &r.snap
	s.Time = tk.Time
	s.Gated = tk.Gated
	s.SunDeg = tk.Altitudes.Sun
	s.MoonDeg = tk.Altitudes.Moon
	s.Intent = tk.Intent.String()
	s.Indeterminate = tk.Indeterminate()
	s.Connected = tk.Connected
	s.EvalSeconds = mathx.Round(tk.EvalDuration.Seconds(), 1e-6)
	s.Ticks++
	s.PetsOK += uint64(ok)
	s.PetsFailed += uint64(tk.PetFailures)
	if tk.EphemErr != nil {
		s.EphemerisFailures++
		s.LastError = tk.EphemErr.Error()
	} else if tk.PetErr != nil {
		s.LastError = tk.PetErr.Error()
	}
}

// line formats the report for the window ending with tk
func (r *Reporter) line(tk control.Tick) string {
	var b strings.Builder
	b.WriteString(tk.Time.UTC().Format("2006-01-02 15:04:05"))
	switch {
	case !tk.Gated:
		b.WriteString(" ungated")
	case tk.Indeterminate():
		b.WriteString(" sun ? moon ?")
	default:
		fmt.Fprintf(&b, " sun %6.2f moon %6.2f", tk.Altitudes.Sun, tk.Altitudes.Moon)
	}
	fmt.Fprintf(&b, " %s pets %d/%d", tk.Intent, r.cur.petsOK, r.cur.petsFailed)
	if r.cur.ephemFails > 0 {
		fmt.Fprintf(&b, " ephemeris failures %d", r.cur.ephemFails)
	}
	if !tk.Connected {
		b.WriteString(" (watchdog disconnected)")
	}
	fmt.Fprintf(&b, " exec %.3f ms", float64(tk.EvalDuration.Microseconds())/1000)
	if r.cur.lastErr != nil {
		fmt.Fprintf(&b, " last error: %v", r.cur.lastErr)
	}
	return b.String()
}

// Snapshot returns a copy of the latest state
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Interval is the report window
func (r *Reporter) Interval() time.Duration {
	return r.interval
}
