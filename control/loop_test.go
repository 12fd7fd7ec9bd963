package control

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kho-unis/ascguard/ephem"
	"github.com/kho-unis/ascguard/visibility"
)

var errNoFix = errors.New("no fix")

// fixedSky is an oracle returning constant altitudes, or an error
type fixedSky struct {
	mu    sync.Mutex
	alt   ephem.Altitudes
	err   error
	calls int
	block chan struct{}
}

func (f *fixedSky) Altitudes(t time.Time, loc ephem.Location) (ephem.Altitudes, error) {
	f.mu.Lock()
	f.calls++
	alt, err, block := f.alt, f.err, f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return ephem.Altitudes{}, &ephem.Error{Time: t, Err: err}
	}
	return alt, nil
}

func (f *fixedSky) set(sun, moon float64) {
	f.mu.Lock()
	f.alt = ephem.Altitudes{Sun: sun, Moon: moon}
	f.err = nil
	f.mu.Unlock()
}

// fakeWatchdog counts pets and can be unplugged
type fakeWatchdog struct {
	mu         sync.Mutex
	pets       int
	failed     int
	down       bool
	reconnects int
	stayDown   bool

	// when hold is set, Pet signals entered and waits for hold to close
	hold    chan struct{}
	entered chan struct{}
}

var errUnplugged = errors.New("unplugged")

func (w *fakeWatchdog) Pet() error {
	w.mu.Lock()
	hold, entered := w.hold, w.entered
	w.mu.Unlock()
	if hold != nil {
		entered <- struct{}{}
		<-hold
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.down {
		w.failed++
		return errUnplugged
	}
	w.pets++
	return nil
}

func (w *fakeWatchdog) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.down
}

func (w *fakeWatchdog) Reconnect(now time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reconnects++
	if w.stayDown {
		return true, errUnplugged
	}
	w.down = false
	return true, nil
}

func (w *fakeWatchdog) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pets, w.failed
}

type recorder struct {
	mu    sync.Mutex
	ticks []Tick
}

func (r *recorder) Observe(tk Tick) {
	r.mu.Lock()
	r.ticks = append(r.ticks, tk)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func gatedConfig() Config {
	return Config{
		Location:   ephem.KHO,
		Thresholds: visibility.DefaultThresholds(),
		Gated:      true,
		Tick:       10 * time.Millisecond,
	}
}

func newTestLoop(t *testing.T, cfg Config, sky ephem.Oracle, wd Petter, rep Reporter) *Loop {
	t.Helper()
	l, err := New(cfg, sky, wd, rep)
	if err != nil {
		t.Fatal(err)
	}
	l.Logger = log.New(io.Discard, "", 0)
	return l
}

var t0 = time.Date(2025, 1, 15, 18, 0, 0, 0, time.UTC)

func TestStepPetsOnlyWhenDark(t *testing.T) {
	tests := []struct {
		name      string
		sun, moon float64
		intent    visibility.Intent
		pets      int
	}{
		{"dark sky", -20, -5, visibility.AllowOpen, 1},
		{"moon up", -20, 5, visibility.ForceClosed, 0},
		{"sun at threshold", -12, -10, visibility.ForceClosed, 0},
		{"daylight", 10, -30, visibility.ForceClosed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sky := &fixedSky{}
			sky.set(tt.sun, tt.moon)
			wd := &fakeWatchdog{}
			l := newTestLoop(t, gatedConfig(), sky, wd, nil)
			tk := l.Step(t0)
			if tk.Intent != tt.intent {
				t.Errorf("expected %v got %v", tt.intent, tk.Intent)
			}
			if pets, _ := wd.counts(); pets != tt.pets {
				t.Errorf("expected %d pets got %d", tt.pets, pets)
			}
			if tk.Altitudes.Sun != tt.sun || tk.Altitudes.Moon != tt.moon {
				t.Errorf("expected altitudes %v/%v in the tick, got %+v", tt.sun, tt.moon, tk.Altitudes)
			}
		})
	}
}

func TestEphemerisErrorForcesClosed(t *testing.T) {
	sky := &fixedSky{err: errNoFix}
	wd := &fakeWatchdog{}
	l := newTestLoop(t, gatedConfig(), sky, wd, nil)
	for i := 0; i < 5; i++ {
		tk := l.Step(t0.Add(time.Duration(i) * time.Second))
		if !tk.Indeterminate() {
			t.Fatal("expected an indeterminate tick")
		}
		if tk.Intent != visibility.ForceClosed {
			t.Errorf("expected FORCE_CLOSED got %v", tk.Intent)
		}
		var ee *ephem.Error
		if !errors.As(tk.EphemErr, &ee) {
			t.Errorf("expected *ephem.Error, got %T", tk.EphemErr)
		}
	}
	if pets, _ := wd.counts(); pets != 0 {
		t.Errorf("expected no pets, got %d", pets)
	}
}

func TestEphemerisRecovers(t *testing.T) {
	sky := &fixedSky{err: errNoFix}
	wd := &fakeWatchdog{}
	l := newTestLoop(t, gatedConfig(), sky, wd, nil)
	l.Step(t0)
	sky.set(-30, -30)
	if tk := l.Step(t0.Add(time.Second)); tk.Intent != visibility.AllowOpen {
		t.Errorf("expected the loop to resume petting, got %v", tk.Intent)
	}
	if pets, _ := wd.counts(); pets != 1 {
		t.Errorf("expected 1 pet got %d", pets)
	}
}

func TestTransportLossDoesNotStopEvaluation(t *testing.T) {
	sky := &fixedSky{}
	sky.set(-30, -30)
	wd := &fakeWatchdog{down: true, stayDown: true}
	l := newTestLoop(t, gatedConfig(), sky, wd, nil)
	const n = 10
	for i := 0; i < n; i++ {
		tk := l.Step(t0.Add(time.Duration(i) * time.Second))
		if tk.PetErr == nil || tk.PetFailures != 1 {
			t.Fatalf("tick %d: expected a failed pet, got %+v", i, tk)
		}
		if tk.Connected {
			t.Errorf("tick %d: expected the tick to report a dead transport", i)
		}
	}
	if sky.calls != n {
		t.Errorf("expected %d evaluations got %d", n, sky.calls)
	}
	if wd.reconnects != n {
		t.Errorf("expected a reconnect attempt every tick, got %d", wd.reconnects)
	}

	wd.mu.Lock()
	wd.stayDown = false
	wd.mu.Unlock()
	tk := l.Step(t0.Add(n * time.Second))
	if tk.PetErr != nil || !tk.Connected {
		t.Errorf("expected pets to flow after reconnect, got %+v", tk)
	}
}

func TestUngatedPetsWithoutOracle(t *testing.T) {
	wd := &fakeWatchdog{}
	l := newTestLoop(t, Config{Tick: 10 * time.Millisecond}, nil, wd, nil)
	for i := 0; i < 4; i++ {
		tk := l.Step(t0)
		if tk.Intent != visibility.AllowOpen || tk.Gated {
			t.Errorf("expected ungated ALLOW_OPEN, got %+v", tk)
		}
	}
	if pets, _ := wd.counts(); pets != 4 {
		t.Errorf("expected 4 pets got %d", pets)
	}
}

func TestGatedLoopRequiresOracle(t *testing.T) {
	if _, err := New(gatedConfig(), nil, &fakeWatchdog{}, nil); !errors.Is(err, ErrNoOracle) {
		t.Errorf("expected ErrNoOracle got %v", err)
	}
}

func TestDefaultsFilled(t *testing.T) {
	l, err := New(Config{}, nil, &fakeWatchdog{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := l.Config()
	if c.Tick != DefaultTick || c.PetInterval != DefaultTick || c.Staleness != 2*DefaultTick {
		t.Errorf("expected defaults derived from %v, got %+v", DefaultTick, c)
	}
}

func TestReporterSeesEveryTick(t *testing.T) {
	sky := &fixedSky{}
	sky.set(-30, 10)
	rep := &recorder{}
	l := newTestLoop(t, gatedConfig(), sky, &fakeWatchdog{}, rep)
	for i := 0; i < 7; i++ {
		l.Step(t0.Add(time.Duration(i) * time.Second))
	}
	if rep.len() != 7 {
		t.Errorf("expected 7 observed ticks got %d", rep.len())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	sky := &fixedSky{}
	sky.set(-30, -30)
	wd := &fakeWatchdog{}
	rep := &recorder{}
	l := newTestLoop(t, gatedConfig(), sky, wd, rep)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected a nil error on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if rep.len() < 2 {
		t.Errorf("expected several ticks in 100ms at a 10ms tick, got %d", rep.len())
	}
	if pets, _ := wd.counts(); pets != rep.len() {
		t.Errorf("expected one pet per tick, got %d pets for %d ticks", pets, rep.len())
	}
}

func TestSplitPettingFollowsIntent(t *testing.T) {
	cfg := gatedConfig()
	cfg.SplitPetting = true
	sky := &fixedSky{}
	sky.set(-30, -30)
	wd := &fakeWatchdog{}
	l := newTestLoop(t, cfg, sky, wd, nil)

	l.Step(t0)
	l.petTick(t0.Add(5 * time.Millisecond))
	l.petTick(t0.Add(10 * time.Millisecond))
	tk := l.Step(t0.Add(10 * time.Millisecond))
	if tk.Pets != 2 {
		t.Errorf("expected the tick to collect 2 pets, got %d", tk.Pets)
	}

	sky.set(-30, 5)
	l.Step(t0.Add(20 * time.Millisecond))
	l.petTick(t0.Add(21 * time.Millisecond))
	if pets, _ := wd.counts(); pets != 2 {
		t.Errorf("expected no pets once forced closed, got %d total", pets)
	}
}

func TestSplitPettingExpiresStaleIntent(t *testing.T) {
	cfg := gatedConfig()
	cfg.SplitPetting = true
	sky := &fixedSky{}
	sky.set(-30, -30)
	wd := &fakeWatchdog{}
	l := newTestLoop(t, cfg, sky, wd, nil)

	l.Step(t0)
	stale := l.Config().Staleness
	if !l.Allowed(t0.Add(stale - time.Millisecond)) {
		t.Error("expected a fresh intent to allow petting")
	}
	// the evaluator hangs; no Step refreshes the intent
	l.petTick(t0.Add(stale))
	l.petTick(t0.Add(10 * stale))
	if pets, _ := wd.counts(); pets != 0 {
		t.Errorf("expected a stale intent to stop pets, got %d", pets)
	}
}

func TestClosingWaitsForPulseInFlight(t *testing.T) {
	cfg := gatedConfig()
	cfg.SplitPetting = true
	sky := &fixedSky{}
	sky.set(-30, -30)
	wd := &fakeWatchdog{hold: make(chan struct{}), entered: make(chan struct{}, 1)}
	l := newTestLoop(t, cfg, sky, wd, nil)

	l.Step(t0)
	petted := make(chan struct{})
	go func() {
		l.petTick(t0.Add(time.Millisecond))
		close(petted)
	}()
	<-wd.entered

	sky.set(-30, 5)
	stepped := make(chan Tick)
	go func() { stepped <- l.Step(t0.Add(2 * time.Millisecond)) }()
	select {
	case <-stepped:
		t.Fatal("expected FORCE_CLOSED to wait for the pulse being written")
	case <-time.After(30 * time.Millisecond):
	}
	close(wd.hold)
	<-petted
	if tk := <-stepped; tk.Intent != visibility.ForceClosed {
		t.Errorf("expected FORCE_CLOSED got %v", tk.Intent)
	}

	l.petTick(t0.Add(3 * time.Millisecond))
	if pets, _ := wd.counts(); pets != 1 {
		t.Errorf("expected only the in-flight pulse, got %d", pets)
	}
}

func TestPetRechecksIntentAfterClosing(t *testing.T) {
	cfg := gatedConfig()
	cfg.SplitPetting = true
	sky := &fixedSky{}
	sky.set(-30, -30)
	wd := &fakeWatchdog{}
	l := newTestLoop(t, cfg, sky, wd, nil)

	l.Step(t0)
	// hold the gate as a FORCE_CLOSED publish does
	l.gate.Lock()
	petted := make(chan struct{})
	go func() {
		l.petTick(t0.Add(time.Millisecond))
		close(petted)
	}()
	time.Sleep(20 * time.Millisecond)
	l.allowUntil.Store(0)
	l.gate.Unlock()
	<-petted

	if pets, _ := wd.counts(); pets != 0 {
		t.Errorf("expected no pulse after the intent was withdrawn, got %d", pets)
	}
}

func TestSplitPettingStopsWhenEvaluationHangs(t *testing.T) {
	cfg := gatedConfig()
	cfg.SplitPetting = true
	cfg.PetInterval = 5 * time.Millisecond
	sky := &fixedSky{}
	sky.set(-30, -30)
	wd := &fakeWatchdog{}
	l := newTestLoop(t, cfg, sky, wd, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(60 * time.Millisecond)

	block := make(chan struct{})
	sky.mu.Lock()
	sky.block = block
	sky.mu.Unlock()
	// allow the in-flight intent to expire
	time.Sleep(60 * time.Millisecond)
	before, _ := wd.counts()
	time.Sleep(60 * time.Millisecond)
	after, _ := wd.counts()
	if before == 0 {
		t.Error("expected pets while the evaluator was healthy")
	}
	if after != before {
		t.Errorf("expected pets to stop with a hung evaluator, went from %d to %d", before, after)
	}

	cancel()
	close(block)
	<-done
}

func TestMetricsFollowTicks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	sky := &fixedSky{}
	sky.set(-30, -4)
	wd := &fakeWatchdog{}
	l := newTestLoop(t, gatedConfig(), sky, wd, nil)
	l.Metrics = m

	l.Step(t0)
	l.Step(t0.Add(time.Second))
	sky.mu.Lock()
	sky.err = errNoFix
	sky.mu.Unlock()
	l.Step(t0.Add(2 * time.Second))

	if v := testutil.ToFloat64(m.Ticks); v != 3 {
		t.Errorf("expected 3 ticks got %v", v)
	}
	if v := testutil.ToFloat64(m.EphemerisErrors); v != 1 {
		t.Errorf("expected 1 ephemeris error got %v", v)
	}
	if v := testutil.ToFloat64(m.Pets.WithLabelValues("ok")); v != 2 {
		t.Errorf("expected 2 ok pets got %v", v)
	}
	if v := testutil.ToFloat64(m.Intent); v != 0 {
		t.Errorf("expected the intent gauge to read closed, got %v", v)
	}
	if v := testutil.ToFloat64(m.Altitude.WithLabelValues(ephem.Moon.String())); v != -4 {
		t.Errorf("expected moon altitude -4 got %v", v)
	}
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	a.Ticks.Inc()
	if v := testutil.ToFloat64(b.Ticks); v != 1 {
		t.Errorf("expected the second registration to share collectors, got %v", v)
	}
}
