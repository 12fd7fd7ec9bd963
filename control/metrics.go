package control

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kho-unis/ascguard/ephem"
	"github.com/kho-unis/ascguard/visibility"
)

// Metrics bundles the Prometheus metrics of the control loop.
// A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Ticks           prometheus.Counter
	EphemerisErrors prometheus.Counter
	Pets            *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	Intent          prometheus.Gauge
	Altitude        *prometheus.GaugeVec
	EvalDuration    prometheus.Histogram
}

// NewMetrics registers the loop metrics against reg, defaulting to the
// global Prometheus registry when nil
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := &Metrics{gatherer: gatherer}
	var err error

	if m.Ticks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ascguard_ticks_total",
		Help: "Control loop evaluations.",
	}), "ascguard_ticks_total"); err != nil {
		return nil, err
	}
	if m.EphemerisErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ascguard_ephemeris_errors_total",
		Help: "Ticks whose Sun/Moon position could not be computed and were forced closed.",
	}), "ascguard_ephemeris_errors_total"); err != nil {
		return nil, err
	}
	if m.Pets, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ascguard_watchdog_pets_total",
		Help: "Watchdog pets, labeled by result (ok, error).",
	}, []string{"result"}), "ascguard_watchdog_pets_total"); err != nil {
		return nil, err
	}
	if m.Reconnects, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ascguard_transport_reconnects_total",
		Help: "Watchdog transport reconnect attempts, labeled by result (ok, error).",
	}, []string{"result"}), "ascguard_transport_reconnects_total"); err != nil {
		return nil, err
	}
	if m.Intent, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ascguard_intent_allow_open",
		Help: "1 if the latest evaluation allows the shutter open, 0 if forced closed.",
	}), "ascguard_intent_allow_open"); err != nil {
		return nil, err
	}
	if m.Altitude, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ascguard_altitude_degrees",
		Help: "Latest topocentric altitude, labeled by body.",
	}, []string{"body"}), "ascguard_altitude_degrees"); err != nil {
		return nil, err
	}
	if m.EvalDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ascguard_evaluation_duration_seconds",
		Help:    "Time spent computing positions and the decision for one tick.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "ascguard_evaluation_duration_seconds"); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler exposes the registry the metrics were registered against
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observeTick(tk Tick) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.EvalDuration.Observe(tk.EvalDuration.Seconds())
	if tk.EphemErr != nil {
		m.EphemerisErrors.Inc()
	} else if tk.Gated {
		m.Altitude.WithLabelValues(ephem.Sun.String()).Set(tk.Altitudes.Sun)
		m.Altitude.WithLabelValues(ephem.Moon.String()).Set(tk.Altitudes.Moon)
	}
	if tk.Intent == visibility.AllowOpen {
		m.Intent.Set(1)
	} else {
		m.Intent.Set(0)
	}
}

func (m *Metrics) observePet(err error) {
	if m == nil {
		return
	}
	m.Pets.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) observeReconnect(err error) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero C
		return zero, err
	}
	return c, nil
}
