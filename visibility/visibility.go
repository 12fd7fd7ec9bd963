// Package visibility decides whether the sky is dark enough for the
// image intensifier.
package visibility

import (
	"errors"
	"fmt"

	"github.com/kho-unis/ascguard/mathx"
)

const (
	// DefaultSunMaxDeg is the solar altitude below which the sky is dark
	// enough (nautical twilight ends at -12)
	DefaultSunMaxDeg = -12.

	// DefaultMoonMaxDeg is the lunar altitude above which the Moon is too bright
	DefaultMoonMaxDeg = 1.
)

// ErrNotFinite is generated when a threshold is NaN or infinite
var ErrNotFinite = errors.New("threshold is not finite")

// Intent is what the control loop should do with the shutter.
// The zero value is ForceClosed.
type Intent int32

const (
	// ForceClosed withholds watchdog pulses so the hardware closes the shutter
	ForceClosed Intent = iota

	// AllowOpen keeps the watchdog petted
	AllowOpen
)

func (i Intent) String() string {
	switch i {
	case AllowOpen:
		return "ALLOW_OPEN"
	case ForceClosed:
		return "FORCE_CLOSED"
	default:
		return fmt.Sprintf("Intent(%d)", int32(i))
	}
}

// Thresholds are the altitude limits, in degrees
type Thresholds struct {
	SunMaxDeg  float64 `koanf:"sun_max_degrees" yaml:"sun_max_degrees" json:"sunMaxDeg"`
	MoonMaxDeg float64 `koanf:"moon_max_degrees" yaml:"moon_max_degrees" json:"moonMaxDeg"`
}

// DefaultThresholds returns the KHO operating limits
func DefaultThresholds() Thresholds {
	return Thresholds{SunMaxDeg: DefaultSunMaxDeg, MoonMaxDeg: DefaultMoonMaxDeg}
}

// Validate returns an error if either threshold is not a finite number
func (th Thresholds) Validate() error {
	if !mathx.Finite(th.SunMaxDeg) {
		return fmt.Errorf("sun_max_degrees: %w", ErrNotFinite)
	}
	if !mathx.Finite(th.MoonMaxDeg) {
		return fmt.Errorf("moon_max_degrees: %w", ErrNotFinite)
	}
	return nil
}

// Decide returns AllowOpen only if the Sun is strictly below SunMaxDeg and
// the Moon strictly below MoonMaxDeg.  Anything else, NaN included, is
// ForceClosed.  There is no hysteresis.
func Decide(sunDeg, moonDeg float64, th Thresholds) Intent {
	if sunDeg < th.SunMaxDeg && moonDeg < th.MoonMaxDeg {
		return AllowOpen
	}
	return ForceClosed
}
