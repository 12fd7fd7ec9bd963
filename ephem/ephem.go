/*Package ephem computes the topocentric altitude of the Sun and the Moon for
an observer on the ground.

The positions come from the Meeus theories in soniakeys/meeus, evaluated
with UT in place of dynamical time; the ~70 s difference moves the Moon by
about a hundredth of a degree, which does not matter for deciding whether
the sky is dark.  The geocentric vectors are handed to go-satellite to rotate
them into the observer's horizon frame, so lunar parallax is accounted for.

	alt, err := ephem.Ephemeris{}.Altitudes(time.Now(), ephem.KHO)
	if err != nil {
		// treat the sky as bright
	}
	fmt.Println(alt.Sun, alt.Moon)
*/
package ephem

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/soniakeys/unit"

	"github.com/kho-unis/ascguard/mathx"
)

const (
	deg2rad = mathx.DegToRad
	rad2deg = mathx.RadToDeg

	// julian day arithmetic in go-satellite is only valid over this span
	minYear = 1900
	maxYear = 2100
)

var (
	// ErrInvalidTime is generated for the zero time or a time outside 1900~2100
	ErrInvalidTime = errors.New("time outside the supported range")

	// ErrInvalidLocation is generated when latitude or longitude are out of range
	ErrInvalidLocation = errors.New("location out of range")

	// ErrNoSolution is generated when a computed position is not finite
	ErrNoSolution = errors.New("position did not resolve to a finite value")
)

// KHO is the Kjell Henriksen Observatory, Svalbard
var KHO = Location{LatitudeDeg: 78.148, LongitudeDeg: 16.043, ElevationM: 520}

// Body is a celestial body the oracle knows about
type Body int

const (
	// Sun is our star
	Sun Body = iota

	// Moon is Earth's satellite
	Moon
)

func (b Body) String() string {
	switch b {
	case Sun:
		return "Sun"
	case Moon:
		return "Moon"
	default:
		return fmt.Sprintf("Body(%d)", int(b))
	}
}

// Location is a fixed observing site
type Location struct {
	// LatitudeDeg is the geodetic latitude, north positive
	LatitudeDeg float64 `koanf:"latitude_deg" yaml:"latitude_deg" json:"latitudeDeg"`

	// LongitudeDeg is the longitude, east positive
	LongitudeDeg float64 `koanf:"longitude_deg" yaml:"longitude_deg" json:"longitudeDeg"`

	// ElevationM is the height above the ellipsoid in meters
	ElevationM float64 `koanf:"elevation_m" yaml:"elevation_m" json:"elevationM"`
}

// Validate returns an error wrapping ErrInvalidLocation if the location
// can not be on Earth
func (l Location) Validate() error {
	if math.IsNaN(l.LatitudeDeg) || l.LatitudeDeg < -90 || l.LatitudeDeg > 90 {
		return fmt.Errorf("%w: latitude %v not in [-90, 90]", ErrInvalidLocation, l.LatitudeDeg)
	}
	if math.IsNaN(l.LongitudeDeg) || l.LongitudeDeg < -180 || l.LongitudeDeg > 180 {
		return fmt.Errorf("%w: longitude %v not in [-180, 180]", ErrInvalidLocation, l.LongitudeDeg)
	}
	if !mathx.Finite(l.ElevationM) {
		return fmt.Errorf("%w: elevation %v is not finite", ErrInvalidLocation, l.ElevationM)
	}
	return nil
}

// Altitude is the angle of a body above (positive) or below (negative)
// the local horizon
type Altitude struct {
	Body    Body
	Degrees float64
}

// Altitudes holds the Sun and Moon altitude for one instant, in degrees
type Altitudes struct {
	Sun  float64 `json:"sunDeg"`
	Moon float64 `json:"moonDeg"`
}

// Of returns the altitude of one body
func (a Altitudes) Of(b Body) Altitude {
	if b == Moon {
		return Altitude{Body: Moon, Degrees: a.Moon}
	}
	return Altitude{Body: Sun, Degrees: a.Sun}
}

// Error is returned when a position can not be resolved for a time and place.
// Callers must treat the sky state as unknown.
type Error struct {
	Time time.Time
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ephemeris at %s: %v", e.Time.UTC().Format(time.RFC3339Nano), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Oracle gives the altitude of the Sun and Moon for a time and site
type Oracle interface {
	Altitudes(t time.Time, loc Location) (Altitudes, error)
}

// Ephemeris is an analytical Oracle.  The zero value is ready to use.
type Ephemeris struct{}

// Altitudes returns the topocentric altitude of the Sun and Moon
func (Ephemeris) Altitudes(t time.Time, loc Location) (Altitudes, error) {
	if err := loc.Validate(); err != nil {
		return Altitudes{}, &Error{Time: t, Err: err}
	}
	jd, err := JulianDate(t)
	if err != nil {
		return Altitudes{}, &Error{Time: t, Err: err}
	}
	ret := Altitudes{
		Sun:  elevation(sunVector(jd), loc, jd),
		Moon: elevation(moonVector(jd), loc, jd),
	}
	if !mathx.Finite(ret.Sun) || !mathx.Finite(ret.Moon) {
		return Altitudes{}, &Error{Time: t, Err: ErrNoSolution}
	}
	return ret, nil
}

// JulianDate converts t to a julian day number with sub-second resolution
func JulianDate(t time.Time) (float64, error) {
	if t.IsZero() {
		return 0, ErrInvalidTime
	}
	t = t.UTC()
	if y := t.Year(); y < minYear || y > maxYear {
		return 0, fmt.Errorf("%w: year %d", ErrInvalidTime, y)
	}
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	return jd + float64(t.Nanosecond())/(86400*1e9), nil
}

// elevation returns the altitude in degrees of a geocentric equatorial
// vector (km) as seen from loc
func elevation(eci satellite.Vector3, loc Location, jd float64) float64 {
	obs := satellite.LatLong{
		Latitude:  loc.LatitudeDeg * deg2rad,
		Longitude: loc.LongitudeDeg * deg2rad,
	}
	look := satellite.ECIToLookAngles(eci, obs, loc.ElevationM/1000, jd)
	return look.El * rad2deg
}

// rectangular converts right ascension, declination and distance (km) into
// an equatorial vector
func rectangular(ra unit.RA, dec unit.Angle, r float64) satellite.Vector3 {
	sa, ca := ra.Sincos()
	sd, cd := dec.Sincos()
	return satellite.Vector3{X: r * cd * ca, Y: r * cd * sa, Z: r * sd}
}
