package ephem

import (
	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/soniakeys/meeus/v3/coord"
	"github.com/soniakeys/meeus/v3/moonposition"
	"github.com/soniakeys/meeus/v3/nutation"
)

// moonVector is the geocentric position of the Moon in km, mean equator
// and equinox of date
func moonVector(jd float64) satellite.Vector3 {
	lon, lat, dist := moonposition.Position(jd)
	se, ce := nutation.MeanObliquity(jd).Sincos()
	ra, dec := coord.EclToEq(lon, lat, se, ce)
	return rectangular(ra, dec, dist)
}
