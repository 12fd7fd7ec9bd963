package ephem

import (
	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/soniakeys/meeus/v3/base"
	"github.com/soniakeys/meeus/v3/solar"
)

// sunVector is the geocentric position of the Sun in km, apparent
// equator and equinox of date
func sunVector(jd float64) satellite.Vector3 {
	ra, dec := solar.ApparentEquatorial(jd)
	r := solar.Radius(base.J2000Century(jd))
	return rectangular(ra, dec, r*base.AU)
}
