package crs

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNoCommonFrame is returned when two systems cannot be related through the
// geocentric frame, e.g. when one of them is Local.
var ErrNoCommonFrame = errors.New("no common reference frame")

// WGS 84 ellipsoid and UTM grid constants.
const (
	semiMajorAxis = 6378137.0
	flattening    = 1 / 298.257223563

	utmScaleFactor   = 0.9996
	utmFalseEasting  = 500000.0
	utmFalseNorthing = 10000000.0 // southern hemisphere only

	mercatorMaxLatitude = 85.05112877980659
)

var (
	eccentricitySq = flattening * (2 - flattening)
	transverse     = newKrueger(semiMajorAxis, flattening)
)

// geodetic holds a position as longitude/latitude in radians and ellipsoidal
// height in metres.
type geodetic struct {
	lon, lat, h float64
}

// Reproject converts p from src to dst by unprojecting it into the geocentric
// frame and projecting it into dst. Coordinates are (lon, lat, h) in degrees and
// metres for geographic systems, (X, Y, Z) metres for geocentric ones and
// (easting, northing, h) for projected ones. Reproject(p, s, s) returns p.
func Reproject(p r3.Vec, src, dst System) (r3.Vec, error) {
	if src == dst {
		return p, nil
	}
	ecef, err := Unproject(p, src)
	if err != nil {
		return r3.Vec{}, err
	}
	return Project(ecef, dst)
}

// Unproject converts p expressed in s into geocentric coordinates.
func Unproject(p r3.Vec, s System) (r3.Vec, error) {
	switch s.Kind() {
	case KindGeocentric:
		return p, nil
	case KindGeographic:
		if math.Abs(p.Y) > 90 {
			return r3.Vec{}, fmt.Errorf("unproject from %s: latitude %v out of range", s, p.Y)
		}
		return toGeocentric(geodetic{lon: radians(p.X), lat: radians(p.Y), h: p.Z}), nil
	case KindProjected:
		g, err := inverseProjection(p, s)
		if err != nil {
			return r3.Vec{}, err
		}
		return toGeocentric(g), nil
	case KindLocal:
		return r3.Vec{}, fmt.Errorf("unproject from %s: %w", s, ErrNoCommonFrame)
	default:
		return r3.Vec{}, fmt.Errorf("unproject from %q: unsupported reference system", s)
	}
}

// Project converts the geocentric position ecef into s.
func Project(ecef r3.Vec, s System) (r3.Vec, error) {
	switch s.Kind() {
	case KindGeocentric:
		return ecef, nil
	case KindGeographic:
		g := fromGeocentric(ecef)
		return r3.Vec{X: degrees(g.lon), Y: degrees(g.lat), Z: g.h}, nil
	case KindProjected:
		return forwardProjection(fromGeocentric(ecef), s)
	case KindLocal:
		return r3.Vec{}, fmt.Errorf("project into %s: %w", s, ErrNoCommonFrame)
	default:
		return r3.Vec{}, fmt.Errorf("project into %q: unsupported reference system", s)
	}
}

func toGeocentric(g geodetic) r3.Vec {
	sinLat, cosLat := math.Sincos(g.lat)
	sinLon, cosLon := math.Sincos(g.lon)
	n := primeVerticalRadius(sinLat)
	return r3.Vec{
		X: (n + g.h) * cosLat * cosLon,
		Y: (n + g.h) * cosLat * sinLon,
		Z: (n*(1-eccentricitySq) + g.h) * sinLat,
	}
}

func fromGeocentric(p r3.Vec) geodetic {
	rho := math.Hypot(p.X, p.Y)
	if rho < 1e-9 {
		semiMinor := semiMajorAxis * (1 - flattening)
		return geodetic{
			lon: 0,
			lat: math.Copysign(math.Pi/2, p.Z),
			h:   math.Abs(p.Z) - semiMinor,
		}
	}

	lon := math.Atan2(p.Y, p.X)
	lat := math.Atan2(p.Z, rho*(1-eccentricitySq))
	for i := 0; i < 12; i++ {
		n := primeVerticalRadius(math.Sin(lat))
		h := ellipsoidalHeight(p, rho, lat, n)
		next := math.Atan2(p.Z, rho*(1-eccentricitySq*n/(n+h)))
		done := math.Abs(next-lat) < 1e-15
		lat = next
		if done {
			break
		}
	}
	n := primeVerticalRadius(math.Sin(lat))
	return geodetic{lon: lon, lat: lat, h: ellipsoidalHeight(p, rho, lat, n)}
}

// ellipsoidalHeight picks the better conditioned formula for the latitude band.
func ellipsoidalHeight(p r3.Vec, rho, lat, n float64) float64 {
	sinLat, cosLat := math.Sincos(lat)
	if math.Abs(lat) < math.Pi/4 {
		return rho/cosLat - n
	}
	return p.Z/sinLat - n*(1-eccentricitySq)
}

func primeVerticalRadius(sinLat float64) float64 {
	return semiMajorAxis / math.Sqrt(1-eccentricitySq*sinLat*sinLat)
}

func forwardProjection(g geodetic, s System) (r3.Vec, error) {
	if s == WebMercator {
		if math.Abs(degrees(g.lat)) > mercatorMaxLatitude {
			return r3.Vec{}, fmt.Errorf("project into %s: latitude %v outside mercator bounds", s, degrees(g.lat))
		}
		return r3.Vec{
			X: semiMajorAxis * g.lon,
			Y: semiMajorAxis * math.Log(math.Tan(math.Pi/4+g.lat/2)),
			Z: g.h,
		}, nil
	}

	zone, north, ok := s.UTMZone()
	if !ok {
		return r3.Vec{}, fmt.Errorf("project into %q: unsupported projection", s)
	}
	dlon := normalizeAngle(g.lon - centralMeridian(zone))
	xi, eta := transverse.forward(g.lat, dlon)

	northing := utmScaleFactor * transverse.rectifying * xi
	if !north {
		northing += utmFalseNorthing
	}
	return r3.Vec{
		X: utmFalseEasting + utmScaleFactor*transverse.rectifying*eta,
		Y: northing,
		Z: g.h,
	}, nil
}

func inverseProjection(p r3.Vec, s System) (geodetic, error) {
	if s == WebMercator {
		return geodetic{
			lon: p.X / semiMajorAxis,
			lat: 2*math.Atan(math.Exp(p.Y/semiMajorAxis)) - math.Pi/2,
			h:   p.Z,
		}, nil
	}

	zone, north, ok := s.UTMZone()
	if !ok {
		return geodetic{}, fmt.Errorf("unproject from %q: unsupported projection", s)
	}
	northing := p.Y
	if !north {
		northing -= utmFalseNorthing
	}
	scale := utmScaleFactor * transverse.rectifying
	lat, dlon := transverse.inverse(northing/scale, (p.X-utmFalseEasting)/scale)
	return geodetic{
		lon: normalizeAngle(centralMeridian(zone) + dlon),
		lat: lat,
		h:   p.Z,
	}, nil
}

// krueger holds the third-order series coefficients of the transverse Mercator
// projection in Krüger's n-form.
type krueger struct {
	n          float64
	rectifying float64 // A, the rectifying radius
	alpha      [3]float64
	beta       [3]float64
	delta      [3]float64
}

func newKrueger(a, f float64) krueger {
	n := f / (2 - f)
	n2 := n * n
	n3 := n2 * n
	return krueger{
		n:          n,
		rectifying: a / (1 + n) * (1 + n2/4 + n2*n2/64),
		alpha:      [3]float64{n/2 - 2*n2/3 + 5*n3/16, 13*n2/48 - 3*n3/5, 61 * n3 / 240},
		beta:       [3]float64{n/2 - 2*n2/3 + 37*n3/96, n2/48 + n3/15, 17 * n3 / 480},
		delta:      [3]float64{2*n - 2*n2/3 - 2*n3, 7*n2/3 - 8*n3/5, 56 * n3 / 15},
	}
}

// forward returns the normalised northing (xi) and easting (eta) for a
// latitude and a longitude offset from the central meridian.
func (k krueger) forward(lat, dlon float64) (xi, eta float64) {
	e := 2 * math.Sqrt(k.n) / (1 + k.n)
	sinLat := math.Sin(lat)
	t := math.Sinh(math.Atanh(sinLat) - e*math.Atanh(e*sinLat))
	xiPrime := math.Atan2(t, math.Cos(dlon))
	etaPrime := math.Atanh(math.Sin(dlon) / math.Sqrt(1+t*t))

	xi, eta = xiPrime, etaPrime
	for j, a := range k.alpha {
		m := 2 * float64(j+1)
		xi += a * math.Sin(m*xiPrime) * math.Cosh(m*etaPrime)
		eta += a * math.Cos(m*xiPrime) * math.Sinh(m*etaPrime)
	}
	return xi, eta
}

func (k krueger) inverse(xi, eta float64) (lat, dlon float64) {
	xiPrime, etaPrime := xi, eta
	for j, b := range k.beta {
		m := 2 * float64(j+1)
		xiPrime -= b * math.Sin(m*xi) * math.Cosh(m*eta)
		etaPrime -= b * math.Cos(m*xi) * math.Sinh(m*eta)
	}
	chi := math.Asin(math.Sin(xiPrime) / math.Cosh(etaPrime))
	lat = chi
	for j, d := range k.delta {
		lat += d * math.Sin(2*float64(j+1)*chi)
	}
	dlon = math.Atan2(math.Sinh(etaPrime), math.Cos(xiPrime))
	return lat, dlon
}

func centralMeridian(zone int) float64 {
	return radians(float64(zone*6 - 183))
}

func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
