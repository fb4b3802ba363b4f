package crs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// System identifies a spatial reference system by its canonical code, e.g.
// "EPSG:4326". All supported projected systems are defined on the WGS 84 datum.
type System string

const (
	WGS84       System = "EPSG:4326"
	Geocentric  System = "EPSG:4978"
	WebMercator System = "EPSG:3857"
	// Local is the engine's arbitrary local frame. It has no datum and can only
	// be converted to itself.
	Local System = "LOCAL"
)

// Kind groups systems by how their coordinates are interpreted.
type Kind string

const (
	KindGeographic Kind = "geographic"
	KindGeocentric Kind = "geocentric"
	KindProjected  Kind = "projected"
	KindLocal      Kind = "local"
	KindUnknown    Kind = "unknown"
)

const (
	utmNorthBase = 32600
	utmSouthBase = 32700
	utmZones     = 60
)

// UTM returns the WGS 84 / UTM system for zone (1..60) in the given hemisphere.
// It returns "" when the zone is out of range.
func UTM(zone int, north bool) System {
	if zone < 1 || zone > utmZones {
		return ""
	}
	base := utmSouthBase
	if north {
		base = utmNorthBase
	}
	return System(fmt.Sprintf("EPSG:%d", base+zone))
}

// Common returns the systems offered to an operator when none is configured.
func Common() []System {
	return []System{WGS84, Geocentric, WebMercator, Local}
}

// Supported returns every system the reprojector understands.
func Supported() []System {
	out := append([]System(nil), Common()...)
	for zone := 1; zone <= utmZones; zone++ {
		out = append(out, UTM(zone, true))
	}
	for zone := 1; zone <= utmZones; zone++ {
		out = append(out, UTM(zone, false))
	}
	return out
}

// IsValid reports whether s is a supported system.
func (s System) IsValid() bool {
	return s.Kind() != KindUnknown
}

// String returns the canonical code.
func (s System) String() string {
	return string(s)
}

// Kind reports the coordinate interpretation of s.
func (s System) Kind() Kind {
	switch s {
	case WGS84:
		return KindGeographic
	case Geocentric:
		return KindGeocentric
	case WebMercator:
		return KindProjected
	case Local:
		return KindLocal
	}
	if _, _, ok := s.UTMZone(); ok {
		return KindProjected
	}
	return KindUnknown
}

// EPSG returns the numeric EPSG code, or 0 for Local and unknown systems.
func (s System) EPSG() int {
	code, ok := strings.CutPrefix(string(s), "EPSG:")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0
	}
	return n
}

// UTMZone returns the zone and hemisphere when s is a WGS 84 / UTM system.
func (s System) UTMZone() (zone int, north bool, ok bool) {
	code := s.EPSG()
	switch {
	case code > utmNorthBase && code <= utmNorthBase+utmZones:
		return code - utmNorthBase, true, true
	case code > utmSouthBase && code <= utmSouthBase+utmZones:
		return code - utmSouthBase, false, true
	default:
		return 0, false, false
	}
}

// Describe returns a human-readable name, used by the operator prompt.
func (s System) Describe() string {
	switch s {
	case WGS84:
		return "WGS 84 (geographic, lon/lat/height)"
	case Geocentric:
		return "WGS 84 (geocentric, ECEF metres)"
	case WebMercator:
		return "WGS 84 / Pseudo-Mercator"
	case Local:
		return "Local coordinates (m)"
	}
	if zone, north, ok := s.UTMZone(); ok {
		hemisphere := "S"
		if north {
			hemisphere = "N"
		}
		return fmt.Sprintf("WGS 84 / UTM zone %d%s", zone, hemisphere)
	}
	return string(s)
}

// Parse returns the canonical System for value or an error if unsupported.
func Parse(value string) (System, error) {
	if s := Normalize(value); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("unsupported reference system %q (supported: %s, EPSG:32601..32660, EPSG:32701..32760)",
		value, strings.Join(commonStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) System {
	s, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return s
}

// Normalize maps the accepted spellings ("EPSG::32651", "epsg:4326", "wgs84",
// "utm51n", ...) onto a canonical System. Returns "" when value is not recognised.
func Normalize(value string) System {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.TrimPrefix(normalized, "epsg::")
	normalized = strings.TrimPrefix(normalized, "epsg:")
	normalized = strings.TrimSpace(normalized)

	switch normalized {
	case "4326", "wgs84", "wgs 84", "latlon", "lonlat", "geographic":
		return WGS84
	case "4978", "ecef", "geocentric":
		return Geocentric
	case "3857", "900913", "webmercator", "web mercator", "pseudo-mercator":
		return WebMercator
	case "local", "local coordinates", "local coordinates (m)":
		return Local
	}

	if code, err := strconv.Atoi(normalized); err == nil {
		s := System(fmt.Sprintf("EPSG:%d", code))
		if _, _, ok := s.UTMZone(); ok {
			return s
		}
		return ""
	}

	if rest, ok := strings.CutPrefix(normalized, "utm"); ok {
		rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "zone"))
		rest = strings.ReplaceAll(rest, " ", "")
		if len(rest) < 2 {
			return ""
		}
		hemisphere := rest[len(rest)-1]
		zone, err := strconv.Atoi(rest[:len(rest)-1])
		if err != nil {
			return ""
		}
		switch hemisphere {
		case 'n':
			return UTM(zone, true)
		case 's':
			return UTM(zone, false)
		}
	}
	return ""
}

func commonStrings() []string {
	all := Common()
	out := make([]string, 0, len(all))
	for _, s := range all {
		out = append(out, s.String())
	}
	sort.Strings(out)
	return out
}
