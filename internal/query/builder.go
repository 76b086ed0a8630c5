// Package query turns structured search parameters into the escaped filter
// expression understood by the EODMS search endpoint.
package query

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"eodms-api-client/internal/geo"
	"eodms-api-client/internal/models"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidParameter wraps every value validation failure.
var ErrInvalidParameter = errors.New("invalid query parameter")

const isoLayout = "2006-01-02T15:04:05"

// Parameters holds every supported search argument. Zero values are unset.
type Parameters struct {
	Start              string
	End                string
	Geometry           string // path to an AOI file
	AOI                orb.Geometry
	ProductTypes       []string
	BeamModes          []string
	Mnemonics          []string
	ProductFormat      string
	LookDirection      string
	Polarizations      []string
	IncidenceAngle     *float64
	IncidenceAngleLow  *float64
	IncidenceAngleHigh *float64
	OrbitDirection     string
	AbsoluteOrbits     []float64
	RelativeOrbits     []int
	DownlinkSegment    string
	CloudCover         *float64
	RollNumber         string
	PhotoNumber        string
}

// setArgs lists the collection-specific arguments that carry a value.
func (p Parameters) setArgs() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(len(p.ProductTypes) > 0, models.ArgProductType)
	add(len(p.BeamModes) > 0, models.ArgBeamMode)
	add(len(p.Mnemonics) > 0, models.ArgMnemonic)
	add(p.ProductFormat != "", models.ArgProductFormat)
	add(p.LookDirection != "", models.ArgLookDirection)
	add(len(p.Polarizations) > 0, models.ArgPolarization)
	add(p.IncidenceAngle != nil, models.ArgIncidenceAngle)
	add(p.IncidenceAngleLow != nil, models.ArgIncidenceAngleLow)
	add(p.IncidenceAngleHigh != nil, models.ArgIncidenceAngleHigh)
	add(p.OrbitDirection != "", models.ArgOrbitDirection)
	add(len(p.AbsoluteOrbits) > 0, models.ArgAbsoluteOrbit)
	add(len(p.RelativeOrbits) > 0, models.ArgRelativeOrbit)
	add(p.DownlinkSegment != "", models.ArgDownlinkSegment)
	add(p.CloudCover != nil, models.ArgCloudCover)
	add(p.RollNumber != "", models.ArgRollNumber)
	add(p.PhotoNumber != "", models.ArgPhotoNumber)
	return out
}

// Build returns the escaped filter expression for coll.
func Build(coll models.Collection, p Parameters, now time.Time) (string, error) {
	clauses, err := Clauses(coll, p, now)
	if err != nil {
		return "", err
	}
	return Escape(strings.Join(clauses, " AND ")), nil
}

// Escape percent-encodes a filter expression, spaces included.
func Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Clauses returns the unescaped filter clauses in the order they are sent.
func Clauses(coll models.Collection, p Parameters, now time.Time) ([]string, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	supported := coll.SupportsArg
	for _, name := range p.setArgs() {
		if !supported(name) {
			log.Warnf("Query argument %q is not supported by %s, ignoring it", name, coll.ID)
		}
	}

	start, err := parseDate(p.Start, now, -1)
	if err != nil {
		return nil, err
	}
	end, err := parseDate(p.End, now, 0)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", ErrInvalidParameter, end.Format(isoLayout), start.Format(isoLayout))
	}

	clauses := []string{
		fmt.Sprintf("CATALOG_IMAGE.START_DATETIME>='%s'", start.Format(isoLayout)),
		fmt.Sprintf("CATALOG_IMAGE.STOP_DATETIME<='%s'", end.AddDate(0, 0, 1).Format(isoLayout)),
	}

	aoi := p.AOI
	if aoi == nil && p.Geometry != "" {
		aoi, err = geo.LoadAOI(p.Geometry)
		if err != nil {
			return nil, err
		}
	}
	if aoi != nil {
		if n := geo.CountVertices(aoi); n > geo.MaxVertices {
			return nil, fmt.Errorf("%w: %d (limit %d)", geo.ErrTooManyVertices, n, geo.MaxVertices)
		}
		clauses = append(clauses, "CATALOG_IMAGE.THE_GEOM_4326 INTERSECTS "+geo.ToWKT(aoi))
	}

	if len(p.ProductTypes) > 0 && supported(models.ArgProductType) {
		clauses = append(clauses, "ARCHIVE_IMAGE.PRODUCT_TYPE="+quoteList(p.ProductTypes, strings.ToUpper))
	}

	switch coll.Family {
	case models.FamilyRCM, models.FamilyRSAT2, models.FamilyRSAT1:
		clauses = append(clauses, sarClauses(coll, p, supported)...)
	case models.FamilyPlanet:
		if p.CloudCover != nil {
			clauses = append(clauses, fmt.Sprintf("SATOPT.CLOUD_PERCENT=%d", int(*p.CloudCover)))
		}
		if p.IncidenceAngleLow != nil {
			clauses = append(clauses, fmt.Sprintf("SENSOR_BEAM_CONFIG.INCIDENCE_LOW=%d", int(math.Floor(*p.IncidenceAngleLow))))
		}
		if p.IncidenceAngleHigh != nil {
			clauses = append(clauses, fmt.Sprintf("SENSOR_BEAM_CONFIG.INCIDENCE_HIGH=%d", int(math.Ceil(*p.IncidenceAngleHigh))))
		}
	case models.FamilyNAPL:
		if p.RollNumber != "" {
			clauses = append(clauses, "ROLL.ROLL_NUMBER="+p.RollNumber)
		}
		if p.PhotoNumber != "" {
			clauses = append(clauses, "PHOTO.PHOTO_NUMBER="+p.PhotoNumber)
		}
	default:
		return nil, fmt.Errorf("%w: %s has no query family", models.ErrUnknownCollection, coll.ID)
	}

	return clauses, nil
}

func sarClauses(coll models.Collection, p Parameters, supported func(string) bool) []string {
	prefix := coll.Family + "."
	var out []string

	if len(p.BeamModes) > 0 && supported(models.ArgBeamMode) {
		out = append(out, prefix+"SBEAM="+quoteList(p.BeamModes, nil))
	}
	if len(p.Mnemonics) > 0 && supported(models.ArgMnemonic) {
		out = append(out, prefix+"BEAM_MNEMONIC="+quoteList(p.Mnemonics, nil))
	}
	if p.ProductFormat != "" && supported(models.ArgProductFormat) {
		out = append(out, fmt.Sprintf("PRODUCT_FORMAT.FORMAT_NAME_E='%s'", p.ProductFormat))
	}
	if p.LookDirection != "" && supported(models.ArgLookDirection) {
		out = append(out, fmt.Sprintf("%sANTENNA_ORIENTATION='%s'", prefix, capitalize(p.LookDirection)))
	}
	if len(p.Polarizations) > 0 && supported(models.ArgPolarization) {
		out = append(out, prefix+"POLARIZATION="+quoteList(p.Polarizations, strings.ToUpper))
	}
	if p.IncidenceAngle != nil && supported(models.ArgIncidenceAngle) {
		out = append(out, fmt.Sprintf("%sINCIDENCE_ANGLE=%f", prefix, *p.IncidenceAngle))
	}
	if p.IncidenceAngleLow != nil {
		out = append(out, fmt.Sprintf("SENSOR_BEAM_CONFIG.INCIDENCE_LOW>=%.1f", *p.IncidenceAngleLow))
	}
	if p.IncidenceAngleHigh != nil {
		out = append(out, fmt.Sprintf("SENSOR_BEAM_CONFIG.INCIDENCE_HIGH<=%.1f", *p.IncidenceAngleHigh))
	}
	if p.OrbitDirection != "" {
		out = append(out, fmt.Sprintf("%sORBIT_DIRECTION='%s'", prefix, capitalize(p.OrbitDirection)))
	}
	if len(p.AbsoluteOrbits) > 0 {
		orbits := make([]string, len(p.AbsoluteOrbits))
		for i, o := range p.AbsoluteOrbits {
			orbits[i] = strconv.FormatFloat(o, 'f', 1, 64)
		}
		out = append(out, prefix+"ORBIT_ABS="+strings.Join(orbits, ","))
	}
	if len(p.RelativeOrbits) > 0 && supported(models.ArgRelativeOrbit) {
		orbits := make([]string, len(p.RelativeOrbits))
		for i, o := range p.RelativeOrbits {
			orbits[i] = strconv.Itoa(o)
		}
		out = append(out, prefix+"ORBIT_REL="+strings.Join(orbits, ","))
	}
	if p.DownlinkSegment != "" && supported(models.ArgDownlinkSegment) {
		out = append(out, fmt.Sprintf("%sDOWNLINK_SEGMENT_ID='%s'", prefix, p.DownlinkSegment))
	}
	return out
}

// quoteList renders 'a' for one value and 'a','b' for several.
func quoteList(values []string, transform func(string) string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		if transform != nil {
			v = transform(v)
		}
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, ",")
}

func capitalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func validate(p Parameters) error {
	if p.OrbitDirection != "" {
		switch strings.ToLower(p.OrbitDirection) {
		case "ascending", "descending":
		default:
			return fmt.Errorf("%w: orbit direction %q (want Ascending or Descending)", ErrInvalidParameter, p.OrbitDirection)
		}
	}
	if p.LookDirection != "" {
		switch strings.ToLower(p.LookDirection) {
		case "left", "right":
		default:
			return fmt.Errorf("%w: look direction %q (want Left or Right)", ErrInvalidParameter, p.LookDirection)
		}
	}
	if p.CloudCover != nil && (*p.CloudCover < 0 || *p.CloudCover > 100) {
		return fmt.Errorf("%w: cloud cover %v outside 0-100", ErrInvalidParameter, *p.CloudCover)
	}
	for _, a := range []*float64{p.IncidenceAngle, p.IncidenceAngleLow, p.IncidenceAngleHigh} {
		if a != nil && (*a < 0 || *a > 90) {
			return fmt.Errorf("%w: incidence angle %v outside 0-90", ErrInvalidParameter, *a)
		}
	}
	if p.IncidenceAngleLow != nil && p.IncidenceAngleHigh != nil && *p.IncidenceAngleLow > *p.IncidenceAngleHigh {
		return fmt.Errorf("%w: incidence angle low %v above high %v", ErrInvalidParameter, *p.IncidenceAngleLow, *p.IncidenceAngleHigh)
	}
	for _, o := range p.RelativeOrbits {
		if o < 0 {
			return fmt.Errorf("%w: relative orbit %d", ErrInvalidParameter, o)
		}
	}
	for _, v := range append(append([]string{}, p.BeamModes...), p.Mnemonics...) {
		if strings.Contains(v, "'") {
			return fmt.Errorf("%w: value %q contains a quote", ErrInvalidParameter, v)
		}
	}
	return nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"20060102",
	"2006/01/02",
}

// parseDate accepts TODAY, TODAY-N and the common ISO layouts. An empty
// value is now shifted by defaultDays.
func parseDate(value string, now time.Time, defaultDays int) (time.Time, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	if v == "" {
		return now.AddDate(0, 0, defaultDays), nil
	}
	if v == "TODAY" {
		return now, nil
	}
	if rest, ok := strings.CutPrefix(v, "TODAY-"); ok {
		days, err := strconv.Atoi(rest)
		if err != nil || days < 0 {
			return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidParameter, value)
		}
		return now.AddDate(0, 0, -days), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized date %q", ErrInvalidParameter, value)
}

// AvailableArgs lists the query arguments supported by coll.
func AvailableArgs(coll models.Collection) []models.QueryArg {
	out := make([]models.QueryArg, len(coll.QueryArgs))
	copy(out, coll.QueryArgs)
	return out
}
