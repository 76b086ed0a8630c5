// Package geo loads search areas of interest and converts footprint geometry
// between the catalog's native EPSG:4326 and the supported output systems.
package geo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

// MaxVertices is the largest AOI the search endpoint accepts.
const MaxVertices = 1000

// Reference systems.
const (
	CRSWGS84       = "EPSG:4326"
	CRSWebMercator = "EPSG:3857"
)

var (
	ErrTooManyVertices     = errors.New("geometry has too many vertices")
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")
	ErrUnsupportedCRS      = errors.New("unsupported target reference system")
	ErrEmptyGeometry       = errors.New("no geometry found")
)

// LoadAOI reads a GeoJSON (geometry, Feature or FeatureCollection) or WKT file
// and returns a Polygon or MultiPolygon within the vertex limit.
func LoadAOI(path string) (orb.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading AOI file %s: %w", path, err)
	}
	return ParseAOI(data)
}

// ParseAOI is LoadAOI for in-memory data.
func ParseAOI(data []byte) (orb.Geometry, error) {
	data = bytes.TrimSpace(data)
	var geoms []orb.Geometry

	if bytes.HasPrefix(data, []byte("{")) {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, fmt.Errorf("parsing GeoJSON: %w", err)
		}
		switch probe.Type {
		case "FeatureCollection":
			fc, err := geojson.UnmarshalFeatureCollection(data)
			if err != nil {
				return nil, fmt.Errorf("parsing GeoJSON FeatureCollection: %w", err)
			}
			for _, f := range fc.Features {
				geoms = append(geoms, f.Geometry)
			}
		case "Feature":
			f, err := geojson.UnmarshalFeature(data)
			if err != nil {
				return nil, fmt.Errorf("parsing GeoJSON Feature: %w", err)
			}
			geoms = append(geoms, f.Geometry)
		default:
			g, err := DecodeGeometry(data)
			if err != nil {
				return nil, err
			}
			geoms = append(geoms, g)
		}
	} else {
		g, err := wkt.Unmarshal(string(data))
		if err != nil {
			return nil, fmt.Errorf("parsing WKT: %w", err)
		}
		geoms = append(geoms, g)
	}

	aoi, err := mergePolygons(geoms)
	if err != nil {
		return nil, err
	}
	if n := CountVertices(aoi); n > MaxVertices {
		return nil, fmt.Errorf("%w: %d (limit %d)", ErrTooManyVertices, n, MaxVertices)
	}
	return aoi, nil
}

func mergePolygons(geoms []orb.Geometry) (orb.Geometry, error) {
	var polys orb.MultiPolygon
	for _, g := range geoms {
		switch v := g.(type) {
		case orb.Polygon:
			polys = append(polys, v)
		case orb.MultiPolygon:
			polys = append(polys, v...)
		case nil:
			continue
		default:
			return nil, fmt.Errorf("%w: %s (need Polygon or MultiPolygon)", ErrUnsupportedGeometry, g.GeoJSONType())
		}
	}
	switch len(polys) {
	case 0:
		return nil, ErrEmptyGeometry
	case 1:
		return polys[0], nil
	default:
		return polys, nil
	}
}

// CountVertices counts ring points of polygonal geometry.
func CountVertices(g orb.Geometry) int {
	n := 0
	switch v := g.(type) {
	case orb.Polygon:
		for _, r := range v {
			n += len(r)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			n += CountVertices(p)
		}
	case orb.Ring:
		n = len(v)
	}
	return n
}

// ToWKT renders g as WKT for the search filter.
func ToWKT(g orb.Geometry) string {
	return wkt.MarshalString(g)
}

// DecodeGeometry decodes a GeoJSON geometry object.
func DecodeGeometry(raw []byte) (orb.Geometry, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, ErrEmptyGeometry
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing GeoJSON geometry: %w", err)
	}
	return g.Geometry(), nil
}

// NormalizeCRS maps the accepted spellings onto a canonical EPSG code.
// An empty target means the source system.
func NormalizeCRS(target string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(target)) {
	case "", "4326", "EPSG:4326", "WGS84":
		return CRSWGS84, nil
	case "3857", "EPSG:3857", "WEBMERCATOR":
		return CRSWebMercator, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCRS, target)
	}
}

// Reproject converts a EPSG:4326 geometry into target, returning a copy.
func Reproject(g orb.Geometry, target string) (orb.Geometry, string, error) {
	crs, err := NormalizeCRS(target)
	if err != nil {
		return nil, "", err
	}
	if g == nil || crs == CRSWGS84 {
		return g, crs, nil
	}
	return project.Geometry(orb.Clone(g), project.WGS84.ToMercator), crs, nil
}
