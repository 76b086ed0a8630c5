package geo

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const squareFeature = `{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[-75,45],[-74,45],[-74,46],[-75,46],[-75,45]]]}}`

func TestParseAOI_GeoJSONVariants(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
	}{
		{"feature", squareFeature, "Polygon"},
		{"bare geometry", `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`, "Polygon"},
		{"collection of two", `{"type":"FeatureCollection","features":[` + squareFeature + `,` + squareFeature + `]}`, "MultiPolygon"},
		{"wkt", `POLYGON((0 0, 1 0, 1 1, 0 0))`, "Polygon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ParseAOI([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, g.GeoJSONType())
		})
	}
}

func TestParseAOI_Rejections(t *testing.T) {
	_, err := ParseAOI([]byte(`{"type":"Point","coordinates":[1,2]}`))
	assert.True(t, errors.Is(err, ErrUnsupportedGeometry), "got %v", err)

	_, err = ParseAOI([]byte(`{"type":"FeatureCollection","features":[]}`))
	assert.True(t, errors.Is(err, ErrEmptyGeometry), "got %v", err)

	_, err = ParseAOI([]byte(`not a geometry`))
	assert.Error(t, err)

	// 1001 vertices
	var coords []string
	for i := 0; i < 1000; i++ {
		a := 2 * math.Pi * float64(i) / 1000
		coords = append(coords, fmt.Sprintf("[%f,%f]", math.Cos(a), math.Sin(a)))
	}
	coords = append(coords, coords[0])
	big := `{"type":"Polygon","coordinates":[[` + strings.Join(coords, ",") + `]]}`
	_, err = ParseAOI([]byte(big))
	assert.True(t, errors.Is(err, ErrTooManyVertices), "got %v", err)
}

func TestLoadAOI_File(t *testing.T) {
	p := filepath.Join(t.TempDir(), "aoi.geojson")
	require.NoError(t, os.WriteFile(p, []byte(squareFeature), 0644))

	g, err := LoadAOI(p)
	require.NoError(t, err)
	assert.Equal(t, 5, CountVertices(g))
	assert.True(t, strings.HasPrefix(ToWKT(g), "POLYGON"), ToWKT(g))

	_, err = LoadAOI(filepath.Join(t.TempDir(), "missing.geojson"))
	assert.Error(t, err)
}

func TestNormalizeCRS(t *testing.T) {
	for _, in := range []string{"", "4326", "epsg:4326", "WGS84"} {
		got, err := NormalizeCRS(in)
		require.NoError(t, err)
		assert.Equal(t, CRSWGS84, got)
	}
	got, err := NormalizeCRS("EPSG:3857")
	require.NoError(t, err)
	assert.Equal(t, CRSWebMercator, got)

	_, err = NormalizeCRS("EPSG:32618")
	assert.True(t, errors.Is(err, ErrUnsupportedCRS))
}

func TestReproject(t *testing.T) {
	src := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}

	same, crs, err := Reproject(src, "")
	require.NoError(t, err)
	assert.Equal(t, CRSWGS84, crs)
	assert.Equal(t, src, same)

	merc, crs, err := Reproject(src, "EPSG:3857")
	require.NoError(t, err)
	assert.Equal(t, CRSWebMercator, crs)
	p := merc.(orb.Polygon)
	assert.InDelta(t, 111319.49, p[0][1][0], 1.0)
	// source must not be modified
	assert.Equal(t, 1.0, src[0][1][0])
}

func TestDecodeGeometry(t *testing.T) {
	g, err := DecodeGeometry([]byte(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`))
	require.NoError(t, err)
	assert.Equal(t, "Polygon", g.GeoJSONType())

	_, err = DecodeGeometry([]byte(`null`))
	assert.True(t, errors.Is(err, ErrEmptyGeometry))
}
