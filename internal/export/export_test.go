package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"eodms-api-client/internal/geo"
	"eodms-api-client/internal/models"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCollection(t *testing.T, name string) models.Collection {
	t.Helper()
	c, err := models.LookupCollection(name)
	require.NoError(t, err)
	return c
}

var square = orb.Polygon{{{-75, 45}, {-74, 45}, {-74, 46}, {-75, 46}, {-75, 45}}}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2021-03-04 05:06:07 GMT", "2021-03-04T05:06:07Z", true},
		{"2021-03-04 05:06:07.123", "2021-03-04T05:06:07Z", true},
		{"2021-03-04T05:06:07Z", "2021-03-04T05:06:07Z", true},
		{"2021-03-04", "2021-03-04T00:00:00Z", true},
		{"", "", false},
		{"yesterday", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseDate(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseDate(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Format(time.RFC3339) != tt.want {
			t.Errorf("ParseDate(%q) = %s, want %s", tt.in, got.Format(time.RFC3339), tt.want)
		}
	}
}

func TestNormalize_RenamesAndSorts(t *testing.T) {
	rcm := mustCollection(t, "RCM")
	records := []models.MetadataRecord{
		{Fields: map[string]any{"recordId": "900", "title": "RCM_B", "Acquisition Start Date": "2021-03-04 05:06:07 GMT"}},
		{Fields: map[string]any{"recordId": "10000", "title": "RCM_C"}},
		{Fields: map[string]any{"recordId": "55", "title": "RCM_A"}, Geometry: square, CRS: geo.CRSWGS84, UUID: "u-1"},
		{Fields: map[string]any{"title": "no id"}},
	}

	rows := Normalize(rcm, records)
	require.Len(t, rows, 3, "records without an id are dropped")
	assert.Equal(t, []string{"55", "900", "10000"}, []string{rows[0].RecordID, rows[1].RecordID, rows[2].RecordID})

	first := rows[0]
	assert.Equal(t, "RCM_A", first.Granule)
	assert.Equal(t, int64(55), first.Fields[models.ColumnRecordID])
	assert.NotContains(t, first.Fields, "recordId")
	assert.NotContains(t, first.Fields, "title")
	assert.Equal(t, "u-1", first.UUID)

	assert.Equal(t, "2021-03-04T05:06:07Z", rows[1].Fields["Acquisition Start Date"])
	assert.Equal(t, time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC), rows[1].Start)
}

func TestNormalize_SwapsRadarsat1Dates(t *testing.T) {
	rs1 := mustCollection(t, "RS1")
	rows := Normalize(rs1, []models.MetadataRecord{{
		Fields: map[string]any{
			"Sequence Id": "12",
			"Product Id":  "RS1_P12",
			"Start Date":  "1999-01-02 10:00:30",
			"End Date":    "1999-01-02 10:00:00",
		},
	}})
	require.Len(t, rows, 1)
	assert.Equal(t, "1999-01-02T10:00:00Z", rows[0].Fields["Start Date"])
	assert.Equal(t, "1999-01-02T10:00:30Z", rows[0].Fields["End Date"])
	assert.True(t, rows[0].Start.Before(rows[0].End))
	assert.Equal(t, "RS1_P12", rows[0].Granule)
}

func TestNormalize_PartialRecordsKept(t *testing.T) {
	rows := Normalize(mustCollection(t, "RS2"), []models.MetadataRecord{
		{Fields: map[string]any{"Sequence Id": "3"}, Err: errors.New("timeout")},
	})
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Partial)
	assert.Empty(t, rows[0].Granule)
}

func TestWriteGeoJSON(t *testing.T) {
	rows := []Row{
		{RecordID: "1", Fields: map[string]any{"EODMS RecordId": int64(1), "Granule": "G1"}, Geometry: square, CRS: geo.CRSWGS84, ThumbnailURL: "https://t/1.jpg"},
		{RecordID: "2", Fields: map[string]any{"EODMS RecordId": int64(2)}, CRS: geo.CRSWGS84},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteGeoJSON(&buf, rows))

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			ID         any            `json:"id"`
			Geometry   map[string]any `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
		CRS any `json:"crs"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 2)
	assert.Equal(t, "Polygon", doc.Features[0].Geometry["type"])
	assert.Equal(t, "G1", doc.Features[0].Properties["Granule"])
	assert.Equal(t, "https://t/1.jpg", doc.Features[0].Properties["Thumbnail"])
	assert.Nil(t, doc.Features[1].Geometry)
	assert.Nil(t, doc.CRS, "no crs member for EPSG:4326")
}

func TestWriteGeoJSON_NamesProjectedCRS(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteGeoJSON(&buf, []Row{{RecordID: "1", Fields: map[string]any{}, CRS: geo.CRSWebMercator}}))
	assert.Contains(t, buf.String(), `"EPSG:3857"`)
}

func TestSTACItem(t *testing.T) {
	row := Row{
		Collection:   "RCMImageProducts",
		RecordID:     "55",
		Granule:      "RCM_A",
		Fields:       map[string]any{"Beam Mnemonic": "SC30MCPB"},
		Geometry:     square,
		ThumbnailURL: "https://t/55.jpg",
		UUID:         "u-1",
		Start:        time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC),
		End:          time.Date(2021, 3, 4, 5, 7, 7, 0, time.UTC),
	}
	item := STACItem(row)
	assert.Equal(t, "55", item.Id)
	assert.Equal(t, "RCMImageProducts", item.Collection)
	assert.Equal(t, []float64{-75, 45, -74, 46}, item.Bbox)
	assert.Nil(t, item.Properties["datetime"])
	assert.Equal(t, "2021-03-04T05:06:07Z", item.Properties["start_datetime"])
	assert.Equal(t, "RCM_A", item.Properties["title"])
	require.Contains(t, item.Assets, "thumbnail")
	assert.Equal(t, "https://t/55.jpg", item.Assets["thumbnail"].Href)

	data, err := json.Marshal(item)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stac_version":"1.0.0"`)
	assert.Contains(t, string(data), `"type":"Feature"`)
}

func TestDump(t *testing.T) {
	dir := t.TempDir()
	rows := []Row{{RecordID: "7", Fields: map[string]any{}}, {RecordID: "8", Fields: map[string]any{}}}

	written, err := Dump("geojson", dir, "rcm_20240101_20240102", rows)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "rcm_20240101_20240102.geojson")}, written)

	written, err = Dump("STAC", dir, "items", rows)
	require.NoError(t, err)
	assert.Len(t, written, 2)
	_, err = os.Stat(filepath.Join(dir, "items", "8.json"))
	assert.NoError(t, err)

	_, err = Dump("shapefile", dir, "x", rows)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestDumpName(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	name, err := DumpName("", "RCMImageProducts", start, end, 3, now)
	require.NoError(t, err)
	assert.Contains(t, name, "20240101")
	assert.Contains(t, name, "20240102")

	_, err = DumpName("{collection}_{bogus}", "RCM", start, end, 0, now)
	assert.Error(t, err)
}

func TestEntryRoundTrip(t *testing.T) {
	rcm := mustCollection(t, "RCM")
	row := Normalize(rcm, []models.MetadataRecord{{
		Fields:   map[string]any{"recordId": "42", "title": "G", "Acquisition Start Date": "2021-03-04 05:06:07"},
		Geometry: square,
		UUID:     "u-42",
	}})[0]

	entry := row.Entry(time.Unix(1700000000, 0))
	assert.Equal(t, "42", entry.RecordID)
	assert.Equal(t, int64(1700000000), entry.Timestamp)
	assert.Contains(t, string(entry.Geometry), "Polygon")

	back := FromEntry(rcm, entry)
	assert.Equal(t, "G", back.Granule)
	assert.Equal(t, "u-42", back.UUID)
	assert.Equal(t, row.Start, back.Start)
	assert.Equal(t, orb.Polygon(square).Bound(), back.Geometry.Bound())
}
