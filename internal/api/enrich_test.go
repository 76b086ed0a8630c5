package api

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eodms-api-client/internal/geo"
	"eodms-api-client/internal/models"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const detailTemplate = `{
  "recordId": "%[1]s",
  "title": "RCM1_OK%[1]s_SC30MCPB",
  "thumbnailUrl": "https://example.org/thumb/%[1]s.jpg",
  "metadata": [
    ["Beam Mode", "SC30M"],
    ["Metadata Full Name", "https://www.eodms-sgdot.nrcan-rncan.gc.ca/dds/v1/item/RCMImageProducts/3f1c2b8a-4d5e-4f60-9a7b-%[2]s/"],
    ["Beam Mode", "ignored duplicate"]
  ],
  "geometry": {"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}
}`

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) Get(url string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[url]
	return v, ok
}

func (m *mapCache) Put(url string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[url] = body
	return nil
}

func detailServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Query().Get("format") != "json" {
			t.Errorf("detail request without format=json: %s", r.URL)
		}
		id := strings.TrimPrefix(r.URL.Path, "/record/RCMImageProducts/")
		if id == "404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// finish out of order
		time.Sleep(time.Duration(rand.Intn(15)) * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, detailTemplate, id, strings.Repeat("0", 12-len(id))+id)
	}))
	t.Cleanup(server.Close)
	return server
}

func hitsFor(server *httptest.Server, ids ...string) []models.SearchHit {
	hits := make([]models.SearchHit, len(ids))
	for i, id := range ids {
		hits[i] = models.SearchHit{
			RecordID:      models.FlexString(id),
			ThisRecordURL: server.URL + "/record/RCMImageProducts/" + id,
		}
	}
	return hits
}

func rcm(t *testing.T) models.Collection {
	c, err := models.LookupCollection("RCM")
	require.NoError(t, err)
	return c
}

func TestEnrich_IndexAligned(t *testing.T) {
	var requests atomic.Int32
	server := detailServer(t, &requests)
	c := newTestClient(server)

	var ids []string
	for i := 1; i <= 25; i++ {
		ids = append(ids, fmt.Sprint(1000+i))
	}
	records := c.Enrich(context.Background(), rcm(t), hitsFor(server, ids...), []string{"recordId", "title", "Beam Mode"})

	require.Len(t, records, len(ids))
	for i, rec := range records {
		require.NoError(t, rec.Err)
		assert.Equal(t, ids[i], rec.Fields["recordId"], "record %d out of order", i)
		assert.Equal(t, "SC30M", rec.Fields["Beam Mode"], "first metadata pair wins")
	}
	assert.Equal(t, int32(25), requests.Load())
}

func TestEnrich_ExtractsGeometryThumbnailAndUUID(t *testing.T) {
	var requests atomic.Int32
	server := detailServer(t, &requests)
	c := newTestClient(server)

	records := c.Enrich(context.Background(), rcm(t), hitsFor(server, "42"), []string{"title"})
	require.Len(t, records, 1)
	rec := records[0]
	require.NoError(t, rec.Err)

	assert.Equal(t, "RCM1_OK42_SC30MCPB", rec.Fields["title"])
	assert.Equal(t, "https://example.org/thumb/42.jpg", rec.ThumbnailURL)
	assert.Equal(t, "3f1c2b8a-4d5e-4f60-9a7b-000000000042", rec.UUID)
	assert.Equal(t, geo.CRSWGS84, rec.CRS)
	_, ok := rec.Geometry.(orb.Polygon)
	assert.True(t, ok, "expected polygon geometry, got %T", rec.Geometry)
	assert.Contains(t, rec.SourceURL, "format=json")
}

func TestEnrich_Reprojects(t *testing.T) {
	var requests atomic.Int32
	server := detailServer(t, &requests)
	c := newTestClient(server)
	c.TargetCRS = "EPSG:3857"

	records := c.Enrich(context.Background(), rcm(t), hitsFor(server, "7"), nil)
	require.NoError(t, records[0].Err)
	assert.Equal(t, geo.CRSWebMercator, records[0].CRS)
	poly := records[0].Geometry.(orb.Polygon)
	assert.InDelta(t, 111319.49, poly[0][1][0], 1.0)
}

func TestEnrich_FailedFetchIsPartial(t *testing.T) {
	var requests atomic.Int32
	server := detailServer(t, &requests)
	c := newTestClient(server)

	records := c.Enrich(context.Background(), rcm(t), hitsFor(server, "1", "404", "3"), []string{"recordId", "title"})
	require.Len(t, records, 3)
	assert.NoError(t, records[0].Err)
	assert.NoError(t, records[2].Err)

	partial := records[1]
	assert.ErrorIs(t, partial.Err, ErrNotFound)
	assert.Equal(t, "404", partial.Fields["recordId"])
	assert.NotContains(t, partial.Fields, "title")
}

func TestEnrich_UsesCache(t *testing.T) {
	var requests atomic.Int32
	server := detailServer(t, &requests)
	c := newTestClient(server)
	c.Cache = &mapCache{data: map[string][]byte{}}

	first := c.Enrich(context.Background(), rcm(t), hitsFor(server, "1", "2"), nil)
	second := c.Enrich(context.Background(), rcm(t), hitsFor(server, "1", "2"), nil)

	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, first[0].UUID, second[0].UUID)
	assert.Equal(t, first[1].Fields, second[1].Fields)
}

func TestEnrich_Empty(t *testing.T) {
	c := NewClient("alice", nil, models.Config{})
	assert.Empty(t, c.Enrich(context.Background(), rcm(t), nil, nil))
}

func TestUUIDFromPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://host/dds/v1/item/RCMImageProducts/3F1C2B8A-4D5E-4F60-9A7B-000000000042", "3f1c2b8a-4d5e-4f60-9a7b-000000000042", false},
		{"3f1c2b8a-4d5e-4f60-9a7b-000000000042/", "3f1c2b8a-4d5e-4f60-9a7b-000000000042", false},
		{`C:\products\3f1c2b8a-4d5e-4f60-9a7b-000000000042`, "3f1c2b8a-4d5e-4f60-9a7b-000000000042", false},
		{"RCM1_OK1234_PK5678_1_SC30MCPB_20240101_000000_HH_HV_GRD", "", true},
	}
	for _, tt := range tests {
		got, err := uuidFromPath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("uuidFromPath(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("uuidFromPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
