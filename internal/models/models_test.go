package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusConstants(t *testing.T) {
	if StatusPending != "Pending" {
		t.Errorf("StatusPending = %q, want %q", StatusPending, "Pending")
	}
	if StatusDownloaded != "Downloaded" {
		t.Errorf("StatusDownloaded = %q, want %q", StatusDownloaded, "Downloaded")
	}
	if StatusError != "Error" {
		t.Errorf("StatusError = %q, want %q", StatusError, "Error")
	}
	if ItemStatusAvailable != "AVAILABLE_FOR_DOWNLOAD" {
		t.Errorf("ItemStatusAvailable = %q", ItemStatusAvailable)
	}
}

func TestFlexString_Unmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  FlexString
	}{
		{"string", `"12345"`, "12345"},
		{"number", `12345`, "12345"},
		{"null", `null`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got FlexString
			require.NoError(t, json.Unmarshal([]byte(tt.input), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	var bad FlexString
	if err := json.Unmarshal([]byte(`{"a":1}`), &bad); err == nil {
		t.Error("expected error for object input")
	}
}

func TestFlexInt_Unmarshal(t *testing.T) {
	var item OrderItem
	err := json.Unmarshal([]byte(`{"orderId": "42", "itemId": 7, "recordId": 99}`), &item)
	require.NoError(t, err)
	assert.Equal(t, FlexInt(42), item.OrderID)
	assert.Equal(t, FlexInt(7), item.ItemID)
	assert.Equal(t, FlexString("99"), item.RecordID)

	var bad FlexInt
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &bad))
}

func TestManifest_PreservesOrder(t *testing.T) {
	payload := `{"manifest": {"zzz/first.xml": "10", "aaa/second.xml": 20, "abc123/file.zip": "1048576"}}`
	var item OrderItem
	require.NoError(t, json.Unmarshal([]byte(payload), &item))

	require.Len(t, item.Manifest, 3)
	assert.Equal(t, "zzz/first.xml", item.Manifest[0].Key)
	assert.Equal(t, int64(20), item.Manifest[1].Size)

	last, ok := item.Manifest.Last()
	require.True(t, ok)
	assert.Equal(t, "abc123/file.zip", last.Key)
	assert.Equal(t, int64(1048576), last.Size)
}

func TestManifest_FloatSizes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int64
		wantErr bool
	}{
		{"integral float", `{"a/file.zip": 1048576.0}`, 1048576, false},
		{"exponent", `{"a/file.zip": 1.5e3}`, 1500, false},
		{"float string", `{"a/file.zip": "2048.0"}`, 2048, false},
		{"fractional", `{"a/file.zip": 10.5}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Manifest
			err := json.Unmarshal([]byte(tt.payload), &m)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			last, ok := m.Last()
			require.True(t, ok)
			assert.Equal(t, tt.want, last.Size)
		})
	}
}

func TestManifest_EmptyAndInvalid(t *testing.T) {
	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(`null`), &m))
	_, ok := m.Last()
	assert.False(t, ok)

	require.NoError(t, json.Unmarshal([]byte(`{}`), &m))
	assert.Len(t, m, 0)

	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"k": "not-a-number"}`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"k": true}`), &m))
}

func TestLookupCollection(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"RCM", "RCMImageProducts"},
		{"rcm", "RCMImageProducts"},
		{"RCMImageProducts", "RCMImageProducts"},
		{"rs2", "Radarsat2"},
		{"RADARSAT-2", "Radarsat2"},
		{"radarsat", "Radarsat1"},
		{"RS1", "Radarsat1"},
		{"Radarsat-1", "Radarsat1"},
		{"planet", "PlanetScope"},
		{"napl", "NAPL"},
		{" PlanetScope ", "PlanetScope"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			c, err := LookupCollection(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.ID)
		})
	}

	_, err := LookupCollection("Sentinel1")
	if !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestCollectionTable_Consistency(t *testing.T) {
	for _, c := range Collections() {
		t.Run(c.ID, func(t *testing.T) {
			assert.NotEmpty(t, c.MetaKeys)
			assert.True(t, c.SupportsArg(ArgStart))
			assert.True(t, c.SupportsArg(ArgGeometry))
			assert.Contains(t, c.Renames, firstRenameSource(c))
			assert.Greater(t, c.DefaultPageSize, 0)
		})
	}

	rcm, _ := LookupCollection("RCM")
	assert.True(t, rcm.SupportsArg(ArgDownlinkSegment))
	assert.NotEmpty(t, rcm.UUIDField)
	assert.Equal(t, 150, rcm.DefaultPageSize)
	rs1, _ := LookupCollection("RS1")
	assert.True(t, rs1.SwapStartEnd)
	assert.False(t, rs1.SupportsArg(ArgPolarization))
}

func firstRenameSource(c Collection) string {
	for src, dst := range c.Renames {
		if dst == ColumnRecordID {
			return src
		}
	}
	return ""
}

func TestConstructSearchUrl(t *testing.T) {
	u := ConstructSearchUrl("https://example.test/wes/rapi/", "Radarsat2", "A%3D%271%27", 150)
	if !strings.HasPrefix(u, "https://example.test/wes/rapi/search?") {
		t.Errorf("unexpected prefix: %s", u)
	}
	assert.Contains(t, u, "collection=Radarsat2")
	assert.Contains(t, u, "maxResults=150")
	assert.Contains(t, u, "format=json")
	assert.True(t, strings.HasSuffix(u, "&query=A%3D%271%27"), u)
}

func TestConstructOrderStatusUrl(t *testing.T) {
	u := ConstructOrderStatusUrl("https://example.test/rapi", 123, 1000)
	assert.Equal(t, "https://example.test/rapi/order?format=json&maxOrders=1000&orderId=123", u)
}
