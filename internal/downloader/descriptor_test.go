package downloader

import (
	"encoding/json"
	"errors"
	"testing"

	"eodms-api-client/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Status payloads as returned by the order endpoint.
const (
	itemAnchor = `{
  "orderId": 501234, "itemId": 998877, "recordId": "13110111",
  "status": "AVAILABLE_FOR_DOWNLOAD",
  "destinations": [{"type": "FTP", "stringValue": "<a href=\"https://data.eodms-sgdot.nrcan-rncan.gc.ca/api/dhus/v1/products/RCMImageProducts/abc123/file.zip&amp;file=file.zip\" target=\"_blank\">https://data.eodms-sgdot.nrcan-rncan.gc.ca/api/dhus/v1/products/RCMImageProducts/abc123/file.zip&amp;file=file.zip</a>"}],
  "manifest": {"abc123/file.zip": "1048576"}
}`

	itemWrongHash = `{
  "orderId": 501234, "itemId": 998878,
  "status": "AVAILABLE_FOR_DOWNLOAD",
  "destinations": [{"type": "FTP", "stringValue": "<a href=\"x\">https://data.eodms-sgdot.nrcan-rncan.gc.ca/api/dhus/v1/products/Radarsat2/ffff00/RS2_OK1_PK2.zip</a>"}],
  "manifest": {"aaaa11/RS2_OK1_PK2/product.xml": 2048, "9d8e7f/RS2_OK1_PK2.zip": 734003200}
}`

	itemEncodedTwice = `{
  "orderId": 7, "itemId": 8,
  "destinations": [{"type": "FTP", "stringValue": "&lt;a href=&quot;https://host.example/dl/h1/p.zip&quot;&gt;https://host.example/dl/h1/p.zip&lt;/a&gt;"}],
  "manifest": {"h1/p.zip": "10"}
}`

	itemHrefOnly = `{
  "orderId": 7, "itemId": 9,
  "destinations": [{"type": "FTP", "stringValue": "<a href=\"https://host.example/dl/h2/q.zip\"></a>"}],
  "manifest": {"h2/q.zip": "11"}
}`
)

func decodeItem(t *testing.T, payload string) models.OrderItem {
	t.Helper()
	var item models.OrderItem
	require.NoError(t, json.Unmarshal([]byte(payload), &item))
	return item
}

func TestExtractDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantURL  string
		wantSize int64
	}{
		{
			name:     "anchor with spurious file parameter",
			payload:  itemAnchor,
			wantURL:  "https://data.eodms-sgdot.nrcan-rncan.gc.ca/api/dhus/v1/products/RCMImageProducts/abc123/file.zip",
			wantSize: 1048576,
		},
		{
			name:     "url corrected from last manifest key",
			payload:  itemWrongHash,
			wantURL:  "https://data.eodms-sgdot.nrcan-rncan.gc.ca/api/dhus/v1/products/Radarsat2/9d8e7f/RS2_OK1_PK2.zip",
			wantSize: 734003200,
		},
		{
			name:     "entity encoded markup",
			payload:  itemEncodedTwice,
			wantURL:  "https://host.example/dl/h1/p.zip",
			wantSize: 10,
		},
		{
			name:     "href without text",
			payload:  itemHrefOnly,
			wantURL:  "https://host.example/dl/h2/q.zip",
			wantSize: 11,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := ExtractDescriptor(decodeItem(t, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, target.URL)
			assert.Equal(t, tt.wantSize, target.Size)
		})
	}
}

func TestExtractDescriptor_CarriesIdentifiers(t *testing.T) {
	target, err := ExtractDescriptor(decodeItem(t, itemAnchor))
	require.NoError(t, err)
	assert.Equal(t, 501234, target.OrderID)
	assert.Equal(t, 998877, target.ItemID)
	assert.Equal(t, "13110111", target.RecordID)
	assert.Equal(t, "file.zip", localName(target))
}

func TestExtractDescriptor_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"no destinations", `{"itemId":1,"manifest":{"a/b.zip":"1"}}`},
		{"empty destination", `{"itemId":1,"destinations":[{"stringValue":"  "}],"manifest":{"a/b.zip":"1"}}`},
		{"no manifest", `{"itemId":1,"destinations":[{"stringValue":"https://h/a/b.zip"}]}`},
		{"not a url", `{"itemId":1,"destinations":[{"stringValue":"<p>pending</p>"}],"manifest":{"a/b.zip":"1"}}`},
	}
	for _, tt := range tests {
		_, err := ExtractDescriptor(decodeItem(t, tt.payload))
		if !errors.Is(err, ErrNoDescriptor) {
			t.Errorf("%s: expected ErrNoDescriptor, got %v", tt.name, err)
		}
	}
}
