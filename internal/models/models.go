package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// FlexString unmarshals from either a JSON string or a JSON number.
// EODMS is not consistent about quoting identifiers between endpoints.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler for FlexString
func (s *FlexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*s = FlexString(num.String())
	return nil
}

func (s FlexString) String() string { return string(s) }

// FlexInt unmarshals from a JSON number or a numeric string.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler for FlexInt
func (i *FlexInt) UnmarshalJSON(data []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		*i = 0
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(s)))
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", string(s), err)
	}
	*i = FlexInt(n)
	return nil
}

type (
	// Config holds the application's configuration settings.
	Config struct {
		Username            string         `toml:"Username" json:"Username"`
		Password            string         `toml:"-" json:"-"`
		OutputDir           string         `toml:"OutputDir" json:"OutputDir"`
		DatabasePath        string         `toml:"DatabasePath" json:"DatabasePath"`
		BleveIndexPath      string         `toml:"BleveIndexPath" json:"BleveIndexPath"`
		CachePath           string         `toml:"CachePath" json:"CachePath"`
		TokenCachePath      string         `toml:"TokenCachePath" json:"TokenCachePath"`
		MetricsFile         string         `toml:"MetricsFile" json:"MetricsFile"`
		LogLevel            string         `toml:"LogLevel" json:"LogLevel"`
		LogFormat           string         `toml:"LogFormat" json:"LogFormat"`
		APIBaseURL          string         `toml:"ApiBaseUrl" json:"ApiBaseUrl"`
		DDSBaseURL          string         `toml:"DdsBaseUrl" json:"DdsBaseUrl"`
		Search              SearchConfig   `toml:"Search" json:"Search"`
		Order               OrderConfig    `toml:"Order" json:"Order"`
		Download            DownloadConfig `toml:"Download" json:"Download"`
		DDS                 DDSConfig      `toml:"DDS" json:"DDS"`
		Mirror              MirrorConfig   `toml:"Mirror" json:"Mirror"`
		DB                  DBConfig       `toml:"DB" json:"DB"`
		APIClientTimeoutSec int            `toml:"ApiClientTimeoutSec" json:"ApiClientTimeoutSec"`
		MaxRetries          int            `toml:"MaxRetries" json:"MaxRetries"`
		RetryDelayMs        int            `toml:"RetryDelayMs" json:"RetryDelayMs"`
		InitialRetryDelayMs int            `toml:"InitialRetryDelayMs" json:"InitialRetryDelayMs"`
		LogApiRequests      bool           `toml:"LogApiRequests" json:"LogApiRequests"`
	}

	// SearchConfig holds settings for the 'query' command.
	SearchConfig struct {
		Collection     string `toml:"Collection"`
		TargetCRS      string `toml:"TargetCRS"`
		DumpFormat     string `toml:"DumpFormat"`
		DumpPattern    string `toml:"DumpPattern"`
		PageSize       int    `toml:"PageSize"` // 0 means the collection default
		MaxPages       int    `toml:"MaxPages"`
		Concurrency    int    `toml:"Concurrency"`
		TimeoutSec     int    `toml:"TimeoutSec"`
		IndexResults   bool   `toml:"IndexResults"`
		SaveThumbnails bool   `toml:"SaveThumbnails"`
	}

	// OrderConfig holds settings for order submission.
	OrderConfig struct {
		Priority  string `toml:"Priority"`
		BatchSize int    `toml:"BatchSize"`
	}

	// DownloadConfig holds settings for the primary download channel.
	DownloadConfig struct {
		AcceptContentTypes []string `toml:"AcceptContentTypes"`
		ChunkSizeKB        int      `toml:"ChunkSizeKB"`
		TimeoutMin         int      `toml:"TimeoutMin"`
	}

	// DDSConfig holds settings for the token-authenticated download channel.
	DDSConfig struct {
		PollIntervalSec int `toml:"PollIntervalSec"`
		MaxPolls        int `toml:"MaxPolls"`
		Concurrency     int `toml:"Concurrency"`
	}

	// MirrorConfig configures the optional S3 copy of finished downloads.
	MirrorConfig struct {
		Bucket          string `toml:"Bucket"`
		Prefix          string `toml:"Prefix"`
		Region          string `toml:"Region"`
		Endpoint        string `toml:"Endpoint"`
		AccessKeyID     string `toml:"AccessKeyID"`
		SecretAccessKey string `toml:"-" json:"-"`
	}

	// DBConfig holds settings specific to the 'db' command group.
	DBConfig struct {
		Verify DBVerifyConfig `toml:"Verify"`
	}

	DBVerifyConfig struct {
		CheckHash bool `toml:"CheckHash"`
	}
)

type (
	// SearchResult is one page returned by the search endpoint.
	SearchResult struct {
		TotalResults int         `json:"totalResults"`
		MoreResults  bool        `json:"moreResults"`
		Results      []SearchHit `json:"results"`
	}

	SearchHit struct {
		RecordID      FlexString `json:"recordId"`
		CollectionID  string     `json:"collectionId"`
		Title         string     `json:"title"`
		ThisRecordURL string     `json:"thisRecordUrl"`
		ThumbnailURL  string     `json:"thumbnailUrl"`
		IsOrderable   bool       `json:"isOrderable"`
	}

	// MetadataRecord is the enriched view of a single search hit. A record
	// with a non-nil Err is partial: some or all fields may be missing.
	MetadataRecord struct {
		SourceURL    string
		Fields       map[string]any
		Geometry     orb.Geometry
		CRS          string
		ThumbnailURL string
		UUID         string
		Err          error
	}

	// OrderRequest is the body of a POST to the order endpoint.
	OrderRequest struct {
		Destinations []any              `json:"destinations"`
		Items        []OrderRequestItem `json:"items"`
	}

	OrderRequestItem struct {
		CollectionID string          `json:"collectionId"`
		RecordID     string          `json:"recordId"`
		Priority     string          `json:"priority"`
		Parameters   OrderParameters `json:"parameters"`
	}

	OrderParameters struct {
		NotificationEmail string `json:"NOTIFICATION_EMAIL_ADDRESS"`
		PackagingFormat   string `json:"packagingFormat"`
	}

	// OrderResponse is returned by both order submission and status checks.
	OrderResponse struct {
		Items []OrderItem `json:"items"`
	}

	OrderItem struct {
		OrderID      FlexInt       `json:"orderId"`
		ItemID       FlexInt       `json:"itemId"`
		RecordID     FlexString    `json:"recordId"`
		CollectionID string        `json:"collectionId"`
		Status       string        `json:"status"`
		Destinations []Destination `json:"destinations"`
		Manifest     Manifest      `json:"manifest"`
	}

	Destination struct {
		Type        string `json:"type"`
		StringValue string `json:"stringValue"`
	}

	// DownloadTarget is a resolved, ready-to-fetch order item.
	DownloadTarget struct {
		URL       string
		Size      int64
		LocalPath string
		OrderID   int
		ItemID    int
		RecordID  string
	}
)

type (
	// RecordEntry is a normalized search record persisted in the state store.
	RecordEntry struct {
		Collection   string          `json:"collection"`
		RecordID     string          `json:"recordId"`
		Granule      string          `json:"granule"`
		UUID         string          `json:"uuid,omitempty"`
		ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
		Fields       map[string]any  `json:"fields"`
		Geometry     json.RawMessage `json:"geometry,omitempty"`
		Timestamp    int64           `json:"timestamp"`
	}

	// OrderEntry tracks one submitted order.
	OrderEntry struct {
		OrderID     int      `json:"orderId"`
		Collection  string   `json:"collection"`
		Priority    string   `json:"priority"`
		RecordIDs   []string `json:"recordIds"`
		SubmittedAt int64    `json:"submittedAt"`
	}

	// DownloadEntry tracks one local product file.
	DownloadEntry struct {
		Path         string `json:"path"`
		URL          string `json:"url"`
		Size         int64  `json:"size"`
		Blake3       string `json:"blake3,omitempty"`
		Status       string `json:"status"`
		ErrorDetails string `json:"errorDetails,omitempty"`
		OrderID      int    `json:"orderId,omitempty"`
		ItemID       int    `json:"itemId,omitempty"`
		UUID         string `json:"uuid,omitempty"`
		RecordID     string `json:"recordId,omitempty"`
		Mirrored     bool   `json:"mirrored"`
		Timestamp    int64  `json:"timestamp"`
	}
)

// Database Status Constants
const (
	StatusPending    = "Pending"
	StatusDownloaded = "Downloaded"
	StatusError      = "Error"
)

// Order item states reported by the order endpoint.
const (
	ItemStatusAvailable = "AVAILABLE_FOR_DOWNLOAD"
	ItemStatusSubmitted = "SUBMITTED"
	ItemStatusPending   = "PENDING"
)

// PackagingFormat is the only packaging the client requests.
const PackagingFormat = "ZIP"

// ConstructSearchUrl builds a search request URL. The filter expression is
// expected to be escaped already and is appended verbatim.
func ConstructSearchUrl(baseURL, collectionID, filter string, maxResults int) string {
	values := url.Values{}
	values.Set("collection", collectionID)
	values.Set("maxResults", strconv.Itoa(maxResults))
	values.Set("format", "json")
	u := strings.TrimRight(baseURL, "/") + "/search?" + values.Encode()
	if filter != "" {
		u += "&query=" + filter
	}
	return u
}

// ConstructOrderStatusUrl builds the status-check URL for one order id.
func ConstructOrderStatusUrl(baseURL string, orderID, maxOrders int) string {
	values := url.Values{}
	values.Set("orderId", strconv.Itoa(orderID))
	values.Set("maxOrders", strconv.Itoa(maxOrders))
	values.Set("format", "json")
	return strings.TrimRight(baseURL, "/") + "/order?" + values.Encode()
}
