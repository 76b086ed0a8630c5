package config

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"eodms-api-client/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// missingConfig points Initialize at a file that does not exist so the
// working directory's config.toml never leaks into a test.
func missingConfig(t *testing.T) *string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	return &p
}

func writeConfig(t *testing.T, body string) *string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return &p
}

// TestConfigInitialization tests basic configuration initialization
func TestConfigInitialization(t *testing.T) {
	cfg, transport, err := Initialize(CliFlags{})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}

	if cfg.OutputDir != DefaultOutputDir {
		t.Errorf("Expected output dir %q, got %q", DefaultOutputDir, cfg.OutputDir)
	}
	if cfg.APIBaseURL != api.DefaultBaseURL {
		t.Errorf("Expected API base %q, got %q", api.DefaultBaseURL, cfg.APIBaseURL)
	}
	if cfg.Search.PageSize != 0 || cfg.Search.MaxPages != 50 || cfg.Search.Concurrency != 4 {
		t.Errorf("Unexpected search defaults: %+v", cfg.Search)
	}
	if cfg.Order.Priority != "Medium" || cfg.Order.BatchSize != 50 {
		t.Errorf("Unexpected order defaults: %+v", cfg.Order)
	}
	if cfg.DDS.PollIntervalSec != 5 || cfg.DDS.MaxPolls != 120 || cfg.DDS.Concurrency != 4 {
		t.Errorf("Unexpected DDS defaults: %+v", cfg.DDS)
	}
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 3000, cfg.RetryDelayMs)
	assert.Equal(t, 2000, cfg.InitialRetryDelayMs)
	assert.Equal(t, DefaultAcceptContentTypes, cfg.Download.AcceptContentTypes)
	assert.True(t, cfg.DB.Verify.CheckHash)
	assert.True(t, strings.HasSuffix(cfg.DatabasePath, filepath.Join(".eodms", "eodms.sqlite")))
	assert.False(t, strings.HasPrefix(cfg.DatabasePath, "~"), "home directory is expanded")
	assert.Equal(t, http.DefaultTransport, transport)
}

// TestFlagOverrides tests that CLI flags override default values
func TestFlagOverrides(t *testing.T) {
	pageSize := 300
	priority := "urgent"
	concurrency := 8
	collection := "rs2"
	flags := CliFlags{
		ConfigFilePath: missingConfig(t),
		Search:         &CliSearchFlags{PageSize: &pageSize, Collection: &collection},
		Order:          &CliOrderFlags{Priority: &priority},
		DDS:            &CliDDSFlags{Concurrency: &concurrency},
	}
	// An explicit but missing file is an error
	_, _, err := Initialize(flags)
	require.Error(t, err)

	flags.ConfigFilePath = writeConfig(t, "")
	cfg, _, err := Initialize(flags)
	require.NoError(t, err)

	if cfg.Search.PageSize != 300 {
		t.Errorf("Expected page size 300 (from flags), got %d", cfg.Search.PageSize)
	}
	assert.Equal(t, "Urgent", cfg.Order.Priority, "priority is normalized")
	assert.Equal(t, "Radarsat2", cfg.Search.Collection, "alias resolves to the canonical id")
	assert.Equal(t, 8, cfg.DDS.Concurrency)
}

func TestConfigFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
OutputDir = "/data/eodms"
MaxRetries = 2

[Search]
Collection = "RCM"
PageSize = 150
TargetCRS = "3857"

[Mirror]
Bucket = "products"
Prefix = "rcm"
`)
	t.Setenv("EODMS_SEARCH_PAGESIZE", "600")
	t.Setenv("EODMS_ORDER_PRIORITY", "low")

	cfg, _, err := Initialize(CliFlags{ConfigFilePath: path})
	require.NoError(t, err)

	assert.Equal(t, "/data/eodms", cfg.OutputDir)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "RCMImageProducts", cfg.Search.Collection)
	assert.Equal(t, 600, cfg.Search.PageSize, "environment beats the file")
	assert.Equal(t, "EPSG:3857", cfg.Search.TargetCRS)
	assert.Equal(t, "Low", cfg.Order.Priority)
	assert.Equal(t, "products", cfg.Mirror.Bucket)

	flagSize := 1000
	cfg, _, err = Initialize(CliFlags{ConfigFilePath: path, Search: &CliSearchFlags{PageSize: &flagSize}})
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Search.PageSize, "flags beat the environment")
}

func TestCredentialsFromEnvironment(t *testing.T) {
	t.Setenv("EODMS_USERNAME", "alice")
	t.Setenv("EODMS_PASSWORD", "s3cret")
	cfg, _, err := Initialize(CliFlags{ConfigFilePath: writeConfig(t, "")})
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "s3cret", cfg.Password)
}

// TestConfigValidation tests configuration validation for critical values
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad priority", "[Order]\nPriority = \"Whenever\""},
		{"bad collection", "[Search]\nCollection = \"Landsat\""},
		{"bad crs", "[Search]\nTargetCRS = \"EPSG:32618\""},
		{"bad dump format", "[Search]\nDumpFormat = \"shp\""},
		{"bad dump pattern", "[Search]\nDumpPattern = \"{satellite}\""},
		{"bad log format", "LogFormat = \"xml\""},
		{"bad log level", "LogLevel = \"loud\""},
		{"negative page size", "[Search]\nPageSize = -1"},
		{"malformed toml", "[Search\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Initialize(CliFlags{ConfigFilePath: writeConfig(t, tt.body)})
			if err == nil {
				t.Errorf("Expected an error for %s", tt.name)
			}
		})
	}
}

// TestNilFlagPointers tests that nil nested flag groups are ignored
func TestNilFlagPointers(t *testing.T) {
	flags := CliFlags{
		ConfigFilePath: writeConfig(t, ""),
		Search:         nil,
		Order:          nil,
		Download:       &CliDownloadFlags{},
		DB:             &CliDBFlags{Verify: nil},
	}
	cfg, _, err := Initialize(flags)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfigDownloadChunkSizeKB, cfg.Download.ChunkSizeKB)
}

// TestHTTPTransportCreation tests that --log-api wraps the transport
func TestHTTPTransportCreation(t *testing.T) {
	dir := t.TempDir()
	logAPI := true
	flags := CliFlags{ConfigFilePath: writeConfig(t, ""), OutputDir: &dir, LogApiRequests: &logAPI}

	_, transport, err := Initialize(flags)
	require.NoError(t, err)
	t.Cleanup(api.CloseAllLoggingTransports)

	if _, ok := transport.(*api.LoggingTransport); !ok {
		t.Fatalf("Expected *api.LoggingTransport, got %T", transport)
	}
	_, err = os.Stat(filepath.Join(dir, "api.log"))
	assert.NoError(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".eodms", "x"), expandHome("~/.eodms/x"))
	assert.Equal(t, "/abs/path", expandHome("/abs/path"))
	assert.Equal(t, "rel/~", expandHome("rel/~"))
}
