package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"eodms-api-client/internal/api"
	"eodms-api-client/internal/geo"
	"eodms-api-client/internal/models"
	"eodms-api-client/internal/paths"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultConfigFilePath      = "config.toml"
	DefaultOutputDir           = "."
	DefaultStateDir            = "~/.eodms"
	DefaultDatabaseName        = "eodms.sqlite"
	DefaultIndexName           = "records.bleve"
	DefaultCacheName           = "detail-cache"
	DefaultTokenCacheName      = "aaa_creds.json"
	DefaultAPIBaseURL          = api.DefaultBaseURL
	DefaultDDSBaseURL          = "https://www.eodms-sgdot.nrcan-rncan.gc.ca"
	DefaultLogApiRequests      = false
	DefaultAPIClientTimeoutSec = 120
	DefaultMaxRetries          = 5
	DefaultRetryDelayMs        = 3000 // after connection resets
	DefaultInitialRetryDelayMs = 2000 // first 5xx backoff, doubled per retry
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"

	// Search specific defaults
	DefaultConfigSearchPageSize    = 0 // collection default
	DefaultConfigSearchMaxPages    = 50
	DefaultConfigSearchConcurrency = 4
	DefaultConfigSearchTimeoutSec  = 20
	DefaultConfigSearchTargetCRS   = geo.CRSWGS84
	DefaultConfigSearchDumpFormat  = "geojson"
	DefaultConfigSearchDumpPattern = "{collection}_{start}_{end}"

	// Order specific defaults
	DefaultConfigOrderPriority  = "Medium"
	DefaultConfigOrderBatchSize = 50

	// Download specific defaults
	DefaultConfigDownloadChunkSizeKB = 1024
	DefaultConfigDownloadTimeoutMin  = 60

	// DDS specific defaults
	DefaultConfigDDSPollIntervalSec = 5
	DefaultConfigDDSMaxPolls        = 120
	DefaultConfigDDSConcurrency     = 4

	// DB specific defaults
	DefaultConfigDBVerifyCheckHash = true
)

// DefaultAcceptContentTypes are the media types a product transfer may carry.
var DefaultAcceptContentTypes = []string{
	"application/zip",
	"application/x-zip-compressed",
	"application/octet-stream",
}

// setViperDefaults configures Viper with the application's default values.
// Every key needs a default for AutomaticEnv to pick up its variable.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("outputdir", DefaultOutputDir)
	v.SetDefault("databasepath", filepath.Join(DefaultStateDir, DefaultDatabaseName))
	v.SetDefault("bleveindexpath", filepath.Join(DefaultStateDir, DefaultIndexName))
	v.SetDefault("cachepath", filepath.Join(DefaultStateDir, DefaultCacheName))
	v.SetDefault("tokencachepath", filepath.Join(DefaultStateDir, DefaultTokenCacheName))
	v.SetDefault("metricsfile", "")
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)
	v.SetDefault("apibaseurl", DefaultAPIBaseURL)
	v.SetDefault("ddsbaseurl", DefaultDDSBaseURL)
	v.SetDefault("logapirequests", DefaultLogApiRequests)
	v.SetDefault("apiclienttimeoutsec", DefaultAPIClientTimeoutSec)
	v.SetDefault("maxretries", DefaultMaxRetries)
	v.SetDefault("retrydelayms", DefaultRetryDelayMs)
	v.SetDefault("initialretrydelayms", DefaultInitialRetryDelayMs)

	v.SetDefault("search.collection", "")
	v.SetDefault("search.targetcrs", DefaultConfigSearchTargetCRS)
	v.SetDefault("search.dumpformat", DefaultConfigSearchDumpFormat)
	v.SetDefault("search.dumppattern", DefaultConfigSearchDumpPattern)
	v.SetDefault("search.pagesize", DefaultConfigSearchPageSize)
	v.SetDefault("search.maxpages", DefaultConfigSearchMaxPages)
	v.SetDefault("search.concurrency", DefaultConfigSearchConcurrency)
	v.SetDefault("search.timeoutsec", DefaultConfigSearchTimeoutSec)
	v.SetDefault("search.indexresults", false)
	v.SetDefault("search.savethumbnails", false)

	v.SetDefault("order.priority", DefaultConfigOrderPriority)
	v.SetDefault("order.batchsize", DefaultConfigOrderBatchSize)

	v.SetDefault("download.acceptcontenttypes", DefaultAcceptContentTypes)
	v.SetDefault("download.chunksizekb", DefaultConfigDownloadChunkSizeKB)
	v.SetDefault("download.timeoutmin", DefaultConfigDownloadTimeoutMin)

	v.SetDefault("dds.pollintervalsec", DefaultConfigDDSPollIntervalSec)
	v.SetDefault("dds.maxpolls", DefaultConfigDDSMaxPolls)
	v.SetDefault("dds.concurrency", DefaultConfigDDSConcurrency)

	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.region", "")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.accesskeyid", "")
	v.SetDefault("mirror.secretaccesskey", "")

	v.SetDefault("db.verify.checkhash", DefaultConfigDBVerifyCheckHash)
}

// CliFlags holds pointers to values received from command-line flags.
// Nil fields indicate the flag was not provided by the user.
type CliFlags struct {
	// Global/Persistent Flags
	ConfigFilePath      *string
	LogLevel            *string // --log-level
	LogFormat           *string // --log-format
	LogApiRequests      *bool   // --log-api
	OutputDir           *string // --output-dir
	DatabasePath        *string // --db-path
	MetricsFile         *string // --metrics-file
	Username            *string // --username
	Password            *string // --password
	APIClientTimeoutSec *int    // --api-timeout
	MaxRetries          *int    // --max-retries

	// Command-specific flags nested
	Search   *CliSearchFlags
	Order    *CliOrderFlags
	Download *CliDownloadFlags
	DDS      *CliDDSFlags
	DB       *CliDBFlags
}

type CliSearchFlags struct {
	Collection     *string // -c
	TargetCRS      *string // --target-crs
	DumpFormat     *string // --dump-format
	DumpPattern    *string // --dump-pattern
	PageSize       *int    // --page-size
	MaxPages       *int    // --max-pages
	Concurrency    *int    // --concurrency
	IndexResults   *bool   // --index
	SaveThumbnails *bool   // --thumbnails
}

type CliOrderFlags struct {
	Priority  *string // --priority
	BatchSize *int    // --batch-size
}

type CliDownloadFlags struct {
	ChunkSizeKB *int // --chunk-size
	TimeoutMin  *int // --timeout
}

type CliDDSFlags struct {
	PollIntervalSec *int // --poll-interval
	MaxPolls        *int // --max-polls
	Concurrency     *int // --concurrency
}

type CliDBFlags struct {
	Verify *CliDBVerifyFlags
}

type CliDBVerifyFlags struct {
	CheckHash *bool // --check-hash
}

// Initialize merges defaults, the config file, EODMS_* environment variables
// and CLI flags (in increasing precedence) and builds the base HTTP
// transport.
func Initialize(flags CliFlags) (models.Config, http.RoundTripper, error) {
	var finalCfg models.Config

	v := viper.New()
	v.SetEnvPrefix("EODMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setViperDefaults(v)

	configFilePath := DefaultConfigFilePath
	explicitFile := flags.ConfigFilePath != nil && *flags.ConfigFilePath != ""
	if explicitFile {
		configFilePath = *flags.ConfigFilePath
	}
	v.SetConfigFile(configFilePath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist):
			if explicitFile {
				return models.Config{}, nil, fmt.Errorf("config file %s not found", configFilePath)
			}
			log.Debugf("[Initialize] Config file '%s' not found. Using defaults, environment and flags only.", configFilePath)
		default:
			return models.Config{}, nil, fmt.Errorf("error reading config file %s: %w", configFilePath, err)
		}
	} else {
		log.Debugf("[Initialize] Read config file: %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&finalCfg); err != nil {
		return models.Config{}, nil, fmt.Errorf("failed to unmarshal config from viper: %w", err)
	}

	applyFlags(&finalCfg, flags)

	finalCfg.DatabasePath = expandHome(finalCfg.DatabasePath)
	finalCfg.BleveIndexPath = expandHome(finalCfg.BleveIndexPath)
	finalCfg.CachePath = expandHome(finalCfg.CachePath)
	finalCfg.TokenCachePath = expandHome(finalCfg.TokenCachePath)
	finalCfg.OutputDir = expandHome(finalCfg.OutputDir)

	if err := Validate(&finalCfg); err != nil {
		return models.Config{}, nil, err
	}

	var finalTransport http.RoundTripper = http.DefaultTransport
	if finalCfg.LogApiRequests {
		logFilePath := "api.log"
		if _, statErr := os.Stat(finalCfg.OutputDir); statErr == nil {
			logFilePath = filepath.Join(finalCfg.OutputDir, logFilePath)
		} else {
			log.Warnf("Output directory '%s' not found, saving api.log to current directory.", finalCfg.OutputDir)
		}
		log.Infof("API logging to file: %s", logFilePath)

		loggingTransport, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			finalTransport = loggingTransport
		}
	}

	log.Debug("Configuration initialized successfully.")
	return finalCfg, finalTransport, nil
}

func applyFlags(cfg *models.Config, flags CliFlags) {
	setString(&cfg.LogLevel, flags.LogLevel)
	setString(&cfg.LogFormat, flags.LogFormat)
	setBool(&cfg.LogApiRequests, flags.LogApiRequests)
	setString(&cfg.OutputDir, flags.OutputDir)
	setString(&cfg.DatabasePath, flags.DatabasePath)
	setString(&cfg.MetricsFile, flags.MetricsFile)
	setString(&cfg.Username, flags.Username)
	setString(&cfg.Password, flags.Password)
	setInt(&cfg.APIClientTimeoutSec, flags.APIClientTimeoutSec)
	setInt(&cfg.MaxRetries, flags.MaxRetries)

	if s := flags.Search; s != nil {
		setString(&cfg.Search.Collection, s.Collection)
		setString(&cfg.Search.TargetCRS, s.TargetCRS)
		setString(&cfg.Search.DumpFormat, s.DumpFormat)
		setString(&cfg.Search.DumpPattern, s.DumpPattern)
		setInt(&cfg.Search.PageSize, s.PageSize)
		setInt(&cfg.Search.MaxPages, s.MaxPages)
		setInt(&cfg.Search.Concurrency, s.Concurrency)
		setBool(&cfg.Search.IndexResults, s.IndexResults)
		setBool(&cfg.Search.SaveThumbnails, s.SaveThumbnails)
	}
	if o := flags.Order; o != nil {
		setString(&cfg.Order.Priority, o.Priority)
		setInt(&cfg.Order.BatchSize, o.BatchSize)
	}
	if d := flags.Download; d != nil {
		setInt(&cfg.Download.ChunkSizeKB, d.ChunkSizeKB)
		setInt(&cfg.Download.TimeoutMin, d.TimeoutMin)
	}
	if d := flags.DDS; d != nil {
		setInt(&cfg.DDS.PollIntervalSec, d.PollIntervalSec)
		setInt(&cfg.DDS.MaxPolls, d.MaxPolls)
		setInt(&cfg.DDS.Concurrency, d.Concurrency)
	}
	if flags.DB != nil && flags.DB.Verify != nil {
		setBool(&cfg.DB.Verify.CheckHash, flags.DB.Verify.CheckHash)
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// Validate normalizes enumerated settings in place and rejects values no
// command could work with.
func Validate(cfg *models.Config) error {
	if cfg.OutputDir == "" {
		return errors.New("OutputDir cannot be empty (set via --output-dir flag or OutputDir in config)")
	}
	if cfg.Search.Collection != "" {
		coll, err := models.LookupCollection(cfg.Search.Collection)
		if err != nil {
			return err
		}
		cfg.Search.Collection = coll.ID
	}
	priority, err := api.NormalizePriority(cfg.Order.Priority)
	if err != nil {
		return err
	}
	cfg.Order.Priority = priority

	crs, err := geo.NormalizeCRS(cfg.Search.TargetCRS)
	if err != nil {
		return err
	}
	cfg.Search.TargetCRS = crs

	cfg.Search.DumpFormat = strings.ToLower(cfg.Search.DumpFormat)
	switch cfg.Search.DumpFormat {
	case "", "geojson", "stac":
	default:
		return fmt.Errorf("unsupported dump format %q (geojson or stac)", cfg.Search.DumpFormat)
	}
	if err := paths.ValidatePattern(cfg.Search.DumpPattern); err != nil {
		return err
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q (text or json)", cfg.LogFormat)
	}
	if cfg.LogLevel != "" {
		if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}
	if cfg.Search.PageSize < 0 || cfg.Search.MaxPages < 0 || cfg.Order.BatchSize < 0 {
		return errors.New("search and order limits must not be negative")
	}
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.WithError(err).Warnf("Cannot resolve home directory for %s", p)
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
