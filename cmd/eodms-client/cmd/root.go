package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"eodms-api-client/internal/api"
	"eodms-api-client/internal/auth"
	"eodms-api-client/internal/config"
	"eodms-api-client/internal/database"
	"eodms-api-client/internal/metrics"
	"eodms-api-client/internal/models"
)

// Persistent flag values
var (
	cfgFile         string
	logLevel        string
	logFormat       string
	logApiFlag      bool
	outputDirFlag   string
	dbPathFlag      string
	metricsFileFlag string
	usernameFlag    string
	passwordFlag    string
	apiTimeoutFlag  int
	maxRetriesFlag  int
	envFileFlag     string
	noPromptFlag    bool
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport is the base transport, wrapped for --log-api
var globalHttpTransport http.RoundTripper

// globalMetrics collects counters for the whole run
var globalMetrics *metrics.Metrics

var rootCmd = &cobra.Command{
	Use:   "eodms-client",
	Short: "Query, order and download imagery from the EODMS catalogue",
	Long: `eodms-client searches the EODMS REST API for satellite imagery,
stores and exports the normalized results, submits orders for them and
downloads the finished products.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadGlobalConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		flushMetrics()
		api.CloseAllLoggingTransports()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		flushMetrics()
		api.CloseAllLoggingTransports()
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Configuration file path (default is ./config.toml)")
	pf.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Logging level (trace, debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Logging format (text, json)")
	pf.BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log in the output directory")
	pf.StringVarP(&outputDirFlag, "output-dir", "o", "", "Directory for dumps and downloaded products (overrides config)")
	pf.StringVar(&dbPathFlag, "db-path", "", "State database path (overrides config)")
	pf.StringVar(&metricsFileFlag, "metrics-file", "", "Write Prometheus text metrics to this file on exit")
	pf.StringVarP(&usernameFlag, "username", "u", "", "EODMS username (default from EODMS_USERNAME or ~/.netrc)")
	pf.StringVarP(&passwordFlag, "password", "p", "", "EODMS password (default from EODMS_PASSWORD or ~/.netrc)")
	pf.IntVar(&apiTimeoutFlag, "api-timeout", 0, "Timeout for API requests in seconds (overrides config)")
	pf.IntVar(&maxRetriesFlag, "max-retries", 0, "Retries per request before giving up (overrides config)")
	pf.StringVar(&envFileFlag, "env-file", ".env", "Optional .env file with EODMS_USERNAME/EODMS_PASSWORD")
	pf.BoolVar(&noPromptFlag, "no-prompt", false, "Fail instead of prompting for missing credentials")
}

// loadGlobalConfig builds CliFlags from the flags the user actually set,
// runs config.Initialize and configures logging.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	cli := config.CliFlags{}
	if flags.Changed("config") {
		cli.ConfigFilePath = &cfgFile
	}
	if flags.Changed("log-level") {
		cli.LogLevel = &logLevel
	}
	if flags.Changed("log-format") {
		cli.LogFormat = &logFormat
	}
	if flags.Changed("log-api") {
		cli.LogApiRequests = &logApiFlag
	}
	if flags.Changed("output-dir") {
		cli.OutputDir = &outputDirFlag
	}
	if flags.Changed("db-path") {
		cli.DatabasePath = &dbPathFlag
	}
	if flags.Changed("metrics-file") {
		cli.MetricsFile = &metricsFileFlag
	}
	if flags.Changed("username") {
		cli.Username = &usernameFlag
	}
	if flags.Changed("password") {
		cli.Password = &passwordFlag
	}
	if flags.Changed("api-timeout") {
		cli.APIClientTimeoutSec = &apiTimeoutFlag
	}
	if flags.Changed("max-retries") {
		cli.MaxRetries = &maxRetriesFlag
	}
	applyCommandFlags(cmd, &cli)

	cfg, transport, err := config.Initialize(cli)
	if err != nil {
		return err
	}
	globalConfig = cfg
	globalHttpTransport = transport
	globalMetrics = metrics.New()

	initLogging(cfg.LogLevel, cfg.LogFormat)
	log.Debugf("Configuration loaded, output directory %s", cfg.OutputDir)
	return nil
}

// applyCommandFlags copies the command specific flags that are set into cli.
func applyCommandFlags(cmd *cobra.Command, cli *config.CliFlags) {
	flags := cmd.Flags()
	changed := func(name string) bool {
		return flags.Lookup(name) != nil && flags.Changed(name)
	}

	search := &config.CliSearchFlags{}
	if changed("collection") {
		search.Collection = &queryCollection
	}
	if changed("target-crs") {
		search.TargetCRS = &queryTargetCRS
	}
	if changed("dump-format") {
		search.DumpFormat = &queryDumpFormat
	}
	if changed("dump-pattern") {
		search.DumpPattern = &queryDumpPattern
	}
	if changed("page-size") {
		search.PageSize = &queryPageSize
	}
	if changed("max-pages") {
		search.MaxPages = &queryMaxPages
	}
	if changed("index") {
		search.IndexResults = &queryIndex
	}
	if changed("thumbnails") {
		search.SaveThumbnails = &queryThumbnails
	}

	order := &config.CliOrderFlags{}
	if changed("priority") {
		order.Priority = &orderPriority
	}
	if changed("batch-size") {
		order.BatchSize = &orderBatchSize
	}

	download := &config.CliDownloadFlags{}
	if changed("chunk-size") {
		download.ChunkSizeKB = &downloadChunkSizeKB
	}
	if changed("timeout") {
		download.TimeoutMin = &downloadTimeoutMin
	}

	dds := &config.CliDDSFlags{}
	if changed("poll-interval") {
		dds.PollIntervalSec = &ddsPollIntervalSec
	}
	if changed("max-polls") {
		dds.MaxPolls = &ddsMaxPolls
	}
	// --concurrency means enrichment workers for query and granule workers for dds-download
	if changed("concurrency") {
		if cmd.Name() == "dds-download" {
			dds.Concurrency = &workerConcurrency
		} else {
			search.Concurrency = &workerConcurrency
		}
	}

	if changed("check-hash") {
		cli.DB = &config.CliDBFlags{Verify: &config.CliDBVerifyFlags{CheckHash: &dbVerifyCheckHash}}
	}
	cli.Search = search
	cli.Order = order
	cli.Download = download
	cli.DDS = dds
}

func initLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stderr)
}

func flushMetrics() {
	if globalMetrics == nil || globalConfig.MetricsFile == "" {
		return
	}
	if err := globalMetrics.WriteToTextfile(globalConfig.MetricsFile); err != nil {
		log.WithError(err).Warnf("Failed to write metrics to %s", globalConfig.MetricsFile)
		return
	}
	log.Debugf("Metrics written to %s", globalConfig.MetricsFile)
}

// resolveCredentials finds the EODMS username and password, prompting on
// the terminal when allowed.
func resolveCredentials() (auth.Credentials, error) {
	creds, err := auth.ResolveCredentials(auth.CredentialOptions{
		Username: globalConfig.Username,
		Password: globalConfig.Password,
		EnvFile:  envFileFlag,
		NoPrompt: noPromptFlag,
	})
	if err != nil {
		return creds, fmt.Errorf("EODMS credentials: %w", err)
	}
	return creds, nil
}

// newAPIClient returns an API client whose requests carry basic auth.
func newAPIClient(creds auth.Credentials) *api.Client {
	timeout := time.Duration(globalConfig.APIClientTimeoutSec) * time.Second
	httpClient := &http.Client{
		Transport: &auth.BasicAuthTransport{Username: creds.Username, Password: creds.Password, Base: globalHttpTransport},
		Timeout:   timeout,
	}
	client := api.NewClient(creds.Username, httpClient, globalConfig)
	client.Metrics = globalMetrics
	client.ShowProgress = isTerminal()
	return client
}

// openDB opens the state database from the configuration.
func openDB() (*database.DB, error) {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error opening database %s: %w", globalConfig.DatabasePath, err)
	}
	return db, nil
}

func isTerminal() bool {
	info, err := os.Stderr.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
