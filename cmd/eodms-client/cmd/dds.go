package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"eodms-api-client/internal/auth"
	"eodms-api-client/internal/downloader"
	"eodms-api-client/internal/helpers"
)

var (
	ddsPollIntervalSec int
	ddsMaxPolls        int

	ddsUUIDs    []string
	ddsUUIDFile string
	ddsFromDB   bool
)

var ddsDownloadCmd = &cobra.Command{
	Use:   "dds-download",
	Short: "Download granules by UUID through the token authenticated service",
	Long: `Fetches granules directly by UUID without placing an order. Each item is
staged by the service and polled until a download URL is available.
UUIDs come from --uuid, a file given with --uuids, or with --from-db from
the stored records of the collection.`,
	RunE: runDDSDownload,
}

func init() {
	rootCmd.AddCommand(ddsDownloadCmd)
	f := ddsDownloadCmd.Flags()
	f.StringVarP(&queryCollection, "collection", "c", "", "Collection id or alias")
	f.StringSliceVar(&ddsUUIDs, "uuid", nil, "Granule UUIDs (repeatable or comma separated)")
	f.StringVar(&ddsUUIDFile, "uuids", "", "File of granule UUIDs, one per line")
	f.BoolVar(&ddsFromDB, "from-db", false, "Download every stored record of the collection that has a UUID")
	f.IntVar(&ddsPollIntervalSec, "poll-interval", 0, "Seconds between status polls of a staging item")
	f.IntVar(&ddsMaxPolls, "max-polls", 0, "Polls before giving up on an item")
	f.IntVar(&workerConcurrency, "concurrency", 0, "Concurrent granule downloads")
	f.IntVar(&downloadTimeoutMin, "timeout", 0, "Timeout per product transfer in minutes")
}

func runDDSDownload(cmd *cobra.Command, args []string) error {
	coll, err := configuredCollection()
	if err != nil {
		return err
	}
	uuids, err := collectIDs(ddsUUIDs, ddsUUIDFile)
	if err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if ddsFromDB {
		stored, err := db.Records(coll.ID)
		if err != nil {
			return fmt.Errorf("reading stored records: %w", err)
		}
		missing := 0
		for _, r := range stored {
			if r.UUID == "" {
				missing++
				continue
			}
			uuids = append(uuids, r.UUID)
		}
		if missing > 0 {
			log.Warnf("%d stored %s of %s have no UUID", missing, helpers.Pluralize(missing, "record"), coll.ID)
		}
		uuids = dedupe(uuids)
	}
	if len(uuids) == 0 {
		return fmt.Errorf("%w: use --uuid, --uuids or --from-db", errNoInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	creds, err := resolveCredentials()
	if err != nil {
		return err
	}
	tokenClient := &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.APIClientTimeoutSec) * time.Second,
	}
	tokens := auth.NewTokenManager(globalConfig.DDSBaseURL, creds, globalConfig.TokenCachePath, tokenClient)

	// Staged URLs are pre-signed, the transfer itself carries no credentials
	timeout := downloader.DefaultTimeout
	if globalConfig.Download.TimeoutMin > 0 {
		timeout = time.Duration(globalConfig.Download.TimeoutMin) * time.Minute
	}
	dl := downloader.NewDownloader(&http.Client{Transport: globalHttpTransport, Timeout: timeout}, globalConfig.Download)
	dl.Metrics = globalMetrics

	if !helpers.CheckAndMakeDir(globalConfig.OutputDir) {
		return fmt.Errorf("%w: cannot create output directory %s", downloader.ErrFileSystem, globalConfig.OutputDir)
	}
	channel := downloader.NewDDSChannel(globalConfig.DDSBaseURL, tokens, globalHttpTransport, dl, globalConfig.DDS)
	channel.Recorder = db
	channel.Mirror = newMirror(ctx)
	channel.ShowProgress = isTerminal()

	paths, err := channel.Download(ctx, coll.ID, uuids, globalConfig.OutputDir)
	for _, p := range paths {
		fmt.Println(p)
	}
	return err
}
