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

	"eodms-api-client/internal/api"
	"eodms-api-client/internal/auth"
	"eodms-api-client/internal/database"
	"eodms-api-client/internal/downloader"
	"eodms-api-client/internal/helpers"
	"eodms-api-client/internal/storage"
)

var (
	downloadChunkSizeKB int
	downloadTimeoutMin  int

	downloadOrderIDs    []string
	downloadOrderIDFile string
	downloadFromDB      bool
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the finished items of submitted orders",
	Long: `Checks the status of the given orders and downloads every item that is
available for download. Files already present with the expected size are
skipped, so the command can be re-run until all items are local.`,
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	f := downloadCmd.Flags()
	f.StringSliceVar(&downloadOrderIDs, "order-id", nil, "Order ids (repeatable or comma separated)")
	f.StringVar(&downloadOrderIDFile, "order-ids", "", "File of order ids, one per line")
	f.BoolVar(&downloadFromDB, "from-db", false, "Download every order stored in the database")
	f.IntVar(&downloadChunkSizeKB, "chunk-size", 0, "Write buffer size in KB")
	f.IntVar(&downloadTimeoutMin, "timeout", 0, "Timeout per product transfer in minutes")
}

func runDownload(cmd *cobra.Command, args []string) error {
	raw, err := collectIDs(downloadOrderIDs, downloadOrderIDFile)
	if err != nil {
		return err
	}
	orderIDs, err := parseOrderIDs(raw)
	if err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if downloadFromDB {
		orders, err := db.Orders()
		if err != nil {
			return fmt.Errorf("reading stored orders: %w", err)
		}
		seen := make(map[int]bool, len(orderIDs))
		for _, id := range orderIDs {
			seen[id] = true
		}
		for _, o := range orders {
			if !seen[o.OrderID] {
				seen[o.OrderID] = true
				orderIDs = append(orderIDs, o.OrderID)
			}
		}
	}
	if len(orderIDs) == 0 {
		return fmt.Errorf("%w: use --order-id, --order-ids or --from-db", errNoInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	creds, err := resolveCredentials()
	if err != nil {
		return err
	}
	client := newAPIClient(creds)
	orch, err := newOrchestrator(ctx, client, creds, db)
	if err != nil {
		return err
	}

	paths, err := orch.Download(ctx, orderIDs, globalConfig.OutputDir)
	for _, p := range paths {
		fmt.Println(p)
	}
	log.Infof("%d %s available locally", len(paths), helpers.Pluralize(len(paths), "product"))
	return err
}

// newProductDownloader returns a Downloader for order products, which are
// served behind the same basic auth as the API.
func newProductDownloader(creds auth.Credentials) *downloader.Downloader {
	timeout := downloader.DefaultTimeout
	if globalConfig.Download.TimeoutMin > 0 {
		timeout = time.Duration(globalConfig.Download.TimeoutMin) * time.Minute
	}
	client := &http.Client{
		Transport: &auth.BasicAuthTransport{Username: creds.Username, Password: creds.Password, Base: globalHttpTransport},
		Timeout:   timeout,
	}
	dl := downloader.NewDownloader(client, globalConfig.Download)
	dl.Metrics = globalMetrics
	dl.ShowProgress = isTerminal()
	return dl
}

// newMirror returns the configured S3 mirror, or nil when none is set up.
func newMirror(ctx context.Context) downloader.Mirror {
	if globalConfig.Mirror.Bucket == "" {
		return nil
	}
	m, err := storage.NewS3Mirror(ctx, globalConfig.Mirror)
	if err != nil {
		log.WithError(err).Error("S3 mirror disabled")
		return nil
	}
	log.Infof("Mirroring finished products to s3://%s/%s", m.Bucket, m.Prefix)
	return m
}

func newOrchestrator(ctx context.Context, client *api.Client, creds auth.Credentials, db *database.DB) (*downloader.Orchestrator, error) {
	if !helpers.CheckAndMakeDir(globalConfig.OutputDir) {
		return nil, fmt.Errorf("%w: cannot create output directory %s", downloader.ErrFileSystem, globalConfig.OutputDir)
	}
	return &downloader.Orchestrator{
		Status:     client,
		Downloader: newProductDownloader(creds),
		Recorder:   db,
		Mirror:     newMirror(ctx),
	}, nil
}
