package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"eodms-api-client/internal/cache"
	"eodms-api-client/internal/database"
	"eodms-api-client/internal/helpers"
	"eodms-api-client/internal/index"
	"eodms-api-client/internal/models"
)

var (
	dbVerifyCheckHash  bool
	dbVerifyRedownload bool
	dbViewTable        string
	dbSearchLimit      int
	dbClearYes         bool
	dbClearIndex       bool
	dbClearCache       bool
)

// dbCmd represents the base command for database operations
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and maintain the local state database",
	Long:  `View stored records, orders and downloads, verify downloaded files, search the record index or clear the state.`,
}

var dbViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View entries stored in the database",
	Long:  `Lists the stored records, orders or downloads (--table).`,
	RunE:  runDbView,
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify recorded downloads against the filesystem",
	Long: `Checks that every recorded download exists with the recorded size and,
with --check-hash, the recorded BLAKE3 digest. Entries are marked as errors or
restored accordingly. --redownload fetches the broken ones again.`,
	RunE: runDbVerify,
}

var dbSearchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search indexed records",
	Long: `Runs a query-string search over records indexed by 'query --index',
for example 'orbit_direction:ascending' or 'collection:rcmimageproducts'.`,
	Args: cobra.ExactArgs(1),
	RunE: runDbSearch,
}

var dbClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every stored record, order and download",
	RunE:  runDbClear,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbViewCmd)
	dbCmd.AddCommand(dbVerifyCmd)
	dbCmd.AddCommand(dbSearchCmd)
	dbCmd.AddCommand(dbClearCmd)

	dbViewCmd.Flags().StringVar(&dbViewTable, "table", "downloads", "Table to list (records, orders, downloads)")
	dbViewCmd.Flags().StringVarP(&queryCollection, "collection", "c", "", "Only list records of this collection")

	dbVerifyCmd.Flags().BoolVar(&dbVerifyCheckHash, "check-hash", true, "Compare BLAKE3 digests of existing files")
	dbVerifyCmd.Flags().BoolVar(&dbVerifyRedownload, "redownload", false, "Download missing or mismatched files again")

	dbSearchCmd.Flags().IntVarP(&dbSearchLimit, "limit", "n", 20, "Maximum number of hits")

	dbClearCmd.Flags().BoolVarP(&dbClearYes, "yes", "y", false, "Confirm removal")
	dbClearCmd.Flags().BoolVar(&dbClearIndex, "index", false, "Also remove the search index")
	dbClearCmd.Flags().BoolVar(&dbClearCache, "cache", false, "Also empty the metadata cache")
}

func runDbView(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	records, orders, downloads, err := db.Counts()
	if err != nil {
		return err
	}
	log.Infof("Database %s holds %d records, %d orders and %d downloads", globalConfig.DatabasePath, records, orders, downloads)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	count := 0
	switch strings.ToLower(dbViewTable) {
	case "records":
		entries, err := db.Records(globalConfig.Search.Collection)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "Collection\tRecord ID\tGranule\tUUID\tStored")
		fmt.Fprintln(tw, "----------\t---------\t-------\t----\t------")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Collection, e.RecordID, e.Granule, e.UUID, formatUnix(e.Timestamp))
		}
		count = len(entries)
	case "orders":
		entries, err := db.Orders()
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "Order ID\tCollection\tPriority\tRecords\tSubmitted")
		fmt.Fprintln(tw, "--------\t----------\t--------\t-------\t---------")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", e.OrderID, e.Collection, e.Priority, len(e.RecordIDs), formatUnix(e.SubmittedAt))
		}
		count = len(entries)
	case "downloads":
		entries, err := db.Downloads("")
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "File\tSize\tStatus\tOrder\tUUID\tMirrored\tDetails")
		fmt.Fprintln(tw, "----\t----\t------\t-----\t----\t--------\t-------")
		for _, e := range entries {
			order := ""
			if e.OrderID != 0 {
				order = fmt.Sprint(e.OrderID)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n", filepath.Base(e.Path), helpers.BytesToSize(uint64(e.Size)), e.Status, order, e.UUID, e.Mirrored, e.ErrorDetails)
		}
		count = len(entries)
	default:
		return fmt.Errorf("unknown table %q (records, orders, downloads)", dbViewTable)
	}
	tw.Flush()
	log.Infof("Displayed %d entries.", count)
	return nil
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

// VerificationStats holds statistics from the verification scan
type VerificationStats struct {
	TotalEntries      int
	FoundOk           int
	FoundHashMismatch int
	Missing           int
	Restored          int
}

// verifyDownloads checks every recorded download on disk, updates the stored
// status and returns the entries that need another transfer.
func verifyDownloads(db *database.DB, checkHash bool) (VerificationStats, []models.DownloadEntry, error) {
	var stats VerificationStats
	entries, err := db.Downloads("")
	if err != nil {
		return stats, nil, err
	}

	var problems []models.DownloadEntry
	for _, e := range entries {
		stats.TotalEntries++
		reason := ""
		size, ok := helpers.FileSize(e.Path)
		switch {
		case !ok:
			stats.Missing++
			reason = "file missing"
		case e.Size > 0 && size != e.Size:
			stats.FoundHashMismatch++
			reason = fmt.Sprintf("size %d, expected %d", size, e.Size)
		case checkHash && e.Blake3 != "" && !helpers.CheckHash(e.Path, e.Blake3):
			stats.FoundHashMismatch++
			reason = "BLAKE3 mismatch"
		default:
			stats.FoundOk++
		}

		if reason != "" {
			log.Warnf("%s: %s", e.Path, reason)
			problems = append(problems, e)
			if err := db.UpdateDownloadStatus(e.Path, models.StatusError, reason); err != nil {
				log.WithError(err).Warnf("Failed to update status of %s", e.Path)
			}
			continue
		}
		if e.Status != models.StatusDownloaded {
			stats.Restored++
			if err := db.UpdateDownloadStatus(e.Path, models.StatusDownloaded, ""); err != nil {
				log.WithError(err).Warnf("Failed to update status of %s", e.Path)
			}
		}
	}
	return stats, problems, nil
}

func runDbVerify(cmd *cobra.Command, args []string) error {
	log.Info("Verifying recorded downloads against the filesystem...")
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, problems, err := verifyDownloads(db, globalConfig.DB.Verify.CheckHash)
	if err != nil {
		return err
	}
	log.Infof("Checked %d entries: %d ok, %d mismatched, %d missing, %d restored",
		stats.TotalEntries, stats.FoundOk, stats.FoundHashMismatch, stats.Missing, stats.Restored)

	if len(problems) == 0 {
		log.Info("No missing or mismatched files found.")
		return nil
	}
	if !dbVerifyRedownload {
		log.Infof("Run with --redownload to fetch %d %s again", len(problems), helpers.Pluralize(len(problems), "file"))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	creds, err := resolveCredentials()
	if err != nil {
		return err
	}
	dl := newProductDownloader(creds)
	failed := 0
	for _, e := range problems {
		target := models.DownloadTarget{
			URL:       e.URL,
			Size:      e.Size,
			LocalPath: e.Path,
			OrderID:   e.OrderID,
			ItemID:    e.ItemID,
			RecordID:  e.RecordID,
		}
		res, err := dl.Fetch(ctx, target, filepath.Dir(e.Path))
		if err != nil {
			failed++
			log.WithError(err).Errorf("Redownload of %s failed", e.Path)
			if uerr := db.UpdateDownloadStatus(e.Path, models.StatusError, err.Error()); uerr != nil {
				log.WithError(uerr).Warnf("Failed to update status of %s", e.Path)
			}
			continue
		}
		e.Blake3 = res.Blake3
		e.Status = models.StatusDownloaded
		e.ErrorDetails = ""
		e.Timestamp = time.Now().Unix()
		if err := db.PutDownload(e); err != nil {
			log.WithError(err).Warnf("Failed to record %s", e.Path)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d redownloads failed", failed, len(problems))
	}
	log.Info("Verification process completed.")
	return nil
}

func runDbSearch(cmd *cobra.Command, args []string) error {
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return fmt.Errorf("opening search index: %w", err)
	}
	defer idx.Close()

	hits, total, err := index.Search(idx, args[0], dbSearchLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Collection\tRecord ID\tGranule\tUUID\tScore")
	fmt.Fprintln(tw, "----------\t---------\t-------\t----\t-----")
	for _, h := range hits {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.3f\n", h.Collection, h.RecordID, h.Granule, h.UUID, h.Score)
	}
	tw.Flush()
	log.Infof("Displayed %d of %d matching entries.", len(hits), total)
	return nil
}

func runDbClear(cmd *cobra.Command, args []string) error {
	if !dbClearYes {
		return fmt.Errorf("refusing to clear %s without --yes", globalConfig.DatabasePath)
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Clear(); err != nil {
		return err
	}
	log.Infof("Cleared %s", globalConfig.DatabasePath)

	if dbClearIndex {
		if err := os.RemoveAll(globalConfig.BleveIndexPath); err != nil {
			return fmt.Errorf("removing search index: %w", err)
		}
		log.Infof("Removed search index %s", globalConfig.BleveIndexPath)
	}
	if dbClearCache {
		c, err := cache.Open(globalConfig.CachePath)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Clear(); err != nil {
			return fmt.Errorf("clearing metadata cache: %w", err)
		}
		log.Infof("Emptied metadata cache %s", globalConfig.CachePath)
	}
	return nil
}
