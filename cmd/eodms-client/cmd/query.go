package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"eodms-api-client/internal/api"
	"eodms-api-client/internal/cache"
	"eodms-api-client/internal/database"
	"eodms-api-client/internal/downloader"
	"eodms-api-client/internal/export"
	"eodms-api-client/internal/helpers"
	"eodms-api-client/internal/index"
	"eodms-api-client/internal/models"
	"eodms-api-client/internal/query"
)

// Flags shared with config overrides
var (
	queryCollection   string
	queryTargetCRS    string
	queryDumpFormat   string
	queryDumpPattern  string
	queryPageSize     int
	queryMaxPages     int
	queryIndex        bool
	queryThumbnails   bool
	workerConcurrency int
)

// Search argument flags
var (
	queryStart              string
	queryEnd                string
	queryGeometry           string
	queryProductTypes       []string
	queryBeamModes          []string
	queryMnemonics          []string
	queryProductFormat      string
	queryLookDirection      string
	queryPolarizations      []string
	queryIncidenceAngle     float64
	queryIncidenceAngleLow  float64
	queryIncidenceAngleHigh float64
	queryOrbitDirection     string
	queryAbsoluteOrbits     []float64
	queryRelativeOrbits     []int
	queryDownlinkSegment    string
	queryCloudCover         float64
	queryRollNumber         string
	queryPhotoNumber        string

	queryListArgs    bool
	queryNoDump      bool
	querySubmitOrder bool
	queryDownload    bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search a collection and store, dump and optionally order the results",
	Long: `Builds a search filter for the chosen collection, pages through the
search endpoint, fetches the full metadata of every hit and writes the
normalized records to the state database and a GeoJSON or STAC dump.

With --submit-order the records are ordered right away, and --download
then fetches whichever items of those orders are already available.`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	addQueryFlags(queryCmd)
}

func addQueryFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&queryCollection, "collection", "c", "", "Collection id or alias (RCM, RS2, RS1, PlanetScope, NAPL...)")
	f.StringVar(&queryTargetCRS, "target-crs", "", "CRS of stored and dumped footprints (4326 or 3857)")
	f.StringVar(&queryDumpFormat, "dump-format", "", "Dump format (geojson, stac)")
	f.StringVar(&queryDumpPattern, "dump-pattern", "", "Dump file name pattern, tags: {collection} {start} {end} {date} {count}")
	f.IntVar(&queryPageSize, "page-size", 0, "Initial search page size")
	f.IntVar(&queryMaxPages, "max-pages", 0, "Maximum number of search requests")
	f.IntVar(&workerConcurrency, "concurrency", 0, "Concurrent metadata requests")
	f.BoolVar(&queryIndex, "index", false, "Add the results to the local full-text index")
	f.BoolVar(&queryThumbnails, "thumbnails", false, "Save record thumbnails under <output-dir>/thumbnails")

	f.StringVarP(&queryStart, "start", "s", "", "Start of the window: a date, datetime or 'today-N'")
	f.StringVarP(&queryEnd, "end", "e", "", "End of the window: a date, datetime or 'today-N'")
	f.StringVarP(&queryGeometry, "geometry", "g", "", "Area of interest file (GeoJSON or WKT)")
	f.StringSliceVar(&queryProductTypes, "product-type", nil, "Product types, e.g. SLC,GRD")
	f.StringSliceVar(&queryBeamModes, "beam-mode", nil, "Beam mode types")
	f.StringSliceVar(&queryMnemonics, "mnemonic", nil, "Beam mnemonics")
	f.StringVar(&queryProductFormat, "product-format", "", "Product format (GeoTIFF, NITF21)")
	f.StringVar(&queryLookDirection, "look-direction", "", "Look direction (left, right)")
	f.StringSliceVar(&queryPolarizations, "polarization", nil, "Polarizations, e.g. HH,HV")
	f.Float64Var(&queryIncidenceAngle, "incidence-angle", 0, "Exact incidence angle")
	f.Float64Var(&queryIncidenceAngleLow, "incidence-angle-low", 0, "Lower incidence angle bound")
	f.Float64Var(&queryIncidenceAngleHigh, "incidence-angle-high", 0, "Upper incidence angle bound")
	f.StringVar(&queryOrbitDirection, "orbit-direction", "", "Orbit direction (ascending, descending)")
	f.Float64SliceVar(&queryAbsoluteOrbits, "absolute-orbit", nil, "Absolute orbit numbers")
	f.IntSliceVar(&queryRelativeOrbits, "relative-orbit", nil, "Relative orbit numbers")
	f.StringVar(&queryDownlinkSegment, "downlink-segment", "", "Downlink segment id")
	f.Float64Var(&queryCloudCover, "cloud-cover", 0, "Maximum cloud cover percentage")
	f.StringVar(&queryRollNumber, "roll-number", "", "Air photo roll number")
	f.StringVar(&queryPhotoNumber, "photo-number", "", "Air photo number")

	f.BoolVar(&queryListArgs, "list-args", false, "List the query arguments the collection supports and exit")
	f.BoolVar(&queryNoDump, "no-dump", false, "Do not write a dump file")
	f.BoolVar(&querySubmitOrder, "submit-order", false, "Order every record of the result")
	f.StringVar(&orderPriority, "priority", "", "Order priority (Low, Medium, High, Urgent)")
	f.IntVar(&orderBatchSize, "batch-size", 0, "Records per order request")
	f.BoolVar(&queryDownload, "download", false, "Download the ready items of the submitted orders")
}

// queryParameters turns the search flags into query.Parameters. Optional
// numbers are only set when their flag was given.
func queryParameters(cmd *cobra.Command) query.Parameters {
	p := query.Parameters{
		Start:           queryStart,
		End:             queryEnd,
		Geometry:        queryGeometry,
		ProductTypes:    queryProductTypes,
		BeamModes:       queryBeamModes,
		Mnemonics:       queryMnemonics,
		ProductFormat:   queryProductFormat,
		LookDirection:   queryLookDirection,
		Polarizations:   queryPolarizations,
		OrbitDirection:  queryOrbitDirection,
		AbsoluteOrbits:  queryAbsoluteOrbits,
		RelativeOrbits:  queryRelativeOrbits,
		DownlinkSegment: queryDownlinkSegment,
		RollNumber:      queryRollNumber,
		PhotoNumber:     queryPhotoNumber,
	}
	flags := cmd.Flags()
	optional := func(name string, v float64) *float64 {
		if !flags.Changed(name) {
			return nil
		}
		return &v
	}
	p.IncidenceAngle = optional("incidence-angle", queryIncidenceAngle)
	p.IncidenceAngleLow = optional("incidence-angle-low", queryIncidenceAngleLow)
	p.IncidenceAngleHigh = optional("incidence-angle-high", queryIncidenceAngleHigh)
	p.CloudCover = optional("cloud-cover", queryCloudCover)
	return p
}

func runQuery(cmd *cobra.Command, args []string) error {
	coll, err := configuredCollection()
	if err != nil {
		return err
	}
	if queryListArgs {
		printQueryArgs(coll)
		return nil
	}

	now := time.Now()
	filter, err := query.Build(coll, queryParameters(cmd), now)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	creds, err := resolveCredentials()
	if err != nil {
		return err
	}
	client := newAPIClient(creds)

	detailCache, err := cache.Open(globalConfig.CachePath)
	if err != nil {
		log.WithError(err).Warn("Detail cache unavailable, every record will be fetched")
	} else {
		client.Cache = detailCache
		defer detailCache.Close()
	}

	log.Infof("Searching %s", coll.ID)
	result, err := client.Search(ctx, coll.ID, filter, searchPageSize(coll))
	if err != nil {
		if !errors.Is(err, api.ErrPageLimit) {
			return fmt.Errorf("search failed: %w", err)
		}
		log.WithError(err).Warnf("Keeping the first %d results", len(result.Results))
	}
	if len(result.Results) == 0 {
		log.Info("No records matched the query")
		return nil
	}

	log.Infof("Fetching metadata of %d %s", len(result.Results), helpers.Pluralize(len(result.Results), "record"))
	records := client.Enrich(ctx, coll, result.Results, nil)
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := export.Normalize(coll, records)

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storeRows(db, rows, now); err != nil {
		return err
	}

	if globalConfig.Search.IndexResults {
		indexRows(rows, now)
	}
	if globalConfig.Search.SaveThumbnails {
		saveThumbnails(ctx, rows)
	}
	if !queryNoDump {
		if err := dumpRows(coll, rows, now); err != nil {
			return err
		}
	}
	printRows(rows)

	if !querySubmitOrder {
		if queryDownload {
			log.Warn("--download needs --submit-order, nothing downloaded")
		}
		return nil
	}
	orderIDs, err := submitOrders(ctx, client, db, coll, recordIDs(rows))
	if err != nil {
		return err
	}
	if !queryDownload {
		return nil
	}
	orch, err := newOrchestrator(ctx, client, creds, db)
	if err != nil {
		return err
	}
	paths, err := orch.Download(ctx, orderIDs, globalConfig.OutputDir)
	log.Infof("%d %s available locally", len(paths), helpers.Pluralize(len(paths), "product"))
	return err
}

// configuredCollection resolves --collection (or Search.Collection).
func configuredCollection() (models.Collection, error) {
	if globalConfig.Search.Collection == "" {
		return models.Collection{}, fmt.Errorf("%w: set --collection or Search.Collection", errNoCollection)
	}
	return models.LookupCollection(globalConfig.Search.Collection)
}

// searchPageSize is the configured page size, or the collection's own
// default when none is set.
func searchPageSize(coll models.Collection) int {
	if globalConfig.Search.PageSize > 0 {
		return globalConfig.Search.PageSize
	}
	return coll.DefaultPageSize
}

func printQueryArgs(coll models.Collection) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Query arguments for %s:\n", coll.ID)
	fmt.Fprintln(w, "Argument\tDescription")
	fmt.Fprintln(w, "--------\t-----------")
	for _, a := range query.AvailableArgs(coll) {
		fmt.Fprintf(w, "--%s\t%s\n", a.Name, a.Description)
	}
	w.Flush()
}

func storeRows(db *database.DB, rows []export.Row, now time.Time) error {
	partial := 0
	for _, row := range rows {
		if row.Partial {
			partial++
		}
		if err := db.PutRecord(row.Entry(now)); err != nil {
			return fmt.Errorf("storing record %s: %w", row.RecordID, err)
		}
	}
	if partial > 0 {
		log.Warnf("%d %s stored with incomplete metadata", partial, helpers.Pluralize(partial, "record"))
	}
	log.Infof("Stored %d %s in %s", len(rows), helpers.Pluralize(len(rows), "record"), globalConfig.DatabasePath)
	return nil
}

func indexRows(rows []export.Row, now time.Time) {
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		log.WithError(err).Error("Failed to open the search index, results not indexed")
		return
	}
	defer idx.Close()
	entries := make([]models.RecordEntry, len(rows))
	for i, row := range rows {
		entries[i] = row.Entry(now)
	}
	if err := index.IndexRecords(idx, entries); err != nil {
		log.WithError(err).Error("Failed to index results")
		return
	}
	log.Infof("Indexed %d %s", len(entries), helpers.Pluralize(len(entries), "record"))
}

func saveThumbnails(ctx context.Context, rows []export.Row) {
	dl := downloader.NewDownloader(nil, globalConfig.Download)
	dl.Metrics = globalMetrics
	dir := filepath.Join(globalConfig.OutputDir, "thumbnails")
	saved := 0
	for _, row := range rows {
		if row.ThumbnailURL == "" {
			continue
		}
		if _, err := dl.DownloadThumbnail(ctx, row.ThumbnailURL, dir); err != nil {
			log.WithError(err).Warnf("Thumbnail of record %s not saved", row.RecordID)
			continue
		}
		saved++
	}
	log.Infof("Saved %d %s to %s", saved, helpers.Pluralize(saved, "thumbnail"), dir)
}

// dumpRows writes the dump named after the time span the rows cover.
func dumpRows(coll models.Collection, rows []export.Row, now time.Time) error {
	start, end := span(rows, now)
	name, err := export.DumpName(globalConfig.Search.DumpPattern, coll.ID, start, end, len(rows), now)
	if err != nil {
		return err
	}
	written, err := export.Dump(globalConfig.Search.DumpFormat, globalConfig.OutputDir, name, rows)
	if err != nil {
		return fmt.Errorf("writing dump: %w", err)
	}
	if len(written) == 1 {
		log.Infof("Results written to %s", written[0])
	} else {
		log.Infof("Results written to %d files under %s", len(written), filepath.Join(globalConfig.OutputDir, name))
	}
	return nil
}

func span(rows []export.Row, now time.Time) (time.Time, time.Time) {
	var start, end time.Time
	for _, r := range rows {
		if !r.Start.IsZero() && (start.IsZero() || r.Start.Before(start)) {
			start = r.Start
		}
		last := r.End
		if last.IsZero() {
			last = r.Start
		}
		if last.After(end) {
			end = last
		}
	}
	if start.IsZero() {
		start = now
	}
	if end.IsZero() {
		end = start
	}
	return start, end
}

func printRows(rows []export.Row) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Record ID\tGranule\tStart\tUUID")
	fmt.Fprintln(w, "---------\t-------\t-----\t----")
	for _, r := range rows {
		start := ""
		if !r.Start.IsZero() {
			start = r.Start.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.RecordID, r.Granule, start, r.UUID)
	}
	w.Flush()
	log.Infof("Displayed %d entries.", len(rows))
}

func recordIDs(rows []export.Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.RecordID
	}
	return ids
}
