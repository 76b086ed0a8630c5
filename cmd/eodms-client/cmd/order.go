package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"eodms-api-client/internal/api"
	"eodms-api-client/internal/database"
	"eodms-api-client/internal/helpers"
	"eodms-api-client/internal/models"
)

var (
	orderPriority  string
	orderBatchSize int

	orderRecordIDs    []string
	orderRecordIDFile string
	orderFromDB       bool
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Submit orders for catalogue records",
	Long: `Orders records of one collection. Record ids come from --record-id,
from a file given with --record-ids (one id per line, or a CSV with an
"EODMS RecordId" column) or, with --from-db, from every stored record of the
collection. Large requests are split into several orders.`,
	RunE: runOrder,
}

func init() {
	rootCmd.AddCommand(orderCmd)
	f := orderCmd.Flags()
	f.StringVarP(&queryCollection, "collection", "c", "", "Collection id or alias")
	f.StringSliceVar(&orderRecordIDs, "record-id", nil, "Record ids to order (repeatable or comma separated)")
	f.StringVar(&orderRecordIDFile, "record-ids", "", "File of record ids to order")
	f.BoolVar(&orderFromDB, "from-db", false, "Order every record of the collection stored by a previous query")
	f.StringVar(&orderPriority, "priority", "", "Order priority (Low, Medium, High, Urgent)")
	f.IntVar(&orderBatchSize, "batch-size", 0, "Records per order request")
}

func runOrder(cmd *cobra.Command, args []string) error {
	coll, err := configuredCollection()
	if err != nil {
		return err
	}
	ids, err := collectIDs(orderRecordIDs, orderRecordIDFile)
	if err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if orderFromDB {
		stored, err := db.Records(coll.ID)
		if err != nil {
			return fmt.Errorf("reading stored records: %w", err)
		}
		for _, r := range stored {
			ids = append(ids, r.RecordID)
		}
		ids = dedupe(ids)
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: use --record-id, --record-ids or --from-db", errNoInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	creds, err := resolveCredentials()
	if err != nil {
		return err
	}
	client := newAPIClient(creds)
	if err := client.CheckAccess(ctx, coll.ID); err != nil {
		return err
	}
	orderIDs, err := submitOrders(ctx, client, db, coll, ids)
	if len(orderIDs) > 0 {
		printOrderIDs(orderIDs)
	}
	return err
}

// submitOrders orders ids and stores every order id that was created, also
// the ones created before a failing chunk.
func submitOrders(ctx context.Context, client *api.Client, db *database.DB, coll models.Collection, ids []string) ([]int, error) {
	priority := globalConfig.Order.Priority
	log.Infof("Ordering %d %s of %s with %s priority", len(ids), helpers.Pluralize(len(ids), "record"), coll.ID, priority)

	orderIDs, err := client.SubmitOrder(ctx, coll.ID, ids, priority)
	var orderErr *api.OrderError
	if errors.As(err, &orderErr) {
		orderIDs = orderErr.Submitted
	}
	now := time.Now().Unix()
	for _, id := range orderIDs {
		entry := models.OrderEntry{
			OrderID:     id,
			Collection:  coll.ID,
			Priority:    priority,
			RecordIDs:   ids,
			SubmittedAt: now,
		}
		if putErr := db.PutOrder(entry); putErr != nil {
			log.WithError(putErr).Errorf("Failed to store order %d", id)
		}
	}
	if err != nil {
		return orderIDs, fmt.Errorf("order submission failed: %w", err)
	}
	return orderIDs, nil
}

func printOrderIDs(orderIDs []int) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Order ID")
	fmt.Fprintln(w, "--------")
	for _, id := range orderIDs {
		fmt.Fprintf(w, "%d\n", id)
	}
	w.Flush()
	log.Infof("Displayed %d entries.", len(orderIDs))
}
