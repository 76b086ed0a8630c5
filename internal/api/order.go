package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"eodms-api-client/internal/models"
)

// Priorities accepted by the order endpoint.
var Priorities = []string{"Low", "Medium", "High", "Urgent"}

// NormalizePriority matches p case-insensitively against Priorities.
func NormalizePriority(p string) (string, error) {
	for _, known := range Priorities {
		if strings.EqualFold(strings.TrimSpace(p), known) {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q (want one of %s)", ErrInvalidPriority, p, strings.Join(Priorities, ", "))
}

// OrderError reports the chunk that aborted a submission. Submitted holds
// the order ids created by earlier chunks so they can still be tracked.
type OrderError struct {
	Chunk     int // 1-based
	Chunks    int
	RecordIDs []string
	Submitted []int
	Err       error
}

func (e *OrderError) Error() string {
	if errors.Is(e.Err, ErrOrderUnconfirmed) {
		msg := fmt.Sprintf("%d record(s) from chunk %d/%d on: %v", len(e.RecordIDs), e.Chunk, e.Chunks, e.Err)
		if len(e.Submitted) > 0 {
			msg += fmt.Sprintf(" (confirmed order ids: %v)", e.Submitted)
		}
		return msg
	}
	msg := fmt.Sprintf("order chunk %d/%d (%d record(s)) failed: %v", e.Chunk, e.Chunks, len(e.RecordIDs), e.Err)
	if len(e.Submitted) > 0 {
		msg += fmt.Sprintf(" (already submitted order ids: %v)", e.Submitted)
	}
	return msg
}

func (e *OrderError) Unwrap() error { return e.Err }

// SubmitOrder orders recordIDs in chunks of at most BatchSize and returns
// the distinct order ids in first-seen order. Duplicates in recordIDs are
// passed through. The first failing chunk aborts the call with an
// *OrderError and a nil slice.
//
// A chunk the server accepted but whose response cannot be decoded does not
// stop later chunks. Once all are sent the call returns a nil slice and an
// *OrderError wrapping ErrOrderUnconfirmed: Chunk is the first such chunk,
// RecordIDs lists the records of every such chunk and Submitted the order
// ids that were read.
func (c *Client) SubmitOrder(ctx context.Context, collectionID string, recordIDs []string, priority string) ([]int, error) {
	prio, err := NormalizePriority(priority)
	if err != nil {
		return nil, err
	}
	if len(recordIDs) == 0 {
		c.logger().Warn("No record ids given, nothing to order")
		return []int{}, nil
	}
	batch := c.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	chunks := (len(recordIDs) + batch - 1) / batch
	orderURL := c.BaseURL + "/order"

	seen := make(map[int]bool)
	ids := []int{}
	firstUnread := 0
	var unread []string
	for n := 0; n < chunks; n++ {
		lo := n * batch
		hi := min(lo+batch, len(recordIDs))
		chunk := recordIDs[lo:hi]

		req := models.OrderRequest{Destinations: []any{}}
		for _, id := range chunk {
			req.Items = append(req.Items, models.OrderRequestItem{
				CollectionID: collectionID,
				RecordID:     id,
				Priority:     prio,
				Parameters: models.OrderParameters{
					NotificationEmail: c.Username,
					PackagingFormat:   models.PackagingFormat,
				},
			})
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("encoding order request: %w", err)
		}

		c.logger().Infof("Submitting order chunk %d/%d with %d item(s)", n+1, chunks, len(chunk))
		body, err := c.do(ctx, "order", http.MethodPost, orderURL, payload)
		if err != nil {
			return nil, &OrderError{Chunk: n + 1, Chunks: chunks, RecordIDs: chunk, Submitted: ids, Err: err}
		}

		var resp models.OrderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			c.logger().WithError(malformed(orderURL, body, err)).Errorf("Could not read order ids of chunk %d/%d", n+1, chunks)
			if firstUnread == 0 {
				firstUnread = n + 1
			}
			unread = append(unread, chunk...)
			continue
		}
		for _, item := range resp.Items {
			id := int(item.OrderID)
			if id == 0 || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}

	c.Metrics.ObserveOrders(len(ids))
	c.logger().Infof("Submitted %d record(s) as %d order(s)", len(recordIDs), len(ids))
	if len(unread) > 0 {
		return nil, &OrderError{Chunk: firstUnread, Chunks: chunks, RecordIDs: unread, Submitted: ids, Err: ErrOrderUnconfirmed}
	}
	return ids, nil
}
