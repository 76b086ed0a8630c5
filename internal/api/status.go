package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"eodms-api-client/internal/models"
)

// OrderItems polls the status of every order id, one request each, and
// returns the items belonging to those orders with duplicates removed. A
// failing order is logged and skipped; the maintenance page aborts the call.
func (c *Client) OrderItems(ctx context.Context, orderIDs []int) ([]models.OrderItem, error) {
	wanted := make(map[int]bool, len(orderIDs))
	for _, id := range orderIDs {
		wanted[id] = true
	}

	seen := make(map[int]bool)
	items := []models.OrderItem{}
	for _, orderID := range orderIDs {
		reqURL := models.ConstructOrderStatusUrl(c.BaseURL, orderID, DefaultMaxOrders)
		body, err := c.do(ctx, "order_status", http.MethodGet, reqURL, nil)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			c.logger().WithError(err).Errorf("Failed to fetch status of order %d", orderID)
			continue
		}
		if isMaintenance(body) {
			return nil, ErrMaintenance
		}

		var resp models.OrderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			c.logger().WithError(malformed(reqURL, body, err)).Errorf("Failed to read status of order %d", orderID)
			continue
		}
		for _, item := range resp.Items {
			if !wanted[int(item.OrderID)] {
				continue
			}
			if seen[int(item.ItemID)] {
				continue
			}
			seen[int(item.ItemID)] = true
			items = append(items, item)
		}
	}
	c.logger().Debugf("Collected %d item(s) from %d order(s)", len(items), len(orderIDs))
	return items, nil
}
