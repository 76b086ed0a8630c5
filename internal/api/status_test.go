package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderItems_DedupAndFilter(t *testing.T) {
	var seenOrders []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seenOrders = append(seenOrders, q.Get("orderId"))
		if q.Get("maxOrders") != "1000" || q.Get("format") != "json" {
			t.Errorf("unexpected status query %s", r.URL.RawQuery)
		}
		switch q.Get("orderId") {
		case "11":
			// item 2 also belongs to an order we did not ask for
			w.Write([]byte(`{"items":[
				{"orderId":11,"itemId":1,"status":"AVAILABLE_FOR_DOWNLOAD"},
				{"orderId":11,"itemId":2,"status":"PENDING"},
				{"orderId":99,"itemId":3,"status":"AVAILABLE_FOR_DOWNLOAD"}]}`))
		case "12":
			w.Write([]byte(`{"items":[
				{"orderId":12,"itemId":4,"status":"AVAILABLE_FOR_DOWNLOAD"},
				{"orderId":11,"itemId":1,"status":"AVAILABLE_FOR_DOWNLOAD"}]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	items, err := newTestClient(server).OrderItems(context.Background(), []int{11, 13, 12})
	require.NoError(t, err)

	assert.Equal(t, []string{"11", "13", "12"}, seenOrders, "one request per order id")
	var itemIDs []int
	for _, it := range items {
		itemIDs = append(itemIDs, int(it.ItemID))
	}
	assert.Equal(t, []int{1, 2, 4}, itemIDs)
}

func TestOrderItems_MaintenanceIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<p>Thanks for your patience while we upgrade</p>`))
	}))
	defer server.Close()

	items, err := newTestClient(server).OrderItems(context.Background(), []int{1})
	assert.ErrorIs(t, err, ErrMaintenance)
	assert.Nil(t, items)
}

func TestOrderItems_NoOrders(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	items, err := newTestClient(server).OrderItems(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}
