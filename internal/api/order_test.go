package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"eodms-api-client/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderRecorder struct {
	mu       sync.Mutex
	requests []models.OrderRequest
}

// orderServer answers every POST with the given order ids for that chunk
// (1-based). failChunk > 0 answers that chunk with 500.
func orderServer(t *testing.T, rec *orderRecorder, idsForChunk func(n int) []int, failChunk int) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req models.OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad order body: %v", err)
		}
		rec.mu.Lock()
		rec.requests = append(rec.requests, req)
		n := len(rec.requests)
		rec.mu.Unlock()

		if n == failChunk {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
			return
		}
		var resp models.OrderResponse
		for _, id := range idsForChunk(n) {
			resp.Items = append(resp.Items, models.OrderItem{OrderID: models.FlexInt(id)})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func recordIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprint(5000 + i)
	}
	return ids
}

func TestSubmitOrder_Chunks(t *testing.T) {
	rec := &orderRecorder{}
	server := orderServer(t, rec, func(n int) []int {
		// each chunk repeats the previous order id to exercise de-duplication
		return []int{100 + n - 1, 100 + n}
	}, 0)
	c := newTestClient(server)

	ids, err := c.SubmitOrder(context.Background(), "Radarsat2", recordIDs(120), "high")
	require.NoError(t, err)

	require.Len(t, rec.requests, 3)
	assert.Len(t, rec.requests[0].Items, 50)
	assert.Len(t, rec.requests[1].Items, 50)
	assert.Len(t, rec.requests[2].Items, 20)
	assert.Equal(t, []int{100, 101, 102, 103}, ids)

	item := rec.requests[2].Items[19]
	assert.Equal(t, "5119", item.RecordID)
	assert.Equal(t, "Radarsat2", item.CollectionID)
	assert.Equal(t, "High", item.Priority)
	assert.Equal(t, "user@example.com", item.Parameters.NotificationEmail)
	assert.Equal(t, "ZIP", item.Parameters.PackagingFormat)
	assert.NotNil(t, rec.requests[0].Destinations)
}

func TestSubmitOrder_DuplicatesPassedThrough(t *testing.T) {
	rec := &orderRecorder{}
	server := orderServer(t, rec, func(int) []int { return []int{7} }, 0)

	_, err := newTestClient(server).SubmitOrder(context.Background(), "NAPL", []string{"1", "1", "2"}, "Medium")
	require.NoError(t, err)
	require.Len(t, rec.requests, 1)
	assert.Len(t, rec.requests[0].Items, 3)
}

func TestSubmitOrder_Priority(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"urgent", "Urgent", false},
		{"URGENT", "Urgent", false},
		{" low ", "Low", false},
		{"Medium", "Medium", false},
		{"rush", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizePriority(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPriority) {
				t.Errorf("NormalizePriority(%q) expected ErrInvalidPriority, got %v", tt.in, err)
			}
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestSubmitOrder_InvalidPriorityMakesNoRequest(t *testing.T) {
	rec := &orderRecorder{}
	server := orderServer(t, rec, func(int) []int { return []int{1} }, 0)

	ids, err := newTestClient(server).SubmitOrder(context.Background(), "RCMImageProducts", recordIDs(3), "rush")
	assert.ErrorIs(t, err, ErrInvalidPriority)
	assert.Nil(t, ids)
	assert.Empty(t, rec.requests)
}

func TestSubmitOrder_EmptyInput(t *testing.T) {
	rec := &orderRecorder{}
	server := orderServer(t, rec, func(int) []int { return nil }, 0)

	ids, err := newTestClient(server).SubmitOrder(context.Background(), "RCMImageProducts", nil, "Low")
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
	assert.Empty(t, rec.requests)
}

func TestSubmitOrder_FailingChunkAborts(t *testing.T) {
	rec := &orderRecorder{}
	server := orderServer(t, rec, func(n int) []int { return []int{200 + n} }, 2)
	c := newTestClient(server)
	c.BatchSize = 10

	ids, err := c.SubmitOrder(context.Background(), "RCMImageProducts", recordIDs(35), "Medium")
	assert.Nil(t, ids)
	require.Error(t, err)

	var orderErr *OrderError
	require.True(t, errors.As(err, &orderErr), "expected *OrderError, got %T", err)
	assert.Equal(t, 2, orderErr.Chunk)
	assert.Equal(t, 4, orderErr.Chunks)
	assert.Equal(t, []int{201}, orderErr.Submitted)
	assert.Len(t, orderErr.RecordIDs, 10)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Contains(t, err.Error(), "HTTP-500")

	// later chunks are never sent
	assert.Len(t, rec.requests, 2)
}

func TestSubmitOrder_UnreadableResponseReported(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte("not json"))
			return
		}
		w.Write([]byte(`{"items":[{"orderId":"900"}]}`))
	}))
	defer server.Close()
	c := newTestClient(server)
	c.BatchSize = 2

	ids, err := c.SubmitOrder(context.Background(), "RCMImageProducts", recordIDs(3), "Low")
	assert.Nil(t, ids)
	assert.Equal(t, 2, calls, "later chunks are still sent")
	require.ErrorIs(t, err, ErrOrderUnconfirmed)

	var orderErr *OrderError
	require.True(t, errors.As(err, &orderErr), "expected *OrderError, got %T", err)
	assert.Equal(t, 1, orderErr.Chunk)
	assert.Equal(t, 2, orderErr.Chunks)
	assert.Equal(t, recordIDs(3)[:2], orderErr.RecordIDs)
	assert.Equal(t, []int{900}, orderErr.Submitted)
	assert.Contains(t, err.Error(), "web UI")
}
