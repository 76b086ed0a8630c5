package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// searchBody renders a page with n hits and the given total.
func searchBody(total, n int) string {
	hits := make([]string, n)
	for i := range hits {
		hits[i] = fmt.Sprintf(`{"recordId":"%d","collectionId":"RCMImageProducts","thisRecordUrl":"http://example/record/%d"}`, i+1, i+1)
	}
	return fmt.Sprintf(`{"totalResults":%d,"moreResults":false,"results":[%s]}`, total, strings.Join(hits, ","))
}

func TestSearch_GrowsLimitUntilUnsaturated(t *testing.T) {
	var mu sync.Mutex
	var limits []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
		mu.Lock()
		limits = append(limits, limit)
		mu.Unlock()
		if limit == 150 {
			w.Write([]byte(searchBody(150, 150)))
			return
		}
		w.Write([]byte(searchBody(87, 87)))
	}))
	defer server.Close()

	result, err := newTestClient(server).Search(context.Background(), "RCMImageProducts", "x", 150)
	require.NoError(t, err)
	assert.Equal(t, []int{150, 300}, limits)
	assert.Equal(t, 87, result.TotalResults)
	assert.Len(t, result.Results, 87)
}

func TestSearch_DefaultPageSize(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("maxResults")
		w.Write([]byte(searchBody(3, 3)))
	}))
	defer server.Close()

	_, err := newTestClient(server).Search(context.Background(), "Radarsat2", "x", 0)
	require.NoError(t, err)
	assert.Equal(t, "1000", got)
}

func TestSearch_SendsRequestParameters(t *testing.T) {
	filter := "CATALOG_IMAGE.START_DATETIME%3E%3D%272024-01-01T00%3A00%3A00%27"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/search" || q.Get("collection") != "NAPL" || q.Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if q.Get("query") != "CATALOG_IMAGE.START_DATETIME>='2024-01-01T00:00:00'" {
			t.Errorf("filter not passed through verbatim: %q", r.URL.RawQuery)
		}
		w.Write([]byte(searchBody(0, 0)))
	}))
	defer server.Close()

	_, err := newTestClient(server).Search(context.Background(), "NAPL", filter, 10)
	require.NoError(t, err)
}

func TestSearch_ZeroHitsIsEmptyNotNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"totalResults":0}`))
	}))
	defer server.Close()

	result, err := newTestClient(server).Search(context.Background(), "RCMImageProducts", "x", 0)
	require.NoError(t, err)
	require.NotNil(t, result.Results)
	assert.Empty(t, result.Results)
}

func TestSearch_Maintenance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Thanks for your patience</h1></body></html>`))
	}))
	defer server.Close()

	result, err := newTestClient(server).Search(context.Background(), "RCMImageProducts", "x", 0)
	require.NoError(t, err)
	require.NotNil(t, result.Results)
	assert.Empty(t, result.Results)
}

func TestSearch_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>oops</html>`))
	}))
	defer server.Close()

	result, err := newTestClient(server).Search(context.Background(), "RCMImageProducts", "x", 0)
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Contains(t, err.Error(), "<html>oops</html>")
	assert.NotNil(t, result.Results)
}

func TestSearch_PageLimit(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		limit, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
		w.Write([]byte(searchBody(limit, 2)))
	}))
	defer server.Close()

	c := newTestClient(server)
	c.MaxPages = 3
	result, err := c.Search(context.Background(), "RCMImageProducts", "x", 10)
	if !errors.Is(err, ErrPageLimit) {
		t.Fatalf("expected ErrPageLimit, got %v", err)
	}
	assert.Equal(t, 3, requests)
	assert.Equal(t, 30, result.TotalResults)
	assert.Len(t, result.Results, 2)
}

func TestSearch_HTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`bad query`))
	}))
	defer server.Close()

	_, err := newTestClient(server).Search(context.Background(), "RCMImageProducts", "x", 0)
	assert.ErrorIs(t, err, ErrHttpStatus)
	assert.Contains(t, err.Error(), "HTTP-400 Bad Request")
}
