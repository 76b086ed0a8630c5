package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"eodms-api-client/internal/models"
)

// Search runs filter against collectionID. The server's moreResults flag is
// unreliable, so a page whose totalResults reaches the requested limit is
// re-issued with the limit grown by the initial page size until the count
// falls below it. pageSize <= 0 uses the client default.
//
// After MaxPages requests the last page is returned together with
// ErrPageLimit. A maintenance page yields an empty result and no error.
func (c *Client) Search(ctx context.Context, collectionID, filter string, pageSize int) (models.SearchResult, error) {
	if pageSize <= 0 {
		pageSize = c.PageSize
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	maxPages := c.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	limit := pageSize
	result := emptyResult()
	for page := 1; ; page++ {
		reqURL := models.ConstructSearchUrl(c.BaseURL, collectionID, filter, limit)
		c.logger().Debugf("Search request %d: %s", page, reqURL)

		body, err := c.do(ctx, "search", http.MethodGet, reqURL, nil)
		if err != nil {
			return emptyResult(), err
		}
		if isMaintenance(body) {
			c.logger().Errorf("%v, search returned no results", ErrMaintenance)
			return emptyResult(), nil
		}

		var current models.SearchResult
		if err := json.Unmarshal(body, &current); err != nil {
			return emptyResult(), malformed(reqURL, body, err)
		}
		if current.Results == nil {
			current.Results = []models.SearchHit{}
		}
		result = current

		if current.TotalResults < limit {
			c.logger().Infof("Search of %s returned %d result(s)", collectionID, current.TotalResults)
			c.Metrics.SetSearchHits(current.TotalResults)
			return result, nil
		}
		if page >= maxPages {
			c.Metrics.SetSearchHits(len(result.Results))
			return result, fmt.Errorf("%w: %d requests, last limit %d", ErrPageLimit, page, limit)
		}
		limit += pageSize
		c.logger().Infof("Search hit the %d result limit, re-querying with maxResults=%d", current.TotalResults, limit)
	}
}

func emptyResult() models.SearchResult {
	return models.SearchResult{Results: []models.SearchHit{}}
}
