package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"eodms-api-client/internal/geo"
	"eodms-api-client/internal/models"

	"github.com/google/uuid"
	"github.com/gosuri/uilive"
	"github.com/paulmach/orb"
)

// detailURL forces the JSON rendition of a record's detail page.
func detailURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("format", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Enrich fetches the detail record of every hit on a bounded worker pool.
// The result is index-aligned with hits. fields defaults to the collection's
// metadata keys. A failed fetch yields a partial record with Err set rather
// than aborting the batch.
func (c *Client) Enrich(ctx context.Context, coll models.Collection, hits []models.SearchHit, fields []string) []models.MetadataRecord {
	out := make([]models.MetadataRecord, len(hits))
	if len(hits) == 0 {
		return out
	}
	if len(fields) == 0 {
		fields = coll.MetaKeys
	}
	workers := c.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if workers > len(hits) {
		workers = len(hits)
	}
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	var writer *uilive.Writer
	if c.ShowProgress {
		writer = uilive.New()
		writer.Start()
		defer writer.Stop()
	}

	jobs := make(chan int, len(hits))
	var wg sync.WaitGroup
	var completed, failed atomic.Int64
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = c.enrichOne(ctx, coll, hits[i], fields, timeout)
				if out[i].Err != nil {
					failed.Add(1)
				}
				n := completed.Add(1)
				if writer != nil {
					fmt.Fprintf(writer, "Fetching metadata: %d/%d records\n", n, len(hits))
				}
			}
		}()
	}
	for i := range hits {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if n := failed.Load(); n > 0 {
		c.logger().Warnf("Metadata for %d of %d record(s) is incomplete", n, len(hits))
	}
	return out
}

func (c *Client) enrichOne(ctx context.Context, coll models.Collection, hit models.SearchHit, fields []string, timeout time.Duration) models.MetadataRecord {
	rec := models.MetadataRecord{
		SourceURL:    hit.ThisRecordURL,
		Fields:       map[string]any{},
		CRS:          geo.CRSWGS84,
		ThumbnailURL: hit.ThumbnailURL,
	}
	idField := recordIDField(coll)
	if idField != "" && hit.RecordID != "" {
		rec.Fields[idField] = hit.RecordID.String()
	}

	reqURL, err := detailURL(hit.ThisRecordURL)
	if err != nil || hit.ThisRecordURL == "" {
		rec.Err = fmt.Errorf("record %s has no usable detail URL %q", hit.RecordID, hit.ThisRecordURL)
		return rec
	}
	rec.SourceURL = reqURL

	body, err := c.fetchDetail(ctx, reqURL, timeout)
	if err != nil {
		c.logger().WithError(err).Warnf("Failed to fetch metadata for record %s", hit.RecordID)
		rec.Err = err
		return rec
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		rec.Err = malformed(reqURL, body, err)
		c.logger().WithError(rec.Err).Warnf("Failed to parse metadata for record %s", hit.RecordID)
		return rec
	}

	for _, f := range fields {
		if v, ok := lookupField(doc, f); ok {
			rec.Fields[f] = v
		}
	}

	if raw, ok := doc["geometry"]; ok && raw != nil {
		if g, err := decodeAny(raw); err != nil {
			c.logger().WithError(err).Debugf("No usable geometry for record %s", hit.RecordID)
		} else if projected, crs, err := geo.Reproject(g, c.TargetCRS); err != nil {
			c.logger().WithError(err).Warnf("Could not reproject geometry of record %s", hit.RecordID)
			rec.Geometry = g
		} else {
			rec.Geometry, rec.CRS = projected, crs
		}
	}

	if thumb, ok := doc["thumbnailUrl"].(string); ok && thumb != "" {
		rec.ThumbnailURL = thumb
	}

	if coll.UUIDField != "" {
		if v, ok := lookupField(doc, coll.UUIDField); ok {
			if id, err := uuidFromPath(fmt.Sprint(v)); err == nil {
				rec.UUID = id
			} else {
				c.logger().WithError(err).Debugf("Record %s has no UUID in %q", hit.RecordID, coll.UUIDField)
			}
		}
	}
	return rec
}

func (c *Client) fetchDetail(ctx context.Context, reqURL string, timeout time.Duration) ([]byte, error) {
	if body, ok := c.cacheGet(reqURL); ok {
		return body, nil
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	body, err := c.do(rctx, "record", http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if isMaintenance(body) {
		return nil, ErrMaintenance
	}
	if c.Cache != nil && json.Valid(body) {
		if err := c.Cache.Put(reqURL, body); err != nil {
			c.logger().WithError(err).Debugf("Failed to cache %s", reqURL)
		}
	}
	return body, nil
}

func (c *Client) cacheGet(key string) ([]byte, bool) {
	if c.Cache == nil {
		return nil, false
	}
	return c.Cache.Get(key)
}

// lookupField checks the top-level key first, then the first matching pair
// of the generic metadata list.
func lookupField(doc map[string]any, field string) (any, bool) {
	if v, ok := doc[field]; ok {
		return v, true
	}
	pairs, ok := doc["metadata"].([]any)
	if !ok {
		return nil, false
	}
	for _, p := range pairs {
		kv, ok := p.([]any)
		if !ok || len(kv) < 2 {
			continue
		}
		if k, ok := kv[0].(string); ok && k == field {
			return kv[1], true
		}
	}
	return nil, false
}

func decodeAny(v any) (orb.Geometry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return geo.DecodeGeometry(raw)
}

// uuidFromPath takes the last path segment of a full product name.
func uuidFromPath(s string) (string, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// recordIDField is the raw column renamed to the record id column.
func recordIDField(coll models.Collection) string {
	for raw, renamed := range coll.Renames {
		if renamed == models.ColumnRecordID {
			return raw
		}
	}
	return ""
}
