package index

import (
	"errors"
	"fmt"

	"eodms-api-client/internal/helpers"
	"eodms-api-client/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// Hit is one search result.
type Hit struct {
	ID         string
	Score      float64
	Collection string
	RecordID   string
	Granule    string
	UUID       string
}

// OpenOrCreateIndex opens the index at path, creating it when missing.
func OpenOrCreateIndex(path string) (bleve.Index, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}
	log.Debugf("Creating search index at %s", path)
	idx, err = bleve.New(path, bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating index %s: %w", path, err)
	}
	return idx, nil
}

// DocumentID is the index id of a record.
func DocumentID(collection, recordID string) string {
	return collection + ":" + recordID
}

// document flattens a record for indexing. Field names are slugged so they
// can be used in query strings ("beam_mode:SC30M").
func document(e models.RecordEntry) map[string]any {
	doc := map[string]any{
		"collection": e.Collection,
		"recordId":   e.RecordID,
		"granule":    e.Granule,
	}
	if e.UUID != "" {
		doc["uuid"] = e.UUID
	}
	for k, v := range e.Fields {
		name := helpers.ConvertToSlug(k)
		if name == "" || v == nil {
			continue
		}
		if _, taken := doc[name]; taken {
			continue
		}
		switch v.(type) {
		case string, float64, int, int64, bool:
			doc[name] = v
		default:
			doc[name] = fmt.Sprint(v)
		}
	}
	return doc
}

// IndexRecords adds or replaces records in one batch.
func IndexRecords(idx bleve.Index, entries []models.RecordEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := idx.NewBatch()
	for _, e := range entries {
		if err := batch.Index(DocumentID(e.Collection, e.RecordID), document(e)); err != nil {
			return fmt.Errorf("indexing record %s: %w", e.RecordID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("writing index batch: %w", err)
	}
	log.Debugf("Indexed %d %s", len(entries), helpers.Pluralize(len(entries), "record"))
	return nil
}

// Search runs a query-string query and returns up to limit hits together
// with the total number of matches.
func Search(idx bleve.Index, query string, limit int) ([]Hit, uint64, error) {
	if limit <= 0 {
		limit = 20
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	req.Fields = []string{"collection", "recordId", "granule", "uuid"}
	res, err := idx.Search(req)
	if err != nil {
		return nil, 0, fmt.Errorf("searching index for %q: %w", query, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, m := range res.Hits {
		hits = append(hits, Hit{
			ID:         m.ID,
			Score:      m.Score,
			Collection: stringField(m.Fields, "collection"),
			RecordID:   stringField(m.Fields, "recordId"),
			Granule:    stringField(m.Fields, "granule"),
			UUID:       stringField(m.Fields, "uuid"),
		})
	}
	return hits, res.Total, nil
}

func stringField(fields map[string]any, name string) string {
	if s, ok := fields[name].(string); ok {
		return s
	}
	return ""
}
