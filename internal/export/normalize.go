// Package export turns enriched search records into normalized rows and
// writes them out as GeoJSON or STAC items.
package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"eodms-api-client/internal/geo"
	"eodms-api-client/internal/models"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	log "github.com/sirupsen/logrus"
)

// Row is one normalized search record.
type Row struct {
	Collection   string
	RecordID     string
	Granule      string
	Fields       map[string]any
	Geometry     orb.Geometry
	CRS          string
	ThumbnailURL string
	UUID         string
	Start        time.Time
	End          time.Time
	// Partial rows come from records whose detail fetch failed.
	Partial bool
}

// dateLayouts lists the timestamp spellings seen in catalog metadata.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 MST",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses a catalog timestamp. Values without a zone are UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Normalize applies the collection's column renames, the start/end swap
// quirk and date normalization, and returns the rows sorted by numeric
// record id. Records without an id are dropped.
func Normalize(coll models.Collection, records []models.MetadataRecord) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := Row{
			Collection:   coll.ID,
			Fields:       make(map[string]any, len(rec.Fields)),
			Geometry:     rec.Geometry,
			CRS:          rec.CRS,
			ThumbnailURL: rec.ThumbnailURL,
			UUID:         rec.UUID,
			Partial:      rec.Err != nil,
		}
		for k, v := range rec.Fields {
			if renamed, ok := coll.Renames[k]; ok {
				k = renamed
			}
			row.Fields[k] = v
		}
		if coll.SwapStartEnd && len(coll.DateColumns) == 2 {
			a, b := coll.DateColumns[0], coll.DateColumns[1]
			av, aok := row.Fields[a]
			bv, bok := row.Fields[b]
			delete(row.Fields, a)
			delete(row.Fields, b)
			if bok {
				row.Fields[a] = bv
			}
			if aok {
				row.Fields[b] = av
			}
		}
		for i, col := range coll.DateColumns {
			s, ok := row.Fields[col].(string)
			if !ok {
				continue
			}
			t, ok := ParseDate(s)
			if !ok {
				log.Debugf("Unparseable %s %q in %s record", col, s, coll.ID)
				continue
			}
			row.Fields[col] = t.Format(time.RFC3339)
			if i == 0 {
				row.Start = t
			} else {
				row.End = t
			}
		}

		row.RecordID = stringValue(row.Fields[models.ColumnRecordID])
		if row.RecordID == "" {
			log.Warnf("Dropping %s record without a record id (%s)", coll.ID, rec.SourceURL)
			continue
		}
		if n, err := strconv.ParseInt(row.RecordID, 10, 64); err == nil {
			row.Fields[models.ColumnRecordID] = n
		}
		row.Granule = stringValue(row.Fields[models.ColumnGranule])
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool { return lessID(rows[i].RecordID, rows[j].RecordID) })
	return rows
}

func lessID(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Entry converts a row into its state store form.
func (r Row) Entry(now time.Time) models.RecordEntry {
	e := models.RecordEntry{
		Collection:   r.Collection,
		RecordID:     r.RecordID,
		Granule:      r.Granule,
		UUID:         r.UUID,
		ThumbnailURL: r.ThumbnailURL,
		Fields:       r.Fields,
		Timestamp:    now.Unix(),
	}
	if r.Geometry != nil {
		if data, err := geojson.NewGeometry(r.Geometry).MarshalJSON(); err == nil {
			e.Geometry = data
		}
	}
	return e
}

// FromEntry rebuilds a row from the state store. Stored geometry is assumed
// to be EPSG:4326.
func FromEntry(coll models.Collection, e models.RecordEntry) Row {
	row := Row{
		Collection:   e.Collection,
		RecordID:     e.RecordID,
		Granule:      e.Granule,
		Fields:       e.Fields,
		CRS:          geo.CRSWGS84,
		ThumbnailURL: e.ThumbnailURL,
		UUID:         e.UUID,
	}
	if len(e.Geometry) > 0 {
		if g, err := geo.DecodeGeometry(e.Geometry); err == nil {
			row.Geometry = g
		}
	}
	for i, col := range coll.DateColumns {
		s, _ := e.Fields[col].(string)
		if t, ok := ParseDate(s); ok {
			if i == 0 {
				row.Start = t
			} else {
				row.End = t
			}
		}
	}
	return row
}
