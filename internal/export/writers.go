package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"eodms-api-client/internal/geo"
	"eodms-api-client/internal/helpers"
	"eodms-api-client/internal/paths"

	"github.com/paulmach/orb/geojson"
	stac "github.com/planetlabs/go-stac"
	log "github.com/sirupsen/logrus"
)

// Dump formats.
const (
	FormatGeoJSON = "geojson"
	FormatSTAC    = "stac"
)

// DefaultPattern names query dumps when no pattern is configured.
const DefaultPattern = "{collection}_{start}_{end}"

const stacVersion = "1.0.0"

var ErrUnknownFormat = errors.New("unknown dump format")

// WriteGeoJSON writes rows as a FeatureCollection. Every field becomes a
// feature property.
func WriteGeoJSON(w io.Writer, rows []Row) error {
	fc := geojson.NewFeatureCollection()
	for _, r := range rows {
		f := geojson.NewFeature(r.Geometry)
		f.ID = r.RecordID
		for k, v := range r.Fields {
			f.Properties[k] = v
		}
		if r.UUID != "" {
			f.Properties["UUID"] = r.UUID
		}
		if r.ThumbnailURL != "" {
			f.Properties["Thumbnail"] = r.ThumbnailURL
		}
		fc.Append(f)
	}
	if len(rows) > 0 && rows[0].CRS != "" && rows[0].CRS != geo.CRSWGS84 {
		fc.ExtraMembers = geojson.Properties{
			"crs": map[string]any{
				"type":       "name",
				"properties": map[string]string{"name": rows[0].CRS},
			},
		}
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding feature collection: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing feature collection: %w", err)
	}
	return nil
}

// STACItem converts a row into a STAC item.
func STACItem(r Row) *stac.Item {
	item := &stac.Item{
		Version:    stacVersion,
		Id:         r.RecordID,
		Collection: r.Collection,
		Properties: map[string]any{},
		Links:      []*stac.Link{},
		Assets:     map[string]*stac.Asset{},
	}
	for k, v := range r.Fields {
		item.Properties[k] = v
	}
	switch {
	case !r.Start.IsZero() && !r.End.IsZero():
		item.Properties["datetime"] = nil
		item.Properties["start_datetime"] = r.Start.Format(time.RFC3339)
		item.Properties["end_datetime"] = r.End.Format(time.RFC3339)
	case !r.Start.IsZero():
		item.Properties["datetime"] = r.Start.Format(time.RFC3339)
	default:
		item.Properties["datetime"] = nil
	}
	if r.Granule != "" {
		item.Properties["title"] = r.Granule
	}
	if r.UUID != "" {
		item.Properties["eodms:uuid"] = r.UUID
	}
	if r.Geometry != nil {
		item.Geometry = geojson.NewGeometry(r.Geometry)
		b := r.Geometry.Bound()
		item.Bbox = []float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
	}
	if r.ThumbnailURL != "" {
		item.Assets["thumbnail"] = &stac.Asset{
			Title: "Thumbnail",
			Href:  r.ThumbnailURL,
			Type:  "image/jpeg",
			Roles: []string{"thumbnail"},
		}
	}
	return item
}

// WriteSTAC writes one <recordId>.json STAC item per row into dir and
// returns the written paths.
func WriteSTAC(dir string, rows []Row) ([]string, error) {
	if !helpers.CheckAndMakeDir(dir) {
		return nil, fmt.Errorf("could not create STAC output directory %s", dir)
	}
	written := make([]string, 0, len(rows))
	for _, r := range rows {
		data, err := json.MarshalIndent(STACItem(r), "", "  ")
		if err != nil {
			return written, fmt.Errorf("encoding STAC item %s: %w", r.RecordID, err)
		}
		path := filepath.Join(dir, helpers.ConvertToSlug(r.RecordID)+".json")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return written, fmt.Errorf("writing STAC item %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// DumpName expands pattern for a query over the given window.
func DumpName(pattern, collection string, start, end time.Time, count int, now time.Time) (string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return paths.GeneratePath(pattern, map[string]string{
		"collection": collection,
		"start":      start.Format("20060102"),
		"end":        end.Format("20060102"),
		"date":       now.Format("20060102"),
		"count":      fmt.Sprint(count),
	})
}

// Dump writes rows under outDir in format. GeoJSON goes to <name>.geojson,
// STAC items to the directory <name>/. It returns the paths written.
func Dump(format, outDir, name string, rows []Row) ([]string, error) {
	switch strings.ToLower(format) {
	case "", FormatGeoJSON:
		target := filepath.Join(outDir, name+".geojson")
		if !helpers.CheckAndMakeDir(filepath.Dir(target)) {
			return nil, fmt.Errorf("could not create output directory for %s", target)
		}
		f, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", target, err)
		}
		defer f.Close()
		if err := WriteGeoJSON(f, rows); err != nil {
			return nil, err
		}
		log.Infof("Saved %d %s to %s", len(rows), helpers.Pluralize(len(rows), "record"), target)
		return []string{target}, nil
	case FormatSTAC:
		written, err := WriteSTAC(filepath.Join(outDir, name), rows)
		if err != nil {
			return written, err
		}
		log.Infof("Saved %d STAC %s to %s", len(written), helpers.Pluralize(len(written), "item"), filepath.Join(outDir, name))
		return written, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}
