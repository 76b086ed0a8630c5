package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"eodms-api-client/internal/models"
)

type scanner interface {
	Scan(dest ...any) error
}

// PutRecord inserts or replaces a normalized search record.
func (d *DB) PutRecord(e models.RecordEntry) error {
	if e.Collection == "" || e.RecordID == "" {
		return fmt.Errorf("record needs a collection and an id (got %q, %q)", e.Collection, e.RecordID)
	}
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("error marshaling fields of record %s: %w", e.RecordID, err)
	}
	var geometry sql.NullString
	if len(e.Geometry) > 0 {
		geometry = sql.NullString{String: string(e.Geometry), Valid: true}
	}

	d.Lock()
	defer d.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO records (collection, record_id, granule, uuid, thumbnail_url, fields, geometry, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, record_id) DO UPDATE SET
			granule = excluded.granule,
			uuid = excluded.uuid,
			thumbnail_url = excluded.thumbnail_url,
			fields = excluded.fields,
			geometry = excluded.geometry,
			timestamp = excluded.timestamp
	`, e.Collection, e.RecordID, e.Granule, e.UUID, e.ThumbnailURL, string(fields), geometry, e.Timestamp)
	if err != nil {
		return fmt.Errorf("error storing record %s: %w", RecordKey(e.Collection, e.RecordID), err)
	}
	return nil
}

const recordColumns = "collection, record_id, granule, uuid, thumbnail_url, fields, geometry, timestamp"

func scanRecord(row scanner) (models.RecordEntry, error) {
	var (
		e                        models.RecordEntry
		granule, uuid, thumb, gj sql.NullString
		fields                   string
	)
	if err := row.Scan(&e.Collection, &e.RecordID, &granule, &uuid, &thumb, &fields, &gj, &e.Timestamp); err != nil {
		return e, err
	}
	e.Granule, e.UUID, e.ThumbnailURL = granule.String, uuid.String, thumb.String
	if gj.Valid && gj.String != "" {
		e.Geometry = json.RawMessage(gj.String)
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return e, fmt.Errorf("corrupt fields for record %s: %w", e.RecordID, err)
	}
	return e, nil
}

// GetRecord returns one stored record.
func (d *DB) GetRecord(collection, recordID string) (models.RecordEntry, error) {
	d.RLock()
	defer d.RUnlock()
	e, err := scanRecord(d.db.QueryRow("SELECT "+recordColumns+" FROM records WHERE collection = ? AND record_id = ?", collection, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// Records lists stored records of collection (all collections when empty),
// ordered by numeric record id.
func (d *DB) Records(collection string) ([]models.RecordEntry, error) {
	d.RLock()
	defer d.RUnlock()
	query := "SELECT " + recordColumns + " FROM records"
	var args []any
	if collection != "" {
		query += " WHERE collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY collection, CAST(record_id AS INTEGER), record_id"

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying records: %w", err)
	}
	defer rows.Close()

	var out []models.RecordEntry
	for rows.Next() {
		e, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutOrder inserts or replaces a submitted order.
func (d *DB) PutOrder(e models.OrderEntry) error {
	ids, err := json.Marshal(e.RecordIDs)
	if err != nil {
		return fmt.Errorf("error marshaling record ids of order %d: %w", e.OrderID, err)
	}
	d.Lock()
	defer d.Unlock()
	_, err = d.db.Exec(`
		INSERT OR REPLACE INTO orders (order_id, collection, priority, record_ids, submitted_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.OrderID, e.Collection, e.Priority, string(ids), e.SubmittedAt)
	if err != nil {
		return fmt.Errorf("error storing order %d: %w", e.OrderID, err)
	}
	return nil
}

func scanOrder(row scanner) (models.OrderEntry, error) {
	var (
		e        models.OrderEntry
		priority sql.NullString
		ids      sql.NullString
	)
	if err := row.Scan(&e.OrderID, &e.Collection, &priority, &ids, &e.SubmittedAt); err != nil {
		return e, err
	}
	e.Priority = priority.String
	if ids.Valid && ids.String != "" {
		if err := json.Unmarshal([]byte(ids.String), &e.RecordIDs); err != nil {
			return e, fmt.Errorf("corrupt record ids for order %d: %w", e.OrderID, err)
		}
	}
	return e, nil
}

// GetOrder returns one stored order.
func (d *DB) GetOrder(orderID int) (models.OrderEntry, error) {
	d.RLock()
	defer d.RUnlock()
	e, err := scanOrder(d.db.QueryRow("SELECT order_id, collection, priority, record_ids, submitted_at FROM orders WHERE order_id = ?", orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// Orders lists stored orders by id.
func (d *DB) Orders() ([]models.OrderEntry, error) {
	d.RLock()
	defer d.RUnlock()
	rows, err := d.db.Query("SELECT order_id, collection, priority, record_ids, submitted_at FROM orders ORDER BY order_id")
	if err != nil {
		return nil, fmt.Errorf("error querying orders: %w", err)
	}
	defer rows.Close()

	var out []models.OrderEntry
	for rows.Next() {
		e, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutDownload inserts or replaces the state of a local product file.
func (d *DB) PutDownload(e models.DownloadEntry) error {
	if e.Path == "" {
		return errors.New("download entry has no path")
	}
	if e.Status == "" {
		e.Status = models.StatusPending
	}
	d.Lock()
	defer d.Unlock()
	// An entry without a digest (a skipped complete file) keeps the stored one.
	_, err := d.db.Exec(`
		INSERT INTO downloads (
			path, url, size, blake3, status, error_details,
			order_id, item_id, uuid, record_id, mirrored, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			url = excluded.url,
			size = excluded.size,
			blake3 = COALESCE(NULLIF(excluded.blake3, ''), downloads.blake3),
			status = excluded.status,
			error_details = excluded.error_details,
			order_id = excluded.order_id,
			item_id = excluded.item_id,
			uuid = excluded.uuid,
			record_id = excluded.record_id,
			mirrored = excluded.mirrored,
			timestamp = excluded.timestamp,
			updated_at = CURRENT_TIMESTAMP
	`, e.Path, e.URL, e.Size, e.Blake3, e.Status, e.ErrorDetails,
		e.OrderID, e.ItemID, e.UUID, e.RecordID, e.Mirrored, e.Timestamp)
	if err != nil {
		return fmt.Errorf("error storing download %s: %w", e.Path, err)
	}
	return nil
}

const downloadColumns = "path, url, size, blake3, status, error_details, order_id, item_id, uuid, record_id, mirrored, timestamp"

func scanDownload(row scanner) (models.DownloadEntry, error) {
	var (
		e                                   models.DownloadEntry
		url, blake, details, uuid, recordID sql.NullString
		size, orderID, itemID               sql.NullInt64
	)
	err := row.Scan(&e.Path, &url, &size, &blake, &e.Status, &details, &orderID, &itemID, &uuid, &recordID, &e.Mirrored, &e.Timestamp)
	if err != nil {
		return e, err
	}
	e.URL, e.Blake3, e.ErrorDetails = url.String, blake.String, details.String
	e.UUID, e.RecordID = uuid.String, recordID.String
	e.Size, e.OrderID, e.ItemID = size.Int64, int(orderID.Int64), int(itemID.Int64)
	return e, nil
}

// GetDownload returns the state of one local file.
func (d *DB) GetDownload(path string) (models.DownloadEntry, error) {
	d.RLock()
	defer d.RUnlock()
	e, err := scanDownload(d.db.QueryRow("SELECT "+downloadColumns+" FROM downloads WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// Downloads lists download entries, optionally filtered by status.
func (d *DB) Downloads(status string) ([]models.DownloadEntry, error) {
	d.RLock()
	defer d.RUnlock()
	query := "SELECT " + downloadColumns + " FROM downloads"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	rows, err := d.db.Query(query+" ORDER BY path", args...)
	if err != nil {
		return nil, fmt.Errorf("error querying downloads: %w", err)
	}
	defer rows.Close()

	var out []models.DownloadEntry
	for rows.Next() {
		e, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateDownloadStatus changes the status of an existing entry.
func (d *DB) UpdateDownloadStatus(path, status, details string) error {
	d.Lock()
	defer d.Unlock()
	result, err := d.db.Exec("UPDATE downloads SET status = ?, error_details = ? WHERE path = ?", status, details, path)
	if err != nil {
		return fmt.Errorf("error updating download %s: %w", path, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
