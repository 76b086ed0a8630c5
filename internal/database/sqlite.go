package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"eodms-api-client/internal/models"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// Key prefixes understood by the generic accessors.
const (
	PrefixRecord   = "rec_"
	PrefixOrder    = "ord_"
	PrefixDownload = "dl_"
)

// RecordKey is the key of a search record: rec_<collection>_<recordId>.
func RecordKey(collection, recordID string) string {
	return PrefixRecord + collection + "_" + recordID
}

// OrderKey is the key of a submitted order.
func OrderKey(orderID int) string {
	return PrefixOrder + strconv.Itoa(orderID)
}

// DownloadKey is the key of a local product file.
func DownloadKey(path string) string {
	return PrefixDownload + path
}

// DB wraps the SQLite database instance and provides helper methods.
type DB struct {
	db *sql.DB
	sync.RWMutex
	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database at %s: %w", path, err)
	}

	dbWrapper := &DB{db: db}
	if err := dbWrapper.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	log.Debugf("SQLite database opened at %s", path)
	return dbWrapper, nil
}

// initSchema creates the database schema if it doesn't exist
func (d *DB) initSchema() error {
	schema := `
	-- Normalized search records
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		granule TEXT,
		uuid TEXT,
		thumbnail_url TEXT,
		fields TEXT NOT NULL, -- JSON object
		geometry TEXT,        -- GeoJSON geometry
		timestamp INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, record_id)
	);

	-- Submitted orders
	CREATE TABLE IF NOT EXISTS orders (
		order_id INTEGER PRIMARY KEY,
		collection TEXT NOT NULL,
		priority TEXT,
		record_ids TEXT, -- JSON array
		submitted_at INTEGER NOT NULL
	);

	-- Local product files
	CREATE TABLE IF NOT EXISTS downloads (
		path TEXT PRIMARY KEY,
		url TEXT,
		size INTEGER,
		blake3 TEXT,
		status TEXT NOT NULL CHECK (status IN ('Pending', 'Downloaded', 'Error')),
		error_details TEXT,
		order_id INTEGER,
		item_id INTEGER,
		uuid TEXT,
		record_id TEXT,
		mirrored BOOLEAN NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_records_uuid ON records(uuid);
	CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
	CREATE INDEX IF NOT EXISTS idx_downloads_order ON downloads(order_id);

	CREATE TRIGGER IF NOT EXISTS update_records_timestamp
		AFTER UPDATE ON records
		BEGIN
			UPDATE records SET updated_at = CURRENT_TIMESTAMP
			WHERE collection = NEW.collection AND record_id = NEW.record_id;
		END;

	CREATE TRIGGER IF NOT EXISTS update_downloads_timestamp
		AFTER UPDATE ON downloads
		BEGIN
			UPDATE downloads SET updated_at = CURRENT_TIMESTAMP WHERE path = NEW.path;
		END;
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		d.Lock()
		defer d.Unlock()

		d.closeErr = d.db.Close()
		d.closed = true
		if d.closeErr != nil {
			log.Errorf("Error during database close operation: %v", d.closeErr)
		}
	})
	return d.closeErr
}

// Has checks if a key exists in the database.
func (d *DB) Has(key []byte) bool {
	_, err := d.Get(key)
	return err == nil
}

// Get retrieves the JSON encoded entry stored under key.
func (d *DB) Get(key []byte) ([]byte, error) {
	keyStr := string(key)
	var (
		entry any
		err   error
	)
	switch {
	case strings.HasPrefix(keyStr, PrefixRecord):
		coll, id, ok := strings.Cut(strings.TrimPrefix(keyStr, PrefixRecord), "_")
		if !ok {
			return nil, fmt.Errorf("invalid record key %s", keyStr)
		}
		entry, err = d.GetRecord(coll, id)
	case strings.HasPrefix(keyStr, PrefixOrder):
		id, convErr := strconv.Atoi(strings.TrimPrefix(keyStr, PrefixOrder))
		if convErr != nil {
			return nil, fmt.Errorf("invalid order ID in key %s: %w", keyStr, convErr)
		}
		entry, err = d.GetOrder(id)
	case strings.HasPrefix(keyStr, PrefixDownload):
		entry, err = d.GetDownload(strings.TrimPrefix(keyStr, PrefixDownload))
	default:
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(entry)
}

// Put stores a JSON encoded entry under key. The key prefix selects the
// entry type.
func (d *DB) Put(key []byte, value []byte) error {
	keyStr := string(key)
	switch {
	case strings.HasPrefix(keyStr, PrefixRecord):
		var entry models.RecordEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("error unmarshaling record for key %s: %w", keyStr, err)
		}
		return d.PutRecord(entry)
	case strings.HasPrefix(keyStr, PrefixOrder):
		var entry models.OrderEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("error unmarshaling order for key %s: %w", keyStr, err)
		}
		return d.PutOrder(entry)
	case strings.HasPrefix(keyStr, PrefixDownload):
		var entry models.DownloadEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("error unmarshaling download for key %s: %w", keyStr, err)
		}
		return d.PutDownload(entry)
	}
	return fmt.Errorf("unsupported key format: %s", keyStr)
}

// Delete removes a key from the database.
func (d *DB) Delete(key []byte) error {
	keyStr := string(key)
	var (
		query string
		args  []any
	)
	switch {
	case strings.HasPrefix(keyStr, PrefixRecord):
		coll, id, ok := strings.Cut(strings.TrimPrefix(keyStr, PrefixRecord), "_")
		if !ok {
			return fmt.Errorf("invalid record key %s", keyStr)
		}
		query, args = "DELETE FROM records WHERE collection = ? AND record_id = ?", []any{coll, id}
	case strings.HasPrefix(keyStr, PrefixOrder):
		id, err := strconv.Atoi(strings.TrimPrefix(keyStr, PrefixOrder))
		if err != nil {
			return fmt.Errorf("invalid order ID in key %s: %w", keyStr, err)
		}
		query, args = "DELETE FROM orders WHERE order_id = ?", []any{id}
	case strings.HasPrefix(keyStr, PrefixDownload):
		query, args = "DELETE FROM downloads WHERE path = ?", []any{strings.TrimPrefix(keyStr, PrefixDownload)}
	default:
		return fmt.Errorf("unsupported key format: %s", keyStr)
	}

	d.Lock()
	defer d.Unlock()
	result, err := d.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("error deleting key %s: %w", keyStr, err)
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Fold iterates over all key-value pairs and calls the provided function.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	for _, key := range d.Keys() {
		value, err := d.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error getting value for key %s", string(key))
			continue
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns all keys in the database: records, then orders, then downloads.
func (d *DB) Keys() [][]byte {
	d.RLock()
	defer d.RUnlock()

	var keys [][]byte
	queries := []struct {
		sql  string
		make func(rows *sql.Rows) (string, error)
	}{
		{"SELECT collection, record_id FROM records ORDER BY collection, CAST(record_id AS INTEGER), record_id", func(rows *sql.Rows) (string, error) {
			var coll, id string
			err := rows.Scan(&coll, &id)
			return RecordKey(coll, id), err
		}},
		{"SELECT order_id FROM orders ORDER BY order_id", func(rows *sql.Rows) (string, error) {
			var id int
			err := rows.Scan(&id)
			return OrderKey(id), err
		}},
		{"SELECT path FROM downloads ORDER BY path", func(rows *sql.Rows) (string, error) {
			var p string
			err := rows.Scan(&p)
			return DownloadKey(p), err
		}},
	}
	for _, q := range queries {
		rows, err := d.db.Query(q.sql)
		if err != nil {
			log.WithError(err).Error("Keys: query failed")
			continue
		}
		for rows.Next() {
			key, err := q.make(rows)
			if err != nil {
				log.WithError(err).Warn("Keys: Error scanning key")
				continue
			}
			keys = append(keys, []byte(key))
		}
		rows.Close()
	}
	return keys
}

// Clear removes every stored entry.
func (d *DB) Clear() error {
	d.Lock()
	defer d.Unlock()
	_, err := d.db.Exec("DELETE FROM records; DELETE FROM orders; DELETE FROM downloads;")
	if err != nil {
		return fmt.Errorf("error clearing database: %w", err)
	}
	return nil
}

// Counts returns the number of records, orders and downloads.
func (d *DB) Counts() (records, orders, downloads int, err error) {
	d.RLock()
	defer d.RUnlock()
	err = d.db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM records),
		(SELECT COUNT(*) FROM orders),
		(SELECT COUNT(*) FROM downloads)`).Scan(&records, &orders, &downloads)
	return
}
