package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ManifestEntry is one hashed-path key of an order item manifest and the
// byte size the server reports for it.
type ManifestEntry struct {
	Key  string
	Size int64
}

// Manifest keeps manifest entries in the order the server sent them.
// The last entry is the one describing the packaged product.
type Manifest []ManifestEntry

// Last returns the final entry of the manifest.
func (m Manifest) Last() (ManifestEntry, bool) {
	if len(m) == 0 {
		return ManifestEntry{}, false
	}
	return m[len(m)-1], true
}

// UnmarshalJSON decodes a JSON object token by token so key order survives.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("manifest: expected object, got %v", tok)
	}

	var entries Manifest
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("manifest: expected string key, got %v", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		var size int64
		switch v := valTok.(type) {
		case json.Number:
			size, err = parseSize(string(v))
		case string:
			size, err = parseSize(v)
		default:
			err = fmt.Errorf("unsupported value %v", valTok)
		}
		if err != nil {
			return fmt.Errorf("manifest: size for %q: %w", key, err)
		}
		entries = append(entries, ManifestEntry{Key: key, Size: size})
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = entries
	return nil
}

// parseSize accepts integers and integral floats such as 1048576.0.
func parseSize(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v is not a whole byte count", f)
	}
	return int64(f), nil
}
