package helpers

import (
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

var (
	slugInvalid  = regexp.MustCompile(`[^a-z0-9._-]+`)
	slugRepeated = regexp.MustCompile(`[_-]{2,}`)
	sizeSuffixes = []string{"B", "KB", "MB", "GB", "TB", "PB"}
)

// ConvertToSlug lowercases s and reduces it to characters safe in a file name.
// Spaces become underscores and colons become dashes.
func ConvertToSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ":", "-")
	s = strings.Join(strings.Fields(s), "_")
	s = slugInvalid.ReplaceAllString(s, "")
	s = slugRepeated.ReplaceAllStringFunc(s, func(m string) string {
		if strings.Contains(m, "-") {
			return "-"
		}
		return "_"
	})
	return strings.Trim(s, "_-")
}

// BytesToSize formats a byte count using binary units, e.g. "1.50MB".
func BytesToSize(bytes uint64) string {
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizeSuffixes) {
		i = len(sizeSuffixes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizeSuffixes[i])
}

// SanitizePath cleans a filesystem path. Empty input yields ".".
func SanitizePath(p string) string {
	return filepath.Clean(strings.TrimSpace(p))
}

// CheckAndMakeDir makes sure dir exists, creating it if needed.
func CheckAndMakeDir(dir string) bool {
	dir = SanitizePath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}

// StringSliceContains reports whether item is in slice, ignoring case.
func StringSliceContains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}

// Pluralize returns word with an "s" appended unless n is one.
func Pluralize(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// CounterWriter counts the bytes passing through to Writer.
// OnWrite, when set, is called with the running total after each write.
type CounterWriter struct {
	Writer  io.Writer
	Total   uint64
	OnWrite func(total uint64)
}

func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	if cw.OnWrite != nil {
		cw.OnWrite(cw.Total)
	}
	return n, err
}

// HashFile returns the hex BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(SanitizePath(path))
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckHash compares the BLAKE3 digest of path with expected (case-insensitive).
// An empty expectation never matches.
func CheckHash(path, expected string) bool {
	if expected == "" {
		return false
	}
	got, err := HashFile(path)
	if err != nil {
		log.WithError(err).Debugf("Unable to hash %s", path)
		return false
	}
	return strings.EqualFold(got, expected)
}

// FileSize returns the size of path and whether it exists as a regular file.
func FileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}
