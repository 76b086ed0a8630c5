package cmd

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"eodms-api-client/internal/models"
)

var (
	errNoInput      = errors.New("no identifiers given")
	errNoCollection = errors.New("no collection given")
)

// readIDFile reads identifiers from path. A file whose first line names the
// record id column is read as CSV (as written by a previous query dump);
// anything else is one identifier per line. Blank lines and lines starting
// with '#' are ignored.
func readIDFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening id file: %w", err)
	}
	defer f.Close()
	return parseIDs(f)
}

func parseIDs(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	header, _, _ := strings.Cut(string(first), "\n")
	if strings.Contains(header, models.ColumnRecordID) {
		return parseCSVIDs(br)
	}

	var ids []string
	scanner := bufio.NewScanner(br)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func parseCSVIDs(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) == models.ColumnRecordID {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("csv has no %q column", models.ColumnRecordID)
	}

	var ids []string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv: %w", err)
		}
		if col < len(row) {
			if id := strings.TrimSpace(row[col]); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// collectIDs merges ids given on the command line with the ones in file,
// keeping first-seen order and dropping duplicates.
func collectIDs(flagIDs []string, file string) ([]string, error) {
	all := []string{}
	for _, v := range flagIDs {
		// --record-id 1,2,3 and repeated flags both work
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				all = append(all, part)
			}
		}
	}
	if file != "" {
		fromFile, err := readIDFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, fromFile...)
	}
	return dedupe(all), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// parseOrderIDs converts order identifiers to integers.
func parseOrderIDs(raw []string) ([]int, error) {
	ids := make([]int, 0, len(raw))
	for _, s := range raw {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid order id %q", s)
		}
		ids = append(ids, n)
	}
	return ids, nil
}
