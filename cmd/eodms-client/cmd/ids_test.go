package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"one per line", "123\n456\n\n789\n", []string{"123", "456", "789"}},
		{"comments and spaces", "# ordered later\n  42  \n#43\n", []string{"42"}},
		{"csv with record id column", "Granule,EODMS RecordId,Start Date\nG1,100,2020-01-01\nG2, 200 ,2020-01-02\n", []string{"100", "200"}},
		{"csv short row", "EODMS RecordId,Granule\n7,G\n\n8\n", []string{"7", "8"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIDs(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIDs_CSVWithoutColumn(t *testing.T) {
	// A header mentioning the column name in another cell still needs an exact match
	_, err := parseIDs(strings.NewReader("\"EODMS RecordId (old)\",x\n1,2\n"))
	assert.Error(t, err)
}

func TestCollectIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("3\n1\n4\n"), 0644))

	got, err := collectIDs([]string{"1,2", "3"}, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4"}, got)

	got, err = collectIDs(nil, "")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = collectIDs(nil, filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestParseOrderIDs(t *testing.T) {
	ids, err := parseOrderIDs([]string{"12", "345"})
	require.NoError(t, err)
	assert.Equal(t, []int{12, 345}, ids)

	for _, bad := range []string{"abc", "0", "-3", "1.5"} {
		if _, err := parseOrderIDs([]string{bad}); err == nil {
			t.Errorf("Expected an error for order id %q", bad)
		}
	}
}
