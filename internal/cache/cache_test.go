package cache

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "detail-cache"))
	require.NoError(t, err)
	defer c.Close()

	url := "https://www.eodms-sgdot.nrcan-rncan.gc.ca/wes/rapi/record/RCMImageProducts/13736643?format=json"
	_, ok := c.Get(url)
	assert.False(t, ok)

	require.NoError(t, c.Put(url, []byte(`{"recordId":"13736643"}`)))
	got, ok := c.Get(url)
	require.True(t, ok)
	assert.Equal(t, `{"recordId":"13736643"}`, string(got))
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Len())
}

func TestCache_ReopenKeepsEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "detail-cache")
	c, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put("k", []byte("v")))
	require.NoError(t, c.Close())

	c, err = Open(dir)
	require.NoError(t, err)
	defer c.Close()
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", string(got))
}

func TestCache_OversizedKeySkipped(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "detail-cache"))
	require.NoError(t, err)
	defer c.Close()

	long := strings.Repeat("x", maxKeySize+1)
	assert.NoError(t, c.Put(long, []byte("v")))
	_, ok := c.Get(long)
	assert.False(t, ok)
}

func TestCache_NilIsNoop(t *testing.T) {
	var c *Cache
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.NoError(t, c.Put("k", nil))
	assert.NoError(t, c.Close())
}
