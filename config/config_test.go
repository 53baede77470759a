package config

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNeedsPath(t *testing.T) {
	c := DefaultConfig()
	assert.True(t, errors.Is(errors.Invalid, c.Validate()))
	c.Temporary = true
	assert.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	base := DefaultConfig()
	base.Temporary = true
	for _, tc := range []struct {
		name string
		edit func(*Config)
	}{
		{"segment not power of two", func(c *Config) { c.SegmentSize = 3 * 8192 }},
		{"segment too small", func(c *Config) { c.SegmentSize = 4096 }},
		{"segment too large", func(c *Config) { c.SegmentSize = 1 << 24 }},
		{"one segment", func(c *Config) { c.LogSegments = 1 }},
		{"threshold", func(c *Config) { c.SegmentCleanupThreshold = 101 }},
		{"heap slab", func(c *Config) { c.HeapBytesPerSlab = 1024 }},
		{"mode", func(c *Config) { c.Mode = Mode(7) }},
	} {
		c := base
		tc.edit(&c)
		err := c.Validate()
		assert.True(t, errors.Is(errors.Invalid, err), "%s: %v", tc.name, err)
	}
}

func TestCleanupThreshold(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, uint64(50), c.CleanupThreshold())
	c.Mode = HighThroughput
	assert.Equal(t, uint64(25), c.CleanupThreshold())
	c.SegmentCleanupThreshold = 80
	assert.Equal(t, uint64(80), c.CleanupThreshold())
}

func TestStartCreateNew(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "config")
	defer cleanup()
	c := DefaultConfig()
	c.Path = dir
	c.SegmentSize = 1 << 16
	c.LogSegments = 4
	c.HeapBytesPerSlab = 1 << 16
	c.CreateNew = true
	rc, err := c.Start()
	require.NoError(t, err)
	assert.NoError(t, rc.Err())
	require.NoError(t, rc.Close())

	_, err = c.Start()
	assert.True(t, errors.Is(errors.Exists, err))
	c.CreateNew = false
	rc, err = c.Start()
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}
