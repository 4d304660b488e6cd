package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"driver: pebble\nbase: /data/base\nmodified: /data/modified\n"), 0o644))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "pebble", conf.Driver)
	assert.Equal(t, "/data/base", conf.Base)
	assert.Equal(t, "/data/modified", conf.Modified)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("driver: [oops"), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	nobase := filepath.Join(dir, "nobase.yaml")
	require.NoError(t, os.WriteFile(nobase, []byte("driver: sqlite\n"), 0o644))
	_, err = LoadConfig(nobase)
	assert.Error(t, err)
}
