package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fsupload.toml")

	contents := `
[queue]
db_path = "/var/lib/fsupload/tasks.db"
batch_size = 64

[upload]
direct_upload_limit = 5242880
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fsupload/tasks.db", cfg.Queue.DBPath)
	assert.Equal(t, 64, cfg.Queue.BatchSize)
	assert.Equal(t, int64(5242880), cfg.Upload.DirectUploadLimit)
	// unset fields keep their defaults
	assert.Equal(t, int64(defaultChunkSize), cfg.Upload.ChunkSize)
	assert.Equal(t, defaultListenAddr, cfg.Admin.ListenAddr)
}

func TestLoadRejectsInvalidBatchSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fsupload.toml")

	require.NoError(t, os.WriteFile(path, []byte("[queue]\nbatch_size = 0\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fsupload.toml")

	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"verbose\"\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
