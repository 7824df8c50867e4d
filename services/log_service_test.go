package services

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogService(t *testing.T, maxBackups int, backups ...string) (*LogService, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "xolo.log")
	require.NoError(t, os.WriteFile(path, []byte("current\n"), 0644))
	for _, b := range backups {
		require.NoError(t, os.WriteFile(filepath.Join(dir, b), []byte("old\n"), 0644))
	}
	ls := &LogService{
		maxBackups: maxBackups,
		path:       func() string { return path },
		rotate: func() (string, error) {
			backup := path + ".20240503-000000"
			return backup, os.Rename(path, backup)
		},
	}
	return ls, dir
}

func TestLogPruneKeepsNewestBackups(t *testing.T) {
	ls, dir := newTestLogService(t, 2,
		"xolo.log.20240101-000000", "xolo.log.20240102-000000", "xolo.log.20240103-000000", "other.log.20230101-000000")

	removed, err := ls.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, filepath.Join(dir, "xolo.log.20240101-000000"))
	assert.FileExists(t, filepath.Join(dir, "xolo.log.20240102-000000"))
	assert.FileExists(t, filepath.Join(dir, "xolo.log.20240103-000000"))
	assert.FileExists(t, filepath.Join(dir, "other.log.20230101-000000"))
	assert.FileExists(t, filepath.Join(dir, "xolo.log"))
}

func TestLogPruneDisabled(t *testing.T) {
	ls, _ := newTestLogService(t, 0, "xolo.log.20240101-000000", "xolo.log.20240102-000000")
	removed, err := ls.Prune()
	require.NoError(t, err)
	assert.Zero(t, removed)

	ls.maxBackups = 5
	ls.path = func() string { return "" }
	removed, err = ls.Prune()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestLogRotate(t *testing.T) {
	ls, dir := newTestLogService(t, 1, "xolo.log.20240101-000000")

	backup, removed, err := ls.Rotate()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "xolo.log.20240503-000000"), backup)
	assert.Equal(t, 1, removed)
	assert.FileExists(t, backup)
	assert.NoFileExists(t, filepath.Join(dir, "xolo.log.20240101-000000"))

	ls.rotate = func() (string, error) { return "", errors.New("logging to console") }
	_, _, err = ls.Rotate()
	assert.True(t, ErrFatal.Has(err))
}
