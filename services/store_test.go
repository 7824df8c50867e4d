package services

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"xolo/internal/models"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTitle(name string) *models.Title {
	return &models.Title{
		Title:        name,
		DisplayName:  "Test " + name,
		Description:  "A title used in tests",
		Publisher:    "Pixar",
		ContactEmail: "mac-admins@example.com",
		CreationDate: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testVersion(title, version string) *models.Version {
	return &models.Version{
		Title:        title,
		Version:      version,
		Status:       models.StatusPilot,
		MinOS:        "12.0",
		KillApps:     []string{"Xolo Test.app;com.pixar.xolotest"},
		CreationDate: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := OpenStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	title := testTitle("xolotest")
	title.VersionOrder = []string{"2.0", "1.0"}
	require.NoError(t, s.SaveTitle(title))
	require.NoError(t, s.SaveVersion(testVersion("xolotest", "1.0")))
	require.NoError(t, s.SaveVersion(testVersion("xolotest", "2.0")))

	got, err := s.Title("xolotest")
	require.NoError(t, err)
	if diff := cmp.Diff(title, got); diff != "" {
		t.Fatalf("title mismatch (-want +got):\n%s", diff)
	}

	versions, err := s.Versions("xolotest")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "2.0", versions[0].Version)
	assert.Equal(t, "1.0", versions[1].Version)

	nt, nv := s.Counts()
	assert.Equal(t, 1, nt)
	assert.Equal(t, 2, nv)
	assert.FileExists(t, filepath.Join(dir, "titles", "xolotest", "title.json"))
	assert.FileExists(t, filepath.Join(dir, "titles", "xolotest", "versions", "1.0.json"))
}

func TestStoreReturnsCopies(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.SaveTitle(testTitle("xolotest")))

	got, err := s.Title("xolotest")
	require.NoError(t, err)
	got.DisplayName = "changed"
	got.ReleaseGroups = append(got.ReleaseGroups, "all")

	again, err := s.Title("xolotest")
	require.NoError(t, err)
	assert.Equal(t, "Test xolotest", again.DisplayName)
	assert.Empty(t, again.ReleaseGroups)
}

func TestStoreReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir)
	require.NoError(t, err)
	title := testTitle("xolotest")
	title.VersionOrder = []string{"1.0"}
	require.NoError(t, s.SaveTitle(title))
	require.NoError(t, s.SaveVersion(testVersion("xolotest", "1.0")))
	require.NoError(t, s.SaveTitle(testTitle("other")))
	require.NoError(t, s.Close())

	// 残留的临时文件在加载时清理
	tmp := filepath.Join(dir, "titles", "xolotest", "versions", ".tmp-1.0.json-123")
	require.NoError(t, os.WriteFile(tmp, []byte("{"), 0644))

	s2 := openTestStore(t, dir)
	titles := s2.Titles()
	require.Len(t, titles, 2)
	assert.Equal(t, "other", titles[0].Title)
	assert.Equal(t, "xolotest", titles[1].Title)

	v, err := s2.Version("xolotest", "1.0")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPilot, v.Status)
	assert.Equal(t, []string{"Xolo Test.app;com.pixar.xolotest"}, v.KillApps)
	assert.NoFileExists(t, tmp)
}

func TestStoreSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "titles", "broken")
	require.NoError(t, os.MkdirAll(bad, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bad, "title.json"), []byte("not json"), 0644))

	s := openTestStore(t, dir)
	assert.False(t, s.TitleExists("broken"))
	assert.Empty(t, s.Titles())
}

func TestStoreDataDirectoryIsExclusive(t *testing.T) {
	dir := t.TempDir()
	_ = openTestStore(t, dir)

	_, err := OpenStore(dir)
	require.Error(t, err)
	assert.True(t, ErrConflict.Has(err), "got %v", err)
}

func TestStoreNotFound(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	_, err := s.Title("missing")
	assert.True(t, ErrNotFound.Has(err))
	_, err = s.Version("missing", "1.0")
	assert.True(t, ErrNotFound.Has(err))
	_, err = s.Versions("missing")
	assert.True(t, ErrNotFound.Has(err))

	// 版本必须挂在已存在的标题下
	err = s.SaveVersion(testVersion("missing", "1.0"))
	assert.True(t, ErrNotFound.Has(err))

	require.NoError(t, s.SaveTitle(testTitle("xolotest")))
	_, err = s.Version("xolotest", "9.9")
	assert.True(t, ErrNotFound.Has(err))
	assert.True(t, ErrNotFound.Has(s.DeleteVersion("xolotest", "9.9")))
	assert.True(t, ErrNotFound.Has(s.DeleteTitle("missing")))
}

func TestStoreUpdateIsAllOrNothing(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.SaveTitle(testTitle("xolotest")))

	boom := errors.New("boom")
	err := s.Update(func(tx *Txn) error {
		title, err := tx.Title("xolotest")
		if err != nil {
			return err
		}
		title.ReleasedVersion = "1.0"
		tx.PutTitle(title)
		tx.PutVersion(testVersion("xolotest", "1.0"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	title, err := s.Title("xolotest")
	require.NoError(t, err)
	assert.Empty(t, title.ReleasedVersion)
	_, err = s.Version("xolotest", "1.0")
	assert.True(t, ErrNotFound.Has(err))
}

func TestStoreUpdateSeesStagedChanges(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.SaveTitle(testTitle("xolotest")))
	v := testVersion("xolotest", "1.0")
	require.NoError(t, s.SaveVersion(v))

	err := s.Update(func(tx *Txn) error {
		released := v.Clone()
		released.Status = models.StatusReleased
		tx.PutVersion(released)

		got, err := tx.Version("xolotest", "1.0")
		require.NoError(t, err)
		assert.Equal(t, models.StatusReleased, got.Status)

		// 提交前其他读者看不到
		outside, err := s.Version("xolotest", "1.0")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPilot, outside.Status)

		tx.DeleteVersion("xolotest", "1.0")
		_, err = tx.Version("xolotest", "1.0")
		assert.True(t, ErrNotFound.Has(err))
		return nil
	})
	require.NoError(t, err)

	_, err = s.Version("xolotest", "1.0")
	assert.True(t, ErrNotFound.Has(err))
}

func TestStoreDeleteTitleRemovesVersions(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	require.NoError(t, s.SaveTitle(testTitle("xolotest")))
	require.NoError(t, s.SaveVersion(testVersion("xolotest", "1.0")))

	require.NoError(t, s.DeleteTitle("xolotest"))
	assert.False(t, s.TitleExists("xolotest"))
	nt, nv := s.Counts()
	assert.Zero(t, nt)
	assert.Zero(t, nv)
	assert.NoDirExists(t, filepath.Join(dir, "titles", "xolotest"))
}
