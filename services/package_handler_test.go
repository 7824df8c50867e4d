package services

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"xolo/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommands stands in for pkgutil, productsign and the upload tool.
type fakeCommands struct {
	mu     sync.Mutex
	calls  []string
	signed bool
	fail   map[string]error
}

func (f *fakeCommands) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(append([]string{name}, args...), " "))
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	switch name {
	case "pkgutil":
		if f.signed {
			return []byte("Package \"x.pkg\":\n   Status: signed by a developer certificate"), nil
		}
		return []byte("Status: no signature"), errors.New("exit status 1")
	case "productsign":
		// 最后两个参数是输入和输出
		in, out := args[len(args)-2], args[len(args)-1]
		data, err := os.ReadFile(in)
		if err != nil {
			return nil, err
		}
		return nil, os.WriteFile(out, append([]byte("signed:"), data...), 0644)
	}
	return nil, nil
}

func newTestPackageHandler(t *testing.T, cfg config.PackageConfig) (*PackageHandler, *fakeCommands, *fakeDevices) {
	t.Helper()
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(t.TempDir(), "staging")
	}
	devices := newFakeDevices()
	cmds := &fakeCommands{fail: map[string]error{}}
	ph := NewPackageHandler(cfg, devices)
	ph.run = cmds.run
	return ph, cmds, devices
}

func stagePackage(t *testing.T, ph *PackageHandler, name, content string) string {
	t.Helper()
	dir, err := ph.StagingDir("xolotest", "1.0")
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

var quiet = ReporterFunc(func(string, ...any) {})

func TestValidateExtension(t *testing.T) {
	ph, _, _ := newTestPackageHandler(t, config.PackageConfig{})
	assert.NoError(t, ph.ValidateExtension("XoloTest.pkg"))
	assert.NoError(t, ph.ValidateExtension("XoloTest.PKG"))
	assert.NoError(t, ph.ValidateExtension("XoloTest.zip"))
	err := ph.ValidateExtension("XoloTest.dmg")
	assert.True(t, ErrValidation.Has(err))
	assert.Contains(t, err.Error(), ".pkg, .zip")

	ph, _, _ = newTestPackageHandler(t, config.PackageConfig{AllowedExtensions: []string{".dmg"}})
	assert.NoError(t, ph.ValidateExtension("XoloTest.dmg"))
	assert.Error(t, ph.ValidateExtension("XoloTest.pkg"))
}

func TestPrepareSignsUnsignedPackages(t *testing.T) {
	ph, cmds, _ := newTestPackageHandler(t, config.PackageConfig{
		SigningIdentity: "Developer ID Installer: Pixar",
		SigningKeychain: "/Library/Keychains/xolo.keychain",
	})
	path := stagePackage(t, ph, "XoloTest.pkg", "payload")

	sp, err := ph.Prepare(context.Background(), path, quiet)
	require.NoError(t, err)
	assert.True(t, sp.Signed)
	assert.Equal(t, "XoloTest.pkg", sp.Filename)
	assert.EqualValues(t, len("signed:payload"), sp.Size)
	assert.Len(t, sp.Checksum, 64)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "signed:payload", string(data))
	require.Len(t, cmds.calls, 2)
	assert.Equal(t, "productsign --sign Developer ID Installer: Pixar --keychain /Library/Keychains/xolo.keychain "+
		path+" "+path+".signed", cmds.calls[1])
}

func TestPrepareSkipsSignedPackages(t *testing.T) {
	ph, cmds, _ := newTestPackageHandler(t, config.PackageConfig{SigningIdentity: "Developer ID Installer: Pixar"})
	cmds.signed = true
	path := stagePackage(t, ph, "XoloTest.pkg", "payload")

	sp, err := ph.Prepare(context.Background(), path, quiet)
	require.NoError(t, err)
	assert.True(t, sp.Signed)
	assert.Equal(t, []string{"pkgutil --check-signature " + path}, cmds.calls)
}

func TestPrepareFailures(t *testing.T) {
	ph, cmds, _ := newTestPackageHandler(t, config.PackageConfig{SigningIdentity: "Developer ID Installer: Pixar"})
	path := stagePackage(t, ph, "XoloTest.pkg", "payload")

	cmds.fail["productsign"] = errors.New("no identity found")
	_, err := ph.Prepare(context.Background(), path, quiet)
	assert.True(t, ErrFatal.Has(err))
	assert.NoFileExists(t, path+".signed")

	cmds.fail["pkgutil"] = exec.ErrNotFound
	_, err = ph.Prepare(context.Background(), path, quiet)
	assert.True(t, ErrFatal.Has(err))
	assert.Contains(t, err.Error(), "pkgutil is not available")

	// 无法读取的zip不是有效的包
	plain, _, _ := newTestPackageHandler(t, config.PackageConfig{})
	zip := stagePackage(t, plain, "XoloTest.zip", "not a zip")
	_, err = plain.Prepare(context.Background(), zip, quiet)
	assert.True(t, ErrValidation.Has(err))
}

func TestUploadThroughDeviceManager(t *testing.T) {
	ph, cmds, devices := newTestPackageHandler(t, config.PackageConfig{})
	path := stagePackage(t, ph, "XoloTest.pkg", "payload")
	sp, err := ph.Prepare(context.Background(), path, quiet)
	require.NoError(t, err)

	require.NoError(t, ph.Upload(context.Background(), sp, "xolo-xolotest-1.0.pkg", quiet))
	assert.Empty(t, cmds.calls)
	pkg := devices.packages["xolo-xolotest-1.0.pkg"]
	require.NotNil(t, pkg)
	assert.Equal(t, path, pkg.Path)
	assert.Equal(t, sp.Checksum, pkg.Checksum)
}

func TestUploadThroughTool(t *testing.T) {
	ph, cmds, devices := newTestPackageHandler(t, config.PackageConfig{
		UploadTool: "/usr/local/bin/dp-upload --name {{.Name}} --sha256 {{.Checksum}} {{.Path}}",
	})
	sp := &StagedPackage{Path: "/tmp/XoloTest.pkg", Filename: "XoloTest.pkg", Checksum: "abc123"}

	require.NoError(t, ph.Upload(context.Background(), sp, "xolo-xolotest-1.0.pkg", quiet))
	assert.Equal(t, []string{"/usr/local/bin/dp-upload --name xolo-xolotest-1.0.pkg --sha256 abc123 /tmp/XoloTest.pkg"}, cmds.calls)
	assert.Empty(t, devices.packages)

	cmds.fail["/usr/local/bin/dp-upload"] = errors.New("share unreachable")
	err := ph.Upload(context.Background(), sp, "xolo-xolotest-1.0.pkg", quiet)
	assert.True(t, ErrUpstream.Has(err))
}

func TestCleanupWithoutStagingDir(t *testing.T) {
	ph, _, _ := newTestPackageHandler(t, config.PackageConfig{StagingDir: filepath.Join(t.TempDir(), "missing")})
	n, err := ph.Cleanup(time.Now(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
