package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"xolo/internal/config"
	"xolo/internal/logger"
	"xolo/internal/pkginfo"
	"xolo/internal/utils"

	"github.com/dustin/go-humanize"
)

// StagedPackage is an uploaded package after signing and inspection.
type StagedPackage struct {
	Path     string
	Filename string
	Size     int64
	Checksum string
	Manifest []string
	DistPkg  bool
	Signed   bool
}

/**
 * Stages, signs, inspects and uploads version packages
 */
type PackageHandler struct {
	cfg config.PackageConfig
	dm  DeviceManager
	run utils.CommandRunner
}

func NewPackageHandler(cfg config.PackageConfig, dm DeviceManager) *PackageHandler {
	return &PackageHandler{cfg: cfg, dm: dm, run: utils.RunCommand}
}

/**
 * Check a package file name against the allowed extensions
 * @throws
 * - ErrValidation for other extensions
 */
func (ph *PackageHandler) ValidateExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	allowed := ph.cfg.AllowedExtensions
	if len(allowed) == 0 {
		allowed = []string{".pkg", ".zip"}
	}
	if !slices.Contains(allowed, ext) {
		return ErrValidation.New("package '%s' must have one of the extensions %s",
			filename, strings.Join(allowed, ", "))
	}
	return nil
}

/**
 * Create a private staging directory for one upload
 * @returns {string} Directory under the staging area, removed by the upload job
 */
func (ph *PackageHandler) StagingDir(title, version string) (string, error) {
	if err := os.MkdirAll(ph.cfg.StagingDir, 0755); err != nil {
		return "", ErrFatal.Wrap(err)
	}
	dir, err := os.MkdirTemp(ph.cfg.StagingDir, title+"-"+version+"-*")
	if err != nil {
		return "", ErrFatal.Wrap(err)
	}
	return dir, nil
}

/**
 * Prepare a staged package for upload
 * @param {string} path - Staged file
 * @param {Reporter} rep - Progress sink
 * @returns {*StagedPackage} Signing state, distribution flag, checksum and manifest
 * @description
 * - Unsigned .pkg files are signed in place when a signing identity is configured
 * - The checksum is computed after signing
 */
func (ph *PackageHandler) Prepare(ctx context.Context, path string, rep Reporter) (*StagedPackage, error) {
	sp := &StagedPackage{Path: path, Filename: filepath.Base(path)}
	isPkg := strings.EqualFold(filepath.Ext(path), ".pkg")

	if isPkg && ph.cfg.SigningIdentity != "" {
		signed, err := ph.isSigned(ctx, path)
		if err != nil {
			return nil, err
		}
		if !signed {
			rep.Report("Signing %s with '%s'...", sp.Filename, ph.cfg.SigningIdentity)
			if err := ph.sign(ctx, path); err != nil {
				return nil, err
			}
		}
		sp.Signed = true
	}

	info, err := pkginfo.Inspect(path)
	if err != nil {
		if !isPkg {
			return nil, ErrValidation.New("reading %s: %v", sp.Filename, err)
		}
		// 非flat包（如bundle包）无法读取目录
		logger.Warnf("Can't read table of contents of %s: %v", sp.Filename, err)
	} else {
		sp.DistPkg = info.Distribution
		for _, e := range info.Entries {
			if e.Dir {
				sp.Manifest = append(sp.Manifest, e.Path+"/")
				continue
			}
			sp.Manifest = append(sp.Manifest, fmt.Sprintf("%s (%s)", e.Path, humanize.Bytes(uint64(e.Size))))
		}
	}
	if sp.DistPkg {
		rep.Report("%s is a distribution package", sp.Filename)
	}

	sp.Checksum, sp.Size, err = utils.FileSHA256(path)
	if err != nil {
		return nil, ErrFatal.Wrap(err)
	}
	rep.Report("Package size %s, SHA-256 %s", humanize.Bytes(uint64(sp.Size)), sp.Checksum)
	return sp, nil
}

func (ph *PackageHandler) isSigned(ctx context.Context, path string) (bool, error) {
	out, err := ph.run(ctx, "pkgutil", "--check-signature", path)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return false, ErrFatal.New("signing is configured but pkgutil is not available on this server")
		}
		return false, nil
	}
	return strings.Contains(string(out), "Status: signed"), nil
}

func (ph *PackageHandler) sign(ctx context.Context, path string) error {
	signedPath := path + ".signed"
	args := []string{"--sign", ph.cfg.SigningIdentity}
	if ph.cfg.SigningKeychain != "" {
		args = append(args, "--keychain", ph.cfg.SigningKeychain)
	}
	args = append(args, path, signedPath)
	if _, err := ph.run(ctx, "productsign", args...); err != nil {
		os.Remove(signedPath)
		return ErrFatal.New("signing package: %v", err)
	}
	if err := os.Rename(signedPath, path); err != nil {
		return ErrFatal.Wrap(err)
	}
	return nil
}

type uploadToolData struct {
	Name     string
	Path     string
	Checksum string
}

/**
 * Send a prepared package to the distribution point
 * @param {string} name - Package name on the device-management service
 * @description
 * - Uses the configured upload tool when set, otherwise the device-management API
 */
func (ph *PackageHandler) Upload(ctx context.Context, sp *StagedPackage, name string, rep Reporter) error {
	if ph.cfg.UploadTool == "" {
		rep.Report("Uploading %s (%s) to the distribution point...", name, humanize.Bytes(uint64(sp.Size)))
		return ph.dm.UploadPackage(ctx, &PackageUpload{
			Name:     name,
			Path:     sp.Path,
			Checksum: sp.Checksum,
			Size:     sp.Size,
			Manifest: sp.Manifest,
		})
	}

	cmd, args := utils.SplitCommandLine(ph.cfg.UploadTool)
	cmd, args, err := utils.GetCommandLine(cmd, args, uploadToolData{Name: name, Path: sp.Path, Checksum: sp.Checksum})
	if err != nil {
		return ErrFatal.Wrap(err)
	}
	rep.Report("Uploading %s with %s...", name, filepath.Base(cmd))
	if _, err := ph.run(ctx, cmd, args...); err != nil {
		return ErrUpstream.New("upload tool: %v", err)
	}
	return nil
}

/**
 * Remove staging directories older than maxAge
 * @returns {int} Number of directories removed
 */
func (ph *PackageHandler) Cleanup(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(ph.cfg.StagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, ErrFatal.Wrap(err)
	}
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(ph.cfg.StagingDir, e.Name())); err != nil {
			logger.Warnf("Remove staging entry %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}
