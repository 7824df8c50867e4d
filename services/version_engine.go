package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"xolo/internal/logger"
	"xolo/internal/models"

	"github.com/sourcegraph/conc/pool"
)

const (
	serverAdmin        = "xolo-server"
	deployParallelism  = 8
	reenableRetryDelay = time.Minute
	reenableMaxRetries = 30
)

// EngineDeps are the collaborators shared by the lifecycle engines.
type EngineDeps struct {
	Store         *Store
	Locks         *LockManager
	ChangeLog     *ChangeLog
	Jobs          *JobRunner
	Patch         PatchSource
	Devices       DeviceManager
	Packages      *PackageHandler
	ReuploadDelay time.Duration
}

// PackageFile is an uploaded file already written to the staging area.
type PackageFile struct {
	Filename string
	Path     string
}

/**
 * Orchestrates the lifecycle of versions
 * @description
 * - Mutations take a read lock on the title and a write lock on the version
 * - External calls run first, the local record is committed only when they all succeeded
 */
type VersionEngine struct {
	EngineDeps

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

func NewVersionEngine(deps EngineDeps) *VersionEngine {
	return &VersionEngine{EngineDeps: deps, pending: make(map[string]*time.Timer)}
}

func (ve *VersionEngine) Get(title, version string) (*models.Version, error) {
	return ve.Store.Version(title, version)
}

// List returns the versions of a title, newest first.
func (ve *VersionEngine) List(title string) ([]*models.Version, error) {
	return ve.Store.Versions(title)
}

// resetServerFields 清除请求中由服务端维护的字段
func resetServerFields(v *models.Version) *models.Version {
	spec := &models.Version{Title: v.Title, Version: v.Version}
	ApplyEditable(spec, v)
	return spec
}

/**
 * Create a version in pilot status
 * @param {Actor} actor - Requesting admin
 * @param {*models.Version} spec - Requested version, server-maintained fields are ignored
 * @returns {*Job} Background job creating the patch and pilot policy
 * @throws
 * - ErrValidation, ErrNotFound (title), ErrAlreadyExists, ErrConflict synchronously
 * - ErrActionRequired from the job when the title's extension attribute is unapproved
 */
func (ve *VersionEngine) Create(ctx context.Context, actor Actor, spec *models.Version) (*Job, error) {
	v := resetServerFields(spec)
	v.Status = models.StatusPilot
	if err := ValidateVersion(v); err != nil {
		return nil, err
	}
	lease, err := ve.Locks.WriteVersion(v.Title, v.Version, actor.owner("create version"))
	if err != nil {
		return nil, err
	}
	t, err := ve.Store.Title(v.Title)
	if err != nil {
		lease.Release()
		return nil, err
	}
	if _, err := ve.Store.Version(v.Title, v.Version); err == nil {
		lease.Release()
		return nil, ErrAlreadyExists.New("version '%s' of title '%s' already exists", v.Version, v.Title)
	}
	return ve.Jobs.Start(fmt.Sprintf("create version %s %s", v.Title, v.Version), actor, lease,
		func(ctx context.Context, rep Reporter) error {
			return ve.create(ctx, actor, t, v, rep)
		})
}

func (ve *VersionEngine) create(ctx context.Context, actor Actor, t *models.Title, v *models.Version, rep Reporter) error {
	st := newSteps(fmt.Sprintf("creating version %s of %s", v.Version, t.Title), rep)
	if err := st.do("Creating patch in the patch source", func() error {
		return ve.Patch.CreatePatch(ctx, t, v)
	}); err != nil {
		return err
	}
	if err := st.do("Setting patch capabilities", func() error {
		return ve.Patch.SetCapabilities(ctx, t.Title, v.Version, capabilities(v))
	}); err != nil {
		return err
	}
	if t.UsesVersionScript() {
		rep.Report("Checking approval of extension attribute '%s'...", t.ExtensionAttribute())
		status, err := ve.Devices.ExtensionAttributeStatus(ctx, t.ExtensionAttribute())
		if err != nil {
			return st.fail("Checking extension attribute approval", err)
		}
		if !status.Approved {
			return ErrActionRequired.New("extension attribute '%s' must be approved before version %s can be activated, approve it at %s",
				t.ExtensionAttribute(), v.Version, status.ApprovalURL)
		}
	}
	if err := st.do("Enabling patch", func() error {
		return ve.Patch.EnablePatch(ctx, t.Title, v.Version)
	}); err != nil {
		return err
	}
	if err := st.do("Activating patch title in the device manager", func() error {
		return ve.Devices.ActivatePatchTitle(ctx, t.Title)
	}); err != nil {
		return err
	}
	if err := st.do("Creating pilot policy", func() error {
		return ve.Devices.SavePolicy(ctx, pilotPolicy(t, v))
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	v.CreatedBy, v.CreationDate = actor.Admin, now
	v.ModifiedBy, v.ModificationDate = actor.Admin, now
	err := ve.Store.Update(func(tx *Txn) error {
		cur, err := tx.Title(v.Title)
		if err != nil {
			return err
		}
		if !cur.HasVersion(v.Version) {
			cur.VersionOrder = append(cur.VersionOrder, v.Version)
		}
		SortVersionsNewestFirst(cur.VersionOrder)
		cur.LatestVersion = cur.VersionOrder[0]
		tx.PutTitle(cur)
		tx.PutVersion(v)
		return nil
	})
	if err != nil {
		return err
	}
	if err := ve.ChangeLog.Append(v.Title, actor.entry(v.Version, "Version Created")); err != nil {
		return err
	}
	rep.Report("Version %s of %s created in pilot", v.Version, t.Title)
	return nil
}

/**
 * Update the editable attributes of a version
 * @returns {*Job} Background job applying changed attributes
 */
func (ve *VersionEngine) Update(ctx context.Context, actor Actor, spec *models.Version) (*Job, error) {
	lease, err := ve.Locks.WriteVersion(spec.Title, spec.Version, actor.owner("update version"))
	if err != nil {
		return nil, err
	}
	current, err := ve.Store.Version(spec.Title, spec.Version)
	if err != nil {
		lease.Release()
		return nil, err
	}
	updated := current.Clone()
	ApplyEditable(updated, spec)
	if err := ValidateVersion(updated); err != nil {
		lease.Release()
		return nil, err
	}
	changes := DiffAttributes(current, updated)
	return ve.Jobs.Start(fmt.Sprintf("update version %s %s", spec.Title, spec.Version), actor, lease,
		func(ctx context.Context, rep Reporter) error {
			return ve.update(ctx, actor, updated, changes, rep)
		})
}

func (ve *VersionEngine) update(ctx context.Context, actor Actor, v *models.Version, changes []AttrChange, rep Reporter) error {
	if len(changes) == 0 {
		rep.Report("No changes")
		return nil
	}
	t, err := ve.Store.Title(v.Title)
	if err != nil {
		return err
	}
	st := newSteps(fmt.Sprintf("updating version %s of %s", v.Version, v.Title), rep)
	if changed(changes, "min_os", "max_os", "killapps", "reboot") {
		if err := st.do("Updating patch capabilities", func() error {
			return ve.Patch.SetCapabilities(ctx, v.Title, v.Version, capabilities(v))
		}); err != nil {
			return err
		}
	}
	if changed(changes, "reboot", "standalone") {
		if err := st.do("Updating patch", func() error {
			return ve.Patch.UpdatePatch(ctx, t, v)
		}); err != nil {
			return err
		}
	}
	if changed(changes, "pilot_groups", "reboot") && v.Status == models.StatusPilot {
		if err := st.do("Updating pilot policy", func() error {
			return ve.Devices.SavePolicy(ctx, pilotPolicy(t, v))
		}); err != nil {
			return err
		}
	}

	v.ModifiedBy, v.ModificationDate = actor.Admin, time.Now().UTC()
	if err := ve.Store.SaveVersion(v); err != nil {
		return err
	}
	if err := ve.ChangeLog.Append(v.Title, changeEntries(actor, v.Version, changes)...); err != nil {
		return err
	}
	rep.Report("Updated %d attribute(s) of %s %s", len(changes), v.Title, v.Version)
	return nil
}

/**
 * Upload the package of a version
 * @param {PackageFile} file - Staged upload, removed when the job ends
 * @returns {*Job} Background job signing, inspecting and uploading the package
 * @description
 * - A re-upload disables the reinstall policies and re-enables them after
 *   the configured delay, giving the distribution points time to replicate
 */
func (ve *VersionEngine) UploadPackage(ctx context.Context, actor Actor, title, version string, file PackageFile) (*Job, error) {
	if err := ve.Packages.ValidateExtension(file.Filename); err != nil {
		os.RemoveAll(filepath.Dir(file.Path))
		return nil, err
	}
	lease, err := ve.Locks.WriteVersion(title, version, actor.owner("upload package"))
	if err != nil {
		os.RemoveAll(filepath.Dir(file.Path))
		return nil, err
	}
	v, err := ve.Store.Version(title, version)
	if err != nil {
		lease.Release()
		os.RemoveAll(filepath.Dir(file.Path))
		return nil, err
	}
	return ve.Jobs.Start(fmt.Sprintf("upload package %s %s", title, version), actor, lease,
		func(ctx context.Context, rep Reporter) error {
			defer os.RemoveAll(filepath.Dir(file.Path))
			return ve.upload(ctx, actor, v, file, rep)
		})
}

// reinstallPolicies 重新上传时需要暂停的策略
func reinstallPolicies(t *models.Title, v *models.Version) []string {
	switch v.Status {
	case models.StatusPilot:
		return []string{v.PilotPolicy()}
	case models.StatusReleased:
		return []string{t.AutoInstallPolicy()}
	default:
		return nil
	}
}

func (ve *VersionEngine) upload(ctx context.Context, actor Actor, v *models.Version, file PackageFile, rep Reporter) error {
	t, err := ve.Store.Title(v.Title)
	if err != nil {
		return err
	}
	rep.Report("Processing %s...", file.Filename)
	sp, err := ve.Packages.Prepare(ctx, file.Path, rep)
	if err != nil {
		return err
	}

	reupload := v.Uploaded()
	policies := reinstallPolicies(t, v)
	st := newSteps(fmt.Sprintf("uploading package for %s %s", v.Title, v.Version), rep)
	if reupload && len(policies) > 0 {
		if err := st.do("Disabling reinstall policies", func() error {
			for _, p := range policies {
				if err := ve.Devices.SetPolicyEnabled(ctx, p, false); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if err := st.do("Uploading package", func() error {
		return ve.Packages.Upload(ctx, sp, v.PackageName(), rep)
	}); err != nil {
		return err
	}

	oldChecksum := v.Checksum
	now := time.Now().UTC()
	v.PkgFile, v.Checksum, v.Manifest, v.DistPkg = sp.Filename, sp.Checksum, sp.Manifest, sp.DistPkg
	if reupload {
		v.ReuploadDate, v.ReuploadedBy = now, actor.Admin
	} else {
		v.UploadDate, v.UploadedBy = now, actor.Admin
	}
	v.ModifiedBy, v.ModificationDate = actor.Admin, now

	if !reupload && v.Status == models.StatusPilot {
		if err := st.do("Enabling pilot policy", func() error {
			return ve.Devices.SavePolicy(ctx, pilotPolicy(t, v))
		}); err != nil {
			return err
		}
	}
	if err := ve.Store.SaveVersion(v); err != nil {
		return err
	}
	if reupload && len(policies) > 0 {
		ve.scheduleReenable(v.Title, v.Version, policies, ve.ReuploadDelay)
		rep.Report("Reinstall policies will be re-enabled in %s", ve.ReuploadDelay)
	}

	msg := "Package Uploaded"
	if reupload {
		msg = "Package Re-uploaded"
	}
	entry := actor.entry(v.Version, msg)
	entry.Attribute, entry.OldValue, entry.NewValue = "checksum", oldChecksum, v.Checksum
	if err := ve.ChangeLog.Append(v.Title, entry); err != nil {
		return err
	}
	rep.Report("Package for %s %s uploaded", v.Title, v.Version)
	return nil
}

func pendingKey(title, version string) string {
	return title + "/" + version
}

// scheduleReenable 延迟重新启用策略，替换同一版本已有的计划
func (ve *VersionEngine) scheduleReenable(title, version string, policies []string, delay time.Duration) {
	key := pendingKey(title, version)
	ve.mu.Lock()
	defer ve.mu.Unlock()
	if ve.stopped {
		return
	}
	if old, ok := ve.pending[key]; ok {
		old.Stop()
	}
	ve.pending[key] = time.AfterFunc(delay, func() {
		ve.reenable(title, version, policies, 0)
	})
}

func (ve *VersionEngine) reenable(title, version string, policies []string, attempt int) {
	key := pendingKey(title, version)
	lease, err := ve.Locks.WriteVersion(title, version, LockOwner{Admin: serverAdmin, Operation: "re-enable policies"})
	if err != nil {
		if attempt >= reenableMaxRetries {
			logger.Errorf("Giving up re-enabling policies of %s: %v", key, err)
			ve.dropPending(key)
			return
		}
		logger.Infof("Re-enabling policies of %s postponed: %v", key, err)
		ve.mu.Lock()
		if !ve.stopped {
			ve.pending[key] = time.AfterFunc(reenableRetryDelay, func() {
				ve.reenable(title, version, policies, attempt+1)
			})
		}
		ve.mu.Unlock()
		return
	}
	defer lease.Release()
	ve.dropPending(key)

	if _, err := ve.Store.Version(title, version); err != nil {
		logger.Infof("Not re-enabling policies of %s: %v", key, err)
		return
	}
	for _, p := range policies {
		if err := ve.Devices.SetPolicyEnabled(context.Background(), p, true); err != nil {
			logger.Errorf("Re-enable policy %s: %v", p, err)
			continue
		}
		logger.Infof("Re-enabled policy %s after re-upload", p)
	}
}

func (ve *VersionEngine) dropPending(key string) {
	ve.mu.Lock()
	delete(ve.pending, key)
	ve.mu.Unlock()
}

func (ve *VersionEngine) cancelPending(title, version string) {
	key := pendingKey(title, version)
	ve.mu.Lock()
	if t, ok := ve.pending[key]; ok {
		t.Stop()
		delete(ve.pending, key)
	}
	ve.mu.Unlock()
}

// PendingEnables lists versions waiting for their policies to be re-enabled.
func (ve *VersionEngine) PendingEnables() []string {
	ve.mu.Lock()
	defer ve.mu.Unlock()
	keys := make([]string, 0, len(ve.pending))
	for k := range ve.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop cancels all scheduled policy re-enables.
func (ve *VersionEngine) Stop() {
	ve.mu.Lock()
	defer ve.mu.Unlock()
	ve.stopped = true
	for k, t := range ve.pending {
		t.Stop()
		logger.Warnf("Pending policy re-enable of %s cancelled by shutdown", k)
	}
	ve.pending = make(map[string]*time.Timer)
}

/**
 * Release step, called by TitleEngine.Release with the title and version write-locked
 * @returns {string} The previously released version, now deprecated, or empty
 * @description
 * - Policies are pointed at the new package before anything is committed locally
 * - The demotion, the promotion and released_version are one store commit
 */
func (ve *VersionEngine) release(ctx context.Context, actor Actor, t *models.Title, v *models.Version, rep Reporter) (string, error) {
	st := newSteps(fmt.Sprintf("releasing %s %s", t.Title, v.Version), rep)
	if err := st.do("Updating auto-install policy", func() error {
		return ve.Devices.SavePolicy(ctx, autoInstallPolicy(t, v))
	}); err != nil {
		return "", err
	}
	if err := st.do("Updating patch policy", func() error {
		return ve.Devices.SavePolicy(ctx, patchPolicy(t, v))
	}); err != nil {
		return "", err
	}
	if t.SelfService {
		if err := st.do("Updating Self Service policy", func() error {
			return ve.Devices.SavePolicy(ctx, selfServicePolicy(t, v.PackageName()))
		}); err != nil {
			return "", err
		}
	}
	if err := st.do("Disabling pilot policy", func() error {
		return ignoreNotFound(ve.Devices.SetPolicyEnabled(ctx, v.PilotPolicy(), false))
	}); err != nil {
		return "", err
	}

	siblings, err := ve.Store.Versions(t.Title)
	if err != nil {
		return "", err
	}
	var previous string
	now := time.Now().UTC()
	err = ve.Store.Update(func(tx *Txn) error {
		cur, err := tx.Title(t.Title)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.Status != models.StatusReleased || sib.Version == v.Version {
				continue
			}
			sib.Status = models.StatusDeprecated
			sib.DeprecationDate, sib.DeprecatedBy = now, actor.Admin
			sib.ModifiedBy, sib.ModificationDate = actor.Admin, now
			tx.PutVersion(sib)
			previous = sib.Version
		}
		nv, err := tx.Version(t.Title, v.Version)
		if err != nil {
			return err
		}
		nv.Status = models.StatusReleased
		nv.ReleaseDate, nv.ReleasedBy = now, actor.Admin
		nv.ModifiedBy, nv.ModificationDate = actor.Admin, now
		tx.PutVersion(nv)

		cur.ReleasedVersion = v.Version
		cur.ModifiedBy, cur.ModificationDate = actor.Admin, now
		tx.PutTitle(cur)
		return nil
	})
	if err != nil {
		return "", err
	}
	if previous != "" {
		rep.Report("Version %s is now deprecated", previous)
	}
	rep.Report("Version %s of %s released", v.Version, t.Title)
	return previous, nil
}

/**
 * Mark a pilot version as skipped
 * @returns {*models.Version} Updated version
 * @throws
 * - ErrConflict when the version isn't in pilot
 */
func (ve *VersionEngine) Skip(ctx context.Context, actor Actor, title, version string) (*models.Version, error) {
	lease, err := ve.Locks.WriteVersion(title, version, actor.owner("skip version"))
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	v, err := ve.Store.Version(title, version)
	if err != nil {
		return nil, err
	}
	if v.Status != models.StatusPilot {
		return nil, ErrConflict.New("version '%s' of '%s' is %s, only pilot versions can be skipped", version, title, v.Status)
	}
	now := time.Now().UTC()
	v.Status = models.StatusSkipped
	v.SkippedDate, v.SkippedBy = now, actor.Admin
	v.ModifiedBy, v.ModificationDate = actor.Admin, now
	if err := ve.Store.SaveVersion(v); err != nil {
		return nil, err
	}
	if err := ve.ChangeLog.Append(title, actor.entry(version, "Version Skipped")); err != nil {
		return nil, err
	}
	return v, nil
}

/**
 * Retire the released version without releasing another
 * @returns {*models.Version} Updated version
 * @description
 * - The title's released_version is cleared in the same commit
 * @throws
 * - ErrConflict when the version isn't released
 */
func (ve *VersionEngine) Deprecate(ctx context.Context, actor Actor, title, version string) (*models.Version, error) {
	lease, err := ve.Locks.WriteVersion(title, version, actor.owner("deprecate version"))
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	v, err := ve.Store.Version(title, version)
	if err != nil {
		return nil, err
	}
	if v.Status != models.StatusReleased {
		return nil, ErrConflict.New("version '%s' of '%s' is %s, only the released version can be deprecated", version, title, v.Status)
	}
	t, err := ve.Store.Title(title)
	if err != nil {
		return nil, err
	}
	for _, p := range []string{t.AutoInstallPolicy(), t.PatchPolicy()} {
		if err := ignoreNotFound(ve.Devices.SetPolicyEnabled(ctx, p, false)); err != nil {
			return nil, classOf(err).New("disabling policy %s: %v", p, unwrapMessage(err))
		}
	}

	now := time.Now().UTC()
	v.Status = models.StatusDeprecated
	v.DeprecationDate, v.DeprecatedBy = now, actor.Admin
	v.ModifiedBy, v.ModificationDate = actor.Admin, now
	err = ve.Store.Update(func(tx *Txn) error {
		cur, err := tx.Title(title)
		if err != nil {
			return err
		}
		if cur.ReleasedVersion == version {
			cur.ReleasedVersion = ""
			cur.ModifiedBy, cur.ModificationDate = actor.Admin, now
			tx.PutTitle(cur)
		}
		tx.PutVersion(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ve.ChangeLog.Append(title, actor.entry(version, "Version Deprecated")); err != nil {
		return nil, err
	}
	return v, nil
}

/**
 * Delete a version
 * @returns {*Job} Background job removing the patch, policies and package
 */
func (ve *VersionEngine) Delete(ctx context.Context, actor Actor, title, version string) (*Job, error) {
	lease, err := ve.Locks.WriteVersion(title, version, actor.owner("delete version"))
	if err != nil {
		return nil, err
	}
	v, err := ve.Store.Version(title, version)
	if err != nil {
		lease.Release()
		return nil, err
	}
	return ve.Jobs.Start(fmt.Sprintf("delete version %s %s", title, version), actor, lease,
		func(ctx context.Context, rep Reporter) error {
			t, err := ve.Store.Title(title)
			if err != nil {
				return err
			}
			return ve.remove(ctx, actor, t, v, rep, false)
		})
}

// remove 删除版本的外部资源和本地记录；cascade为true时由删除标题调用，不写变更日志
func (ve *VersionEngine) remove(ctx context.Context, actor Actor, t *models.Title, v *models.Version, rep Reporter, cascade bool) error {
	st := newSteps(fmt.Sprintf("deleting version %s of %s", v.Version, t.Title), rep)
	if err := st.do(fmt.Sprintf("Deleting patch %s", v.Version), func() error {
		return ignoreNotFound(ve.Patch.DeletePatch(ctx, t.Title, v.Version))
	}); err != nil {
		return err
	}
	if err := st.do("Deleting pilot policy", func() error {
		return ignoreNotFound(ve.Devices.DeletePolicy(ctx, v.PilotPolicy()))
	}); err != nil {
		return err
	}
	if v.Status == models.StatusReleased && !cascade {
		if err := st.do("Disabling auto-install and patch policies", func() error {
			for _, p := range []string{t.AutoInstallPolicy(), t.PatchPolicy()} {
				if err := ignoreNotFound(ve.Devices.SetPolicyEnabled(ctx, p, false)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if v.Uploaded() {
		if err := st.do("Deleting package", func() error {
			return ignoreNotFound(ve.Devices.DeletePackage(ctx, v.PackageName()))
		}); err != nil {
			return err
		}
	}
	ve.cancelPending(t.Title, v.Version)

	now := time.Now().UTC()
	err := ve.Store.Update(func(tx *Txn) error {
		cur, err := tx.Title(t.Title)
		if err != nil {
			return err
		}
		tx.DeleteVersion(t.Title, v.Version)
		cur.VersionOrder = slices.DeleteFunc(cur.VersionOrder, func(s string) bool { return s == v.Version })
		cur.LatestVersion = ""
		if len(cur.VersionOrder) > 0 {
			cur.LatestVersion = cur.VersionOrder[0]
		}
		if cur.ReleasedVersion == v.Version {
			cur.ReleasedVersion = ""
		}
		cur.ModifiedBy, cur.ModificationDate = actor.Admin, now
		tx.PutTitle(cur)
		return nil
	})
	if err != nil {
		return err
	}
	if !cascade {
		if err := ve.ChangeLog.Append(t.Title, actor.entry(v.Version, "Version Deleted")); err != nil {
			return err
		}
	}
	rep.Report("Version %s of %s deleted", v.Version, t.Title)
	return nil
}

type deployOutcome struct {
	computer string
	command  string
	reason   string
}

/**
 * Push-install a version through MDM
 * @param {models.DeployRequest} req - Computers and groups to target
 * @returns {*models.DeployResult} Per-target queued commands and failures
 * @description
 * - Groups are expanded to their members, computers are handled in parallel
 * - Excluded and frozen computers, and computers with a newer version, are
 *   reported as failures rather than failing the request
 */
func (ve *VersionEngine) Deploy(ctx context.Context, actor Actor, title, version string, req models.DeployRequest) (*models.DeployResult, error) {
	if len(req.Computers) == 0 && len(req.Groups) == 0 {
		return nil, ErrValidation.New("deploy needs at least one computer or group")
	}
	lease, err := ve.Locks.ReadVersion(title, version, actor.owner("deploy version"))
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	t, err := ve.Store.Title(title)
	if err != nil {
		return nil, err
	}
	v, err := ve.Store.Version(title, version)
	if err != nil {
		return nil, err
	}
	if !v.Uploaded() {
		return nil, ErrConflict.New("version '%s' of '%s' has no uploaded package", version, title)
	}
	if v.Status != models.StatusPilot && v.Status != models.StatusReleased {
		return nil, ErrConflict.New("version '%s' of '%s' is %s and can't be deployed", version, title, v.Status)
	}

	result := &models.DeployResult{Title: title, Version: version,
		Queued: []models.DeployQueued{}, Failed: []models.DeployFailure{}}

	targets := make(map[string]bool)
	for _, c := range req.Computers {
		targets[c] = true
	}
	for _, g := range req.Groups {
		members, err := ve.Devices.GroupMembers(ctx, g)
		if err != nil {
			result.Failed = append(result.Failed, models.DeployFailure{Target: "group:" + g, Reason: unwrapMessage(err)})
			continue
		}
		for _, m := range members {
			targets[m] = true
		}
	}

	excluded := make(map[string]string)
	for _, g := range append(slices.Clone(t.ExcludedGroups), t.FrozenGroup()) {
		members, err := ve.Devices.GroupMembers(ctx, g)
		if err != nil {
			if ErrNotFound.Has(err) {
				continue
			}
			return nil, classOf(err).New("reading group %s: %v", g, unwrapMessage(err))
		}
		for _, m := range members {
			excluded[m] = g
		}
	}

	computers := make([]string, 0, len(targets))
	for c := range targets {
		computers = append(computers, c)
	}
	sort.Strings(computers)

	p := pool.NewWithResults[deployOutcome]().WithMaxGoroutines(deployParallelism)
	for _, c := range computers {
		c := c
		p.Go(func() deployOutcome {
			return ve.deployOne(ctx, t, v, c, excluded)
		})
	}
	for _, o := range p.Wait() {
		if o.reason != "" {
			result.Failed = append(result.Failed, models.DeployFailure{Target: o.computer, Reason: o.reason})
		} else {
			result.Queued = append(result.Queued, models.DeployQueued{Computer: o.computer, CommandID: o.command})
		}
	}
	sort.Slice(result.Queued, func(i, j int) bool { return result.Queued[i].Computer < result.Queued[j].Computer })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Target < result.Failed[j].Target })

	msg := fmt.Sprintf("Deployed via MDM: %d queued, %d failed", len(result.Queued), len(result.Failed))
	if err := ve.ChangeLog.Append(title, actor.entry(version, msg)); err != nil {
		return nil, err
	}
	return result, nil
}

func (ve *VersionEngine) deployOne(ctx context.Context, t *models.Title, v *models.Version, computer string, excluded map[string]string) deployOutcome {
	out := deployOutcome{computer: computer}
	if g, ok := excluded[computer]; ok {
		if g == t.FrozenGroup() {
			out.reason = "computer is frozen for this title"
		} else {
			out.reason = fmt.Sprintf("computer is excluded by group %s", g)
		}
		return out
	}
	installed, err := ve.Devices.ComputerPatchVersion(ctx, t.Title, computer)
	if err != nil {
		out.reason = unwrapMessage(err)
		return out
	}
	if installed != "" && installed != v.Version && versionNewer(installed, v.Version) {
		out.reason = fmt.Sprintf("computer already has newer version %s", installed)
		return out
	}
	cmd, err := ve.Devices.DeployPackage(ctx, v.PackageName(), computer)
	if err != nil {
		out.reason = unwrapMessage(err)
		return out
	}
	out.command = cmd
	return out
}
