package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"xolo/internal/logger"
	"xolo/internal/models"
)

const maintenanceAdmin = "xolo-maintenance"

/**
 * Orchestrates the lifecycle of titles
 * @description
 * - Every mutation holds the title write lock, which excludes all version
 *   operations under the title
 * - External calls run first, the local record is committed only when they all succeeded
 */
type TitleEngine struct {
	EngineDeps
	versions *VersionEngine
}

func NewTitleEngine(deps EngineDeps, versions *VersionEngine) *TitleEngine {
	return &TitleEngine{EngineDeps: deps, versions: versions}
}

func (te *TitleEngine) Get(title string) (*models.Title, error) {
	return te.Store.Title(title)
}

func (te *TitleEngine) List() []*models.Title {
	return te.Store.Titles()
}

// History returns the change log of a title, oldest first.
func (te *TitleEngine) History(title string) ([]models.ChangeLogEntry, error) {
	if !te.Store.TitleExists(title) {
		return nil, ErrNotFound.New("no title '%s'", title)
	}
	return te.ChangeLog.Entries(title)
}

// titleSpec 只保留请求中管理员可设置的字段
func titleSpec(t *models.Title) *models.Title {
	spec := &models.Title{Title: t.Title}
	ApplyEditable(spec, t)
	return spec
}

/**
 * Check that groups and categories named by a title exist
 * @throws
 * - ErrValidation naming the first missing group or category
 * - ErrUpstream when the device-management service can't be asked
 */
func (te *TitleEngine) checkReferences(ctx context.Context, t *models.Title) error {
	groups := append(slices.Clone(t.ReleaseGroups), t.ExcludedGroups...)
	for _, g := range groups {
		if g == models.TargetAll {
			continue
		}
		ok, err := te.Devices.GroupExists(ctx, g)
		if err != nil {
			return classOf(err).New("checking group '%s': %v", g, unwrapMessage(err))
		}
		if !ok {
			return ErrValidation.New("computer group '%s' doesn't exist", g)
		}
	}
	if t.SelfServiceCategory != "" {
		ok, err := te.Devices.CategoryExists(ctx, t.SelfServiceCategory)
		if err != nil {
			return classOf(err).New("checking category '%s': %v", t.SelfServiceCategory, unwrapMessage(err))
		}
		if !ok {
			return ErrValidation.New("category '%s' doesn't exist", t.SelfServiceCategory)
		}
	}
	return nil
}

/**
 * Create a title
 * @param {Actor} actor - Requesting admin
 * @param {*models.Title} spec - Requested title, server-maintained fields are ignored
 * @returns {*Job} Background job registering the title with both services
 * @throws
 * - ErrValidation, ErrAlreadyExists, ErrConflict synchronously
 */
func (te *TitleEngine) Create(ctx context.Context, actor Actor, spec *models.Title) (*Job, error) {
	t := titleSpec(spec)
	if err := ValidateTitle(t); err != nil {
		return nil, err
	}
	if te.Store.TitleExists(t.Title) {
		return nil, ErrAlreadyExists.New("title '%s' already exists", t.Title)
	}
	if err := te.checkReferences(ctx, t); err != nil {
		return nil, err
	}
	lease, err := te.Locks.WriteTitle(t.Title, actor.owner("create title"))
	if err != nil {
		return nil, err
	}
	if te.Store.TitleExists(t.Title) {
		lease.Release()
		return nil, ErrAlreadyExists.New("title '%s' already exists", t.Title)
	}
	return te.Jobs.Start("create title "+t.Title, actor, lease, func(ctx context.Context, rep Reporter) error {
		return te.create(ctx, actor, t, rep)
	})
}

func (te *TitleEngine) create(ctx context.Context, actor Actor, t *models.Title, rep Reporter) error {
	st := newSteps("creating title "+t.Title, rep)
	if err := st.do("Creating title in the patch source", func() error {
		return te.Patch.CreateTitle(ctx, t)
	}); err != nil {
		return err
	}
	if t.UsesVersionScript() {
		if err := st.do("Creating version extension attribute", func() error {
			return te.Patch.SetExtensionAttribute(ctx, t.Title, t.ExtensionAttribute(), t.VersionScript)
		}); err != nil {
			return err
		}
	}
	if err := st.do("Setting patch requirements", func() error {
		return te.Patch.SetRequirements(ctx, t.Title, requirementCriteria(t))
	}); err != nil {
		return err
	}
	if err := st.do("Creating installed computer group", func() error {
		return te.Devices.CreateSmartGroup(ctx, t.InstalledGroup(), installedCriteria(t))
	}); err != nil {
		return err
	}
	if err := st.do("Creating frozen computer group", func() error {
		return te.Devices.CreateStaticGroup(ctx, t.FrozenGroup())
	}); err != nil {
		return err
	}
	if t.Expiration > 0 {
		if err := st.do("Creating expired computer group", func() error {
			return te.Devices.CreateStaticGroup(ctx, t.ExpiredGroup())
		}); err != nil {
			return err
		}
	}
	if t.Removable() {
		if err := st.do("Creating uninstall policy", func() error {
			return te.Devices.SavePolicy(ctx, uninstallPolicy(t))
		}); err != nil {
			return err
		}
	}
	if t.SelfService {
		if err := st.do("Creating Self Service policy", func() error {
			return te.Devices.SavePolicy(ctx, selfServicePolicy(t, ""))
		}); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	t.CreatedBy, t.CreationDate = actor.Admin, now
	t.ModifiedBy, t.ModificationDate = actor.Admin, now
	t.VersionOrder = []string{}
	if err := te.Store.SaveTitle(t); err != nil {
		return err
	}
	if err := te.ChangeLog.Append(t.Title, actor.entry("", "Title Created")); err != nil {
		return err
	}
	rep.Report("Title '%s' created", t.Title)
	return nil
}

/**
 * Update the editable attributes of a title
 * @param {*models.Title} spec - Full requested title, compared attribute by attribute
 * @returns {*Job} Background job applying each changed attribute where it is owned
 */
func (te *TitleEngine) Update(ctx context.Context, actor Actor, spec *models.Title) (*Job, error) {
	lease, err := te.Locks.WriteTitle(spec.Title, actor.owner("update title"))
	if err != nil {
		return nil, err
	}
	current, err := te.Store.Title(spec.Title)
	if err != nil {
		lease.Release()
		return nil, err
	}
	updated := current.Clone()
	ApplyEditable(updated, spec)
	if err := ValidateTitle(updated); err != nil {
		lease.Release()
		return nil, err
	}
	changes := DiffAttributes(current, updated)
	if changed(changes, "release_groups", "excluded_groups", "self_service_category") {
		if err := te.checkReferences(ctx, updated); err != nil {
			lease.Release()
			return nil, err
		}
	}
	return te.Jobs.Start("update title "+spec.Title, actor, lease, func(ctx context.Context, rep Reporter) error {
		return te.update(ctx, actor, current, updated, changes, rep)
	})
}

func (te *TitleEngine) update(ctx context.Context, actor Actor, old, t *models.Title, changes []AttrChange, rep Reporter) error {
	if len(changes) == 0 {
		rep.Report("No changes")
		return nil
	}
	st := newSteps("updating title "+t.Title, rep)

	if changed(changes, "display_name", "description", "publisher", "contact_email") {
		if err := st.do("Updating title in the patch source", func() error {
			return te.Patch.UpdateTitle(ctx, t)
		}); err != nil {
			return err
		}
	}
	if changed(changes, "app_name", "app_bundle_id", "version_script") {
		if t.UsesVersionScript() {
			if err := st.do("Updating version extension attribute", func() error {
				return te.Patch.SetExtensionAttribute(ctx, t.Title, t.ExtensionAttribute(), t.VersionScript)
			}); err != nil {
				return err
			}
		}
		if err := st.do("Updating patch requirements", func() error {
			return te.Patch.SetRequirements(ctx, t.Title, requirementCriteria(t))
		}); err != nil {
			return err
		}
		if old.UsesVersionScript() && !t.UsesVersionScript() {
			if err := st.do("Deleting version extension attribute", func() error {
				return ignoreNotFound(te.Patch.DeleteExtensionAttribute(ctx, t.Title, t.ExtensionAttribute()))
			}); err != nil {
				return err
			}
		}
		if err := st.do("Updating installed computer group", func() error {
			return te.Devices.CreateSmartGroup(ctx, t.InstalledGroup(), installedCriteria(t))
		}); err != nil {
			return err
		}
	}
	if changed(changes, "expiration", "expire_paths", "uninstall_script", "uninstall_ids") {
		if err := te.applyRemoval(ctx, st, old, t); err != nil {
			return err
		}
	}
	if changed(changes, "self_service", "self_service_category", "self_service_icon", "release_groups", "excluded_groups") {
		if err := te.applySelfService(ctx, st, old, t); err != nil {
			return err
		}
	}
	if changed(changes, "release_groups", "excluded_groups") {
		if err := te.applyTargeting(ctx, st, t); err != nil {
			return err
		}
	}

	t.ModifiedBy, t.ModificationDate = actor.Admin, time.Now().UTC()
	if err := te.Store.SaveTitle(t); err != nil {
		return err
	}
	if err := te.ChangeLog.Append(t.Title, changeEntries(actor, "", changes)...); err != nil {
		return err
	}
	rep.Report("Updated %d attribute(s) of '%s'", len(changes), t.Title)
	return nil
}

func (te *TitleEngine) applyRemoval(ctx context.Context, st *steps, old, t *models.Title) error {
	if t.Expiration > 0 && old.Expiration == 0 {
		if err := st.do("Creating expired computer group", func() error {
			return te.Devices.CreateStaticGroup(ctx, t.ExpiredGroup())
		}); err != nil {
			return err
		}
	}
	switch {
	case t.Removable():
		if err := st.do("Updating uninstall policy", func() error {
			return te.Devices.SavePolicy(ctx, uninstallPolicy(t))
		}); err != nil {
			return err
		}
	case old.Removable():
		if err := st.do("Deleting uninstall policy", func() error {
			return ignoreNotFound(te.Devices.DeletePolicy(ctx, t.UninstallPolicy()))
		}); err != nil {
			return err
		}
	}
	if t.Expiration == 0 && old.Expiration > 0 {
		if err := st.do("Deleting expired computer group", func() error {
			return ignoreNotFound(te.Devices.DeleteGroup(ctx, t.ExpiredGroup()))
		}); err != nil {
			return err
		}
	}
	return nil
}

func (te *TitleEngine) releasedPackage(t *models.Title) string {
	if t.ReleasedVersion == "" {
		return ""
	}
	v, err := te.Store.Version(t.Title, t.ReleasedVersion)
	if err != nil {
		return ""
	}
	return v.PackageName()
}

func (te *TitleEngine) applySelfService(ctx context.Context, st *steps, old, t *models.Title) error {
	if t.SelfService {
		return st.do("Updating Self Service policy", func() error {
			return te.Devices.SavePolicy(ctx, selfServicePolicy(t, te.releasedPackage(t)))
		})
	}
	if old.SelfService {
		return st.do("Deleting Self Service policy", func() error {
			return ignoreNotFound(te.Devices.DeletePolicy(ctx, t.SelfServicePolicy()))
		})
	}
	return nil
}

// applyTargeting 更新已发布版本和试点版本策略的范围
func (te *TitleEngine) applyTargeting(ctx context.Context, st *steps, t *models.Title) error {
	versions, err := te.Store.Versions(t.Title)
	if err != nil {
		return err
	}
	for _, v := range versions {
		switch v.Status {
		case models.StatusReleased:
			if err := st.do("Updating auto-install and patch policies", func() error {
				if err := te.Devices.SavePolicy(ctx, autoInstallPolicy(t, v)); err != nil {
					return err
				}
				return te.Devices.SavePolicy(ctx, patchPolicy(t, v))
			}); err != nil {
				return err
			}
		case models.StatusPilot:
			if err := st.do(fmt.Sprintf("Updating pilot policy of %s", v.Version), func() error {
				return te.Devices.SavePolicy(ctx, pilotPolicy(t, v))
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

/**
 * Release a version of a title
 * @param {string} title - Title identifier
 * @param {string} version - Version to release
 * @returns {*Job} Background job repointing policies and swapping the released version
 * @throws
 * - ErrNotFound for an unknown title or version
 * - ErrConflict when locked, already released, deprecated, or the package isn't uploaded
 */
func (te *TitleEngine) Release(ctx context.Context, actor Actor, title, version string) (*Job, error) {
	lease, err := te.Locks.WriteTitleVersion(title, version, actor.owner("release version"))
	if err != nil {
		return nil, err
	}
	t, v, err := te.releasable(title, version)
	if err != nil {
		lease.Release()
		return nil, err
	}
	return te.Jobs.Start(fmt.Sprintf("release version %s %s", title, version), actor, lease,
		func(ctx context.Context, rep Reporter) error {
			return te.release(ctx, actor, t, v, rep)
		})
}

func (te *TitleEngine) releasable(title, version string) (*models.Title, *models.Version, error) {
	t, err := te.Store.Title(title)
	if err != nil {
		return nil, nil, err
	}
	v, err := te.Store.Version(title, version)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case v.Status == models.StatusReleased:
		return nil, nil, ErrConflict.New("version '%s' of '%s' is already released", version, title)
	case v.Status == models.StatusDeprecated:
		return nil, nil, ErrConflict.New("version '%s' of '%s' is deprecated and can't be released again", version, title)
	case !v.Uploaded():
		return nil, nil, ErrConflict.New("version '%s' of '%s' can't be released before its package is uploaded", version, title)
	}
	return t, v, nil
}

func (te *TitleEngine) release(ctx context.Context, actor Actor, t *models.Title, v *models.Version, rep Reporter) error {
	previous, err := te.versions.release(ctx, actor, t, v, rep)
	if err != nil {
		return err
	}
	entries := []models.ChangeLogEntry{actor.entry(v.Version, "Version Released")}
	if previous != "" {
		entries = append(entries, actor.entry(previous, "Version Deprecated, superseded by "+v.Version))
	}
	rv := actor.entry("", "")
	rv.Attribute, rv.OldValue, rv.NewValue = "released_version", t.ReleasedVersion, v.Version
	entries = append(entries, rv)
	return te.ChangeLog.Append(t.Title, entries...)
}

/**
 * Delete a title and all of its versions
 * @returns {*Job} Background job removing versions, policies, groups and the patch title
 */
func (te *TitleEngine) Delete(ctx context.Context, actor Actor, title string) (*Job, error) {
	lease, err := te.Locks.WriteTitle(title, actor.owner("delete title"))
	if err != nil {
		return nil, err
	}
	t, err := te.Store.Title(title)
	if err != nil {
		lease.Release()
		return nil, err
	}
	return te.Jobs.Start("delete title "+title, actor, lease, func(ctx context.Context, rep Reporter) error {
		return te.delete(ctx, actor, t, rep)
	})
}

func (te *TitleEngine) delete(ctx context.Context, actor Actor, t *models.Title, rep Reporter) error {
	versions, err := te.Store.Versions(t.Title)
	if err != nil {
		return err
	}
	for _, v := range versions {
		cur, err := te.Store.Title(t.Title)
		if err != nil {
			return err
		}
		if err := te.versions.remove(ctx, actor, cur, v, rep, true); err != nil {
			return err
		}
	}

	st := newSteps("deleting title "+t.Title, rep)
	policies := []string{t.AutoInstallPolicy(), t.PatchPolicy(), t.SelfServicePolicy(), t.UninstallPolicy()}
	if err := st.do("Deleting policies", func() error {
		for _, p := range policies {
			if err := ignoreNotFound(te.Devices.DeletePolicy(ctx, p)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	groups := []string{t.InstalledGroup(), t.FrozenGroup(), t.ExpiredGroup()}
	if err := st.do("Deleting computer groups", func() error {
		for _, g := range groups {
			if err := ignoreNotFound(te.Devices.DeleteGroup(ctx, g)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if t.UsesVersionScript() {
		if err := st.do("Deleting version extension attribute", func() error {
			return ignoreNotFound(te.Patch.DeleteExtensionAttribute(ctx, t.Title, t.ExtensionAttribute()))
		}); err != nil {
			return err
		}
	}
	if err := st.do("Deleting title from the patch source", func() error {
		return ignoreNotFound(te.Patch.DeleteTitle(ctx, t.Title))
	}); err != nil {
		return err
	}

	if err := te.Store.DeleteTitle(t.Title); err != nil {
		return err
	}
	if err := te.ChangeLog.Delete(t.Title); err != nil {
		return err
	}
	logger.Infof("Title '%s' deleted by '%s'", t.Title, actor.Admin)
	rep.Report("Title '%s' deleted", t.Title)
	return nil
}

// expandTargets 把用户名展开为其名下电脑，电脑名校验存在
func (te *TitleEngine) expandTargets(ctx context.Context, req models.FreezeRequest) ([]string, error) {
	set := make(map[string]bool)
	for _, target := range req.Targets {
		if req.Users {
			computers, err := te.Devices.UserComputers(ctx, target)
			if err != nil {
				if ErrNotFound.Has(err) {
					return nil, ErrValidation.New("unknown user '%s'", target)
				}
				return nil, classOf(err).New("looking up computers of '%s': %v", target, unwrapMessage(err))
			}
			if len(computers) == 0 {
				return nil, ErrValidation.New("user '%s' has no assigned computers", target)
			}
			for _, c := range computers {
				set[c] = true
			}
			continue
		}
		ok, err := te.Devices.ComputerExists(ctx, target)
		if err != nil {
			return nil, classOf(err).New("looking up computer '%s': %v", target, unwrapMessage(err))
		}
		if !ok {
			return nil, ErrValidation.New("unknown computer '%s'", target)
		}
		set[target] = true
	}
	result := make([]string, 0, len(set))
	for c := range set {
		result = append(result, c)
	}
	sort.Strings(result)
	return result, nil
}

/**
 * Add computers to a title's frozen group
 * @param {models.FreezeRequest} req - Computers, or user names when req.Users is set
 * @returns {*models.FreezeResult} Computers that were frozen
 */
func (te *TitleEngine) Freeze(ctx context.Context, actor Actor, title string, req models.FreezeRequest) (*models.FreezeResult, error) {
	if len(req.Targets) == 0 {
		return nil, ErrValidation.New("no computers or users to freeze")
	}
	lease, err := te.Locks.WriteTitle(title, actor.owner("freeze"))
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	t, err := te.Store.Title(title)
	if err != nil {
		return nil, err
	}
	computers, err := te.expandTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := te.Devices.AddToGroup(ctx, t.FrozenGroup(), computers); err != nil {
		return nil, classOf(err).New("adding computers to %s: %v", t.FrozenGroup(), unwrapMessage(err))
	}
	msg := "Froze computers: " + strings.Join(computers, ", ")
	if err := te.ChangeLog.Append(title, actor.entry("", msg)); err != nil {
		return nil, err
	}
	return &models.FreezeResult{Title: title, Computers: computers}, nil
}

/**
 * Remove computers from a title's frozen group
 * @param {models.FreezeRequest} req - Computers, user names, or the single target "all"
 * @returns {*models.FreezeResult} Computers that were thawed
 */
func (te *TitleEngine) Thaw(ctx context.Context, actor Actor, title string, req models.FreezeRequest) (*models.FreezeResult, error) {
	if len(req.Targets) == 0 {
		return nil, ErrValidation.New("no computers or users to thaw")
	}
	lease, err := te.Locks.WriteTitle(title, actor.owner("thaw"))
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	t, err := te.Store.Title(title)
	if err != nil {
		return nil, err
	}
	var computers []string
	if len(req.Targets) == 1 && req.Targets[0] == models.TargetAll && !req.Users {
		computers, err = te.Devices.GroupMembers(ctx, t.FrozenGroup())
		if err != nil {
			return nil, classOf(err).New("reading %s: %v", t.FrozenGroup(), unwrapMessage(err))
		}
		sort.Strings(computers)
	} else {
		computers, err = te.expandTargets(ctx, req)
		if err != nil {
			return nil, err
		}
	}
	if len(computers) > 0 {
		if err := te.Devices.RemoveFromGroup(ctx, t.FrozenGroup(), computers); err != nil {
			return nil, classOf(err).New("removing computers from %s: %v", t.FrozenGroup(), unwrapMessage(err))
		}
	}
	msg := "Thawed computers: " + strings.Join(computers, ", ")
	if err := te.ChangeLog.Append(title, actor.entry("", msg)); err != nil {
		return nil, err
	}
	return &models.FreezeResult{Title: title, Computers: computers}, nil
}

// Frozen lists the computers frozen for a title.
func (te *TitleEngine) Frozen(ctx context.Context, title string) ([]string, error) {
	t, err := te.Store.Title(title)
	if err != nil {
		return nil, err
	}
	members, err := te.Devices.GroupMembers(ctx, t.FrozenGroup())
	if err != nil {
		if ErrNotFound.Has(err) {
			return []string{}, nil
		}
		return nil, classOf(err).New("reading %s: %v", t.FrozenGroup(), unwrapMessage(err))
	}
	sort.Strings(members)
	return members, nil
}

/**
 * Expiration sweep over all titles with expiration configured
 * @param {time.Time} now - Reference time
 * @returns {int} Number of computers newly put in expired groups
 * @description
 * - Takes the same title write lock as admin operations, titles locked by
 *   an admin are skipped until the next run
 * - Computers unused for longer than the title's expiration days, and not
 *   frozen, join the expired group which the uninstall policy targets
 * - Computers that no longer have the title installed leave the expired group
 */
func (te *TitleEngine) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	total := 0
	var failed []string
	for _, t := range te.Store.Titles() {
		if t.Expiration <= 0 || !t.Removable() {
			continue
		}
		lease, err := te.Locks.WriteTitle(t.Title, LockOwner{Admin: maintenanceAdmin, Operation: "expiration sweep"})
		if err != nil {
			logger.Infof("Expiration of '%s' skipped: %v", t.Title, err)
			continue
		}
		n, err := te.expireTitle(ctx, t, now)
		lease.Release()
		if err != nil {
			logger.Errorf("Expiration of '%s' failed: %v", t.Title, err)
			failed = append(failed, t.Title)
			continue
		}
		total += n
	}
	if len(failed) > 0 {
		return total, ErrUpstream.New("expiration failed for %s", strings.Join(failed, ", "))
	}
	return total, nil
}

func (te *TitleEngine) expireTitle(ctx context.Context, t *models.Title, now time.Time) (int, error) {
	installed, err := te.Devices.GroupMembers(ctx, t.InstalledGroup())
	if err != nil {
		return 0, err
	}
	frozen, err := te.Devices.GroupMembers(ctx, t.FrozenGroup())
	if err != nil && !ErrNotFound.Has(err) {
		return 0, err
	}
	expired, err := te.Devices.GroupMembers(ctx, t.ExpiredGroup())
	if err != nil {
		return 0, err
	}
	usage, err := te.Devices.ComputerUsage(ctx, t.Title, t.ExpirePaths)
	if err != nil {
		return 0, err
	}

	lastUsed := make(map[string]time.Time, len(usage))
	for _, u := range usage {
		lastUsed[u.Computer] = u.LastUsed
	}
	cutoff := now.Add(-time.Duration(t.Expiration) * 24 * time.Hour)

	var stale, gone []string
	for _, c := range installed {
		used, known := lastUsed[c]
		if !known || slices.Contains(frozen, c) || slices.Contains(expired, c) {
			continue
		}
		if used.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	for _, c := range expired {
		if !slices.Contains(installed, c) {
			gone = append(gone, c)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		if err := te.Devices.AddToGroup(ctx, t.ExpiredGroup(), stale); err != nil {
			return 0, err
		}
		logger.Infof("Expired '%s' on %d computer(s): %s", t.Title, len(stale), strings.Join(stale, ", "))
	}
	if len(gone) > 0 {
		if err := te.Devices.RemoveFromGroup(ctx, t.ExpiredGroup(), gone); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
