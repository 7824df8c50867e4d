package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"xolo/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTitle(t *testing.T) {
	e := newTestEngines(t)
	ctx := context.Background()

	spec := validTitle()
	spec.ReleasedVersion = "9.9"
	spec.CreatedBy = "mallory"
	job, err := e.titles.Create(ctx, e.actor, spec)
	require.NoError(t, e.run(t, job, err))

	got, err := e.titles.Get("xolotest")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Empty(t, got.ReleasedVersion)
	assert.NotNil(t, got.VersionOrder)
	assert.Empty(t, got.VersionOrder)
	assert.False(t, got.CreationDate.IsZero())

	assert.True(t, e.patch.titles["xolotest"])
	assert.Equal(t, "com.pixar.xolotest", e.patch.requirements["xolotest"][0].Value)
	assert.True(t, e.devices.HasGroup(got.InstalledGroup()))
	assert.True(t, e.devices.HasGroup(got.FrozenGroup()))
	assert.False(t, e.devices.HasGroup(got.ExpiredGroup()))
	assert.Nil(t, e.devices.Policy(got.UninstallPolicy()))
	assert.Equal(t, []string{"Title Created"}, e.history(t, "xolotest"))

	lines, err := e.streams.Lines(job.ID)
	require.NoError(t, err)
	assert.Contains(t, lines, "Title 'xolotest' created")
	assert.Equal(t, StreamDoneLine, lines[len(lines)-1])

	_, err = e.titles.Create(ctx, e.actor, validTitle())
	assert.True(t, ErrAlreadyExists.Has(err))
	assert.Zero(t, e.deps.Locks.Entries())
}

func TestCreateTitleWithScriptAndExpiration(t *testing.T) {
	e := newTestEngines(t)
	e.devices.groups["artists"] = []string{}
	e.devices.categories["Graphics"] = true

	spec := validTitle()
	spec.AppName, spec.AppBundleID = "", ""
	spec.VersionScript = "#!/bin/sh\necho 1.0"
	spec.ReleaseGroups = []string{"artists"}
	spec.Expiration = 30
	spec.ExpirePaths = []string{"/Applications/Xolo Test.app"}
	spec.UninstallIDs = []string{"com.pixar.xolotest.pkg"}
	spec.SelfService = true
	spec.SelfServiceCategory = "Graphics"

	job, err := e.titles.Create(context.Background(), e.actor, spec)
	require.NoError(t, e.run(t, job, err))

	assert.Equal(t, "#!/bin/sh\necho 1.0", e.patch.eas["xolo-xolotest-version"])
	assert.True(t, e.devices.HasGroup("xolo-xolotest-expired"))

	uninstall := e.devices.Policy("xolo-xolotest-uninstall")
	require.NotNil(t, uninstall)
	assert.True(t, uninstall.Enabled)
	assert.Equal(t, []string{"xolo-xolotest-expired"}, uninstall.Scope.Groups)
	assert.Contains(t, uninstall.Script, "pkgutil --forget 'com.pixar.xolotest.pkg'")

	ss := e.devices.Policy("xolo-xolotest-self-service")
	require.NotNil(t, ss)
	assert.False(t, ss.Enabled, "no released package yet")
	assert.Equal(t, []string{"artists"}, ss.Scope.Groups)
	assert.Contains(t, ss.Scope.ExcludedGroups, "xolo-xolotest-frozen")
}

func TestCreateTitleRejectsBadReferences(t *testing.T) {
	e := newTestEngines(t)
	ctx := context.Background()

	spec := validTitle()
	spec.ReleaseGroups = []string{"nobody"}
	_, err := e.titles.Create(ctx, e.actor, spec)
	assert.True(t, ErrValidation.Has(err))
	assert.Contains(t, err.Error(), "computer group 'nobody' doesn't exist")

	spec = validTitle()
	spec.SelfService = true
	spec.SelfServiceCategory = "Missing"
	_, err = e.titles.Create(ctx, e.actor, spec)
	assert.Contains(t, err.Error(), "category 'Missing' doesn't exist")

	e.devices.failOn("GroupExists", RemoteError("device manager", "get group", 500, "boom"))
	spec = validTitle()
	spec.ReleaseGroups = []string{"artists"}
	_, err = e.titles.Create(ctx, e.actor, spec)
	assert.True(t, ErrUpstream.Has(err))

	_, err = e.titles.Create(ctx, e.actor, &models.Title{Title: "Bad Name"})
	assert.True(t, ErrValidation.Has(err))
	assert.Empty(t, e.patch.Calls())
}

func TestCreateTitleFailureCommitsNothing(t *testing.T) {
	e := newTestEngines(t)
	e.devices.failOn("CreateSmartGroup", RemoteError("device manager", "create group", 500, "database locked"))

	job, err := e.titles.Create(context.Background(), e.actor, validTitle())
	err = e.run(t, job, err)
	require.Error(t, err)
	assert.True(t, ErrUpstream.Has(err))
	assert.Contains(t, err.Error(), "creating title xolotest: creating installed computer group failed")
	assert.Contains(t, err.Error(), "HTTP 500: database locked")
	assert.Contains(t, err.Error(), "already done: Creating title in the patch source; Setting patch requirements")

	assert.False(t, e.deps.Store.TitleExists("xolotest"))
	assert.Zero(t, e.deps.Locks.Entries())

	lines, err := e.streams.Lines(job.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, lines[len(lines)-2], ErrorLinePrefix+"upstream error: creating title xolotest")
}

func TestUpdateTitle(t *testing.T) {
	e := newTestEngines(t)
	ctx := context.Background()
	e.seedTitle(t, validTitle())
	e.devices.groups["artists"] = []string{}
	e.devices.categories["Graphics"] = true
	e.createVersion(t, "xolotest", "1.0", true)
	job, err := e.titles.Release(ctx, e.actor, "xolotest", "1.0")
	require.NoError(t, e.run(t, job, err))

	spec, err := e.titles.Get("xolotest")
	require.NoError(t, err)
	spec.Publisher = "Disney"
	spec.ReleaseGroups = []string{"artists"}
	spec.SelfService = true
	spec.SelfServiceCategory = "Graphics"
	spec.LatestVersion = "ignored"

	job, err = e.titles.Update(ctx, e.actor, spec)
	require.NoError(t, e.run(t, job, err))

	got, err := e.titles.Get("xolotest")
	require.NoError(t, err)
	assert.Equal(t, "Disney", got.Publisher)
	assert.Equal(t, "1.0", got.LatestVersion)
	assert.True(t, e.patch.called("UpdateTitle xolotest"))
	assert.False(t, e.patch.called("SetRequirements"))

	auto := e.devices.Policy("xolo-xolotest-auto-install")
	require.NotNil(t, auto)
	assert.Equal(t, []string{"artists"}, auto.Scope.Groups)
	assert.False(t, auto.Scope.AllComputers)

	ss := e.devices.Policy("xolo-xolotest-self-service")
	require.NotNil(t, ss)
	assert.True(t, ss.Enabled)
	assert.Equal(t, "xolo-xolotest-1.0.pkg", ss.Package)

	history := e.history(t, "xolotest")
	assert.Contains(t, history, "publisher: Pixar -> Disney")
	assert.Contains(t, history, "self_service: false -> true")
}

func TestUpdateTitleWithoutChanges(t *testing.T) {
	e := newTestEngines(t)
	e.seedTitle(t, validTitle())

	spec, err := e.titles.Get("xolotest")
	require.NoError(t, err)
	job, err := e.titles.Update(context.Background(), e.actor, spec)
	require.NoError(t, e.run(t, job, err))
	assert.Empty(t, e.patch.Calls())
	assert.Empty(t, e.history(t, "xolotest"))

	spec.ContactEmail = "not an email"
	_, err = e.titles.Update(context.Background(), e.actor, spec)
	assert.True(t, ErrValidation.Has(err))
	assert.Zero(t, e.deps.Locks.Entries())

	_, err = e.titles.Update(context.Background(), e.actor, testTitle("missing"))
	assert.True(t, ErrNotFound.Has(err))
}

func TestUpdateTitleSwitchesToVersionScript(t *testing.T) {
	e := newTestEngines(t)
	e.seedTitle(t, validTitle())

	spec, err := e.titles.Get("xolotest")
	require.NoError(t, err)
	spec.AppName, spec.AppBundleID = "", ""
	spec.VersionScript = "#!/bin/sh\necho 2.0"
	job, err := e.titles.Update(context.Background(), e.actor, spec)
	require.NoError(t, e.run(t, job, err))

	assert.Equal(t, "#!/bin/sh\necho 2.0", e.patch.eas["xolo-xolotest-version"])
	assert.Equal(t, "extensionAttribute", e.patch.requirements["xolotest"][0].Type)
	assert.True(t, e.devices.called("CreateSmartGroup xolo-xolotest-installed"))
}

func TestReleaseSwapsVersionsAtomically(t *testing.T) {
	e := newTestEngines(t)
	ctx := context.Background()
	e.seedTitle(t, validTitle())
	e.createVersion(t, "xolotest", "1.0", true)
	e.createVersion(t, "xolotest", "2.0", true)

	job, err := e.titles.Release(ctx, e.actor, "xolotest", "1.0")
	require.NoError(t, e.run(t, job, err))
	job, err = e.titles.Release(ctx, e.actor, "xolotest", "2.0")
	require.NoError(t, e.run(t, job, err))

	title, err := e.titles.Get("xolotest")
	require.NoError(t, err)
	assert.Equal(t, "2.0", title.ReleasedVersion)

	v1, err := e.versions.Get("xolotest", "1.0")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeprecated, v1.Status)
	assert.Equal(t, "alice", v1.DeprecatedBy)
	v2, err := e.versions.Get("xolotest", "2.0")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, v2.Status)
	assert.False(t, v2.ReleaseDate.IsZero())

	auto := e.devices.Policy("xolo-xolotest-auto-install")
	require.NotNil(t, auto)
	assert.Equal(t, "xolo-xolotest-2.0.pkg", auto.Package)
	assert.False(t, e.devices.Policy("xolo-xolotest-2.0-pilot").Enabled)

	history := e.history(t, "xolotest")
	assert.Contains(t, history, "1.0 Version Deprecated, superseded by 2.0")
	assert.Contains(t, history, "released_version: 1.0 -> 2.0")

	_, err = e.titles.Release(ctx, e.actor, "xolotest", "2.0")
	assert.True(t, ErrConflict.Has(err))
	_, err = e.titles.Release(ctx, e.actor, "xolotest", "1.0")
	assert.True(t, ErrConflict.Has(err))
	_, err = e.titles.Release(ctx, e.actor, "xolotest", "3.0")
	assert.True(t, ErrNotFound.Has(err))
	assert.Zero(t, e.deps.Locks.Entries())
}

func TestReleaseRequiresUploadedPackage(t *testing.T) {
	e := newTestEngines(t)
	e.seedTitle(t, validTitle())
	e.createVersion(t, "xolotest", "1.0", false)

	_, err := e.titles.Release(context.Background(), e.actor, "xolotest", "1.0")
	require.Error(t, err)
	assert.True(t, ErrConflict.Has(err))
	assert.Contains(t, err.Error(), "before its package is uploaded")
}

func TestReleaseFailureKeepsPreviousState(t *testing.T) {
	e := newTestEngines(t)
	ctx := context.Background()
	e.seedTitle(t, validTitle())
	e.createVersion(t, "xolotest", "1.0", true)
	job, err := e.titles.Release(ctx, e.actor, "xolotest", "1.0")
	require.NoError(t, e.run(t, job, err))
	e.createVersion(t, "xolotest", "2.0", true)

	e.devices.failOn("SetPolicyEnabled", RemoteError("device manager", "update policy", 503, "maintenance"))
	job, err = e.titles.Release(ctx, e.actor, "xolotest", "2.0")
	err = e.run(t, job, err)
	assert.True(t, ErrUpstream.Has(err))

	title, err := e.titles.Get("xolotest")
	require.NoError(t, err)
	assert.Equal(t, "1.0", title.ReleasedVersion)
	v1, _ := e.versions.Get("xolotest", "1.0")
	v2, _ := e.versions.Get("xolotest", "2.0")
	assert.Equal(t, models.StatusReleased, v1.Status)
	assert.Equal(t, models.StatusPilot, v2.Status)
}

func TestTitleOperationsConflictWithHeldLocks(t *testing.T) {
	e := newTestEngines(t)
	ctx := context.Background()
	e.seedTitle(t, validTitle())
	e.createVersion(t, "xolotest", "1.0", true)

	lease, err := e.deps.Locks.WriteVersion("xolotest", "1.0", bob)
	require.NoError(t, err)

	_, err = e.titles.Release(ctx, e.actor, "xolotest", "1.0")
	assert.True(t, ErrConflict.Has(err))
	_, err = e.titles.Delete(ctx, e.actor, "xolotest")
	assert.True(t, ErrConflict.Has(err))
	spec, _ := e.titles.Get("xolotest")
	_, err = e.titles.Update(ctx, e.actor, spec)
	assert.True(t, ErrConflict.Has(err))
	lease.Release()

	lease, err = e.deps.Locks.WriteTitle("xolotest", bob)
	require.NoError(t, err)
	_, err = e.versions.Skip(ctx, e.actor, "xolotest", "1.0")
	assert.True(t, ErrConflict.Has(err))
	_, err = e.versions.Deploy(ctx, e.actor, "xolotest", "1.0", models.DeployRequest{Computers: []string{"mac1"}})
	assert.True(t, ErrConflict.Has(err))
	lease.Release()
	assert.Zero(t, e.deps.Locks.Entries())
}

func TestConcurrentTitleUpdatesConflict(t *testing.T) {
	e := newTestEngines(t)
	ctx := context.Background()
	e.seedTitle(t, validTitle())

	// 第一个更新卡在补丁源调用上
	block := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	e.titles.Patch = &blockingPatchSource{fakePatchSource: e.patch, block: block, entered: entered, once: &once}

	first, err := e.titles.Get("xolotest")
	require.NoError(t, err)
	first.DisplayName = "Renamed"
	first.Description = "New description"
	first.Publisher = "Disney"
	job, err := e.titles.Update(ctx, e.actor, first)
	require.NoError(t, err)
	<-entered

	second, err := e.titles.Get("xolotest")
	require.NoError(t, err)
	second.Publisher = "Lucasfilm"
	_, err = e.titles.Update(ctx, Actor{Admin: "bob"}, second)
	assert.True(t, ErrConflict.Has(err))
	assert.Contains(t, err.Error(), "locked by admin 'alice' (update title)")

	close(block)
	require.NoError(t, job.Wait())
	assert.Equal(t, []string{
		"display_name: Test xolotest -> Renamed",
		"description: A title used in tests -> New description",
		"publisher: Pixar -> Disney",
	}, e.history(t, "xolotest"))

	// 第一个完成后可以继续更新
	second, err = e.titles.Get("xolotest")
	require.NoError(t, err)
	second.Publisher = "Lucasfilm"
	job, err = e.titles.Update(ctx, Actor{Admin: "bob"}, second)
	require.NoError(t, e.run(t, job, err))
	history := e.history(t, "xolotest")
	require.Len(t, history, 4)
	assert.Equal(t, "publisher: Disney -> Lucasfilm", history[3])
}

type blockingPatchSource struct {
	*fakePatchSource
	block   chan struct{}
	entered chan struct{}
	once    *sync.Once
}

func (b *blockingPatchSource) UpdateTitle(ctx context.Context, t *models.Title) error {
	b.once.Do(func() { close(b.entered) })
	<-b.block
	return b.fakePatchSource.UpdateTitle(ctx, t)
}

func TestDeleteTitleCascades(t *testing.T) {
	e := newTestEngines(t)
	ctx := context.Background()
	spec := validTitle()
	spec.UninstallScript = "#!/bin/sh\nrm -rf '/Applications/Xolo Test.app'"
	job, err := e.titles.Create(ctx, e.actor, spec)
	require.NoError(t, e.run(t, job, err))
	e.createVersion(t, "xolotest", "1.0", true)
	e.createVersion(t, "xolotest", "2.0", false)
	job, err = e.titles.Release(ctx, e.actor, "xolotest", "1.0")
	require.NoError(t, e.run(t, job, err))

	job, err = e.titles.Delete(ctx, e.actor, "xolotest")
	require.NoError(t, e.run(t, job, err))

	assert.False(t, e.deps.Store.TitleExists("xolotest"))
	nt, nv := e.deps.Store.Counts()
	assert.Zero(t, nt)
	assert.Zero(t, nv)
	assert.Empty(t, e.patch.titles)
	assert.Empty(t, e.patch.patches)
	assert.Empty(t, e.devices.packages)
	assert.Empty(t, e.devices.policies)
	assert.False(t, e.devices.HasGroup("xolo-xolotest-installed"))
	assert.False(t, e.devices.HasGroup("xolo-xolotest-frozen"))
	assert.Empty(t, e.history(t, "xolotest"))

	_, err = e.titles.History("xolotest")
	assert.True(t, ErrNotFound.Has(err))
	_, err = e.titles.Delete(ctx, e.actor, "xolotest")
	assert.True(t, ErrNotFound.Has(err))
	assert.Zero(t, e.deps.Locks.Entries())
}

func TestFreezeAndThaw(t *testing.T) {
	e := newTestEngines(t)
	ctx := context.Background()
	e.seedTitle(t, validTitle())
	e.devices.computers["mac1"] = true
	e.devices.computers["mac2"] = true
	e.devices.users["jdoe"] = []string{"mac3", "mac1"}
	e.devices.users["nobody"] = []string{}

	res, err := e.titles.Freeze(ctx, e.actor, "xolotest", models.FreezeRequest{Targets: []string{"mac2", "mac1", "mac2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"mac1", "mac2"}, res.Computers)

	res, err = e.titles.Freeze(ctx, e.actor, "xolotest", models.FreezeRequest{Targets: []string{"jdoe"}, Users: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"mac1", "mac3"}, res.Computers)

	frozen, err := e.titles.Frozen(ctx, "xolotest")
	require.NoError(t, err)
	assert.Equal(t, []string{"mac1", "mac2", "mac3"}, frozen)

	_, err = e.titles.Freeze(ctx, e.actor, "xolotest", models.FreezeRequest{Targets: []string{"ghost"}})
	assert.True(t, ErrValidation.Has(err))
	_, err = e.titles.Freeze(ctx, e.actor, "xolotest", models.FreezeRequest{Targets: []string{"stranger"}, Users: true})
	assert.True(t, ErrValidation.Has(err))
	_, err = e.titles.Freeze(ctx, e.actor, "xolotest", models.FreezeRequest{Targets: []string{"nobody"}, Users: true})
	assert.Contains(t, err.Error(), "has no assigned computers")
	_, err = e.titles.Freeze(ctx, e.actor, "xolotest", models.FreezeRequest{})
	assert.True(t, ErrValidation.Has(err))
	_, err = e.titles.Freeze(ctx, e.actor, "missing", models.FreezeRequest{Targets: []string{"mac1"}})
	assert.True(t, ErrNotFound.Has(err))

	res, err = e.titles.Thaw(ctx, e.actor, "xolotest", models.FreezeRequest{Targets: []string{"mac2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"mac2"}, res.Computers)
	assert.Equal(t, []string{"mac1", "mac3"}, e.devices.Members("xolo-xolotest-frozen"))

	res, err = e.titles.Thaw(ctx, e.actor, "xolotest", models.FreezeRequest{Targets: []string{models.TargetAll}})
	require.NoError(t, err)
	assert.Equal(t, []string{"mac1", "mac3"}, res.Computers)
	assert.Empty(t, e.devices.Members("xolo-xolotest-frozen"))

	assert.Equal(t, []string{
		"Froze computers: mac1, mac2",
		"Froze computers: mac1, mac3",
		"Thawed computers: mac2",
		"Thawed computers: mac1, mac3",
	}, e.history(t, "xolotest"))
}

func TestFrozenWithoutGroup(t *testing.T) {
	e := newTestEngines(t)
	require.NoError(t, e.deps.Store.SaveTitle(validTitle()))

	frozen, err := e.titles.Frozen(context.Background(), "xolotest")
	require.NoError(t, err)
	assert.Empty(t, frozen)
}

func TestExpireSweep(t *testing.T) {
	e := newTestEngines(t)
	now := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

	spec := validTitle()
	spec.Expiration = 30
	spec.ExpirePaths = []string{"/Applications/Xolo Test.app"}
	spec.UninstallIDs = []string{"com.pixar.xolotest.pkg"}
	e.seedTitle(t, spec)
	e.seedTitle(t, testTitle("forever"))
	e.devices.groups["xolo-xolotest-installed"] = []string{"mac1", "mac2", "mac3", "mac4"}
	e.devices.groups["xolo-xolotest-frozen"] = []string{"mac2"}
	e.devices.groups["xolo-xolotest-expired"] = []string{"mac5"}
	e.devices.usage = []UsageRecord{
		{Computer: "mac1", LastUsed: now.AddDate(0, 0, -60)},
		{Computer: "mac2", LastUsed: now.AddDate(0, 0, -60)},
		{Computer: "mac3", LastUsed: now.AddDate(0, 0, -2)},
	}

	n, err := e.titles.ExpireSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"mac1"}, e.devices.Members("xolo-xolotest-expired"))
	assert.False(t, e.devices.called("GroupMembers xolo-forever-installed"))

	// 已过期的电脑不重复计数
	n, err = e.titles.ExpireSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)

	lease, err := e.deps.Locks.WriteTitle("xolotest", bob)
	require.NoError(t, err)
	e.devices.usage = append(e.devices.usage, UsageRecord{Computer: "mac4", LastUsed: now.AddDate(-1, 0, 0)})
	n, err = e.titles.ExpireSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n, "locked titles are skipped")
	lease.Release()

	e.devices.failOn("ComputerUsage", RemoteError("device manager", "usage", 500, "boom"))
	_, err = e.titles.ExpireSweep(context.Background(), now)
	assert.True(t, ErrUpstream.Has(err))
	assert.Contains(t, err.Error(), "expiration failed for xolotest")
}
