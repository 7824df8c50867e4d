package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"xolo/internal/config"
	"xolo/internal/models"

	"github.com/stretchr/testify/require"
)

// fakeRemote records calls and lets a test fail any method by name.
type fakeRemote struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeRemote) record(method string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.TrimSpace(method+" "+strings.Join(args, " ")))
	return f.fail[method]
}

func (f *fakeRemote) failOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]error)
	}
	f.fail[method] = err
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// called reports whether a call starting with prefix was made.
func (f *fakeRemote) called(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakePatchSource struct {
	fakeRemote
	titles       map[string]bool
	patches      map[string]Capabilities
	enabled      map[string]bool
	requirements map[string][]Criterion
	eas          map[string]string
}

func newFakePatchSource() *fakePatchSource {
	return &fakePatchSource{
		titles:       make(map[string]bool),
		patches:      make(map[string]Capabilities),
		enabled:      make(map[string]bool),
		requirements: make(map[string][]Criterion),
		eas:          make(map[string]string),
	}
}

var _ PatchSource = (*fakePatchSource)(nil)

func (f *fakePatchSource) CreateTitle(_ context.Context, t *models.Title) error {
	if err := f.record("CreateTitle", t.Title); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.titles[t.Title] {
		return RemoteError("title editor", "create title", 409, "exists")
	}
	f.titles[t.Title] = true
	return nil
}

func (f *fakePatchSource) UpdateTitle(_ context.Context, t *models.Title) error {
	return f.record("UpdateTitle", t.Title)
}

func (f *fakePatchSource) DeleteTitle(_ context.Context, title string) error {
	if err := f.record("DeleteTitle", title); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.titles[title] {
		return RemoteError("title editor", "delete title", 404, "no such title")
	}
	delete(f.titles, title)
	return nil
}

func (f *fakePatchSource) CreatePatch(_ context.Context, t *models.Title, v *models.Version) error {
	if err := f.record("CreatePatch", t.Title, v.Version); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[t.Title+"/"+v.Version] = Capabilities{}
	return nil
}

func (f *fakePatchSource) UpdatePatch(_ context.Context, t *models.Title, v *models.Version) error {
	return f.record("UpdatePatch", t.Title, v.Version)
}

func (f *fakePatchSource) DeletePatch(_ context.Context, title, version string) error {
	if err := f.record("DeletePatch", title, version); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.patches, title+"/"+version)
	delete(f.enabled, title+"/"+version)
	return nil
}

func (f *fakePatchSource) EnablePatch(_ context.Context, title, version string) error {
	if err := f.record("EnablePatch", title, version); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[title+"/"+version] = true
	return nil
}

func (f *fakePatchSource) SetRequirements(_ context.Context, title string, criteria []Criterion) error {
	if err := f.record("SetRequirements", title); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requirements[title] = criteria
	return nil
}

func (f *fakePatchSource) SetCapabilities(_ context.Context, title, version string, caps Capabilities) error {
	if err := f.record("SetCapabilities", title, version); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[title+"/"+version] = caps
	return nil
}

func (f *fakePatchSource) SetExtensionAttribute(_ context.Context, title, name, script string) error {
	if err := f.record("SetExtensionAttribute", title, name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eas[name] = script
	return nil
}

func (f *fakePatchSource) DeleteExtensionAttribute(_ context.Context, title, name string) error {
	if err := f.record("DeleteExtensionAttribute", title, name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.eas, name)
	return nil
}

type fakeDevices struct {
	fakeRemote
	categories map[string]bool
	computers  map[string]bool
	users      map[string][]string
	groups     map[string][]string
	policies   map[string]*Policy
	packages   map[string]*PackageUpload
	installed  map[string]string
	usage      []UsageRecord
	eaApproved bool
	nextCmd    int
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		categories: make(map[string]bool),
		computers:  make(map[string]bool),
		users:      make(map[string][]string),
		groups:     make(map[string][]string),
		policies:   make(map[string]*Policy),
		packages:   make(map[string]*PackageUpload),
		installed:  make(map[string]string),
		eaApproved: true,
	}
}

var _ DeviceManager = (*fakeDevices)(nil)

func notFound(kind, name string) error {
	return RemoteError("device manager", "get "+kind, 404, fmt.Sprintf("no %s '%s'", kind, name))
}

func (f *fakeDevices) CategoryExists(_ context.Context, name string) (bool, error) {
	if err := f.record("CategoryExists", name); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.categories[name], nil
}

func (f *fakeDevices) GroupExists(_ context.Context, name string) (bool, error) {
	if err := f.record("GroupExists", name); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.groups[name]
	return ok, nil
}

func (f *fakeDevices) ComputerExists(_ context.Context, name string) (bool, error) {
	if err := f.record("ComputerExists", name); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.computers[name], nil
}

func (f *fakeDevices) CreateStaticGroup(_ context.Context, name string) error {
	if err := f.record("CreateStaticGroup", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[name]; !ok {
		f.groups[name] = []string{}
	}
	return nil
}

func (f *fakeDevices) CreateSmartGroup(_ context.Context, name string, _ []Criterion) error {
	if err := f.record("CreateSmartGroup", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[name]; !ok {
		f.groups[name] = []string{}
	}
	return nil
}

func (f *fakeDevices) DeleteGroup(_ context.Context, name string) error {
	if err := f.record("DeleteGroup", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[name]; !ok {
		return notFound("group", name)
	}
	delete(f.groups, name)
	return nil
}

func (f *fakeDevices) GroupMembers(_ context.Context, name string) ([]string, error) {
	if err := f.record("GroupMembers", name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.groups[name]
	if !ok {
		return nil, notFound("group", name)
	}
	return slices.Clone(members), nil
}

func (f *fakeDevices) AddToGroup(_ context.Context, group string, computers []string) error {
	if err := f.record("AddToGroup", group, strings.Join(computers, ",")); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.groups[group]
	if !ok {
		return notFound("group", group)
	}
	for _, c := range computers {
		if !slices.Contains(members, c) {
			members = append(members, c)
		}
	}
	sort.Strings(members)
	f.groups[group] = members
	return nil
}

func (f *fakeDevices) RemoveFromGroup(_ context.Context, group string, computers []string) error {
	if err := f.record("RemoveFromGroup", group, strings.Join(computers, ",")); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.groups[group]
	if !ok {
		return notFound("group", group)
	}
	f.groups[group] = slices.DeleteFunc(members, func(c string) bool { return slices.Contains(computers, c) })
	return nil
}

func (f *fakeDevices) UserComputers(_ context.Context, user string) ([]string, error) {
	if err := f.record("UserComputers", user); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	computers, ok := f.users[user]
	if !ok {
		return nil, notFound("user", user)
	}
	return slices.Clone(computers), nil
}

func (f *fakeDevices) SavePolicy(_ context.Context, p *Policy) error {
	if err := f.record("SavePolicy", p.Name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *p
	f.policies[p.Name] = &c
	return nil
}

func (f *fakeDevices) DeletePolicy(_ context.Context, name string) error {
	if err := f.record("DeletePolicy", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.policies[name]; !ok {
		return notFound("policy", name)
	}
	delete(f.policies, name)
	return nil
}

func (f *fakeDevices) SetPolicyEnabled(_ context.Context, name string, enabled bool) error {
	if err := f.record("SetPolicyEnabled", name, fmt.Sprint(enabled)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[name]
	if !ok {
		return notFound("policy", name)
	}
	p.Enabled = enabled
	return nil
}

func (f *fakeDevices) Policy(name string) *Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[name]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

func (f *fakeDevices) Members(group string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.groups[group])
}

func (f *fakeDevices) HasGroup(group string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.groups[group]
	return ok
}

func (f *fakeDevices) UploadPackage(_ context.Context, pkg *PackageUpload) error {
	if err := f.record("UploadPackage", pkg.Name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *pkg
	f.packages[pkg.Name] = &c
	return nil
}

func (f *fakeDevices) DeletePackage(_ context.Context, name string) error {
	if err := f.record("DeletePackage", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packages, name)
	return nil
}

func (f *fakeDevices) ExtensionAttributeStatus(_ context.Context, name string) (*EAStatus, error) {
	if err := f.record("ExtensionAttributeStatus", name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eaApproved {
		return &EAStatus{Approved: true}, nil
	}
	return &EAStatus{ApprovalURL: "https://jamf.example.com/patch.html?id=7&o=r&tab=extension"}, nil
}

func (f *fakeDevices) ActivatePatchTitle(_ context.Context, title string) error {
	return f.record("ActivatePatchTitle", title)
}

func (f *fakeDevices) ComputerPatchVersion(_ context.Context, title, computer string) (string, error) {
	if err := f.record("ComputerPatchVersion", title, computer); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[computer], nil
}

func (f *fakeDevices) DeployPackage(_ context.Context, pkg, computer string) (string, error) {
	if err := f.record("DeployPackage", pkg, computer); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.computers[computer] {
		return "", notFound("computer", computer)
	}
	f.nextCmd++
	return fmt.Sprintf("cmd-%d", f.nextCmd), nil
}

func (f *fakeDevices) ComputerUsage(_ context.Context, title string, paths []string) ([]UsageRecord, error) {
	if err := f.record("ComputerUsage", title); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.usage), nil
}

// testEngines wires both engines to fakes and temp directories.
type testEngines struct {
	deps     EngineDeps
	titles   *TitleEngine
	versions *VersionEngine
	patch    *fakePatchSource
	devices  *fakeDevices
	streams  *StreamManager
	actor    Actor
}

func newTestEngines(t *testing.T) *testEngines {
	t.Helper()
	dir := t.TempDir()
	store := openTestStore(t, filepath.Join(dir, "data"))
	changes, err := NewChangeLog(filepath.Join(dir, "changelogs"))
	require.NoError(t, err)
	streams := newTestStreams(t)
	patch := newFakePatchSource()
	devices := newFakeDevices()
	jobs := NewJobRunner(streams, nil)

	deps := EngineDeps{
		Store:         store,
		Locks:         NewLockManager(),
		ChangeLog:     changes,
		Jobs:          jobs,
		Patch:         patch,
		Devices:       devices,
		Packages:      NewPackageHandler(config.PackageConfig{StagingDir: filepath.Join(dir, "staging")}, devices),
		ReuploadDelay: 50 * time.Millisecond,
	}
	versions := NewVersionEngine(deps)
	te := &testEngines{
		deps:     deps,
		titles:   NewTitleEngine(deps, versions),
		versions: versions,
		patch:    patch,
		devices:  devices,
		streams:  streams,
		actor:    Actor{Admin: "alice", Host: "mac-admin1"},
	}
	t.Cleanup(func() {
		versions.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Wait(ctx)
	})
	return te
}

// run waits for a job started by an engine call.
func (e *testEngines) run(t *testing.T, job *Job, err error) error {
	t.Helper()
	require.NoError(t, err)
	require.NotNil(t, job)
	return job.Wait()
}

// seedTitle stores a title directly, bypassing the remote calls.
func (e *testEngines) seedTitle(t *testing.T, title *models.Title) {
	t.Helper()
	if title.VersionOrder == nil {
		title.VersionOrder = []string{}
	}
	require.NoError(t, e.deps.Store.SaveTitle(title))
	e.devices.groups[title.InstalledGroup()] = []string{}
	e.devices.groups[title.FrozenGroup()] = []string{}
}

// stage writes a package into a fresh staging directory.
func (e *testEngines) stage(t *testing.T, title, version, name, content string) PackageFile {
	t.Helper()
	dir, err := e.deps.Packages.StagingDir(title, version)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return PackageFile{Filename: name, Path: path}
}

// createVersion creates and optionally uploads a version through the engine.
func (e *testEngines) createVersion(t *testing.T, title, version string, upload bool) {
	t.Helper()
	v := testVersion(title, version)
	v.PilotGroups = []string{"testers"}
	job, err := e.versions.Create(context.Background(), e.actor, v)
	require.NoError(t, e.run(t, job, err))
	if upload {
		file := e.stage(t, title, version, "xolotest-"+version+".pkg", "package "+version)
		job, err := e.versions.UploadPackage(context.Background(), e.actor, title, version, file)
		require.NoError(t, e.run(t, job, err))
	}
}

func (e *testEngines) history(t *testing.T, title string) []string {
	t.Helper()
	entries, err := e.deps.ChangeLog.Entries(title)
	require.NoError(t, err)
	msgs := make([]string, 0, len(entries))
	for _, en := range entries {
		msg := en.Message
		if en.Attribute != "" {
			msg = fmt.Sprintf("%s: %v -> %v", en.Attribute, en.OldValue, en.NewValue)
		}
		if en.Version != "" {
			msg = en.Version + " " + msg
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
