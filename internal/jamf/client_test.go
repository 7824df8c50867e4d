package jamf

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"xolo/internal/config"
	"xolo/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := NewClient(config.RemoteConfig{URL: server.URL, UIURL: "https://jamf.example.com/", Timeout: 2 * time.Second})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExistsTreats404AsMissing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/computergroups/Pilot Group":
			w.Write([]byte(`{"name":"Pilot Group"}`))
		case "/categories/Broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	ok, err := c.GroupExists(ctx, "Pilot Group")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ComputerExists(ctx, "mac-01")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.CategoryExists(ctx, "Broken")
	require.Error(t, err)
	assert.True(t, services.ErrUpstream.Has(err))
}

func TestGroupMembership(t *testing.T) {
	var added, removed []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body memberList
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/computergroups/xolo-foo-frozen/members":
			w.Write([]byte(`{"computers":["mac-01","mac-02"]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/computergroups/xolo-foo-frozen/members":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			added = body.Computers
		case r.Method == http.MethodPost && r.URL.Path == "/computergroups/xolo-foo-frozen/members/remove":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			removed = body.Computers
		case r.URL.Path == "/users/ana/computers":
			w.Write([]byte(`{"computers":["mac-07"]}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()

	members, err := c.GroupMembers(ctx, "xolo-foo-frozen")
	require.NoError(t, err)
	assert.Equal(t, []string{"mac-01", "mac-02"}, members)

	require.NoError(t, c.AddToGroup(ctx, "xolo-foo-frozen", []string{"mac-03"}))
	require.NoError(t, c.RemoveFromGroup(ctx, "xolo-foo-frozen", []string{"mac-01"}))
	// 空列表不发请求
	require.NoError(t, c.AddToGroup(ctx, "xolo-foo-frozen", nil))
	assert.Equal(t, []string{"mac-03"}, added)
	assert.Equal(t, []string{"mac-01"}, removed)

	computers, err := c.UserComputers(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, []string{"mac-07"}, computers)
}

func TestPolicies(t *testing.T) {
	var saved services.Policy
	var enabled map[string]bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&saved))
		case http.MethodPatch:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&enabled))
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	p := &services.Policy{Name: "xolo-foo-patch", Enabled: true, Package: "xolo-foo-1.0.pkg",
		Scope: services.PolicyScope{Groups: []string{"xolo-foo-installed"}}}
	require.NoError(t, c.SavePolicy(ctx, p))
	assert.Equal(t, *p, saved)

	require.NoError(t, c.SetPolicyEnabled(ctx, "xolo-foo-patch", false))
	assert.Equal(t, map[string]bool{"enabled": false}, enabled)

	err := c.DeletePolicy(ctx, "xolo-foo-patch")
	assert.True(t, services.ErrNotFound.Has(err))
}

func TestUploadPackage(t *testing.T) {
	pkg := filepath.Join(t.TempDir(), "foo.pkg")
	require.NoError(t, os.WriteFile(pkg, []byte("xar!"), 0644))

	var name, checksum, content string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/packages", r.URL.Path)
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		content = string(data)
		name, checksum = r.FormValue("name"), r.FormValue("checksum")
		w.WriteHeader(http.StatusCreated)
	})

	err := c.UploadPackage(context.Background(), &services.PackageUpload{Name: "xolo-foo-1.0.pkg", Path: pkg, Checksum: "sum"})
	require.NoError(t, err)
	assert.Equal(t, "xolo-foo-1.0.pkg", name)
	assert.Equal(t, "sum", checksum)
	assert.Equal(t, "xar!", content)
}

func TestPatchReporting(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/patchsoftwaretitles/extensionattributes/xolo-foo-version":
			w.Write([]byte(`{"approved":false,"title_id":"42"}`))
		case "/patchsoftwaretitles/extensionattributes/xolo-bar-version":
			w.Write([]byte(`{"approved":true,"title_id":"43"}`))
		case "/patchsoftwaretitles":
			w.WriteHeader(http.StatusConflict)
		case "/patchsoftwaretitles/foo/computers/mac-01":
			w.Write([]byte(`{"version":"1.0"}`))
		case "/patchsoftwaretitles/foo/usage":
			assert.Equal(t, []string{"/Applications/Foo.app"}, r.URL.Query()["path"])
			w.Write([]byte(`[{"computer":"mac-01","last_used":"2024-01-02T03:04:05Z"}]`))
		case "/mdm/deploy":
			w.Write([]byte(`{"commandId":"cmd-9"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	st, err := c.ExtensionAttributeStatus(ctx, "xolo-foo-version")
	require.NoError(t, err)
	assert.False(t, st.Approved)
	assert.Equal(t, "https://jamf.example.com/patch.html?id=42&o=r&tab=extension", st.ApprovalURL)

	st, err = c.ExtensionAttributeStatus(ctx, "xolo-bar-version")
	require.NoError(t, err)
	assert.True(t, st.Approved)
	assert.Empty(t, st.ApprovalURL)

	require.NoError(t, c.ActivatePatchTitle(ctx, "foo"))

	v, err := c.ComputerPatchVersion(ctx, "foo", "mac-01")
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)
	v, err = c.ComputerPatchVersion(ctx, "foo", "mac-02")
	require.NoError(t, err)
	assert.Empty(t, v)

	usage, err := c.ComputerUsage(ctx, "foo", []string{"/Applications/Foo.app"})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "mac-01", usage[0].Computer)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), usage[0].LastUsed.UTC())

	id, err := c.DeployPackage(ctx, "xolo-foo-1.0.pkg", "mac-01")
	require.NoError(t, err)
	assert.Equal(t, "cmd-9", id)
}
