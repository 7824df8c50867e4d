// Package titleeditor talks to the patch-metadata service that publishes
// software titles, their patches and the criteria used to detect them.
package titleeditor

import (
	"context"
	"time"

	"xolo/internal/config"
	"xolo/internal/models"
	"xolo/internal/rpc"
	"xolo/services"
)

const serviceName = "title editor"

type Client struct {
	http rpc.HTTPClient
}

var _ services.PatchSource = (*Client)(nil)

/**
 * Create a title editor client
 * @param {config.RemoteConfig} cfg - URL, credentials and rate limit of the service
 * @returns {*Client} Client implementing services.PatchSource
 */
func NewClient(cfg config.RemoteConfig) *Client {
	return NewClientWith(rpc.NewHTTPClient(&rpc.HTTPConfig{
		BaseURL:   cfg.URL,
		User:      cfg.User,
		Password:  cfg.Password,
		RateLimit: cfg.RateLimit,
		Timeout:   cfg.Timeout,
	}))
}

// NewClientWith wraps an existing HTTP client
func NewClientWith(c rpc.HTTPClient) *Client {
	return &Client{http: c}
}

func (c *Client) Close() error {
	return c.http.Close()
}

type titleBody struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Publisher   string `json:"publisher"`
	AppName     string `json:"app_name,omitempty"`
	BundleID    string `json:"bundle_id,omitempty"`
	Description string `json:"description,omitempty"`
}

type patchBody struct {
	Version     string    `json:"version"`
	ReleaseDate time.Time `json:"release_date"`
	Standalone  bool      `json:"standalone"`
	Reboot      bool      `json:"reboot"`
	MinOS       string    `json:"min_os"`
	MaxOS       string    `json:"max_os,omitempty"`
	KillApps    []string  `json:"killapps,omitempty"`
	Enabled     bool      `json:"enabled"`
}

func titleBodyOf(t *models.Title) titleBody {
	return titleBody{
		ID:          t.Title,
		Name:        t.DisplayName,
		Publisher:   t.Publisher,
		AppName:     t.AppName,
		BundleID:    t.AppBundleID,
		Description: t.Description,
	}
}

// 新补丁先以禁用状态创建，满足条件后再启用
func patchBodyOf(v *models.Version) patchBody {
	released := v.CreationDate
	if released.IsZero() {
		released = time.Now()
	}
	return patchBody{
		Version:     v.Version,
		ReleaseDate: released.UTC(),
		Standalone:  v.Standalone,
		Reboot:      v.Reboot,
		MinOS:       v.MinOS,
		MaxOS:       v.MaxOS,
		KillApps:    v.KillApps,
	}
}

func titlePath(title string) string {
	return "/softwaretitles/" + title
}

func patchPath(title, version string) string {
	return titlePath(title) + "/patches/" + version
}

/**
 * Turn an HTTP round trip into a classified error
 * @param {string} op - Operation name used in the message
 * @returns {error} nil for 2xx, ErrNotFound for 404, ErrUpstream otherwise
 */
func check(op string, resp *rpc.HTTPResponse, err error) error {
	if err != nil {
		return services.RemoteError(serviceName, op, 0, err.Error())
	}
	if !resp.OK() {
		return services.RemoteError(serviceName, op, resp.StatusCode, resp.Error)
	}
	return nil
}

func (c *Client) CreateTitle(ctx context.Context, t *models.Title) error {
	resp, err := c.http.Post(ctx, "/softwaretitles", titleBodyOf(t))
	return check("create title "+t.Title, resp, err)
}

func (c *Client) UpdateTitle(ctx context.Context, t *models.Title) error {
	resp, err := c.http.Put(ctx, titlePath(t.Title), titleBodyOf(t))
	return check("update title "+t.Title, resp, err)
}

func (c *Client) DeleteTitle(ctx context.Context, title string) error {
	resp, err := c.http.Delete(ctx, titlePath(title), nil)
	return check("delete title "+title, resp, err)
}

func (c *Client) CreatePatch(ctx context.Context, t *models.Title, v *models.Version) error {
	resp, err := c.http.Post(ctx, titlePath(t.Title)+"/patches", patchBodyOf(v))
	return check("create patch "+t.Title+" "+v.Version, resp, err)
}

func (c *Client) UpdatePatch(ctx context.Context, t *models.Title, v *models.Version) error {
	resp, err := c.http.Put(ctx, patchPath(t.Title, v.Version), patchBodyOf(v))
	return check("update patch "+t.Title+" "+v.Version, resp, err)
}

func (c *Client) DeletePatch(ctx context.Context, title, version string) error {
	resp, err := c.http.Delete(ctx, patchPath(title, version), nil)
	return check("delete patch "+title+" "+version, resp, err)
}

// EnablePatch 补丁需要已有能力与组件定义才能启用
func (c *Client) EnablePatch(ctx context.Context, title, version string) error {
	resp, err := c.http.Post(ctx, patchPath(title, version)+"/enable", nil)
	return check("enable patch "+title+" "+version, resp, err)
}

func (c *Client) SetRequirements(ctx context.Context, title string, criteria []services.Criterion) error {
	resp, err := c.http.Put(ctx, titlePath(title)+"/requirements", map[string]interface{}{
		"criteria": criteria,
	})
	return check("set requirements "+title, resp, err)
}

func (c *Client) SetCapabilities(ctx context.Context, title, version string, caps services.Capabilities) error {
	resp, err := c.http.Put(ctx, patchPath(title, version)+"/capabilities", caps)
	return check("set capabilities "+title+" "+version, resp, err)
}

func (c *Client) SetExtensionAttribute(ctx context.Context, title, name, script string) error {
	resp, err := c.http.Put(ctx, titlePath(title)+"/extensionattributes/"+name, map[string]string{
		"key":    name,
		"script": script,
	})
	return check("set extension attribute "+name, resp, err)
}

func (c *Client) DeleteExtensionAttribute(ctx context.Context, title, name string) error {
	resp, err := c.http.Delete(ctx, titlePath(title)+"/extensionattributes/"+name, nil)
	return check("delete extension attribute "+name, resp, err)
}
