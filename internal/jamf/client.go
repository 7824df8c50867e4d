// Package jamf talks to the device-management service: groups, policies,
// packages, patch reporting and MDM commands.
package jamf

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"xolo/internal/config"
	"xolo/internal/logger"
	"xolo/internal/rpc"
	"xolo/services"
)

const serviceName = "jamf"

type Client struct {
	http  rpc.HTTPClient
	uiURL string
}

var _ services.DeviceManager = (*Client)(nil)

/**
 * Create a device-management client
 * @param {config.RemoteConfig} cfg - URL, credentials, rate limit and UI base URL
 * @returns {*Client} Client implementing services.DeviceManager
 */
func NewClient(cfg config.RemoteConfig) *Client {
	c := NewClientWith(rpc.NewHTTPClient(&rpc.HTTPConfig{
		BaseURL:   cfg.URL,
		User:      cfg.User,
		Password:  cfg.Password,
		RateLimit: cfg.RateLimit,
		Timeout:   cfg.Timeout,
	}))
	c.uiURL = strings.TrimSuffix(cfg.UIURL, "/")
	if c.uiURL == "" {
		c.uiURL = strings.TrimSuffix(cfg.URL, "/")
	}
	return c
}

func NewClientWith(c rpc.HTTPClient) *Client {
	return &Client{http: c}
}

func (c *Client) Close() error {
	return c.http.Close()
}

func check(op string, resp *rpc.HTTPResponse, err error) error {
	if err != nil {
		return services.RemoteError(serviceName, op, 0, err.Error())
	}
	if !resp.OK() {
		return services.RemoteError(serviceName, op, resp.StatusCode, resp.Error)
	}
	return nil
}

func named(kind, name string) string {
	return "/" + kind + "/" + name
}

// exists 404表示对象不存在，不是错误
func (c *Client) exists(ctx context.Context, kind, name string) (bool, error) {
	resp, err := c.http.Get(ctx, named(kind, name), nil)
	if err == nil && resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := check("look up "+kind+" "+name, resp, err); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) CategoryExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "categories", name)
}

func (c *Client) GroupExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "computergroups", name)
}

func (c *Client) ComputerExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "computers", name)
}

type groupBody struct {
	Name     string               `json:"name"`
	Smart    bool                 `json:"smart"`
	Criteria []services.Criterion `json:"criteria,omitempty"`
}

// CreateStaticGroup 创建或覆盖静态组，已有成员保留
func (c *Client) CreateStaticGroup(ctx context.Context, name string) error {
	resp, err := c.http.Put(ctx, named("computergroups", name), groupBody{Name: name})
	return check("save static group "+name, resp, err)
}

func (c *Client) CreateSmartGroup(ctx context.Context, name string, criteria []services.Criterion) error {
	resp, err := c.http.Put(ctx, named("computergroups", name), groupBody{Name: name, Smart: true, Criteria: criteria})
	return check("save smart group "+name, resp, err)
}

func (c *Client) DeleteGroup(ctx context.Context, name string) error {
	resp, err := c.http.Delete(ctx, named("computergroups", name), nil)
	return check("delete group "+name, resp, err)
}

type memberList struct {
	Computers []string `json:"computers"`
}

func (c *Client) GroupMembers(ctx context.Context, name string) ([]string, error) {
	resp, err := c.http.Get(ctx, named("computergroups", name)+"/members", nil)
	if err := check("list members of "+name, resp, err); err != nil {
		return nil, err
	}
	var members memberList
	if err := resp.Decode(&members); err != nil {
		return nil, services.ErrUpstream.Wrap(err)
	}
	return members.Computers, nil
}

func (c *Client) AddToGroup(ctx context.Context, group string, computers []string) error {
	if len(computers) == 0 {
		return nil
	}
	resp, err := c.http.Post(ctx, named("computergroups", group)+"/members", memberList{Computers: computers})
	return check("add computers to "+group, resp, err)
}

func (c *Client) RemoveFromGroup(ctx context.Context, group string, computers []string) error {
	if len(computers) == 0 {
		return nil
	}
	resp, err := c.http.Post(ctx, named("computergroups", group)+"/members/remove", memberList{Computers: computers})
	return check("remove computers from "+group, resp, err)
}

func (c *Client) UserComputers(ctx context.Context, user string) ([]string, error) {
	resp, err := c.http.Get(ctx, named("users", user)+"/computers", nil)
	if err := check("list computers of user "+user, resp, err); err != nil {
		return nil, err
	}
	var members memberList
	if err := resp.Decode(&members); err != nil {
		return nil, services.ErrUpstream.Wrap(err)
	}
	return members.Computers, nil
}

// SavePolicy 按名称创建或整体替换策略
func (c *Client) SavePolicy(ctx context.Context, p *services.Policy) error {
	resp, err := c.http.Put(ctx, named("policies", p.Name), p)
	return check("save policy "+p.Name, resp, err)
}

func (c *Client) DeletePolicy(ctx context.Context, name string) error {
	resp, err := c.http.Delete(ctx, named("policies", name), nil)
	return check("delete policy "+name, resp, err)
}

func (c *Client) SetPolicyEnabled(ctx context.Context, name string, enabled bool) error {
	resp, err := c.http.Patch(ctx, named("policies", name), map[string]bool{"enabled": enabled})
	return check("set enabled on policy "+name, resp, err)
}

/**
 * Upload a staged package to the distribution point
 * @param {*services.PackageUpload} pkg - Staged file and its metadata
 * @description
 * - The file is streamed as multipart field "file"
 * - Name and checksum travel as form fields so the service can verify the transfer
 */
func (c *Client) UploadPackage(ctx context.Context, pkg *services.PackageUpload) error {
	logger.Infof("Uploading package %s to %s", pkg.Name, serviceName)
	resp, err := c.http.Upload(ctx, "/packages", "file", pkg.Path, map[string]string{
		"name":     pkg.Name,
		"checksum": pkg.Checksum,
	})
	return check("upload package "+pkg.Name, resp, err)
}

func (c *Client) DeletePackage(ctx context.Context, name string) error {
	resp, err := c.http.Delete(ctx, named("packages", name), nil)
	return check("delete package "+name, resp, err)
}

/**
 * Report whether the version extension attribute of a patch title was accepted
 * @param {string} name - Extension attribute name
 * @returns {*services.EAStatus} Approval state plus the UI page where an admin accepts it
 */
func (c *Client) ExtensionAttributeStatus(ctx context.Context, name string) (*services.EAStatus, error) {
	resp, err := c.http.Get(ctx, "/patchsoftwaretitles/extensionattributes/"+name, nil)
	if err := check("get extension attribute "+name, resp, err); err != nil {
		return nil, err
	}
	var body struct {
		Approved bool   `json:"approved"`
		TitleID  string `json:"title_id"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, services.ErrUpstream.Wrap(err)
	}
	status := &services.EAStatus{Approved: body.Approved}
	if !body.Approved {
		status.ApprovalURL = c.uiURL + "/patch.html?id=" + url.QueryEscape(body.TitleID) + "&o=r&tab=extension"
	}
	return status, nil
}

// ActivatePatchTitle 已激活时服务端返回409，视为成功
func (c *Client) ActivatePatchTitle(ctx context.Context, title string) error {
	resp, err := c.http.Post(ctx, "/patchsoftwaretitles", map[string]string{"title": title})
	if err == nil && resp.StatusCode == http.StatusConflict {
		return nil
	}
	return check("activate patch title "+title, resp, err)
}

func (c *Client) ComputerPatchVersion(ctx context.Context, title, computer string) (string, error) {
	resp, err := c.http.Get(ctx, named("patchsoftwaretitles", title)+named("computers", computer), nil)
	if err == nil && resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if err := check("get patch version of "+title+" on "+computer, resp, err); err != nil {
		return "", err
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := resp.Decode(&body); err != nil {
		return "", services.ErrUpstream.Wrap(err)
	}
	return body.Version, nil
}

func (c *Client) DeployPackage(ctx context.Context, pkg, computer string) (string, error) {
	resp, err := c.http.Post(ctx, "/mdm/deploy", map[string]string{
		"package":  pkg,
		"computer": computer,
	})
	if err := check("deploy "+pkg+" to "+computer, resp, err); err != nil {
		return "", err
	}
	var body struct {
		CommandID string `json:"commandId"`
	}
	if err := resp.Decode(&body); err != nil {
		return "", services.ErrUpstream.Wrap(err)
	}
	return body.CommandID, nil
}

/**
 * Fetch the last-used time of a title on every computer reporting it
 * @param {[]string} paths - App paths whose usage counts, the title's expire paths
 * @returns {[]services.UsageRecord} One record per computer
 */
func (c *Client) ComputerUsage(ctx context.Context, title string, paths []string) ([]services.UsageRecord, error) {
	resp, err := c.http.Get(ctx, named("patchsoftwaretitles", title)+"/usage", map[string]interface{}{"path": paths})
	if err := check("get usage of "+title, resp, err); err != nil {
		return nil, err
	}
	var records []services.UsageRecord
	if err := resp.Decode(&records); err != nil {
		return nil, services.ErrUpstream.Wrap(err)
	}
	return records, nil
}
