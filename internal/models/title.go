package models

import (
	"slices"
	"time"
)

// TargetAll 发布组中表示“全部电脑”的特殊值
const TargetAll = "all"

/**
 * Title object, one managed software product
 * @description
 * - Fields tagged attr:"editable" are set by admins and diffed on update
 * - The remaining fields are maintained by the server and ignored in request bodies
 */
type Title struct {
	Title               string   `json:"title" validate:"required,xolo_id" example:"xolotest" description:"唯一标识"`
	DisplayName         string   `json:"display_name" attr:"editable" validate:"required" example:"Xolo Test"`
	Description         string   `json:"description" attr:"editable" validate:"required"`
	Publisher           string   `json:"publisher" attr:"editable" validate:"required" example:"Pixar"`
	ContactEmail        string   `json:"contact_email" attr:"editable" validate:"required,email"`
	SelfService         bool     `json:"self_service" attr:"editable"`
	SelfServiceCategory string   `json:"self_service_category,omitempty" attr:"editable"`
	SelfServiceIcon     string   `json:"self_service_icon,omitempty" attr:"editable"`
	AppName             string   `json:"app_name,omitempty" attr:"editable" validate:"omitempty,endswith=.app"`
	AppBundleID         string   `json:"app_bundle_id,omitempty" attr:"editable"`
	VersionScript       string   `json:"version_script,omitempty" attr:"editable"`
	ReleaseGroups       []string `json:"release_groups,omitempty" attr:"editable" validate:"dive,required"`
	ExcludedGroups      []string `json:"excluded_groups,omitempty" attr:"editable" validate:"dive,required"`
	UninstallScript     string   `json:"uninstall_script,omitempty" attr:"editable"`
	UninstallIDs        []string `json:"uninstall_ids,omitempty" attr:"editable" validate:"dive,required"`
	Expiration          int      `json:"expiration,omitempty" attr:"editable" validate:"gte=0"`
	ExpirePaths         []string `json:"expire_paths,omitempty" attr:"editable" validate:"dive,required"`

	CreatedBy        string    `json:"created_by,omitempty"`
	CreationDate     time.Time `json:"creation_date"`
	ModifiedBy       string    `json:"modified_by,omitempty"`
	ModificationDate time.Time `json:"modification_date"`
	VersionOrder     []string  `json:"version_order"`
	LatestVersion    string    `json:"latest_version,omitempty"`
	ReleasedVersion  string    `json:"released_version,omitempty"`
}

// Clone 深拷贝，缓存中的对象不对外暴露
func (t *Title) Clone() *Title {
	c := *t
	c.ReleaseGroups = slices.Clone(t.ReleaseGroups)
	c.ExcludedGroups = slices.Clone(t.ExcludedGroups)
	c.UninstallIDs = slices.Clone(t.UninstallIDs)
	c.ExpirePaths = slices.Clone(t.ExpirePaths)
	c.VersionOrder = slices.Clone(t.VersionOrder)
	return &c
}

// Removable 配置了卸载脚本或包ID时才能卸载
func (t *Title) Removable() bool {
	return t.UninstallScript != "" || len(t.UninstallIDs) > 0
}

// UsesVersionScript 通过扩展属性脚本检测安装版本
func (t *Title) UsesVersionScript() bool {
	return t.VersionScript != ""
}

func (t *Title) HasVersion(version string) bool {
	return slices.Contains(t.VersionOrder, version)
}

// ReleasedToAll 发布目标为全部电脑
func (t *Title) ReleasedToAll() bool {
	return slices.Contains(t.ReleaseGroups, TargetAll)
}

// Names of the device-management resources owned by a title.
func (t *Title) InstalledGroup() string { return "xolo-" + t.Title + "-installed" }
func (t *Title) FrozenGroup() string    { return "xolo-" + t.Title + "-frozen" }
func (t *Title) ExpiredGroup() string   { return "xolo-" + t.Title + "-expired" }
func (t *Title) AutoInstallPolicy() string {
	return "xolo-" + t.Title + "-auto-install"
}
func (t *Title) PatchPolicy() string       { return "xolo-" + t.Title + "-patch" }
func (t *Title) SelfServicePolicy() string { return "xolo-" + t.Title + "-self-service" }
func (t *Title) UninstallPolicy() string   { return "xolo-" + t.Title + "-uninstall" }
func (t *Title) ExtensionAttribute() string {
	return "xolo-" + t.Title + "-version"
}

// FreezeRequest 冻结/解冻目标，Users为true时目标是用户名
type FreezeRequest struct {
	Targets []string `json:"targets" binding:"required,min=1"`
	Users   bool     `json:"users"`
}

/**
 * Result of a freeze or thaw request
 * @property {[]string} computers - Computers added to or removed from the frozen group
 */
type FreezeResult struct {
	Title     string   `json:"title"`
	Computers []string `json:"computers"`
}
