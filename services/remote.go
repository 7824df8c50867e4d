package services

import (
	"context"
	"net/http"
	"time"

	"xolo/internal/models"
)

// Criterion is one rule of a patch requirement or a smart group.
type Criterion struct {
	Name     string `json:"name"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	Type     string `json:"type,omitempty"`
	And      bool   `json:"and"`
}

// Capabilities limit which computers a patch applies to.
type Capabilities struct {
	MinOS    string   `json:"min_os"`
	MaxOS    string   `json:"max_os,omitempty"`
	KillApps []string `json:"killapps,omitempty"`
	Reboot   bool     `json:"reboot"`
}

/**
 * Patch-metadata service operations used by the engines
 * @description
 * - Every method is keyed by title identifier and, for patches, version
 * - Implementations return ErrUpstream for failed calls and ErrNotFound for missing objects
 */
type PatchSource interface {
	CreateTitle(ctx context.Context, t *models.Title) error
	UpdateTitle(ctx context.Context, t *models.Title) error
	DeleteTitle(ctx context.Context, title string) error

	CreatePatch(ctx context.Context, t *models.Title, v *models.Version) error
	UpdatePatch(ctx context.Context, t *models.Title, v *models.Version) error
	DeletePatch(ctx context.Context, title, version string) error
	EnablePatch(ctx context.Context, title, version string) error

	SetRequirements(ctx context.Context, title string, criteria []Criterion) error
	SetCapabilities(ctx context.Context, title, version string, caps Capabilities) error
	SetExtensionAttribute(ctx context.Context, title, name, script string) error
	DeleteExtensionAttribute(ctx context.Context, title, name string) error
}

// PolicyScope says which computers a policy targets.
type PolicyScope struct {
	AllComputers   bool     `json:"all_computers"`
	Groups         []string `json:"groups,omitempty"`
	Computers      []string `json:"computers,omitempty"`
	ExcludedGroups []string `json:"excluded_groups,omitempty"`
}

// Policy is a device-management policy owned by xolo.
type Policy struct {
	Name        string      `json:"name"`
	Category    string      `json:"category,omitempty"`
	Enabled     bool        `json:"enabled"`
	Trigger     string      `json:"trigger,omitempty"`
	Frequency   string      `json:"frequency,omitempty"`
	Package     string      `json:"package,omitempty"`
	Script      string      `json:"script,omitempty"`
	SelfService bool        `json:"self_service"`
	Icon        string      `json:"icon,omitempty"`
	Reboot      bool        `json:"reboot"`
	Scope       PolicyScope `json:"scope"`
}

// PackageUpload describes a staged package ready for the distribution point.
type PackageUpload struct {
	Name     string
	Path     string
	Checksum string
	Size     int64
	Manifest []string
}

// EAStatus is the approval state of a title's version extension attribute.
type EAStatus struct {
	Approved    bool   `json:"approved"`
	ApprovalURL string `json:"approval_url"`
}

// UsageRecord is the last recorded use of a title on one computer.
type UsageRecord struct {
	Computer string    `json:"computer"`
	LastUsed time.Time `json:"last_used"`
}

/**
 * Device-management service operations used by the engines
 */
type DeviceManager interface {
	CategoryExists(ctx context.Context, name string) (bool, error)
	GroupExists(ctx context.Context, name string) (bool, error)
	ComputerExists(ctx context.Context, name string) (bool, error)

	CreateStaticGroup(ctx context.Context, name string) error
	CreateSmartGroup(ctx context.Context, name string, criteria []Criterion) error
	DeleteGroup(ctx context.Context, name string) error
	GroupMembers(ctx context.Context, name string) ([]string, error)
	AddToGroup(ctx context.Context, group string, computers []string) error
	RemoveFromGroup(ctx context.Context, group string, computers []string) error
	UserComputers(ctx context.Context, user string) ([]string, error)

	SavePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, name string) error
	SetPolicyEnabled(ctx context.Context, name string, enabled bool) error

	UploadPackage(ctx context.Context, pkg *PackageUpload) error
	DeletePackage(ctx context.Context, name string) error

	ExtensionAttributeStatus(ctx context.Context, name string) (*EAStatus, error)
	ActivatePatchTitle(ctx context.Context, title string) error

	// ComputerPatchVersion reports the installed version, empty when not installed.
	ComputerPatchVersion(ctx context.Context, title, computer string) (string, error)
	// DeployPackage issues an MDM install command and returns its command id.
	DeployPackage(ctx context.Context, pkg, computer string) (string, error)
	ComputerUsage(ctx context.Context, title string, paths []string) ([]UsageRecord, error)
}

/**
 * Classify a failed call to a remote service
 * @param {string} service - Service name used in the message
 * @param {string} op - What was being done
 * @param {int} status - HTTP status, 0 when the request never got an answer
 * @returns {error} ErrNotFound for 404, ErrUpstream otherwise
 */
func RemoteError(service, op string, status int, msg string) error {
	if status == http.StatusNotFound {
		return ErrNotFound.New("%s: %s: %s", service, op, msg)
	}
	if status == 0 {
		return ErrUpstream.New("%s: %s: %s", service, op, msg)
	}
	return ErrUpstream.New("%s: %s: HTTP %d: %s", service, op, status, msg)
}
