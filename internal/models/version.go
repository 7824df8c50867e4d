package models

import (
	"slices"
	"time"
)

type VersionStatus string

const (
	StatusPilot      VersionStatus = "pilot"
	StatusReleased   VersionStatus = "released"
	StatusSkipped    VersionStatus = "skipped"
	StatusDeprecated VersionStatus = "deprecated"
)

/**
 * Version object, one installable patch of a title
 * @property {string} title - Owning title identifier
 * @property {string} version - Version string, unique within the title
 */
type Version struct {
	Title       string        `json:"title" validate:"required,xolo_id"`
	Version     string        `json:"version" validate:"required,xolo_version" example:"1.0.0"`
	Status      VersionStatus `json:"status"`
	MinOS       string        `json:"min_os" attr:"editable" validate:"required,os_version" example:"12.0"`
	MaxOS       string        `json:"max_os,omitempty" attr:"editable" validate:"omitempty,os_version"`
	KillApps    []string      `json:"killapps,omitempty" attr:"editable" validate:"dive,killapp"`
	Reboot      bool          `json:"reboot" attr:"editable"`
	Standalone  bool          `json:"standalone" attr:"editable"`
	PilotGroups []string      `json:"pilot_groups,omitempty" attr:"editable" validate:"dive,required"`

	PkgFile      string    `json:"pkg_file,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
	Manifest     []string  `json:"manifest,omitempty"`
	DistPkg      bool      `json:"dist_pkg"`
	UploadDate   time.Time `json:"upload_date"`
	UploadedBy   string    `json:"uploaded_by,omitempty"`
	ReuploadDate time.Time `json:"reupload_date"`
	ReuploadedBy string    `json:"reuploaded_by,omitempty"`

	CreatedBy        string    `json:"created_by,omitempty"`
	CreationDate     time.Time `json:"creation_date"`
	ModifiedBy       string    `json:"modified_by,omitempty"`
	ModificationDate time.Time `json:"modification_date"`
	ReleaseDate      time.Time `json:"release_date"`
	ReleasedBy       string    `json:"released_by,omitempty"`
	DeprecationDate  time.Time `json:"deprecation_date"`
	DeprecatedBy     string    `json:"deprecated_by,omitempty"`
	SkippedDate      time.Time `json:"skipped_date"`
	SkippedBy        string    `json:"skipped_by,omitempty"`
}

func (v *Version) Clone() *Version {
	c := *v
	c.KillApps = slices.Clone(v.KillApps)
	c.PilotGroups = slices.Clone(v.PilotGroups)
	c.Manifest = slices.Clone(v.Manifest)
	return &c
}

// Uploaded 包是否已上传
func (v *Version) Uploaded() bool {
	return !v.UploadDate.IsZero()
}

// PackageName 设备管理服务上的包名
func (v *Version) PackageName() string {
	return "xolo-" + v.Title + "-" + v.Version + ".pkg"
}

func (v *Version) PilotPolicy() string {
	return "xolo-" + v.Title + "-" + v.Version + "-pilot"
}
