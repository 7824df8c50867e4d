package controllers

import (
	"net/http"
	"os"
	"path/filepath"

	"xolo/internal/middleware"
	"xolo/internal/models"
	"xolo/services"

	"github.com/gin-gonic/gin"
)

type VersionController struct {
	versions *services.VersionEngine
	packages *services.PackageHandler
}

/**
 * Create new version controller instance
 * @param {*services.VersionEngine} versions - Version lifecycle engine
 * @param {*services.PackageHandler} packages - Owner of the staging area for uploads
 * @returns {*VersionController} New version controller instance
 */
func NewVersionController(versions *services.VersionEngine, packages *services.PackageHandler) *VersionController {
	return &VersionController{versions: versions, packages: packages}
}

/**
 * Register version routes
 * @param {gin.IRouter} r - Authenticated router
 * @description
 * - Registers routes for:
 *   - Version CRUD under a title
 *   - Package upload (multipart field "file")
 *   - Skip, deprecate and MDM deploy
 */
func (vc *VersionController) RegisterRoutes(r gin.IRouter) {
	r.GET("/titles/:title/versions", vc.ListVersions)
	r.POST("/titles/:title/versions", vc.CreateVersion)
	r.GET("/titles/:title/versions/:version", vc.GetVersion)
	r.PUT("/titles/:title/versions/:version", vc.UpdateVersion)
	r.DELETE("/titles/:title/versions/:version", vc.DeleteVersion)
	r.POST("/titles/:title/versions/:version/pkg", vc.UploadPackage)
	r.PATCH("/titles/:title/versions/:version/skip", vc.SkipVersion)
	r.PATCH("/titles/:title/versions/:version/deprecate", vc.DeprecateVersion)
	r.POST("/titles/:title/versions/:version/deploy", vc.Deploy)
}

// ListVersions lists the versions of a title, newest first
//
//	@Summary		List versions
//	@Tags			Versions
//	@Produce		json
//	@Param			title	path		string	true	"Title"
//	@Success		200		{array}		models.Version
//	@Failure		404		{object}	models.ErrorResponse
//	@Router			/titles/{title}/versions [get]
func (vc *VersionController) ListVersions(c *gin.Context) {
	versions, err := vc.versions.List(c.Param("title"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

// CreateVersion creates a version in pilot
//
//	@Summary		Create version
//	@Tags			Versions
//	@Accept			json
//	@Produce		json
//	@Param			title	path		string			true	"Title"
//	@Param			body	body		models.Version	true	"Version"
//	@Success		202		{object}	models.RunningResponse
//	@Failure		400		{object}	models.ErrorResponse
//	@Failure		404		{object}	models.ErrorResponse
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title}/versions [post]
func (vc *VersionController) CreateVersion(c *gin.Context) {
	var v models.Version
	if !bindJSON(c, &v) {
		return
	}
	v.Title = c.Param("title")
	job, err := vc.versions.Create(c.Request.Context(), middleware.Actor(c), &v)
	if err != nil {
		respondError(c, err)
		return
	}
	respondRunning(c, job)
}

// GetVersion returns one version
//
//	@Summary		Get version
//	@Tags			Versions
//	@Produce		json
//	@Param			title	path		string	true	"Title"
//	@Param			version	path		string	true	"Version"
//	@Success		200		{object}	models.Version
//	@Failure		404		{object}	models.ErrorResponse
//	@Router			/titles/{title}/versions/{version} [get]
func (vc *VersionController) GetVersion(c *gin.Context) {
	v, err := vc.versions.Get(c.Param("title"), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// UpdateVersion applies the editable attributes of the body
//
//	@Summary		Update version
//	@Tags			Versions
//	@Accept			json
//	@Produce		json
//	@Param			title	path		string			true	"Title"
//	@Param			version	path		string			true	"Version"
//	@Param			body	body		models.Version	true	"Version"
//	@Success		202		{object}	models.RunningResponse
//	@Failure		400		{object}	models.ErrorResponse
//	@Failure		404		{object}	models.ErrorResponse
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title}/versions/{version} [put]
func (vc *VersionController) UpdateVersion(c *gin.Context) {
	var v models.Version
	if !bindJSON(c, &v) {
		return
	}
	v.Title, v.Version = c.Param("title"), c.Param("version")
	job, err := vc.versions.Update(c.Request.Context(), middleware.Actor(c), &v)
	if err != nil {
		respondError(c, err)
		return
	}
	respondRunning(c, job)
}

// DeleteVersion deletes a version
//
//	@Summary		Delete version
//	@Tags			Versions
//	@Produce		json
//	@Param			title	path		string	true	"Title"
//	@Param			version	path		string	true	"Version"
//	@Success		202		{object}	models.RunningResponse
//	@Failure		404		{object}	models.ErrorResponse
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title}/versions/{version} [delete]
func (vc *VersionController) DeleteVersion(c *gin.Context) {
	job, err := vc.versions.Delete(c.Request.Context(), middleware.Actor(c), c.Param("title"), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondRunning(c, job)
}

// UploadPackage stages the uploaded file and starts the upload job
//
//	@Summary		Upload package
//	@Tags			Versions
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			title	path		string	true	"Title"
//	@Param			version	path		string	true	"Version"
//	@Param			file	formData	file	true	"Package (.pkg or .zip)"
//	@Success		202		{object}	models.RunningResponse
//	@Failure		400		{object}	models.ErrorResponse
//	@Failure		404		{object}	models.ErrorResponse
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title}/versions/{version}/pkg [post]
func (vc *VersionController) UploadPackage(c *gin.Context) {
	title, version := c.Param("title"), c.Param("version")
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, services.ErrValidation.New("multipart field 'file' is required: %v", err))
		return
	}
	filename := filepath.Base(fh.Filename)
	if err := vc.packages.ValidateExtension(filename); err != nil {
		respondError(c, err)
		return
	}
	dir, err := vc.packages.StagingDir(title, version)
	if err != nil {
		respondError(c, err)
		return
	}
	path := filepath.Join(dir, filename)
	if err := c.SaveUploadedFile(fh, path); err != nil {
		os.RemoveAll(dir)
		respondError(c, services.ErrFatal.New("saving upload: %v", err))
		return
	}
	job, err := vc.versions.UploadPackage(c.Request.Context(), middleware.Actor(c), title, version,
		services.PackageFile{Filename: filename, Path: path})
	if err != nil {
		respondError(c, err)
		return
	}
	respondRunning(c, job)
}

// SkipVersion marks a pilot version as skipped
//
//	@Summary		Skip version
//	@Tags			Versions
//	@Produce		json
//	@Param			title	path		string	true	"Title"
//	@Param			version	path		string	true	"Version"
//	@Success		200		{object}	models.Version
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title}/versions/{version}/skip [patch]
func (vc *VersionController) SkipVersion(c *gin.Context) {
	v, err := vc.versions.Skip(c.Request.Context(), middleware.Actor(c), c.Param("title"), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// DeprecateVersion retires the released version
//
//	@Summary		Deprecate version
//	@Tags			Versions
//	@Produce		json
//	@Param			title	path		string	true	"Title"
//	@Param			version	path		string	true	"Version"
//	@Success		200		{object}	models.Version
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title}/versions/{version}/deprecate [patch]
func (vc *VersionController) DeprecateVersion(c *gin.Context) {
	v, err := vc.versions.Deprecate(c.Request.Context(), middleware.Actor(c), c.Param("title"), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Deploy push-installs a version through MDM
//
//	@Summary		Deploy version
//	@Tags			Versions
//	@Accept			json
//	@Produce		json
//	@Param			title	path		string					true	"Title"
//	@Param			version	path		string					true	"Version"
//	@Param			body	body		models.DeployRequest	true	"Targets"
//	@Success		200		{object}	models.DeployResult
//	@Failure		400		{object}	models.ErrorResponse
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title}/versions/{version}/deploy [post]
func (vc *VersionController) Deploy(c *gin.Context) {
	var req models.DeployRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := vc.versions.Deploy(c.Request.Context(), middleware.Actor(c), c.Param("title"), c.Param("version"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
