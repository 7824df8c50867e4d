package controllers

import (
	"net/http"

	"xolo/internal/middleware"
	"xolo/internal/models"
	"xolo/services"

	"github.com/gin-gonic/gin"
)

type TitleController struct {
	titles *services.TitleEngine
}

/**
 * Create new title controller instance
 * @param {*services.TitleEngine} titles - Title lifecycle engine
 * @returns {*TitleController} New title controller instance
 */
func NewTitleController(titles *services.TitleEngine) *TitleController {
	return &TitleController{titles: titles}
}

/**
 * Register title routes
 * @param {gin.IRouter} r - Authenticated router
 * @description
 * - Registers routes for:
 *   - Title CRUD
 *   - Releasing a version
 *   - Freezing and thawing computers
 *   - Reading the change log
 */
func (tc *TitleController) RegisterRoutes(r gin.IRouter) {
	r.GET("/titles", tc.ListTitles)
	r.POST("/titles", tc.CreateTitle)
	r.GET("/titles/:title", tc.GetTitle)
	r.PUT("/titles/:title", tc.UpdateTitle)
	r.DELETE("/titles/:title", tc.DeleteTitle)
	r.PATCH("/titles/:title/release/:version", tc.ReleaseVersion)
	r.PUT("/titles/:title/freeze", tc.Freeze)
	r.PUT("/titles/:title/thaw", tc.Thaw)
	r.GET("/titles/:title/frozen", tc.Frozen)
	r.GET("/titles/:title/changelog", tc.ChangeLog)
}

// ListTitles lists all titles
//
//	@Summary		List titles
//	@Tags			Titles
//	@Produce		json
//	@Success		200	{array}	models.Title
//	@Router			/titles [get]
func (tc *TitleController) ListTitles(c *gin.Context) {
	c.JSON(http.StatusOK, tc.titles.List())
}

// CreateTitle creates a title in both remote services and locally
//
//	@Summary		Create title
//	@Tags			Titles
//	@Accept			json
//	@Produce		json
//	@Param			body	body		models.Title			true	"Title"
//	@Success		202		{object}	models.RunningResponse
//	@Failure		400		{object}	models.ErrorResponse
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles [post]
func (tc *TitleController) CreateTitle(c *gin.Context) {
	var t models.Title
	if !bindJSON(c, &t) {
		return
	}
	job, err := tc.titles.Create(c.Request.Context(), middleware.Actor(c), &t)
	if err != nil {
		respondError(c, err)
		return
	}
	respondRunning(c, job)
}

// GetTitle returns one title
//
//	@Summary		Get title
//	@Tags			Titles
//	@Produce		json
//	@Param			title	path		string	true	"Title"
//	@Success		200		{object}	models.Title
//	@Failure		404		{object}	models.ErrorResponse
//	@Router			/titles/{title} [get]
func (tc *TitleController) GetTitle(c *gin.Context) {
	t, err := tc.titles.Get(c.Param("title"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// UpdateTitle applies the editable attributes of the body
//
//	@Summary		Update title
//	@Tags			Titles
//	@Accept			json
//	@Produce		json
//	@Param			title	path		string			true	"Title"
//	@Param			body	body		models.Title	true	"Title"
//	@Success		202		{object}	models.RunningResponse
//	@Failure		400		{object}	models.ErrorResponse
//	@Failure		404		{object}	models.ErrorResponse
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title} [put]
func (tc *TitleController) UpdateTitle(c *gin.Context) {
	var t models.Title
	if !bindJSON(c, &t) {
		return
	}
	t.Title = c.Param("title")
	job, err := tc.titles.Update(c.Request.Context(), middleware.Actor(c), &t)
	if err != nil {
		respondError(c, err)
		return
	}
	respondRunning(c, job)
}

// DeleteTitle deletes a title and all its versions
//
//	@Summary		Delete title
//	@Tags			Titles
//	@Produce		json
//	@Param			title	path		string	true	"Title"
//	@Success		202		{object}	models.RunningResponse
//	@Failure		404		{object}	models.ErrorResponse
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title} [delete]
func (tc *TitleController) DeleteTitle(c *gin.Context) {
	job, err := tc.titles.Delete(c.Request.Context(), middleware.Actor(c), c.Param("title"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondRunning(c, job)
}

// ReleaseVersion releases a version, deprecating the previously released one
//
//	@Summary		Release version
//	@Tags			Titles
//	@Produce		json
//	@Param			title	path		string	true	"Title"
//	@Param			version	path		string	true	"Version"
//	@Success		202		{object}	models.RunningResponse
//	@Failure		404		{object}	models.ErrorResponse
//	@Failure		409		{object}	models.ErrorResponse
//	@Router			/titles/{title}/release/{version} [patch]
func (tc *TitleController) ReleaseVersion(c *gin.Context) {
	job, err := tc.titles.Release(c.Request.Context(), middleware.Actor(c), c.Param("title"), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondRunning(c, job)
}

// Freeze adds computers to the title's frozen group
//
//	@Summary		Freeze computers
//	@Tags			Titles
//	@Accept			json
//	@Produce		json
//	@Param			title	path		string					true	"Title"
//	@Param			body	body		models.FreezeRequest	true	"Computers or users"
//	@Success		200		{object}	models.FreezeResult
//	@Failure		400		{object}	models.ErrorResponse
//	@Router			/titles/{title}/freeze [put]
func (tc *TitleController) Freeze(c *gin.Context) {
	var req models.FreezeRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := tc.titles.Freeze(c.Request.Context(), middleware.Actor(c), c.Param("title"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Thaw removes computers from the title's frozen group
//
//	@Summary		Thaw computers
//	@Tags			Titles
//	@Accept			json
//	@Produce		json
//	@Param			title	path		string					true	"Title"
//	@Param			body	body		models.FreezeRequest	true	"Computers, users, or [\"all\"]"
//	@Success		200		{object}	models.FreezeResult
//	@Failure		400		{object}	models.ErrorResponse
//	@Router			/titles/{title}/thaw [put]
func (tc *TitleController) Thaw(c *gin.Context) {
	var req models.FreezeRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := tc.titles.Thaw(c.Request.Context(), middleware.Actor(c), c.Param("title"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Frozen lists frozen computers
//
//	@Summary		List frozen computers
//	@Tags			Titles
//	@Produce		json
//	@Param			title	path	string	true	"Title"
//	@Success		200		{array}	string
//	@Router			/titles/{title}/frozen [get]
func (tc *TitleController) Frozen(c *gin.Context) {
	computers, err := tc.titles.Frozen(c.Request.Context(), c.Param("title"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, computers)
}

// ChangeLog returns the history of a title, oldest first
//
//	@Summary		Title change log
//	@Tags			Titles
//	@Produce		json
//	@Param			title	path	string	true	"Title"
//	@Success		200		{array}	models.ChangeLogEntry
//	@Router			/titles/{title}/changelog [get]
func (tc *TitleController) ChangeLog(c *gin.Context) {
	entries, err := tc.titles.History(c.Param("title"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
