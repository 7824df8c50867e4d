package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"xolo/internal/logger"
	"xolo/services"

	"github.com/gin-gonic/gin"
)

type ProgressController struct {
	streams *services.StreamManager
}

func NewProgressController(streams *services.StreamManager) *ProgressController {
	return &ProgressController{streams: streams}
}

func (pc *ProgressController) RegisterRoutes(r gin.IRouter) {
	r.GET("/streamed_progress", pc.StreamProgress)
}

// StreamProgress tails a progress stream as plain text
//
//	@Summary		Follow progress
//	@Description	Lines are flushed as they are written, the last line is the end-of-stream marker
//	@Tags			Progress
//	@Produce		plain
//	@Param			stream_file	query		string	true	"Stream id"
//	@Success		200			{string}	string
//	@Failure		400			{object}	models.ErrorResponse
//	@Failure		404			{object}	models.ErrorResponse
//	@Router			/streamed_progress [get]
func (pc *ProgressController) StreamProgress(c *gin.Context) {
	id := c.Query("stream_file")
	if _, err := pc.streams.Path(id); err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	err := pc.streams.Tail(c.Request.Context(), id, func(line string) error {
		if _, err := io.WriteString(c.Writer, line+"\n"); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warnf("Streaming progress %s: %v", id, err)
	}
}
