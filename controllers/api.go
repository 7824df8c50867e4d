package controllers

import (
	"fmt"
	"net/http"
	"time"

	"xolo/internal/logger"
	"xolo/internal/middleware"
	"xolo/internal/models"
	"xolo/services"

	"github.com/gin-gonic/gin"
)

// respondError 按错误分类返回 {status, error}
func respondError(c *gin.Context, err error) {
	status := services.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, models.ErrorResponse{Status: status, Error: err.Error()})
}

// respondRunning 后台作业已启动，返回进度流路径
func respondRunning(c *gin.Context, job *services.Job) {
	c.JSON(http.StatusAccepted, models.RunningResponse{
		Status:                "running",
		ProgressStreamURLPath: job.StreamURLPath(),
	})
}

func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		respondError(c, services.ErrValidation.New("invalid request body: %v", err))
		return false
	}
	return true
}

type APIController struct {
	server *services.Server
}

/**
 * Create new API controller instance
 * @param {*services.Server} server - Server owning the engines and maintenance tasks
 * @returns {*APIController} New API controller instance
 * @description
 * - Serves the health probe and the /maint routes
 */
func NewAPIController(server *services.Server) *APIController {
	return &APIController{
		server: server,
	}
}

// RegisterPublicRoutes registers the routes served without a token.
func (a *APIController) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/healthz", a.Healthz)
}

/**
 * Register maintenance routes
 * @param {gin.IRouter} r - Authenticated router
 * @description
 * - Registers routes for:
 *   - Server state, cleanup, log rotation and log level
 *   - Configuration reload, on-demand expiration and shutdown
 */
func (a *APIController) RegisterRoutes(r gin.IRouter) {
	maint := r.Group("/maint")
	maint.GET("/state", a.State)
	maint.POST("/cleanup", a.Cleanup)
	maint.POST("/rotate-logs", a.RotateLogs)
	maint.POST("/set-log-level", a.SetLogLevel)
	maint.POST("/reload-config", a.ReloadConfig)
	maint.POST("/expire", a.Expire)
	maint.POST("/shutdown-server", a.Shutdown)
}

// @Summary 业务就绪探针
// @Description 返回服务版本、启动时间、健康状态和关键指标统计结果
// @Tags System
// @Produce json
// @Success 200 {object} models.HealthResponse
// @Router /healthz [get]
func (a *APIController) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, a.server.GetHealthz())
}

// @Summary 服务器状态
// @Description 持有的锁、运行中的作业、维护任务调度、待恢复的策略和环境设置
// @Tags Maint
// @Produce json
// @Success 200 {object} models.ServerState
// @Router /maint/state [get]
func (a *APIController) State(c *gin.Context) {
	c.JSON(http.StatusOK, a.server.GetState())
}

// @Summary 立即清理
// @Description 删除过期进度流、遗留的暂存目录和多余的日志备份
// @Tags Maint
// @Produce json
// @Success 200 {object} models.CleanupResult
// @Router /maint/cleanup [post]
func (a *APIController) Cleanup(c *gin.Context) {
	result, err := a.server.Maintenance().Cleanup(time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Summary 轮转日志
// @Tags Maint
// @Produce json
// @Success 200 {object} models.OKResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /maint/rotate-logs [post]
func (a *APIController) RotateLogs(c *gin.Context) {
	a.runTask(c, services.TaskRotateLogs)
}

// @Summary 立即执行过期清扫
// @Tags Maint
// @Produce json
// @Success 200 {object} models.OKResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /maint/expire [post]
func (a *APIController) Expire(c *gin.Context) {
	a.runTask(c, services.TaskExpiration)
}

func (a *APIController) runTask(c *gin.Context, name string) {
	summary, err := a.server.RunTask(name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{Status: "ok", Message: summary})
}

// @Summary 设置日志级别
// @Tags Maint
// @Accept json
// @Produce json
// @Param body body models.LogLevelRequest true "debug/info/warn/error"
// @Success 200 {object} models.OKResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /maint/set-log-level [post]
func (a *APIController) SetLogLevel(c *gin.Context) {
	var req models.LogLevelRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := a.server.SetLogLevel(req.Level); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{Status: "ok", Message: "log level is " + req.Level})
}

// @Summary 重新加载配置
// @Description 重新读取配置文件，日志级别立即生效
// @Tags Maint
// @Success 200 {object} models.OKResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /maint/reload-config [post]
func (a *APIController) ReloadConfig(c *gin.Context) {
	if err := a.server.ReloadConfig(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{Status: "ok", Message: "configuration reloaded"})
}

// @Summary 关闭服务器
// @Description 等待运行中的作业结束后退出
// @Tags Maint
// @Success 200 {object} models.OKResponse
// @Router /maint/shutdown-server [post]
func (a *APIController) Shutdown(c *gin.Context) {
	logger.Warnf("Server shutdown requested by '%s'", middleware.Actor(c).Admin)
	c.JSON(http.StatusOK, models.OKResponse{
		Status:  "ok",
		Message: fmt.Sprintf("shutting down, %d job(s) running", len(a.server.GetState().Jobs)),
	})
	a.server.RequestShutdown()
}
