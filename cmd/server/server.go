package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xolo/cmd/root"
	"xolo/controllers"
	"xolo/internal/config"
	"xolo/internal/env"
	"xolo/internal/jamf"
	"xolo/internal/logger"
	"xolo/internal/middleware"
	"xolo/internal/titleeditor"
	"xolo/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:         "server",
	Short:       "Run the xolo server",
	Long:        "Run the xolo server: the HTTP API, background operations and the maintenance scheduler",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{root.ServerConfigAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(config.Get())
	},
}

/**
 * Build the HTTP router
 * @param {*services.Server} srv - Server owning engines and streams
 * @returns {*gin.Engine} Router with public and token-protected routes
 * @description
 * - /healthz and /metrics need no token
 * - Everything else goes through AuthMiddleware
 */
func NewRouter(srv *services.Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.MetricsMiddleware())

	api := controllers.NewAPIController(srv)
	api.RegisterPublicRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", middleware.AuthMiddleware(services.NewAuthenticator(srv.Config().Auth)))
	api.RegisterRoutes(authed)
	controllers.NewTitleController(srv.Titles()).RegisterRoutes(authed)
	controllers.NewVersionController(srv.Versions(), srv.Packages()).RegisterRoutes(authed)
	controllers.NewProgressController(srv.Streams()).RegisterRoutes(authed)
	return r
}

/**
 * Run the server until a signal or an API shutdown request
 * @param {*config.AppConfig} cfg - Loaded server configuration
 * @returns {error} Startup errors, or the error of stopping the server
 * @description
 * - New requests stop first, then running operations get shutdown_timeout to finish
 */
func runServer(cfg *config.AppConfig) error {
	gin.SetMode(cfg.Server.Mode)

	patch := titleeditor.NewClient(cfg.TitleEditor)
	defer patch.Close()
	devices := jamf.NewClient(cfg.Jamf)
	defer devices.Close()

	srv, err := services.NewServer(cfg, patch, devices)
	if err != nil {
		return err
	}
	ln, err := CreateListener(ParseListenAddr(cfg.Server.Address))
	if err != nil {
		srv.Stop(context.Background())
		return err
	}

	httpServer := &http.Server{
		Handler:           NewRouter(srv),
		ReadHeaderTimeout: 30 * time.Second,
	}
	srv.Start()
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	logger.Infof("xolo server %s listening on %s", env.Version, ln.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	case <-srv.ShutdownRequested():
		logger.Info("Shutdown requested through the API")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server failed: %v", err)
			srv.Stop(context.Background())
			return err
		}
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warnf("HTTP server shutdown: %v", err)
	}
	return srv.Stop(ctx)
}

func init() {
	root.RootCmd.AddCommand(serverCmd)
	serverCmd.Example = `  xolo server --config /etc/xolo/xolo-server.yaml`
}
