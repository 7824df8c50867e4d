package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"xolo/internal/config"
	"xolo/internal/env"
	"xolo/internal/logger"
	"xolo/internal/models"
)

type Server struct {
	cfg       *config.AppConfig
	store     *Store
	locks     *LockManager
	changeLog *ChangeLog
	streams   *StreamManager
	jobs      *JobRunner
	titles    *TitleEngine
	versions  *VersionEngine
	scheduler *Scheduler
	maint     *Maintenance
	startTime time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	schedDone    chan struct{}
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

/**
 * Create new server instance with all managers
 * @param {config.AppConfig} cfg - Application configuration
 * @param {PatchSource} patch - Patch-metadata service client
 * @param {DeviceManager} devices - Device-management service client
 * @returns {Server} Returns new server instance
 * @description
 * - Opens the object store, which refuses a data directory used by another server
 * - Wires the lock manager, change log, progress streams and job runner into both engines
 * - Registers the maintenance tasks, Start runs them
 * @throws
 * - ErrConflict when the data directory is in use
 * - ErrValidation for unparsable maintenance schedules
 */
func NewServer(cfg *config.AppConfig, patch PatchSource, devices DeviceManager) (*Server, error) {
	store, err := OpenStore(cfg.Data.Dir)
	if err != nil {
		return nil, err
	}
	changeLog, err := NewChangeLog(filepath.Join(cfg.Data.Dir, "changelogs"))
	if err != nil {
		store.Close()
		return nil, err
	}
	streams, err := NewStreamManager(cfg.Streams)
	if err != nil {
		store.Close()
		return nil, err
	}
	alerts := NewAlerter(cfg.Alerts)
	packages := NewPackageHandler(cfg.Packages, devices)

	deps := EngineDeps{
		Store:         store,
		Locks:         NewLockManager(),
		ChangeLog:     changeLog,
		Jobs:          NewJobRunner(streams, alerts),
		Patch:         patch,
		Devices:       devices,
		Packages:      packages,
		ReuploadDelay: cfg.Packages.ReuploadDelay,
	}
	versions := NewVersionEngine(deps)
	titles := NewTitleEngine(deps, versions)

	s := &Server{
		cfg:       cfg,
		store:     store,
		locks:     deps.Locks,
		changeLog: changeLog,
		streams:   streams,
		jobs:      deps.Jobs,
		titles:    titles,
		versions:  versions,
		scheduler: NewScheduler(alerts),
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}
	// 维护任务跟随服务器生命周期，不跟随请求
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.maint = &Maintenance{
		Titles:       titles,
		Streams:      streams,
		Packages:     packages,
		Logs:         NewLogService(cfg.Log),
		Locks:        deps.Locks,
		StaleLockAge: cfg.Maintenance.StaleLockAge,
	}
	if err := s.maint.Register(s.scheduler, cfg.Maintenance); err != nil {
		s.cancel()
		store.Close()
		return nil, err
	}
	titleCount, versionCount := store.Counts()
	logger.Infof("Loaded %d title(s) and %d version(s) from %s", titleCount, versionCount, cfg.Data.Dir)
	return s, nil
}

func (s *Server) Titles() *TitleEngine        { return s.titles }
func (s *Server) Versions() *VersionEngine    { return s.versions }
func (s *Server) Streams() *StreamManager     { return s.streams }
func (s *Server) Scheduler() *Scheduler       { return s.scheduler }
func (s *Server) Maintenance() *Maintenance   { return s.maint }
func (s *Server) Packages() *PackageHandler   { return s.maint.Packages }
func (s *Server) Config() *config.AppConfig   { return s.cfg }

// ShutdownRequested is closed by RequestShutdown.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

/**
 * Start the maintenance scheduler
 * @description
 * - The scheduler stops when Stop is called
 */
func (s *Server) Start() {
	s.schedDone = make(chan struct{})
	go func() {
		defer close(s.schedDone)
		if err := s.scheduler.Run(s.ctx); err != nil {
			logger.Errorf("Maintenance scheduler stopped: %v", err)
		}
	}()
}

/**
 * Run a maintenance task on demand
 * @description
 * - Runs under the server's context, a client going away doesn't abort the task
 */
func (s *Server) RunTask(name string) (string, error) {
	return s.scheduler.RunNow(s.ctx, name)
}

// RequestShutdown asks the process owning the server to stop it.
func (s *Server) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Info("Shutdown requested")
		close(s.shutdown)
	})
}

/**
 * Stop the server gracefully
 * @param {context.Context} ctx - Bounds the wait for running jobs
 * @returns {error} ctx.Err() when jobs were still running at the deadline
 * @description
 * - Stops the scheduler and pending policy re-enables
 * - Waits for running jobs, then releases the data directory
 * - Streams of jobs still running at the deadline are ended with an error
 */
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.schedDone != nil {
		<-s.schedDone
	}
	s.versions.Stop()
	err := s.jobs.Wait(ctx)
	if err != nil {
		logger.Warnf("%d job(s) still running at shutdown", s.jobs.Count())
		// 客户端还在跟踪这些流，先结束它们
		s.streams.CloseActive(errors.New(ShutdownMessage))
	}
	if cerr := s.store.Close(); cerr != nil {
		logger.Errorf("Close store: %v", cerr)
	}
	logger.Sync()
	return err
}

// SetLogLevel changes the level of the running logger.
func (s *Server) SetLogLevel(level string) error {
	if err := logger.SetLevel(level); err != nil {
		return ErrValidation.Wrap(err)
	}
	logger.Warnf("Log level set to %s", logger.Level())
	return nil
}

/**
 * Re-read the configuration file
 * @description
 * - Only the log level takes effect immediately, other settings apply at the next start
 */
func (s *Server) ReloadConfig() error {
	if err := config.Reload(); err != nil {
		return ErrValidation.New("reloading configuration: %v", err)
	}
	return s.SetLogLevel(config.Get().Log.Level)
}

func (s *Server) GetState() models.ServerState {
	titles, versions := s.store.Counts()
	state := models.ServerState{
		StartTime:      s.startTime,
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		Titles:         titles,
		Versions:       versions,
		Streams:        s.streams.Count(),
		Locks:          s.locks.Held(s.cfg.Maintenance.StaleLockAge),
		Jobs:           s.jobs.Running(),
		Tasks:          s.scheduler.State(),
		PendingEnables: s.versions.PendingEnables(),
	}

	//	环境设置
	state.Env.Version = env.Version
	state.Env.XoloDir = env.XoloDir
	state.Env.DataDir = s.store.Dir()
	state.Env.LogLevel = logger.Level()
	state.Env.LogFile = logger.Path()
	return state
}

/**
* Get health check response for the server
* @returns {models.HealthResponse} Returns health check response with server status and metrics
* @description
* - Calculates server uptime from start time
* - Reports request counters, running jobs, held locks and the number of titles
 */
func (s *Server) GetHealthz() models.HealthResponse {
	uptime := time.Since(s.startTime)
	titles, _ := s.store.Counts()

	return models.HealthResponse{
		Version:   env.Version,
		StartTime: s.startTime.Format(time.RFC3339),
		Status:    "UP",
		Uptime:    uptime.Round(time.Second).String(),
		Metrics: models.Metrics{
			TotalRequests: GetTotalRequestCount(),
			ErrorRequests: GetTotalErrorCount(),
			ActiveJobs:    s.jobs.Count(),
			HeldLocks:     len(s.locks.Held(0)),
			Titles:        titles,
		},
	}
}
