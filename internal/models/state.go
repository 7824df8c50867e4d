package models

import (
	"time"
)

type EnvConfig struct {
	Version  string `json:"version"`
	XoloDir  string `json:"xolo_dir"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

// LockState 当前持有的锁
type LockState struct {
	Key       string    `json:"key"`
	Mode      string    `json:"mode"`
	Admin     string    `json:"admin"`
	Operation string    `json:"operation"`
	Since     time.Time `json:"since"`
	Stale     bool      `json:"stale"`
}

// JobState 后台运行中的操作
type JobState struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Admin     string    `json:"admin"`
	Started   time.Time `json:"started"`
	StreamURL string    `json:"progress_stream_url_path"`
}

// TaskState 维护任务的调度状态
type TaskState struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	NextRun  time.Time `json:"next_run"`
}

type ServerState struct {
	StartTime      time.Time   `json:"start_time"`
	Uptime         string      `json:"uptime"`
	Titles         int         `json:"titles"`
	Versions       int         `json:"versions"`
	Streams        int         `json:"streams"`
	Locks          []LockState `json:"locks"`
	Jobs           []JobState  `json:"jobs"`
	Tasks          []TaskState `json:"tasks"`
	PendingEnables []string    `json:"pending_policy_enables"`
	Env            EnvConfig   `json:"env"`
}

// CleanupResult 清理任务的结果
type CleanupResult struct {
	StreamsRemoved int `json:"streams_removed"`
	StagingRemoved int `json:"staging_removed"`
	LogsRemoved    int `json:"logs_removed"`
}

type LogLevelRequest struct {
	Level string `json:"level" binding:"required"`
}
