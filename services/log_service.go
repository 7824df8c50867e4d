package services

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"xolo/internal/config"
	"xolo/internal/logger"
)

type LogService struct {
	maxBackups int
	path       func() string
	rotate     func() (string, error)
}

/**
 * Create new log service instance
 * @param {config.LogConfig} cfg - Logging configuration with the number of backups to keep
 * @returns {LogService} Returns new log service instance
 * @description
 * - Works on the file the logger package writes to
 * - Used by the rotate_logs maintenance task and /maint/rotate-logs
 */
func NewLogService(cfg config.LogConfig) *LogService {
	return &LogService{
		maxBackups: cfg.MaxBackups,
		path:       logger.Path,
		rotate:     logger.Rotate,
	}
}

/**
 * Rotate the server log and prune old backups
 * @returns {string} Path of the new backup file
 * @returns {int} Number of old backups removed
 * @description
 * - The current file is renamed with a timestamp suffix and a new file is opened
 * - Backups beyond max_backups are deleted, oldest first
 * @throws
 * - ErrFatal when the server logs to console only, or the rename fails
 */
func (ls *LogService) Rotate() (string, int, error) {
	backup, err := ls.rotate()
	if err != nil {
		return "", 0, ErrFatal.New("rotating log: %v", err)
	}
	removed, err := ls.Prune()
	if err != nil {
		return backup, removed, err
	}
	logger.Infof("Log rotated to %s, %d old backup(s) removed", backup, removed)
	return backup, removed, nil
}

/**
 * Delete the oldest rotated log files beyond max_backups
 * @returns {int} Number of files removed
 * @description
 * - Backups are named <log>.<YYYYMMDD-HHMMSS>, so sorting by name sorts by age
 * - max_backups <= 0 keeps every backup
 */
func (ls *LogService) Prune() (int, error) {
	path := ls.path()
	if path == "" || ls.maxBackups <= 0 {
		return 0, nil
	}
	dir, base := filepath.Dir(path), filepath.Base(path)
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, ErrFatal.Wrap(err)
	}

	var backups []string
	for _, f := range files {
		if f.IsDir() || !strings.HasPrefix(f.Name(), base+".") {
			continue
		}
		backups = append(backups, f.Name())
	}
	if len(backups) <= ls.maxBackups {
		return 0, nil
	}
	sort.Strings(backups)

	removed := 0
	for _, name := range backups[:len(backups)-ls.maxBackups] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			logger.Warnf("Remove old log %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed, nil
}
