package env

import (
	"os"
	"path/filepath"
)

// Version is overwritten at build time with -ldflags "-X xolo/internal/env.Version=..."
var Version string = "dev"

// (default: $HOME/.xolo)
var XoloDir string = GetXoloDir()

/**
 * Get xolo directory path
 * @returns {string} Returns xolo directory path
 */
func GetXoloDir() string {
	if dir := os.Getenv("XOLO_HOME"); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".xolo")
}

/**
 * Get local host name, used to attribute change log entries
 * @returns {string} Returns host name or "localhost" when unknown
 */
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}
