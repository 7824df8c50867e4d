package config

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"xolo/internal/env"

	"github.com/spf13/viper"
)

/**
 * Server configuration parameters
 * @property {string} address - Server listening address (e.g. ":8443")
 * @property {string} mode - Application mode (debug/release/test)
 * @property {duration} shutdown_timeout - Time allowed for in-flight jobs at shutdown
 */
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

/**
 * Logging configuration
 * @property {string} level - Log level (debug/info/warn/error)
 * @property {string} path - Log file path
 * @property {int} max_backups - Number of rotated log files kept
 */
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Path       string `mapstructure:"path"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

/**
 * Admin token settings
 * @property {string} jwt_secret - HS256 signing secret
 * @property {duration} token_ttl - Lifetime of minted tokens
 * @property {[]string} admins - Admin names allowed to use the API, empty allows any
 */
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Admins    []string      `mapstructure:"admins"`
}

/**
 * Connection settings of a remote catalog service
 * @property {string} url - Base URL of the service API
 * @property {float64} rate_limit - Max requests per second, 0 disables limiting
 * @property {string} ui_url - Base URL of the web UI, used in approval links
 */
type RemoteConfig struct {
	URL       string        `mapstructure:"url"`
	User      string        `mapstructure:"user"`
	Password  string        `mapstructure:"password"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UIURL     string        `mapstructure:"ui_url"`
}

type PackageConfig struct {
	StagingDir        string        `mapstructure:"staging_dir"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	SigningIdentity   string        `mapstructure:"signing_identity"`
	SigningKeychain   string        `mapstructure:"signing_keychain"`
	UploadTool        string        `mapstructure:"upload_tool"`
	ReuploadDelay     time.Duration `mapstructure:"reupload_delay"`
}

type StreamConfig struct {
	Dir           string        `mapstructure:"dir"`
	RetentionDays int           `mapstructure:"retention_days"`
	Keepalive     time.Duration `mapstructure:"keepalive"`
}

/**
 * Cron schedules of the maintenance tasks, an empty schedule disables the task
 */
type MaintenanceConfig struct {
	Expiration   string        `mapstructure:"expiration"`
	Cleanup      string        `mapstructure:"cleanup"`
	RotateLogs   string        `mapstructure:"rotate_logs"`
	StaleLocks   string        `mapstructure:"stale_locks"`
	StaleLockAge time.Duration `mapstructure:"stale_lock_age"`
}

type AlertConfig struct {
	SMTPAddr string   `mapstructure:"smtp_addr"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type AppConfig struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Data        DataConfig        `mapstructure:"data"`
	Auth        AuthConfig        `mapstructure:"auth"`
	TitleEditor RemoteConfig      `mapstructure:"title_editor"`
	Jamf        RemoteConfig      `mapstructure:"jamf"`
	Packages    PackageConfig     `mapstructure:"packages"`
	Streams     StreamConfig      `mapstructure:"streams"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Alerts      AlertConfig       `mapstructure:"alerts"`
}

var (
	cfgLock    sync.RWMutex
	current    *AppConfig
	configFile string
)

/**
 * Use an explicit configuration file instead of searching the default paths
 * @param {string} path - Path of a YAML configuration file
 */
func SetConfigFile(path string) {
	cfgLock.Lock()
	configFile = path
	cfgLock.Unlock()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8443")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("data.dir", filepath.Join(env.XoloDir, "data"))
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("title_editor.rate_limit", 10)
	v.SetDefault("title_editor.timeout", "60s")
	v.SetDefault("jamf.rate_limit", 10)
	v.SetDefault("jamf.timeout", "60s")
	v.SetDefault("packages.allowed_extensions", []string{".pkg", ".zip"})
	v.SetDefault("packages.reupload_delay", "15m")
	v.SetDefault("streams.retention_days", 7)
	v.SetDefault("streams.keepalive", "10s")
	v.SetDefault("maintenance.expiration", "0 3 * * *")
	v.SetDefault("maintenance.cleanup", "30 2 * * *")
	v.SetDefault("maintenance.rotate_logs", "0 0 * * *")
	v.SetDefault("maintenance.stale_locks", "*/15 * * * *")
	v.SetDefault("maintenance.stale_lock_age", "12h")
}

/**
 * Load application configuration from YAML file
 * @param {string} path - Explicit config file, empty searches ".", $HOME/.xolo and /etc/xolo
 * @returns {*AppConfig} Loaded configuration with defaults filled in
 * @description
 * - A missing config file is not an error, defaults are used
 * - Environment variables XOLO_<SECTION>_<KEY> override file values
 */
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("xolo")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("xolo-server")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(env.XoloDir)
		v.AddConfigPath("/etc/xolo")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return collectConfig(&cfg), nil
}

// collectConfig 补齐依赖数据目录的默认路径
func collectConfig(cfg *AppConfig) *AppConfig {
	if cfg.Log.Path == "" {
		cfg.Log.Path = filepath.Join(cfg.Data.Dir, "logs", "xolo-server.log")
	}
	if cfg.Packages.StagingDir == "" {
		cfg.Packages.StagingDir = filepath.Join(cfg.Data.Dir, "staging")
	}
	if cfg.Streams.Dir == "" {
		cfg.Streams.Dir = filepath.Join(cfg.Data.Dir, "progress")
	}
	if cfg.Streams.Keepalive <= 0 {
		cfg.Streams.Keepalive = 10 * time.Second
	}
	if cfg.Jamf.UIURL == "" {
		cfg.Jamf.UIURL = cfg.Jamf.URL
	}
	return cfg
}

/**
 * Load configuration and make it the current one
 * @param {string} path - Explicit config file or empty
 * @returns {error} Returns error when the file exists but can't be parsed
 */
func Load(path string) error {
	SetConfigFile(path)
	return Reload()
}

/**
 * Re-read the configuration file last given to Load
 * @returns {error} Returns error when reading fails, the previous configuration stays current
 */
func Reload() error {
	cfgLock.RLock()
	path := configFile
	cfgLock.RUnlock()

	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	cfgLock.Lock()
	current = cfg
	cfgLock.Unlock()
	return nil
}

/**
 * Get current configuration, loading defaults on first use
 * @returns {*AppConfig} Current configuration, never nil
 */
func Get() *AppConfig {
	cfgLock.RLock()
	cfg := current
	cfgLock.RUnlock()
	if cfg != nil {
		return cfg
	}
	if err := Reload(); err != nil {
		cfgLock.Lock()
		if current == nil {
			current = defaultConfig()
		}
		cfgLock.Unlock()
	}
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return current
}

// defaultConfig 配置文件无法解析时使用的纯默认配置
func defaultConfig() *AppConfig {
	v := viper.New()
	setDefaults(v)
	var cfg AppConfig
	_ = v.Unmarshal(&cfg)
	return collectConfig(&cfg)
}
