package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"xolo/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	defaultLogger = zap.NewNop().Sugar()
	atomicLevel   = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	sink          *fileSink
	initLock      sync.Mutex
	initialized   bool
)

// GetLogLevelFromString 将字符串转换为日志级别
func GetLogLevelFromString(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel // 默认级别
	}
}

// fileSink 可重新打开的日志文件，日志轮转时使用
type fileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func openFileSink(path string) (*fileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &fileSink{path: path, file: f}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Write(p)
}

func (s *fileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// rotate 把当前日志文件改名为带时间戳的备份，再打开新文件
func (s *fileSink) rotate(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.path + "." + now.Format("20060102-150405")
	_ = s.file.Sync()
	if err := s.file.Close(); err != nil {
		return "", err
	}
	renameErr := os.Rename(s.path, backup)
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	s.file = f
	if renameErr != nil {
		return "", renameErr
	}
	return backup, nil
}

/**
 * Initialize logging
 * @param {*config.LogConfig} cfg - Level and file path
 * @param {bool} isServerMode - true tees log output to stdout as well
 * @description
 * - Falls back to stderr when the log file can't be opened
 * - Level can be changed later with SetLevel
 */
func InitLogger(cfg *config.LogConfig, isServerMode bool) {
	initLock.Lock()
	defer initLock.Unlock()

	atomicLevel.SetLevel(GetLogLevelFromString(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var writers []zapcore.WriteSyncer
	if cfg.Path != "" && cfg.Path != "console" {
		s, err := openFileSink(cfg.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file failed: %v\n", err)
			writers = append(writers, zapcore.Lock(os.Stderr))
		} else {
			if sink != nil {
				_ = sink.file.Close()
			}
			sink = s
			writers = append(writers, s)
		}
	}
	if isServerMode || len(writers) == 0 {
		writers = append(writers, zapcore.Lock(os.Stdout))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), atomicLevel)
	defaultLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	initialized = true
}

/**
 * Change log level at runtime
 * @param {string} level - debug, info, warn or error
 * @returns {error} Returns error for an unknown level name
 */
func SetLevel(level string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("unknown log level '%s'", level)
	}
	atomicLevel.SetLevel(lvl)
	return nil
}

// Level 返回当前日志级别
func Level() string {
	return atomicLevel.Level().String()
}

// Path 返回日志文件路径，未写文件时为空
func Path() string {
	initLock.Lock()
	defer initLock.Unlock()
	if sink == nil {
		return ""
	}
	return sink.path
}

/**
 * Rotate the log file
 * @returns {string} Path of the rotated backup file
 * @returns {error} Returns error when logging to console only or the rename fails
 */
func Rotate() (string, error) {
	initLock.Lock()
	s := sink
	initLock.Unlock()
	if s == nil {
		return "", fmt.Errorf("not logging to a file")
	}
	return s.rotate(time.Now())
}

// Sync 刷新缓冲的日志
func Sync() {
	_ = defaultLogger.Sync()
}

// Debug 输出调试日志
func Debug(v ...interface{}) {
	defaultLogger.Debug(v...)
}

// Debugf 输出格式化调试日志
func Debugf(format string, v ...interface{}) {
	defaultLogger.Debugf(format, v...)
}

// Info 输出信息日志
func Info(v ...interface{}) {
	defaultLogger.Info(v...)
}

// Infof 输出格式化信息日志
func Infof(format string, v ...interface{}) {
	defaultLogger.Infof(format, v...)
}

// Warn 输出警告日志
func Warn(v ...interface{}) {
	defaultLogger.Warn(v...)
}

// Warnf 输出格式化警告日志
func Warnf(format string, v ...interface{}) {
	defaultLogger.Warnf(format, v...)
}

// Error 输出错误日志
func Error(v ...interface{}) {
	defaultLogger.Error(v...)
}

// Errorf 输出格式化错误日志
func Errorf(format string, v ...interface{}) {
	defaultLogger.Errorf(format, v...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(v ...interface{}) {
	if !initialized {
		fmt.Fprintln(os.Stderr, append([]interface{}{"FATAL:"}, v...)...)
		os.Exit(1)
	}
	defaultLogger.Fatal(v...)
}

// Fatalf 输出格式化致命错误日志并退出程序
func Fatalf(format string, v ...interface{}) {
	Fatal(fmt.Sprintf(format, v...))
}
