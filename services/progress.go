package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"xolo/internal/config"
	"xolo/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	// StreamDoneLine terminates every progress stream.
	StreamDoneLine = "#xolo-stream-done#"
	// KeepaliveLine is sent to idle tail readers, it is never stored in the stream file.
	KeepaliveLine = "#keepalive#"
	// ErrorLinePrefix starts the final line(s) of a failed operation.
	ErrorLinePrefix = "ERROR: "

	streamFileExt = ".log"
	streamURLPath = "/streamed_progress"

	// InterruptedMessage ends streams left open by a previous server process.
	InterruptedMessage = "operation interrupted by server restart"
	// ShutdownMessage ends streams of jobs still running when shutdown gave up waiting.
	ShutdownMessage = "operation interrupted by server shutdown"
)

var streamIDPattern = regexp.MustCompile(`^[0-9]{8}-[0-9]{6}-[0-9a-f-]{36}$`)

// Reporter receives human readable progress lines.
type Reporter interface {
	Report(format string, args ...any)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(format string, args ...any)

func (f ReporterFunc) Report(format string, args ...any) { f(format, args...) }

// logReporter 维护任务没有流，进度写入日志
var logReporter = ReporterFunc(func(format string, args ...any) {
	logger.Infof(format, args...)
})

/**
 * File-backed progress streams
 * @description
 * - One append-only file per operation, named by stream id
 * - Any number of readers can tail a stream, before or after it finished
 * - Files are kept for a number of days so a disconnected client can reattach
 */
type StreamManager struct {
	dir          string
	retention    time.Duration
	keepalive    time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	active map[string]*Stream
}

func NewStreamManager(cfg config.StreamConfig) (*StreamManager, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, ErrFatal.Wrap(err)
	}
	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}
	sm := &StreamManager{
		dir:          cfg.Dir,
		retention:    time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		keepalive:    keepalive,
		pollInterval: time.Second,
		active:       make(map[string]*Stream),
	}
	if n, err := sm.endInterrupted(); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Warnf("Ended %d progress stream(s) interrupted by a restart", n)
	}
	return sm, nil
}

/**
 * Terminate streams a previous process never closed
 * @returns {int} Number of streams ended
 * @description
 * - Runs before any stream of this process is started, so every unterminated file is orphaned
 */
func (sm *StreamManager) endInterrupted() (int, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		return 0, ErrFatal.Wrap(err)
	}
	ended := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), streamFileExt) {
			continue
		}
		path := filepath.Join(sm.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warnf("Read progress stream %s: %v", e.Name(), err)
			continue
		}
		text := strings.TrimRight(string(data), "\n")
		if text == StreamDoneLine || strings.HasSuffix(text, "\n"+StreamDoneLine) {
			continue
		}
		var b strings.Builder
		// 半行补齐换行
		if len(data) > 0 && data[len(data)-1] != '\n' {
			b.WriteByte('\n')
		}
		b.WriteString(ErrorLinePrefix + InterruptedMessage + "\n")
		b.WriteString(StreamDoneLine + "\n")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.Warnf("Open progress stream %s: %v", e.Name(), err)
			continue
		}
		_, werr := f.WriteString(b.String())
		cerr := f.Close()
		if werr != nil || cerr != nil {
			logger.Warnf("End progress stream %s: %v", e.Name(), errors.Join(werr, cerr))
			continue
		}
		ended++
	}
	return ended, nil
}

/**
 * Close every stream still being written
 * @param {error} reason - Written as the ERROR line of each stream
 * @returns {int} Number of streams closed
 */
func (sm *StreamManager) CloseActive(reason error) int {
	sm.mu.Lock()
	streams := make([]*Stream, 0, len(sm.active))
	for _, s := range sm.active {
		streams = append(streams, s)
	}
	sm.mu.Unlock()
	for _, s := range streams {
		if err := s.Close(reason); err != nil {
			logger.Warnf("Close progress stream %s: %v", s.ID, err)
		}
	}
	return len(streams)
}

// Stream is the writing end of one progress stream.
type Stream struct {
	ID     string
	sm     *StreamManager
	mu     sync.Mutex
	f      *os.File
	closed bool
}

/**
 * Start a new stream
 * @returns {*Stream} Open stream, the caller must Close it
 */
func (sm *StreamManager) Start() (*Stream, error) {
	id := time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()
	f, err := os.OpenFile(sm.path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, ErrFatal.Wrap(err)
	}
	s := &Stream{ID: id, sm: sm, f: f}
	sm.mu.Lock()
	sm.active[id] = s
	sm.mu.Unlock()
	return s, nil
}

func (sm *StreamManager) path(id string) string {
	return filepath.Join(sm.dir, id+streamFileExt)
}

// URLPath is the API path a client tails to follow the stream.
func (s *Stream) URLPath() string {
	return StreamURLPath(s.ID)
}

func StreamURLPath(id string) string {
	return streamURLPath + "?stream_file=" + id
}

/**
 * Append a progress line
 * @description
 * - Multi-line messages are written as separate lines
 * - Writes after Close are dropped
 */
func (s *Stream) Report(format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.writeLocked(msg, "")
}

func (s *Stream) writeLocked(msg, prefix string) {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if _, err := s.f.WriteString(b.String()); err != nil {
		logger.Errorf("Write progress stream %s: %v", s.ID, err)
	}
}

/**
 * Terminate the stream
 * @param {error} opErr - Operation result, written as ERROR lines when not nil
 * @description
 * - The sentinel line is always written last
 */
func (s *Stream) Close(opErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if opErr != nil {
		s.writeLocked(opErr.Error(), ErrorLinePrefix)
	}
	s.writeLocked(StreamDoneLine, "")
	err := s.f.Close()

	s.sm.mu.Lock()
	delete(s.sm.active, s.ID)
	s.sm.mu.Unlock()
	return err
}

/**
 * Resolve a stream id to its file
 * @throws
 * - ErrValidation for a malformed id
 * - ErrNotFound when the stream doesn't exist or was cleaned up
 */
func (sm *StreamManager) Path(id string) (string, error) {
	if !streamIDPattern.MatchString(id) {
		return "", ErrValidation.New("invalid stream_file '%s'", id)
	}
	p := sm.path(id)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound.New("no progress stream '%s'", id)
		}
		return "", ErrFatal.Wrap(err)
	}
	return p, nil
}

/**
 * Follow a stream until its sentinel
 * @param {context.Context} ctx - Cancelled when the reader goes away
 * @param {string} id - Stream id
 * @param {func(string) error} emit - Called for every line, the sentinel included
 * @returns {error} nil after the sentinel, ctx.Err() on cancellation, or emit's error
 * @description
 * - New lines are picked up through fsnotify, with polling as a fallback
 * - KeepaliveLine is emitted when nothing was sent for the keepalive interval
 */
func (sm *StreamManager) Tail(ctx context.Context, id string, emit func(line string) error) error {
	path, err := sm.Path(id)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return ErrFatal.Wrap(err)
	}
	defer f.Close()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(path); err == nil {
			events, watchErrs = w.Events, w.Errors
		} else {
			logger.Debugf("Watch progress stream %s: %v", id, err)
		}
	}

	poll := time.NewTicker(sm.pollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(sm.keepalive)
	defer keepalive.Stop()

	reader := bufio.NewReader(f)
	var partial []byte
	lastSent := time.Now()
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if err == nil {
			line := strings.TrimRight(string(partial), "\r\n")
			partial = partial[:0]
			if err := emit(line); err != nil {
				return err
			}
			lastSent = time.Now()
			if line == StreamDoneLine {
				return nil
			}
			continue
		}
		if err != io.EOF {
			return ErrFatal.Wrap(err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
		case werr := <-watchErrs:
			logger.Debugf("Watch progress stream %s: %v", id, werr)
		case <-poll.C:
		case <-keepalive.C:
			if time.Since(lastSent) >= sm.keepalive {
				if err := emit(KeepaliveLine); err != nil {
					return err
				}
				lastSent = time.Now()
			}
		}
	}
}

/**
 * Read a whole finished or unfinished stream without waiting
 * @returns {[]string} Lines written so far
 */
func (sm *StreamManager) Lines(id string) ([]string, error) {
	path, err := sm.Path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrFatal.Wrap(err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

/**
 * Remove stream files older than the retention window
 * @param {time.Time} now - Reference time
 * @returns {int} Number of files removed
 * @description
 * - Streams still being written are never removed
 */
func (sm *StreamManager) Cleanup(now time.Time) (int, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		return 0, ErrFatal.Wrap(err)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, streamFileExt) {
			continue
		}
		id := strings.TrimSuffix(name, streamFileExt)
		sm.mu.Lock()
		_, active := sm.active[id]
		sm.mu.Unlock()
		if active {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= sm.retention {
			continue
		}
		if err := os.Remove(filepath.Join(sm.dir, name)); err != nil {
			logger.Warnf("Remove progress stream %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Count returns the number of stream files on disk.
func (sm *StreamManager) Count() int {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), streamFileExt) {
			n++
		}
	}
	return n
}
