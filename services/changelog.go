package services

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"xolo/internal/logger"
	"xolo/internal/models"
)

/**
 * Append-only change history, one JSON-lines file per title
 * @description
 * - Writers append under the mutation's Lock Manager lease
 * - A per-title mutex keeps a reader from seeing a partially written line
 */
type ChangeLog struct {
	dir   string
	mu    sync.Mutex
	files map[string]*sync.Mutex
}

func NewChangeLog(dir string) (*ChangeLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ErrFatal.Wrap(err)
	}
	return &ChangeLog{dir: dir, files: make(map[string]*sync.Mutex)}, nil
}

func (cl *ChangeLog) path(title string) string {
	return filepath.Join(cl.dir, title+".jsonl")
}

func (cl *ChangeLog) titleLock(title string) *sync.Mutex {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	m, ok := cl.files[title]
	if !ok {
		m = &sync.Mutex{}
		cl.files[title] = m
	}
	return m
}

/**
 * Append entries to a title's history
 * @param {string} title - Title identifier
 * @param {...models.ChangeLogEntry} entries - Entries written in order, one line each
 * @returns {error} ErrFatal when the file can't be written
 */
func (cl *ChangeLog) Append(title string, entries ...models.ChangeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	m := cl.titleLock(title)
	m.Lock()
	defer m.Unlock()

	f, err := os.OpenFile(cl.path(title), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return ErrFatal.Wrap(err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(&e); err != nil {
			return ErrFatal.Wrap(err)
		}
	}
	if err := w.Flush(); err != nil {
		return ErrFatal.Wrap(err)
	}
	return ErrFatal.Wrap(f.Sync())
}

/**
 * Read a title's history, oldest first
 * @returns {[]models.ChangeLogEntry} Entries, empty when the title has no history
 */
func (cl *ChangeLog) Entries(title string) ([]models.ChangeLogEntry, error) {
	m := cl.titleLock(title)
	m.Lock()
	defer m.Unlock()

	f, err := os.Open(cl.path(title))
	if err != nil {
		if os.IsNotExist(err) {
			return []models.ChangeLogEntry{}, nil
		}
		return nil, ErrFatal.Wrap(err)
	}
	defer f.Close()

	result := []models.ChangeLogEntry{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e models.ChangeLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			logger.Warnf("Skip bad change log line of '%s': %v", title, err)
			continue
		}
		result = append(result, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, ErrFatal.Wrap(err)
	}
	return result, nil
}

// Delete removes a title's history file.
func (cl *ChangeLog) Delete(title string) error {
	m := cl.titleLock(title)
	m.Lock()
	err := os.Remove(cl.path(title))
	m.Unlock()

	cl.mu.Lock()
	delete(cl.files, title)
	cl.mu.Unlock()

	if err != nil && !os.IsNotExist(err) {
		return ErrFatal.Wrap(err)
	}
	return nil
}
