package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"xolo/internal/logger"
	"xolo/internal/models"

	"github.com/danjacques/gofslock/fslock"
)

const (
	titleFileName = "title.json"
	versionsDir   = "versions"
	dataLockName  = ".xolo-server.lock"
)

/**
 * Durable Title/Version records with an in-memory cache
 * @description
 * - The cache is authoritative while the server runs, disk is read only at open
 * - Every record write goes to a temp file which is renamed over the old one
 * - Readers only take the cache lock for the duration of a map lookup
 * - Commits are serialized, callers must also hold the matching Lock Manager lease
 */
type Store struct {
	dir      string
	commitMu sync.Mutex
	mu       sync.RWMutex
	titles   map[string]*models.Title
	versions map[string]map[string]*models.Version
	guard    fslock.Handle
}

/**
 * Open the store in a data directory
 * @param {string} dir - Data directory, created when missing
 * @returns {*Store} Store with its cache loaded from disk
 * @throws
 * - ErrConflict when another server process holds the data directory
 */
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "titles"), 0755); err != nil {
		return nil, ErrFatal.Wrap(err)
	}
	guard, err := fslock.Lock(filepath.Join(dir, dataLockName))
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			return nil, ErrConflict.New("data directory %s is in use by another xolo server", dir)
		}
		return nil, ErrFatal.Wrap(err)
	}
	s := &Store{
		dir:      dir,
		titles:   make(map[string]*models.Title),
		versions: make(map[string]map[string]*models.Version),
		guard:    guard,
	}
	if err := s.load(); err != nil {
		_ = guard.Unlock()
		return nil, err
	}
	return s, nil
}

// Close releases the data directory.
func (s *Store) Close() error {
	if s.guard == nil {
		return nil
	}
	err := s.guard.Unlock()
	s.guard = nil
	return err
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) titleDir(title string) string {
	return filepath.Join(s.dir, "titles", title)
}

func (s *Store) titlePath(title string) string {
	return filepath.Join(s.titleDir(title), titleFileName)
}

func (s *Store) versionPath(title, version string) string {
	return filepath.Join(s.titleDir(title), versionsDir, version+".json")
}

// load 启动时从磁盘重建缓存，损坏的记录跳过并记日志
func (s *Store) load() error {
	entries, err := os.ReadDir(filepath.Join(s.dir, "titles"))
	if err != nil {
		return ErrFatal.Wrap(err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var t models.Title
		if err := readRecord(s.titlePath(e.Name()), &t); err != nil {
			logger.Errorf("Skip title directory '%s': %v", e.Name(), err)
			continue
		}
		s.titles[t.Title] = &t
		s.versions[t.Title] = make(map[string]*models.Version)

		vdir := filepath.Join(s.titleDir(t.Title), versionsDir)
		vfiles, err := os.ReadDir(vdir)
		if err != nil && !os.IsNotExist(err) {
			return ErrFatal.Wrap(err)
		}
		for _, vf := range vfiles {
			name := vf.Name()
			if strings.HasPrefix(name, ".tmp-") {
				_ = os.Remove(filepath.Join(vdir, name))
				continue
			}
			if vf.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			var v models.Version
			if err := readRecord(filepath.Join(vdir, name), &v); err != nil {
				logger.Errorf("Skip version record '%s/%s': %v", t.Title, name, err)
				continue
			}
			s.versions[t.Title][v.Version] = &v
		}
	}
	logger.Infof("Loaded %d titles from %s", len(s.titles), s.dir)
	return nil
}

func readRecord(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

/**
 * Write a record atomically
 * @param {string} path - Final path of the record
 * @param {any} v - Record marshaled as indented JSON
 * @description
 * - Data goes to a temp file in the same directory, is synced, then renamed
 * - A crash leaves either the old or the new record, never a partial one
 */
func writeRecord(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

/**
 * Load a title
 * @param {string} title - Title identifier
 * @returns {*models.Title} A copy of the cached record
 * @throws
 * - ErrNotFound when no such title exists
 */
func (s *Store) Title(title string) (*models.Title, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.titles[title]
	if !ok {
		return nil, ErrNotFound.New("no title '%s'", title)
	}
	return t.Clone(), nil
}

// Titles returns copies of all titles sorted by identifier.
func (s *Store) Titles() []*models.Title {
	s.mu.RLock()
	result := make([]*models.Title, 0, len(s.titles))
	for _, t := range s.titles {
		result = append(result, t.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Title < result[j].Title })
	return result
}

func (s *Store) TitleExists(title string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.titles[title]
	return ok
}

/**
 * Load a version
 * @throws
 * - ErrNotFound when the title or the version doesn't exist
 */
func (s *Store) Version(title, version string) (*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.titles[title]; !ok {
		return nil, ErrNotFound.New("no title '%s'", title)
	}
	v, ok := s.versions[title][version]
	if !ok {
		return nil, ErrNotFound.New("no version '%s' of title '%s'", version, title)
	}
	return v.Clone(), nil
}

/**
 * List versions of a title, newest first
 * @returns {[]*models.Version} Copies ordered by the title's version_order
 */
func (s *Store) Versions(title string) ([]*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.titles[title]
	if !ok {
		return nil, ErrNotFound.New("no title '%s'", title)
	}
	result := make([]*models.Version, 0, len(s.versions[title]))
	seen := make(map[string]bool)
	for _, name := range t.VersionOrder {
		if v, ok := s.versions[title][name]; ok {
			result = append(result, v.Clone())
			seen[name] = true
		}
	}
	for name, v := range s.versions[title] {
		if !seen[name] {
			result = append(result, v.Clone())
		}
	}
	return result, nil
}

// Counts returns the number of cached titles and versions.
func (s *Store) Counts() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, vs := range s.versions {
		n += len(vs)
	}
	return len(s.titles), n
}

type txnOp struct {
	title   *models.Title
	version *models.Version
	// key of a deleted record
	delTitle   string
	delVersion [2]string
}

/**
 * Staged changes of one Update call
 * @description
 * - Reads see the cache plus the changes staged so far in this transaction
 * - Nothing is visible to other readers until the commit swaps the cache
 */
type Txn struct {
	s   *Store
	ops []txnOp
	// staged state, nil value marks a deletion
	titles   map[string]*models.Title
	versions map[[2]string]*models.Version
}

func (tx *Txn) Title(title string) (*models.Title, error) {
	if t, ok := tx.titles[title]; ok {
		if t == nil {
			return nil, ErrNotFound.New("no title '%s'", title)
		}
		return t.Clone(), nil
	}
	return tx.s.Title(title)
}

func (tx *Txn) Version(title, version string) (*models.Version, error) {
	if v, ok := tx.versions[[2]string{title, version}]; ok {
		if v == nil {
			return nil, ErrNotFound.New("no version '%s' of title '%s'", version, title)
		}
		return v.Clone(), nil
	}
	if t, ok := tx.titles[title]; ok && t == nil {
		return nil, ErrNotFound.New("no title '%s'", title)
	}
	return tx.s.Version(title, version)
}

func (tx *Txn) PutTitle(t *models.Title) {
	c := t.Clone()
	tx.titles[c.Title] = c
	tx.ops = append(tx.ops, txnOp{title: c})
}

func (tx *Txn) PutVersion(v *models.Version) {
	c := v.Clone()
	tx.versions[[2]string{c.Title, c.Version}] = c
	tx.ops = append(tx.ops, txnOp{version: c})
}

// DeleteTitle removes the title record and every version record under it.
func (tx *Txn) DeleteTitle(title string) {
	tx.titles[title] = nil
	tx.ops = append(tx.ops, txnOp{delTitle: title})
}

func (tx *Txn) DeleteVersion(title, version string) {
	tx.versions[[2]string{title, version}] = nil
	tx.ops = append(tx.ops, txnOp{delVersion: [2]string{title, version}})
}

/**
 * Apply several record changes as one commit
 * @param {func(*Txn) error} fn - Stages changes, returning an error discards them
 * @returns {error} fn's error, or ErrFatal when writing to disk fails
 * @description
 * - Records are written to disk first, then the cache is swapped under a short lock
 * - Readers observe either none or all of the changes
 */
func (s *Store) Update(fn func(tx *Txn) error) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	tx := &Txn{
		s:        s,
		titles:   make(map[string]*models.Title),
		versions: make(map[[2]string]*models.Version),
	}
	if err := fn(tx); err != nil {
		return err
	}

	applied := 0
	var writeErr error
	for _, op := range tx.ops {
		if writeErr = s.persist(op); writeErr != nil {
			break
		}
		applied++
	}

	// 只把已落盘的变更写入缓存，保持缓存与磁盘一致
	s.mu.Lock()
	for _, op := range tx.ops[:applied] {
		s.apply(op)
	}
	s.mu.Unlock()

	if writeErr != nil {
		return ErrFatal.New("writing record: %v", writeErr)
	}
	return nil
}

func (s *Store) persist(op txnOp) error {
	switch {
	case op.title != nil:
		return writeRecord(s.titlePath(op.title.Title), op.title)
	case op.version != nil:
		return writeRecord(s.versionPath(op.version.Title, op.version.Version), op.version)
	case op.delTitle != "":
		return os.RemoveAll(s.titleDir(op.delTitle))
	default:
		err := os.Remove(s.versionPath(op.delVersion[0], op.delVersion[1]))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
}

// apply 更新缓存，调用方持有s.mu写锁
func (s *Store) apply(op txnOp) {
	switch {
	case op.title != nil:
		s.titles[op.title.Title] = op.title
		if s.versions[op.title.Title] == nil {
			s.versions[op.title.Title] = make(map[string]*models.Version)
		}
	case op.version != nil:
		if s.versions[op.version.Title] == nil {
			s.versions[op.version.Title] = make(map[string]*models.Version)
		}
		s.versions[op.version.Title][op.version.Version] = op.version
	case op.delTitle != "":
		delete(s.titles, op.delTitle)
		delete(s.versions, op.delTitle)
	default:
		delete(s.versions[op.delVersion[0]], op.delVersion[1])
	}
}

// SaveTitle writes a single title record.
func (s *Store) SaveTitle(t *models.Title) error {
	return s.Update(func(tx *Txn) error {
		tx.PutTitle(t)
		return nil
	})
}

// SaveVersion writes a single version record. The title must exist.
func (s *Store) SaveVersion(v *models.Version) error {
	return s.Update(func(tx *Txn) error {
		if _, err := tx.Title(v.Title); err != nil {
			return err
		}
		tx.PutVersion(v)
		return nil
	})
}

func (s *Store) DeleteTitle(title string) error {
	return s.Update(func(tx *Txn) error {
		if _, err := tx.Title(title); err != nil {
			return err
		}
		tx.DeleteTitle(title)
		return nil
	})
}

func (s *Store) DeleteVersion(title, version string) error {
	return s.Update(func(tx *Txn) error {
		if _, err := tx.Version(title, version); err != nil {
			return err
		}
		tx.DeleteVersion(title, version)
		return nil
	})
}

// String is used in log lines.
func (s *Store) String() string {
	return fmt.Sprintf("store(%s)", s.dir)
}
