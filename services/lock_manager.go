package services

import (
	"sort"
	"sync"
	"time"

	"xolo/internal/models"
)

type LockMode string

const (
	ReadLock  LockMode = "read"
	WriteLock LockMode = "write"
)

// LockKey names a title (Version empty) or one version of a title.
type LockKey struct {
	Title   string
	Version string
}

func (k LockKey) String() string {
	if k.Version == "" {
		return k.Title
	}
	return k.Title + "/" + k.Version
}

// LockOwner 记录持有者，用于冲突提示和状态展示
type LockOwner struct {
	Admin     string
	Operation string
}

type lockEntry struct {
	mu   sync.RWMutex
	refs int
	// 写锁持有者，读锁不记录
	writer *lockHold
}

type lockHold struct {
	id    uint64
	key   LockKey
	mode  LockMode
	owner LockOwner
	since time.Time
}

/**
 * Process-local keyed read/write locks over titles and versions
 * @description
 * - Entries are created on first use and dropped when nobody references them
 * - Acquisition never waits, a held lock fails with ErrConflict
 * - A version lock also holds a read lock on its title, so a title write lock
 *   excludes every version operation under that title
 */
type LockManager struct {
	mu      sync.Mutex
	entries map[LockKey]*lockEntry
	held    map[uint64]*lockHold
	nextID  uint64
	now     func() time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{
		entries: make(map[LockKey]*lockEntry),
		held:    make(map[uint64]*lockHold),
		now:     time.Now,
	}
}

/**
 * A set of held locks, released together
 */
type Lease struct {
	lm    *LockManager
	holds []*lockHold
	once  sync.Once
}

// Release unlocks everything in the lease. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		for i := len(l.holds) - 1; i >= 0; i-- {
			l.lm.unlock(l.holds[i])
		}
	})
}

func (lm *LockManager) tryLock(key LockKey, mode LockMode, owner LockOwner) (*lockHold, error) {
	lm.mu.Lock()
	e, ok := lm.entries[key]
	if !ok {
		e = &lockEntry{}
		lm.entries[key] = e
	}
	e.refs++
	lm.mu.Unlock()

	var locked bool
	if mode == WriteLock {
		locked = e.mu.TryLock()
	} else {
		locked = e.mu.TryRLock()
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if !locked {
		holder := e.writer
		e.refs--
		if e.refs == 0 {
			delete(lm.entries, key)
		}
		return nil, lm.conflict(key, holder)
	}
	lm.nextID++
	h := &lockHold{id: lm.nextID, key: key, mode: mode, owner: owner, since: lm.now()}
	if mode == WriteLock {
		e.writer = h
	}
	lm.held[h.id] = h
	return h, nil
}

func (lm *LockManager) conflict(key LockKey, holder *lockHold) error {
	what := "title '" + key.Title + "'"
	if key.Version != "" {
		what = "version '" + key.Version + "' of title '" + key.Title + "'"
	}
	if holder == nil {
		return ErrConflict.New("%s is in use by another operation, try again later", what)
	}
	return ErrConflict.New("%s is locked by admin '%s' (%s) since %s",
		what, holder.owner.Admin, holder.owner.Operation, holder.since.Format(time.RFC3339))
}

func (lm *LockManager) unlock(h *lockHold) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	e := lm.entries[h.key]
	delete(lm.held, h.id)
	if h.mode == WriteLock {
		e.writer = nil
		e.mu.Unlock()
	} else {
		e.mu.RUnlock()
	}
	e.refs--
	if e.refs == 0 {
		delete(lm.entries, h.key)
	}
}

func (lm *LockManager) acquire(owner LockOwner, keys []LockKey, modes []LockMode) (*Lease, error) {
	lease := &Lease{lm: lm}
	for i, key := range keys {
		h, err := lm.tryLock(key, modes[i], owner)
		if err != nil {
			lease.Release()
			return nil, err
		}
		lease.holds = append(lease.holds, h)
	}
	return lease, nil
}

// WriteTitle locks a title exclusively, excluding all version locks under it.
func (lm *LockManager) WriteTitle(title string, owner LockOwner) (*Lease, error) {
	return lm.acquire(owner, []LockKey{{Title: title}}, []LockMode{WriteLock})
}

// ReadTitle shares a title with other readers and with version operations.
func (lm *LockManager) ReadTitle(title string, owner LockOwner) (*Lease, error) {
	return lm.acquire(owner, []LockKey{{Title: title}}, []LockMode{ReadLock})
}

// WriteVersion takes a read lock on the title and a write lock on the version.
func (lm *LockManager) WriteVersion(title, version string, owner LockOwner) (*Lease, error) {
	return lm.acquire(owner,
		[]LockKey{{Title: title}, {Title: title, Version: version}},
		[]LockMode{ReadLock, WriteLock})
}

// ReadVersion takes read locks on the title and the version.
func (lm *LockManager) ReadVersion(title, version string, owner LockOwner) (*Lease, error) {
	return lm.acquire(owner,
		[]LockKey{{Title: title}, {Title: title, Version: version}},
		[]LockMode{ReadLock, ReadLock})
}

// WriteTitleVersion locks a title and one of its versions exclusively.
func (lm *LockManager) WriteTitleVersion(title, version string, owner LockOwner) (*Lease, error) {
	return lm.acquire(owner,
		[]LockKey{{Title: title}, {Title: title, Version: version}},
		[]LockMode{WriteLock, WriteLock})
}

func (lm *LockManager) lockFor(key LockKey, mode LockMode, owner LockOwner) (*Lease, error) {
	if key.Version == "" {
		if mode == WriteLock {
			return lm.WriteTitle(key.Title, owner)
		}
		return lm.ReadTitle(key.Title, owner)
	}
	if mode == WriteLock {
		return lm.WriteVersion(key.Title, key.Version, owner)
	}
	return lm.ReadVersion(key.Title, key.Version, owner)
}

/**
 * Run fn while holding a write lock on key
 * @returns {error} ErrConflict when the lock is held, otherwise fn's error
 */
func (lm *LockManager) WithWriteLock(key LockKey, owner LockOwner, fn func() error) error {
	lease, err := lm.lockFor(key, WriteLock, owner)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn()
}

// WithReadLock runs fn while holding a read lock on key.
func (lm *LockManager) WithReadLock(key LockKey, owner LockOwner, fn func() error) error {
	lease, err := lm.lockFor(key, ReadLock, owner)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn()
}

/**
 * List held locks
 * @param {time.Duration} staleAge - Locks held longer are flagged stale, 0 disables flagging
 * @returns {[]models.LockState} Held locks, oldest first
 */
func (lm *LockManager) Held(staleAge time.Duration) []models.LockState {
	lm.mu.Lock()
	now := lm.now()
	result := make([]models.LockState, 0, len(lm.held))
	for _, h := range lm.held {
		result = append(result, models.LockState{
			Key:       h.key.String(),
			Mode:      string(h.mode),
			Admin:     h.owner.Admin,
			Operation: h.owner.Operation,
			Since:     h.since,
			Stale:     staleAge > 0 && now.Sub(h.since) > staleAge,
		})
	}
	lm.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Since.Before(result[j].Since) })
	return result
}

// Entries returns the number of live lock entries.
func (lm *LockManager) Entries() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.entries)
}

/**
 * Drop lock entries nobody references
 * @returns {int} Number of entries removed
 * @description
 * - Entries are normally dropped on release, this catches any left behind
 */
func (lm *LockManager) Prune() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	n := 0
	for key, e := range lm.entries {
		if e.refs == 0 {
			delete(lm.entries, key)
			n++
		}
	}
	return n
}
