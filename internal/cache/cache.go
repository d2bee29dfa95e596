// Package cache implements the proxy's disk cache: a persistent map from
// keys to (hook, body file) pairs with size-bounded retention.
//
// Layout under the base directory:
//
//	temp/<id>           body being filled, not yet visible
//	<id/N>/<id>         committed body (N files per shard directory)
//	<id/N>/<id>.key     gzip-compressed key
//	<id/N>/<id>.hook    gzip-compressed hook
//	cache.index         gzip-compressed index, rewritten on change
//
// One RWMutex guards the index and the running size total. Body, key and
// hook files are written and deleted outside it so lookups never wait for
// disk I/O.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/robfig/cron/v3"

	"burrow/internal/metrics"
	"burrow/pkg/logger"
)

const tempDirName = "temp"

var (
	// ErrNotFound is returned for keys or entries that are not cached.
	ErrNotFound = errors.New("cache: entry not found")

	// ErrNoTempFile is returned by Commit when the body was never written.
	ErrNoTempFile = errors.New("cache: no temp file for pending entry")

	// ErrMissingHook marks an entry whose hook file has disappeared.
	ErrMissingHook = errors.New("cache: hook file missing")
)

// Config configures a Cache.
type Config struct {
	// Directory is the base directory.
	Directory string

	// MaxSize is the retention budget in bytes enforced by Sweep.
	MaxSize int64

	// CacheTime is the default time to live of reserved entries.
	CacheTime time.Duration

	// CleanLoop is the interval between background sweeps.
	CleanLoop time.Duration

	// FilesPerDir is the number of entry ids per shard directory.
	FilesPerDir int

	// HookCacheSize bounds the in-memory hook memo.
	HookCacheSize int
}

func (c *Config) applyDefaults() {
	if c.CacheTime <= 0 {
		c.CacheTime = 24 * time.Hour
	}
	if c.CleanLoop <= 0 {
		c.CleanLoop = time.Minute
	}
	if c.FilesPerDir <= 0 {
		c.FilesPerDir = 256
	}
	if c.HookCacheSize <= 0 {
		c.HookCacheSize = 1024
	}
}

// Cache maps keys of type K to entries whose hook is of type V.
type Cache[K, V any] struct {
	cfg    Config
	keys   FileHandler[K]
	hooks  FileHandler[V]
	keyID  func(K) string
	log    *logger.Logger
	stats  *metrics.CacheMetrics
	now    func() time.Time
	tmpDir string

	mu      sync.RWMutex
	index   map[string]*list.Element // key id -> element holding *Entry
	order   *list.List               // insertion order, oldest first
	total   int64
	nextID  int64
	changed bool

	// hookMu guards memo; lru.Cache is not safe for concurrent use.
	hookMu sync.Mutex
	memo   *lru.Cache

	cronMu  sync.Mutex
	cron    *cron.Cron
	running bool
}

// New opens the cache in cfg.Directory, creating the directories as
// needed and loading an existing index. A missing or unreadable index is
// logged and the cache starts empty.
//
// Parameters:
//
//	cfg: Directory, limits and timing
//	keys: Codec for key files
//	hooks: Codec for hook files
//	keyID: Identity of a key; equal identities are the same cache slot
//	log: Logger; nil discards
//	stats: Prometheus cache metrics; may be nil
//
// Returns:
//
//	*Cache: Ready for use; call Start to run the background sweep
//	error: The directories could not be created
func New[K, V any](cfg Config, keys FileHandler[K], hooks FileHandler[V], keyID func(K) string,
	log *logger.Logger, stats *metrics.CacheMetrics) (*Cache[K, V], error) {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Discard()
	}

	c := &Cache[K, V]{
		cfg:    cfg,
		keys:   keys,
		hooks:  hooks,
		keyID:  keyID,
		log:    log.Component("cache"),
		stats:  stats,
		now:    time.Now,
		tmpDir: filepath.Join(cfg.Directory, tempDirName),
		index:  make(map[string]*list.Element),
		order:  list.New(),
		memo:   lru.New(cfg.HookCacheSize),
	}

	if err := os.MkdirAll(c.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c.removeStaleTempFiles()
	c.loadIndex()
	c.publishSize()

	return c, nil
}

// removeStaleTempFiles deletes bodies of fills that never committed.
func (c *Cache[K, V]) removeStaleTempFiles() {
	names, err := os.ReadDir(c.tmpDir)
	if err != nil {
		return
	}
	for _, n := range names {
		_ = os.Remove(filepath.Join(c.tmpDir, n.Name()))
	}
}

func (c *Cache[K, V]) loadIndex() {
	path := filepath.Join(c.cfg.Directory, indexName)

	st, err := readIndex(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("Could not read cache index, starting empty", "path", path, "error", err)
		}
		return
	}

	index := make(map[string]*list.Element, len(st.entries))
	order := list.New()
	for _, e := range st.entries {
		if _, dup := index[e.KeyID]; dup {
			c.log.Warn("Could not read cache index, starting empty", "path", path,
				"error", fmt.Errorf("%w: duplicate key %q", errCorruptIndex, e.KeyID))
			return
		}
		index[e.KeyID] = order.PushBack(e)
	}

	c.mu.Lock()
	c.index = index
	c.order = order
	c.total = st.total
	c.nextID = st.nextID
	c.mu.Unlock()

	c.log.Info("Cache index loaded", "entries", len(st.entries), "size", st.total)
}

// TempPath returns the file a pending entry's body is written to.
func (c *Cache[K, V]) TempPath(id int64) string {
	return filepath.Join(c.tmpDir, strconv.FormatInt(id, 10))
}

// EntryPath returns the committed body file of entry id.
func (c *Cache[K, V]) EntryPath(id int64) string {
	return filepath.Join(c.shardDir(id), strconv.FormatInt(id, 10))
}

func (c *Cache[K, V]) shardDir(id int64) string {
	return filepath.Join(c.cfg.Directory, strconv.FormatInt(id/int64(c.cfg.FilesPerDir), 10))
}

func (c *Cache[K, V]) keyPath(id int64) string  { return c.EntryPath(id) + ".key" }
func (c *Cache[K, V]) hookPath(id int64) string { return c.EntryPath(id) + ".hook" }

// MaxSize returns the retention budget.
func (c *Cache[K, V]) MaxSize() int64 { return c.cfg.MaxSize }

// CacheTime returns the default time to live.
func (c *Cache[K, V]) CacheTime() time.Duration { return c.cfg.CacheTime }

// Lookup returns the entry cached for key. An entry whose hook file has
// gone is reported as not found and removed in the background.
func (c *Cache[K, V]) Lookup(key K) (*Entry, bool) {
	id := c.keyID(key)

	c.mu.RLock()
	el, ok := c.index[id]
	var e *Entry
	if ok {
		e = el.Value.(*Entry)
	}
	c.mu.RUnlock()

	if !ok {
		c.stats.RecordMiss()
		return nil, false
	}

	if !c.hookPresent(e) {
		c.log.Warn("Cache entry lost its hook, removing", "id", e.ID, "key", e.KeyID)
		go c.removeIfCurrent(e)
		c.stats.RecordMiss()
		return nil, false
	}

	c.stats.RecordHit()
	return e, true
}

// hookPresent always looks at the disk; the memo only serves Hook.
func (c *Cache[K, V]) hookPresent(e *Entry) bool {
	_, err := os.Stat(c.hookPath(e.ID))
	return err == nil
}

// Reserve allocates an id for key. The entry is invisible until Commit.
func (c *Cache[K, V]) Reserve(key K) *Pending[K, V] {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.changed = true
	c.mu.Unlock()

	return &Pending[K, V]{
		ID:       id,
		Key:      key,
		Expires:  c.now().Add(c.cfg.CacheTime),
		TempPath: c.TempPath(id),
	}
}

// Commit makes a pending entry visible. The body must already be in
// p.TempPath; it is moved into its shard, the key and hook are written,
// and any previous entry for the same key is removed.
func (c *Cache[K, V]) Commit(p *Pending[K, V]) (*Entry, error) {
	fi, err := os.Stat(p.TempPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrNoTempFile, p.ID)
	}

	if err := c.moveIntoShard(p.TempPath, p.ID); err != nil {
		return nil, err
	}

	hookSize, err := writeData(c.hookPath(p.ID), c.hooks, p.Hook)
	if err != nil {
		c.deleteFiles(p.ID)
		return nil, fmt.Errorf("store hook of %d: %w", p.ID, err)
	}
	keySize, err := writeData(c.keyPath(p.ID), c.keys, p.Key)
	if err != nil {
		c.deleteFiles(p.ID)
		return nil, fmt.Errorf("store key of %d: %w", p.ID, err)
	}

	e := &Entry{
		ID:        p.ID,
		KeyID:     c.keyID(p.Key),
		CacheTime: c.now(),
		Expires:   p.Expires,
		Size:      fi.Size(),
		KeySize:   keySize,
		HookSize:  hookSize,
	}

	c.hookMu.Lock()
	c.memo.Add(e.ID, p.Hook)
	c.hookMu.Unlock()

	c.mu.Lock()
	old := c.removeLocked(e.KeyID)
	c.index[e.KeyID] = c.order.PushBack(e)
	c.total += e.TotalSize()
	c.changed = true
	c.mu.Unlock()

	if old != nil {
		c.dropFiles(old)
	}

	c.log.LogCacheEvent("commit", e.ID, e.KeyID)
	c.publishSize()
	return e, nil
}

// moveIntoShard renames a body into its shard directory. A concurrent
// removal may delete the shard while it is empty, so creation is retried.
func (c *Cache[K, V]) moveIntoShard(tmp string, id int64) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.MkdirAll(c.shardDir(id), 0o755); err != nil {
			return fmt.Errorf("create shard for %d: %w", id, err)
		}
		if err = os.Rename(tmp, c.EntryPath(id)); err == nil {
			return nil
		}
		if _, serr := os.Stat(tmp); serr != nil {
			break
		}
	}
	return fmt.Errorf("move body of %d: %w", id, err)
}

// EntryChanged rewrites the key and hook of a committed entry, as after
// a successful revalidation, and returns the new snapshot.
func (c *Cache[K, V]) EntryChanged(e *Entry, newKey K, newHook V) (*Entry, error) {
	if !c.current(e) {
		return nil, ErrNotFound
	}

	hookSize, err := writeData(c.hookPath(e.ID), c.hooks, newHook)
	if err != nil {
		return nil, fmt.Errorf("store hook of %d: %w", e.ID, err)
	}
	keySize, err := writeData(c.keyPath(e.ID), c.keys, newKey)
	if err != nil {
		return nil, fmt.Errorf("store key of %d: %w", e.ID, err)
	}
	newKeyID := c.keyID(newKey)

	c.mu.Lock()
	el, ok := c.index[e.KeyID]
	if !ok || el.Value.(*Entry).ID != e.ID {
		orphan := !c.liveLocked(e.ID)
		c.mu.Unlock()
		if orphan {
			c.deleteFiles(e.ID)
		}
		return nil, ErrNotFound
	}

	cur := el.Value.(*Entry)
	next := cur.with(func(n *Entry) {
		n.KeyID = newKeyID
		n.KeySize = keySize
		n.HookSize = hookSize
	})

	var displaced *Entry
	if newKeyID != cur.KeyID {
		delete(c.index, cur.KeyID)
		displaced = c.removeLocked(newKeyID)
		c.index[newKeyID] = el
	}
	el.Value = next
	c.total += next.TotalSize() - cur.TotalSize()
	c.changed = true
	c.mu.Unlock()

	if displaced != nil {
		c.dropFiles(displaced)
	}

	c.hookMu.Lock()
	c.memo.Add(e.ID, newHook)
	c.hookMu.Unlock()

	c.log.LogCacheEvent("changed", e.ID, newKeyID)
	c.publishSize()
	return next, nil
}

// current reports whether e is still the indexed entry for its key.
func (c *Cache[K, V]) current(e *Entry) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	el, ok := c.index[e.KeyID]
	return ok && el.Value.(*Entry).ID == e.ID
}

// SetExpires gives a committed entry a new expiry time and returns the
// new snapshot.
func (c *Cache[K, V]) SetExpires(e *Entry, expires time.Time) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[e.KeyID]
	if !ok || el.Value.(*Entry).ID != e.ID {
		return nil, ErrNotFound
	}

	next := el.Value.(*Entry).with(func(n *Entry) { n.Expires = expires })
	el.Value = next
	c.changed = true
	return next, nil
}

// Remove deletes the entry cached for key, if any.
func (c *Cache[K, V]) Remove(key K) {
	id := c.keyID(key)

	c.mu.Lock()
	old := c.removeLocked(id)
	if old != nil {
		c.changed = true
	}
	c.mu.Unlock()

	if old != nil {
		c.dropFiles(old)
		c.log.LogCacheEvent("remove", old.ID, old.KeyID)
		c.publishSize()
	}
}

func (c *Cache[K, V]) removeIfCurrent(e *Entry) {
	c.mu.Lock()
	el, ok := c.index[e.KeyID]
	if !ok || el.Value.(*Entry).ID != e.ID {
		c.mu.Unlock()
		return
	}
	old := c.removeLocked(e.KeyID)
	c.changed = true
	c.mu.Unlock()

	c.dropFiles(old)
	c.publishSize()
}

// removeLocked unlinks the entry for keyID from the index; the caller
// deletes its files after releasing the lock.
func (c *Cache[K, V]) removeLocked(keyID string) *Entry {
	el, ok := c.index[keyID]
	if !ok {
		return nil
	}

	e := el.Value.(*Entry)
	delete(c.index, keyID)
	c.order.Remove(el)
	c.total -= e.TotalSize()
	return e
}

// liveLocked reports whether an entry with the given id is indexed under
// any key.
func (c *Cache[K, V]) liveLocked(id int64) bool {
	for el := c.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*Entry).ID == id {
			return true
		}
	}
	return false
}

// dropFiles forgets the memoized hook and deletes an entry's files.
func (c *Cache[K, V]) dropFiles(e *Entry) {
	c.hookMu.Lock()
	c.memo.Remove(e.ID)
	c.hookMu.Unlock()

	c.deleteFiles(e.ID)
}

// deleteFiles removes key, hook and body, then the shard directory if it
// is now empty. Failures are logged and otherwise ignored.
func (c *Cache[K, V]) deleteFiles(id int64) {
	for _, path := range []string{c.hookPath(id), c.keyPath(id), c.EntryPath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("Could not remove cache file", "path", path, "error", err)
		}
	}

	// fails while other entries live in the shard
	_ = os.Remove(c.shardDir(id))
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	var all []*Entry
	for el := c.order.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value.(*Entry))
	}
	c.index = make(map[string]*list.Element)
	c.order.Init()
	c.total = 0
	c.changed = true
	c.mu.Unlock()

	for _, e := range all {
		c.dropFiles(e)
	}
	c.log.Info("Cache cleared", "entries", len(all))
	c.publishSize()
}

// Hook returns the hook of an entry, from memory when possible.
func (c *Cache[K, V]) Hook(e *Entry) (V, error) {
	c.hookMu.Lock()
	v, ok := c.memo.Get(e.ID)
	c.hookMu.Unlock()
	if ok {
		return v.(V), nil
	}

	hook, err := readData(c.hookPath(e.ID), c.hooks)
	if err != nil {
		var zero V
		if errors.Is(err, os.ErrNotExist) {
			return zero, fmt.Errorf("%w: %d", ErrMissingHook, e.ID)
		}
		return zero, err
	}

	c.hookMu.Lock()
	c.memo.Add(e.ID, hook)
	c.hookMu.Unlock()
	return hook, nil
}

// Key reads the key an entry was stored with.
func (c *Cache[K, V]) Key(e *Entry) (K, error) {
	return readData(c.keyPath(e.ID), c.keys)
}

// CurrentSize returns the bytes accounted to committed entries.
func (c *Cache[K, V]) CurrentSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// NumberOfEntries returns the number of committed entries.
func (c *Cache[K, V]) NumberOfEntries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Entries returns a snapshot of all entries, oldest first.
func (c *Cache[K, V]) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Entry, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry))
	}
	return out
}

// Flush writes the index to disk.
func (c *Cache[K, V]) Flush() error {
	c.mu.Lock()
	st := indexState{nextID: c.nextID, total: c.total}
	for el := c.order.Front(); el != nil; el = el.Next() {
		st.entries = append(st.entries, el.Value.(*Entry))
	}
	c.changed = false
	c.mu.Unlock()

	if err := writeIndex(filepath.Join(c.cfg.Directory, indexName), st); err != nil {
		c.mu.Lock()
		c.changed = true
		c.mu.Unlock()
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	return nil
}

func (c *Cache[K, V]) publishSize() {
	if c.stats == nil {
		return
	}

	c.mu.RLock()
	n, total := len(c.index), c.total
	c.mu.RUnlock()

	c.stats.SetSize(n, total)
}
