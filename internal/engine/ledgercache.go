// ledgercache.go implements a read-through hot cache for the token ledger's
// value_hash → token lookup. The SQLite-backed ledger remains the source of
// truth; this cache only shortcuts the common case of re-seeing a value
// already tokenized earlier in the same session, so repeated sanitize calls
// don't all pay a SQLite round trip.
package engine

import (
	"container/list"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"redaction-gateway/internal/logger"
)

// PersistentCache is the ledger's hot-cache interface. All implementations
// must be safe for concurrent use.
type PersistentCache interface {
	Get(key string) (value string, ok bool)
	Set(key, value string)
	Delete(key string)
	Close() error
}

// --- memoryCache ---------------------------------------------------------

type memoryCache struct {
	mu    sync.RWMutex
	store map[string]string
}

func newMemoryCache() PersistentCache {
	return &memoryCache{store: make(map[string]string)}
}

func (c *memoryCache) Get(key string) (string, bool) {
	c.mu.RLock()
	v, ok := c.store[key]
	c.mu.RUnlock()
	return v, ok
}

func (c *memoryCache) Set(key, value string) {
	c.mu.Lock()
	c.store[key] = value
	c.mu.Unlock()
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.store, key)
	c.mu.Unlock()
}

func (c *memoryCache) Close() error { return nil }

// --- bboltCache ----------------------------------------------------------

const ledgerCacheBucket = "token_ledger_cache"

type bboltCache struct {
	db  *bolt.DB
	log *logger.Logger
}

func newBboltCache(path string, log *logger.Logger) (PersistentCache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger cache %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ledgerCacheBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create ledger cache bucket: %w", err)
	}

	if log != nil {
		log.Infof("ledger_cache", "persistent ledger cache opened at %s", path)
	}
	return &bboltCache{db: db, log: log}, nil
}

func (c *bboltCache) Get(key string) (string, bool) {
	var value string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ledgerCacheBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value = string(v)
		}
		return nil
	})
	if err != nil {
		if c.log != nil {
			c.log.Warnf("ledger_cache", "bbolt get error: %v", err)
		}
		return "", false
	}
	return value, value != ""
}

func (c *bboltCache) Set(key, value string) {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ledgerCacheBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", ledgerCacheBucket)
		}
		return b.Put([]byte(key), []byte(value))
	}); err != nil && c.log != nil {
		c.log.Warnf("ledger_cache", "bbolt set error: %v", err)
	}
}

func (c *bboltCache) Delete(key string) {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ledgerCacheBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	}); err != nil && c.log != nil {
		c.log.Warnf("ledger_cache", "bbolt delete error: %v", err)
	}
}

func (c *bboltCache) Close() error {
	return c.db.Close()
}

// --- s3fifoCache -----------------------------------------------------------

// s3fifoCache wraps a PersistentCache (bbolt) with an in-memory S3-FIFO
// eviction layer, bounding both the hot in-memory footprint and the on-disk
// cache size. Cache keys are "session|category|valueHash".
type s3fifoEntry struct {
	value string
	freq  uint8
	elem  *list.Element
	inM   bool
}

type s3fifoCache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*s3fifoEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing PersistentCache
	log     *logger.Logger
}

func newS3FIFOCache(backing PersistentCache, capacity int, log *logger.Logger) PersistentCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	if log != nil {
		log.Infof("ledger_cache", "S3-FIFO cache capacity=%d sTarget=%d ghostCap=%d", capacity, sTarget, ghostCap)
	}
	return &s3fifoCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*s3fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
		backing:  backing,
		log:      log,
	}
}

func (c *s3fifoCache) Get(key string) (string, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.freq < 3 {
			e.freq++
		}
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	value, ok := c.backing.Get(key)
	if !ok {
		return "", false
	}
	c.insertLocked(key, value)
	return value, true
}

func (c *s3fifoCache) Set(key, value string) {
	c.insertLocked(key, value)
	c.backing.Set(key, value)
}

func (c *s3fifoCache) Delete(key string) {
	c.mu.Lock()
	c.removeFromMemory(key)
	c.mu.Unlock()
	c.backing.Delete(key)
}

func (c *s3fifoCache) Close() error {
	return c.backing.Close()
}

func (c *s3fifoCache) insertLocked(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &s3fifoEntry{value: value, freq: 0, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

func (c *s3fifoCache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *s3fifoCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.sQueue.Remove(front)
		return
	}
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
		go c.backing.Delete(key)
	}
}

func (c *s3fifoCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.mQueue.Remove(front)
		return
	}
	c.mQueue.Remove(front)
	delete(c.entries, key)
	go c.backing.Delete(key)
}

func (c *s3fifoCache) removeFromMemory(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

func (c *s3fifoCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *s3fifoCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}

	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}

	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}

// newLedgerCache builds the configured hot-cache stack: no cache if path is
// empty, otherwise bbolt optionally wrapped in the S3-FIFO eviction layer
// when capacity > 0.
func newLedgerCache(path string, capacity int, log *logger.Logger) (PersistentCache, error) {
	if path == "" {
		return nil, nil
	}
	backing, err := newBboltCache(path, log)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return backing, nil
	}
	return newS3FIFOCache(backing, capacity, log), nil
}
