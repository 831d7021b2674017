package cache

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mnemosyne/internal/key"
)

const (
	shardCount             = 16
	DefaultMaxBytes  int64 = 250 * 1024 * 1024
	DefaultIdleTTL         = 30 * 24 * time.Hour
	janitorMaxPeriod       = time.Minute
)

var ErrEntryTooLarge = errors.New("cache entry exceeds size ceiling")

type item struct {
	entry      Entry
	fp         key.Fingerprint
	weight     int64
	lastAccess atomic.Int64
	element    *list.Element
}

type shard struct {
	mu         sync.Mutex
	entries    map[key.Fingerprint]*item
	byResource map[uint64]map[uint64]*item
	lru        *list.List
}

// Store is a sharded fingerprint -> Entry map with a global byte ceiling and
// an idle-time TTL. All variants of a resource hash to the same shard, so the
// resource -> variants index is maintained under that shard's lock and stays
// exactly consistent with the primary map.
type Store struct {
	shards   [shardCount]*shard
	maxBytes int64
	idleTTL  time.Duration
	log      zerolog.Logger

	totalBytes  atomic.Int64
	entryCount  atomic.Int64
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64

	janitorStop chan struct{}
	janitorOnce sync.Once
}

func NewStore(maxBytes int64, idleTTL time.Duration, logger zerolog.Logger) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	store := &Store{
		maxBytes:    maxBytes,
		idleTTL:     idleTTL,
		log:         logger.With().Str("component", "cache").Logger(),
		janitorStop: make(chan struct{}),
	}
	for i := range store.shards {
		store.shards[i] = &shard{
			entries:    make(map[key.Fingerprint]*item),
			byResource: make(map[uint64]map[uint64]*item),
			lru:        list.New(),
		}
	}
	go store.janitor()
	return store
}

func (s *Store) shardFor(resource uint64) *shard {
	return s.shards[resource%shardCount]
}

// Get returns the stored entry and refreshes its last access. An entry idle
// for longer than the TTL is reclaimed and reported as a miss.
func (s *Store) Get(fp key.Fingerprint) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	now := time.Now()
	sh := s.shardFor(fp.Resource)

	sh.mu.Lock()
	it, ok := sh.entries[fp]
	if !ok {
		sh.mu.Unlock()
		s.misses.Add(1)
		return Entry{}, false
	}
	if s.expired(it, now) {
		s.removeLocked(sh, it)
		sh.mu.Unlock()
		s.expirations.Add(1)
		s.misses.Add(1)
		return Entry{}, false
	}
	it.lastAccess.Store(now.UnixNano())
	sh.lru.MoveToFront(it.element)
	entry := it.entry
	sh.mu.Unlock()

	s.hits.Add(1)
	return entry, true
}

// Put inserts or replaces the entry under fp, then evicts least recently used
// entries until the byte total is back under the ceiling. An entry that can
// never fit is refused.
func (s *Store) Put(fp key.Fingerprint, entry Entry) error {
	if s == nil {
		return errors.New("cache store not initialized")
	}
	weight := entry.Weight()
	if weight > s.maxBytes {
		return ErrEntryTooLarge
	}

	it := &item{entry: entry, fp: fp, weight: weight}
	it.lastAccess.Store(time.Now().UnixNano())

	sh := s.shardFor(fp.Resource)
	sh.mu.Lock()
	if previous, ok := sh.entries[fp]; ok {
		s.removeLocked(sh, previous)
	}
	sh.entries[fp] = it
	it.element = sh.lru.PushFront(it)
	variants := sh.byResource[fp.Resource]
	if variants == nil {
		variants = make(map[uint64]*item)
		sh.byResource[fp.Resource] = variants
	}
	variants[fp.Variant] = it
	sh.mu.Unlock()

	s.entryCount.Add(1)
	s.totalBytes.Add(weight)

	s.evictOver()
	return nil
}

// evictOver removes the globally least recently used entry until the total is
// back under the ceiling. Concurrent puts can overshoot transiently, but each
// put drives the total under the ceiling before returning.
func (s *Store) evictOver() {
	for s.totalBytes.Load() > s.maxBytes {
		var victimShard *shard
		var victim *item
		oldest := int64(1<<63 - 1)
		for _, sh := range s.shards {
			sh.mu.Lock()
			var candidate *item
			if back := sh.lru.Back(); back != nil {
				candidate = back.Value.(*item)
			}
			sh.mu.Unlock()
			if candidate == nil {
				continue
			}
			if access := candidate.lastAccess.Load(); access < oldest {
				oldest = access
				victim = candidate
				victimShard = sh
			}
		}
		if victim == nil {
			return
		}
		victimShard.mu.Lock()
		// the victim may have been removed since it was sampled
		if _, ok := victimShard.entries[victim.fp]; ok {
			s.removeLocked(victimShard, victim)
			victimShard.mu.Unlock()
			s.evictions.Add(1)
			continue
		}
		victimShard.mu.Unlock()
	}
}

// Invalidate removes one fingerprint. Returns the number of entries removed.
func (s *Store) Invalidate(fp key.Fingerprint) int {
	if s == nil {
		return 0
	}
	sh := s.shardFor(fp.Resource)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	it, ok := sh.entries[fp]
	if !ok {
		return 0
	}
	s.removeLocked(sh, it)
	return 1
}

// InvalidateResource removes every variant stored under the resource key.
func (s *Store) InvalidateResource(resource uint64) int {
	if s == nil {
		return 0
	}
	sh := s.shardFor(resource)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	removed := 0
	for _, it := range sh.byResource[resource] {
		s.removeLocked(sh, it)
		removed++
	}
	return removed
}

// InvalidateMatching removes every entry whose summary satisfies the
// predicate. Shards are processed one at a time so writers on other shards
// never wait.
func (s *Store) InvalidateMatching(match func(Summary) bool) int {
	if s == nil || match == nil {
		return 0
	}
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, it := range sh.entries {
			if match(s.summarize(it)) {
				s.removeLocked(sh, it)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// InvalidateAll empties the store.
func (s *Store) InvalidateAll() int {
	if s == nil {
		return 0
	}
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, it := range sh.entries {
			s.removeLocked(sh, it)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

// Variants lists the variants currently stored for a resource, each carrying
// its own Vary names. A fingerprint observed here may be gone by the time it
// is fetched; callers treat that as a miss.
func (s *Store) Variants(resource uint64) []Variant {
	if s == nil {
		return nil
	}
	sh := s.shardFor(resource)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	stored := sh.byResource[resource]
	if len(stored) == 0 {
		return nil
	}
	variants := make([]Variant, 0, len(stored))
	for vk, it := range stored {
		variants = append(variants, Variant{
			Key:       vk,
			VaryNames: it.entry.VaryNames,
			Method:    it.entry.Method,
			URL:       it.entry.URL,
		})
	}
	return variants
}

// Snapshot returns summaries of every live entry, taking each shard lock only
// long enough to copy that shard's metadata.
func (s *Store) Snapshot() []Summary {
	if s == nil {
		return nil
	}
	summaries := make([]Summary, 0, s.entryCount.Load())
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, it := range sh.entries {
			summaries = append(summaries, s.summarize(it))
		}
		sh.mu.Unlock()
	}
	return summaries
}

func (s *Store) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		EntryCount:  s.entryCount.Load(),
		TotalBytes:  s.totalBytes.Load(),
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
	}
}

func (s *Store) MaxBytes() int64 {
	if s == nil {
		return 0
	}
	return s.maxBytes
}

func (s *Store) IdleTTL() time.Duration {
	if s == nil {
		return 0
	}
	return s.idleTTL
}

// Close stops the background janitor. Entries stay reachable; the process is
// expected to exit shortly after.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.janitorOnce.Do(func() {
		close(s.janitorStop)
	})
}

func (s *Store) expired(it *item, now time.Time) bool {
	return now.UnixNano()-it.lastAccess.Load() > int64(s.idleTTL)
}

// removeLocked unlinks an item from the primary map, the LRU list, and the
// variant index. Caller holds the shard lock.
func (s *Store) removeLocked(sh *shard, it *item) {
	if _, ok := sh.entries[it.fp]; !ok {
		return
	}
	delete(sh.entries, it.fp)
	sh.lru.Remove(it.element)
	if variants := sh.byResource[it.fp.Resource]; variants != nil {
		delete(variants, it.fp.Variant)
		if len(variants) == 0 {
			delete(sh.byResource, it.fp.Resource)
		}
	}
	s.entryCount.Add(-1)
	s.totalBytes.Add(-it.weight)
}

func (s *Store) summarize(it *item) Summary {
	return Summary{
		Fingerprint: it.fp,
		Method:      it.entry.Method,
		URL:         it.entry.URL,
		Status:      it.entry.Status,
		ETag:        it.entry.ETag,
		VaryNames:   it.entry.VaryNames,
		MaxAge:      it.entry.MaxAge,
		Weight:      it.weight,
		StoredAt:    it.entry.StoredAt,
		LastAccess:  time.Unix(0, it.lastAccess.Load()),
	}
}

// janitor sweeps idle-expired entries so memory is reclaimed even for
// resources nobody asks for again.
func (s *Store) janitor() {
	period := s.idleTTL / 2
	if period > janitorMaxPeriod {
		period = janitorMaxPeriod
	}
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Store) sweep(now time.Time) {
	swept := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for element := sh.lru.Back(); element != nil; {
			it := element.Value.(*item)
			if !s.expired(it, now) {
				// entries in front of this one are younger
				break
			}
			element = element.Prev()
			s.removeLocked(sh, it)
			swept++
		}
		sh.mu.Unlock()
	}
	if swept > 0 {
		s.expirations.Add(uint64(swept))
		s.log.Debug().Int("entries", swept).Msg("swept idle cache entries")
	}
}
