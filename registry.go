package rfcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// recoveryConcurrency bounds how many entry directories
// RecoverCachedFilesMetadata recovers at once.
const recoveryConcurrency = 8

// Config holds the three recognized options from spec.md §6 plus the
// ambient wiring (logger, metrics registerer, download concurrency) a
// real deployment needs.
type Config struct {
	// CacheRoot is where entry directories live.
	CacheRoot string
	// TotalBytesLimit is the hard budget for the sum of declared sizes
	// of admitted entries.
	TotalBytesLimit int64
	// FlushThreshold is the per-entry bytes between frontier publishes.
	// Defaults to 4 MiB if unset.
	FlushThreshold int64
	// MaxConcurrentDownloads bounds the default TaskPool. Defaults to 10.
	MaxConcurrentDownloads int64

	Logger     log.Logger
	Registerer prometheus.Registerer
}

// regEntry is the registry's bookkeeping record for one key: the
// controller, the bytes currently counted for it in totalBytes (set at
// admission, replaced by the final size in reconcile, which resolves
// Open Question (a), SPEC_FULL.md §12), and this key's position in the
// LRU list.
type regEntry struct {
	key      string
	ctrl     *Controller
	reserved int64
	lru      *list.Element
}

// Registry is the process-wide cache manager: it maps normalized remote
// identifiers to controllers, enforces the byte budget with LRU
// eviction of idle entries, and recovers controllers from disk on start.
type Registry struct {
	cacheRoot       string
	totalBytesLimit int64
	flushThreshold  int64

	mu         sync.Mutex
	index      map[string]*regEntry
	lru        *list.List // front = least recently used
	totalBytes int64

	sf      singleflight.Group
	pool    TaskPool
	logger  log.Logger
	metrics *registryMetrics
}

// NewRegistry validates cfg and returns an empty Registry. Call
// RecoverCachedFilesMetadata before serving traffic if cfg.CacheRoot may
// already hold entries from a previous process.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.CacheRoot == "" {
		return nil, badArguments("cacheRoot must not be empty")
	}
	if cfg.TotalBytesLimit < 0 {
		return nil, badArguments("totalBytesLimit must be non-negative, got %d", cfg.TotalBytesLimit)
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 4 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cache root")
	}
	return &Registry{
		cacheRoot:       cfg.CacheRoot,
		totalBytesLimit: cfg.TotalBytesLimit,
		flushThreshold:  cfg.FlushThreshold,
		index:           make(map[string]*regEntry),
		lru:             list.New(),
		pool:            NewDefaultPool(cfg.MaxConcurrentDownloads),
		logger:          cfg.Logger,
		metrics:         newRegistryMetrics(cfg.Registerer),
	}, nil
}

func (r *Registry) computeKey(d Descriptor) string {
	return d.RemotePath() + "\x00" + d.Version().String()
}

func (r *Registry) localDirFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(r.cacheRoot, hex.EncodeToString(sum[:]))
}

// SourceFactory builds the ByteSource for a freshly admitted entry. It
// is only invoked when GetOrCreate actually needs to start a new
// download — a cache hit never calls it.
type SourceFactory func() (ByteSource, error)

// GetOrCreate returns the live, valid, up-to-date controller for
// descriptor's key, constructing and starting a fresh download if none
// exists, or if the one that exists is invalid or stale (IsModified).
// Concurrent calls for the same key are deduplicated: only one of them
// actually evicts/constructs, the rest observe its result.
func (r *Registry) GetOrCreate(descriptor Descriptor, newSource SourceFactory) (*Controller, error) {
	key := r.computeKey(descriptor)
	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		if ctrl := r.lookupFresh(key, descriptor); ctrl != nil {
			return ctrl, nil
		}
		return r.createEntry(key, descriptor, newSource)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Controller), nil
}

// lookupFresh returns the indexed controller for key if it is valid and
// not modified relative to descriptor, touching its LRU position.
// Otherwise it retires the stale entry (if any) and returns nil so the
// caller constructs a replacement.
func (r *Registry) lookupFresh(key string, descriptor Descriptor) *Controller {
	r.mu.Lock()
	e, ok := r.index[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.ctrl.Valid() && !e.ctrl.IsModified(descriptor) {
		r.lru.MoveToBack(e.lru)
		r.mu.Unlock()
		return e.ctrl
	}
	delete(r.index, key)
	r.lru.Remove(e.lru)
	r.totalBytes -= e.reserved
	r.setTotalBytesMetricLocked()
	r.mu.Unlock()

	if err := e.ctrl.Retire(); err != nil {
		level.Warn(r.logger).Log("msg", "failed to retire stale entry", "key", key, "err", err)
	}
	r.metrics.entries.Dec()
	return nil
}

// createEntry reserves space (evicting idle entries as needed), builds
// a fresh controller, and starts its background download.
func (r *Registry) createEntry(key string, descriptor Descriptor, newSource SourceFactory) (*Controller, error) {
	size := descriptor.FileSize()
	evicted, err := r.reserve(key, size)
	if err != nil {
		return nil, err
	}
	for _, ent := range evicted {
		r.finalizeEviction(ent)
	}

	localPath := r.localDirFor(key)
	ctrl, err := NewController(descriptor, localPath, r.flushThreshold, r.logger)
	if err != nil {
		r.release(key, size)
		return nil, err
	}
	ctrl.onFinalSize = func(final int64) { r.reconcile(key, final) }
	ctrl.onBytesWritten = func(n int64) { r.metrics.downloadedBytes.Add(float64(n)) }

	src, err := newSource()
	if err != nil {
		r.release(key, size)
		os.RemoveAll(localPath)
		return nil, err
	}
	if err := ctrl.StartBackgroundDownload(src, r.pool, "download "+key); err != nil {
		r.release(key, size)
		os.RemoveAll(localPath)
		return nil, err
	}

	r.mu.Lock()
	e := &regEntry{key: key, ctrl: ctrl, reserved: size}
	e.lru = r.lru.PushBack(e)
	r.index[key] = e
	r.mu.Unlock()
	r.metrics.entries.Inc()

	return ctrl, nil
}

// reserve admits a new entry of the given size, evicting idle entries in
// LRU order first if needed. It returns the entries that were evicted
// (for the caller to retire outside any lock) and fails without
// evicting or reserving anything if size alone exceeds the budget, or if
// evicting every currently idle entry still wouldn't make room — pinned
// entries (open readers, active downloads) can't be evicted to serve a
// request that is going to fail anyway.
func (r *Registry) reserve(_ string, size int64) ([]*regEntry, error) {
	r.mu.Lock()
	if size > r.totalBytesLimit {
		r.mu.Unlock()
		return nil, badArguments("entry size %d exceeds total byte budget %d", size, r.totalBytesLimit)
	}
	if r.totalBytes+size > r.totalBytesLimit {
		if r.totalBytes+size-r.evictableBytesLocked() > r.totalBytesLimit {
			r.mu.Unlock()
			return nil, badArguments("insufficient cache budget for entry of size %d", size)
		}
	}
	evicted := r.sweepLocked(size)
	r.totalBytes += size
	r.setTotalBytesMetricLocked()
	r.mu.Unlock()
	return evicted, nil
}

// evictableBytesLocked sums the reserved bytes of every currently idle
// (zero readers, no active download) entry. Caller holds r.mu.
func (r *Registry) evictableBytesLocked() int64 {
	var total int64
	for e := r.lru.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*regEntry)
		if ent.ctrl.openReaderCount() == 0 && !ent.ctrl.activeDownload() {
			total += ent.reserved
		}
	}
	return total
}

// release undoes a reservation made by reserve for a key that never
// made it into the index — called from createEntry's error paths, which
// all run before the entry is inserted.
func (r *Registry) release(_ string, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalBytes -= size
	r.setTotalBytesMetricLocked()
}

// reconcile is Controller.onFinalSize: called once an entry reaches
// DOWNLOADED, with its descriptor's declared size. Since that size was
// already reserved at admission (and, for a recovered entry, at
// recovery time), this only ever applies the delta between what was
// reserved and what is now final — Open Question (a).
func (r *Registry) reconcile(key string, final int64) {
	r.mu.Lock()
	e, ok := r.index[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delta := final - e.reserved
	e.reserved = final
	r.totalBytes += delta
	r.setTotalBytesMetricLocked()
	overBudget := r.totalBytes > r.totalBytesLimit
	var evicted []*regEntry
	if overBudget {
		evicted = r.sweepLocked(0)
	}
	r.mu.Unlock()

	for _, ent := range evicted {
		r.finalizeEviction(ent)
	}
}

// sweepLocked evicts idle (zero readers, no active download) entries in
// LRU order until r.totalBytes+needed fits the budget, or there is
// nothing left that can be evicted. Caller holds r.mu; the returned
// entries have already been removed from the index and their bytes
// subtracted, but have not yet had Retire called — that happens outside
// the lock, since controller operations must never block while the
// registry mutex is held.
func (r *Registry) sweepLocked(needed int64) []*regEntry {
	var evicted []*regEntry
	for r.totalBytes+needed > r.totalBytesLimit {
		elem := r.lru.Front()
		var victim *list.Element
		for e := elem; e != nil; e = e.Next() {
			ent := e.Value.(*regEntry)
			if ent.ctrl.openReaderCount() == 0 && !ent.ctrl.activeDownload() {
				victim = e
				break
			}
		}
		if victim == nil {
			break
		}
		ent := victim.Value.(*regEntry)
		r.lru.Remove(victim)
		delete(r.index, ent.key)
		r.totalBytes -= ent.reserved
		evicted = append(evicted, ent)
	}
	r.setTotalBytesMetricLocked()
	return evicted
}

func (r *Registry) finalizeEviction(ent *regEntry) {
	if err := ent.ctrl.Retire(); err != nil {
		level.Warn(r.logger).Log("msg", "eviction cleanup failed", "key", ent.key, "err", err)
		return
	}
	r.metrics.entries.Dec()
	r.metrics.evictions.Inc()
	level.Debug(r.logger).Log("msg", "evicted idle cache entry", "key", ent.key)
}

func (r *Registry) setTotalBytesMetricLocked() {
	r.metrics.totalBytes.Set(float64(r.totalBytes))
}

// RecoverCachedFilesMetadata scans the cache root at startup and
// attempts recovery of each subdirectory concurrently (bounded by
// recoveryConcurrency). Soft failures (not a complete DOWNLOADED entry)
// and hard failures (bad class tag, corrupt metadata) are both
// collected and deleted only after the full scan completes, never
// mid-iteration, per spec.md §4.5.
func (r *Registry) RecoverCachedFilesMetadata(ctx context.Context) error {
	entries, err := os.ReadDir(r.cacheRoot)
	if err != nil {
		return errors.Wrap(err, "read cache root")
	}

	var (
		wipeMu sync.Mutex
		toWipe []string
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(recoveryConcurrency)
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		path := filepath.Join(r.cacheRoot, de.Name())
		g.Go(func() error {
			if err := r.recoverOne(path); err != nil {
				if !errors.Is(err, ErrNoSuchEntry) {
					level.Warn(r.logger).Log("msg", "failed to recover cache entry, scheduling deletion", "path", path, "err", err)
				}
				wipeMu.Lock()
				toWipe = append(toWipe, path)
				wipeMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, path := range toWipe {
		if err := os.RemoveAll(path); err != nil {
			level.Warn(r.logger).Log("msg", "failed to remove stale cache directory", "path", path, "err", err)
		}
	}
	return nil
}

func (r *Registry) recoverOne(path string) error {
	ctrl, err := RecoverController(path, r.logger)
	if err != nil {
		return err
	}
	key := r.computeKey(ctrl.Descriptor())
	ctrl.onFinalSize = func(final int64) { r.reconcile(key, final) }
	ctrl.onBytesWritten = func(n int64) { r.metrics.downloadedBytes.Add(float64(n)) }

	size := ctrl.Descriptor().FileSize()
	r.mu.Lock()
	e := &regEntry{key: key, ctrl: ctrl, reserved: size}
	e.lru = r.lru.PushBack(e)
	r.index[key] = e
	r.totalBytes += size
	r.setTotalBytesMetricLocked()
	r.mu.Unlock()
	r.metrics.entries.Inc()
	return nil
}

// Len reports the number of entries currently tracked by the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}

// TotalBytes reports the current reserved-bytes total.
func (r *Registry) TotalBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalBytes
}

// Shutdown deactivates every tracked controller's download task without
// deleting any directory, for a graceful process exit — the entries
// remain on disk for the next process to recover.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.index))
	for _, e := range r.index {
		controllers = append(controllers, e.ctrl)
	}
	r.mu.Unlock()

	for _, c := range controllers {
		c.destroy()
	}
}
