package rfcache

import (
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Controller is the live object coordinating download and reads for one
// cached entry. One Controller exists per cache entry; the Registry owns
// its lifecycle. Mutation of status and frontier is exclusively the
// download task's responsibility — see download.go — the Registry only
// ever flips valid (via Retire) and Controller itself owns the open
// reader set.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	localPath      string
	descriptor     Descriptor
	status         Status
	frontier       int64
	flushThreshold int64

	valid    bool
	retiring bool

	openReaders map[uuid.UUID]struct{}

	dataFile   *os.File
	taskHandle TaskHandle

	logger log.Logger

	// onFinalSize, if set, is called once — after the controller's own
	// lock has been released — when the entry reaches DOWNLOADED, with
	// the descriptor's declared size. The registry uses it to reconcile
	// its reservation accounting (Open Question (a), SPEC_FULL.md §12).
	onFinalSize func(int64)

	// onBytesWritten, if set, is called after every successful write to
	// data.bin with the number of bytes written, for metrics.
	onBytesWritten func(int64)
}

// NewController freshly constructs a controller for a new cache entry.
// localPath must either not exist or be an empty directory; it is
// created if missing. metadata.txt is written immediately; info.txt is
// not written until StartBackgroundDownload's preliminary flush.
func NewController(descriptor Descriptor, localPath string, flushThreshold int64, logger log.Logger) (*Controller, error) {
	if descriptor == nil {
		return nil, badArguments("fresh construction requires a non-nil descriptor")
	}
	if flushThreshold <= 0 {
		return nil, badArguments("flushThreshold must be positive, got %d", flushThreshold)
	}
	empty, err := dirIsEmptyOrAbsent(localPath)
	if err != nil {
		return nil, err
	}
	if !empty {
		return nil, badArguments("entry directory %s is neither absent nor empty", localPath)
	}
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "create entry directory")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := writeMetadata(localPath, descriptor); err != nil {
		return nil, err
	}

	c := &Controller{
		localPath:      localPath,
		descriptor:     descriptor,
		status:         StatusToDownload,
		flushThreshold: flushThreshold,
		valid:          true,
		openReaders:    make(map[uuid.UUID]struct{}),
		logger:         logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// RecoverController rebuilds a controller from an on-disk entry
// directory written by a previous process. It returns ErrNoSuchEntry
// (soft failure) if the directory is not a complete DOWNLOADED entry;
// the caller is expected to delete the directory in that case. Any other
// error is a hard failure — BadArgumentsError for an unregistered class
// tag, LogicalError for a descriptor that fails to parse — and the
// caller must arrange deletion without doing so mid-scan.
func RecoverController(localPath string, logger log.Logger) (*Controller, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if _, err := os.Stat(dataFilePath(localPath)); err != nil {
		return nil, ErrNoSuchEntry
	}

	snap, err := readInfo(localPath)
	if err != nil || snap.FileStatus != int32(StatusDownloaded) {
		return nil, ErrNoSuchEntry
	}

	ctor, ok := lookupClass(snap.MetadataClass)
	if !ok {
		return nil, badArguments("unregistered metadata class %q for entry %s", snap.MetadataClass, localPath)
	}

	raw, err := readMetadata(localPath)
	if err != nil {
		return nil, errors.Wrap(err, "read metadata.txt")
	}
	descriptor := ctor()
	if err := descriptor.Deserialize(raw); err != nil {
		return nil, logicalError(localPath, snap.MetadataClass, err)
	}

	info, err := os.Stat(dataFilePath(localPath))
	if err != nil {
		return nil, errors.Wrap(err, "stat data.bin")
	}

	c := &Controller{
		localPath:   localPath,
		descriptor:  descriptor,
		status:      StatusDownloaded,
		frontier:    info.Size(),
		valid:       true,
		openReaders: make(map[uuid.UUID]struct{}),
		logger:      logger,
	}
	c.cond = sync.NewCond(&c.mu)
	level.Debug(logger).Log("msg", "recovered cache entry", "path", localPath, "frontier", c.frontier)
	return c, nil
}

func (c *Controller) Descriptor() Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descriptor
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Frontier() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frontier
}

func (c *Controller) LocalPath() string {
	return c.localPath
}

func (c *Controller) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *Controller) openReaderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.openReaders)
}

// activeDownload reports whether a download task is running (or about
// to run) for this entry. Eviction must never select such an entry. An
// invalidated entry (a failed or stopped download) is not reported as
// active, so a sweep can evict it; Retire waits for its task to exit.
func (c *Controller) activeDownload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid && c.taskHandle != nil && c.status != StatusDownloaded
}

// IsModified compares this controller's stored descriptor's version
// token to other's and reports whether they differ.
func (c *Controller) IsModified(other Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return isModified(c.descriptor, other)
}

func (c *Controller) invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// destroy deactivates any running download task and waits for it to
// observe the stop signal. It does not delete the directory: that is
// Close's job, invoked explicitly once the caller knows no readers
// remain.
func (c *Controller) destroy() {
	c.mu.Lock()
	th := c.taskHandle
	c.mu.Unlock()
	if th != nil {
		th.Deactivate()
	}
}

// Close deletes the entry's local directory recursively. Preconditions:
// no open readers, no active download task. The caller (the Registry) is
// responsible for enforcing both; Close itself only refuses to run while
// readers remain, since deleting data.bin out from under a reader would
// violate the "directory not deleted while readers are open" invariant.
func (c *Controller) Close() error {
	c.mu.Lock()
	n := len(c.openReaders)
	c.mu.Unlock()
	if n > 0 {
		return badArguments("cannot close entry %s: %d open readers", c.localPath, n)
	}
	return os.RemoveAll(c.localPath)
}

// Retire marks the controller invalid, deactivates its download task,
// and deletes its directory immediately if no readers are open. If
// readers remain open, deletion is deferred to whichever CloseReader
// call removes the last one — see reader.go — which honors the
// "directory is not deleted while open readers is non-empty" invariant
// even for an entry the registry has already evicted.
func (c *Controller) Retire() error {
	c.mu.Lock()
	c.valid = false
	c.retiring = true
	empty := len(c.openReaders) == 0
	c.mu.Unlock()

	c.destroy()

	if empty {
		return c.Close()
	}
	return nil
}
