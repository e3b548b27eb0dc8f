package rfcache

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ByteSource is the streaming collaborator the controller consumes to
// completion. It is the Go-idiomatic rendition of spec.md §6's
// eof()/available()/position() contract: each call to Next returns the
// next contiguous chunk of bytes, or io.EOF once the source is
// exhausted. Implementations are consumed by exactly one goroutine at a
// time (the download task) and need no internal locking on that account.
type ByteSource interface {
	Next() ([]byte, error)
}

// TaskHandle is returned by TaskPool.CreateTask. ActivateAndSchedule
// starts the task; Deactivate signals it to stop and blocks until the
// closure is no longer executing.
type TaskHandle interface {
	ActivateAndSchedule()
	Deactivate()
}

// TaskPool is the cooperative thread pool the caller supplies to drive
// background downloads, mirroring BackgroundSchedulePool in the original
// source and the teacher's own goroutine-driven idle tasks.
type TaskPool interface {
	CreateTask(name string, fn func(stop <-chan struct{})) TaskHandle
}

// DefaultPool is a TaskPool backed by goroutines bounded by a weighted
// semaphore — the idiomatic Go analogue of the teacher's
// MaxConcurrent-gated dlClient map (manager.go).
type DefaultPool struct {
	sem *semaphore.Weighted
}

// NewDefaultPool returns a TaskPool that runs at most maxConcurrent
// download tasks at once. maxConcurrent <= 0 defaults to 10, the same
// default the teacher's DownloadManager.MaxConcurrent uses.
func NewDefaultPool(maxConcurrent int64) *DefaultPool {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &DefaultPool{sem: semaphore.NewWeighted(maxConcurrent)}
}

type poolTask struct {
	sem  *semaphore.Weighted
	fn   func(stop <-chan struct{})
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (p *DefaultPool) CreateTask(_ string, fn func(stop <-chan struct{})) TaskHandle {
	return &poolTask{sem: p.sem, fn: fn, stop: make(chan struct{}), done: make(chan struct{})}
}

func (t *poolTask) ActivateAndSchedule() {
	go func() {
		_ = t.sem.Acquire(context.Background(), 1)
		defer t.sem.Release(1)
		defer close(t.done)
		t.fn(t.stop)
	}()
}

func (t *poolTask) Deactivate() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}

// StartBackgroundDownload opens data.bin for writing, performs the
// preliminary flush (info.txt with status TO_DOWNLOAD), and schedules
// the background download task that consumes src. Precondition: status
// is TO_DOWNLOAD and the controller was freshly constructed, not
// recovered.
func (c *Controller) StartBackgroundDownload(src ByteSource, pool TaskPool, taskName string) error {
	c.mu.Lock()
	if c.status != StatusToDownload {
		c.mu.Unlock()
		return badArguments("cannot start download: entry %s is not TO_DOWNLOAD", c.localPath)
	}
	if c.descriptor == nil {
		c.mu.Unlock()
		return badArguments("cannot start download: entry %s has no descriptor", c.localPath)
	}
	f, err := os.OpenFile(dataFilePath(c.localPath), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		c.mu.Unlock()
		return errors.Wrap(err, "open data.bin for writing")
	}
	c.dataFile = f
	c.mu.Unlock()

	if err := writeInfo(c.localPath, StatusToDownload, c.descriptor.Name()); err != nil {
		c.mu.Lock()
		if c.dataFile != nil {
			c.dataFile.Close()
			c.dataFile = nil
		}
		c.mu.Unlock()
		return errors.Wrap(err, "write initial info.txt")
	}

	handle := pool.CreateTask(taskName, func(stop <-chan struct{}) { c.runDownload(src, stop) })
	c.mu.Lock()
	c.taskHandle = handle
	c.mu.Unlock()
	handle.ActivateAndSchedule()
	return nil
}

// runDownload is the background task body. It sets status to
// DOWNLOADING, streams src into data.bin, and periodically publishes
// (fsync + advance frontier + broadcast) every flushThreshold bytes,
// finishing with an unconditional final publish regardless of how close
// the last periodic one was — matching backgroundDownload in the
// original source.
func (c *Controller) runDownload(src ByteSource, stop <-chan struct{}) {
	c.mu.Lock()
	c.status = StatusDownloading
	c.mu.Unlock()

	var unflushed int64
	for {
		select {
		case <-stop:
			c.invalidate()
			c.abortWriter()
			c.cond.Broadcast()
			return
		default:
		}

		chunk, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.fail(err)
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if _, werr := c.dataFile.Write(chunk); werr != nil {
			c.fail(werr)
			return
		}
		n := int64(len(chunk))
		unflushed += n
		if c.onBytesWritten != nil {
			c.onBytesWritten(n)
		}
		if unflushed >= c.flushThreshold {
			if err := c.publish(unflushed, false); err != nil {
				c.fail(err)
				return
			}
			unflushed = 0
		}
	}

	if err := c.publish(unflushed, true); err != nil {
		c.fail(err)
	}
}

// publish advances the frontier by delta and, if final, transitions to
// DOWNLOADED. data.bin is always fsynced before info.txt is rewritten
// with a DOWNLOADED status, per Open Question (c).
func (c *Controller) publish(delta int64, final bool) error {
	c.mu.Lock()
	c.frontier += delta
	if final {
		c.status = StatusDownloaded
	}
	if c.dataFile != nil {
		if err := c.dataFile.Sync(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if final {
		if err := writeInfo(c.localPath, c.status, c.descriptor.Name()); err != nil {
			c.mu.Unlock()
			return err
		}
		if c.dataFile != nil {
			c.dataFile.Close()
			c.dataFile = nil
		}
	}
	c.mu.Unlock()
	c.cond.Broadcast()

	if final && c.onFinalSize != nil {
		c.onFinalSize(c.descriptor.FileSize())
	}
	return nil
}

// fail marks the controller invalid on a byte-source failure mid-stream.
// The entry never reaches DOWNLOADED and is never recovered after
// restart; the registry evicts it on its next sweep.
func (c *Controller) fail(err error) {
	level.Error(c.logger).Log("msg", "background download failed", "path", c.localPath, "err", err)
	c.invalidate()
	c.abortWriter()
	c.cond.Broadcast()
}

func (c *Controller) abortWriter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataFile != nil {
		c.dataFile.Close()
		c.dataFile = nil
	}
}
