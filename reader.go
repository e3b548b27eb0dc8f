package rfcache

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WaitForBytes blocks until status transitions to DOWNLOADED, the
// frontier reaches endOffset, or the entry is invalidated (a failed
// download, or a destroy/retire mid-download), whichever comes first,
// re-checking its predicate on every wakeup so spurious wakeups are
// harmless. It returns ErrEndOfFile, without blocking further, once a
// wakeup leaves it unable to make progress: the entry is DOWNLOADED and
// startOffset is at or past the frontier, or the entry went invalid
// before the frontier ever reached endOffset.
func (c *Controller) WaitForBytes(startOffset, endOffset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusDownloaded {
		if startOffset >= c.frontier {
			return ErrEndOfFile
		}
		return nil
	}
	if c.frontier >= endOffset {
		return nil
	}
	for c.valid && c.status != StatusDownloaded && c.frontier < endOffset {
		c.cond.Wait()
	}
	if !c.valid && c.frontier < endOffset {
		return ErrEndOfFile
	}
	if c.status == StatusDownloaded && startOffset >= c.frontier {
		return ErrEndOfFile
	}
	return nil
}

// Reader is a seekable byte source over one cache entry's data.bin. It
// is the reader handle of spec.md §2/§4.3: opening one records its
// opaque token in the controller's open-readers set; closing it removes
// that token and, if the entry has been retired and this was the last
// open reader, triggers deferred directory cleanup.
type Reader struct {
	ctrl  *Controller
	token uuid.UUID
	file  *os.File
	pos   int64
	size  int64
}

// OpenReader returns a new Reader over this entry's data.bin. It fails
// if the entry has been invalidated (e.g. by the registry, ahead of
// eviction) — new readers must never be granted on an invalid entry.
func (c *Controller) OpenReader() (*Reader, error) {
	c.mu.Lock()
	if !c.valid {
		c.mu.Unlock()
		return nil, badArguments("cannot open reader: entry %s is invalid", c.localPath)
	}
	token := uuid.New()
	c.openReaders[token] = struct{}{}
	size := c.descriptor.FileSize()
	c.mu.Unlock()

	f, err := os.Open(dataFilePath(c.localPath))
	if err != nil {
		c.mu.Lock()
		delete(c.openReaders, token)
		c.mu.Unlock()
		return nil, errors.Wrap(err, "open data.bin")
	}
	return &Reader{ctrl: c, token: token, file: f, size: size}, nil
}

// CloseReader removes token from the open-readers set. It is an error
// to close an unknown token or to close the same token twice.
func (c *Controller) CloseReader(token uuid.UUID) error {
	c.mu.Lock()
	if _, ok := c.openReaders[token]; !ok {
		c.mu.Unlock()
		return badArguments("close of unknown or already-closed reader handle %s", token)
	}
	delete(c.openReaders, token)
	cleanup := c.retiring && len(c.openReaders) == 0
	c.mu.Unlock()

	if cleanup {
		return c.Close()
	}
	return nil
}

// Close releases the reader's file descriptor and its slot in the
// controller's open-readers set.
func (r *Reader) Close() error {
	closeErr := r.file.Close()
	releaseErr := r.ctrl.CloseReader(r.token)
	if releaseErr != nil {
		return releaseErr
	}
	return closeErr
}

// ReadAt blocks, via Controller.WaitForBytes, until the requested range
// is present, then reads directly off data.bin. The range is clamped to
// the declared size, and an off at or past the declared size returns
// io.EOF before WaitForBytes is called. Every other end-of-file decision
// is WaitForBytes's: an off at or past the frontier of a DOWNLOADED
// entry whose download fell short of its declared size gets
// ErrEndOfFile from it rather than blocking for bytes that can never
// arrive.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("rfcache: negative offset %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p))
	if end > r.size {
		end = r.size
	}
	if off >= end {
		return 0, io.EOF
	}
	p = p[:end-off]

	if err := r.ctrl.WaitForBytes(off, end); err != nil {
		return 0, err
	}
	n, err := r.file.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "read data.bin")
	}
	return n, err
}

// Read reads from the current position and advances it.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker against the descriptor's declared size.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = r.pos + offset
	case io.SeekEnd:
		newPos = r.size + offset
	default:
		return r.pos, fmt.Errorf("rfcache: invalid seek whence %d", whence)
	}
	if newPos < 0 {
		return r.pos, fmt.Errorf("rfcache: negative seek position %d", newPos)
	}
	r.pos = newPos
	return r.pos, nil
}

// Size returns the descriptor's declared size, independent of how much
// of it has actually downloaded.
func (r *Reader) Size() int64 { return r.size }
