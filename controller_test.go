package rfcache

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

// sliceSource replays a fixed list of chunks, one per Next call, waiting
// on delays[i] (if set) before returning chunk i.
type sliceSource struct {
	chunks [][]byte
	delays []time.Duration
	i      int
}

func (s *sliceSource) Next() ([]byte, error) {
	if s.i >= len(s.chunks) {
		return nil, io.EOF
	}
	if s.i < len(s.delays) && s.delays[s.i] > 0 {
		time.Sleep(s.delays[s.i])
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func splitIntoChunks(data []byte, chunkSize int) [][]byte {
	var chunks [][]byte
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func mustStartDownload(t *testing.T, localPath string, descriptor Descriptor, flushThreshold int64, src ByteSource) *Controller {
	ctrl, err := NewController(descriptor, localPath, flushThreshold, log.NewNopLogger())
	require.NoError(t, err)
	pool := NewDefaultPool(4)
	require.NoError(t, ctrl.StartBackgroundDownload(src, pool, "test"))
	return ctrl
}

func waitUntilStatus(t *testing.T, ctrl *Controller, want Status, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctrl.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("status never reached %s, stuck at %s", want, ctrl.Status())
}

// TestFreshDownloadEndToEnd covers a single-pass download where the
// flush threshold forces more than one frontier publish.
func TestFreshDownloadEndToEnd(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, 10*1024)
	chunks := splitIntoChunks(data, 1024)

	localPath := t.TempDir() + "/entry"
	descriptor := NewBasicDescriptor("https://example.com/f.bin", digest.FromString("v1"), int64(len(data)))

	var chunksWritten int32
	ctrl, err := NewController(descriptor, localPath, 4*1024, log.NewNopLogger())
	require.NoError(t, err)
	ctrl.onBytesWritten = func(int64) { chunksWritten++ }
	require.NoError(t, ctrl.StartBackgroundDownload(&sliceSource{chunks: chunks}, NewDefaultPool(4), "test"))

	waitUntilStatus(t, ctrl, StatusDownloaded, 2*time.Second)
	require.Greater(t, chunksWritten, int32(4), "more than a flushThreshold's worth of chunks should have been written to data.bin")
	require.GreaterOrEqual(t, ctrl.Frontier(), int64(len(data)))

	reader, err := ctrl.OpenReader()
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, data, got)

	info, err := readInfo(localPath)
	require.NoError(t, err)
	require.Equal(t, int32(StatusDownloaded), info.FileStatus)
}

// TestConcurrentReaders covers multiple readers opened on the same
// controller at once, none of which should deadlock or corrupt state.
func TestConcurrentReaders(t *testing.T) {
	data := bytes.Repeat([]byte{0x7e}, 20*1024)
	chunks := splitIntoChunks(data, 2*1024)

	localPath := t.TempDir() + "/entry"
	descriptor := NewBasicDescriptor("https://example.com/g.bin", digest.FromString("v1"), int64(len(data)))
	ctrl := mustStartDownload(t, localPath, descriptor, 4*1024, &sliceSource{chunks: chunks})

	waitUntilStatus(t, ctrl, StatusDownloaded, 2*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader, err := ctrl.OpenReader()
			require.NoError(t, err)
			defer reader.Close()
			got, err := io.ReadAll(reader)
			require.NoError(t, err)
			require.Equal(t, data, got)
		}()
	}
	wg.Wait()
	require.Equal(t, 0, ctrl.openReaderCount())
}

// TestWaitPastFrontierBlocks covers a reader whose requested range is
// past the current frontier: it must block until the next publish, not
// return early or spin.
func TestWaitPastFrontierBlocks(t *testing.T) {
	const mib = 1 << 20
	chunk1 := bytes.Repeat([]byte{0x01}, mib)
	chunk2 := bytes.Repeat([]byte{0x02}, mib)

	localPath := t.TempDir() + "/entry"
	descriptor := NewBasicDescriptor("https://example.com/h.bin", digest.FromString("v1"), int64(2*mib))
	src := &sliceSource{
		chunks: [][]byte{chunk1, chunk2},
		delays: []time.Duration{0, 100 * time.Millisecond},
	}
	ctrl := mustStartDownload(t, localPath, descriptor, mib, src)

	reader, err := ctrl.OpenReader()
	require.NoError(t, err)
	defer reader.Close()

	buf := make([]byte, mib/2)
	start := time.Now()
	n, err := reader.ReadAt(buf, int64(mib+mib/2))
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

// TestOpenReaderRejectsInvalidEntry covers the precondition that new
// readers are never granted on an already-invalidated controller.
func TestOpenReaderRejectsInvalidEntry(t *testing.T) {
	localPath := t.TempDir() + "/entry"
	descriptor := NewBasicDescriptor("https://example.com/i.bin", digest.FromString("v1"), 10)
	ctrl, err := NewController(descriptor, localPath, 4096, log.NewNopLogger())
	require.NoError(t, err)

	ctrl.invalidate()
	_, err = ctrl.OpenReader()
	require.Error(t, err)
}

// TestCloseReaderRejectsUnknownToken covers double-close rejection: the
// second Close presents a token no longer in the open-readers set.
func TestCloseReaderRejectsUnknownToken(t *testing.T) {
	localPath := t.TempDir() + "/entry"
	descriptor := NewBasicDescriptor("https://example.com/j.bin", digest.FromString("v1"), 4)
	ctrl := mustStartDownload(t, localPath, descriptor, 4096, &sliceSource{chunks: [][]byte{{1, 2, 3, 4}}})
	waitUntilStatus(t, ctrl, StatusDownloaded, time.Second)

	reader, err := ctrl.OpenReader()
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Error(t, reader.Close())
}

// TestRetireDefersCleanupUntilLastReaderCloses covers the "directory not
// deleted while open readers non-empty" invariant for an entry retired
// out from under an active reader.
func TestRetireDefersCleanupUntilLastReaderCloses(t *testing.T) {
	localPath := t.TempDir() + "/entry"
	descriptor := NewBasicDescriptor("https://example.com/k.bin", digest.FromString("v1"), 4)
	ctrl := mustStartDownload(t, localPath, descriptor, 4096, &sliceSource{chunks: [][]byte{{1, 2, 3, 4}}})
	waitUntilStatus(t, ctrl, StatusDownloaded, time.Second)

	reader, err := ctrl.OpenReader()
	require.NoError(t, err)

	require.NoError(t, ctrl.Retire())
	_, statErr := readInfo(localPath)
	require.NoError(t, statErr, "directory must still exist while reader is open")

	require.NoError(t, reader.Close())
	_, statErr = readInfo(localPath)
	require.Error(t, statErr, "directory must be gone once the last reader closes")
}

// TestWaitForBytesDownloadedFrontierBoundary covers Controller.WaitForBytes
// directly at the boundary where an entry is DOWNLOADED but its frontier
// fell short of the descriptor's declared size: a startOffset at or past
// that frontier must report ErrEndOfFile without blocking, while a
// startOffset still within the frontier must not.
func TestWaitForBytesDownloadedFrontierBoundary(t *testing.T) {
	localPath := t.TempDir() + "/entry"
	descriptor := NewBasicDescriptor("https://example.com/m.bin", digest.FromString("v1"), 100)
	ctrl, err := NewController(descriptor, localPath, 4096, log.NewNopLogger())
	require.NoError(t, err)

	ctrl.mu.Lock()
	ctrl.status = StatusDownloaded
	ctrl.frontier = 40
	ctrl.mu.Unlock()

	require.ErrorIs(t, ctrl.WaitForBytes(40, 100), ErrEndOfFile)
	require.ErrorIs(t, ctrl.WaitForBytes(90, 100), ErrEndOfFile)
	require.NoError(t, ctrl.WaitForBytes(0, 40))
}

// TestStartBackgroundDownloadClosesDataFileOnInfoWriteFailure covers
// that a failure writing the preliminary info.txt (after data.bin was
// already opened for writing) closes and releases that file descriptor
// instead of leaking it on the caller's subsequent os.RemoveAll of the
// entry directory.
func TestStartBackgroundDownloadClosesDataFileOnInfoWriteFailure(t *testing.T) {
	localPath := t.TempDir() + "/entry"
	require.NoError(t, os.MkdirAll(localPath, 0o755))

	descriptor := NewBasicDescriptor("https://example.com/o.bin", digest.FromString("v1"), 4)
	ctrl, err := NewController(descriptor, localPath, 4096, log.NewNopLogger())
	require.NoError(t, err)

	// Force writeInfo's os.Create of info.txt.tmp to fail: a directory
	// already occupies that name. Created after NewController, which
	// requires an empty entry directory.
	require.NoError(t, os.Mkdir(filepath.Join(localPath, "info.txt.tmp"), 0o755))

	err = ctrl.StartBackgroundDownload(&sliceSource{chunks: [][]byte{{1, 2, 3, 4}}}, NewDefaultPool(4), "test")
	require.Error(t, err)
	require.Nil(t, ctrl.dataFile, "data.bin handle must be closed and cleared on the writeInfo failure path")

	require.NoError(t, os.RemoveAll(localPath))
}

// TestWaitForBytesUnblocksOnInvalidation covers the fix for a reader
// blocked past the frontier when the controller is invalidated mid-wait
// (a failed download, or a destroy/retire racing an open reader): the
// blocked call must wake with ErrEndOfFile instead of hanging forever.
func TestWaitForBytesUnblocksOnInvalidation(t *testing.T) {
	localPath := t.TempDir() + "/entry"
	descriptor := NewBasicDescriptor("https://example.com/n.bin", digest.FromString("v1"), 100)
	ctrl, err := NewController(descriptor, localPath, 4096, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dataFilePath(localPath), make([]byte, 10), 0o644))

	reader, err := ctrl.OpenReader()
	require.NoError(t, err)
	defer reader.Close()

	errCh := make(chan error, 1)
	go func() {
		_, readErr := reader.ReadAt(make([]byte, 50), 10)
		errCh <- readErr
	}()

	time.Sleep(20 * time.Millisecond)
	ctrl.invalidate()
	ctrl.cond.Broadcast()

	select {
	case readErr := <-errCh:
		require.ErrorIs(t, readErr, ErrEndOfFile)
	case <-time.After(time.Second):
		t.Fatal("reader stayed blocked past invalidation instead of waking with ErrEndOfFile")
	}
}
