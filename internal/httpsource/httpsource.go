// Package httpsource provides the module's own default ByteSource: a
// plain range-GET stream over net/http. It is grounded on the teacher's
// own range-request construction (client.go's createReader), kept to the
// standard library rather than a heavier download client — the
// rfcache.ByteSource contract only needs a single forward-only stream,
// not a whole resumable-download manager.
package httpsource

import (
	"fmt"
	"io"
	"net/http"
)

// Source streams a remote HTTP(S) URL in fixed-size chunks, implementing
// rfcache.ByteSource without importing the root package (avoiding an
// import cycle; rfcache depends on nothing under internal/).
type Source struct {
	client     *http.Client
	resp       *http.Response
	bufSize    int
	finished   bool
	pendingErr error
}

// Open issues a GET request for url, starting at byte offset off, and
// returns a Source ready to stream the response body in bufSize chunks.
// A non-zero off sends a Range: bytes=off- header, matching the
// teacher's createReader.
func Open(client *http.Client, url string, off int64, bufSize int) (*Source, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if bufSize <= 0 {
		bufSize = 256 * 1024
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if off != 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", off))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("httpsource: failed to download %s: %s", url, resp.Status)
	}
	return &Source{client: client, resp: resp, bufSize: bufSize}, nil
}

// Next returns the next chunk of the response body, or io.EOF once the
// body is exhausted.
func (s *Source) Next() ([]byte, error) {
	if s.finished {
		if s.pendingErr != nil && s.pendingErr != io.EOF {
			return nil, s.pendingErr
		}
		return nil, io.EOF
	}
	buf := make([]byte, s.bufSize)
	n, err := s.resp.Body.Read(buf)
	if n > 0 {
		if err != nil {
			s.finished = true
			s.pendingErr = err
		}
		return buf[:n], nil
	}
	s.finished = true
	s.pendingErr = err
	if err == nil || err == io.EOF {
		return nil, io.EOF
	}
	return nil, err
}

// Close closes the underlying HTTP response body.
func (s *Source) Close() error {
	if s.resp == nil {
		return nil
	}
	return s.resp.Body.Close()
}

// HeadSize performs a HEAD request to learn the remote file's exact
// byte length, for building a Descriptor before starting the download —
// the teacher's own getSize (read.go) fallback path.
func HeadSize(client *http.Client, url string) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Head(url)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("httpsource: HEAD %s: %s", url, resp.Status)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("httpsource: HEAD %s: no Content-Length", url)
	}
	return resp.ContentLength, nil
}
