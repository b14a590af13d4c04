// Package rangestream implements [C1]: a synchronous, seekable byte source
// backed by HTTP Range requests against a remote object store.
package rangestream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/oarepo/file-pipeline-engine/config"
	apperrors "github.com/oarepo/file-pipeline-engine/errors"
)

// HTTPDoer is the minimal client interface the Stream needs. *http.Client
// satisfies it directly; tests and alternate transports (a presigned-URL
// signer, a retrying client) can inject their own implementation.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Stream is an io.ReadSeeker that lazily fetches fixed-size byte ranges
// from url as it is read, and reissues a fresh ranged GET (or drains the
// current one) when seeked.
type Stream struct {
	url    string
	client HTTPDoer
	cfg    config.RangeStreamConfig
	ctx    context.Context

	mu   sync.Mutex
	pos  int64
	size int64 // -1 until known

	body      io.ReadCloser
	bodyStart int64 // absolute offset of the open body's first byte (the start of its chunk)
}

// New creates a Stream that will read url over ctx using client.
func New(ctx context.Context, url string, client HTTPDoer, cfg config.RangeStreamConfig) *Stream {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 65000
	}
	if cfg.DrainSeekMaxBytes <= 0 {
		cfg.DrainSeekMaxBytes = 999
	}
	return &Stream{url: url, client: client, cfg: cfg, ctx: ctx, size: -1}
}

// Size returns the resource's total length, fetching it via a
// `Range: bytes=0-0` probe and parsing the Content-Range response header on
// first call. Subsequent calls return the cached value.
func (s *Stream) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size >= 0 {
		return s.size, nil
	}

	resp, err := s.doRange(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	cr := resp.Header.Get("Content-Range")
	total, err := parseContentRangeTotal(cr)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CategoryExternalService, "rangestream.size",
			fmt.Errorf("parsing Content-Range %q: %w", cr, err))
	}
	s.size = total
	return total, nil
}

// Read implements io.Reader, transparently crossing chunk boundaries by
// requesting the next ChunkSize-byte range (65000 by default) as each one is
// exhausted. The total size is probed before the first range is requested so
// that reading stops with io.EOF at the end of the object.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.body == nil {
			if s.size < 0 {
				sz, err := s.sizeLocked(s.ctx)
				if err != nil {
					return 0, err
				}
				s.size = sz
			}
			if s.pos >= s.size {
				return 0, io.EOF
			}
			if err := s.openChunkLocked(s.ctx); err != nil {
				return 0, err
			}
		}

		n, err := s.body.Read(p)
		if n > 0 {
			s.pos += int64(n)
			return n, nil
		}
		if err == io.EOF {
			s.body.Close()
			s.body = nil
			if s.size >= 0 && s.pos >= s.size {
				return 0, io.EOF
			}
			continue // cross into the next chunk
		}
		if err != nil {
			s.body.Close()
			s.body = nil
			return 0, apperrors.Wrap(apperrors.CategoryExternalService, "rangestream.read", err)
		}
		return 0, nil
	}
}

// Seek implements io.Seeker. A small forward seek (1-999 bytes) inside the
// currently open chunk drains to the target offset instead of opening a new
// connection; any other seek closes the current body and repositions, with
// the next chunk fetched lazily on the following Read.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		if s.size < 0 {
			sz, err := s.sizeLocked(s.ctx)
			if err != nil {
				return 0, err
			}
			s.size = sz
		}
		newPos = s.size + offset
	default:
		return 0, fmt.Errorf("rangestream: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("rangestream: negative seek position %d", newPos)
	}

	delta := newPos - s.pos
	chunkEnd := s.bodyStart + int64(s.cfg.ChunkSize)
	if s.size >= 0 && chunkEnd > s.size {
		chunkEnd = s.size
	}
	if s.body != nil && delta > 0 && delta <= s.cfg.DrainSeekMaxBytes && newPos <= chunkEnd {
		if _, err := io.CopyN(io.Discard, s.body, delta); err != nil {
			s.body.Close()
			s.body = nil
			return 0, apperrors.Wrap(apperrors.CategoryExternalService, "rangestream.seek.drain", err)
		}
		s.pos = newPos
		return s.pos, nil
	}

	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
	s.pos = newPos
	return s.pos, nil
}

// Close releases the currently open chunk body, if any.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body != nil {
		err := s.body.Close()
		s.body = nil
		return err
	}
	return nil
}

func (s *Stream) sizeLocked(ctx context.Context) (int64, error) {
	resp, err := s.doRange(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return parseContentRangeTotal(resp.Header.Get("Content-Range"))
}

func (s *Stream) openChunkLocked(ctx context.Context) error {
	end := s.pos + int64(s.cfg.ChunkSize) - 1
	if s.size >= 0 && end > s.size-1 {
		end = s.size - 1
	}
	resp, err := s.doRange(ctx, s.pos, end)
	if err != nil {
		return err
	}
	s.body = resp.Body
	s.bodyStart = s.pos
	return nil
}

// doRange issues a single ranged GET for [start, end] inclusive and
// requires a 206 response; any other status is a failure (the engine's
// "206-or-fail" semantics — there is no fallback to a full-body GET).
func (s *Stream) doRange(ctx context.Context, start, end int64) (*http.Response, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInternal, "rangestream.request", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.Transient("rangestream.get", err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, apperrors.New(apperrors.CategoryExternalService, "rangestream.get",
			fmt.Errorf("expected 206 Partial Content, got %d", resp.StatusCode))
	}
	return resp, nil
}

// parseContentRangeTotal extracts the total resource length from a header
// of the form "bytes 0-0/12345". A total of "*" (unknown) is reported as an
// error since the engine always needs a concrete size.
func parseContentRangeTotal(headerVal string) (int64, error) {
	const prefix = "bytes "
	if !strings.HasPrefix(headerVal, prefix) {
		return 0, fmt.Errorf("missing or malformed Content-Range header")
	}
	slash := strings.LastIndexByte(headerVal, '/')
	if slash < 0 || slash == len(headerVal)-1 {
		return 0, fmt.Errorf("missing total length in Content-Range")
	}
	totalStr := headerVal[slash+1:]
	if totalStr == "*" {
		return 0, fmt.Errorf("server did not report a total resource length")
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid total length %q: %w", totalStr, err)
	}
	return total, nil
}
