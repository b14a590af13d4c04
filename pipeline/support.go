package pipeline

import (
	"context"
	"io"
	"path"
	"strconv"
	"sync"

	"github.com/oarepo/file-pipeline-engine/core"
	apperrors "github.com/oarepo/file-pipeline-engine/errors"
	"github.com/oarepo/file-pipeline-engine/utils"
)

// seekerSize reports the total length of an io.ReadSeeker via Seek(0,
// SeekEnd), restoring its original position afterward.
func seekerSize(s io.ReadSeeker) (int64, error) {
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CategoryInternal, "pipeline.seeker_size", err)
	}
	size, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CategoryInternal, "pipeline.seeker_size", err)
	}
	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		return 0, apperrors.Wrap(apperrors.CategoryInternal, "pipeline.seeker_size", err)
	}
	return size, nil
}

// asReaderAt adapts an io.ReadSeeker to io.ReaderAt by serializing access
// with a mutex, since archive/zip.NewReader issues concurrent ReadAt calls
// against its central directory and RangeStream isn't safe for that
// otherwise.
type asReaderAt struct {
	s  io.ReadSeeker
	mu *sync.Mutex
}

func newAsReaderAt(s io.ReadSeeker) asReaderAt {
	return asReaderAt{s: s, mu: &sync.Mutex{}}
}

func (a asReaderAt) ReadAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.s.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(a.s, p)
}

// multiCloser closes every member in order, returning the first error.
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func baseName(name string) string {
	return path.Base(name)
}

func guessMediaType(name string) string {
	return utils.DetectMediaType(name, nil)
}

func intArg(args map[string]string, key string, fallback int) int {
	v, ok := args[key]
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// closeWhenDrained wraps out so that closer is closed once every item has
// been consumed (or the caller stops draining early), keeping the backing
// stream alive for as long as the asynchronous extraction goroutine needs
// it instead of closing it the instant Process returns.
func closeWhenDrained(ctx context.Context, out *core.StepOutput, closer io.Closer) *core.StepOutput {
	items := make(chan core.StreamItem)
	go func() {
		defer close(items)
		defer closer.Close()
		for item := range out.Items {
			select {
			case items <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &core.StepOutput{FileCount: out.FileCount, Items: items}
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}
