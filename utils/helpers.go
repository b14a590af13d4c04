package utils

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
)

// DetectMediaType guesses a MIME type for name (by extension) and falls
// back to sniffing the first bytes of data when the extension is unknown,
// finally defaulting to application/octet-stream. Used by the ZIP steps
// when an archive member carries no media type of its own.
func DetectMediaType(name string, data []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return "application/octet-stream"
}

// CloneBytes returns a copy of b, safe for use after the source buffer is
// released back to a pool.
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// BytesReader creates an io.Reader backed by b without copying it.
func BytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

// NonSeekableReader adapts a one-pass stream (a decrypt pass, a goroutine
// feeding a pipe) to satisfy io.ReadSeeker, which is what StepIO requires.
// Only a position query — Seek(0, io.SeekCurrent) — is honored; any other
// seek fails, since the underlying bytes are never available to replay.
type NonSeekableReader struct {
	r    io.Reader
	read int64
}

// NewNonSeekableReader wraps r.
func NewNonSeekableReader(r io.Reader) *NonSeekableReader {
	return &NonSeekableReader{r: r}
}

func (n *NonSeekableReader) Read(p []byte) (int, error) {
	c, err := n.r.Read(p)
	n.read += int64(c)
	return c, err
}

func (n *NonSeekableReader) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekCurrent && offset == 0 {
		return n.read, nil
	}
	return 0, fmt.Errorf("utils: this stream was produced by a one-pass transform and cannot be seeked")
}
