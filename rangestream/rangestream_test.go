package rangestream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oarepo/file-pipeline-engine/config"
)

func testServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "object", time.Time{}, strings.NewReader(content))
	}))
}

func newStream(t *testing.T, content string, chunkSize int) (*Stream, func()) {
	t.Helper()
	srv := testServer(t, content)
	cfg := config.RangeStreamConfig{ChunkSize: chunkSize, RequestTimeout: 5 * time.Second, DrainSeekMaxBytes: 999}
	s := New(t.Context(), srv.URL, srv.Client(), cfg)
	return s, srv.Close
}

func TestStreamSize(t *testing.T) {
	content := strings.Repeat("x", 12345)
	s, closeFn := newStream(t, content, 65000)
	defer closeFn()

	sz, err := s.Size(t.Context())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz != int64(len(content)) {
		t.Fatalf("Size = %d, want %d", sz, len(content))
	}
}

func TestStreamReadSequential(t *testing.T) {
	content := "the quick brown fox jumps over the lazy dog"
	s, closeFn := newStream(t, content, 8) // force many small chunks
	defer closeFn()

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != content {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestStreamSeekDrainsSmallForwardJump(t *testing.T) {
	content := "0123456789ABCDEFGHIJ"
	s, closeFn := newStream(t, content, 1024)
	defer closeFn()

	buf := make([]byte, 5)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("initial read: %v", err)
	}
	if string(buf) != "01234" {
		t.Fatalf("got %q", buf)
	}

	if _, err := s.Seek(10, io.SeekCurrent); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	rest, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll after seek: %v", err)
	}
	if string(rest) != content[15:] {
		t.Fatalf("got %q, want %q", rest, content[15:])
	}
}

func TestStreamSeekLargeJumpReopens(t *testing.T) {
	content := strings.Repeat("ab", 2000) // 4000 bytes
	s, closeFn := newStream(t, content, 512)
	defer closeFn()

	if _, err := s.Seek(3000, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != content[3000:] {
		t.Fatalf("got len %d, want len %d", len(got), len(content)-3000)
	}
}

func TestStreamSeekFromEnd(t *testing.T) {
	content := "abcdefghij"
	s, closeFn := newStream(t, content, 1024)
	defer closeFn()

	if _, err := s.Seek(-3, io.SeekEnd); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hij" {
		t.Fatalf("got %q, want %q", got, "hij")
	}
}

type non206Doer struct{}

func (non206Doer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("whole body"))}, nil
}

func TestStreamRejectsNon206(t *testing.T) {
	cfg := config.RangeStreamConfig{ChunkSize: 10, RequestTimeout: time.Second, DrainSeekMaxBytes: 999}
	s := New(t.Context(), "http://example.invalid/object", non206Doer{}, cfg)

	buf := make([]byte, 4)
	if _, err := s.Read(buf); err == nil {
		t.Fatal("expected error for non-206 response, got nil")
	}
}
