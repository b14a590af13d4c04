package bridge

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/oarepo/file-pipeline-engine/core"
)

func TestRunCompleteNoFiles(t *testing.T) {
	ctx := context.Background()
	q := Run(ctx, 1, func(ctx context.Context, q *Queue) (any, error) {
		return 42, nil
	})

	frame, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if frame.Type != FrameComplete || frame.Result != 42 {
		t.Fatalf("got frame %+v, want complete(42)", frame)
	}
}

func TestRunPropagatesError(t *testing.T) {
	ctx := context.Background()
	wantErr := errors.New("boom")
	q := Run(ctx, 1, func(ctx context.Context, q *Queue) (any, error) {
		return nil, wantErr
	})

	frame, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if frame.Type != FrameError || !errors.Is(frame.Err, wantErr) {
		t.Fatalf("got frame %+v, want error(%v)", frame, wantErr)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	ctx := context.Background()
	q := Run(ctx, 1, func(ctx context.Context, q *Queue) (any, error) {
		panic("unexpected")
	})

	frame, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if frame.Type != FrameError {
		t.Fatalf("got frame %+v, want an error frame", frame)
	}
}

func TestToStepOutputMultiFile(t *testing.T) {
	ctx := context.Background()
	q := Run(ctx, 1, func(ctx context.Context, q *Queue) (any, error) {
		files := []struct {
			name    string
			content string
		}{
			{"a.txt", "hello"},
			{"b.txt", "world!!"},
		}
		for _, f := range files {
			if err := q.Put(ctx, Frame{Type: FrameStartFile, Meta: core.Metadata{"file_name": f.name}}); err != nil {
				return nil, err
			}
			if err := q.Put(ctx, Frame{Type: FrameChunk, Chunk: []byte(f.content)}); err != nil {
				return nil, err
			}
			if err := q.Put(ctx, Frame{Type: FrameEndFile}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	out := ToStepOutput(ctx, q, 2)
	if out.FileCount != 2 {
		t.Fatalf("FileCount = %d, want 2", out.FileCount)
	}

	var got []string
	for item := range out.Items {
		if item.Err != nil {
			t.Fatalf("item error: %v", item.Err)
		}
		data, err := io.ReadAll(item.IO.Stream)
		if err != nil {
			t.Fatalf("reading file %s: %v", item.IO.Metadata.FileName(), err)
		}
		got = append(got, item.IO.Metadata.FileName()+"="+string(data))
		item.IO.Close()
	}

	want := []string{"a.txt=hello", "b.txt=world!!"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestToStepOutputPropagatesMidStreamError(t *testing.T) {
	ctx := context.Background()
	wantErr := errors.New("stream broke")
	q := Run(ctx, 1, func(ctx context.Context, q *Queue) (any, error) {
		if err := q.Put(ctx, Frame{Type: FrameStartFile, Meta: core.Metadata{"file_name": "a.txt"}}); err != nil {
			return nil, err
		}
		return nil, wantErr
	})

	out := ToStepOutput(ctx, q, 1)
	item := <-out.Items
	if item.Err != nil {
		t.Fatalf("unexpected error on startfile item: %v", item.Err)
	}
	_, readErr := io.ReadAll(item.IO.Stream)
	if readErr == nil {
		t.Fatal("expected read to surface the mid-stream error")
	}
}
