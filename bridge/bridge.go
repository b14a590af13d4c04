// Package bridge implements [C3]: a bounded queue that lets a blocking
// worker goroutine stream file data and metadata to a consumer one frame at
// a time, and a driver that reconstructs a core.StepOutput from that frame
// sequence. It is the Go analogue of the original engine's
// async_to_sync.sync_runner / ResultQueue pairing, adapted from
// goroutine-to-goroutine handoff instead of thread-to-event-loop handoff.
package bridge

import (
	"context"
	"fmt"
	"io"

	"github.com/oarepo/file-pipeline-engine/core"
	"github.com/oarepo/file-pipeline-engine/utils"
)

// FrameType identifies the kind of value carried by a Frame.
type FrameType int

const (
	// FrameStartFile announces a new file; Meta carries its metadata
	// (file_name, media_type, and so on).
	FrameStartFile FrameType = iota
	// FrameChunk carries one piece of the current file's bytes.
	FrameChunk
	// FrameEndFile marks the current file complete.
	FrameEndFile
	// FrameComplete is the terminal frame for a worker that finished
	// without error; Result carries its return value, if any.
	FrameComplete
	// FrameError is the terminal frame for a worker that failed.
	FrameError
)

// Frame is one message passed from a worker goroutine to its consumer.
type Frame struct {
	Type   FrameType
	Meta   core.Metadata
	Chunk  []byte
	Result any
	Err    error
}

// Queue is a bounded, context-aware handoff channel between a worker
// goroutine and the code draining its output.
type Queue struct {
	ch chan Frame
}

// NewQueue creates a Queue with the given capacity, defaulting to 1 (the
// engine's standard bridge queue size) for size <= 0.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan Frame, size)}
}

// Put enqueues f, blocking until there is room or ctx is done.
func (q *Queue) Put(ctx context.Context, f Frame) error {
	select {
	case q.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next frame, blocking until one arrives or ctx is done.
func (q *Queue) Get(ctx context.Context) (Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// WorkerFunc performs blocking work, emitting Frame values onto q as it
// produces data, and returns a final result (or error) that Run turns into
// the queue's terminal frame.
type WorkerFunc func(ctx context.Context, q *Queue) (any, error)

// Run starts fn on its own goroutine and returns the Queue it writes to.
// A panic inside fn is recovered and reported as a FrameError, mirroring the
// original sync_runner's helper_fn try/except around the blocking call.
func Run(ctx context.Context, queueSize int, fn WorkerFunc) *Queue {
	q := NewQueue(queueSize)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				_ = q.Put(ctx, Frame{Type: FrameError, Err: fmt.Errorf("bridge: worker panic: %v", r)})
			}
		}()
		result, err := fn(ctx, q)
		if err != nil {
			_ = q.Put(ctx, Frame{Type: FrameError, Err: err})
			return
		}
		_ = q.Put(ctx, Frame{Type: FrameComplete, Result: result})
	}()
	return q
}

// ToStepOutput drains q, reconstructing a *core.StepOutput from its
// startfile/chunk.../endfile frame sequence (repeated once per file, ended
// by a complete or error frame). fileCount is reported on the returned
// StepOutput verbatim; pass core.UnknownFileCount when the total isn't
// knowable until the work completes.
func ToStepOutput(ctx context.Context, q *Queue, fileCount int) *core.StepOutput {
	items := make(chan core.StreamItem)
	go driveStepOutput(ctx, q, items)
	return &core.StepOutput{FileCount: fileCount, Items: items}
}

func driveStepOutput(ctx context.Context, q *Queue, items chan<- core.StreamItem) {
	defer close(items)

	for {
		frame, err := q.Get(ctx)
		if err != nil {
			sendItem(ctx, items, core.StreamItem{Err: err})
			return
		}

		switch frame.Type {
		case FrameComplete:
			return
		case FrameError:
			sendItem(ctx, items, core.StreamItem{Err: frame.Err})
			return
		case FrameStartFile:
			pr, pw := io.Pipe()
			sio := core.NewStepIO(utils.NewNonSeekableReader(pr), frame.Meta, pr)
			if !sendItem(ctx, items, core.StreamItem{IO: sio}) {
				pr.Close()
				return
			}
			if err := fillFile(ctx, q, pw); err != nil {
				pw.CloseWithError(err)
				return
			}
		default:
			sendItem(ctx, items, core.StreamItem{Err: fmt.Errorf("bridge: unexpected frame type %d before startfile", frame.Type)})
			return
		}
	}
}

// fillFile forwards chunk frames into pw until an endfile, error, or
// context cancellation frame is observed.
func fillFile(ctx context.Context, q *Queue, pw *io.PipeWriter) error {
	for {
		frame, err := q.Get(ctx)
		if err != nil {
			return err
		}
		switch frame.Type {
		case FrameChunk:
			if _, err := pw.Write(frame.Chunk); err != nil {
				return err
			}
		case FrameEndFile:
			return pw.Close()
		case FrameError:
			return frame.Err
		default:
			return fmt.Errorf("bridge: unexpected frame type %d mid-file", frame.Type)
		}
	}
}

func sendItem(ctx context.Context, items chan<- core.StreamItem, item core.StreamItem) bool {
	select {
	case items <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
