package core

import (
	"io"
)

// StepKind identifies one of the built-in pipeline step implementations.
type StepKind string

const (
	StepDecryptCrypt4GH      StepKind = "decrypt-crypt4gh"
	StepAddRecipientCrypt4GH StepKind = "add-recipient-crypt4gh"
	StepValidateCrypt4GH     StepKind = "validate-crypt4gh"
	StepPreviewZip           StepKind = "preview-zip"
	StepExtractZip           StepKind = "extract-zip"
	StepPreviewImage         StepKind = "preview-image"
	StepCreateZip            StepKind = "create-zip"
)

// UnknownFileCount marks a StepOutput whose total file count cannot be
// determined before the underlying stream is fully walked (e.g. extracting
// a directory whose member count is only known after the ZIP central
// directory has been scanned, or deliberately left unreported).
const UnknownFileCount = -1

// Metadata is the case-sensitive, ASCII string-keyed bag carried alongside
// every stream between steps. Keys are looked up verbatim; there is no
// normalization of case or separators.
type Metadata map[string]string

// FileName returns the metadata's file_name entry, or "" if absent.
func (m Metadata) FileName() string { return m["file_name"] }

// MediaType returns the metadata's media_type entry, defaulting to
// application/octet-stream when unset or empty.
func (m Metadata) MediaType() string {
	if v := m["media_type"]; v != "" {
		return v
	}
	return "application/octet-stream"
}

// SourceURL returns the metadata's source_url entry, or "" if absent.
func (m Metadata) SourceURL() string { return m["source_url"] }

// Download reports the metadata's download entry, defaulting to true when
// unset. Only the literal string "false" turns it off.
func (m Metadata) Download() bool { return m["download"] != "false" }

// Clone returns a shallow copy so callers can mutate it without affecting
// the original map shared upstream.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StepIO is a single seekable stream plus its metadata — the unit that
// flows between pipeline steps.
type StepIO struct {
	Stream   io.ReadSeeker
	Metadata Metadata

	// closer releases resources backing Stream, if any (an open file
	// handle, an HTTP response body, a pipe). Close is a no-op if nil.
	closer io.Closer
}

// NewStepIO wraps a stream and its metadata. closer may be nil.
func NewStepIO(stream io.ReadSeeker, meta Metadata, closer io.Closer) *StepIO {
	return &StepIO{Stream: stream, Metadata: meta, closer: closer}
}

// Close releases resources backing the stream. Safe to call multiple times.
func (s *StepIO) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c.Close()
}

// StreamItem is one element of a StepOutput's Items channel: either a
// produced StepIO, or a terminal error. A nil IO with a nil Err never
// appears; the channel is closed once a value (possibly an error) has been
// consumed for every produced file.
type StreamItem struct {
	IO  *StepIO
	Err error
}

// StepOutput is what a Step produces. Most steps emit exactly one file;
// extract-zip's directory case and the implicit create-zip fan-in emit
// several, so every step communicates through the same shape.
type StepOutput struct {
	// FileCount is the number of files the step will emit, or
	// UnknownFileCount when that isn't knowable up front.
	FileCount int
	// Items yields each produced StepIO in order. Consumers must drain it
	// (or cancel via context) to avoid leaking the producing goroutine.
	Items <-chan StreamItem
}

// SingleOutput wraps one StepIO as a one-item StepOutput.
func SingleOutput(io *StepIO) *StepOutput {
	ch := make(chan StreamItem, 1)
	ch <- StreamItem{IO: io}
	close(ch)
	return &StepOutput{FileCount: 1, Items: ch}
}

// First receives the first item off out; any further items are left unread
// on the channel. Used by steps that require (and only accept) a single
// input file.
func (o *StepOutput) First(ctxDone <-chan struct{}) (*StepIO, error) {
	select {
	case item, ok := <-o.Items:
		if !ok {
			return nil, io.EOF
		}
		return item.IO, item.Err
	case <-ctxDone:
		return nil, io.ErrClosedPipe
	}
}
