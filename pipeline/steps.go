// Package pipeline provides the seven built-in pipeline steps ([C4]) and the
// executor ([C5]) that chains them. Step implementations are thin adapters
// over the packages doing the real work (crypt4gh, zip, image) plus the
// bookkeeping each original pipeline_steps/*.py module did by hand: reading
// its own source when it's first in the chain, threading metadata forward,
// reporting a single-file or multi-file StepOutput.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/oarepo/file-pipeline-engine/adapters/crypt4gh"
	adapterimage "github.com/oarepo/file-pipeline-engine/adapters/image"
	adapterzip "github.com/oarepo/file-pipeline-engine/adapters/zip"
	"github.com/oarepo/file-pipeline-engine/config"
	"github.com/oarepo/file-pipeline-engine/core"
	apperrors "github.com/oarepo/file-pipeline-engine/errors"
	"github.com/oarepo/file-pipeline-engine/rangestream"
	"github.com/oarepo/file-pipeline-engine/utils"
)

// sourceOpener is the shared dependency every step needs to materialize its
// input when it's first in the chain (in == nil), since the original
// engine's first pipeline step always opened the remote object itself.
type sourceOpener struct {
	Client rangestream.HTTPDoer
	Cfg    config.RangeStreamConfig
}

// open resolves in, falling back to a fresh RangeStream over
// args["source_url"] when in is nil.
func (o sourceOpener) open(ctx context.Context, in *core.StepOutput, args map[string]string) (*core.StepIO, error) {
	if in != nil {
		return in.First(ctx.Done())
	}
	url := args["source_url"]
	if url == "" {
		return nil, apperrors.New(apperrors.CategoryInput, "pipeline.open_source", apperrors.ErrEmptyInput)
	}
	stream := rangestream.New(ctx, url, o.Client, o.Cfg)
	if _, err := stream.Size(ctx); err != nil {
		return nil, err
	}
	meta := core.Metadata{"source_url": url}
	if name := fileNameFromURL(url); name != "" {
		meta["file_name"] = name
	}
	return core.NewStepIO(stream, meta, stream), nil
}

// fileNameFromURL derives a starting file_name from a source_url's path, the
// way the original engine names its first step's output after the object
// key rather than leaving it unnamed.
func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	trimmed := strings.TrimRight(u.Path, "/")
	if trimmed == "" {
		return ""
	}
	name := path.Base(trimmed)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// ── decrypt-crypt4gh ─────────────────────────────────────────────────────────

// DecryptCrypt4GHStep decrypts a Crypt4GH container with the recipient
// private key, grounded on pipeline_steps/decrypt_crypt4gh.py.
type DecryptCrypt4GHStep struct {
	Source     sourceOpener
	PrivateKey crypt4gh.PrivateKey
}

func (s *DecryptCrypt4GHStep) Kind() core.StepKind { return core.StepDecryptCrypt4GH }

func (s *DecryptCrypt4GHStep) Process(ctx context.Context, in *core.StepOutput, args map[string]string) (*core.StepOutput, error) {
	src, err := s.Source.open(ctx, in, args)
	if err != nil {
		return nil, err
	}
	reader, err := crypt4gh.Decrypt(src.Stream, s.PrivateKey)
	if err != nil {
		return nil, err
	}
	meta := src.Metadata.Clone()
	meta["media_type"] = "application/octet-stream"
	meta["file_name"] = decryptedFileName(src.Metadata.FileName())
	out := core.NewStepIO(utils.NewNonSeekableReader(reader), meta, src)
	return core.SingleOutput(out), nil
}

// decryptedFileName implements decrypt-crypt4gh's documented naming rule:
// strip a trailing ".c4gh" if present, else append ".decrypted".
func decryptedFileName(name string) string {
	if stripped, ok := strings.CutSuffix(name, ".c4gh"); ok {
		return stripped
	}
	return name + ".decrypted"
}

// ── add-recipient-crypt4gh ───────────────────────────────────────────────────

// AddRecipientCrypt4GHStep re-encrypts a Crypt4GH container's header for an
// additional recipient, grounded on pipeline_steps/crypt4gh.py. The
// recipient's public key travels in args["recipient_pub"] (base64), one per
// request, the way the original engine reads it from the step's own
// arguments rather than from static configuration.
type AddRecipientCrypt4GHStep struct {
	Source     sourceOpener
	PrivateKey crypt4gh.PrivateKey
}

func (s *AddRecipientCrypt4GHStep) Kind() core.StepKind { return core.StepAddRecipientCrypt4GH }

func (s *AddRecipientCrypt4GHStep) Process(ctx context.Context, in *core.StepOutput, args map[string]string) (*core.StepOutput, error) {
	recipientArg := args["recipient_pub"]
	if recipientArg == "" {
		return nil, apperrors.New(apperrors.CategoryInput, "add-recipient-crypt4gh",
			fmt.Errorf("recipient_pub is required"))
	}
	recipientKey, err := crypt4gh.ParsePublicKeyBase64(recipientArg)
	if err != nil {
		return nil, err
	}

	src, err := s.Source.open(ctx, in, args)
	if err != nil {
		return nil, err
	}
	rewritten := crypt4gh.AddRecipientStream(src.Stream, s.PrivateKey, recipientKey)
	meta := src.Metadata.Clone()
	meta["media_type"] = "application/octet-stream"
	if name := src.Metadata.FileName(); name != "" {
		meta["file_name"] = name
	} else {
		meta["file_name"] = "output.c4gh"
	}
	out := core.NewStepIO(utils.NewNonSeekableReader(rewritten), meta, multiCloser{src, rewritten})
	return core.SingleOutput(out), nil
}

// ── validate-crypt4gh ────────────────────────────────────────────────────────

// ValidateCrypt4GHStep performs a full decrypt pass to confirm a Crypt4GH
// container opens cleanly, grounded on pipeline_steps/validate_crypt4gh.py.
// It passes the original stream through unchanged, rewound to its start;
// its only effect is the error it raises if validation fails.
type ValidateCrypt4GHStep struct {
	Source     sourceOpener
	PrivateKey crypt4gh.PrivateKey
}

func (s *ValidateCrypt4GHStep) Kind() core.StepKind { return core.StepValidateCrypt4GH }

func (s *ValidateCrypt4GHStep) Process(ctx context.Context, in *core.StepOutput, args map[string]string) (*core.StepOutput, error) {
	src, err := s.Source.open(ctx, in, args)
	if err != nil {
		return nil, err
	}
	if err := crypt4gh.Validate(src.Stream, s.PrivateKey); err != nil {
		src.Close()
		return nil, err
	}
	if _, err := src.Stream.Seek(0, io.SeekStart); err != nil {
		src.Close()
		return nil, apperrors.Wrap(apperrors.CategoryInternal, "validate-crypt4gh.rewind", err)
	}
	return core.SingleOutput(src), nil
}

// ── preview-zip ──────────────────────────────────────────────────────────────

// PreviewZipStep returns a JSON listing of a ZIP archive's members, grounded
// on pipeline_steps/preview_zip.py.
type PreviewZipStep struct {
	Source sourceOpener
}

func (s *PreviewZipStep) Kind() core.StepKind { return core.StepPreviewZip }

func (s *PreviewZipStep) Process(ctx context.Context, in *core.StepOutput, args map[string]string) (*core.StepOutput, error) {
	src, err := s.Source.open(ctx, in, args)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	size, err := seekerSize(src.Stream)
	if err != nil {
		return nil, err
	}
	body, err := adapterzip.PreviewJSON(newAsReaderAt(src.Stream), size)
	if err != nil {
		return nil, err
	}

	meta := core.Metadata{
		"file_name":  "preview.json",
		"media_type": "application/json",
	}
	return core.SingleOutput(core.NewStepIO(utils.BytesReader(body), meta, nil)), nil
}

// ── extract-zip ──────────────────────────────────────────────────────────────

// ExtractZipStep pulls either a single named member or every member under a
// directory prefix out of a ZIP archive, dispatching on a single
// args["directory_or_file_name"] argument matched against the archive's own
// entries, grounded on pipeline_steps/extract_zip.py.
type ExtractZipStep struct {
	Source          sourceOpener
	BridgeQueueSize int
}

func (s *ExtractZipStep) Kind() core.StepKind { return core.StepExtractZip }

func (s *ExtractZipStep) Process(ctx context.Context, in *core.StepOutput, args map[string]string) (*core.StepOutput, error) {
	src, err := s.Source.open(ctx, in, args)
	if err != nil {
		return nil, err
	}

	size, err := seekerSize(src.Stream)
	if err != nil {
		src.Close()
		return nil, err
	}
	ra := newAsReaderAt(src.Stream)

	name := args["directory_or_file_name"]
	if name == "" {
		src.Close()
		return nil, apperrors.New(apperrors.CategoryInput, "extract-zip",
			fmt.Errorf("directory_or_file_name is required"))
	}

	isDir, err := adapterzip.ResolveEntryKind(ra, size, name)
	if err != nil {
		src.Close()
		return nil, err
	}
	if isDir {
		out := adapterzip.ExtractDirectory(ctx, ra, size, name, s.BridgeQueueSize)
		return closeWhenDrained(ctx, out, src), nil
	}

	rc, f, err := adapterzip.ExtractFile(ra, size, name)
	if err != nil {
		src.Close()
		return nil, err
	}
	meta := core.Metadata{
		"file_name":  baseName(f.Name),
		"media_type": guessMediaType(f.Name),
	}
	out := core.NewStepIO(utils.NewNonSeekableReader(rc), meta, multiCloser{rc, src})
	return core.SingleOutput(out), nil
}

// ── preview-image ────────────────────────────────────────────────────────────

// PreviewImageStep decodes an image and re-encodes a bounded thumbnail,
// grounded on pipeline_steps/preview_picture.py and the teacher's
// VipsThumbnailStep.
type PreviewImageStep struct {
	Source         sourceOpener
	Thumbnailer    *adapterimage.Thumbnailer
	DefaultMaxW    int
	DefaultMaxH    int
	MaxImageBytes  int64
	DrainChunkSize int
}

func (s *PreviewImageStep) Kind() core.StepKind { return core.StepPreviewImage }

func (s *PreviewImageStep) Process(ctx context.Context, in *core.StepOutput, args map[string]string) (*core.StepOutput, error) {
	src, err := s.Source.open(ctx, in, args)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var limited io.Reader = src.Stream
	if s.MaxImageBytes > 0 {
		limited = &utils.LimitedReader{R: src.Stream, Max: s.MaxImageBytes}
	}
	buf, err := utils.DrainReader(ctx, limited, s.DrainChunkSize)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, "preview-image.read", err)
	}
	data := utils.CloneBytes(buf.Bytes())
	utils.ReleaseBuffer(buf)

	maxW := intArg(args, "max_width", s.DefaultMaxW)
	maxH := intArg(args, "max_height", s.DefaultMaxH)
	mediaType := src.Metadata.MediaType()
	if mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}

	result, err := s.Thumbnailer.Thumbnail(ctx, data, mediaType, maxW, maxH)
	if err != nil {
		return nil, err
	}

	meta := src.Metadata.Clone()
	meta["media_type"] = result.MediaType
	meta["file_name"] = "preview." + extensionFor(result.MediaType)
	return core.SingleOutput(core.NewStepIO(utils.BytesReader(result.Data), meta, nil)), nil
}

// ── create-zip ───────────────────────────────────────────────────────────────

// CreateZipStep bundles every item of the previous step's multi-file output
// into a single archive named created.zip, grounded on
// pipeline_steps/create_zip.py. Unlike the other steps it always takes a
// multi-file StepOutput as input and never reads args["source_url"] itself.
type CreateZipStep struct{}

func (s *CreateZipStep) Kind() core.StepKind { return core.StepCreateZip }

func (s *CreateZipStep) Process(ctx context.Context, in *core.StepOutput, _ map[string]string) (*core.StepOutput, error) {
	if in == nil {
		return nil, apperrors.New(apperrors.CategoryInternal, "create-zip", apperrors.ErrEmptyInput)
	}

	pr, pw := io.Pipe()
	go func() {
		err := adapterzip.CreateZipFromItems(pw, in.Items)
		pw.CloseWithError(err)
	}()

	meta := core.Metadata{
		"file_name":  "created.zip",
		"media_type": "application/zip",
	}
	return core.SingleOutput(core.NewStepIO(utils.NewNonSeekableReader(pr), meta, pr)), nil
}
