// Package server implements the HTTP edge of the pipeline engine: resolving
// a single-use token id to its decoded step list, running it through the
// executor, and streaming the single surviving file back as the response
// body. Grounded on the original engine's
// main.py::FilePipelineServer.handle_path_request, with the WSGI
// start_response/iterable-body contract replaced by net/http's
// ResponseWriter.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oarepo/file-pipeline-engine/config"
	"github.com/oarepo/file-pipeline-engine/core"
	apperrors "github.com/oarepo/file-pipeline-engine/errors"
	"github.com/oarepo/file-pipeline-engine/jobenvelope"
)

// Executor is the subset of *pipeline.Executor the handler needs, so tests
// can substitute a fake that never touches real steps.
type Executor interface {
	Run(ctx context.Context, claims *jobenvelope.Claims) (*core.StepOutput, error)
}

// TokenStore is the subset of *tokenstore.Store the handler needs.
type TokenStore interface {
	Take(ctx context.Context, id string) (string, error)
}

// Handler serves GET {PathPrefix}/{token_id}, mirroring the original
// engine's single supported route.
type Handler struct {
	Tokens     TokenStore
	Keys       config.KeyProvider
	Executor   Executor
	PathPrefix string
	Leeway     time.Duration
	Logger     core.Logger
}

// NewHandler builds a Handler; prefix is normalized to have no trailing
// slash and at least a leading one (e.g. "files" or "/files" -> "/files").
func NewHandler(tokens TokenStore, keys config.KeyProvider, exec Executor, prefix string, leeway time.Duration, logger core.Logger) *Handler {
	return &Handler{
		Tokens:     tokens,
		Keys:       keys,
		Executor:   exec,
		PathPrefix: normalizePrefix(prefix),
		Leeway:     leeway,
		Logger:     logger,
	}
}

func normalizePrefix(p string) string {
	p = "/" + strings.Trim(p, "/")
	return p
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apperrors.New(apperrors.CategoryInput, "server.method",
			fmt.Errorf("method %s not allowed", r.Method)))
		return
	}

	tokenID, err := h.extractTokenID(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.run(r.Context(), tokenID)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("pipeline.request.error", "token_id", tokenID, "error", err.Error())
		}
		writeError(w, err)
		return
	}

	streamResponse(w, out)
}

// extractTokenID validates the request path against PathPrefix and returns
// the single remaining path segment, the way
// FilePipelineServer._validate_request_path does.
func (h *Handler) extractTokenID(path string) (string, error) {
	segments := splitAndClean(path)
	prefixSegments := splitAndClean(h.PathPrefix)

	if len(segments) != len(prefixSegments)+1 {
		return "", apperrors.New(apperrors.CategoryInput, "server.path", apperrors.ErrMalformedPath)
	}
	for i, p := range prefixSegments {
		if segments[i] != p {
			return "", apperrors.New(apperrors.CategoryInput, "server.path", apperrors.ErrMalformedPath)
		}
	}
	return segments[len(prefixSegments)], nil
}

func splitAndClean(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// run fetches and consumes the token, decodes its claims, and executes the
// pipeline, mirroring process_pipeline.
func (h *Handler) run(ctx context.Context, tokenID string) (*core.StepOutput, error) {
	raw, err := h.Tokens.Take(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	keys, err := h.Keys.Keys(ctx)
	if err != nil {
		return nil, apperrors.Transient("server.keys", err)
	}

	claims, err := jobenvelope.Open(raw, keys, h.Leeway, time.Now())
	if err != nil {
		return nil, err
	}

	out, err := h.Executor.Run(ctx, claims)
	if err != nil {
		return nil, err
	}
	if out.FileCount != 1 {
		return nil, apperrors.New(apperrors.CategoryInternal, "server.run", apperrors.ErrMultipleOutputs)
	}
	return out, nil
}

// streamResponse writes headers from the output's metadata and copies the
// single surviving file to w, matching handle_path_request's
// Content-Type/Content-Disposition/streaming behavior.
func streamResponse(w http.ResponseWriter, out *core.StepOutput) {
	item, err := out.First(nil)
	if err != nil {
		writeError(w, err)
		return
	}
	defer item.Close()

	meta := item.Metadata
	w.Header().Set("Content-Type", meta.MediaType())
	if meta.Download() {
		name := meta.FileName()
		if name == "" {
			name = "output"
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, item.Stream)
}

// writeError maps err to its HTTP status and writes a JSON body shaped like
// the original engine's make_error/make_not_found helpers, except the
// "error" field carries the bare status code (e.g. "404") rather than its
// text, matching the documented response contract.
func writeError(w http.ResponseWriter, err error) {
	status := apperrors.StatusCode(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:   strconv.Itoa(status),
		Message: userMessage(err),
	})
}

// userMessage builds the human-readable text for the error body without
// leaking a *PipelineError's internal operation name (e.g.
// "tokenstore.take"); detailed causes belong in logs, not the response.
func userMessage(err error) string {
	if stderrors.Is(err, apperrors.ErrTokenNotFound) || stderrors.Is(err, apperrors.ErrTokenExpired) {
		return "Token not found or expired"
	}
	var pe *apperrors.PipelineError
	if stderrors.As(err, &pe) {
		return pe.Err.Error()
	}
	return err.Error()
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
