package pipeline

import (
	"context"
	"runtime"
	"time"

	"github.com/oarepo/file-pipeline-engine/core"
	apperrors "github.com/oarepo/file-pipeline-engine/errors"
	"github.com/oarepo/file-pipeline-engine/jobenvelope"
)

// Executor is [C5]: it resolves a token's decoded step list against the
// registry, chains the resulting Steps, and appends an implicit create-zip
// when more than one output survives to the end of the chain. Concurrency
// across requests is bounded by a worker-count semaphore, generalizing the
// teacher's core.Processor goroutine-pool pattern (raw channel + WaitGroup)
// from a fixed in-process job queue to per-request admission control.
type Executor struct {
	registry core.Registry
	logger   core.Logger
	hooks    []core.Hook
	metrics  core.MetricsCollector

	sem chan struct{}
}

// NewExecutor creates an Executor bounded to maxConcurrent simultaneous
// pipeline runs, defaulting to runtime.NumCPU() when maxConcurrent <= 0.
func NewExecutor(reg core.Registry, maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	return &Executor{registry: reg, sem: make(chan struct{}, maxConcurrent)}
}

// SetLogger attaches a structured logger.
func (e *Executor) SetLogger(l core.Logger) { e.logger = l }

// SetMetrics attaches a metrics collector.
func (e *Executor) SetMetrics(m core.MetricsCollector) { e.metrics = m }

// AddHook registers a step observer.
func (e *Executor) AddHook(h core.Hook) { e.hooks = append(e.hooks, h) }

// Run builds one Step per claims.PipelineSteps entry via the registry,
// chains them in order, and appends create-zip when the final step's output
// reports any file count other than exactly one (more than one, or
// UnknownFileCount). Admission is gated by the executor's
// concurrency limit; ErrWorkerPoolFull is returned immediately rather than
// queuing when the limit is already reached.
func (e *Executor) Run(ctx context.Context, claims *jobenvelope.Claims) (*core.StepOutput, error) {
	select {
	case e.sem <- struct{}{}:
	default:
		return nil, apperrors.New(apperrors.CategoryInternal, "executor.run", apperrors.ErrWorkerPoolFull)
	}
	defer func() { <-e.sem }()

	if len(claims.PipelineSteps) == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "executor.run", apperrors.ErrEmptyInput)
	}

	steps, err := e.resolveSteps(claims.PipelineSteps)
	if err != nil {
		return nil, err
	}

	var out *core.StepOutput
	for i, sc := range claims.PipelineSteps {
		step := steps[i]
		args := sc.Arguments
		if i == 0 && claims.SourceURL != "" {
			args = mergeSourceURL(args, claims.SourceURL)
		}

		start := time.Now()
		e.notifyBefore(ctx, string(step.Kind()))
		next, stepErr := step.Process(ctx, out, args)
		e.notifyAfter(ctx, string(step.Kind()), time.Since(start), stepErr)
		if stepErr != nil {
			e.recordError(string(step.Kind()), stepErr)
			return nil, stepErr
		}
		out = next
	}

	if out.FileCount != 1 {
		zipStep := &CreateZipStep{}
		zipped, err := zipStep.Process(ctx, out, nil)
		if err != nil {
			return nil, err
		}
		return zipped, nil
	}
	return out, nil
}

func (e *Executor) resolveSteps(configs []jobenvelope.StepConfig) ([]core.Step, error) {
	steps := make([]core.Step, len(configs))
	for i, sc := range configs {
		factory, ok := e.registry.StepFor(core.StepKind(sc.Type))
		if !ok {
			return nil, apperrors.New(apperrors.CategoryInput, "executor.resolve_steps", apperrors.ErrUnknownStep)
		}
		steps[i] = factory()
	}
	return steps, nil
}

func mergeSourceURL(args map[string]string, sourceURL string) map[string]string {
	out := make(map[string]string, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	if _, exists := out["source_url"]; !exists {
		out["source_url"] = sourceURL
	}
	return out
}

// notifyBefore/notifyAfter pass an empty Metadata to hooks: the executor
// operates on StepOutput (a channel of files, possibly more than one), not a
// single in-memory value the way the teacher's Processor did, so there is no
// single metadata map to report before a step has actually produced output.
func (e *Executor) notifyBefore(ctx context.Context, name string) {
	for _, h := range e.hooks {
		h.BeforeStep(ctx, name, core.Metadata{})
	}
}

func (e *Executor) notifyAfter(ctx context.Context, name string, d time.Duration, err error) {
	for _, h := range e.hooks {
		h.AfterStep(ctx, name, core.Metadata{}, d, err)
	}
	if e.metrics != nil {
		e.metrics.RecordProcessingTime(name, d)
	}
}

func (e *Executor) recordError(name string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordError(name, string(apperrors.CategoryOf(err)))
}
