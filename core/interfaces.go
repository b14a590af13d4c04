package core

import (
	"context"
	"time"
)

// Step is the fundamental pipeline building block. Implementations live in
// package pipeline and its adapters/* helpers.
type Step interface {
	// Kind identifies which StepKind this implements; used for logging and
	// metrics labelling.
	Kind() StepKind
	// Process consumes in (nil for the first step in a chain, which instead
	// reads args["source_url"] itself) and produces the step's output.
	Process(ctx context.Context, in *StepOutput, args map[string]string) (*StepOutput, error)
}

// Registry maps a StepKind to a constructor that builds a ready-to-run
// Step. Replacing the original dynamic dispatch (a runtime string -> class
// lookup) with a compile-time table populated once at startup.
type Registry interface {
	StepFor(kind StepKind) (StepFactory, bool)
	Register(kind StepKind, factory StepFactory)
}

// StepFactory builds a fresh Step instance. Steps are not assumed to be
// safe for concurrent reuse across requests, so the executor asks for a new
// one per pipeline run.
type StepFactory func() Step

// Logger is a minimal structured logging interface, satisfied by
// hooks.SlogLogger.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Hook is an optional observer invoked around each pipeline step.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, meta Metadata)
	AfterStep(ctx context.Context, stepName string, meta Metadata, d time.Duration, err error)
}

// MetricsCollector receives performance observations from the executor.
type MetricsCollector interface {
	RecordProcessingTime(stepName string, d interface{ Seconds() float64 })
	RecordThroughput(bytes int64)
	RecordError(stepName string, category string)
}
