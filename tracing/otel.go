// Package tracing records OpenTelemetry spans for the life of a file
// attempt: one span per process phase with the read lock acquisition nested
// under begin.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"readlock"
)

// Phase names a process strategy phase
type Phase string

const (
	PhaseBegin    Phase = "begin"
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
	PhaseAbort    Phase = "abort"
)

// Attribute keys set on attempt spans.
const (
	KeyAttemptID  = attribute.Key("readlock.attempt.id")
	KeyFilePath   = attribute.Key("readlock.file.path")
	KeyFileName   = attribute.Key("readlock.file.name")
	KeyFileLength = attribute.Key("readlock.file.length")
	KeyStrategy   = attribute.Key("readlock.strategy")
	KeyAcquired   = attribute.Key("readlock.acquired")
	KeyReason     = attribute.Key("readlock.reason")
	KeyWaitMillis = attribute.Key("readlock.wait_ms")
	KeyPolicy     = attribute.Key("readlock.policy")
	KeyMoveTarget = attribute.Key("readlock.move.to")
	KeyMoveSource = attribute.Key("readlock.move.from")
)

const eventFileMoved = "file.moved"

// Tracer starts spans for file attempts.
type Tracer interface {
	// StartPhase starts the span for one phase of an attempt.
	StartPhase(ctx context.Context, phase Phase, a *readlock.Attempt) (context.Context, Span)

	// StartAcquire starts the span for a read lock acquisition.
	StartAcquire(ctx context.Context, strategy string, a *readlock.Attempt) (context.Context, Span)
}

// Span is an attempt span. Implementations ignore calls after End.
type Span interface {
	End()
	// Fail records err and marks the span as failed. A nil err is ignored.
	Fail(err error)
	// Acquired records a granted read lock and how long it took.
	Acquired(wait time.Duration)
	// Rejected records a read lock that was not granted.
	Rejected(reason string)
	// Finalized records the process policy that completed the phase.
	Finalized(policy string)
}

// FileMoved adds a move event to the span in ctx, if any is recording.
func FileMoved(ctx context.Context, from, to string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(eventFileMoved, trace.WithAttributes(
		KeyMoveSource.String(from),
		KeyMoveTarget.String(to),
	))
}

// Config holds configuration for OTelTracer.
type Config struct {
	// ServiceName names the instrumentation scope.
	ServiceName string
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{ServiceName: "readlock"}
}

// OTelTracer implements Tracer on an OpenTelemetry tracer provider.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer creates an OTelTracer.
func NewOTelTracer(cfg Config) *OTelTracer {
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTelTracer{tracer: tp.Tracer(cfg.ServiceName)}
}

// StartPhase starts a span named "file.<phase>".
func (t *OTelTracer) StartPhase(ctx context.Context, phase Phase, a *readlock.Attempt) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, "file."+string(phase),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attemptAttributes(a)...),
	)
	return ctx, attemptSpan{span}
}

// StartAcquire starts a span named "lock.acquire".
func (t *OTelTracer) StartAcquire(ctx context.Context, strategy string, a *readlock.Attempt) (context.Context, Span) {
	attrs := append(attemptAttributes(a), KeyStrategy.String(strategy))
	ctx, span := t.tracer.Start(ctx, "lock.acquire",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, attemptSpan{span}
}

func attemptAttributes(a *readlock.Attempt) []attribute.KeyValue {
	if a == nil || a.File == nil {
		return nil
	}
	return []attribute.KeyValue{
		KeyAttemptID.String(a.ID),
		KeyFilePath.String(a.File.AbsolutePath),
		KeyFileName.String(a.File.RelativePath),
		KeyFileLength.Int64(a.File.Length),
	}
}

type attemptSpan struct {
	span trace.Span
}

func (s attemptSpan) End() { s.span.End() }

func (s attemptSpan) Fail(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s attemptSpan) Acquired(wait time.Duration) {
	s.span.SetAttributes(KeyAcquired.Bool(true), KeyWaitMillis.Int64(wait.Milliseconds()))
}

func (s attemptSpan) Rejected(reason string) {
	s.span.SetAttributes(KeyAcquired.Bool(false), KeyReason.String(reason))
}

func (s attemptSpan) Finalized(policy string) {
	s.span.SetAttributes(KeyPolicy.String(policy))
}

// NoopTracer starts spans that record nothing.
type NoopTracer struct{}

var (
	_ Tracer = (*NoopTracer)(nil)
	_ Tracer = (*OTelTracer)(nil)
)

func (NoopTracer) StartPhase(ctx context.Context, _ Phase, _ *readlock.Attempt) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracer) StartAcquire(ctx context.Context, _ string, _ *readlock.Attempt) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                   {}
func (noopSpan) Fail(error)             {}
func (noopSpan) Acquired(time.Duration) {}
func (noopSpan) Rejected(string)        {}
func (noopSpan) Finalized(string)       {}
