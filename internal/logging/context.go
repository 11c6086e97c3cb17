// Package logging carries run correlation IDs through context so every
// log line emitted while a run advances names the run, step and
// template it belongs to.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

type ids struct {
	runID      string
	stepID     string
	templateID string
}

func fromContext(ctx context.Context) ids {
	v, _ := ctx.Value(ctxKey{}).(ids)
	return v
}

// WithRunID returns a context carrying the run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	v := fromContext(ctx)
	v.runID = id
	return context.WithValue(ctx, ctxKey{}, v)
}

// WithIDs sets all three correlation IDs at once.
func WithIDs(ctx context.Context, runID, stepID, templateID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ids{runID: runID, stepID: stepID, templateID: templateID})
}

// RunID returns the context's run ID, or "".
func RunID(ctx context.Context) string { return fromContext(ctx).runID }

// StepID returns the context's step ID, or "".
func StepID(ctx context.Context) string { return fromContext(ctx).stepID }

// TemplateID returns the context's template ID, or "".
func TemplateID(ctx context.Context) string { return fromContext(ctx).templateID }

func (v ids) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 3)
	if v.runID != "" {
		out = append(out, slog.String("run_id", v.runID))
	}
	if v.stepID != "" {
		out = append(out, slog.String("step_id", v.stepID))
	}
	if v.templateID != "" {
		out = append(out, slog.String("template_id", v.templateID))
	}
	return out
}

// LogWith returns the logger enriched with whichever correlation IDs
// the context carries.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range fromContext(ctx).attrs() {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler stamps context correlation IDs onto every record,
// so plain logger.InfoContext(ctx, ...) calls pick them up without
// going through LogWith.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(fromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
