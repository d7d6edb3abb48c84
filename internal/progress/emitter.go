// Package progress reports workflow transitions to streaming consumers.
// Emission is fire-and-forget: a failing or panicking emitter never affects
// the transition that produced the event.
package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Emitter receives progress events.
type Emitter interface {
	Emit(ctx context.Context, ev models.ProgressEvent) error
}

// Func adapts a function to Emitter.
type Func func(ctx context.Context, ev models.ProgressEvent) error

// Emit implements Emitter.
func (f Func) Emit(ctx context.Context, ev models.ProgressEvent) error {
	return f(ctx, ev)
}

// Multi fans an event out to several emitters and joins their errors.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ctx context.Context, ev models.ProgressEvent) error {
	var errs []error
	for _, e := range m {
		if err := Safe(ctx, e, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Safe calls e.Emit and converts a panic into an error.
func Safe(ctx context.Context, e Emitter, ev models.ProgressEvent) (err error) {
	if e == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("progress emitter panicked: %v", r)
		}
	}()
	return e.Emit(ctx, ev)
}

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogEmitter{logger: logger.With("component", "progress")}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(ctx context.Context, ev models.ProgressEvent) error {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "workflow progress",
		slog.String("business_id", ev.BusinessID),
		slog.String("kind", ev.Kind),
		slog.String("stage", string(ev.Stage)),
		slog.Int("percent", ev.Percent))
	return nil
}
