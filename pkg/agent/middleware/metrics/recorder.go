// Package metrics records LLM usage per model, project and stage.
package metrics

import (
	"context"
	"time"
)

// Recorder records LLM operation metrics.
type Recorder interface {
	ObserveRequest(labels Labels, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration)
	IncThrottle(model, reason string)
	ObserveQueueWait(model string, duration time.Duration)
}

// Labels identify who an LLM call was made for.
type Labels struct {
	Model     string
	ProjectID string
	Stage     string
}

type labelsKey struct{}

// WithLabels attaches project and stage labels to ctx for downstream
// metrics middleware.
func WithLabels(ctx context.Context, projectID, stage string) context.Context {
	return context.WithValue(ctx, labelsKey{}, Labels{ProjectID: projectID, Stage: stage})
}

// WithStage replaces the stage label and keeps the project label.
func WithStage(ctx context.Context, stage string) context.Context {
	l, _ := ctx.Value(labelsKey{}).(Labels)
	l.Stage = stage
	return context.WithValue(ctx, labelsKey{}, l)
}

// LabelsFrom returns labels attached by WithLabels with model filled in.
func LabelsFrom(ctx context.Context, model string) Labels {
	l, _ := ctx.Value(labelsKey{}).(Labels)
	l.Model = model
	return l
}

type nopRecorder struct{}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nopRecorder{} }

func (nopRecorder) ObserveRequest(Labels, int, int, bool, string, time.Duration) {}
func (nopRecorder) IncThrottle(string, string)                                   {}
func (nopRecorder) ObserveQueueWait(string, time.Duration)                       {}
