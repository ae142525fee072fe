package eventlog

import (
	"errors"

	"appforge/pkg/logx"
	"appforge/pkg/proto"
)

// Sink receives orchestration events.
type Sink interface {
	Send(e proto.Event) error
}

// Multi sends every event to each sink in order and joins their errors.
type Multi []Sink

func (m Multi) Send(e proto.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort wraps a sink whose failures must not abort the caller. Errors
// are logged and dropped.
type BestEffort struct {
	Sink   Sink
	logger *logx.Logger
}

// NewBestEffort wraps s.
func NewBestEffort(s Sink) *BestEffort {
	return &BestEffort{Sink: s, logger: logx.NewLogger("eventlog")}
}

func (b *BestEffort) Send(e proto.Event) error {
	if err := b.Sink.Send(e); err != nil {
		b.logger.Warn("dropping %s event for project %s: %v", e.Type, e.ProjectID, err)
	}
	return nil
}
