package audit

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// MultiSink writes each entry to several sinks. Every sink is attempted;
// the joined error reports the ones that failed.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Append implements Sink
func (m *MultiSink) Append(ctx context.Context, entry *Entry) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink mirrors audit entries into the structured log stream
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Append implements Sink
func (l *LogSink) Append(_ context.Context, e *Entry) error {
	fields := logrus.Fields{
		"audit":    true,
		"action":   e.Action,
		"category": e.Category,
		"success":  e.Success,
	}
	if e.AccountID != nil {
		fields["account_id"] = *e.AccountID
	}
	for k, v := range e.Details {
		fields["detail_"+k] = v
	}

	entry := l.logger.WithFields(fields).WithTime(e.Timestamp)
	if e.Success {
		entry.Info("audit")
	} else {
		entry.WithField("error", e.ErrorMessage).Warn("audit")
	}
	return nil
}
