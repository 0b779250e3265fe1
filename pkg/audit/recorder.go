package audit

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/observability"
)

// Sink persists audit entries
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
}

// Store is a Sink that can also be queried and trimmed
type Store interface {
	Sink
	Search(ctx context.Context, filter SearchFilter) ([]*Entry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Recorder writes audit entries without ever failing its caller
type Recorder struct {
	sink    Sink
	logger  *logrus.Logger
	clock   quartz.Clock
	metrics *observability.Metrics
	timeout time.Duration

	async bool
	wg    sync.WaitGroup
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithAsync makes Record return immediately and write in the background.
// Close waits for outstanding writes.
func WithAsync(async bool) RecorderOption {
	return func(r *Recorder) { r.async = async }
}

// WithMetrics counts write failures
func WithMetrics(m *observability.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithWriteTimeout bounds each sink write
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.timeout = d }
}

// NewRecorder creates a recorder over sink
func NewRecorder(sink Sink, clock quartz.Clock, logger *logrus.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	r := &Recorder{
		sink:    sink,
		logger:  logger,
		clock:   clock,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends entry. Errors are logged and swallowed. A nil Recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, entry *Entry) {
	if r == nil || entry == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now().UTC()
	}

	if !r.async {
		r.write(ctx, entry)
		return
	}

	// Detach from the request so a finished request does not cancel the write.
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.write(bg, entry)
	}()
}

func (r *Recorder) write(ctx context.Context, entry *Entry) {
	defer observability.RecoverPanic(r.logger, "audit write")

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sink.Append(ctx, entry); err != nil {
		r.metrics.AuditWriteFailed()
		r.logger.WithFields(logrus.Fields{
			"action":   entry.Action,
			"category": entry.Category,
			"success":  entry.Success,
		}).Warnf("Failed to write audit entry: %v", err)
	}
}

// Flush records every pending entry in order and empties the buffer
func (r *Recorder) Flush(ctx context.Context, p *Pending) {
	for _, e := range p.Drain() {
		r.Record(ctx, e)
	}
}

// Close waits for background writes to finish
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.wg.Wait()
	return nil
}

// Pending buffers entries produced inside a transaction
type Pending struct {
	mu      sync.Mutex
	entries []*Entry
}

// Add queues an entry
func (p *Pending) Add(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
}

// Len returns the number of queued entries
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Drain returns and clears the queued entries
func (p *Pending) Drain() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.entries
	p.entries = nil
	return out
}

// Reset drops queued entries, used when a transaction is retried
func (p *Pending) Reset() {
	p.Drain()
}
