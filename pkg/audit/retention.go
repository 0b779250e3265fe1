package audit

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"
)

// Archiver uploads expiring audit entries before they are deleted
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// archivePageSize bounds one archive object
const archivePageSize = 1000

// Retention purges audit entries older than a retention window
type Retention struct {
	store    Store
	archiver Archiver
	prefix   string
	clock    quartz.Clock
	logger   *logrus.Logger
}

// NewRetention creates a retention job. archiver may be nil.
func NewRetention(store Store, archiver Archiver, prefix string, clock quartz.Clock, logger *logrus.Logger) *Retention {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if prefix == "" {
		prefix = "audit"
	}
	return &Retention{store: store, archiver: archiver, prefix: prefix, clock: clock, logger: logger}
}

// Run archives (when configured) and deletes entries older than retention.
// Nothing is deleted if archiving fails.
func (r *Retention) Run(ctx context.Context, retention time.Duration) (int64, error) {
	now := r.clock.Now().UTC()
	before := now.Add(-retention)

	if r.archiver != nil {
		archived, err := r.archive(ctx, now, before)
		if err != nil {
			return 0, err
		}
		if archived > 0 {
			r.logger.Infof("Archived %d audit entries older than %s", archived, before.Format(time.RFC3339))
		}
	}

	deleted, err := r.store.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	if deleted > 0 {
		r.logger.Infof("Purged %d audit entries older than %s", deleted, before.Format(time.RFC3339))
	}
	return deleted, nil
}

func (r *Retention) archive(ctx context.Context, now, before time.Time) (int, error) {
	total := 0
	for page := 0; ; page++ {
		entries, err := r.store.Search(ctx, SearchFilter{
			EndTime: &before,
			Limit:   archivePageSize,
			Offset:  page * archivePageSize,
		})
		if err != nil {
			return total, fmt.Errorf("failed to read expiring audit entries: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		body, err := exportNDJSON(entries)
		if err != nil {
			return total, err
		}
		if err := r.archiver.Archive(ctx, r.archiveKey(now, page), body); err != nil {
			return total, fmt.Errorf("failed to archive audit entries: %w", err)
		}
		total += len(entries)

		if len(entries) < archivePageSize {
			return total, nil
		}
	}
}

func (r *Retention) archiveKey(now time.Time, page int) string {
	return path.Join(r.prefix, now.Format("2006/01/02"), fmt.Sprintf("%d-%04d.ndjson", now.Unix(), page))
}
