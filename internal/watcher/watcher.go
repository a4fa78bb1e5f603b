package watcher

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/dispatch/internal/metrics"
	"example.com/storefront/services/dispatch/internal/models"
	"example.com/storefront/services/dispatch/internal/notifier"
	"example.com/storefront/services/dispatch/internal/repositories"
)

// AuditSource is the polled audit table.
type AuditSource interface {
	ListAfter(ctx context.Context, afterID int64, limit int) ([]models.AuditEvent, error)
}

// CheckpointStore persists the cursor across restarts. Optional.
type CheckpointStore interface {
	Get(ctx context.Context, name string) (int64, error)
	Save(ctx context.Context, name string, lastSeenID int64) error
}

// SubjectResolver resolves audit subjects for notification enrichment.
// Optional; unresolved subjects are reported by id only.
type SubjectResolver interface {
	GetUser(ctx context.Context, id uint) (*models.User, error)
}

// Config controls the poll loop.
type Config struct {
	Name            string
	PollInterval    time.Duration
	BatchLimit      int
	DeliveryTimeout time.Duration
	InitialCursor   int64
}

// Watcher polls the audit table for rows past its cursor and fans each one
// out to the configured sinks. The cursor only advances after a full batch
// has been attempted, so no event is skipped even when a later delivery in
// the batch fails. A failed delivery is logged and dropped; the audit row
// itself stays in the store.
type Watcher struct {
	cfg         Config
	audit       AuditSource
	checkpoints CheckpointStore
	directory   SubjectResolver
	sinks       []notifier.Sink
	metrics     *metrics.Metrics

	lastSeenID int64
}

// New creates a watcher. Nil checkpoints or directory disable persistence
// and enrichment respectively.
func New(cfg Config, audit AuditSource, checkpoints CheckpointStore, directory SubjectResolver, sinks []notifier.Sink, collector *metrics.Metrics) *Watcher {
	if cfg.Name == "" {
		cfg.Name = "users-audit"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}

	return &Watcher{
		cfg:         cfg,
		audit:       audit,
		checkpoints: checkpoints,
		directory:   directory,
		sinks:       sinks,
		metrics:     collector,
		lastSeenID:  cfg.InitialCursor,
	}
}

// Cursor returns the highest audit event id already processed.
func (w *Watcher) Cursor() int64 {
	return w.lastSeenID
}

// Restore loads the persisted cursor, keeping the configured initial value
// when no checkpoint exists yet.
func (w *Watcher) Restore(ctx context.Context) {
	if w.checkpoints == nil {
		return
	}
	id, err := w.checkpoints.Get(ctx, w.cfg.Name)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			log.Warn().Err(err).Str("watcher", w.cfg.Name).Msg("Failed to load watcher checkpoint, starting from initial cursor")
		}
		return
	}
	w.lastSeenID = id
	log.Info().Str("watcher", w.cfg.Name).Int64("cursor", id).Msg("Watcher cursor restored from checkpoint")
}

// RunCycle performs one poll: scan past the cursor, deliver per row in
// ascending id order, then advance and persist the cursor.
func (w *Watcher) RunCycle(ctx context.Context) error {
	events, err := w.audit.ListAfter(ctx, w.lastSeenID, w.cfg.BatchLimit)
	if err != nil {
		return errors.Wrap(err, "audit scan failed")
	}
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		notification := w.buildNotification(ctx, event)
		for _, sink := range w.sinks {
			deliveryCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
			err := sink.Deliver(deliveryCtx, notification)
			cancel()
			if err != nil {
				w.metrics.IncrementCounter("watcher.delivery_failures")
				log.Error().
					Err(err).
					Int64("event_id", event.ID).
					Str("sink", sink.Name()).
					Msg("Notification delivery failed")
				continue
			}
			w.metrics.IncrementCounter("watcher.deliveries")
		}
	}

	w.lastSeenID = events[len(events)-1].ID

	if w.checkpoints != nil {
		if err := w.checkpoints.Save(ctx, w.cfg.Name, w.lastSeenID); err != nil {
			log.Warn().Err(err).Str("watcher", w.cfg.Name).Msg("Failed to persist watcher checkpoint")
		}
	}

	return nil
}

// Run restores the cursor and polls until the context is cancelled. The job
// is scheduled in singleton mode: a cycle that overruns the interval delays
// the next cycle instead of racing it on the same cursor.
func (w *Watcher) Run(ctx context.Context) error {
	w.Restore(ctx)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(w.cfg.PollInterval),
		gocron.NewTask(func() {
			if err := w.RunCycle(ctx); err != nil {
				log.Error().Err(err).Str("watcher", w.cfg.Name).Msg("Watcher cycle failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule watcher job")
	}

	log.Info().
		Str("watcher", w.cfg.Name).
		Dur("poll_interval", w.cfg.PollInterval).
		Int64("cursor", w.lastSeenID).
		Msg("Starting audit watcher")

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (w *Watcher) buildNotification(ctx context.Context, event models.AuditEvent) notifier.Notification {
	notification := notifier.Notification{
		EventID:   event.ID,
		SubjectID: event.SubjectID,
		Action:    event.Action,
		ChangedAt: event.ChangedAt,
	}

	if w.directory != nil {
		user, err := w.directory.GetUser(ctx, event.SubjectID)
		if err != nil {
			log.Debug().Err(err).Uint("subject_id", event.SubjectID).Msg("Could not resolve audit subject")
		} else {
			notification.SubjectName = user.Name
			notification.SubjectEmail = user.Email
		}
	}

	return notification
}
