package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/compounding-api/internal/repository"
	"github.com/jwalitptl/compounding-api/pkg/logger"
)

type RetentionConfig struct {
	Interval     time.Duration
	OutboxMaxAge time.Duration
	IntentMaxAge time.Duration
}

// RetentionWorker drops unused signing intents past their expiry and outbox
// rows that were published long enough ago. Audit events are never deleted.
type RetentionWorker struct {
	intents repository.SigningRepository
	outbox  repository.OutboxRepository
	config  RetentionConfig
	logger  *logger.Logger
	now     func() time.Time
}

func NewRetentionWorker(intents repository.SigningRepository, outbox repository.OutboxRepository, config RetentionConfig, log *logger.Logger) *RetentionWorker {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RetentionWorker{
		intents: intents,
		outbox:  outbox,
		config:  config,
		logger:  log,
		now:     time.Now,
	}
}

func (w *RetentionWorker) SetClock(now func() time.Time) { w.now = now }

func (w *RetentionWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error(err, "Retention sweep failed")
			}
		}
	}
}

type RetentionResult struct {
	Intents int64
	Outbox  int64
}

// RunOnce performs a single sweep. A zero max age disables that sweep.
func (w *RetentionWorker) RunOnce(ctx context.Context) (RetentionResult, error) {
	var res RetentionResult
	now := w.now()

	if w.config.IntentMaxAge > 0 {
		n, err := w.intents.DeleteExpiredIntents(ctx, now.Add(-w.config.IntentMaxAge))
		if err != nil {
			return res, fmt.Errorf("failed to purge signing intents: %w", err)
		}
		res.Intents = n
	}

	if w.config.OutboxMaxAge > 0 {
		n, err := w.outbox.DeleteProcessedBefore(ctx, now.Add(-w.config.OutboxMaxAge))
		if err != nil {
			return res, fmt.Errorf("failed to purge outbox events: %w", err)
		}
		res.Outbox = n
	}

	if res.Intents > 0 || res.Outbox > 0 {
		w.logger.Info("Retention sweep completed", "intents", res.Intents, "outbox_events", res.Outbox)
	}
	return res, nil
}
