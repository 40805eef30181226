package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository/memory"
	"github.com/jwalitptl/compounding-api/pkg/logger"
	"github.com/jwalitptl/compounding-api/pkg/messaging"
	"github.com/jwalitptl/compounding-api/pkg/metrics"
)

type flakyBroker struct {
	mu       sync.Mutex
	failures int
	sent     []messaging.Message
}

func (b *flakyBroker) Publish(_ context.Context, _ string, message interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("connection refused")
	}
	b.sent = append(b.sent, message.(messaging.Message))
	return nil
}

func (b *flakyBroker) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *flakyBroker) Close() error { return nil }

var sweepAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func seedAudit(t *testing.T, store *memory.Store, types ...string) uuid.UUID {
	t.Helper()
	jobID := uuid.New()
	for _, typ := range types {
		require.NoError(t, store.Audit().Create(context.Background(), &model.AuditEvent{
			JobID:     &jobID,
			EventType: typ,
			Payload:   json.RawMessage(`{"attempts":1}`),
		}))
	}
	return jobID
}

func newProcessor(t *testing.T, store *memory.Store, broker messaging.Broker, attempts int) (*OutboxProcessor, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test", "")
	p, err := NewOutboxProcessor(store.Outbox(), broker, OutboxProcessorConfig{
		Channel:       "compounding.audit",
		BatchSize:     10,
		PollInterval:  time.Second,
		RetryAttempts: attempts,
	}, logger.Nop(), m)
	require.NoError(t, err)
	return p, m
}

func TestOutboxProcessorPublishesAuditEvents(t *testing.T) {
	store := memory.NewStore()
	jobID := seedAudit(t, store, model.AuditPipelineStarted, model.AuditPipelineVerified)

	broker := messaging.NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := broker.Subscribe(ctx, "compounding.audit")
	require.NoError(t, err)

	p, m := newProcessor(t, store, broker, 3)
	n, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.OutboxEventsProcessed))

	var msg messaging.Message
	require.NoError(t, json.Unmarshal(<-sub, &msg))
	assert.Equal(t, model.AuditPipelineStarted, msg.Type)

	var event model.AuditEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	require.NotNil(t, event.JobID)
	assert.Equal(t, jobID, *event.JobID)

	for _, e := range store.OutboxEvents() {
		assert.Equal(t, model.OutboxStatusProcessed, e.Status)
		assert.NotNil(t, e.ProcessedAt)
	}

	n, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxProcessorRetriesThenFails(t *testing.T) {
	store := memory.NewStore()
	seedAudit(t, store, model.AuditJobApproved)

	broker := &flakyBroker{failures: 5}
	p, m := newProcessor(t, store, broker, 2)
	ctx := context.Background()

	n, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	events := store.OutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.OutboxStatusPending, events[0].Status)
	assert.Equal(t, 1, events[0].RetryCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxRetries.WithLabelValues(model.AuditJobApproved)))

	_, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	events = store.OutboxEvents()
	assert.Equal(t, model.OutboxStatusFailed, events[0].Status)
	require.NotNil(t, events[0].ErrorMessage)
	assert.Contains(t, *events[0].ErrorMessage, "connection refused")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxEventsFailed))

	// failed rows are not picked up again
	broker.failures = 0
	n, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, broker.sent)
}

func TestOutboxProcessorRecoversAfterTransientFailure(t *testing.T) {
	store := memory.NewStore()
	seedAudit(t, store, model.AuditJobRejected)

	broker := &flakyBroker{failures: 1}
	p, _ := newProcessor(t, store, broker, 3)

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, broker.sent, 1)
	assert.Equal(t, model.AuditJobRejected, broker.sent[0].Type)
}

func TestNewOutboxProcessorValidatesConfig(t *testing.T) {
	store := memory.NewStore()
	_, err := NewOutboxProcessor(store.Outbox(), &flakyBroker{}, OutboxProcessorConfig{
		Channel:      "c",
		BatchSize:    0,
		PollInterval: time.Second,
	}, nil, nil)
	assert.Error(t, err)

	_, err = NewOutboxProcessor(store.Outbox(), &flakyBroker{}, OutboxProcessorConfig{
		BatchSize:     1,
		PollInterval:  time.Second,
		RetryAttempts: 1,
	}, nil, nil)
	assert.EqualError(t, err, "outbox channel is required")
}

func TestRetentionWorkerSweeps(t *testing.T) {
	store := memory.NewStore()
	store.SetClock(func() time.Time { return sweepAt.Add(-48 * time.Hour) })
	seedAudit(t, store, model.AuditPipelineStarted, model.AuditPipelineVerified)

	p, _ := newProcessor(t, store, &flakyBroker{}, 1)
	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)

	store.SetClock(func() time.Time { return sweepAt })
	seedAudit(t, store, model.AuditJobApproved)

	ctx := context.Background()
	signing := store.Signing()
	stale := &model.SigningIntent{JobID: uuid.New(), IssuedTo: uuid.New(), ExpiresAt: sweepAt.Add(-2 * time.Hour)}
	fresh := &model.SigningIntent{JobID: uuid.New(), IssuedTo: uuid.New(), ExpiresAt: sweepAt.Add(5 * time.Minute)}
	usedAt := sweepAt.Add(-3 * time.Hour)
	used := &model.SigningIntent{JobID: uuid.New(), IssuedTo: uuid.New(), ExpiresAt: sweepAt.Add(-2 * time.Hour), ConsumedAt: &usedAt}
	for _, in := range []*model.SigningIntent{stale, fresh, used} {
		require.NoError(t, signing.CreateIntent(ctx, in))
	}

	w := NewRetentionWorker(signing, store.Outbox(), RetentionConfig{
		Interval:     time.Minute,
		OutboxMaxAge: 24 * time.Hour,
		IntentMaxAge: time.Hour,
	}, nil)
	w.SetClock(func() time.Time { return sweepAt })

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetentionResult{Intents: 1, Outbox: 2}, res)

	_, err = signing.GetIntent(ctx, stale.ID)
	assert.Error(t, err)
	_, err = signing.GetIntent(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = signing.GetIntent(ctx, used.ID)
	assert.NoError(t, err)

	// the unpublished event survives
	events := store.OutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.AuditJobApproved, events[0].EventType)
}

func TestRetentionWorkerDisabledSweeps(t *testing.T) {
	store := memory.NewStore()
	w := NewRetentionWorker(store.Signing(), store.Outbox(), RetentionConfig{}, nil)
	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetentionResult{}, res)
}
