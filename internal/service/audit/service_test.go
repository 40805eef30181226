package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository/memory"
)

func TestRecordAppendsEventAndOutbox(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store.Audit(), nil)
	ctx := context.Background()
	jobID, actor := uuid.New(), uuid.New()

	require.NoError(t, svc.Record(ctx, jobID, &actor, model.AuditJobRejected, map[string]string{"feedback": "wrong vehicle"}))
	require.NoError(t, svc.Record(ctx, jobID, nil, model.AuditPipelineStarted, map[string]int{"attempt": 1}))

	events, err := svc.ListByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.AuditJobRejected, events[0].EventType)
	assert.Equal(t, actor, *events[0].ActorID)
	assert.Nil(t, events[1].ActorID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "wrong vehicle", payload["feedback"])

	pending, err := store.Outbox().GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRecordRejectsUnencodablePayload(t *testing.T) {
	svc := NewService(memory.NewStore().Audit(), nil)
	err := svc.Record(context.Background(), uuid.New(), nil, "x", map[string]interface{}{"f": func() {}})
	assert.Error(t, err)
}
