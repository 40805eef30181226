package repository

import (
	"encoding/json"

	"github.com/jwalitptl/compounding-api/internal/model"
)

// OutboxPayload is the message published for an audit event: the whole
// event, so subscribers see job, actor and timestamp alongside the payload.
func OutboxPayload(event *model.AuditEvent) json.RawMessage {
	data, err := json.Marshal(event)
	if err != nil {
		return event.Payload
	}
	return data
}
