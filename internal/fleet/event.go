package fleet

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType tags a fleet lifecycle event.
type EventType string

const (
	EventAgentSpawned          EventType = "AGENT_SPAWNED"
	EventAgentCompleted        EventType = "AGENT_COMPLETED"
	EventAgentFailed           EventType = "AGENT_FAILED"
	EventAgentRetrying         EventType = "AGENT_RETRYING"
	EventAgentCancelled        EventType = "AGENT_CANCELLED"
	EventFleetCapacityWarning  EventType = "FLEET_CAPACITY_WARNING"
	EventFleetCapacityRestored EventType = "FLEET_CAPACITY_RESTORED"
	EventSpawnDenied           EventType = "SPAWN_DENIED"
)

// Event is an immutable fleet lifecycle event.
type Event struct {
	Type       EventType      `json:"type"`
	TaskID     string         `json:"taskId"`
	OperatorID string         `json:"operatorId"`
	Timestamp  string         `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(eventType EventType, taskID, operatorID string, metadata map[string]any) Event {
	return Event{
		Type:       eventType,
		TaskID:     taskID,
		OperatorID: operatorID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:   copyMap(metadata),
	}
}

// Subject is the external-bus subject for the event, e.g. dixie.fleet.agent_spawned.
func (e Event) Subject(prefix string) string {
	return SubjectFor(prefix, e.Type)
}

// SubjectFor builds "{prefix}.{type lowercased}".
func SubjectFor(prefix string, eventType EventType) string {
	sub := strings.ToLower(string(eventType))
	if prefix == "" {
		return sub
	}
	return prefix + "." + sub
}

// JSON encodes the event in its wire form.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Payload flattens the event into an outbox payload map.
func (e Event) Payload() map[string]any {
	p := map[string]any{
		"type":       string(e.Type),
		"taskId":     e.TaskID,
		"operatorId": e.OperatorID,
		"timestamp":  e.Timestamp,
	}
	if len(e.Metadata) > 0 {
		p["metadata"] = copyMap(e.Metadata)
	}
	return p
}

// OutboxMessage wraps the event for enqueueing with a dedup key.
func (e Event) OutboxMessage(dedupKey string) OutboxMessage {
	return OutboxMessage{EventType: e.Type, Payload: e.Payload(), DedupKey: dedupKey}
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
