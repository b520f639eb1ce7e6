// Package events publishes domain events about verification outcomes and review transitions
// so downstream systems (LIS interfaces, dashboards) can react without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Event types
const (
	ResultVerified         = "result.verified"
	ResultNeedsReview      = "result.needs_review"
	ResultRejected         = "result.rejected"
	ReviewCreated          = "review.created"
	ReviewExtended         = "review.extended"
	ReviewClaimed          = "review.claimed"
	ReviewDecisionRecorded = "review.decision_recorded"
	ReviewEscalated        = "review.escalated"
	ReviewCompleted        = "review.completed"
	SettingsChanged        = "settings.changed"
)

// Entity types
const (
	EntityResult   = "result"
	EntityReview   = "review"
	EntitySettings = "settings"
	EntityRule     = "rule"
)

// Event is one domain event
type Event struct {
	Type       string          `json:"event_type"`
	TenantID   string          `json:"tenant_id"`
	EntityID   string          `json:"entity_id"`
	EntityType string          `json:"entity_type"`
	ActorID    string          `json:"actor_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEvent builds an event with payload encoded as JSON
func NewEvent(eventType, tenantID, entityType, entityID string, payload interface{}) (*Event, error) {
	event := &Event{
		Type:       eventType,
		TenantID:   tenantID,
		EntityID:   entityID,
		EntityType: entityType,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
		}
		event.Data = data
	}
	return event, nil
}

// Publisher emits domain events
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
	Close() error
}

// LogPublisher writes events to the log. It is used when no broker is configured.
type LogPublisher struct {
	logger *logrus.Logger
}

// NewLogPublisher creates a log-backed publisher
func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs each event at info level
func (p *LogPublisher) Publish(ctx context.Context, events ...*Event) error {
	for _, e := range events {
		p.logger.WithFields(logrus.Fields{
			"event_type":  e.Type,
			"tenant_id":   e.TenantID,
			"entity_id":   e.EntityID,
			"entity_type": e.EntityType,
		}).Info("Domain event")
	}
	return nil
}

// Close is a no-op
func (p *LogPublisher) Close() error {
	return nil
}
