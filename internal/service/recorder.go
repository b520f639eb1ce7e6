package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/audit"
	"github.com/lab-verification-service/internal/domain"
	"github.com/lab-verification-service/internal/events"
)

// recorder writes the audit trail and publishes domain events after a state change has been
// persisted. Failures are logged; the committed change stands.
type recorder struct {
	audit     audit.Store
	publisher events.Publisher
	logger    *logrus.Logger
}

func (r *recorder) record(ctx context.Context, entry *audit.Entry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, entry); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id": entry.TenantID,
			"entity_id": entry.EntityID,
			"action":    entry.Action,
		}).Error("Failed to write audit entry")
	}
}

func (r *recorder) publish(ctx context.Context, eventType, tenantID, entityType, entityID string, actor domain.Reviewer, payload interface{}) {
	if r.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, tenantID, entityType, entityID, payload)
	if err != nil {
		r.logger.WithError(err).WithField("event_type", eventType).Warn("Failed to build event")
		return
	}
	event.ActorID = actor.UserID
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": eventType,
			"entity_id":  entityID,
		}).Warn("Failed to publish event")
	}
}

// systemActor attributes automatic actions
var systemActor = domain.Reviewer{UserID: "system"}

func resultEntry(result *domain.Result, action audit.Action, actor domain.Reviewer, from domain.VerificationStatus, detail string) *audit.Entry {
	return &audit.Entry{
		TenantID:   result.TenantID,
		EntityType: events.EntityResult,
		EntityID:   result.ID,
		SampleID:   result.SampleID,
		Action:     action,
		ActorID:    actor.UserID,
		ActorRole:  string(actor.Role),
		FromState:  string(from),
		ToState:    string(result.VerificationStatus),
		Detail:     detail,
	}
}

func reviewEntry(review *domain.Review, action audit.Action, actor domain.Reviewer, from domain.ReviewState, detail string) *audit.Entry {
	return &audit.Entry{
		TenantID:   review.TenantID,
		EntityType: events.EntityReview,
		EntityID:   review.ID,
		SampleID:   review.SampleID,
		Action:     action,
		ActorID:    actor.UserID,
		ActorRole:  string(actor.Role),
		FromState:  string(from),
		ToState:    string(review.State),
		Detail:     detail,
	}
}
