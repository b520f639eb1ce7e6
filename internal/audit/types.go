// Package audit stores the append-only trail of verification and review actions. Entries are
// never updated or deleted; a review's history can always be reconstructed from its entries.
package audit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Action is the kind of audited event
type Action string

const (
	ActionResultVerified   Action = "result_verified"
	ActionResultFlagged    Action = "result_flagged"
	ActionResultRejected   Action = "result_rejected"
	ActionReviewCreated    Action = "review_created"
	ActionReviewExtended   Action = "review_extended"
	ActionReviewClaimed    Action = "review_claimed"
	ActionDecisionRecorded Action = "decision_recorded"
	ActionReviewEscalated  Action = "review_escalated"
	ActionReviewCompleted  Action = "review_completed"
	ActionSettingsCreated  Action = "settings_created"
	ActionSettingsUpdated  Action = "settings_updated"
	ActionSettingsDeleted  Action = "settings_deleted"
	ActionRuleToggled      Action = "rule_toggled"
)

// Entry is one audit record
type Entry struct {
	ID         int64     `json:"id,omitempty"`
	TenantID   string    `json:"tenant_id"`
	EntityType string    `json:"entity_type"` // result, review, settings or rule
	EntityID   string    `json:"entity_id"`
	SampleID   string    `json:"sample_id,omitempty"`
	Action     Action    `json:"action"`
	ActorID    string    `json:"actor_id,omitempty"`
	ActorRole  string    `json:"actor_role,omitempty"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter narrows a listing. TenantID is required.
type Filter struct {
	TenantID string
	EntityID string
	SampleID string
	Action   Action
	Limit    int
	Offset   int
}

// Store defines the interface for audit storage operations.
type Store interface {
	// Record appends an entry and assigns its ID.
	Record(ctx context.Context, entry *Entry) error

	// List returns matching entries, oldest first.
	List(ctx context.Context, filter Filter) ([]*Entry, error)

	// Count returns the number of entries of a tenant.
	Count(ctx context.Context, tenantID string) (int64, error)

	// ExportJSON writes all entries of a tenant as JSON.
	ExportJSON(ctx context.Context, tenantID string, writer io.Writer) error

	// Close closes the store and releases resources.
	Close() error
}

// Export represents the JSON export format.
type Export struct {
	Version    string    `json:"version"`
	TenantID   string    `json:"tenant_id"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Entries    []*Entry  `json:"entries"`
}

const (
	defaultListLimit = 100
	maxExportLimit   = 1000000
)

const selectColumns = `id, tenant_id, entity_type, entity_id, sample_id, action,
		actor_id, actor_role, from_state, to_state, detail, created_at`

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var action string
	err := s.Scan(
		&e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &e.SampleID, &action,
		&e.ActorID, &e.ActorRole, &e.FromState, &e.ToState, &e.Detail, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Action = Action(action)
	return e, nil
}

// whereClause renders the filter; placeholder formats the n-th bind parameter.
func whereClause(f Filter, placeholder func(n int) string) (string, []interface{}) {
	conds := []string{"tenant_id = " + placeholder(1)}
	args := []interface{}{f.TenantID}

	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = %s", column, placeholder(len(args))))
	}
	add("entity_id", f.EntityID)
	add("sample_id", f.SampleID)
	add("action", string(f.Action))

	return "WHERE " + strings.Join(conds, " AND "), args
}

func validate(e *Entry) error {
	if e.TenantID == "" {
		return fmt.Errorf("audit entry requires a tenant")
	}
	if e.EntityID == "" || e.Action == "" {
		return fmt.Errorf("audit entry requires an entity and an action")
	}
	return nil
}

func limitOf(f Filter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
