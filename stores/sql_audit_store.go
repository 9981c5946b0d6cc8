package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/squealx"
)

// SQLAuditStore is a durable sink for the audit trail. It implements
// rbac.AuditSink and a read path for offline review; chain verification
// still happens against the in-memory trail, which is authoritative.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) StoreEvent(ctx context.Context, event *rbac.AuditEvent) error {
	ctxB, _ := json.Marshal(event.Context)
	metaB, _ := json.Marshal(event.Metadata)
	q := `INSERT INTO audit_events(event_id, event_type, severity, status, user_id, timestamp, message, context_json, metadata_json, hash_chain, signature) VALUES(:event_id, :event_type, :severity, :status, :user_id, :timestamp, :message, :context_json, :metadata_json, :hash_chain, :signature)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"event_id":      event.EventID,
		"event_type":    string(event.EventType),
		"severity":      string(event.Severity),
		"status":        event.Status,
		"user_id":       event.UserID,
		"timestamp":     event.Timestamp,
		"message":       event.Message,
		"context_json":  string(ctxB),
		"metadata_json": string(metaB),
		"hash_chain":    event.HashChain,
		"signature":     event.Signature,
	})
	return err
}

func (s *SQLAuditStore) GetEvents(ctx context.Context, filter rbac.AuditFilter) ([]*rbac.AuditEvent, error) {
	q := `SELECT event_id, event_type, severity, status, user_id, timestamp, message, context_json, metadata_json, hash_chain, signature FROM audit_events WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if len(filter.EventTypes) == 1 {
		q += " AND event_type = :event_type"
		params["event_type"] = string(filter.EventTypes[0])
	}
	if !filter.Start.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.Start
	}
	if !filter.End.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.End
	}
	q += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.AuditEvent, 0)
	for r.Next() {
		var eventID, eventType, severity, status, userID, message, ctxJSON, metaJSON, hashChain, signature string
		var timestampRaw interface{}
		if err := r.Scan(&eventID, &eventType, &severity, &status, &userID, &timestampRaw, &message, &ctxJSON, &metaJSON, &hashChain, &signature); err != nil {
			return nil, err
		}
		event := &rbac.AuditEvent{
			EventID:   eventID,
			EventType: rbac.EventType(eventType),
			Severity:  rbac.Severity(severity),
			Status:    status,
			UserID:    userID,
			Message:   message,
			HashChain: hashChain,
			Signature: signature,
		}
		event.Timestamp = scanTime(timestampRaw)
		_ = json.Unmarshal([]byte(ctxJSON), &event.Context)
		_ = json.Unmarshal([]byte(metaJSON), &event.Metadata)
		// filters with multiple event types are applied client-side
		if len(filter.EventTypes) > 1 && !matchesEventType(event.EventType, filter.EventTypes) {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

func matchesEventType(t rbac.EventType, types []rbac.EventType) bool {
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

// PruneBefore deletes stored events older than cutoff. The hash chain of the
// in-memory trail is unaffected.
func (s *SQLAuditStore) PruneBefore(ctx context.Context, cutoff time.Time) error {
	q := `DELETE FROM audit_events WHERE timestamp < :cutoff`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"cutoff": cutoff})
	return err
}
