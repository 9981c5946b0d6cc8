package rbac

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/rbac/logger"
	"github.com/oarkflow/rbac/utils"
)

// ============================================================================
// AUDIT TRAIL
// ============================================================================

// EventType classifies audit events.
type EventType string

const (
	EventAccessDecision         EventType = "ACCESS_DECISION"
	EventAuditLogAccess         EventType = "AUDIT_LOG_ACCESS"
	EventAdminAction            EventType = "ADMIN_ACTION"
	EventContinuousVerification EventType = "CONTINUOUS_VERIFICATION"
	EventSecurityAlert          EventType = "SECURITY_ALERT"
)

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditEvent is one immutable record in the trail. HashChain is the SHA-256
// of the event's canonical JSON concatenated with the previous event's hash;
// Signature, when signing is configured, is an RSA-PSS signature over the
// hash.
type AuditEvent struct {
	EventID   string         `json:"event_id"`
	EventType EventType      `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Status    string         `json:"status,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	HashChain string         `json:"hash_chain"`
	Signature string         `json:"signature,omitempty"`
}

// AuditSink receives committed events, typically for durable storage.
// A sink error aborts the append: the event is not admitted to the chain.
type AuditSink interface {
	StoreEvent(ctx context.Context, event *AuditEvent) error
}

// AuditFilter narrows GetEvents results. Zero fields match everything.
type AuditFilter struct {
	Start      time.Time
	End        time.Time
	EventTypes []EventType
	UserID     string
	Limit      int
}

// IntegrityReport is the outcome of a full chain verification.
type IntegrityReport struct {
	IsValid        bool     `json:"is_valid"`
	TotalEvents    int      `json:"total_events"`
	VerifiedEvents int      `json:"verified_events"`
	HashChainValid bool     `json:"hash_chain_valid"`
	SignatureValid bool     `json:"signature_valid"`
	FirstInvalid   int      `json:"first_invalid"`
	Errors         []string `json:"errors,omitempty"`
}

// AuditTrail is an append-only, hash-chained event log. A single mutex
// serializes writers so the chain order is total. Signing is optional; when
// a key is configured every event is signed at append time and signatures
// are checked during verification.
type AuditTrail struct {
	mu       sync.Mutex
	events   []*AuditEvent
	index    map[string]int
	lastHash string

	signKey *rsa.PrivateKey
	sink    AuditSink
	log     logger.Logger
	now     func() time.Time
}

type AuditOption func(*AuditTrail)

// WithSigningKey enables RSA-PSS signing of appended events. The key must
// already be unlocked; passphrase handling is the caller's concern.
func WithSigningKey(key *rsa.PrivateKey) AuditOption {
	return func(at *AuditTrail) { at.signKey = key }
}

// WithAuditSink attaches a durable sink. The sink is written before the
// event is committed to memory, so a failed sink leaves the chain unchanged.
func WithAuditSink(sink AuditSink) AuditOption {
	return func(at *AuditTrail) { at.sink = sink }
}

// WithAuditLogger installs a logger on the trail.
func WithAuditLogger(l logger.Logger) AuditOption {
	return func(at *AuditTrail) {
		if l != nil {
			at.log = l
		}
	}
}

func NewAuditTrail(opts ...AuditOption) *AuditTrail {
	at := &AuditTrail{
		index: make(map[string]int),
		log:   logger.NewNullLogger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(at)
	}
	return at
}

// AppendEvent admits an event to the chain. The event's EventID and
// Timestamp are assigned if unset; HashChain and Signature are always
// computed here and any caller-supplied values are overwritten. Errors are
// returned as *AuditError and must not be ignored: a failed append means the
// operation that produced the event has no audit record.
func (at *AuditTrail) AppendEvent(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return &AuditError{Op: "append", Err: fmt.Errorf("nil event")}
	}
	if event.EventType == "" {
		return &AuditError{Op: "append", Err: fmt.Errorf("event type required")}
	}

	at.mu.Lock()
	defer at.mu.Unlock()

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = at.now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	hash, err := chainHash(event, at.lastHash)
	if err != nil {
		return &AuditError{Op: "append", Err: err}
	}
	event.HashChain = hash

	if at.signKey != nil {
		sig, err := signHash(at.signKey, hash)
		if err != nil {
			return &AuditError{Op: "sign", Err: err}
		}
		event.Signature = sig
	}

	if at.sink != nil {
		if err := at.sink.StoreEvent(ctx, event); err != nil {
			// Chain state untouched: the next append recomputes from the
			// same lastHash.
			event.HashChain = ""
			event.Signature = ""
			return &AuditError{Op: "store", Err: err}
		}
	}

	at.index[event.EventID] = len(at.events)
	at.events = append(at.events, event)
	at.lastHash = hash
	return nil
}

// chainHash computes SHA-256 over the canonical JSON of the event's signed
// fields concatenated with the previous hash.
func chainHash(event *AuditEvent, prevHash string) (string, error) {
	body, err := utils.CanonicalJSON(map[string]any{
		"event_id":   event.EventID,
		"event_type": string(event.EventType),
		"severity":   string(event.Severity),
		"status":     event.Status,
		"user_id":    event.UserID,
		"timestamp":  event.Timestamp.Format(time.RFC3339Nano),
		"message":    event.Message,
		"context":    event.Context,
		"metadata":   event.Metadata,
	})
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func signHash(key *rsa.PrivateKey, hash string) (string, error) {
	digest := sha256.Sum256([]byte(hash))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func verifySignature(pub *rsa.PublicKey, hash, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(hash))
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil)
}

// VerifyIntegrity walks the whole chain, recomputing each hash and checking
// each signature when signing is configured. FirstInvalid is the index of
// the first divergent event, or -1 when the chain is intact.
func (at *AuditTrail) VerifyIntegrity() *IntegrityReport {
	at.mu.Lock()
	defer at.mu.Unlock()

	report := &IntegrityReport{
		IsValid:        true,
		TotalEvents:    len(at.events),
		HashChainValid: true,
		SignatureValid: true,
		FirstInvalid:   -1,
	}
	prev := ""
	for i, event := range at.events {
		expected, err := chainHash(event, prev)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("event %d: hash failed: %v", i, err))
			report.HashChainValid = false
			if report.FirstInvalid < 0 {
				report.FirstInvalid = i
			}
			break
		}
		if expected != event.HashChain {
			report.Errors = append(report.Errors, fmt.Sprintf("event %d (%s): hash mismatch", i, event.EventID))
			report.HashChainValid = false
			if report.FirstInvalid < 0 {
				report.FirstInvalid = i
			}
			break
		}
		if at.signKey != nil {
			if event.Signature == "" {
				report.Errors = append(report.Errors, fmt.Sprintf("event %d (%s): missing signature", i, event.EventID))
				report.SignatureValid = false
				if report.FirstInvalid < 0 {
					report.FirstInvalid = i
				}
			} else if err := verifySignature(&at.signKey.PublicKey, event.HashChain, event.Signature); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("event %d (%s): bad signature", i, event.EventID))
				report.SignatureValid = false
				if report.FirstInvalid < 0 {
					report.FirstInvalid = i
				}
			}
		}
		report.VerifiedEvents++
		prev = event.HashChain
	}
	report.IsValid = report.HashChainValid && report.SignatureValid &&
		report.VerifiedEvents == report.TotalEvents
	return report
}

// GetEvent looks up one event by ID.
func (at *AuditTrail) GetEvent(eventID string) (*AuditEvent, error) {
	at.mu.Lock()
	defer at.mu.Unlock()
	i, ok := at.index[eventID]
	if !ok {
		return nil, fmt.Errorf("audit event %s: %w", eventID, ErrNotFound)
	}
	return at.events[i], nil
}

// GetEvents returns events matching the filter, oldest first.
func (at *AuditTrail) GetEvents(filter AuditFilter) []*AuditEvent {
	at.mu.Lock()
	defer at.mu.Unlock()

	out := make([]*AuditEvent, 0, 16)
	for _, event := range at.events {
		if !filter.Start.IsZero() && event.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && event.Timestamp.After(filter.End) {
			continue
		}
		if filter.UserID != "" && event.UserID != filter.UserID {
			continue
		}
		if len(filter.EventTypes) > 0 {
			found := false
			for _, t := range filter.EventTypes {
				if event.EventType == t {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// SearchEvents returns events whose message contains the query,
// case-insensitively, oldest first.
func (at *AuditTrail) SearchEvents(query string, limit int) []*AuditEvent {
	at.mu.Lock()
	defer at.mu.Unlock()

	q := strings.ToLower(query)
	out := make([]*AuditEvent, 0, 16)
	for _, event := range at.events {
		if strings.Contains(strings.ToLower(event.Message), q) {
			out = append(out, event)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// ExportAuditLog serializes the full trail as JSON. The export itself is a
// security-relevant access, so an AUDIT_LOG_ACCESS event is appended before
// any bytes leave, and the export includes that event.
func (at *AuditTrail) ExportAuditLog(ctx context.Context, accessor string) ([]byte, error) {
	err := at.AppendEvent(ctx, &AuditEvent{
		EventType: EventAuditLogAccess,
		Severity:  SeverityWarning,
		UserID:    accessor,
		Message:   "audit log exported",
		Metadata:  map[string]any{"accessor": accessor},
	})
	if err != nil {
		return nil, err
	}

	at.mu.Lock()
	defer at.mu.Unlock()
	return json.MarshalIndent(at.events, "", "  ")
}

// HeadHash returns the hash of the most recent event, or "" for an empty
// trail. Persisting the head out of band lets an auditor detect truncation.
func (at *AuditTrail) HeadHash() string {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.lastHash
}

// Len returns the number of committed events.
func (at *AuditTrail) Len() int {
	at.mu.Lock()
	defer at.mu.Unlock()
	return len(at.events)
}
