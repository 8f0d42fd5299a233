// Package audit provides the tamper-evident audit trail of the broker.
//
// Audit logs are separate from technical logs and record issuance
// decisions: which CA was loaded, which request was rejected by which
// validator, which certificate was issued, and where signing failed.
//
// Key principles:
//   - Audit failure = Operation failure
//   - Never log secrets (PINs, passphrases, key material)
//   - All timestamps in UTC
//   - Hash chain for integrity verification
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EventType represents the category of audit event.
type EventType string

const (
	// CA lifecycle events
	EventCALoaded EventType = "CA_LOADED"

	// Key access events
	EventKeyAccessed EventType = "KEY_ACCESSED"

	// Request events
	EventCSRRejected EventType = "CSR_REJECTED"
	EventCertIssued  EventType = "CERT_ISSUED"

	// Failure events
	EventSigningFailed EventType = "SIGNING_FAILED"
	EventAuthFailed    EventType = "AUTH_FAILED"
)

// Result represents the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Actor represents who performed the action.
type Actor struct {
	Type string `json:"type"`           // "service", "client"
	ID   string `json:"id"`             // service name or client address
	Host string `json:"host,omitempty"` // hostname where action occurred
}

// Object represents what was acted upon.
type Object struct {
	Type    string `json:"type"`              // "certificate", "csr", "ca", "key"
	Serial  string `json:"serial,omitempty"`  // certificate serial number
	Subject string `json:"subject,omitempty"` // subject DN
	Path    string `json:"path,omitempty"`    // file path
}

// Context provides additional details about the operation.
type Context struct {
	Authority string `json:"authority,omitempty"` // registration authority
	CA        string `json:"ca,omitempty"`        // signing CA name
	Backend   string `json:"backend,omitempty"`   // signing backend
	Algorithm string `json:"algorithm,omitempty"` // signature algorithm
	Validator string `json:"validator,omitempty"` // rejecting validator
	Step      string `json:"step,omitempty"`      // failed signing step
	Reason    string `json:"reason,omitempty"`    // failure reason
}

// Event represents a single audit log entry.
type Event struct {
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Actor     Actor     `json:"actor"`
	Object    Object    `json:"object"`
	Context   Context   `json:"context,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"` // SHA-256 hash of previous event
	Hash      string    `json:"hash"`      // SHA-256 hash of this event
}

// ServiceName identifies the broker as the default actor.
const ServiceName = "certbroker"

// NewEvent creates a new audit event with the current time and the
// service itself as actor.
func NewEvent(eventType EventType, result Result) *Event {
	hostname, _ := os.Hostname()
	return &Event{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Actor: Actor{
			Type: "service",
			ID:   ServiceName,
			Host: hostname,
		},
		Result: result,
	}
}

// WithObject sets the object field.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithContext sets the context field.
func (e *Event) WithContext(ctx Context) *Event {
	e.Context = ctx
	return e
}

// WithActor overrides the default actor.
func (e *Event) WithActor(actor Actor) *Event {
	e.Actor = actor
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if e.Actor.Type == "" || e.Actor.ID == "" {
		return fmt.Errorf("actor type and id are required")
	}
	if e.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON returns the event as canonical JSON for hashing.
// Excludes the Hash field to allow hash calculation.
func (e *Event) CanonicalJSON() ([]byte, error) {
	type eventForHash struct {
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		Actor     Actor     `json:"actor"`
		Object    Object    `json:"object"`
		Context   Context   `json:"context,omitempty"`
		Result    Result    `json:"result"`
		HashPrev  string    `json:"hash_prev"`
	}

	return json.Marshal(eventForHash{
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Object:    e.Object,
		Context:   e.Context,
		Result:    e.Result,
		HashPrev:  e.HashPrev,
	})
}

// JSON returns the full event as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
