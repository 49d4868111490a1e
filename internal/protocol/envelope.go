// Package protocol defines the versioned wire encodings that cross the
// ingest and event streams. Nothing language-native goes on the wire: both
// envelopes are self-describing JSON so any consumer can decode them.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EnvelopeVersion tags the ingest envelope encoding. Bump on any
// incompatible change.
const EnvelopeVersion = 1

// RecordType discriminates ingest envelopes.
type RecordType int

const (
	Heartbeat  RecordType = 0
	SyslogData RecordType = 1
)

func (t RecordType) String() string {
	switch t {
	case Heartbeat:
		return "HEARTBEAT"
	case SyslogData:
		return "SYSLOG_DATA"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// Envelope is what crosses the ingest stream: one heartbeat or one raw
// syslog frame, tagged with its tenant and source. Payload for SyslogData
// is the received frame with no trailer; Heartbeat carries empty bytes.
type Envelope struct {
	Version     int        `json:"v"`
	MessageID   string     `json:"message_id"`
	TenantID    string     `json:"tenant_id"`
	SourceID    string     `json:"source_id"`
	Type        RecordType `json:"record_type"`
	TimestampMS uint64     `json:"timestamp_ms"`
	Payload     []byte     `json:"payload"`
}

// Marshal encodes the envelope for the ingest stream, minting a message
// id if the caller did not set one.
func (e *Envelope) Marshal() ([]byte, error) {
	e.Version = EnvelopeVersion
	if e.MessageID == "" {
		e.MessageID = uuid.NewString()
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes an ingest envelope, refusing unknown versions.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Version != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", e.Version)
	}
	if e.Type != Heartbeat && e.Type != SyslogData {
		return nil, fmt.Errorf("unknown record type %d", int(e.Type))
	}
	return &e, nil
}

// EventEnvelope is what crosses the event stream: a tenant id plus an
// opaque serialised event (see the event package for the blob encoding).
type EventEnvelope struct {
	Version   int    `json:"v"`
	MessageID string `json:"message_id"`
	TenantID  string `json:"tenant_id"`
	Event     []byte `json:"event"`
}

// Marshal encodes the event envelope for the event stream, minting a
// message id if the caller did not set one.
func (e *EventEnvelope) Marshal() ([]byte, error) {
	e.Version = EnvelopeVersion
	if e.MessageID == "" {
		e.MessageID = uuid.NewString()
	}
	return json.Marshal(e)
}

// UnmarshalEventEnvelope decodes an event envelope, refusing unknown
// versions.
func UnmarshalEventEnvelope(data []byte) (*EventEnvelope, error) {
	var e EventEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if e.Version != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported event envelope version %d", e.Version)
	}
	return &e, nil
}
