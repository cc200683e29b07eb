// Package realtime provides the WebSocket connection registry and
// notification dispatch for the server. Connections are indexed by user and
// by named rooms; delivery is best-effort and at-most-once — a disconnected
// recipient simply does not receive the message.
package realtime

import (
	"encoding/json"
	"time"
)

// Server-to-client message types.
const (
	TypeConnectionAck  = "connection_ack"
	TypeHeartbeat      = "heartbeat"
	TypeUploadProgress = "upload_progress"
	TypeUploadComplete = "upload_complete"
	TypeUploadError    = "upload_error"
	TypePatientCreated = "patient_created"
	TypePatientUpdated = "patient_updated"
	TypePatientDeleted = "patient_deleted"
	TypeAuditLog       = "audit_log"
	TypeSystemHealth   = "system_health"
	TypeNotification   = "notification"
	TypeError          = "error"
	TypePong           = "pong"
)

// Client-to-server message types.
const (
	TypePing               = "ping"
	TypeSubscribeAudit     = "subscribe_audit"
	TypeSubscribeHealth    = "subscribe_health"
	TypeGetPatientCount    = "get_patient_count"
	TypeGetConnectionStats = "get_connection_stats"
)

// Rooms every connection is placed in automatically, plus the explicit
// subscription rooms.
const (
	RoomAuditSubscribers  = "audit:subscribers"
	RoomHealthSubscribers = "health:subscribers"
)

// Envelope is the wire-level message format. Data always carries a
// "timestamp" field in RFC 3339.
type Envelope struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// NewEnvelope builds an Envelope of the given type, stamping the payload
// with the current time. A nil data map is allowed.
func NewEnvelope(msgType string, data map[string]interface{}) Envelope {
	if data == nil {
		data = make(map[string]interface{}, 1)
	}
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	return Envelope{Type: msgType, Data: data}
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ClientMessage is an inbound message from a client.
type ClientMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}
