package models

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventWorkflowResolved EventType = "workflow_resolved"
	EventWorkflowFailed   EventType = "workflow_failed"
	EventCheckedIn        EventType = "checked_in"
	EventCheckedOut       EventType = "checked_out"
)

// WorkflowEvent is the message published to NATS when a recognition
// workflow resolves or an attendance toggle is applied. The API service
// consumes these and fans them out over WebSocket.
type WorkflowEvent struct {
	Type         EventType         `json:"type"`
	StoreID      uuid.UUID         `json:"store_id"`
	WorkflowID   uuid.UUID         `json:"workflow_id,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	CustomerID   *uuid.UUID        `json:"customer_id,omitempty"`
	CustomerName string            `json:"customer_name,omitempty"`
	ExternalID   string            `json:"external_id,omitempty"`
	Confidence   float32           `json:"confidence,omitempty"`
	Error        string            `json:"error,omitempty"`
	Attendance   *AttendanceRecord `json:"attendance,omitempty"`
	StillKey     string            `json:"still_key,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}
