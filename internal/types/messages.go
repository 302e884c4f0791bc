package types

import "time"

// Realtime event names
const (
	EventNewQuery          = "new_query"
	EventQueryClaimed      = "query_claimed"
	EventTransferRequested = "transfer_requested"
	EventTransferAccepted  = "transfer_accepted"
	EventTransferRejected  = "transfer_rejected"
	EventSystemNote        = "system_note"
	EventQueryUpdated      = "query_updated"
	EventError             = "error"
)

// Envelope wraps every server-to-client realtime message
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// QueryOffer is sent to eligible agents when a query needs a handler
type QueryOffer struct {
	CaseID       string    `json:"caseId"`
	CustomerName string    `json:"customerName"`
	Subject      string    `json:"subject"`
	Category     string    `json:"category,omitempty"`
	Priority     string    `json:"priority,omitempty"`
	TenantID     string    `json:"tenantId"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewQueryOffer builds the offer payload for q
func NewQueryOffer(q Query, now time.Time) QueryOffer {
	return QueryOffer{
		CaseID:       q.CaseID,
		CustomerName: q.CustomerName,
		Subject:      q.Subject,
		Category:     q.Category,
		Priority:     q.Priority,
		TenantID:     q.TenantID,
		Timestamp:    now,
	}
}

// QueryClaimed tells the tenant that an offer is no longer open
type QueryClaimed struct {
	CaseID    string    `json:"caseId"`
	TenantID  string    `json:"tenantId"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
}

// TransferNotice describes a hand-off step
type TransferNotice struct {
	CaseID       string         `json:"caseId"`
	TenantID     string         `json:"tenantId"`
	TransferID   string         `json:"transferId"`
	FromAgent    string         `json:"fromAgent"`
	ToAgent      string         `json:"toAgent"`
	Reason       string         `json:"reason,omitempty"`
	Status       TransferStatus `json:"status"`
	RejectReason string         `json:"rejectReason,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SystemNote is a lifecycle note appended to a conversation
type SystemNote struct {
	CaseID    string    `json:"caseId"`
	TenantID  string    `json:"tenantId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is sent from a connected client to the backend
type ClientMessage struct {
	Type   string `json:"type"` // "join_case", "leave_case", "ping"
	CaseID string `json:"caseId,omitempty"`
}

// ServerAck confirms a client message
type ServerAck struct {
	Type    string `json:"type"` // "ack"
	Action  string `json:"action"`
	CaseID  string `json:"caseId,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// LifecycleEvent is published for every successful query transition
type LifecycleEvent struct {
	Type     string      `json:"type"`
	CaseID   string      `json:"caseId"`
	TenantID string      `json:"tenantId"`
	Status   QueryStatus `json:"status"`
	AgentID  string      `json:"agentId,omitempty"`
	Version  int64       `json:"version"`
	At       time.Time   `json:"at"`
}
