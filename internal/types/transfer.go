package types

import "time"

// TransferStatus is the sub-status of one hand-off attempt
type TransferStatus string

const (
	TransferRequested TransferStatus = "requested"
	TransferAccepted  TransferStatus = "accepted"
	TransferRejected  TransferStatus = "rejected"
)

// RejectReasonExpired marks a transfer closed by the expiry sweep
const RejectReasonExpired = "expired"

// TransferRecord is one hand-off attempt in a query's history
type TransferRecord struct {
	ID           string         `json:"id" bson:"id" dynamodbav:"ID"`
	FromAgent    string         `json:"fromAgent" bson:"from_agent" dynamodbav:"FromAgent"`
	ToAgent      string         `json:"toAgent" bson:"to_agent" dynamodbav:"ToAgent"`
	RequestedBy  string         `json:"requestedBy" bson:"requested_by" dynamodbav:"RequestedBy"`
	Reason       string         `json:"reason,omitempty" bson:"reason" dynamodbav:"Reason"`
	Status       TransferStatus `json:"status" bson:"status" dynamodbav:"Status"`
	RequestedAt  time.Time      `json:"requestedAt" bson:"requested_at" dynamodbav:"RequestedAt"`
	AcceptedAt   *time.Time     `json:"acceptedAt,omitempty" bson:"accepted_at,omitempty" dynamodbav:"AcceptedAt,omitempty"`
	RejectedAt   *time.Time     `json:"rejectedAt,omitempty" bson:"rejected_at,omitempty" dynamodbav:"RejectedAt,omitempty"`
	RejectReason string         `json:"rejectReason,omitempty" bson:"reject_reason" dynamodbav:"RejectReason"`
}

// Accept closes a Requested record as Accepted
func (r *TransferRecord) Accept(now time.Time) {
	r.Status = TransferAccepted
	r.AcceptedAt = &now
}

// Reject closes a Requested record as Rejected
func (r *TransferRecord) Reject(now time.Time, reason string) {
	r.Status = TransferRejected
	r.RejectedAt = &now
	r.RejectReason = reason
}

func (r TransferRecord) clone() TransferRecord {
	c := r
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.RejectedAt = cloneTime(r.RejectedAt)
	return c
}
