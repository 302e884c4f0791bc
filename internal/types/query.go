package types

import (
	"sort"
	"time"
)

// QueryStatus represents the lifecycle state of a support query
type QueryStatus string

const (
	QueryPending     QueryStatus = "pending"
	QueryAccepted    QueryStatus = "accepted"
	QueryInProgress  QueryStatus = "in_progress"
	QueryTransferred QueryStatus = "transferred"
	QueryResolved    QueryStatus = "resolved"
	QueryExpired     QueryStatus = "expired"
)

// AllQueryStatuses lists every status in lifecycle order
var AllQueryStatuses = []QueryStatus{
	QueryPending,
	QueryAccepted,
	QueryInProgress,
	QueryTransferred,
	QueryResolved,
	QueryExpired,
}

// ActiveStatuses are the statuses in which a query has an assigned handler
var ActiveStatuses = []QueryStatus{QueryAccepted, QueryInProgress}

// Valid reports whether s is a known status
func (s QueryStatus) Valid() bool {
	for _, known := range AllQueryStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsActive reports whether a query in this status holds a handler
func (s QueryStatus) IsActive() bool {
	return s == QueryAccepted || s == QueryInProgress
}

// IsTerminal reports whether s is Resolved or Expired
func (s QueryStatus) IsTerminal() bool {
	return s == QueryResolved || s == QueryExpired
}

// Trigger names the action that drives a status edge
type Trigger string

const (
	TriggerAccept       Trigger = "accept"
	TriggerFirstMessage Trigger = "first_message"
	TriggerTransfer     Trigger = "transfer"
	TriggerResolve      Trigger = "resolve"
	TriggerSweep        Trigger = "sweep"
	TriggerReopen       Trigger = "reopen"
)

// transitions is the complete edge set. Anything not listed here is an
// invalid transition.
var transitions = map[Trigger]map[QueryStatus]QueryStatus{
	TriggerAccept: {
		QueryPending:     QueryAccepted,
		QueryTransferred: QueryInProgress,
	},
	TriggerFirstMessage: {
		QueryAccepted: QueryInProgress,
	},
	TriggerTransfer: {
		QueryAccepted:    QueryTransferred,
		QueryInProgress:  QueryTransferred,
		QueryTransferred: QueryTransferred,
	},
	TriggerResolve: {
		QueryAccepted:   QueryResolved,
		QueryInProgress: QueryResolved,
	},
	TriggerSweep: {
		QueryPending:     QueryExpired,
		QueryAccepted:    QueryExpired,
		QueryInProgress:  QueryExpired,
		QueryTransferred: QueryExpired,
	},
	TriggerReopen: {
		QueryResolved: QueryPending,
		QueryExpired:  QueryPending,
	},
}

// NextStatus returns the target of the edge (from, trigger), if one exists
func NextStatus(from QueryStatus, trigger Trigger) (QueryStatus, bool) {
	edges, ok := transitions[trigger]
	if !ok {
		return "", false
	}
	to, ok := edges[from]
	return to, ok
}

// CanTransition reports whether trigger is a legal edge out of from
func CanTransition(from QueryStatus, trigger Trigger) bool {
	_, ok := NextStatus(from, trigger)
	return ok
}

// SourceStatuses returns the statuses a trigger may fire from, in lifecycle order
func SourceStatuses(trigger Trigger) []QueryStatus {
	edges := transitions[trigger]
	out := make([]QueryStatus, 0, len(edges))
	for from := range edges {
		out = append(out, from)
	}
	sort.Slice(out, func(i, j int) bool { return statusRank(out[i]) < statusRank(out[j]) })
	return out
}

func statusRank(s QueryStatus) int {
	for i, known := range AllQueryStatuses {
		if s == known {
			return i
		}
	}
	return len(AllQueryStatuses)
}

// Query is a single customer conversation case
type Query struct {
	TenantID        string           `json:"tenantId" bson:"tenant_id" dynamodbav:"TenantID"`
	CaseID          string           `json:"caseId" bson:"case_id" dynamodbav:"CaseID"`
	CustomerID      string           `json:"customerId" bson:"customer_id" dynamodbav:"CustomerID"`
	CustomerName    string           `json:"customerName" bson:"customer_name" dynamodbav:"CustomerName"`
	Subject         string           `json:"subject" bson:"subject" dynamodbav:"Subject"`
	Category        string           `json:"category,omitempty" bson:"category" dynamodbav:"Category"`
	Priority        string           `json:"priority,omitempty" bson:"priority" dynamodbav:"Priority"`
	Status          QueryStatus      `json:"status" bson:"status" dynamodbav:"Status"`
	AssignedHandler string           `json:"assignedHandler,omitempty" bson:"assigned_handler" dynamodbav:"AssignedHandler"`
	AssignedAt      *time.Time       `json:"assignedAt,omitempty" bson:"assigned_at,omitempty" dynamodbav:"AssignedAt,omitempty"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty" bson:"resolved_at,omitempty" dynamodbav:"ResolvedAt,omitempty"`
	ResolvedBy      string           `json:"resolvedBy,omitempty" bson:"resolved_by" dynamodbav:"ResolvedBy"`
	HasMessages     bool             `json:"hasMessages" bson:"has_messages" dynamodbav:"HasMessages"`
	CreatedAt       time.Time        `json:"createdAt" bson:"created_at" dynamodbav:"CreatedAt"`
	UpdatedAt       time.Time        `json:"updatedAt" bson:"updated_at" dynamodbav:"UpdatedAt"`
	LastActivityAt  time.Time        `json:"lastActivityAt" bson:"last_activity_at" dynamodbav:"LastActivityAt"`
	ExpiresAt       time.Time        `json:"expiresAt" bson:"expires_at" dynamodbav:"ExpiresAt"`
	TransferHistory []TransferRecord `json:"transferHistory" bson:"transfer_history" dynamodbav:"TransferHistory"`
	Version         int64            `json:"version" bson:"version" dynamodbav:"Version"`
}

// Touch records activity at now and slides the expiry window
func (q *Query) Touch(now time.Time, window time.Duration) {
	q.LastActivityAt = now
	q.ExpiresAt = now.Add(window)
	q.UpdatedAt = now
}

// LatestTransfer returns the last transfer record, or nil
func (q *Query) LatestTransfer() *TransferRecord {
	if len(q.TransferHistory) == 0 {
		return nil
	}
	return &q.TransferHistory[len(q.TransferHistory)-1]
}

// PendingTransfer returns the last transfer record if it is still Requested
func (q *Query) PendingTransfer() *TransferRecord {
	last := q.LatestTransfer()
	if last == nil || last.Status != TransferRequested {
		return nil
	}
	return last
}

// Clone returns a deep copy of q
func (q *Query) Clone() *Query {
	c := *q
	c.AssignedAt = cloneTime(q.AssignedAt)
	c.ResolvedAt = cloneTime(q.ResolvedAt)
	if q.TransferHistory != nil {
		c.TransferHistory = make([]TransferRecord, len(q.TransferHistory))
		for i, rec := range q.TransferHistory {
			c.TransferHistory[i] = rec.clone()
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateQueryInput carries the intake fields for a new query
type CreateQueryInput struct {
	CustomerID   string `json:"customerId"`
	CustomerName string `json:"customerName"`
	Subject      string `json:"subject"`
	Category     string `json:"category"`
	Priority     string `json:"priority"`
}

// EscalationChain is the ordered hand-off path of a query
type EscalationChain struct {
	CaseID         string           `json:"caseId"`
	TenantID       string           `json:"tenantId"`
	Status         QueryStatus      `json:"status"`
	CurrentHandler string           `json:"currentHandler,omitempty"`
	Handlers       []string         `json:"handlers"`
	Hops           []TransferRecord `json:"hops"`
}

// QueueView is the pull-style listing for a reconnecting agent
type QueueView struct {
	Pending   []Query `json:"pending"`
	Mine      []Query `json:"mine"`
	Transfers []Query `json:"transfers"`
}
