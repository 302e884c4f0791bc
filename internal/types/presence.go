package types

import "time"

// WorkStatus is an agent's availability classification
type WorkStatus string

const (
	WorkActive  WorkStatus = "active"
	WorkBusy    WorkStatus = "busy"
	WorkBreak   WorkStatus = "break"
	WorkOffline WorkStatus = "offline"
)

// Productive reports whether time spent in s counts as active time
func (s WorkStatus) Productive() bool {
	return s == WorkActive || s == WorkBusy
}

// Role is the caller's role as supplied by the identity collaborator
type Role string

const (
	RoleAgent      Role = "agent"
	RoleQA         Role = "qa"
	RoleTeamLead   Role = "team_lead"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
	RoleCustomer   Role = "customer"
	RoleIntake     Role = "intake"
)

// StaffRoles are the roles that may handle queries
var StaffRoles = []Role{RoleAgent, RoleQA, RoleTeamLead, RoleSupervisor, RoleAdmin}

// IsStaff reports whether r may hold or transfer queries
func (r Role) IsStaff() bool {
	for _, s := range StaffRoles {
		if r == s {
			return true
		}
	}
	return false
}

// IsFrontLine reports whether r receives new-query offers
func (r Role) IsFrontLine() bool {
	return r == RoleAgent
}

// CanSupervise reports whether r may re-transfer a rejected hand-off
func (r Role) CanSupervise() bool {
	return r == RoleTeamLead || r == RoleSupervisor || r == RoleAdmin
}

// CanOpenQueries reports whether r may create or reopen queries
func (r Role) CanOpenQueries() bool {
	return r == RoleCustomer || r == RoleIntake
}

// Actor is the identity attached to every call
type Actor struct {
	AgentID  string `json:"agentId"`
	TenantID string `json:"tenantId"`
	Role     Role   `json:"role"`
	Name     string `json:"name,omitempty"`
}

// AgentPresence is the per-agent real-time state owned by the presence tracker
type AgentPresence struct {
	AgentID            string        `json:"agentId"`
	TenantID           string        `json:"tenantId"`
	Name               string        `json:"name,omitempty"`
	Role               Role          `json:"role"`
	Categories         []string      `json:"categories,omitempty"`
	WorkStatus         WorkStatus    `json:"workStatus"`
	LastStatusChangeAt time.Time     `json:"lastStatusChangeAt"`
	LoginAt            time.Time     `json:"loginAt"`
	AccumulatedActive  time.Duration `json:"-"`
	Generation         uint64        `json:"generation"` // bumped on every status change or new assignment
}

// Handles reports whether the agent covers category. Agents without
// categories are generalists.
func (p AgentPresence) Handles(category string) bool {
	if category == "" || len(p.Categories) == 0 {
		return true
	}
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// PresenceView is the client-facing projection of AgentPresence
type PresenceView struct {
	AgentID            string     `json:"agentId"`
	TenantID           string     `json:"tenantId"`
	Name               string     `json:"name,omitempty"`
	Role               Role       `json:"role"`
	Categories         []string   `json:"categories,omitempty"`
	WorkStatus         WorkStatus `json:"workStatus"`
	LastStatusChangeAt time.Time  `json:"lastStatusChangeAt"`
	ActiveMinutes      float64    `json:"accumulatedActiveMinutes"`
}

// Connection identifies one live realtime connection
type Connection struct {
	ID       string `json:"id"`
	AgentID  string `json:"agentId"`
	TenantID string `json:"tenantId"`
	Role     Role   `json:"role"`
}
