// Package policy decides which staff roles may hand a query to which others.
package policy

import "github.com/dennisdiepolder/monti/casedesk/internal/types"

// TransferPolicy decides whether from may hand a query to target
type TransferPolicy interface {
	CanTransfer(from types.Actor, target types.AgentPresence) bool
}

// AllowAll permits any staff-to-staff transfer
type AllowAll struct{}

// CanTransfer implements TransferPolicy
func (AllowAll) CanTransfer(from types.Actor, target types.AgentPresence) bool {
	return from.Role.IsStaff() && target.Role.IsStaff()
}

// RoleMatrix maps a sender role to the roles it may transfer to
type RoleMatrix map[types.Role][]types.Role

// DefaultMatrix lets front-line and QA staff escalate one level up, team
// leads reach supervisors, and supervisors or admins reach anyone.
func DefaultMatrix() RoleMatrix {
	peers := []types.Role{types.RoleAgent, types.RoleQA, types.RoleTeamLead}
	return RoleMatrix{
		types.RoleAgent:      peers,
		types.RoleQA:         peers,
		types.RoleTeamLead:   append(append([]types.Role(nil), peers...), types.RoleSupervisor),
		types.RoleSupervisor: types.StaffRoles,
		types.RoleAdmin:      types.StaffRoles,
	}
}

// CanTransfer implements TransferPolicy
func (m RoleMatrix) CanTransfer(from types.Actor, target types.AgentPresence) bool {
	for _, r := range m[from.Role] {
		if r == target.Role {
			return true
		}
	}
	return false
}
