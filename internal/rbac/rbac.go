package rbac

import (
	"github.com/creatormarket/escrow/internal/models"
)

// Role constants. Funder and receiver are per deal; admin is platform wide.
const (
	RoleFunder   = "funder"
	RoleReceiver = "receiver"
	RoleAdmin    = "admin"
)

// Permission constants
const (
	PermViewDeal         = "view_deal"
	PermFundDeal         = "fund_deal"
	PermSubmitMilestone  = "submit_milestone"
	PermApproveMilestone = "approve_milestone"
	PermRequestRevision  = "request_revision"
	PermRaiseDispute     = "raise_dispute"
	PermResolveDispute   = "resolve_dispute"
	PermRetryPayout      = "retry_payout"
	PermReconcile        = "reconcile"
	PermAnonymizeActor   = "anonymize_actor"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleFunder: {
		PermViewDeal, PermFundDeal, PermApproveMilestone, PermRequestRevision, PermRaiseDispute,
	},
	RoleReceiver: {
		PermViewDeal, PermSubmitMilestone, PermRaiseDispute,
	},
	RoleAdmin: {
		PermViewDeal, PermResolveDispute, PermRetryPayout, PermReconcile, PermAnonymizeActor,
		// Admin CANNOT act for a party: fund, submit, approve, request revision, dispute
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// DealRoles returns the roles the actor holds on the deal.
func DealRoles(deal *models.Deal, actor models.Actor) []string {
	var roles []string
	if actor.Is(deal.FunderID) {
		roles = append(roles, RoleFunder)
	}
	if actor.Is(deal.ReceiverID) {
		roles = append(roles, RoleReceiver)
	}
	if actor.IsAdmin() {
		roles = append(roles, RoleAdmin)
	}
	return roles
}

// Can reports whether any role the actor holds on the deal grants the permission.
func Can(deal *models.Deal, actor models.Actor, permission string) bool {
	for _, role := range DealRoles(deal, actor) {
		if HasPermission(role, permission) {
			return true
		}
	}
	return false
}
