package services

import (
	"errors"
	"fmt"

	"github.com/creatormarket/escrow/internal/models"
	"github.com/creatormarket/escrow/internal/rbac"
	"github.com/creatormarket/escrow/internal/repositories"
)

var (
	ErrInvalidState   = errors.New("not allowed in current state")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrAmountMismatch = errors.New("payout exceeds remaining deal balance")
)

// notFound translates a store miss into the service error.
func notFound(err error, what string) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidState}, args...)...)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// requireAdmin allows platform admins holding the permission.
func requireAdmin(actor models.Actor, permission string) error {
	if actor.IsAdmin() && rbac.HasPermission(rbac.RoleAdmin, permission) {
		return nil
	}
	return fmt.Errorf("%w: %s requires an admin", ErrForbidden, permission)
}
