// Package permission answers who may act on a platform and in which role.
package permission

import (
	"context"

	"github.com/mixelka/unibox/pkg/models"
)

// Grant is the result of a permission check
type Grant struct {
	CanSend bool
	CanView bool
	Role    models.SenderRole
}

// Checker decides what userID may do on platform
type Checker interface {
	Check(ctx context.Context, userID int64, platform models.Platform) (Grant, error)
}

// Func adapts a function to Checker
type Func func(ctx context.Context, userID int64, platform models.Platform) (Grant, error)

// Check calls f
func (f Func) Check(ctx context.Context, userID int64, platform models.Platform) (Grant, error) {
	return f(ctx, userID, platform)
}

// Static grants full access to everyone. Users listed as assistants act
// in the pa role, everyone else as owner.
type Static struct {
	assistants map[int64]bool
}

// NewStatic creates a static checker
func NewStatic(assistantIDs []int64) *Static {
	s := &Static{assistants: make(map[int64]bool, len(assistantIDs))}
	for _, id := range assistantIDs {
		s.assistants[id] = true
	}
	return s
}

// Check implements Checker
func (s *Static) Check(_ context.Context, userID int64, platform models.Platform) (Grant, error) {
	if !platform.Valid() {
		return Grant{}, nil
	}
	role := models.RoleOwner
	if s.assistants[userID] {
		role = models.RolePA
	}
	return Grant{CanSend: true, CanView: true, Role: role}, nil
}
