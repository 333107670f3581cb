package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means no usable credential or the caller's identity
	// could not be resolved.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the caller is known but holds no qualifying role.
	ErrForbidden = errors.New("forbidden")
)

// ExportRoles are the roles allowed to pull research exports.
var ExportRoles = []string{"admin", "owner"}

// Identity is an authenticated caller and the roles assigned to them.
type Identity struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// HasAnyRole reports whether the identity holds at least one of roles.
func (id *Identity) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, has := range id.Roles {
			if has == want {
				return true
			}
		}
	}
	return false
}

// Verifier turns a bearer token into a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Authorizer is implemented by Gate; the export service depends on this
// rather than the concrete type.
type Authorizer interface {
	Authorize(ctx context.Context, authorizationHeader string) (*Identity, error)
}

// Gate authenticates a caller and checks their roles against an allow set.
// It never touches anything but the token verifier and the role store.
type Gate struct {
	verifier Verifier
	roles    RoleStore
	allowed  []string
}

// NewGate builds a Gate admitting callers that hold any of allowed.
func NewGate(verifier Verifier, roles RoleStore, allowed ...string) *Gate {
	return &Gate{verifier: verifier, roles: roles, allowed: allowed}
}

// Authorize resolves the caller behind authorizationHeader. Errors wrap
// ErrUnauthorized or ErrForbidden.
func (g *Gate) Authorize(ctx context.Context, authorizationHeader string) (*Identity, error) {
	token, err := BearerToken(authorizationHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	userID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	roles, err := g.roles.RolesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve roles: %v", ErrUnauthorized, err)
	}

	id := &Identity{UserID: userID, Roles: roles}
	if !id.HasAnyRole(g.allowed...) {
		return id, fmt.Errorf("%w: user %s lacks any of %v", ErrForbidden, userID, g.allowed)
	}
	return id, nil
}
