package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeVerifier struct {
	subject string
	err     error
}

func (f *fakeVerifier) Verify(_ context.Context, _ string) (string, error) {
	return f.subject, f.err
}

type fakeRoleStore struct {
	roles map[string][]string
	err   error
	calls int
}

func (f *fakeRoleStore) RolesForUser(_ context.Context, userID string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.roles[userID], nil
}

func TestGate_Authorize(t *testing.T) {
	store := &fakeRoleStore{roles: map[string][]string{
		"admin-user":     {"admin"},
		"owner-user":     {"clinician", "owner"},
		"clinician-user": {"clinician"},
	}}

	tests := []struct {
		name    string
		header  string
		subject string
		wantErr error
	}{
		{"admin allowed", "Bearer t", "admin-user", nil},
		{"owner allowed", "Bearer t", "owner-user", nil},
		{"clinician forbidden", "Bearer t", "clinician-user", ErrForbidden},
		{"no roles forbidden", "Bearer t", "nobody", ErrForbidden},
		{"missing header", "", "admin-user", ErrUnauthorized},
		{"bad scheme", "Basic abc", "admin-user", ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(&fakeVerifier{subject: tt.subject}, store, ExportRoles...)
			id, err := g.Authorize(context.Background(), tt.header)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if id.UserID != tt.subject {
					t.Errorf("expected user %s, got %s", tt.subject, id.UserID)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGate_VerifierFailureIsUnauthorized(t *testing.T) {
	store := &fakeRoleStore{}
	g := NewGate(&fakeVerifier{err: fmt.Errorf("bad signature")}, store, ExportRoles...)

	_, err := g.Authorize(context.Background(), "Bearer t")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if store.calls != 0 {
		t.Errorf("expected role store not to be consulted, got %d calls", store.calls)
	}
}

func TestGate_RoleLookupFailureIsUnauthorized(t *testing.T) {
	store := &fakeRoleStore{err: fmt.Errorf("connection refused")}
	g := NewGate(&fakeVerifier{subject: "u"}, store, ExportRoles...)

	_, err := g.Authorize(context.Background(), "Bearer t")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestIdentity_HasAnyRole(t *testing.T) {
	id := &Identity{Roles: []string{"clinician", "owner"}}
	if !id.HasAnyRole("admin", "owner") {
		t.Error("expected owner to match")
	}
	if id.HasAnyRole("admin") {
		t.Error("expected admin not to match")
	}
	if (&Identity{}).HasAnyRole("admin") {
		t.Error("expected empty identity to match nothing")
	}
}
