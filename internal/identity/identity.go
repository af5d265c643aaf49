// Package identity resolves bearer credentials into immutable identities and
// carries them through request and connection contexts.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ID is the stable identifier of a user.
type ID string

// String returns the raw identifier.
func (id ID) String() string { return string(id) }

var (
	// ErrMissingCredential is returned when a request carries no credential.
	ErrMissingCredential = errors.New("credential missing")
	// ErrInvalidCredential is returned when a credential fails verification.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Identity is produced once per connection or request and never mutated.
type Identity struct {
	ID    ID       `json:"id"`
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier turns a bearer credential into an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, credential string) (Identity, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	roles := append([]string(nil), id.Roles...)
	id.Roles = roles
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by NewContext.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// CredentialFromRequest extracts a credential from, in order, the named
// cookie, an "Authorization: Bearer" header and the "token" query parameter
// used by browser handshakes.
func CredentialFromRequest(r *http.Request, cookieName string) (string, error) {
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
			return strings.TrimSpace(c.Value), nil
		}
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredential
}
