// Package secrets resolves credential references found in config values.
//
// A value of the form "env://NAME" or "vault://path#field" is replaced by the
// secret it points to before the component using it is built, so bot tokens,
// webhook secrets and database DSNs never have to be written into the config
// file. Any other value is returned unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when a reference cannot be resolved.
var ErrNotFound = errors.New("secret not found")

// Provider resolves references for one scheme. Implementations must be safe
// for concurrent use.
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches references to the provider registered for their scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver returns a Resolver that handles env:// plus the given providers.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: map[string]Provider{"env": envProvider{}}}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// IsRef reports whether value looks like a credential reference.
func IsRef(value string) bool {
	scheme, _, ok := strings.Cut(value, "://")
	return ok && (scheme == "env" || scheme == "vault")
}

// Resolve returns the secret value for ref, or ref itself when it is not a
// reference.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsRef(ref) {
		return ref, nil
	}
	scheme, _, _ := strings.Cut(ref, "://")
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("no %s secret provider configured for %q", scheme, ref)
	}
	return p.Resolve(ctx, ref)
}

// ResolveMap resolves every reference in m in place. The error names the key
// that failed.
func (r *Resolver) ResolveMap(ctx context.Context, m map[string]string) error {
	for k, v := range m {
		if !IsRef(v) {
			continue
		}
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		m[k] = resolved
	}
	return nil
}

type envProvider struct{}

func (envProvider) Scheme() string { return "env" }

func (envProvider) Resolve(_ context.Context, ref string) (string, error) {
	name := strings.TrimPrefix(ref, "env://")
	if name == "" {
		return "", fmt.Errorf("%w: empty variable name", ErrNotFound)
	}
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set", ErrNotFound, name)
	}
	return value, nil
}
