// Package secrets resolves credential references in configuration values:
// env(NAME), file(PATH) and vault(path#key). Plain values pass through.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnsupported is returned for a reference whose scheme has no resolver.
var ErrUnsupported = errors.New("secrets: unsupported reference")

// Resolver resolves the inner part of a reference for one scheme.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, name string) (string, error) { return f(ctx, name) }

// Parse splits "scheme(inner)". ok is false for plain values.
func Parse(value string) (scheme, inner string, ok bool) {
	open := strings.IndexByte(value, '(')
	if open <= 0 || !strings.HasSuffix(value, ")") {
		return "", "", false
	}
	scheme = value[:open]
	for _, r := range scheme {
		if r < 'a' || r > 'z' {
			return "", "", false
		}
	}
	return scheme, strings.TrimSpace(value[open+1 : len(value)-1]), true
}

// Set dispatches references to resolvers by scheme.
type Set map[string]Resolver

// Default returns the env and file resolvers.
func Default() Set {
	return Set{"env": Env(), "file": File()}
}

// Resolve returns value unchanged unless it is a reference.
func (s Set) Resolve(ctx context.Context, value string) (string, error) {
	scheme, inner, ok := Parse(value)
	if !ok {
		return value, nil
	}
	r, found := s[scheme]
	if !found {
		return "", fmt.Errorf("%w: %s(...)", ErrUnsupported, scheme)
	}
	out, err := r.Resolve(ctx, inner)
	if err != nil {
		return "", fmt.Errorf("secrets: %s(%s): %w", scheme, inner, err)
	}
	return out, nil
}

// Env reads an environment variable; unset is an error.
func Env() Resolver {
	return ResolverFunc(func(_ context.Context, name string) (string, error) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", name)
		}
		return v, nil
	})
}

// File reads a file such as a mounted secret, trimming surrounding space.
func File() Resolver {
	return ResolverFunc(func(_ context.Context, path string) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	})
}
