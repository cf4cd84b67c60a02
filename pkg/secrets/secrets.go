// Package secrets reads credentials from the environment or Vault. Secrets
// are only ever read.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openfroyo/mailstack/pkg/future"
)

// ErrNotFound is returned when a source has no value for a key.
var ErrNotFound = errors.New("secret not found")

// Source reads secret values by key.
type Source interface {
	Get(ctx context.Context, key string) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, key string) (string, error)

// Get implements Source.
func (f SourceFunc) Get(ctx context.Context, key string) (string, error) {
	return f(ctx, key)
}

// Lookup returns the deferred value of key. The source is consulted once,
// on first resolution.
func Lookup(src Source, key string) *future.Future[string] {
	return future.New(func(ctx context.Context) (string, error) {
		v, err := src.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to read secret %s: %w", key, err)
		}
		return v, nil
	})
}

// EnvSource reads secrets from environment variables named
// <Prefix><KEY>, with the key upper-cased and dashes replaced by underscores.
type EnvSource struct {
	Prefix string

	lookup func(string) (string, bool)
}

// NewEnvSource creates a source reading the process environment.
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{Prefix: prefix, lookup: os.LookupEnv}
}

// VariableName returns the environment variable holding key.
func (s *EnvSource) VariableName(key string) string {
	return s.Prefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Get implements Source.
func (s *EnvSource) Get(_ context.Context, key string) (string, error) {
	name := s.VariableName(key)
	v, ok := s.lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s is not set", ErrNotFound, name)
	}
	return v, nil
}
