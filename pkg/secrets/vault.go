package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/hashicorp/vault-client-go/schema"
	"github.com/rs/zerolog/log"
)

// VaultConfig configures a VaultSource.
type VaultConfig struct {
	Address string
	Token   string

	// RoleID and SecretID log in through AppRole when Token is empty.
	RoleID   string
	SecretID string

	// Mount is the KV v2 mount path. Defaults to "secret".
	Mount string

	// Path is the secret read from the mount.
	Path string

	Timeout time.Duration
}

// VaultSource reads keys from a single KV v2 secret. The secret is fetched
// once and cached for the lifetime of the source.
type VaultSource struct {
	client *vault.Client
	cfg    VaultConfig

	mu   sync.Mutex
	data map[string]any
}

// NewVaultSource creates a source for cfg. Authentication happens on first read.
func NewVaultSource(cfg VaultConfig) (*VaultSource, error) {
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client, err := vault.New(
		vault.WithAddress(cfg.Address),
		vault.WithRequestTimeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	return &VaultSource{client: client, cfg: cfg}, nil
}

// Get implements Source.
func (s *VaultSource) Get(ctx context.Context, key string) (string, error) {
	data, err := s.load(ctx)
	if err != nil {
		return "", err
	}

	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s in %s/%s", ErrNotFound, key, s.cfg.Mount, s.cfg.Path)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("secret %s is a %T, not a string", key, v)
	}
	return str, nil
}

func (s *VaultSource) load(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data != nil {
		return s.data, nil
	}

	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.Secrets.KvV2Read(ctx, s.cfg.Path, vault.WithMountPath(s.cfg.Mount))
	if err != nil {
		return nil, fmt.Errorf("failed to read vault secret %s/%s: %w", s.cfg.Mount, s.cfg.Path, err)
	}

	s.data = resp.Data.Data
	if s.data == nil {
		s.data = map[string]any{}
	}

	log.Debug().
		Str("mount", s.cfg.Mount).
		Str("path", s.cfg.Path).
		Int("keys", len(s.data)).
		Msg("Loaded vault secret")

	return s.data, nil
}

func (s *VaultSource) authenticate(ctx context.Context) error {
	if s.cfg.Token != "" {
		if err := s.client.SetToken(s.cfg.Token); err != nil {
			return fmt.Errorf("failed to set vault token: %w", err)
		}
		return nil
	}

	if s.cfg.RoleID == "" {
		return fmt.Errorf("vault requires a token or an approle role id")
	}

	resp, err := s.client.Auth.AppRoleLogin(ctx, schema.AppRoleLoginRequest{
		RoleId:   s.cfg.RoleID,
		SecretId: s.cfg.SecretID,
	})
	if err != nil {
		return fmt.Errorf("failed to log in to vault: %w", err)
	}
	if resp.Auth == nil {
		return fmt.Errorf("vault approle login returned no auth")
	}
	if err := s.client.SetToken(resp.Auth.ClientToken); err != nil {
		return fmt.Errorf("failed to set vault token: %w", err)
	}
	return nil
}
