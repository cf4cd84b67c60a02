package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/mailstack/assets"
	"github.com/openfroyo/mailstack/pkg/archive"
	"github.com/openfroyo/mailstack/pkg/config"
	"github.com/openfroyo/mailstack/pkg/engine"
	"github.com/openfroyo/mailstack/pkg/future"
	"github.com/openfroyo/mailstack/pkg/hetzner"
	"github.com/openfroyo/mailstack/pkg/pipeline"
	"github.com/openfroyo/mailstack/pkg/policy"
	"github.com/openfroyo/mailstack/pkg/render"
	"github.com/openfroyo/mailstack/pkg/secrets"
	"github.com/openfroyo/mailstack/pkg/services"
	"github.com/openfroyo/mailstack/pkg/stores"
)

// deployment is a loaded configuration with its collaborators wired.
type deployment struct {
	cfg     *config.Config
	baseDir string
	secrets secrets.Source

	// addresses is set when the server is looked up by name.
	addresses *future.Future[hetzner.Addresses]
}

// loadDeployment reads the deployment at path, or mailstack.cue when empty.
func loadDeployment(ctx context.Context, path string) (*deployment, error) {
	if path == "" {
		path = config.DefaultFile
	}

	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	baseDir := path
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		baseDir = filepath.Dir(path)
	}

	src, err := newSecretSource(cfg)
	if err != nil {
		return nil, err
	}

	d := &deployment{cfg: cfg, baseDir: baseDir, secrets: src}
	if cfg.Server.Name != "" && d.needsLookup() {
		token := cfg.Hetzner.Token
		if token == "" {
			token = os.Getenv(hetzner.TokenEnv)
		}
		d.addresses = hetzner.NewClient(token).Lookup(cfg.Server.Name)
	}
	return d, nil
}

// needsLookup reports whether any address must come from the provisioner.
func (d *deployment) needsLookup() bool {
	if d.cfg.Server.Host == "" {
		return true
	}
	return d.cfg.Services.Mailcow && (d.cfg.Server.IPv4 == "" || d.cfg.Server.IPv6 == "")
}

func newSecretSource(cfg *config.Config) (secrets.Source, error) {
	switch cfg.Secrets.Backend {
	case "vault":
		v := cfg.Secrets.Vault
		src, err := secrets.NewVaultSource(secrets.VaultConfig{
			Address:  v.Address,
			Token:    v.Token,
			RoleID:   v.RoleID,
			SecretID: v.SecretID,
			Mount:    v.Mount,
			Path:     v.Path,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create vault source: %w", err)
		}
		return src, nil
	default:
		return secrets.NewEnvSource(cfg.Secrets.Prefix), nil
	}
}

// path resolves p against the deployment directory.
func (d *deployment) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.baseDir, p)
}

// address picks the configured value, then the provisioner's.
func (d *deployment) address(configured string, pick func(*future.Future[hetzner.Addresses]) *future.Future[string]) *future.Future[string] {
	if configured != "" {
		return future.Resolved(configured)
	}
	if d.addresses != nil {
		return pick(d.addresses)
	}
	return nil
}

func (d *deployment) stack() *services.Stack {
	cfg := d.cfg
	bucket := services.Bucket{ID: cfg.Backup.BucketID, Path: cfg.Backup.BucketPath}

	s := &services.Stack{}
	if cfg.Services.Docker {
		s.Docker = &services.Docker{Daemon: cfg.Docker.Daemon}
	}
	if cfg.Services.Mailcow {
		s.Mailcow = &services.Mailcow{
			Domain:          cfg.Mail.Domain,
			AcmeEmail:       cfg.Mail.AcmeEmail,
			DkimSignHeaders: cfg.Mail.DkimSignHeaders,
			Project:         cfg.Project,
			Bucket:          bucket,
			IPv4:            d.address(cfg.Server.IPv4, hetzner.IPv4),
			IPv6:            d.address(cfg.Server.IPv6, hetzner.IPv6),
			Secrets:         services.LookupMailcowSecrets(d.secrets),
		}
	}
	if cfg.Services.Ntfy {
		s.Ntfy = &services.Ntfy{
			Domain:  cfg.Ntfy.Domain,
			Project: cfg.Project,
			Bucket:  bucket,
		}
	}
	return s
}

func (d *deployment) assets() fs.FS {
	if d.cfg.AssetsDir == "" {
		return assets.FS
	}
	return os.DirFS(d.path(d.cfg.AssetsDir))
}

func (d *deployment) assembler(ctx context.Context) (*pipeline.Assembler, error) {
	r := render.New(d.assets(), render.WithVars(d.cfg.Vars))

	var opts []pipeline.Option
	if a := d.cfg.Archive; a.Enabled {
		archiver, err := archive.New(ctx, archive.Config{
			Endpoint:    a.Endpoint,
			Region:      a.Region,
			Bucket:      a.Bucket,
			Prefix:      a.Prefix,
			AccessKey:   a.AccessKey,
			SecretKey:   a.SecretKey,
			Environment: d.cfg.Environment,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create archiver: %w", err)
		}
		opts = append(opts, pipeline.WithArchiver(archiver))
	}
	return pipeline.NewAssembler(r, opts...), nil
}

// build assembles and schedules the graph. Nothing is resolved.
func (d *deployment) build(ctx context.Context) (*engine.ScheduledGraph, error) {
	a, err := d.assembler(ctx)
	if err != nil {
		return nil, err
	}
	sg, _, err := d.stack().Build(a)
	if err != nil {
		return nil, err
	}
	return sg, nil
}

// connection returns the SSH target. A server named without a host is
// looked up before the pass starts.
func (d *deployment) connection(ctx context.Context) (engine.Connection, error) {
	host := d.cfg.Server.Host
	if host == "" {
		ip, err := hetzner.IPv4(d.addresses).Resolve(ctx)
		if err != nil {
			return engine.Connection{}, fmt.Errorf("failed to look up server %s: %w", d.cfg.Server.Name, err)
		}
		host = ip
	}

	key := future.Then(secrets.Lookup(d.secrets, d.cfg.Server.PrivateKeySecret),
		func(_ context.Context, pem string) ([]byte, error) {
			return []byte(pem), nil
		})

	return engine.Connection{
		Host:       host,
		Port:       d.cfg.Server.Port,
		User:       d.cfg.Server.User,
		PrivateKey: key,
	}, nil
}

func (d *deployment) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	path := d.path(d.cfg.State.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return stores.Open(ctx, path)
}

func (d *deployment) policyDirs() []string {
	dirs := make([]string, len(d.cfg.Policy.Dirs))
	for i, dir := range d.cfg.Policy.Dirs {
		dirs[i] = d.path(dir)
	}
	return dirs
}

// checkPolicies evaluates built-in and configured policies over sg.
func (d *deployment) checkPolicies(ctx context.Context, sg *engine.ScheduledGraph) (*policy.Result, error) {
	pe, err := policy.NewEngine(ctx, log.Logger)
	if err != nil {
		return nil, err
	}
	if err := pe.LoadPolicies(ctx, d.policyDirs()); err != nil {
		return nil, err
	}
	return pe.Evaluate(ctx, sg, d.cfg.Environment)
}

// watchPaths lists the inputs whose change should trigger a new pass.
func (d *deployment) watchPaths() []string {
	paths := append([]string{}, d.cfg.SourceFiles...)
	if d.cfg.AssetsDir != "" {
		paths = append(paths, d.path(d.cfg.AssetsDir))
	}
	return append(paths, d.policyDirs()...)
}
