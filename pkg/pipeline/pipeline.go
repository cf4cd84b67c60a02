// Package pipeline assembles the install graph shared by every containerised
// service:
//
//	prepare
//	  -> {cron copy, backup copy, systemd copy, compose copy, config copy}
//	  -> cron install, main install
//	  -> post-install copies
//	  -> post-install command
//
// The main install additionally carries the service version, which is parsed
// out of the rendered compose file and fed into the install script template.
package pipeline

import (
	"context"
	"fmt"
	"maps"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/mailstack/pkg/engine"
	"github.com/openfroyo/mailstack/pkg/fingerprint"
	"github.com/openfroyo/mailstack/pkg/future"
	"github.com/openfroyo/mailstack/pkg/render"
)

// VersionParam is the install script parameter that receives the version.
const VersionParam = "version"

// Artifact is a file deployed by a pipeline.
type Artifact struct {
	// Name suffixes the node ID of post-install copies.
	Name string

	// Source is the asset path.
	Source string

	// Params renders Source as a template. Nil copies Source verbatim.
	Params map[string]any

	// RemotePath is the absolute destination.
	RemotePath string

	// Mode is applied after upload. Zero means 0644.
	Mode os.FileMode

	// Archive uploads the content under this name when an archiver is set.
	Archive string
}

// Service describes one installable service.
type Service struct {
	// Name is used in node IDs and default remote paths.
	Name string

	// Prepare is the asset path of the create-only prepare script.
	Prepare string

	// Cron is copied to /etc/cron.d/<name>.
	Cron string

	// Backup is rendered to /bin/<name>-backup.
	Backup Artifact

	// CronInstall is the asset path of the script that activates cron and backup.
	CronInstall string

	// Systemd is copied to /etc/systemd/system/<name>.service.
	Systemd string

	// Compose is the rendered compose file.
	Compose Artifact

	// Config is the rendered service configuration.
	Config Artifact

	// Version extracts the service version from the rendered compose file.
	Version VersionFunc

	// Install is the install script template. It receives VersionParam.
	Install Artifact

	// InstallCommand, when set, copies Install to Install.RemotePath and runs
	// this command instead of running the script body directly.
	InstallCommand string

	// InstallAfterCron orders the main install after the cron install.
	InstallAfterCron bool

	// PostInstall files are placed once the service is installed.
	PostInstall []Artifact

	// PostInstallScript is the asset path of the post-install command.
	PostInstallScript string
}

// Handle names the nodes other pipelines can depend on.
type Handle struct {
	Prepare     string
	CronInstall string
	Install     string
	PostInstall string
}

// Archiver stores rendered artifacts outside the host.
type Archiver interface {
	Archive(ctx context.Context, name string, content []byte) error
}

// Assembler adds service pipelines to a graph.
type Assembler struct {
	renderer *render.Renderer
	archiver Archiver
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithArchiver uploads artifacts that set Archive.
func WithArchiver(a Archiver) Option {
	return func(as *Assembler) { as.archiver = a }
}

// NewAssembler creates an assembler that renders through r.
func NewAssembler(r *render.Renderer, opts ...Option) *Assembler {
	a := &Assembler{renderer: r}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Node ID helpers.
func PrepareID(name string) string     { return fmt.Sprintf("remote-command-prepare-%s", name) }
func CronCopyID(name string) string    { return fmt.Sprintf("remote-copy-%s-cron", name) }
func BackupCopyID(name string) string  { return fmt.Sprintf("remote-copy-%s-backup", name) }
func CronInstallID(name string) string { return fmt.Sprintf("remote-command-install-%s-cron", name) }
func SystemdCopyID(name string) string { return fmt.Sprintf("remote-copy-%s-service", name) }
func ComposeCopyID(name string) string { return fmt.Sprintf("remote-copy-%s-docker-compose", name) }
func ConfigCopyID(name string) string  { return fmt.Sprintf("remote-copy-%s-config", name) }
func InstallCopyID(name string) string { return fmt.Sprintf("remote-copy-%s-install-sh", name) }
func InstallID(name string) string     { return fmt.Sprintf("remote-command-install-%s", name) }
func PostInstallID(name string) string { return fmt.Sprintf("remote-command-postinstall-%s", name) }

// PostCopyID is the node ID of a post-install copy.
func PostCopyID(name, artifact string) string {
	return fmt.Sprintf("remote-copy-%s-%s", name, artifact)
}

// Assemble adds svc's nodes to g. The prepare node waits on after, which may
// contain empty strings for absent handles.
func (a *Assembler) Assemble(g *engine.Graph, svc Service, after ...string) (Handle, error) {
	name := svc.Name
	h := Handle{
		Prepare:     PrepareID(name),
		CronInstall: CronInstallID(name),
		Install:     InstallID(name),
		PostInstall: PostInstallID(name),
	}

	add := func(n *engine.Node) error {
		if err := g.AddNode(n); err != nil {
			return fmt.Errorf("failed to assemble %s pipeline: %w", name, err)
		}
		return nil
	}

	// prepare
	if err := add(engine.RunCommand(h.Prepare, a.renderer.StaticString(svc.Prepare), nil).After(after...)); err != nil {
		return h, err
	}

	// parallel copies
	cron := a.renderer.Static(svc.Cron)
	cronFp := fingerprint.Of(cron)
	backup := a.content(svc.Backup)
	backupFp := fingerprint.Of(backup)
	systemd := a.renderer.Static(svc.Systemd)
	systemdFp := fingerprint.Of(systemd)
	compose := a.content(svc.Compose)
	composeFp := fingerprint.Of(compose)
	config := a.content(svc.Config)
	configFp := fingerprint.Of(config)

	backupMode := svc.Backup.Mode
	if backupMode == 0 {
		backupMode = 0o755
	}

	copies := []*engine.Node{
		engine.CopyFile(CronCopyID(name), cron, fmt.Sprintf("/etc/cron.d/%s", name)).
			WithTriggers(cronFp),
		engine.CopyFile(BackupCopyID(name), backup, fmt.Sprintf("/bin/%s-backup", name)).
			WithTriggers(backupFp).WithMode(backupMode),
		engine.CopyFile(SystemdCopyID(name), systemd, fmt.Sprintf("/etc/systemd/system/%s.service", name)).
			WithTriggers(systemdFp),
		engine.CopyFile(ComposeCopyID(name), compose, svc.Compose.RemotePath).
			WithTriggers(composeFp).WithMode(svc.Compose.Mode),
		engine.CopyFile(ConfigCopyID(name), config, svc.Config.RemotePath).
			WithTriggers(configFp).WithMode(svc.Config.Mode),
	}
	for _, n := range copies {
		if err := add(n.After(h.Prepare)); err != nil {
			return h, err
		}
	}

	// cron install
	cronScript := a.renderer.StaticString(svc.CronInstall)
	if err := add(engine.RunCommand(h.CronInstall, cronScript, cronScript).
		WithTriggers(cronFp, backupFp).
		After(CronCopyID(name), BackupCopyID(name))); err != nil {
		return h, err
	}

	// main install, carrying the version parsed from the rendered compose file
	version := future.Then(compose, func(ctx context.Context, b []byte) (string, error) {
		v, err := svc.Version(b)
		if err != nil {
			return "", err
		}
		log.Debug().Str("service", name).Str("version", v).Msg("Extracted service version")
		return v, nil
	})

	installParams := maps.Clone(svc.Install.Params)
	if installParams == nil {
		installParams = make(map[string]any)
	}
	installParams[VersionParam] = version
	installArtifact := svc.Install
	installArtifact.Params = installParams
	installScript := a.content(installArtifact)

	installDeps := []string{SystemdCopyID(name), ComposeCopyID(name), ConfigCopyID(name)}
	installTriggers := []*future.Future[string]{systemdFp, composeFp, configFp}
	var installNode *engine.Node

	if svc.InstallCommand != "" {
		installFp := fingerprint.Of(installScript)
		mode := svc.Install.Mode
		if mode == 0 {
			mode = 0o755
		}
		if err := add(engine.CopyFile(InstallCopyID(name), installScript, svc.Install.RemotePath).
			WithTriggers(installFp).WithMode(mode).After(h.Prepare)); err != nil {
			return h, err
		}
		installDeps = append(installDeps, InstallCopyID(name))
		installTriggers = append(installTriggers, installFp)

		cmd := future.Resolved(svc.InstallCommand)
		installNode = engine.RunCommand(h.Install, cmd, cmd)
	} else {
		script := future.Then(installScript, func(_ context.Context, b []byte) (string, error) {
			return string(b), nil
		})
		installNode = engine.RunCommand(h.Install, script, script)
	}

	if svc.InstallAfterCron {
		installDeps = append(installDeps, h.CronInstall)
	}
	installTriggers = append(installTriggers, version)

	if err := add(installNode.WithTriggers(installTriggers...).After(installDeps...)); err != nil {
		return h, err
	}

	// post-install copies and command
	postDeps := []string{h.Install}
	postTriggers := make([]*future.Future[string], 0, len(svc.PostInstall))
	for _, art := range svc.PostInstall {
		content := a.content(art)
		fp := fingerprint.Of(content)
		id := PostCopyID(name, art.Name)
		if err := add(engine.CopyFile(id, content, art.RemotePath).
			WithTriggers(fp).WithMode(art.Mode).After(h.Install)); err != nil {
			return h, err
		}
		postDeps = append(postDeps, id)
		postTriggers = append(postTriggers, fp)
	}

	postScript := a.renderer.StaticString(svc.PostInstallScript)
	if err := add(engine.RunCommand(h.PostInstall, postScript, postScript).
		WithTriggers(postTriggers...).
		After(postDeps...)); err != nil {
		return h, err
	}

	log.Debug().Str("service", name).Int("nodes", g.Len()).Msg("Assembled service pipeline")
	return h, nil
}

// content returns the artifact's deferred bytes, archiving them if requested.
func (a *Assembler) content(art Artifact) *future.Future[[]byte] {
	var f *future.Future[[]byte]
	if art.Params != nil {
		f = a.renderer.Render(art.Source, art.Params)
	} else {
		f = a.renderer.Static(art.Source)
	}
	if art.Archive == "" || a.archiver == nil {
		return f
	}

	return future.Then(f, func(ctx context.Context, b []byte) ([]byte, error) {
		if err := a.archiver.Archive(ctx, art.Archive, b); err != nil {
			return nil, engine.NewIOError(fmt.Sprintf("failed to archive %s", art.Archive), err)
		}
		return b, nil
	})
}

// Renderer returns the renderer the assembler reads assets through.
func (a *Assembler) Renderer() *render.Renderer {
	return a.renderer
}
