package services

import (
	"fmt"

	"github.com/openfroyo/mailstack/pkg/engine"
	"github.com/openfroyo/mailstack/pkg/future"
	"github.com/openfroyo/mailstack/pkg/render"
)

// DockerInstallID is the node that installs the container runtime.
const DockerInstallID = "remote-command-install-docker"

// Docker installs the container runtime every other service runs on.
type Docker struct {
	// Daemon overrides the bundled daemon.json.
	Daemon string
}

// AddTo adds the create-only install node to g.
func (d *Docker) AddTo(g *engine.Graph, r *render.Renderer, after ...string) (string, error) {
	daemon := r.StaticString("docker/daemon.json")
	if d.Daemon != "" {
		daemon = future.Resolved(d.Daemon)
	}

	script := r.RenderString("docker/install.sh.tmpl", map[string]any{"daemonJson": daemon})
	if err := g.AddNode(engine.RunCommand(DockerInstallID, script, nil).After(after...)); err != nil {
		return "", fmt.Errorf("failed to add docker install: %w", err)
	}
	return DockerInstallID, nil
}
