// Package services defines the concrete pipelines of the mail stack: the
// Docker runtime, Mailcow and ntfy.
package services

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/mailstack/pkg/engine"
	"github.com/openfroyo/mailstack/pkg/pipeline"
)

// Bucket locates backups in object storage.
type Bucket struct {
	ID   string
	Path string
}

func (b Bucket) params() map[string]any {
	return map[string]any{"id": b.ID, "path": b.Path}
}

func backupParams(project string, bucket Bucket) map[string]any {
	return map[string]any{
		"project": project,
		"bucket":  bucket.params(),
	}
}

// Stack is one deployment. Nil members are not installed.
type Stack struct {
	Docker  *Docker
	Mailcow *Mailcow
	Ntfy    *Ntfy
}

// Handles names the completion nodes of an assembled stack.
type Handles struct {
	Docker  string
	Mailcow pipeline.Handle
	Ntfy    pipeline.Handle
}

// Assemble adds every enabled service to g. Mailcow and ntfy wait on the
// Docker install; both wait on after.
func (s *Stack) Assemble(g *engine.Graph, a *pipeline.Assembler, after ...string) (Handles, error) {
	var h Handles

	base := after
	if s.Docker != nil {
		id, err := s.Docker.AddTo(g, a.Renderer(), after...)
		if err != nil {
			return h, err
		}
		h.Docker = id
		base = []string{id}
	}

	if s.Mailcow != nil {
		mh, err := a.Assemble(g, s.Mailcow.Service(), base...)
		if err != nil {
			return h, err
		}
		h.Mailcow = mh
	}

	if s.Ntfy != nil {
		nh, err := a.Assemble(g, s.Ntfy.Service(), base...)
		if err != nil {
			return h, err
		}
		h.Ntfy = nh
	}

	return h, nil
}

// Build assembles the stack into a new graph and schedules it.
func (s *Stack) Build(a *pipeline.Assembler, after ...string) (*engine.ScheduledGraph, Handles, error) {
	g := engine.NewGraph()
	h, err := s.Assemble(g, a, after...)
	if err != nil {
		return nil, h, err
	}

	sg, err := g.Build()
	if err != nil {
		return nil, h, fmt.Errorf("failed to build stack graph: %w", err)
	}

	log.Info().
		Int("nodes", sg.Len()).
		Int("levels", len(sg.Levels())).
		Msg("Built provisioning graph")

	return sg, h, nil
}
