package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/mailstack/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block a pass.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the pass.
	SeverityError Severity = "error"
)

// Blocking reports whether violations of this severity stop a pass.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy is a Rego module whose package defines a deny set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Node     string   `json:"node,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Node != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", v.Severity, v.Policy, v.Message, v.Node)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

// Result is the outcome of evaluating every enabled policy over a graph.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Err returns nil when the result is allowed and otherwise an error listing
// the blocking violations.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	lines := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		lines[i] = v.String()
	}
	return fmt.Errorf("graph rejected by policy:\n  %s", strings.Join(lines, "\n  "))
}

// Input is the document policies see as input.
type Input struct {
	Environment string      `json:"environment"`
	Nodes       []NodeInput `json:"nodes"`
}

// NodeInput describes one node. Deferred payloads are not resolved; policies
// see the graph's shape and destinations only.
type NodeInput struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	RemotePath string   `json:"remote_path,omitempty"`
	Mode       int      `json:"mode,omitempty"`
	DependsOn  []string `json:"depends_on"`
	Dependents []string `json:"dependents"`
	Level      int      `json:"level"`
}

// NewInput builds the policy input for sg.
func NewInput(sg *engine.ScheduledGraph, environment string) *Input {
	in := &Input{Environment: environment}
	for _, n := range sg.Nodes() {
		ni := NodeInput{
			ID:         n.ID,
			Kind:       string(n.Kind),
			DependsOn:  append([]string{}, n.DependsOn...),
			Dependents: append([]string{}, sg.Dependents(n.ID)...),
			Level:      sg.Level(n.ID),
		}
		sort.Strings(ni.DependsOn)
		if n.Copy != nil {
			ni.RemotePath = n.Copy.RemotePath
			ni.Mode = int(n.Copy.Mode.Perm())
		}
		in.Nodes = append(in.Nodes, ni)
	}
	return in
}
