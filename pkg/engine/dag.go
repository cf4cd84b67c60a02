package engine

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Graph accumulates nodes in dependency-respecting insertion order.
// A node may only depend on nodes added before it, so a Graph built solely
// through AddNode is acyclic by construction.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		order: make([]string, 0),
	}
}

// AddNode validates and appends a node.
func (g *Graph) AddNode(node *Node) error {
	if err := validateNode(node); err != nil {
		return err
	}

	if _, exists := g.nodes[node.ID]; exists {
		return NewConstructionError(ErrCodeDuplicateNode,
			fmt.Sprintf("duplicate node ID: %s", node.ID)).WithNode(node.ID)
	}

	for _, dep := range node.DependsOn {
		if _, exists := g.nodes[dep]; !exists {
			return NewConstructionError(ErrCodeDanglingDependency,
				fmt.Sprintf("node %s depends on unknown node %s", node.ID, dep)).WithNode(node.ID)
		}
	}

	g.nodes[node.ID] = node
	g.order = append(g.order, node.ID)
	return nil
}

// Len returns the number of nodes added so far.
func (g *Graph) Len() int {
	return len(g.order)
}

// Has reports whether id has been added.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

func validateNode(node *Node) error {
	if node == nil {
		return NewConstructionError(ErrCodeValidation, "node is nil")
	}
	if node.ID == "" {
		return NewConstructionError(ErrCodeValidation, "node has empty ID")
	}

	switch node.Kind {
	case KindCopyFile:
		if node.Copy == nil || node.Copy.Content == nil {
			return NewConstructionError(ErrCodeValidation, "copy node has no content").WithNode(node.ID)
		}
		if !strings.HasPrefix(node.Copy.RemotePath, "/") {
			return NewConstructionError(ErrCodeValidation,
				fmt.Sprintf("copy node remote path must be absolute: %q", node.Copy.RemotePath)).WithNode(node.ID)
		}
	case KindRunCommand:
		if node.Command == nil || node.Command.Create == nil {
			return NewConstructionError(ErrCodeValidation, "command node has no create script").WithNode(node.ID)
		}
	default:
		return NewConstructionError(ErrCodeValidation,
			fmt.Sprintf("unknown node kind: %q", node.Kind)).WithNode(node.ID)
	}

	for _, trig := range node.Triggers {
		if trig == nil {
			return NewConstructionError(ErrCodeValidation, "node has nil trigger").WithNode(node.ID)
		}
	}

	return nil
}

// Build performs the topological validation and returns an immutable schedule.
func (g *Graph) Build() (*ScheduledGraph, error) {
	sg := &ScheduledGraph{
		nodes:      make(map[string]*Node, len(g.order)),
		order:      make([]string, len(g.order)),
		index:      make(map[string]int, len(g.order)),
		dependents: make(map[string][]string, len(g.order)),
		levels:     make([][]string, 0),
		levelOf:    make(map[string]int, len(g.order)),
	}
	copy(sg.order, g.order)

	for i, id := range g.order {
		sg.nodes[id] = g.nodes[id]
		sg.index[id] = i
		sg.dependents[id] = make([]string, 0)
	}

	// Nodes are held by pointer, so dependencies may have been edited after
	// AddNode. Revalidate edges before ordering.
	for _, id := range sg.order {
		for _, dep := range sg.nodes[id].DependsOn {
			if _, exists := sg.nodes[dep]; !exists {
				return nil, NewConstructionError(ErrCodeDanglingDependency,
					fmt.Sprintf("node %s depends on unknown node %s", id, dep)).WithNode(id)
			}
			sg.dependents[dep] = append(sg.dependents[dep], id)
		}
	}

	if err := sg.computeLevels(); err != nil {
		return nil, err
	}

	return sg, nil
}

// ScheduledGraph is a validated, acyclic set of nodes.
type ScheduledGraph struct {
	nodes      map[string]*Node
	order      []string
	index      map[string]int
	dependents map[string][]string
	levels     [][]string
	levelOf    map[string]int
}

// computeLevels assigns execution levels using Kahn's algorithm.
// Nodes at the same level have no dependencies on each other.
func (sg *ScheduledGraph) computeLevels() error {
	inDegree := make(map[string]int, len(sg.order))
	for _, id := range sg.order {
		inDegree[id] = len(uniq(sg.nodes[id].DependsOn))
	}

	currentLevel := make([]string, 0)
	for _, id := range sg.order {
		if inDegree[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processed := 0
	for len(currentLevel) > 0 {
		level := len(sg.levels)
		sg.levels = append(sg.levels, currentLevel)
		processed += len(currentLevel)

		next := make([]string, 0)
		for _, id := range currentLevel {
			sg.levelOf[id] = level
			for _, dependent := range uniq(sg.dependents[id]) {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sg.sortByInsertion(next)
		currentLevel = next
	}

	if processed != len(sg.order) {
		cycle := sg.findCycle()
		return NewConstructionError(ErrCodeCycle,
			fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)))
	}

	return nil
}

// findCycle uses depth-first search over dependency edges to recover a cycle path.
func (sg *ScheduledGraph) findCycle() []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dependent := range sg.dependents[id] {
			if !visited[dependent] {
				if cycle := visit(dependent, path); cycle != nil {
					return cycle
				}
			} else if recStack[dependent] {
				for i, p := range path {
					if p == dependent {
						return append(append([]string{}, path[i:]...), dependent)
					}
				}
			}
		}

		recStack[id] = false
		return nil
	}

	for _, id := range sg.order {
		if !visited[id] {
			if cycle := visit(id, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func (sg *ScheduledGraph) sortByInsertion(ids []string) {
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Compare(sg.index[a], sg.index[b])
	})
}

// Nodes returns all nodes in insertion order.
func (sg *ScheduledGraph) Nodes() []*Node {
	out := make([]*Node, 0, len(sg.order))
	for _, id := range sg.order {
		out = append(out, sg.nodes[id])
	}
	return out
}

// Node returns the node with the given ID.
func (sg *ScheduledGraph) Node(id string) (*Node, bool) {
	n, ok := sg.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (sg *ScheduledGraph) Len() int {
	return len(sg.order)
}

// ReadyNodes returns, in insertion order, the nodes whose dependencies are all
// in completed and which are not themselves completed.
func (sg *ScheduledGraph) ReadyNodes(completed map[string]bool) []string {
	ready := make([]string, 0)
	for _, id := range sg.order {
		if completed[id] {
			continue
		}
		satisfied := true
		for _, dep := range sg.nodes[id].DependsOn {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	return ready
}

// Levels returns the computed execution levels.
func (sg *ScheduledGraph) Levels() [][]string {
	return sg.levels
}

// Level returns the execution level of id.
func (sg *ScheduledGraph) Level(id string) int {
	return sg.levelOf[id]
}

// Dependents returns the direct dependents of id.
func (sg *ScheduledGraph) Dependents(id string) []string {
	return uniq(sg.dependents[id])
}

// TransitiveDependents returns every node reachable from id along dependent
// edges, in insertion order.
func (sg *ScheduledGraph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	stack := append([]string{}, sg.dependents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, sg.dependents[cur]...)
	}

	out := make([]string, 0, len(seen))
	for _, nid := range sg.order {
		if seen[nid] {
			out = append(out, nid)
		}
	}
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (sg *ScheduledGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ProvisioningGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range sg.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			node := sg.nodes[id]
			label := fmt.Sprintf("%s\\n%s", id, nodeDetail(node))
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, kindColor(node.Kind)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range sg.order {
		for _, dep := range sg.nodes[id].DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func nodeDetail(node *Node) string {
	if node.Kind == KindCopyFile && node.Copy != nil {
		return node.Copy.RemotePath
	}
	return string(node.Kind)
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

func kindColor(kind NodeKind) string {
	switch kind {
	case KindCopyFile:
		return "lightblue"
	case KindRunCommand:
		return "lightgreen"
	default:
		return "white"
	}
}

func uniq(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
