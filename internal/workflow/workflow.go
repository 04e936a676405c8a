// Package workflow implements the per-agent workflow engine.
//
// A workflow is a static directed graph declared in YAML: typed nodes joined
// by edges that may carry guard expressions over the session context. The
// engine answers three questions — which node a session is on, which
// transitions are currently valid, and whether a requested advance is legal —
// and renders the graph as text for the system prompt.
//
// Workflow state is tracked post hoc: the model narrates its progress and the
// engine validates each advance against the guards, rejecting transitions
// whose guard evaluates false. An engine is immutable after Load and safe for
// concurrent use; State values are per session and owned by their caller.
package workflow

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// ErrInvalidTransition is returned by Advance when no edge from the current
// node to the target has a satisfied guard.
var ErrInvalidTransition = errors.New("workflow: invalid transition")

// NodeType classifies workflow nodes.
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeAction   NodeType = "action"
	NodeDecision NodeType = "decision"
	NodeToolCall NodeType = "toolcall"
	NodeHandoff  NodeType = "handoff"
	NodeEnd      NodeType = "end"
)

// IsValid reports whether t is a recognised node type.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeStart, NodeAction, NodeDecision, NodeToolCall, NodeHandoff, NodeEnd:
		return true
	}
	return false
}

// Node is a single workflow step.
type Node struct {
	// ID is the unique node identifier within the graph.
	ID string `yaml:"id"`

	// Type classifies the node.
	Type NodeType `yaml:"type"`

	// Prompt is the instruction text rendered into the system prompt for
	// this step.
	Prompt string `yaml:"prompt"`

	// Tool names the tool a toolcall node invokes.
	Tool string `yaml:"tool"`

	// Target names the agent a handoff node transfers to.
	Target string `yaml:"target"`
}

// Edge joins two nodes, optionally gated by a guard expression.
type Edge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// Guard is a boolean expression over the session context (see Eval).
	// Empty means unconditionally satisfied.
	Guard string `yaml:"guard"`
}

// Graph is a parsed and validated workflow.
type Graph struct {
	// ID names the workflow (matches the agent's declared workflow id).
	ID string `yaml:"id"`

	Nodes []Node `yaml:"nodes"`
	Edges []Edge `yaml:"edges"`

	nodesByID map[string]*Node
	startID   string
	// outbound preserves edge declaration order per source node, which is
	// the tie-break when several guards are satisfied.
	outbound map[string][]Edge
}

// State is the per-session workflow position.
type State struct {
	CurrentNodeID string

	// History is the ordered list of visited node ids, starting at start.
	History []string
}

// Transition is one currently valid next step.
type Transition struct {
	NodeID string
	Edge   Edge
}

// Context is the read-only view guards are evaluated against.
type Context struct {
	// Memory is the current session memory snapshot.
	Memory types.SessionMemory

	// ToolResult is the decoded payload of the most recent tool result,
	// reachable in guards as toolResult.<field>. Nil when no tool has run.
	ToolResult map[string]any
}

// Load reads and validates the workflow graph at path.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %q: %w", path, err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow: parse %q: %w", path, err)
	}
	return g, nil
}

// Parse decodes and validates a workflow graph from YAML.
func Parse(data []byte) (*Graph, error) {
	g := &Graph{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(g); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := g.build(); err != nil {
		return nil, err
	}
	return g, nil
}

// build indexes the graph and checks its structural invariants.
func (g *Graph) build() error {
	var errs []error

	if g.ID == "" {
		errs = append(errs, fmt.Errorf("workflow id is required"))
	}
	if len(g.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("workflow has no nodes"))
	}

	g.nodesByID = make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("nodes[%d]: id is required", i))
			continue
		}
		if _, dup := g.nodesByID[n.ID]; dup {
			errs = append(errs, fmt.Errorf("node %q declared twice", n.ID))
			continue
		}
		if !n.Type.IsValid() {
			errs = append(errs, fmt.Errorf("node %q: type %q is invalid", n.ID, n.Type))
		}
		if n.Type == NodeStart {
			if g.startID != "" {
				errs = append(errs, fmt.Errorf("multiple start nodes: %q and %q", g.startID, n.ID))
			}
			g.startID = n.ID
		}
		g.nodesByID[n.ID] = n
	}
	if g.startID == "" {
		errs = append(errs, fmt.Errorf("workflow has no start node"))
	}

	g.outbound = make(map[string][]Edge)
	for i, e := range g.Edges {
		if _, ok := g.nodesByID[e.From]; !ok {
			errs = append(errs, fmt.Errorf("edges[%d]: unknown source node %q", i, e.From))
			continue
		}
		if _, ok := g.nodesByID[e.To]; !ok {
			errs = append(errs, fmt.Errorf("edges[%d]: unknown target node %q", i, e.To))
			continue
		}
		g.outbound[e.From] = append(g.outbound[e.From], e)
	}

	for _, n := range g.Nodes {
		if n.Type == NodeDecision && len(g.outbound[n.ID]) < 2 {
			errs = append(errs, fmt.Errorf("decision node %q needs at least 2 outbound edges, has %d", n.ID, len(g.outbound[n.ID])))
		}
	}

	return errors.Join(errs...)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodesByID[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Init returns a fresh state positioned at the start node.
func (g *Graph) Init() State {
	return State{CurrentNodeID: g.startID, History: []string{g.startID}}
}

// Reset is Init under the name used at handoff call sites: the previous
// state is discarded, never restored.
func (g *Graph) Reset() State {
	return g.Init()
}

// ValidNext returns the transitions from the state's current node whose
// guards evaluate true against ctx, in edge declaration order.
func (g *Graph) ValidNext(state State, ctx Context) []Transition {
	var out []Transition
	for _, e := range g.outbound[state.CurrentNodeID] {
		if Eval(e.Guard, ctx) {
			out = append(out, Transition{NodeID: e.To, Edge: e})
		}
	}
	return out
}

// NextNodeIDs returns just the target node ids of ValidNext. Used to fill
// workflow_update frames.
func (g *Graph) NextNodeIDs(state State, ctx Context) []string {
	transitions := g.ValidNext(state, ctx)
	out := make([]string, len(transitions))
	for i, tr := range transitions {
		out[i] = tr.NodeID
	}
	return out
}

// Advance moves the state to targetNodeID if an edge from the current node
// carries a satisfied guard. On success it returns the new state; otherwise
// ErrInvalidTransition and the state is unchanged.
func (g *Graph) Advance(state State, targetNodeID string, ctx Context) (State, error) {
	if _, ok := g.nodesByID[targetNodeID]; !ok {
		return state, fmt.Errorf("%w: unknown node %q", ErrInvalidTransition, targetNodeID)
	}
	for _, e := range g.outbound[state.CurrentNodeID] {
		if e.To != targetNodeID {
			continue
		}
		if Eval(e.Guard, ctx) {
			next := State{
				CurrentNodeID: targetNodeID,
				History:       append(append([]string(nil), state.History...), targetNodeID),
			}
			return next, nil
		}
	}
	return state, fmt.Errorf("%w: no satisfied edge %s -> %s", ErrInvalidTransition, state.CurrentNodeID, targetNodeID)
}

// Decide evaluates a decision node's outbound edges against ctx and returns
// the first satisfied transition in declaration order.
func (g *Graph) Decide(state State, ctx Context) (Transition, error) {
	transitions := g.ValidNext(state, ctx)
	if len(transitions) == 0 {
		return Transition{}, fmt.Errorf("%w: no satisfied edge from decision %q", ErrInvalidTransition, state.CurrentNodeID)
	}
	return transitions[0], nil
}

// Render returns the textual rendering of the graph for the system prompt:
// every node in declaration order with its instruction and transitions.
func (g *Graph) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %q. Follow these steps in order, narrating your progress:\n", g.ID)
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "- [%s] (%s)", n.ID, n.Type)
		if n.Prompt != "" {
			fmt.Fprintf(&b, " %s", n.Prompt)
		}
		if n.Tool != "" {
			fmt.Fprintf(&b, " Use the %q tool.", n.Tool)
		}
		if n.Target != "" {
			fmt.Fprintf(&b, " Hand off to agent %q.", n.Target)
		}
		b.WriteString("\n")
		for _, e := range g.outbound[n.ID] {
			if e.Guard != "" {
				fmt.Fprintf(&b, "    -> %s when %s\n", e.To, e.Guard)
			} else {
				fmt.Fprintf(&b, "    -> %s\n", e.To)
			}
		}
	}
	return b.String()
}
