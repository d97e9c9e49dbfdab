package graph

import (
	"context"
	"fmt"

	"github.com/vk/inspectgridgo/internal/state"
)

// End is the reserved edge target that terminates a graph.
const End = "__end__"

// NodeFunc is a single unit of agent work: a pure function of the state that
// returns a partial-state patch.
type NodeFunc func(ctx context.Context, st *state.State) (state.Patch, error)

// Router is a conditional edge: it inspects the state and names the next node
// (or End).
type Router func(st *state.State) string

// Branch names one arm of a parallel fan-out.
type Branch struct {
	Name  string
	Graph *Graph
}

type nodeKind int

const (
	kindFunc nodeKind = iota
	kindSubgraph
	kindParallel
)

type nodeDef struct {
	name     string
	kind     nodeKind
	fn       NodeFunc
	subgraph *Graph
	branches []Branch
}

type edgeDef struct {
	to     string
	router Router
}

// Builder assembles a graph. Not safe for concurrent use; build once at
// startup and reuse the compiled Graph across runs.
type Builder struct {
	name            string
	entry           string
	nodes           map[string]*nodeDef
	order           []string
	edges           map[string]edgeDef
	interruptBefore map[string]bool
	interruptAfter  map[string]bool
	errs            []error
}

// NewBuilder starts a graph definition. The name becomes a segment of the
// snapshot node path for anything executed inside this graph.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:            name,
		nodes:           map[string]*nodeDef{},
		edges:           map[string]edgeDef{},
		interruptBefore: map[string]bool{},
		interruptAfter:  map[string]bool{},
	}
}

func (b *Builder) addNode(n *nodeDef) *Builder {
	if _, dup := b.nodes[n.name]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate node %q", n.name))
		return b
	}
	b.nodes[n.name] = n
	b.order = append(b.order, n.name)
	return b
}

// AddNode registers a function node.
func (b *Builder) AddNode(name string, fn NodeFunc) *Builder {
	return b.addNode(&nodeDef{name: name, kind: kindFunc, fn: fn})
}

// AddSubgraph registers a compiled graph as a node.
func (b *Builder) AddSubgraph(name string, g *Graph) *Builder {
	return b.addNode(&nodeDef{name: name, kind: kindSubgraph, subgraph: g})
}

// AddParallel registers a fan-out node whose branches are dispatched in
// declaration order and merged with the state reducer table at the join.
func (b *Builder) AddParallel(name string, branches ...Branch) *Builder {
	return b.addNode(&nodeDef{name: name, kind: kindParallel, branches: branches})
}

// AddEdge registers an unconditional edge.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges[from] = edgeDef{to: to}
	return b
}

// AddConditionalEdge registers a router deciding the successor of `from`.
func (b *Builder) AddConditionalEdge(from string, router Router) *Builder {
	b.edges[from] = edgeDef{router: router}
	return b
}

// SetEntry names the node execution starts from.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// InterruptBefore marks nodes the runtime suspends in front of.
func (b *Builder) InterruptBefore(names ...string) *Builder {
	for _, n := range names {
		b.interruptBefore[n] = true
	}
	return b
}

// InterruptAfter marks nodes the runtime suspends after returning from.
func (b *Builder) InterruptAfter(names ...string) *Builder {
	for _, n := range names {
		b.interruptAfter[n] = true
	}
	return b
}

// Compile validates the definition and returns an executable Graph.
func (b *Builder) Compile() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("graph %q: %w", b.name, b.errs[0])
	}
	if b.entry == "" {
		return nil, fmt.Errorf("graph %q: no entry node set", b.name)
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, fmt.Errorf("graph %q: entry %q: %w", b.name, b.entry, ErrUnknownNode)
	}
	for from, e := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("graph %q: edge source %q: %w", b.name, from, ErrUnknownNode)
		}
		if e.router == nil && e.to != End {
			if _, ok := b.nodes[e.to]; !ok {
				return nil, fmt.Errorf("graph %q: edge %q -> %q: %w", b.name, from, e.to, ErrUnknownNode)
			}
		}
	}
	for name := range b.nodes {
		if _, ok := b.edges[name]; !ok {
			return nil, fmt.Errorf("graph %q: node %q has no outgoing edge", b.name, name)
		}
	}
	for name := range b.interruptBefore {
		if _, ok := b.nodes[name]; !ok {
			return nil, fmt.Errorf("graph %q: interrupt-before %q: %w", b.name, name, ErrUnknownNode)
		}
	}
	for name := range b.interruptAfter {
		if _, ok := b.nodes[name]; !ok {
			return nil, fmt.Errorf("graph %q: interrupt-after %q: %w", b.name, name, ErrUnknownNode)
		}
	}
	return &Graph{
		name:            b.name,
		entry:           b.entry,
		nodes:           b.nodes,
		edges:           b.edges,
		interruptBefore: b.interruptBefore,
		interruptAfter:  b.interruptAfter,
	}, nil
}

// Graph is a compiled, immutable graph definition. Safe for concurrent runs;
// all mutable execution state lives in the threaded state record.
type Graph struct {
	name            string
	entry           string
	nodes           map[string]*nodeDef
	edges           map[string]edgeDef
	interruptBefore map[string]bool
	interruptAfter  map[string]bool
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// next resolves the successor of a node for the given state.
func (g *Graph) next(from string, st *state.State) (string, error) {
	e, ok := g.edges[from]
	if !ok {
		return "", fmt.Errorf("graph %q: node %q: %w", g.name, from, ErrUnknownNode)
	}
	if e.router != nil {
		to := e.router(st)
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return "", fmt.Errorf("graph %q: router of %q chose %q: %w", g.name, from, to, ErrUnknownNode)
			}
		}
		return to, nil
	}
	return e.to, nil
}
