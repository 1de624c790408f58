package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/pkg/formula"
)

// node is a compiled variable.
type node struct {
	index       int // declaration order, depth first
	name        string
	qname       string
	description string
	kind        Kind
	parent      *node
	children    map[string]*node
	internal    bool

	deps   []*node
	depSet map[string]struct{}
	refs   []string // reference-date names used by anchors

	eval func(s *state) (formula.Value, error)
}

func (n *node) addDep(dep *node) {
	if n.depSet == nil {
		n.depSet = make(map[string]struct{})
	}
	if _, ok := n.depSet[dep.qname]; ok {
		return
	}
	n.depSet[dep.qname] = struct{}{}
	n.deps = append(n.deps, dep)
}

// Graph is a compiled, validated rule graph. Variables are held in a
// topological order that respects every reference.
type Graph struct {
	order   []*node
	byName  map[string]*node
	outputs []string
	refs    map[string]string // reference name -> first rule using it
}

// VariableInfo describes one compiled variable.
type VariableInfo struct {
	Name         string   `json:"name"`
	Kind         Kind     `json:"kind"`
	Description  string   `json:"description,omitempty"`
	Internal     bool     `json:"internal"`
	Dependencies []string `json:"dependencies,omitempty"`
	References   []string `json:"references,omitempty"`
}

type compiler struct {
	registry domain.ConceptRegistry
	nodes    []*node
	rules    []Rule // parallel to nodes
	byName   map[string]*node
	roots    map[string]*node
}

// NewGraph compiles variable declarations into a graph. It fails with
// *domain.InvalidRuleError for malformed rules, *domain.UnknownVariableError
// for references that resolve to no visible variable and
// *domain.CyclicDependencyError when the references do not form a DAG.
func NewGraph(registry domain.ConceptRegistry, vars ...Var) (*Graph, error) {
	c := &compiler{
		registry: registry,
		byName:   make(map[string]*node),
		roots:    make(map[string]*node),
	}

	for _, v := range vars {
		if err := c.declare(v, nil); err != nil {
			return nil, err
		}
	}

	// Declarations first so that rules may refer to variables declared later.
	for i, n := range c.nodes {
		if err := c.rules[i].compile(c, n); err != nil {
			return nil, err
		}
	}

	order, err := topoSort(c.nodes)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		order:  order,
		byName: c.byName,
		refs:   make(map[string]string),
	}
	for _, n := range c.nodes {
		if !n.internal {
			g.outputs = append(g.outputs, n.qname)
		}
		for _, ref := range n.refs {
			if _, seen := g.refs[ref]; !seen {
				g.refs[ref] = n.qname
			}
		}
	}
	return g, nil
}

// MustNewGraph is NewGraph for graphs fixed at compile time.
func MustNewGraph(registry domain.ConceptRegistry, vars ...Var) *Graph {
	g, err := NewGraph(registry, vars...)
	if err != nil {
		panic(err)
	}
	return g
}

func (c *compiler) declare(v Var, parent *node) error {
	qname := v.Name
	if parent != nil {
		qname = parent.qname + "." + v.Name
	}
	if v.Name == "" {
		return &domain.InvalidRuleError{Rule: qname, Reason: "variable name is empty"}
	}
	if strings.ContainsAny(v.Name, ". \t") {
		return &domain.InvalidRuleError{Rule: qname, Reason: "variable names may not contain dots or spaces"}
	}
	if v.Rule == nil {
		return &domain.InvalidRuleError{Rule: qname, Reason: "no rule given"}
	}
	if _, dup := c.byName[qname]; dup {
		return &domain.InvalidRuleError{Rule: qname, Reason: "variable defined more than once"}
	}

	n := &node{
		index:       len(c.nodes),
		name:        v.Name,
		qname:       qname,
		description: v.Description,
		kind:        v.Rule.Kind(),
		parent:      parent,
		internal:    parent != nil,
	}
	c.nodes = append(c.nodes, n)
	c.rules = append(c.rules, v.Rule)
	c.byName[qname] = n
	if parent == nil {
		c.roots[v.Name] = n
	} else {
		if parent.children == nil {
			parent.children = make(map[string]*node)
		}
		parent.children[v.Name] = n
	}

	for _, sub := range v.Subs {
		if err := c.declare(sub, n); err != nil {
			return err
		}
	}
	return nil
}

// resolve finds the variable a name refers to from within n: n's own
// sub-variables first, then each enclosing scope outwards, then top level.
// Fully qualified names are accepted as a last resort.
func (c *compiler) resolve(n *node, name string) (*node, error) {
	if dep, ok := n.children[name]; ok {
		return dep, nil
	}
	for scope := n.parent; scope != nil; scope = scope.parent {
		if dep, ok := scope.children[name]; ok {
			return dep, nil
		}
	}
	if dep, ok := c.roots[name]; ok {
		return dep, nil
	}
	// A qualified name is accepted only where its unqualified form would be.
	if dep, ok := c.byName[name]; ok && dep.parent != nil && inScope(n, dep.parent) {
		return dep, nil
	}
	return nil, &domain.UnknownVariableError{Rule: n.qname, Variable: name}
}

// inScope reports whether scope is n or one of its ancestors.
func inScope(n, scope *node) bool {
	for ; n != nil; n = n.parent {
		if n == scope {
			return true
		}
	}
	return false
}

// depend resolves name and records the edge.
func (c *compiler) depend(n *node, name string) (*node, error) {
	dep, err := c.resolve(n, name)
	if err != nil {
		return nil, err
	}
	n.addDep(dep)
	return dep, nil
}

// compileExpr parses src and resolves every identifier in it.
func (c *compiler) compileExpr(n *node, src string) (formula.Expr, map[string]string, error) {
	expr, err := formula.Parse(src)
	if err != nil {
		return nil, nil, &domain.InvalidRuleError{Rule: n.qname, Reason: "cannot parse formula", Err: err}
	}
	idents := make(map[string]string)
	for _, name := range formula.Identifiers(expr) {
		dep, err := c.depend(n, name)
		if err != nil {
			return nil, nil, err
		}
		idents[name] = dep.qname
	}
	return expr, idents, nil
}

type boundAnchor struct {
	kind   AnchorKind
	ref    string
	dep    string
	date   time.Time
	offset Offset
}

func (c *compiler) compileAnchor(n *node, a Anchor) (boundAnchor, error) {
	b := boundAnchor{kind: a.Kind, offset: a.Offset}
	switch a.Kind {
	case AnchorRef:
		if a.Name == "" {
			return b, &domain.InvalidRuleError{Rule: n.qname, Reason: "reference anchor has no name"}
		}
		b.ref = a.Name
		n.refs = appendUnique(n.refs, a.Name)
	case AnchorVar:
		dep, err := c.depend(n, a.Name)
		if err != nil {
			return b, err
		}
		b.dep = dep.qname
	case AnchorFixed:
		if a.Date.IsZero() {
			return b, &domain.InvalidRuleError{Rule: n.qname, Reason: "fixed anchor has no date"}
		}
		b.date = a.Date
	default:
		return b, &domain.InvalidRuleError{Rule: n.qname, Reason: fmt.Sprintf("unknown anchor kind %d", a.Kind)}
	}
	return b, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// topoSort orders nodes so that every node follows its dependencies. Ties are
// broken by declaration order, which keeps the output deterministic.
func topoSort(nodes []*node) ([]*node, error) {
	indegree := make([]int, len(nodes))
	dependents := make([][]*node, len(nodes))
	for _, n := range nodes {
		for _, dep := range n.deps {
			indegree[n.index]++
			dependents[dep.index] = append(dependents[dep.index], n)
		}
	}

	var ready []*node
	for _, n := range nodes {
		if indegree[n.index] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]*node, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, d := range dependents[n.index] {
			indegree[d.index]--
			if indegree[d.index] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) < len(nodes) {
		return nil, findCycle(nodes, indegree)
	}
	return order, nil
}

// findCycle walks the unsorted remainder to report one concrete loop.
func findCycle(nodes []*node, indegree []int) error {
	const (
		unvisited = iota
		onStack
		done
	)
	marks := make([]int, len(nodes))
	var stack []*node
	var cycle []string

	var visit func(n *node) bool
	visit = func(n *node) bool {
		marks[n.index] = onStack
		stack = append(stack, n)
		for _, dep := range n.deps {
			switch marks[dep.index] {
			case onStack:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				for _, s := range stack[start:] {
					cycle = append(cycle, s.qname)
				}
				cycle = append(cycle, dep.qname)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		marks[n.index] = done
		return false
	}

	for _, n := range nodes {
		if indegree[n.index] > 0 && marks[n.index] == unvisited {
			if visit(n) {
				return &domain.CyclicDependencyError{Rule: cycle[0], Cycle: cycle}
			}
		}
	}
	// unreachable when the sort left nodes behind
	return &domain.CyclicDependencyError{Rule: "", Cycle: nil}
}

// Outputs returns the top-level variable names in declaration order.
func (g *Graph) Outputs() []string {
	out := make([]string, len(g.outputs))
	copy(out, g.outputs)
	return out
}

// Order returns every variable, sub-variables included, in evaluation order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	for i, n := range g.order {
		out[i] = n.qname
	}
	return out
}

// References returns the reference-date names the graph's anchors use.
func (g *Graph) References() []string {
	names := make([]string, 0, len(g.refs))
	for name := range g.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of compiled variables.
func (g *Graph) Len() int {
	return len(g.order)
}

// Variables describes the graph in declaration order.
func (g *Graph) Variables() []VariableInfo {
	nodes := make([]*node, len(g.order))
	copy(nodes, g.order)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].index < nodes[j].index })

	infos := make([]VariableInfo, 0, len(nodes))
	for _, n := range nodes {
		info := VariableInfo{
			Name:        n.qname,
			Kind:        n.kind,
			Description: n.description,
			Internal:    n.internal,
			References:  n.refs,
		}
		for _, dep := range n.deps {
			info.Dependencies = append(info.Dependencies, dep.qname)
		}
		infos = append(infos, info)
	}
	return infos
}
