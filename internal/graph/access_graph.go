// Package graph holds the access graph: a directed multigraph of identity
// nodes joined by membership, trust and permission relationships.
package graph

import (
	"fmt"
	"sort"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/permission"
)

// Relationship is one typed edge. Permission is nil for IsPartOf and
// CanAssumeRole edges.
type Relationship struct {
	Kind       domain.RelationshipKind `json:"kind"`
	Source     string                  `json:"source"`
	Target     string                  `json:"target"`
	Permission *permission.Permission  `json:"permission,omitempty"`
}

// Key identifies a relationship: kind, endpoints and permission id
func (r *Relationship) Key() string {
	permID := ""
	if r.Permission != nil {
		permID = r.Permission.ID
	}
	return fmt.Sprintf("%s|%s|%s|%s", r.Kind, r.Source, r.Target, permID)
}

func (r *Relationship) String() string {
	if r.Permission != nil {
		return fmt.Sprintf("%s -[%s %s]-> %s", r.Source, r.Kind, r.Permission.Action, r.Target)
	}
	return fmt.Sprintf("%s -[%s]-> %s", r.Source, r.Kind, r.Target)
}

// AccessGraph is the directed multigraph built from a policy snapshot. It is
// not safe for concurrent mutation; concurrent analyses each work on a Clone.
type AccessGraph struct {
	nodes     map[string]*identity.Node
	nodeOrder []string

	edges     map[string]*Relationship
	edgeOrder []string
	out       map[string][]string
	in        map[string][]string

	policies map[string]*domain.ManagedPolicy
}

// New creates an empty access graph
func New() *AccessGraph {
	return &AccessGraph{
		nodes:    make(map[string]*identity.Node),
		edges:    make(map[string]*Relationship),
		out:      make(map[string][]string),
		in:       make(map[string][]string),
		policies: make(map[string]*domain.ManagedPolicy),
	}
}

// AddNode inserts a node. It reports false when a node with the same id is
// already present; the existing node is kept.
func (g *AccessGraph) AddNode(n *identity.Node) bool {
	if _, ok := g.nodes[n.ID]; ok {
		return false
	}
	g.nodes[n.ID] = n
	g.nodeOrder = append(g.nodeOrder, n.ID)
	return true
}

// Node returns the node with the given id
func (g *AccessGraph) Node(id string) (*identity.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// HasNode reports whether id is a node of the graph
func (g *AccessGraph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns the nodes of the given kinds (all nodes when none are given)
// in insertion order
func (g *AccessGraph) Nodes(kinds ...domain.NodeKind) []*identity.Node {
	filter := kindSet(kinds)
	nodes := make([]*identity.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		n := g.nodes[id]
		if filter == nil || filter[n.Kind] {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// NodeCount returns the number of nodes
func (g *AccessGraph) NodeCount() int {
	return len(g.nodeOrder)
}

// RemoveNode deletes a node and every incident relationship
func (g *AccessGraph) RemoveNode(id string) bool {
	if _, ok := g.nodes[id]; !ok {
		return false
	}

	incident := make(map[string]bool)
	for _, key := range g.out[id] {
		incident[key] = true
	}
	for _, key := range g.in[id] {
		incident[key] = true
	}
	for key := range incident {
		g.removeEdge(key)
	}

	delete(g.nodes, id)
	delete(g.out, id)
	delete(g.in, id)
	g.nodeOrder = removeString(g.nodeOrder, id)
	return true
}

// AddRelationship commits an edge. Both endpoints must already be nodes of the
// graph. Adding an edge that already exists is a no-op reported as false.
// Legality against the constraint table is checked by the caller.
func (g *AccessGraph) AddRelationship(rel *Relationship) (bool, error) {
	if !g.HasNode(rel.Source) {
		return false, fmt.Errorf("source node %s not in graph", rel.Source)
	}
	if !g.HasNode(rel.Target) {
		return false, fmt.Errorf("target node %s not in graph", rel.Target)
	}
	if rel.Kind.IsPermission() && rel.Permission == nil {
		return false, &domain.MalformedInputError{Field: string(rel.Kind), Message: "permission relationship without a permission"}
	}

	key := rel.Key()
	if _, ok := g.edges[key]; ok {
		return false, nil
	}
	g.edges[key] = rel
	g.edgeOrder = append(g.edgeOrder, key)
	g.out[rel.Source] = append(g.out[rel.Source], key)
	g.in[rel.Target] = append(g.in[rel.Target], key)
	return true, nil
}

// RemoveRelationship deletes one edge
func (g *AccessGraph) RemoveRelationship(rel *Relationship) bool {
	key := rel.Key()
	if _, ok := g.edges[key]; !ok {
		return false
	}
	g.removeEdge(key)
	return true
}

func (g *AccessGraph) removeEdge(key string) {
	rel, ok := g.edges[key]
	if !ok {
		return
	}
	delete(g.edges, key)
	g.edgeOrder = removeString(g.edgeOrder, key)
	g.out[rel.Source] = removeString(g.out[rel.Source], key)
	g.in[rel.Target] = removeString(g.in[rel.Target], key)
}

// HasRelationship reports whether an identical edge exists
func (g *AccessGraph) HasRelationship(rel *Relationship) bool {
	_, ok := g.edges[rel.Key()]
	return ok
}

// Relationships returns the edges of the given kinds (all edges when none are given)
func (g *AccessGraph) Relationships(kinds ...domain.RelationshipKind) []*Relationship {
	filter := make(map[domain.RelationshipKind]bool, len(kinds))
	for _, k := range kinds {
		filter[k] = true
	}
	rels := make([]*Relationship, 0, len(g.edgeOrder))
	for _, key := range g.edgeOrder {
		rel := g.edges[key]
		if len(filter) == 0 || filter[rel.Kind] {
			rels = append(rels, rel)
		}
	}
	return rels
}

// RelationshipCount returns the number of edges
func (g *AccessGraph) RelationshipCount() int {
	return len(g.edgeOrder)
}

// RelationshipsBetween returns every edge from source to target
func (g *AccessGraph) RelationshipsBetween(source, target string) []*Relationship {
	rels := make([]*Relationship, 0)
	for _, key := range g.out[source] {
		if rel := g.edges[key]; rel.Target == target {
			rels = append(rels, rel)
		}
	}
	return rels
}

// RelationshipsFrom returns the outgoing edges of a node, optionally filtered by kind
func (g *AccessGraph) RelationshipsFrom(id string, kinds ...domain.RelationshipKind) []*Relationship {
	return g.collect(g.out[id], kinds)
}

// RelationshipsTo returns the incoming edges of a node, optionally filtered by kind
func (g *AccessGraph) RelationshipsTo(id string, kinds ...domain.RelationshipKind) []*Relationship {
	return g.collect(g.in[id], kinds)
}

func (g *AccessGraph) collect(keys []string, kinds []domain.RelationshipKind) []*Relationship {
	rels := make([]*Relationship, 0, len(keys))
	for _, key := range keys {
		rel := g.edges[key]
		if len(kinds) == 0 || containsKind(kinds, rel.Kind) {
			rels = append(rels, rel)
		}
	}
	return rels
}

// RelationshipKeys returns every edge key, sorted. Two graphs with equal key
// sets have identical relationships.
func (g *AccessGraph) RelationshipKeys() []string {
	keys := append([]string(nil), g.edgeOrder...)
	sort.Strings(keys)
	return keys
}

// NodeIDs returns every node id, sorted
func (g *AccessGraph) NodeIDs() []string {
	ids := append([]string(nil), g.nodeOrder...)
	sort.Strings(ids)
	return ids
}

// SetPolicy records a managed policy in the side table, keyed by ARN
func (g *AccessGraph) SetPolicy(policy *domain.ManagedPolicy) {
	g.policies[policy.PolicyArn] = policy
}

// Policy returns a managed policy by ARN
func (g *AccessGraph) Policy(arn string) (*domain.ManagedPolicy, bool) {
	p, ok := g.policies[arn]
	return p, ok
}

// PolicyByName returns a managed policy by name. Ties resolve to the lowest ARN.
func (g *AccessGraph) PolicyByName(name string) (*domain.ManagedPolicy, bool) {
	for _, p := range g.Policies() {
		if p.PolicyName == name {
			return p, true
		}
	}
	return nil, false
}

// Policies returns the managed policies sorted by ARN
func (g *AccessGraph) Policies() []*domain.ManagedPolicy {
	policies := make([]*domain.ManagedPolicy, 0, len(g.policies))
	for _, p := range g.policies {
		policies = append(policies, p)
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].PolicyArn < policies[j].PolicyArn
	})
	return policies
}

// Clone returns an independent copy. Nodes, relationships and policies are
// immutable values and are shared; only the indexes are copied.
func (g *AccessGraph) Clone() *AccessGraph {
	c := &AccessGraph{
		nodes:     make(map[string]*identity.Node, len(g.nodes)),
		nodeOrder: append([]string(nil), g.nodeOrder...),
		edges:     make(map[string]*Relationship, len(g.edges)),
		edgeOrder: append([]string(nil), g.edgeOrder...),
		out:       make(map[string][]string, len(g.out)),
		in:        make(map[string][]string, len(g.in)),
		policies:  make(map[string]*domain.ManagedPolicy, len(g.policies)),
	}
	for id, n := range g.nodes {
		c.nodes[id] = n
	}
	for key, rel := range g.edges {
		c.edges[key] = rel
	}
	for id, keys := range g.out {
		c.out[id] = append([]string(nil), keys...)
	}
	for id, keys := range g.in {
		c.in[id] = append([]string(nil), keys...)
	}
	for arn, p := range g.policies {
		c.policies[arn] = p
	}
	return c
}

func kindSet(kinds []domain.NodeKind) map[domain.NodeKind]bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[domain.NodeKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

func containsKind(kinds []domain.RelationshipKind, k domain.RelationshipKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	for i, item := range list {
		if item == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
