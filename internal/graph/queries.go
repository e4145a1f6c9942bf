package graph

import (
	"errors"
	"fmt"
	"sort"

	dgraph "github.com/dominikbraun/graph"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/permission"
)

// ErrNoPath is returned by ShortestPath when the target is not reachable
var ErrNoPath = errors.New("no path between nodes")

// Grant is a permission an entity holds, either on its own edges or through
// a group it is part of
type Grant struct {
	Permission *permission.Permission  `json:"permission"`
	Holder     string                  `json:"holder"`
	Target     string                  `json:"target"`
	Kind       domain.RelationshipKind `json:"kind"`
}

// Decision is the outcome of an authorization query
type Decision struct {
	Allowed      bool   `json:"allowed"`
	ExplicitDeny bool   `json:"explicit_deny"`
	Grant        *Grant `json:"grant,omitempty"`
}

// topology projects the multigraph onto a simple directed graph for traversal.
// Parallel edges collapse and self-loops are dropped.
func (g *AccessGraph) topology() (dgraph.Graph[string, string], error) {
	t := dgraph.New(dgraph.StringHash, dgraph.Directed())
	for _, id := range g.nodeOrder {
		if err := t.AddVertex(id); err != nil && !errors.Is(err, dgraph.ErrVertexAlreadyExists) {
			return nil, fmt.Errorf("failed to add vertex %s: %w", id, err)
		}
	}
	for _, key := range g.edgeOrder {
		rel := g.edges[key]
		if rel.Source == rel.Target {
			continue
		}
		if err := t.AddEdge(rel.Source, rel.Target); err != nil && !errors.Is(err, dgraph.ErrEdgeAlreadyExists) {
			return nil, fmt.Errorf("failed to add edge %s: %w", rel, err)
		}
	}
	return t, nil
}

// ReachableFrom returns every node reachable from id over outgoing edges of
// any kind, sorted by id. The start node is included only if a cycle leads back to it.
func (g *AccessGraph) ReachableFrom(id string) ([]*identity.Node, error) {
	if !g.HasNode(id) {
		return nil, fmt.Errorf("node %s not in graph", id)
	}
	t, err := g.topology()
	if err != nil {
		return nil, err
	}

	visited := make(map[string]bool)
	err = dgraph.BFS(t, id, func(v string) bool {
		if v != id {
			visited[v] = true
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to traverse from %s: %w", id, err)
	}
	for _, key := range g.in[id] {
		rel := g.edges[key]
		if rel.Source != id && visited[rel.Source] {
			visited[id] = true
			break
		}
	}

	ids := make([]string, 0, len(visited))
	for v := range visited {
		ids = append(ids, v)
	}
	sort.Strings(ids)

	nodes := make([]*identity.Node, 0, len(ids))
	for _, v := range ids {
		nodes = append(nodes, g.nodes[v])
	}
	return nodes, nil
}

// CanReach reports whether target is reachable from source
func (g *AccessGraph) CanReach(source, target string) (bool, error) {
	nodes, err := g.ReachableFrom(source)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.ID == target {
			return true, nil
		}
	}
	return false, nil
}

// ShortestPath returns the node ids of a shortest path from source to target
func (g *AccessGraph) ShortestPath(source, target string) ([]string, error) {
	if !g.HasNode(source) {
		return nil, fmt.Errorf("node %s not in graph", source)
	}
	if !g.HasNode(target) {
		return nil, fmt.Errorf("node %s not in graph", target)
	}
	t, err := g.topology()
	if err != nil {
		return nil, err
	}
	path, err := dgraph.ShortestPath(t, source, target)
	if err != nil {
		if errors.Is(err, dgraph.ErrTargetNotReachable) {
			return nil, fmt.Errorf("%s -> %s: %w", source, target, ErrNoPath)
		}
		return nil, fmt.Errorf("failed to compute path %s -> %s: %w", source, target, err)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("%s -> %s: %w", source, target, ErrNoPath)
	}
	return path, nil
}

// PermissionsFrom returns the distinct permissions labelling outgoing edges
// of id, sorted by action then id. Grants held through groups are not included.
func (g *AccessGraph) PermissionsFrom(id string) []*permission.Permission {
	seen := make(map[string]bool)
	perms := make([]*permission.Permission, 0)
	for _, rel := range g.RelationshipsFrom(id, domain.RelHasPermission, domain.RelHasPermissionToResource) {
		if seen[rel.Permission.ID] {
			continue
		}
		seen[rel.Permission.ID] = true
		perms = append(perms, rel.Permission)
	}
	sortPermissions(perms)
	return perms
}

// Groups returns the ids of the groups id is part of
func (g *AccessGraph) Groups(id string) []string {
	groups := make([]string, 0)
	for _, rel := range g.RelationshipsFrom(id, domain.RelIsPartOf) {
		groups = append(groups, rel.Target)
	}
	return groups
}

// Members returns the ids of the members of a group
func (g *AccessGraph) Members(groupID string) []string {
	members := make([]string, 0)
	for _, rel := range g.RelationshipsTo(groupID, domain.RelIsPartOf) {
		members = append(members, rel.Source)
	}
	return members
}

// EffectivePermissions returns the grants id holds directly plus the grants of
// every group it is part of
func (g *AccessGraph) EffectivePermissions(id string) []Grant {
	holders := append([]string{id}, g.Groups(id)...)

	grants := make([]Grant, 0)
	for _, holder := range holders {
		for _, rel := range g.RelationshipsFrom(holder, domain.RelHasPermission, domain.RelHasPermissionToResource) {
			grants = append(grants, Grant{
				Permission: rel.Permission,
				Holder:     holder,
				Target:     rel.Target,
				Kind:       rel.Kind,
			})
		}
	}
	return grants
}

// Authorize decides whether principal may perform action on target under ctx.
// An empty target asks for the action regardless of counterpart. Monadic
// grants cover every target. An applicable explicit Deny wins over any Allow.
func (g *AccessGraph) Authorize(principal, action, target string, ctx permission.Context) Decision {
	var decision Decision
	for _, grant := range g.EffectivePermissions(principal) {
		p := grant.Permission
		if !p.Covers(action) {
			continue
		}
		if p.Rank == domain.RankDyadic && target != "" && grant.Target != target {
			continue
		}
		switch {
		case p.Effect == domain.EffectDeny && p.Applies(ctx):
			decision.ExplicitDeny = true
		case p.IsGranted(ctx) && decision.Grant == nil:
			matched := grant
			decision.Grant = &matched
		}
	}
	decision.Allowed = decision.Grant != nil && !decision.ExplicitDeny
	return decision
}

// Summary counts nodes, relationships and permissions
type Summary struct {
	Nodes         map[domain.NodeKind]int         `json:"nodes"`
	Relationships map[domain.RelationshipKind]int `json:"relationships"`
	Permissions   int                             `json:"permissions"`
	Policies      int                             `json:"policies"`
}

// Summary counts the graph's contents by kind
func (g *AccessGraph) Summary() Summary {
	s := Summary{
		Nodes:         make(map[domain.NodeKind]int),
		Relationships: make(map[domain.RelationshipKind]int),
		Policies:      len(g.policies),
	}
	for _, n := range g.nodes {
		s.Nodes[n.Kind]++
	}
	perms := make(map[string]bool)
	for _, rel := range g.edges {
		s.Relationships[rel.Kind]++
		if rel.Permission != nil {
			perms[rel.Permission.ID] = true
		}
	}
	s.Permissions = len(perms)
	return s
}

func sortPermissions(perms []*permission.Permission) {
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Action != perms[j].Action {
			return perms[i].Action < perms[j].Action
		}
		return perms[i].ID < perms[j].ID
	})
}
