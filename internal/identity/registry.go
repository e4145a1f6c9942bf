// Package identity canonicalizes principals, services and resources into
// unique nodes keyed by a stable identifier.
package identity

import (
	"fmt"
	"sync"
	"time"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/logging"
)

// Node is one canonical principal, service or resource. Nodes are immutable
// once registered; per-node mutable state lives in the simulation attribute table.
type Node struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         domain.NodeKind   `json:"kind"`
	CreatedAt    *time.Time        `json:"created_at,omitempty"`
	Service      string            `json:"service,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// NodeSpec carries the attributes used when a node is first registered
type NodeSpec struct {
	Name         string
	CreatedAt    *time.Time
	Service      string
	ResourceType string
	Attributes   map[string]string
}

// Registry is a run-scoped table of nodes keyed by identifier. The first
// registration of an identifier wins; later attribute differences are ignored.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	order  []string
	frozen bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// GetOrCreate returns the node registered for id, registering a new one from
// spec when absent. A frozen registry only resolves existing identifiers.
func (r *Registry) GetOrCreate(kind domain.NodeKind, id string, spec NodeSpec) (*Node, error) {
	if id == "" {
		return nil, &domain.MalformedInputError{Field: "identifier", Message: "empty identifier"}
	}
	if !kind.IsValid() {
		return nil, &domain.MalformedInputError{Field: "kind", Message: fmt.Sprintf("unknown node kind %q for %s", kind, id)}
	}

	r.mu.RLock()
	existing, ok := r.nodes[id]
	r.mu.RUnlock()
	if ok {
		return r.reuse(existing, kind), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[id]; ok {
		return r.reuse(existing, kind), nil
	}
	if r.frozen {
		return nil, fmt.Errorf("registry is frozen: cannot register %s %s", kind, id)
	}

	node := &Node{
		ID:           id,
		Name:         spec.Name,
		Kind:         kind,
		CreatedAt:    spec.CreatedAt,
		Service:      spec.Service,
		ResourceType: spec.ResourceType,
		Attributes:   copyAttributes(spec.Attributes),
	}
	if node.Name == "" {
		node.Name = DisplayName(id)
	}
	r.nodes[id] = node
	r.order = append(r.order, id)

	logging.LogDebug(fmt.Sprintf("Registered %s node", kind), map[string]interface{}{
		"node": id,
		"kind": string(kind),
	})
	return node, nil
}

func (r *Registry) reuse(existing *Node, kind domain.NodeKind) *Node {
	if existing.Kind != kind {
		logging.LogWarn("Identifier re-registered with a different kind, keeping first registration", map[string]interface{}{
			"node":      existing.ID,
			"kind":      string(existing.Kind),
			"requested": string(kind),
		})
	}
	return existing
}

// Register adds an already built node, keeping any node registered earlier
// under the same identifier
func (r *Registry) Register(node *Node) (*Node, error) {
	if node == nil {
		return nil, &domain.MalformedInputError{Field: "node", Message: "nil node"}
	}
	return r.GetOrCreate(node.Kind, node.ID, NodeSpec{
		Name:         node.Name,
		CreatedAt:    node.CreatedAt,
		Service:      node.Service,
		ResourceType: node.ResourceType,
		Attributes:   node.Attributes,
	})
}

// Lookup returns the node registered for id
func (r *Registry) Lookup(id string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	return node, ok
}

// Nodes returns every node in registration order
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Node, 0, len(r.order))
	for _, id := range r.order {
		nodes = append(nodes, r.nodes[id])
	}
	return nodes
}

// Len returns the number of registered nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Freeze makes the registry read-only. It is called before simulations share it.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func copyAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
