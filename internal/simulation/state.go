// Package simulation applies attacker actions to access graph snapshots. Every
// step works on a copy of the current state and records a transition, so a
// trace can be replayed against the initial graph to reproduce the result.
package simulation

import (
	"sort"

	"cloudguardian/internal/graph"
)

// Well-known attribute keys written by the engine
const (
	AttrAssumedRole = "assumed_role"
	AttrSession     = "session"
)

// State is one simulation snapshot: a graph plus per-node attributes that are
// not representable as edges. States referenced by a trace are never mutated.
type State struct {
	Version    int                          `json:"version"`
	Graph      *graph.AccessGraph           `json:"-"`
	Attributes map[string]map[string]string `json:"attributes,omitempty"`
}

// NewState wraps a graph as version 0
func NewState(g *graph.AccessGraph) *State {
	return &State{Graph: g, Attributes: make(map[string]map[string]string)}
}

// Attribute returns the value of key on a node
func (s *State) Attribute(nodeID, key string) (string, bool) {
	v, ok := s.Attributes[nodeID][key]
	return v, ok
}

// SetAttribute sets key on a node
func (s *State) SetAttribute(nodeID, key, value string) {
	attrs, ok := s.Attributes[nodeID]
	if !ok {
		attrs = make(map[string]string)
		s.Attributes[nodeID] = attrs
	}
	attrs[key] = value
}

// RemoveAttribute deletes key from a node
func (s *State) RemoveAttribute(nodeID, key string) {
	attrs, ok := s.Attributes[nodeID]
	if !ok {
		return
	}
	delete(attrs, key)
	if len(attrs) == 0 {
		delete(s.Attributes, nodeID)
	}
}

// AssumedRole returns the role nodeID holds a session for
func (s *State) AssumedRole(nodeID string) (string, bool) {
	return s.Attribute(nodeID, AttrAssumedRole)
}

// IsAssumed reports whether some node holds a session for roleID
func (s *State) IsAssumed(roleID string) bool {
	for _, attrs := range s.Attributes {
		if attrs[AttrAssumedRole] == roleID {
			return true
		}
	}
	return false
}

// AttributeNodes returns the ids of nodes carrying attributes, sorted
func (s *State) AttributeNodes() []string {
	ids := make([]string, 0, len(s.Attributes))
	for id := range s.Attributes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy with the same version
func (s *State) Clone() *State {
	c := &State{
		Version:    s.Version,
		Graph:      s.Graph.Clone(),
		Attributes: make(map[string]map[string]string, len(s.Attributes)),
	}
	for id, attrs := range s.Attributes {
		copied := make(map[string]string, len(attrs))
		for k, v := range attrs {
			copied[k] = v
		}
		c.Attributes[id] = copied
	}
	return c
}
