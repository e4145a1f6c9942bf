package permission

import (
	"fmt"
	"sort"
	"sync"

	"cloudguardian/internal/domain"
)

// Store interns permissions by content hash so identical grants share one instance
type Store struct {
	mu          sync.RWMutex
	permissions map[string]*Permission
	order       []string
}

// NewStore creates an empty permission store
func NewStore() *Store {
	return &Store{permissions: make(map[string]*Permission)}
}

// GetOrCreate returns the canonical permission for the given content
func (s *Store) GetOrCreate(action Action, effect domain.Effect, conditions []*Condition, rank domain.Rank) (*Permission, error) {
	if action == "" {
		return nil, &domain.MalformedInputError{Field: "Action", Message: "empty action pattern"}
	}
	if _, err := ParseEffect(string(effect)); err != nil {
		return nil, err
	}
	if rank != domain.RankMonadic && rank != domain.RankDyadic {
		return nil, &domain.MalformedInputError{Field: "rank", Message: fmt.Sprintf("unknown rank %q", rank)}
	}

	id := Key(action, effect, conditions, rank)

	s.mu.RLock()
	existing, ok := s.permissions[id]
	s.mu.RUnlock()
	if ok {
		return existing, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.permissions[id]; ok {
		return existing, nil
	}

	p := &Permission{
		ID:         id,
		Action:     action,
		Effect:     effect,
		Conditions: canonicalConditions(conditions),
		Rank:       rank,
	}
	s.permissions[id] = p
	s.order = append(s.order, id)
	return p, nil
}

// Get returns the interned permission with the given id
func (s *Store) Get(id string) (*Permission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[id]
	return p, ok
}

// Len returns the number of distinct permissions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// All returns every interned permission sorted by action pattern then id
func (s *Store) All() []*Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Permission, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.permissions[id])
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Action != all[j].Action {
			return all[i].Action < all[j].Action
		}
		return all[i].ID < all[j].ID
	})
	return all
}
