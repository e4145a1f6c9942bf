package permission

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"cloudguardian/internal/domain"
)

// Permission is an immutable grant: action, effect, an ordered set of
// conditions and a rank. Permissions are interned by Store, so pointer
// equality implies structural equality.
type Permission struct {
	ID         string        `json:"id"`
	Action     Action        `json:"action"`
	Effect     domain.Effect `json:"effect"`
	Conditions []*Condition  `json:"conditions,omitempty"`
	Rank       domain.Rank   `json:"rank"`
}

// IsGranted is true iff the effect is Allow and every condition holds for ctx
func (p *Permission) IsGranted(ctx Context) bool {
	return p.Effect == domain.EffectAllow && p.Applies(ctx)
}

// Applies reports whether every condition holds for ctx, regardless of effect.
// An explicit Deny blocks a request when it applies.
func (p *Permission) Applies(ctx Context) bool {
	for _, c := range p.Conditions {
		if !c.Evaluate(ctx) {
			return false
		}
	}
	return true
}

// Covers reports whether the permission's action pattern matches actionName
func (p *Permission) Covers(actionName string) bool {
	return p.Action.Matches(actionName)
}

func (p *Permission) String() string {
	s := fmt.Sprintf("%s %s [%s]", p.Effect, p.Action, p.Rank)
	if len(p.Conditions) > 0 {
		parts := make([]string, 0, len(p.Conditions))
		for _, c := range p.Conditions {
			parts = append(parts, c.String())
		}
		s += " if " + strings.Join(parts, " && ")
	}
	return s
}

// ParseEffect parses a statement's Effect field
func ParseEffect(s string) (domain.Effect, error) {
	switch domain.Effect(s) {
	case domain.EffectAllow:
		return domain.EffectAllow, nil
	case domain.EffectDeny:
		return domain.EffectDeny, nil
	default:
		return "", &domain.MalformedInputError{Field: "Effect", Message: fmt.Sprintf("unknown effect %q", s)}
	}
}

// Key computes the content address of a permission: a blake3 hash over the
// action pattern, effect, sorted condition forms and rank
func Key(action Action, effect domain.Effect, conditions []*Condition, rank domain.Rank) string {
	forms := conditionForms(conditions)

	h := blake3.New()
	for _, part := range []string{string(action), string(effect), string(rank)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, form := range forms {
		h.Write([]byte(form))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalConditions sorts conditions by their canonical form and drops duplicates
func canonicalConditions(conditions []*Condition) []*Condition {
	if len(conditions) == 0 {
		return nil
	}
	sorted := make([]*Condition, 0, len(conditions))
	seen := make(map[string]bool, len(conditions))
	for _, c := range conditions {
		if c == nil {
			continue
		}
		form := c.String()
		if seen[form] {
			continue
		}
		seen[form] = true
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})
	return sorted
}

func conditionForms(conditions []*Condition) []string {
	forms := make([]string, 0, len(conditions))
	for _, c := range canonicalConditions(conditions) {
		forms = append(forms, c.String())
	}
	return forms
}
