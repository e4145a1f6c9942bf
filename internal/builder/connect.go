package builder

import (
	"fmt"

	"cloudguardian/internal/constraints"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/graph"
	"cloudguardian/internal/logging"
	"cloudguardian/internal/permission"
)

// Connect validates one relationship against the constraint table and commits
// it. It reports whether a new edge was created; an identical existing edge is
// not an error.
func (b *Builder) Connect(g *graph.AccessGraph, kind domain.RelationshipKind, source, target string, perm *permission.Permission) (bool, error) {
	return b.connect(g, kind, source, target, perm, &Report{})
}

// Validate checks a relationship against the constraint table without
// committing it
func (b *Builder) Validate(g *graph.AccessGraph, kind domain.RelationshipKind, source, target string, perm *permission.Permission) error {
	src, ok := g.Node(source)
	if !ok {
		return fmt.Errorf("source node %s not in graph", source)
	}
	tgt, ok := g.Node(target)
	if !ok {
		return fmt.Errorf("target node %s not in graph", target)
	}

	action := string(kind)
	var allowed bool
	switch kind {
	case domain.RelIsPartOf, domain.RelCanAssumeRole:
		allowed = b.table.IsAllowed(constraints.Kind(src.Kind), constraints.Kind(tgt.Kind), action)
	case domain.RelHasPermission:
		if perm == nil {
			return &domain.MalformedInputError{Field: action, Message: "monadic grant without a permission"}
		}
		action = perm.Action.String()
		allowed = source == target && b.table.AllowsPattern(constraints.Kind(src.Kind), nil, action)
	case domain.RelHasPermissionToResource:
		if perm == nil {
			return &domain.MalformedInputError{Field: action, Message: "dyadic grant without a permission"}
		}
		action = perm.Action.String()
		allowed = b.table.AllowsPattern(constraints.Kind(src.Kind), constraints.Kind(tgt.Kind), action)
	default:
		return &domain.ActionNotSupportedError{ActionID: action}
	}

	if !allowed {
		return &domain.ActionNotAllowedError{
			Source: source,
			Target: target,
			Action: action,
			Reason: fmt.Sprintf("%s -> %s is not permitted for %s", src.Kind, tgt.Kind, kind),
		}
	}
	return nil
}

func (b *Builder) connect(g *graph.AccessGraph, kind domain.RelationshipKind, source, target string, perm *permission.Permission, report *Report) (bool, error) {
	metrics := logging.GetMetrics()

	if err := b.Validate(g, kind, source, target, perm); err != nil {
		report.Rejected++
		metrics.RecordRelationship(string(kind), logging.OutcomeRejected)
		logging.LogRelationship(string(kind), source, target, logging.OutcomeRejected, err)
		return false, err
	}

	added, err := g.AddRelationship(&graph.Relationship{Kind: kind, Source: source, Target: target, Permission: perm})
	if err != nil {
		report.Rejected++
		metrics.RecordRelationship(string(kind), logging.OutcomeRejected)
		logging.LogRelationship(string(kind), source, target, logging.OutcomeRejected, err)
		return false, err
	}

	outcome := logging.OutcomeCreated
	if added {
		report.Relationships++
	} else {
		report.Duplicates++
		outcome = logging.OutcomeDuplicate
	}
	metrics.RecordRelationship(string(kind), outcome)
	logging.LogRelationship(string(kind), source, target, outcome, nil)
	return added, nil
}
