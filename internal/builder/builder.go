// Package builder resolves normalized policy documents into an access graph,
// validating every relationship against the constraint table.
package builder

import (
	"fmt"
	"strings"
	"time"

	"cloudguardian/internal/constraints"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/graph"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/logging"
	"cloudguardian/internal/permission"
)

// Builder turns policy documents into an access graph. The registry and
// permission store are scoped to one graph-construction session.
type Builder struct {
	registry *identity.Registry
	table    *constraints.Table
	store    *permission.Store
}

// New creates a builder over a registry, constraint table and permission store
func New(registry *identity.Registry, table *constraints.Table, store *permission.Store) *Builder {
	return &Builder{registry: registry, table: table, store: store}
}

// Registry returns the builder's identity registry
func (b *Builder) Registry() *identity.Registry {
	return b.registry
}

// Table returns the builder's constraint table
func (b *Builder) Table() *constraints.Table {
	return b.table
}

// Store returns the builder's permission store
func (b *Builder) Store() *permission.Store {
	return b.store
}

// OperationBuild names Build in logs and metrics
const OperationBuild = "BuildAccessGraph"

// Build resolves the documents into a new access graph. Per-statement errors
// are collected in the report; the graph holds everything that resolved.
func (b *Builder) Build(docs *domain.PolicyDocuments) (*graph.AccessGraph, *Report) {
	start := time.Now()
	logging.LogOperationStart(OperationBuild, map[string]interface{}{
		"users":             len(docs.Users),
		"groups":            len(docs.Groups),
		"roles":             len(docs.Roles),
		"identity_policies": len(docs.IdentityPolicies),
		"resource_policies": len(docs.ResourcePolicies),
	})

	g := graph.New()
	report := &Report{}

	b.registerDeclared(g, docs, report)
	b.resolveTrust(g, docs.Roles, report)
	b.resolveMembership(g, docs, report)
	b.resolveIdentityPolicies(g, docs, report)
	b.resolveResourcePolicies(g, docs.ResourcePolicies, report)

	report.Nodes = g.NodeCount()
	duration := time.Since(start)
	ok := len(report.Errors) == 0
	logging.LogOperationEnd(OperationBuild, duration, ok, report.Nodes, report.Relationships, report.Err())
	logging.GetMetrics().RecordOperation(OperationBuild, duration, ok, report.Nodes, report.Relationships, report.Err())
	if len(report.Errors) > 0 {
		logging.LogWarn(fmt.Sprintf("Access graph built with %d resolution errors", len(report.Errors)), map[string]interface{}{
			"operation": OperationBuild,
			"errors":    len(report.Errors),
		})
	}
	return g, report
}

// Step 1: every declared principal, resource and managed policy
func (b *Builder) registerDeclared(g *graph.AccessGraph, docs *domain.PolicyDocuments, report *Report) {
	for _, u := range docs.Users {
		b.declare(g, domain.NodeKindUser, u.Arn, u.UserName, u.CreateDate, "", "", report)
	}
	for _, gr := range docs.Groups {
		b.declare(g, domain.NodeKindGroup, gr.Arn, gr.GroupName, gr.CreateDate, "", "", report)
	}
	for _, r := range docs.Roles {
		b.declare(g, domain.NodeKindRole, r.Arn, r.RoleName, r.CreateDate, "", "", report)
	}
	for _, rp := range docs.ResourcePolicies {
		id := rp.ResourceArn
		service, resourceType := rp.Service, rp.ResourceType
		if c, err := identity.Classify(id); err == nil {
			id = c.ID
			if service == "" {
				service = c.Service
			}
			if resourceType == "" {
				resourceType = c.ResourceType
			}
		}
		b.declare(g, domain.NodeKindResource, id, rp.ResourceName, rp.CreateDate, service, resourceType, report)
	}
	for i := range docs.IdentityPolicies {
		policy := docs.IdentityPolicies[i]
		if policy.PolicyArn == "" {
			report.add(&domain.MalformedInputError{Field: "PolicyArn", Message: fmt.Sprintf("managed policy %q without ARN", policy.PolicyName)})
			continue
		}
		g.SetPolicy(&policy)
	}
}

func (b *Builder) declare(g *graph.AccessGraph, kind domain.NodeKind, id, name, created, service, resourceType string, report *Report) {
	if id == "" {
		report.add(&domain.MalformedInputError{Field: "Arn", Message: fmt.Sprintf("%s %q without identifier", kind, name)})
		return
	}
	node, err := b.registry.GetOrCreate(kind, id, identity.NodeSpec{
		Name:         name,
		CreatedAt:    parseCreateDate(created),
		Service:      service,
		ResourceType: resourceType,
	})
	if err != nil {
		report.add(fmt.Errorf("failed to register %s %s: %w", kind, id, err))
		return
	}
	g.AddNode(node)
}

// Step 2: trust statements become CanAssumeRole edges
func (b *Builder) resolveTrust(g *graph.AccessGraph, roles []domain.RoleRecord, report *Report) {
	for _, role := range roles {
		if role.AssumeRolePolicyDocument == nil || !g.HasNode(role.Arn) {
			continue
		}
		for _, stmt := range role.AssumeRolePolicyDocument.Statement {
			if stmt.Effect != string(domain.EffectAllow) {
				continue
			}
			for _, ref := range stmt.Principals() {
				principal, err := b.principalNode(g, ref)
				if err != nil {
					report.add(fmt.Errorf("trust policy of %s: %w", role.Arn, err))
					continue
				}
				_, err = b.connect(g, domain.RelCanAssumeRole, principal.ID, role.Arn, nil, report)
				report.add(err)
			}
		}
	}
}

// Step 3: group member lists become IsPartOf edges
func (b *Builder) resolveMembership(g *graph.AccessGraph, docs *domain.PolicyDocuments, report *Report) {
	usersByName := make(map[string]string, len(docs.Users))
	for _, u := range docs.Users {
		usersByName[u.UserName] = u.Arn
	}

	for _, group := range docs.Groups {
		if !g.HasNode(group.Arn) {
			continue
		}
		for _, member := range group.Users {
			memberID := member.UserArn
			if memberID == "" {
				memberID = usersByName[member.UserName]
			}
			if memberID == "" {
				report.add(&domain.MalformedInputError{Field: "Users", Message: fmt.Sprintf("member %q of %s is not a known user", member.UserName, group.Arn)})
				continue
			}
			if !g.HasNode(memberID) {
				if _, err := b.materialize(g, memberID); err != nil {
					report.add(fmt.Errorf("member of %s: %w", group.Arn, err))
					continue
				}
			}
			_, err := b.connect(g, domain.RelIsPartOf, memberID, group.Arn, nil, report)
			report.add(err)
		}
	}
}

// Step 4: identity-based policies, attached to the principal that declares them
func (b *Builder) resolveIdentityPolicies(g *graph.AccessGraph, docs *domain.PolicyDocuments, report *Report) {
	type attachment struct {
		principal string
		ref       domain.PolicyRef
	}
	attachments := make([]attachment, 0)
	for _, u := range docs.Users {
		for _, ref := range u.AttachedPolicies {
			attachments = append(attachments, attachment{u.Arn, ref})
		}
	}
	for _, gr := range docs.Groups {
		for _, ref := range gr.AttachedPolicies {
			attachments = append(attachments, attachment{gr.Arn, ref})
		}
	}
	for _, r := range docs.Roles {
		for _, ref := range r.AttachedPolicies {
			attachments = append(attachments, attachment{r.Arn, ref})
		}
	}

	for _, a := range attachments {
		if !g.HasNode(a.principal) {
			continue
		}
		policy, ok := g.Policy(a.ref.PolicyArn)
		if !ok && a.ref.PolicyArn == "" {
			policy, ok = g.PolicyByName(a.ref.PolicyName)
		}
		if !ok {
			report.add(&domain.MalformedInputError{
				Field:   "AttachedPolicies",
				Message: fmt.Sprintf("policy %s attached to %s has no document", refLabel(a.ref), a.principal),
			})
			continue
		}
		b.attachPolicy(g, a.principal, policy, report)
	}
}

// Step 5: resource-based policies grant the named principals access to the
// declaring resource
func (b *Builder) resolveResourcePolicies(g *graph.AccessGraph, policies []domain.ResourcePolicy, report *Report) {
	for _, rp := range policies {
		resourceID := rp.ResourceArn
		if c, err := identity.Classify(resourceID); err == nil {
			resourceID = c.ID
		}
		if !g.HasNode(resourceID) {
			continue
		}
		for i, stmt := range rp.PolicyDocument.Statement {
			perms, err := permission.FromStatement(b.store, b.table, stmt, domain.RankDyadic)
			if err != nil {
				report.add(fmt.Errorf("resource policy of %s statement %d: %w", resourceID, i, err))
				continue
			}
			refs := stmt.Principals()
			if len(refs) == 0 {
				report.add(&domain.MalformedInputError{Field: "Principal", Message: fmt.Sprintf("resource policy of %s statement %d has no principal", resourceID, i)})
				continue
			}
			for _, ref := range refs {
				principal, err := b.principalNode(g, ref)
				if err != nil {
					report.add(fmt.Errorf("resource policy of %s: %w", resourceID, err))
					continue
				}
				for _, p := range perms {
					_, err := b.connect(g, domain.RelHasPermissionToResource, principal.ID, resourceID, p, report)
					report.add(err)
				}
			}
		}
	}
}

// AttachPolicy expands a managed policy's statements onto a principal already
// in the graph. It returns the joined resolution errors.
func (b *Builder) AttachPolicy(g *graph.AccessGraph, principalID string, policy *domain.ManagedPolicy) (*Report, error) {
	report := &Report{}
	if !g.HasNode(principalID) {
		return report, fmt.Errorf("principal %s not in graph", principalID)
	}
	b.attachPolicy(g, principalID, policy, report)
	return report, report.Err()
}

func (b *Builder) attachPolicy(g *graph.AccessGraph, principalID string, policy *domain.ManagedPolicy, report *Report) {
	for i, stmt := range policy.PolicyDocument.Statement {
		resources := stmt.Resources()
		if len(resources) == 0 {
			report.add(&domain.MalformedInputError{Field: "Resource", Message: fmt.Sprintf("policy %s statement %d has no resource", policy.PolicyName, i)})
			continue
		}

		if containsString(resources, "*") {
			perms, err := permission.FromStatement(b.store, b.table, stmt, domain.RankMonadic)
			if err != nil {
				report.add(fmt.Errorf("policy %s statement %d: %w", policy.PolicyName, i, err))
				continue
			}
			for _, p := range perms {
				_, err := b.connect(g, domain.RelHasPermission, principalID, principalID, p, report)
				report.add(err)
			}
			continue
		}

		perms, err := permission.FromStatement(b.store, b.table, stmt, domain.RankDyadic)
		if err != nil {
			report.add(fmt.Errorf("policy %s statement %d: %w", policy.PolicyName, i, err))
			continue
		}
		for _, resource := range resources {
			targets, err := b.resolveTargets(g, resource)
			if err != nil {
				report.add(fmt.Errorf("policy %s statement %d: %w", policy.PolicyName, i, err))
				continue
			}
			for _, target := range targets {
				for _, p := range perms {
					_, err := b.connect(g, domain.RelHasPermissionToResource, principalID, target, p, report)
					report.add(err)
				}
			}
		}
	}
}

// resolveTargets maps a statement's Resource entry onto graph nodes. Exact
// identifiers are materialized lazily; wildcard patterns match every
// principal or resource node already in the graph.
func (b *Builder) resolveTargets(g *graph.AccessGraph, resource string) ([]string, error) {
	pattern := resource
	if c, err := identity.Classify(resource); err == nil {
		pattern = c.ID
	}

	if !strings.ContainsAny(pattern, "*?") {
		node, err := b.materialize(g, resource)
		if err != nil {
			return nil, err
		}
		return []string{node.ID}, nil
	}

	targets := make([]string, 0)
	for _, n := range g.Nodes(domain.NodeKindUser, domain.NodeKindGroup, domain.NodeKindRole, domain.NodeKindResource) {
		if permission.MatchesPattern(pattern, n.ID) || permission.MatchesPattern(resource, n.ID) {
			targets = append(targets, n.ID)
		}
	}
	if len(targets) == 0 {
		return nil, &domain.MalformedInputError{Field: "Resource", Message: fmt.Sprintf("no node matches %s", resource)}
	}
	return targets, nil
}

// principalNode materializes the node for one entry of a Principal block
func (b *Builder) principalNode(g *graph.AccessGraph, ref domain.PrincipalRef) (*identity.Node, error) {
	c, err := identity.NormalizePrincipal(ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	return b.place(g, c)
}

// Materialize returns the graph node for an identifier, adding it to g when
// absent
func (b *Builder) Materialize(g *graph.AccessGraph, id string) (*identity.Node, error) {
	return b.materialize(g, id)
}

// materialize returns the graph node for an identifier, registering it lazily
// at first reference. Identifiers that are not ARNs name plain resources.
func (b *Builder) materialize(g *graph.AccessGraph, id string) (*identity.Node, error) {
	c, err := identity.Classify(id)
	if err != nil {
		if strings.HasPrefix(id, "arn:") {
			return nil, err
		}
		c = identity.Classification{ID: id, Kind: domain.NodeKindResource, Name: id}
	}
	return b.place(g, c)
}

// place puts a classified node into the graph. Once the registry is frozen,
// nodes first seen here live only in this graph.
func (b *Builder) place(g *graph.AccessGraph, c identity.Classification) (*identity.Node, error) {
	if n, ok := g.Node(c.ID); ok {
		return n, nil
	}
	if n, ok := b.registry.Lookup(c.ID); ok {
		g.AddNode(n)
		return n, nil
	}

	var node *identity.Node
	if b.registry.Frozen() {
		node = &identity.Node{ID: c.ID, Name: c.Name, Kind: c.Kind, Service: c.Service, ResourceType: c.ResourceType}
		if node.Name == "" {
			node.Name = identity.DisplayName(c.ID)
		}
	} else {
		var err error
		node, err = b.registry.GetOrCreate(c.Kind, c.ID, c.Spec())
		if err != nil {
			return nil, err
		}
	}
	g.AddNode(node)
	return node, nil
}

func parseCreateDate(v string) *time.Time {
	if v == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05-07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}

func refLabel(ref domain.PolicyRef) string {
	if ref.PolicyArn != "" {
		return ref.PolicyArn
	}
	return ref.PolicyName
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
