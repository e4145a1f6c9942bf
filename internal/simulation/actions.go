package simulation

import (
	"encoding/json"
	"fmt"
	"strings"

	"cloudguardian/internal/constraints"
	"cloudguardian/internal/domain"
)

const policyVersion = "2012-10-17"

func createUser(c *stepContext) error {
	if err := c.authorize(nil); err != nil {
		return err
	}
	name := c.params["user_name"]

	id := c.recorded
	if id == "" {
		if p := c.provider(); p != nil {
			created, err := p.CreateUser(c.ctx, name)
			if err != nil {
				return err
			}
			id = created
		} else {
			var err error
			if id, err = c.iamARN("user", name); err != nil {
				return err
			}
		}
	}
	_, err := c.place(id, domain.NodeKindUser)
	return err
}

func createGroup(c *stepContext) error {
	if err := c.authorize(nil); err != nil {
		return err
	}
	name := c.params["group_name"]

	id := c.recorded
	if id == "" {
		if p := c.provider(); p != nil {
			created, err := p.CreateGroup(c.ctx, name)
			if err != nil {
				return err
			}
			id = created
		} else {
			var err error
			if id, err = c.iamARN("group", name); err != nil {
				return err
			}
		}
	}
	_, err := c.place(id, domain.NodeKindGroup)
	return err
}

// createRole creates a role trusting the optional "trusted_principal"
// parameter, or the acting entity when it is absent
func createRole(c *stepContext) error {
	if err := c.authorize(nil); err != nil {
		return err
	}
	name := c.params["role_name"]
	trusted := c.params["trusted_principal"]
	if trusted == "" {
		trusted = c.entity.ID
	}

	id := c.recorded
	if id == "" {
		if p := c.provider(); p != nil {
			trust, err := json.Marshal(domain.PolicyDocument{
				Version: policyVersion,
				Statement: []domain.Statement{{
					Effect:    string(domain.EffectAllow),
					Action:    "sts:AssumeRole",
					Principal: map[string]interface{}{"AWS": trusted},
				}},
			})
			if err != nil {
				return fmt.Errorf("failed to marshal trust policy: %w", err)
			}
			created, err := p.CreateRole(c.ctx, name, string(trust))
			if err != nil {
				return err
			}
			id = created
		} else {
			var err error
			if id, err = c.iamARN("role", name); err != nil {
				return err
			}
		}
	}

	role, err := c.place(id, domain.NodeKindRole)
	if err != nil {
		return err
	}
	principal, err := c.engine.builder.Materialize(c.next.Graph, trusted)
	if err != nil {
		return err
	}
	_, err = c.engine.builder.Connect(c.next.Graph, domain.RelCanAssumeRole, principal.ID, role.ID, nil)
	return err
}

// createPolicy creates a managed policy allowing the comma-separated
// "actions" on the optional "resource" parameter, "*" when absent
func createPolicy(c *stepContext) error {
	if err := c.authorize(nil); err != nil {
		return err
	}
	name := c.params["policy_name"]
	actions := splitList(c.params["actions"])
	if len(actions) == 0 {
		return &domain.MalformedInputError{Field: "actions", Message: "policy without actions"}
	}
	resource := c.params["resource"]
	if resource == "" {
		resource = "*"
	}
	if _, exists := c.current.Graph.PolicyByName(name); exists {
		return &domain.MalformedInputError{Field: "policy_name", Message: fmt.Sprintf("policy %s already exists", name)}
	}

	document := domain.PolicyDocument{
		Version: policyVersion,
		Statement: []domain.Statement{{
			Effect:   string(domain.EffectAllow),
			Action:   actions,
			Resource: resource,
		}},
	}

	id := c.recorded
	if id == "" {
		if p := c.provider(); p != nil {
			raw, err := json.Marshal(document)
			if err != nil {
				return fmt.Errorf("failed to marshal policy document: %w", err)
			}
			created, err := p.CreatePolicy(c.ctx, name, string(raw))
			if err != nil {
				return err
			}
			id = created
		} else {
			var err error
			if id, err = c.iamARN("policy", name); err != nil {
				return err
			}
		}
	}

	if _, err := c.place(id, domain.NodeKindResource); err != nil {
		return err
	}
	c.next.Graph.SetPolicy(&domain.ManagedPolicy{PolicyName: name, PolicyArn: id, PolicyDocument: document})
	return nil
}

func attachUserPolicy(c *stepContext) error {
	user, err := c.existing("user_name", "user", domain.NodeKindUser)
	if err != nil {
		return err
	}
	ref := c.params["policy_name"]
	policy, ok := c.current.Graph.Policy(ref)
	if !ok {
		policy, ok = c.current.Graph.PolicyByName(ref)
	}
	if !ok {
		return &domain.MalformedInputError{Field: "policy_name", Message: fmt.Sprintf("policy %s is not known", ref)}
	}
	if err := c.authorize(user); err != nil {
		return err
	}

	if p := c.provider(); p != nil {
		if err := p.AttachUserPolicy(c.ctx, user.Name, policy.PolicyArn); err != nil {
			return err
		}
	}
	_, err = c.engine.builder.AttachPolicy(c.next.Graph, user.ID, policy)
	return err
}

func addUserToGroup(c *stepContext) error {
	user, err := c.existing("user_name", "user", domain.NodeKindUser)
	if err != nil {
		return err
	}
	group, err := c.existing("group_name", "group", domain.NodeKindGroup)
	if err != nil {
		return err
	}
	if err := c.authorize(group); err != nil {
		return err
	}

	if p := c.provider(); p != nil {
		if err := p.AddUserToGroup(c.ctx, user.Name, group.Name); err != nil {
			return err
		}
	}
	_, err = c.engine.builder.Connect(c.next.Graph, domain.RelIsPartOf, user.ID, group.ID, nil)
	return err
}

// assumeRole needs a trust relationship from the entity to the role; no
// permission grant is consulted
func assumeRole(c *stepContext) error {
	roleID, err := c.iamARN("role", c.params["role_arn"])
	if err != nil {
		return err
	}
	role, ok := c.current.Graph.Node(roleID)
	if !ok {
		return c.notAllowed(roleID, "role does not exist")
	}
	if !c.engine.table.IsAllowed(constraints.Kind(c.entity.Kind), constraints.Kind(role.Kind), c.rule.Action) {
		return c.notAllowed(roleID, fmt.Sprintf("a %s cannot assume a %s", c.entity.Kind, role.Kind))
	}
	trusted := false
	for _, rel := range c.current.Graph.RelationshipsBetween(c.entity.ID, roleID) {
		if rel.Kind == domain.RelCanAssumeRole {
			trusted = true
			break
		}
	}
	if !trusted {
		return c.notAllowed(roleID, "no trust relationship")
	}

	session := c.recorded
	if session == "" {
		if p := c.provider(); p != nil {
			assumed, err := p.AssumeRole(c.ctx, roleID, c.engine.session)
			if err != nil {
				return err
			}
			session = assumed
		}
	}

	c.next.SetAttribute(c.entity.ID, AttrAssumedRole, roleID)
	if session != "" {
		c.next.SetAttribute(c.entity.ID, AttrSession, session)
		c.created = session
	}
	return nil
}

// modifyAttribute sets an attribute on any node; an empty value removes it.
// Entities may change their own attributes without a grant.
func modifyAttribute(c *stepContext) error {
	targetID := c.params["target"]
	target, ok := c.current.Graph.Node(targetID)
	if !ok {
		return &domain.MalformedInputError{Field: "target", Message: fmt.Sprintf("%s is not in the graph", targetID)}
	}
	if target.ID != c.entity.ID {
		if err := c.authorize(target); err != nil {
			return err
		}
	}

	key, value := c.params["key"], c.params["value"]
	if reservedAttributes[key] {
		return &domain.MalformedInputError{Field: "key", Message: fmt.Sprintf("%s is maintained by AssumeRole", key)}
	}
	if value == "" {
		c.next.RemoveAttribute(target.ID, key)
		return nil
	}
	c.next.SetAttribute(target.ID, key, value)
	return nil
}

// reservedAttributes are written only by the engine
var reservedAttributes = map[string]bool{AttrAssumedRole: true, AttrSession: true}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
