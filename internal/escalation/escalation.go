// Package escalation flags principals in an access graph that can widen their
// own access or move laterally into roles.
package escalation

import (
	"fmt"
	"sort"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/graph"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/logging"
	"cloudguardian/internal/permission"
)

// PrivilegeEscalationActions are dangerous IAM write actions
var PrivilegeEscalationActions = []string{
	"iam:PutRolePolicy",
	"iam:AttachRolePolicy",
	"iam:CreatePolicy",
	"iam:PutUserPolicy",
	"iam:AttachUserPolicy",
	"iam:UpdateAssumeRolePolicy",
	"iam:PutGroupPolicy",
	"iam:AttachGroupPolicy",
	"iam:CreateRole",
	"iam:CreateUser",
	"iam:AddUserToGroup",
}

const passRoleAction = "iam:PassRole"

// EscalationRisk is a principal allowed at least one escalation action
type EscalationRisk struct {
	Principal        string          `json:"principal"`
	Name             string          `json:"name"`
	Kind             domain.NodeKind `json:"kind"`
	DangerousActions []string        `json:"dangerous_actions"`
}

// LateralMove lists the roles a principal can reach by chaining trust
// relationships, and the roles it may pass to a service
type LateralMove struct {
	Principal      string          `json:"principal"`
	Name           string          `json:"name"`
	Kind           domain.NodeKind `json:"kind"`
	CanAssumeRoles []string        `json:"can_assume_roles"`
	CanPassRoles   []string        `json:"can_pass_roles,omitempty"`
}

// principals returns the users and roles of g in identifier order
func principals(g *graph.AccessGraph) []*identity.Node {
	nodes := g.Nodes(domain.NodeKindUser, domain.NodeKindRole)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// FindPrivilegeEscalation finds users and roles whose effective grants allow a
// dangerous IAM write action under ctx. Explicit denies are honoured.
func FindPrivilegeEscalation(g *graph.AccessGraph, ctx permission.Context) []EscalationRisk {
	logging.LogDebug("Finding principals with privilege escalation capabilities")

	risks := make([]EscalationRisk, 0)
	for _, n := range principals(g) {
		dangerousActions := make([]string, 0)
		for _, action := range PrivilegeEscalationActions {
			if g.Authorize(n.ID, action, "", ctx).Allowed {
				dangerousActions = append(dangerousActions, action)
			}
		}
		if len(dangerousActions) == 0 {
			continue
		}
		risks = append(risks, EscalationRisk{
			Principal:        n.ID,
			Name:             n.Name,
			Kind:             n.Kind,
			DangerousActions: dangerousActions,
		})
	}

	logging.LogDebug(fmt.Sprintf("Found %d principals with privilege escalation capabilities", len(risks)))
	return risks
}

// FindLateralMovement follows CanAssumeRole chains from each of sources, or
// from every user and role when sources is empty. Principals that reach no
// role are left out.
func FindLateralMovement(g *graph.AccessGraph, sources []string, ctx permission.Context) []LateralMove {
	var nodes []*identity.Node
	if len(sources) == 0 {
		nodes = principals(g)
	} else {
		for _, id := range sources {
			if n, ok := g.Node(id); ok {
				nodes = append(nodes, n)
			}
		}
	}
	logging.LogDebug(fmt.Sprintf("Finding lateral movement for %d principals", len(nodes)))

	roles := g.Nodes(domain.NodeKindRole)
	moves := make([]LateralMove, 0)
	for _, n := range nodes {
		assumable := assumableRoles(g, n.ID)

		passable := make([]string, 0)
		for _, role := range roles {
			if role.ID != n.ID && g.Authorize(n.ID, passRoleAction, role.ID, ctx).Allowed {
				passable = append(passable, role.ID)
			}
		}
		sort.Strings(passable)

		if len(assumable) == 0 && len(passable) == 0 {
			continue
		}
		moves = append(moves, LateralMove{
			Principal:      n.ID,
			Name:           n.Name,
			Kind:           n.Kind,
			CanAssumeRoles: assumable,
			CanPassRoles:   passable,
		})
	}

	logging.LogDebug(fmt.Sprintf("Found %d principals with lateral movement capabilities", len(moves)))
	return moves
}

// assumableRoles walks CanAssumeRole edges breadth first from id, including
// edges held by the groups id belongs to
func assumableRoles(g *graph.AccessGraph, id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	found := make([]string, 0)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		holders := append([]string{current}, g.Groups(current)...)
		for _, holder := range holders {
			for _, rel := range g.RelationshipsFrom(holder, domain.RelCanAssumeRole) {
				if seen[rel.Target] {
					continue
				}
				seen[rel.Target] = true
				found = append(found, rel.Target)
				queue = append(queue, rel.Target)
			}
		}
	}
	sort.Strings(found)
	return found
}
