package outputter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloudguardian/internal/builder"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/escalation"
	"cloudguardian/internal/graph"
	"cloudguardian/internal/identity"
)

// GetKindIcon returns the display icon for a node kind
func GetKindIcon(kind domain.NodeKind) string {
	switch kind {
	case domain.NodeKindUser:
		return "👤"
	case domain.NodeKindGroup:
		return "👥"
	case domain.NodeKindRole:
		return "🔐"
	case domain.NodeKindService:
		return "⚙️"
	case domain.NodeKindResource:
		return "💎"
	default:
		return "❓"
	}
}

// FormatNode renders a node as icon, name and kind
func FormatNode(n *identity.Node) string {
	return fmt.Sprintf("%s %s (%s)", GetKindIcon(n.Kind), n.Name, n.Kind)
}

// FormatSummary renders the graph contents and the build report
func FormatSummary(summary graph.Summary, report *builder.Report, duration time.Duration) string {
	var sb strings.Builder

	sb.WriteString(strings.Repeat("═", 79))
	sb.WriteString("\n📊 ACCESS GRAPH SUMMARY")
	if duration > 0 {
		sb.WriteString(fmt.Sprintf(" ⏱️  %s", FormatDuration(duration)))
	}
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("═", 79))
	sb.WriteString("\n\nNodes:\n")
	for _, kind := range domain.AllNodeKinds {
		sb.WriteString(fmt.Sprintf("   %s %-10s %d\n", GetKindIcon(kind), kind, summary.Nodes[kind]))
	}

	sb.WriteString("\nRelationships:\n")
	for _, kind := range domain.AllRelationshipKinds {
		sb.WriteString(fmt.Sprintf("   • %-24s %d\n", kind, summary.Relationships[kind]))
	}
	sb.WriteString(fmt.Sprintf("\nDistinct permissions: %d\n", summary.Permissions))
	sb.WriteString(fmt.Sprintf("Managed policies:     %d\n", summary.Policies))

	if report != nil {
		sb.WriteString(fmt.Sprintf("\nBuild: %s\n", report.String()))
		if len(report.Errors) > 0 {
			sb.WriteString("\n⚠️  Statements skipped:\n")
			for _, msg := range report.Messages() {
				sb.WriteString(fmt.Sprintf("   • %s\n", msg))
			}
		}
	}
	return sb.String()
}

// FormatReachability lists the nodes reachable from source grouped by kind
func FormatReachability(source *identity.Node, reachable []*identity.Node) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("🔎 Reachable from %s: %d node(s)\n", FormatNode(source), len(reachable)))
	if len(reachable) == 0 {
		sb.WriteString("      (none)\n")
		return sb.String()
	}

	byKind := make(map[domain.NodeKind][]*identity.Node)
	for _, n := range reachable {
		byKind[n.Kind] = append(byKind[n.Kind], n)
	}
	for _, kind := range domain.AllNodeKinds {
		nodes := byKind[kind]
		if len(nodes) == 0 {
			continue
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
		sb.WriteString(fmt.Sprintf("\n   %s %s (%d)\n", GetKindIcon(kind), kind, len(nodes)))
		for _, n := range nodes {
			sb.WriteString(fmt.Sprintf("      • %s\n", n.ID))
		}
	}
	return sb.String()
}

// FormatPath renders a node path as a compact flow with the relationship that
// links each hop
func FormatPath(g *graph.AccessGraph, path []string) string {
	if len(path) == 0 {
		return "(no path)"
	}

	var sb strings.Builder
	for i, id := range path {
		if i > 0 {
			sb.WriteString(fmt.Sprintf(" -[%s]-> ", edgeLabel(g, path[i-1], id)))
		}
		if n, ok := g.Node(id); ok {
			sb.WriteString(fmt.Sprintf("%s %s", GetKindIcon(n.Kind), n.Name))
		} else {
			sb.WriteString(id)
		}
	}
	return sb.String()
}

// edgeLabel picks the most telling relationship between two adjacent nodes:
// membership and trust first, then the first allowed permission
func edgeLabel(g *graph.AccessGraph, source, target string) string {
	rels := g.RelationshipsBetween(source, target)
	labels := make([]string, 0, len(rels))
	for _, rel := range rels {
		if rel.Permission == nil {
			return string(rel.Kind)
		}
		if rel.Permission.Effect == domain.EffectAllow {
			labels = append(labels, string(rel.Permission.Action))
		}
	}
	if len(labels) == 0 {
		return "?"
	}
	sort.Strings(labels)
	if len(labels) > 1 {
		return fmt.Sprintf("%s +%d", labels[0], len(labels)-1)
	}
	return labels[0]
}

// FormatGrants lists effective permissions, marking those held through a group
func FormatGrants(entity string, grants []graph.Grant) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("🔑 Effective permissions of %s: %d\n", identity.DisplayName(entity), len(grants)))
	for _, grant := range grants {
		target := grant.Target
		if target == "" {
			target = "*"
		}
		via := ""
		if grant.Holder != entity {
			via = fmt.Sprintf("  (via %s)", identity.DisplayName(grant.Holder))
		}
		sb.WriteString(fmt.Sprintf("   %-5s %-32s → %s%s\n", grant.Permission.Effect, grant.Permission.Action, target, via))
	}
	return sb.String()
}

// DisplayHeader prints a section banner
func DisplayHeader(title string) {
	if title != "" {
		fmt.Println("\n" + strings.Repeat("═", 79))
		fmt.Println(title)
	}
	fmt.Println(strings.Repeat("═", 79))
}

// SaveJSON writes v as indented JSON, creating the parent directory
func SaveJSON(path string, v interface{}) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// FormatEscalation renders privilege escalation risks and lateral movement
func FormatEscalation(risks []escalation.EscalationRisk, moves []escalation.LateralMove) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("⚠️  Privilege escalation: %d principal(s)\n", len(risks)))
	if len(risks) == 0 {
		sb.WriteString("      (none)\n")
	}
	for _, r := range risks {
		sb.WriteString(fmt.Sprintf("   %s %s\n", GetKindIcon(r.Kind), r.Principal))
		sb.WriteString(fmt.Sprintf("      └─ %s\n", strings.Join(r.DangerousActions, ", ")))
	}

	sb.WriteString(fmt.Sprintf("\n↔️  Lateral movement: %d principal(s)\n", len(moves)))
	if len(moves) == 0 {
		sb.WriteString("      (none)\n")
	}
	for _, m := range moves {
		sb.WriteString(fmt.Sprintf("   %s %s\n", GetKindIcon(m.Kind), m.Principal))
		for _, role := range m.CanAssumeRoles {
			sb.WriteString(fmt.Sprintf("      • assume %s\n", role))
		}
		for _, role := range m.CanPassRoles {
			sb.WriteString(fmt.Sprintf("      • pass   %s\n", role))
		}
	}
	return sb.String()
}
