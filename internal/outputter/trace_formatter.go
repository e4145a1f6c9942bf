package outputter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cloudguardian/internal/identity"
	"cloudguardian/internal/simulation"
)

// FormatTrace renders every transition of a simulation trace
func FormatTrace(trace *simulation.Trace) string {
	var sb strings.Builder

	sb.WriteString(strings.Repeat("═", 79))
	sb.WriteString(fmt.Sprintf("\n🧭 SIMULATION TRACE %s: %d transition(s)\n", trace.ID, trace.Len()))
	sb.WriteString(strings.Repeat("═", 79))
	sb.WriteString("\n")

	if trace.Len() == 0 {
		sb.WriteString("      (no transitions)\n")
		return sb.String()
	}
	for i, tr := range trace.Transitions {
		sb.WriteString(FormatTransition(i+1, tr))
	}
	return sb.String()
}

// FormatTransition renders one transition with its parameters in key order
func FormatTransition(num int, tr simulation.Transition) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("\nSTEP %d: %s by %s  (v%d → v%d)\n",
		num, tr.Action, identity.DisplayName(tr.Entity), tr.SourceVersion, tr.TargetVersion))

	keys := make([]string, 0, len(tr.Parameters))
	for k := range tr.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("      • %s = %s\n", k, tr.Parameters[k]))
	}
	if tr.Created != "" {
		sb.WriteString(fmt.Sprintf("      └─ created %s\n", tr.Created))
	}
	return sb.String()
}

// FormatAvailableActions lists the action kinds an entity may take next
func FormatAvailableActions(entity string, actions []string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("🎯 Available actions for %s: %d\n", identity.DisplayName(entity), len(actions)))
	if len(actions) == 0 {
		sb.WriteString("      (none)\n")
	}
	for _, a := range actions {
		sb.WriteString(fmt.Sprintf("      • %s\n", a))
	}
	return sb.String()
}

// FormatAttributes renders the per-node attribute table of a state
func FormatAttributes(state *simulation.State) string {
	var sb strings.Builder

	nodes := state.AttributeNodes()
	sb.WriteString(fmt.Sprintf("🏷️  Attributes at version %d: %d node(s)\n", state.Version, len(nodes)))
	for _, id := range nodes {
		attrs := state.Attributes[id]
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(fmt.Sprintf("   %s\n", id))
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("      • %s = %s\n", k, attrs[k]))
		}
	}
	return sb.String()
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
}
