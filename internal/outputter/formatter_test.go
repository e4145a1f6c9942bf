package outputter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/escalation"
	"cloudguardian/internal/graph"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/simulation"
)

func node(kind domain.NodeKind, id, name string) *identity.Node {
	return &identity.Node{ID: id, Name: name, Kind: kind}
}

func TestFormatPathLabelsMembership(t *testing.T) {
	g := graph.New()
	alice := node(domain.NodeKindUser, "arn:aws:iam::123456789012:user/Alice", "Alice")
	admins := node(domain.NodeKindGroup, "arn:aws:iam::123456789012:group/Admins", "Admins")
	g.AddNode(alice)
	g.AddNode(admins)
	if _, err := g.AddRelationship(&graph.Relationship{Kind: domain.RelIsPartOf, Source: alice.ID, Target: admins.ID}); err != nil {
		t.Fatalf("AddRelationship() error = %v", err)
	}

	got := FormatPath(g, []string{alice.ID, admins.ID})
	want := "👤 Alice -[IsPartOf]-> 👥 Admins"
	if got != want {
		t.Errorf("FormatPath() = %q, want %q", got, want)
	}
	if got := FormatPath(g, nil); got != "(no path)" {
		t.Errorf("FormatPath(nil) = %q", got)
	}
}

func TestFormatReachabilityGroupsByKind(t *testing.T) {
	source := node(domain.NodeKindUser, "u", "Alice")
	out := FormatReachability(source, []*identity.Node{
		node(domain.NodeKindResource, "arn:aws:s3:::b", "b"),
		node(domain.NodeKindGroup, "g", "Admins"),
	})
	groupAt := strings.Index(out, "Group (1)")
	resourceAt := strings.Index(out, "Resource (1)")
	if groupAt < 0 || resourceAt < 0 || groupAt > resourceAt {
		t.Errorf("kinds missing or out of order:\n%s", out)
	}
}

func TestFormatEscalation(t *testing.T) {
	out := FormatEscalation(
		[]escalation.EscalationRisk{{Principal: "arn:aws:iam::123456789012:user/Alice", Kind: domain.NodeKindUser, DangerousActions: []string{"iam:CreatePolicy", "iam:AttachUserPolicy"}}},
		nil,
	)
	if !strings.Contains(out, "Privilege escalation: 1 principal(s)") || !strings.Contains(out, "iam:CreatePolicy, iam:AttachUserPolicy") {
		t.Errorf("escalation section incomplete:\n%s", out)
	}
	if !strings.Contains(out, "Lateral movement: 0 principal(s)\n      (none)") {
		t.Errorf("empty lateral section missing:\n%s", out)
	}
}

func TestFormatTransitionSortsParameters(t *testing.T) {
	out := FormatTransition(1, simulation.Transition{
		Entity:        "arn:aws:iam::123456789012:user/Alice",
		Action:        "CreateRole",
		Parameters:    simulation.Parameters{"trusted_principal": "x", "role_name": "Backdoor"},
		Created:       "arn:aws:iam::123456789012:role/Backdoor",
		SourceVersion: 0,
		TargetVersion: 1,
	})
	if !strings.Contains(out, "STEP 1: CreateRole by Alice") {
		t.Errorf("header missing:\n%s", out)
	}
	if strings.Index(out, "role_name") > strings.Index(out, "trusted_principal") {
		t.Errorf("parameters not sorted:\n%s", out)
	}
	if !strings.Contains(out, "created arn:aws:iam::123456789012:role/Backdoor") {
		t.Errorf("created identifier missing:\n%s", out)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{125 * time.Second, "2m 5s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSaveJSONCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "summary.json")
	if err := SaveJSON(path, map[string]int{"nodes": 3}); err != nil {
		t.Fatalf("SaveJSON() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil || got["nodes"] != 3 {
		t.Errorf("saved %s, err %v", data, err)
	}
}
