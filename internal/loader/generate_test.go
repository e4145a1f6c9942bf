package loader

import (
	"reflect"
	"strings"
	"testing"

	"cloudguardian/internal/builder"
	"cloudguardian/internal/constraints"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/permission"
)

func loadTable(t *testing.T) *constraints.Table {
	t.Helper()
	table, err := constraints.Load("")
	if err != nil {
		t.Fatalf("constraints.Load() error = %v", err)
	}
	return table
}

// =============================================================================
// Generate
// =============================================================================

func TestGenerateBuildsCleanly(t *testing.T) {
	table := loadTable(t)
	for _, seed := range []int64{1, 7, 42, 1234, 99991} {
		docs := Generate(table, seed, DefaultSizes())
		g, report := builder.New(identity.NewRegistry(), table, permission.NewStore()).Build(docs)
		if len(report.Errors) > 0 {
			t.Errorf("seed %d: build errors: %v", seed, report.Messages())
			continue
		}
		if g.RelationshipCount() == 0 {
			t.Errorf("seed %d: generated documents produced no relationships", seed)
		}
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	table := loadTable(t)
	a := Generate(table, 42, DefaultSizes())
	b := Generate(table, 42, DefaultSizes())
	if !reflect.DeepEqual(a, b) {
		t.Error("the same seed must give the same documents")
	}
	if reflect.DeepEqual(a, Generate(table, 43, DefaultSizes())) {
		t.Error("different seeds should give different documents")
	}
}

func TestGenerateSizes(t *testing.T) {
	sizes := Sizes{Account: "210987654321", Users: 4, Groups: 1, Roles: 2, Policies: 3, Buckets: 1, Statements: 2}
	docs := Generate(loadTable(t), 5, sizes)

	if len(docs.Users) != 4 || len(docs.Groups) != 1 || len(docs.Roles) != 2 ||
		len(docs.IdentityPolicies) != 3 || len(docs.ResourcePolicies) != 1 {
		t.Fatalf("unexpected category sizes: %d users, %d groups, %d roles, %d policies, %d buckets",
			len(docs.Users), len(docs.Groups), len(docs.Roles), len(docs.IdentityPolicies), len(docs.ResourcePolicies))
	}
	for _, u := range docs.Users {
		if !strings.HasPrefix(u.Arn, "arn:aws:iam::210987654321:user/") {
			t.Errorf("user %s is outside the requested account", u.Arn)
		}
	}
}

func TestGenerateUsesCatalogueActions(t *testing.T) {
	table := loadTable(t)
	docs := Generate(table, 3, DefaultSizes())
	for _, policy := range docs.IdentityPolicies {
		for _, stmt := range policy.PolicyDocument.Statement {
			for _, action := range stmt.Actions() {
				if !table.IsKnown(action) {
					t.Errorf("policy %s grants %s, which the catalogue does not know", policy.PolicyName, action)
				}
			}
			for op := range stmt.Condition {
				if _, ok := table.ConditionKind(op); !ok {
					t.Errorf("policy %s uses unsupported operator %s", policy.PolicyName, op)
				}
			}
		}
	}
}

func TestGeneratedDocumentsRoundTripThroughDir(t *testing.T) {
	docs := Generate(loadTable(t), 11, DefaultSizes())
	dir := t.TempDir()
	if err := WriteDir(dir, docs); err != nil {
		t.Fatalf("WriteDir() error = %v", err)
	}
	loaded, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(loaded.Users) != len(docs.Users) || len(loaded.Roles) != len(docs.Roles) ||
		len(loaded.IdentityPolicies) != len(docs.IdentityPolicies) {
		t.Error("generated documents did not survive a write and load")
	}
}
