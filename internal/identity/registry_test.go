package identity

import (
	"errors"
	"sync"
	"testing"

	"cloudguardian/internal/domain"
)

// =============================================================================
// Registry TESTS
// =============================================================================

func TestGetOrCreateReturnsSameNode(t *testing.T) {
	r := NewRegistry()
	id := "arn:aws:iam::123456789012:user/Alice"

	first, err := r.GetOrCreate(domain.NodeKindUser, id, NodeSpec{Name: "Alice"})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	second, err := r.GetOrCreate(domain.NodeKindUser, id, NodeSpec{Name: "Someone else"})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	if first != second {
		t.Fatal("expected the same node reference for one identifier")
	}
	if second.Name != "Alice" {
		t.Errorf("Name = %q, want first registration to win", second.Name)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestGetOrCreateKindConflictKeepsFirst(t *testing.T) {
	r := NewRegistry()
	id := "arn:aws:iam::123456789012:role/Admin"

	role, _ := r.GetOrCreate(domain.NodeKindRole, id, NodeSpec{})
	again, err := r.GetOrCreate(domain.NodeKindUser, id, NodeSpec{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if again != role || again.Kind != domain.NodeKindRole {
		t.Errorf("expected the original Role node, got %+v", again)
	}
}

func TestGetOrCreateRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		kind domain.NodeKind
		id   string
	}{
		{name: "empty identifier", kind: domain.NodeKindUser, id: ""},
		{name: "unknown kind", kind: domain.NodeKind("Account"), id: "arn:aws:iam::123456789012:root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry().GetOrCreate(tt.kind, tt.id, NodeSpec{})
			if !errors.Is(err, domain.ErrMalformedInput) {
				t.Errorf("error = %v, want ErrMalformedInput", err)
			}
		})
	}
}

func TestGetOrCreateDefaultsName(t *testing.T) {
	r := NewRegistry()
	node, _ := r.GetOrCreate(domain.NodeKindGroup, "arn:aws:iam::123456789012:group/Admins", NodeSpec{})
	if node.Name != "Admins" {
		t.Errorf("Name = %q, want Admins", node.Name)
	}
}

func TestNodesInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	ids := []string{
		"arn:aws:iam::123456789012:user/Bob",
		"arn:aws:iam::123456789012:user/Alice",
		"arn:aws:iam::123456789012:group/Admins",
	}
	for _, id := range ids {
		if _, err := r.GetOrCreate(domain.NodeKindUser, id, NodeSpec{}); err != nil {
			t.Fatalf("GetOrCreate(%s) error = %v", id, err)
		}
	}

	nodes := r.Nodes()
	if len(nodes) != len(ids) {
		t.Fatalf("Nodes() returned %d nodes, want %d", len(nodes), len(ids))
	}
	for i, n := range nodes {
		if n.ID != ids[i] {
			t.Errorf("Nodes()[%d] = %s, want %s", i, n.ID, ids[i])
		}
	}
}

func TestFreeze(t *testing.T) {
	r := NewRegistry()
	alice, _ := r.GetOrCreate(domain.NodeKindUser, "arn:aws:iam::123456789012:user/Alice", NodeSpec{})
	r.Freeze()

	got, err := r.GetOrCreate(domain.NodeKindUser, "arn:aws:iam::123456789012:user/Alice", NodeSpec{})
	if err != nil || got != alice {
		t.Errorf("frozen registry should still resolve known identifiers, got %v, %v", got, err)
	}
	if _, err := r.GetOrCreate(domain.NodeKindUser, "arn:aws:iam::123456789012:user/Mallory", NodeSpec{}); err == nil {
		t.Error("frozen registry should refuse new identifiers")
	}
	if !r.Frozen() {
		t.Error("Frozen() = false after Freeze()")
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry()
	id := "arn:aws:iam::123456789012:user/Alice"

	var wg sync.WaitGroup
	results := make([]*Node, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.GetOrCreate(domain.NodeKindUser, id, NodeSpec{})
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent registration produced distinct nodes")
		}
	}
}

// =============================================================================
// Classify TESTS
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		id           string
		wantID       string
		wantKind     domain.NodeKind
		wantName     string
		wantService  string
		wantResource string
	}{
		{
			name:     "iam user",
			id:       "arn:aws:iam::123456789012:user/Alice",
			wantID:   "arn:aws:iam::123456789012:user/Alice",
			wantKind: domain.NodeKindUser,
			wantName: "Alice",
		},
		{
			name:     "iam user with path",
			id:       "arn:aws:iam::123456789012:user/division/Alice",
			wantID:   "arn:aws:iam::123456789012:user/division/Alice",
			wantKind: domain.NodeKindUser,
			wantName: "Alice",
		},
		{
			name:     "iam group",
			id:       "arn:aws:iam::123456789012:group/Admins",
			wantID:   "arn:aws:iam::123456789012:group/Admins",
			wantKind: domain.NodeKindGroup,
			wantName: "Admins",
		},
		{
			name:     "account root",
			id:       "arn:aws:iam::123456789012:root",
			wantID:   "arn:aws:iam::123456789012:root",
			wantKind: domain.NodeKindUser,
			wantName: "123456789012",
		},
		{
			name:     "assumed role collapses to role",
			id:       "arn:aws:sts::123456789012:assumed-role/Deployer/session-1",
			wantID:   "arn:aws:iam::123456789012:role/Deployer",
			wantKind: domain.NodeKindRole,
			wantName: "Deployer",
		},
		{
			name:        "service principal",
			id:          "lambda.amazonaws.com",
			wantID:      "lambda.amazonaws.com",
			wantKind:    domain.NodeKindService,
			wantName:    "lambda.amazonaws.com",
			wantService: "lambda",
		},
		{
			name:     "anonymous principal",
			id:       "*",
			wantID:   "*",
			wantKind: domain.NodeKindService,
			wantName: "*",
		},
		{
			name:         "s3 object collapses to bucket",
			id:           "arn:aws:s3:::example-bucket/reports/2024.csv",
			wantID:       "arn:aws:s3:::example-bucket",
			wantKind:     domain.NodeKindResource,
			wantName:     "example-bucket",
			wantService:  "s3",
			wantResource: "bucket",
		},
		{
			name:         "dynamodb table",
			id:           "arn:aws:dynamodb:us-east-1:123456789012:table/Orders",
			wantID:       "arn:aws:dynamodb:us-east-1:123456789012:table/Orders",
			wantKind:     domain.NodeKindResource,
			wantName:     "Orders",
			wantService:  "dynamodb",
			wantResource: "table",
		},
		{
			name:         "lambda function uses colon separator",
			id:           "arn:aws:lambda:us-east-1:123456789012:function:ingest",
			wantID:       "arn:aws:lambda:us-east-1:123456789012:function:ingest",
			wantKind:     domain.NodeKindResource,
			wantName:     "ingest",
			wantService:  "lambda",
			wantResource: "function",
		},
		{
			name:         "resource without type segment",
			id:           "arn:aws:sns:us-east-1:123456789012:alerts",
			wantID:       "arn:aws:sns:us-east-1:123456789012:alerts",
			wantKind:     domain.NodeKindResource,
			wantName:     "alerts",
			wantService:  "sns",
			wantResource: "sns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.id)
			if err != nil {
				t.Fatalf("Classify(%q) error = %v", tt.id, err)
			}
			if got.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", got.ID, tt.wantID)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", got.Name, tt.wantName)
			}
			if got.Service != tt.wantService {
				t.Errorf("Service = %q, want %q", got.Service, tt.wantService)
			}
			if got.ResourceType != tt.wantResource {
				t.Errorf("ResourceType = %q, want %q", got.ResourceType, tt.wantResource)
			}
		})
	}
}

func TestClassifyMalformed(t *testing.T) {
	tests := []string{"example-bucket", "arn:aws:iam", "arn:aws:iam::123456789012:"}
	for _, id := range tests {
		t.Run(id, func(t *testing.T) {
			if _, err := Classify(id); !errors.Is(err, domain.ErrMalformedInput) {
				t.Errorf("Classify(%q) error = %v, want ErrMalformedInput", id, err)
			}
		})
	}
}

func TestNormalizePrincipal(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		id       string
		wantID   string
		wantKind domain.NodeKind
	}{
		{name: "bare account id", typ: "AWS", id: "123456789012", wantID: "arn:aws:iam::123456789012:root", wantKind: domain.NodeKindUser},
		{name: "role arn", typ: "AWS", id: "arn:aws:iam::123456789012:role/Ops", wantID: "arn:aws:iam::123456789012:role/Ops", wantKind: domain.NodeKindRole},
		{name: "service", typ: "Service", id: "ec2.amazonaws.com", wantID: "ec2.amazonaws.com", wantKind: domain.NodeKindService},
		{name: "federated", typ: "Federated", id: "cognito-identity.amazonaws.com", wantID: "cognito-identity.amazonaws.com", wantKind: domain.NodeKindService},
		{name: "anonymous", typ: "AWS", id: "*", wantID: "*", wantKind: domain.NodeKindService},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePrincipal(tt.typ, tt.id)
			if err != nil {
				t.Fatalf("NormalizePrincipal() error = %v", err)
			}
			if got.ID != tt.wantID || got.Kind != tt.wantKind {
				t.Errorf("NormalizePrincipal() = (%s, %s), want (%s, %s)", got.ID, got.Kind, tt.wantID, tt.wantKind)
			}
		})
	}
}

func TestDisplayNameAndAccount(t *testing.T) {
	if got := DisplayName("arn:aws:iam::123456789012:role/service-roles/Lambda"); got != "Lambda" {
		t.Errorf("DisplayName() = %q, want Lambda", got)
	}
	if got := DisplayName("example-bucket"); got != "example-bucket" {
		t.Errorf("DisplayName() = %q, want example-bucket", got)
	}
	if got := AccountOf("arn:aws:iam::123456789012:user/Alice"); got != "123456789012" {
		t.Errorf("AccountOf() = %q", got)
	}
	if got := BuildARN("iam", "123456789012", "user/Eve"); got != "arn:aws:iam::123456789012:user/Eve" {
		t.Errorf("BuildARN() = %q", got)
	}
}
