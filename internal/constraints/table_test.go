package constraints

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/permission"
)

func loadDefault(t *testing.T) *Table {
	t.Helper()
	table, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	return table
}

// =============================================================================
// Embedded catalogue TESTS
// =============================================================================

func TestDefaultCatalogueLoads(t *testing.T) {
	table := loadDefault(t)

	if len(table.ActionIDs()) == 0 {
		t.Fatal("embedded catalogue has no actions")
	}
	for _, kind := range []string{"CreateUser", "CreatePolicy", "AttachUserPolicy", "AssumeRole", "CreateRole", "CreateGroup", "AddUserToGroup", "ModifyAttribute"} {
		if _, ok := table.SimulationAction(kind); !ok {
			t.Errorf("simulation action %s missing from embedded catalogue", kind)
		}
	}
	entity, ok := table.Category("Entity")
	if !ok || len(entity) != 3 {
		t.Errorf("Entity category = %v, want User/Group/Role", entity)
	}
}

func TestIsAllowed(t *testing.T) {
	table := loadDefault(t)

	tests := []struct {
		name   string
		source *domain.NodeKind
		target *domain.NodeKind
		action string
		want   bool
	}{
		// Relationships
		{name: "user joins group", source: Kind(domain.NodeKindUser), target: Kind(domain.NodeKindGroup), action: "IsPartOf", want: true},
		{name: "role joins group", source: Kind(domain.NodeKindRole), target: Kind(domain.NodeKindGroup), action: "IsPartOf", want: true},
		{name: "group cannot join group", source: Kind(domain.NodeKindGroup), target: Kind(domain.NodeKindGroup), action: "IsPartOf", want: false},
		{name: "user cannot join resource", source: Kind(domain.NodeKindUser), target: Kind(domain.NodeKindResource), action: "IsPartOf", want: false},
		{name: "service assumes role via category", source: Kind(domain.NodeKindService), target: Kind(domain.NodeKindRole), action: "CanAssumeRole", want: true},
		{name: "user cannot assume user", source: Kind(domain.NodeKindUser), target: Kind(domain.NodeKindUser), action: "CanAssumeRole", want: false},

		// Permissions
		{name: "entity reads bucket", source: Kind(domain.NodeKindGroup), target: Kind(domain.NodeKindResource), action: "s3:GetObject", want: true},
		{name: "service principal reads bucket", source: Kind(domain.NodeKindService), target: Kind(domain.NodeKindResource), action: "s3:GetObject", want: true},
		{name: "pattern id covers concrete action", source: Kind(domain.NodeKindUser), target: Kind(domain.NodeKindResource), action: "ec2:DescribeInstances", want: true},
		{name: "resource cannot act", source: Kind(domain.NodeKindResource), target: Kind(domain.NodeKindResource), action: "s3:GetObject", want: false},
		{name: "monadic create user", source: Kind(domain.NodeKindUser), target: nil, action: "iam:CreateUser", want: true},
		{name: "service cannot create users", source: Kind(domain.NodeKindService), target: nil, action: "iam:CreateUser", want: false},
		{name: "iam wildcard covers attach towards resource", source: Kind(domain.NodeKindUser), target: Kind(domain.NodeKindResource), action: "iam:AttachUserPolicy", want: true},
		{name: "unknown service", source: Kind(domain.NodeKindUser), target: Kind(domain.NodeKindResource), action: "gamelift:CreateFleet", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := table.IsAllowed(tt.source, tt.target, tt.action); got != tt.want {
				t.Errorf("IsAllowed(%v, %v, %s) = %v, want %v", deref(tt.source), deref(tt.target), tt.action, got, tt.want)
			}
		})
	}
}

func TestAllowsPattern(t *testing.T) {
	table := loadDefault(t)

	tests := []struct {
		name    string
		source  *domain.NodeKind
		target  *domain.NodeKind
		pattern string
		want    bool
	}{
		{name: "full wildcard", source: Kind(domain.NodeKindUser), target: nil, pattern: "*", want: true},
		{name: "service wildcard", source: Kind(domain.NodeKindGroup), target: Kind(domain.NodeKindResource), pattern: "s3:*", want: true},
		{name: "prefix wildcard", source: Kind(domain.NodeKindRole), target: Kind(domain.NodeKindResource), pattern: "s3:Get*", want: true},
		{name: "narrow pattern covered by catalogue pattern", source: Kind(domain.NodeKindUser), target: Kind(domain.NodeKindResource), pattern: "ec2:Describe*", want: true},
		{name: "service with open target", source: Kind(domain.NodeKindService), target: nil, pattern: "s3:*", want: true},
		{name: "no overlap", source: Kind(domain.NodeKindUser), target: Kind(domain.NodeKindResource), pattern: "gamelift:*", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := table.AllowsPattern(tt.source, tt.target, tt.pattern); got != tt.want {
				t.Errorf("AllowsPattern(%s) = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestAllowedActions(t *testing.T) {
	table := loadDefault(t)

	between := table.AllowedActions(Kind(domain.NodeKindUser), Kind(domain.NodeKindGroup))
	if !contains(between, "IsPartOf") || !contains(between, "iam:AddUserToGroup") {
		t.Errorf("AllowedActions(User, Group) = %v", between)
	}
	if contains(between, "CanAssumeRole") {
		t.Error("CanAssumeRole must not be allowed towards a group")
	}

	toRole := table.AllowedActions(nil, Kind(domain.NodeKindRole))
	if !contains(toRole, "CanAssumeRole") || !contains(toRole, "sts:AssumeRole") {
		t.Errorf("AllowedActions(nil, Role) = %v", toRole)
	}

	fromResource := table.AllowedActions(Kind(domain.NodeKindResource), nil)
	if len(fromResource) != 0 {
		t.Errorf("AllowedActions(Resource, nil) = %v, want none", fromResource)
	}

	for i := 1; i < len(between); i++ {
		if between[i-1] >= between[i] {
			t.Fatalf("AllowedActions() is not sorted and deduplicated: %v", between)
		}
	}
}

func TestConditionKind(t *testing.T) {
	table := loadDefault(t)

	tests := []struct {
		op   string
		want string
		ok   bool
	}{
		{op: "DateGreaterThan", want: "date_after", ok: true},
		{op: "IpAddress", want: "ip_in_range", ok: true},
		{op: "StringEquals", want: "equals", ok: true},
		{op: "DateGreaterThanEquals", want: "date_at_or_after", ok: true},
		{op: "DateLessThanEquals", want: "date_at_or_before", ok: true},
		{op: "StringEqualsIgnoreCase", want: "equals_ignore_case", ok: true},
		{op: "NumericLessThanEquals", want: "numeric_less_than_equals", ok: true},
		{op: "NumericGreaterThanEquals", want: "numeric_greater_than_equals", ok: true},
		{op: "ForAnyValue:StringLike", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			got, ok := table.ConditionKind(tt.op)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ConditionKind(%s) = (%s, %v), want (%s, %v)", tt.op, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestConditionOperatorsEvaluateLikeIAM(t *testing.T) {
	table := loadDefault(t)

	tests := []struct {
		name  string
		op    string
		key   string
		value string
		ctx   permission.Context
		want  bool
	}{
		{name: "date greater than equals at boundary", op: "DateGreaterThanEquals", key: "aws:CurrentTime", value: "2024-01-01T00:00:00Z", ctx: permission.Context{"aws:CurrentTime": "2024-01-01T00:00:00Z"}, want: true},
		{name: "date greater than at boundary", op: "DateGreaterThan", key: "aws:CurrentTime", value: "2024-01-01T00:00:00Z", ctx: permission.Context{"aws:CurrentTime": "2024-01-01T00:00:00Z"}, want: false},
		{name: "date less than equals at boundary", op: "DateLessThanEquals", key: "aws:CurrentTime", value: "2024-01-01T00:00:00Z", ctx: permission.Context{"aws:CurrentTime": "2024-01-01T00:00:00Z"}, want: true},
		{name: "string equals ignore case", op: "StringEqualsIgnoreCase", key: "aws:PrincipalTag/role", value: "Admin", ctx: permission.Context{"aws:PrincipalTag/role": "admin"}, want: true},
		{name: "string equals keeps case", op: "StringEquals", key: "aws:PrincipalTag/role", value: "Admin", ctx: permission.Context{"aws:PrincipalTag/role": "admin"}, want: false},
		{name: "numeric less than equals at boundary", op: "NumericLessThanEquals", key: "aws:MultiFactorAuthAge", value: "3600", ctx: permission.Context{"aws:MultiFactorAuthAge": "3600"}, want: true},
		{name: "numeric greater than equals at boundary", op: "NumericGreaterThanEquals", key: "s3:max-keys", value: "10", ctx: permission.Context{"s3:max-keys": "10"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := map[string]map[string]interface{}{tt.op: {tt.key: tt.value}}
			conds, err := permission.ConditionsFromBlock(table, block)
			if err != nil {
				t.Fatalf("ConditionsFromBlock() error = %v", err)
			}
			if len(conds) != 1 {
				t.Fatalf("got %d conditions, want 1", len(conds))
			}
			if got := conds[0].Evaluate(tt.ctx); got != tt.want {
				t.Errorf("Evaluate(%v) = %v, want %v", tt.ctx, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Custom catalogue TESTS
// =============================================================================

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogue.yaml")
	content := `
categories:
  Entity: [User, Group, Role]
actions:
  IsPartOf:
    allowed_between:
      - source: [User]
        target: [Group]
  s3:GetObject:
    allowed_between:
      - source: [Entity]
        target: [Resource]
conditions:
  IpAddress: ip_in_range
simulation:
  ReadObject:
    action: s3:GetObject
    parameters: [bucket]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := table.ActionIDs(); len(got) != 2 {
		t.Errorf("ActionIDs() = %v, want 2 entries", got)
	}
	if !table.IsAllowed(Kind(domain.NodeKindRole), Kind(domain.NodeKindResource), "s3:GetObject") {
		t.Error("Entity category should expand to Role")
	}
	if table.IsAllowed(Kind(domain.NodeKindUser), Kind(domain.NodeKindResource), "s3:PutObject") {
		t.Error("actions absent from the catalogue must be rejected")
	}
	rule, ok := table.SimulationAction("ReadObject")
	if !ok || rule.Action != "s3:GetObject" || len(rule.Parameters) != 1 {
		t.Errorf("SimulationAction(ReadObject) = %+v, %v", rule, ok)
	}
}

func TestNewTableRejectsInvalidCatalogues(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr error
	}{
		{
			name: "unknown kind",
			config: &Config{Actions: map[string]ActionRule{
				"IsPartOf": {AllowedBetween: []KindPair{{Source: []string{"Account"}, Target: []string{"Group"}}}},
			}},
			wantErr: domain.ErrMalformedInput,
		},
		{
			name:    "action without pairs",
			config:  &Config{Actions: map[string]ActionRule{"IsPartOf": {}}},
			wantErr: domain.ErrMalformedInput,
		},
		{
			name:    "unsupported condition kind",
			config:  &Config{Conditions: map[string]string{"StringLike": "glob"}},
			wantErr: domain.ErrConditionNotSupported,
		},
		{
			name:    "simulation action outside catalogue",
			config:  &Config{Simulation: map[string]SimulationRule{"CreateUser": {Action: "iam:CreateUser"}}},
			wantErr: domain.ErrActionNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.config)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewTable() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing catalogue file")
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func deref(k *domain.NodeKind) string {
	if k == nil {
		return "<any>"
	}
	return string(*k)
}
