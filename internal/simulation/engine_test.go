package simulation

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"cloudguardian/internal/builder"
	"cloudguardian/internal/constraints"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/graph"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/loader"
	"cloudguardian/internal/permission"
)

const (
	alice    = "arn:aws:iam::123456789012:user/Alice"
	bob      = "arn:aws:iam::123456789012:user/Bob"
	admins   = "arn:aws:iam::123456789012:group/Admins"
	deployer = "arn:aws:iam::123456789012:role/Deployer"
)

func loadFixture(t *testing.T) *domain.PolicyDocuments {
	t.Helper()
	docs, err := loader.LoadDir(filepath.Join("..", "loader", "testdata", "alice"))
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	return docs
}

// buildFixture builds the fixture graph with a fresh registry and returns
// the builder alongside it
func buildFixture(t *testing.T, docs *domain.PolicyDocuments) (*builder.Builder, *graph.AccessGraph) {
	t.Helper()
	table, err := constraints.Load("")
	if err != nil {
		t.Fatalf("constraints.Load() error = %v", err)
	}
	b := builder.New(identity.NewRegistry(), table, permission.NewStore())
	g, report := b.Build(docs)
	if err := report.Err(); err != nil {
		t.Fatalf("Build() errors: %v", err)
	}
	return b, g
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *graph.AccessGraph) {
	t.Helper()
	b, g := buildFixture(t, loadFixture(t))
	e, err := NewEngine(b, g, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e, g
}

func mustStep(t *testing.T, e *Engine, entity, kind string, params Parameters) *State {
	t.Helper()
	s, err := e.Step(context.Background(), entity, kind, params)
	if err != nil {
		t.Fatalf("Step(%s, %s) error = %v", entity, kind, err)
	}
	return s
}

// escalate lets Alice grant herself group administration and role creation,
// then add Bob to Admins and create a role she trusts
func escalate(t *testing.T, e *Engine) {
	t.Helper()
	mustStep(t, e, alice, ActionCreatePolicy, Parameters{
		"policy_name": "Escalate",
		"actions":     "iam:AddUserToGroup, iam:CreateRole",
	})
	mustStep(t, e, alice, ActionAttachUserPolicy, Parameters{"user_name": "Alice", "policy_name": "Escalate"})
	mustStep(t, e, alice, ActionAddUserToGroup, Parameters{"user_name": "Bob", "group_name": "Admins"})
	mustStep(t, e, alice, ActionCreateRole, Parameters{"role_name": "Backdoor"})
	mustStep(t, e, alice, ActionAssumeRole, Parameters{"role_arn": "Backdoor"})
	mustStep(t, e, alice, ActionModifyAttribute, Parameters{"target": bob, "key": "team", "value": "red"})
}

// =============================================================================
// Precondition TESTS
// =============================================================================

func TestAssumeNonexistentRoleNotAllowed(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Step(context.Background(), alice, ActionAssumeRole, Parameters{"role_arn": "NonexistentRole"})
	if !errors.Is(err, domain.ErrActionNotAllowed) {
		t.Fatalf("Step() error = %v, want ErrActionNotAllowed", err)
	}
	if e.Current().Version != 0 || e.Trace().Len() != 0 {
		t.Error("a rejected step must not advance the state or the trace")
	}
}

func TestStepRejections(t *testing.T) {
	tests := []struct {
		name    string
		entity  string
		kind    string
		params  Parameters
		wantErr error
	}{
		{
			name:    "unknown action kind",
			entity:  alice,
			kind:    "DeleteEverything",
			wantErr: domain.ErrActionNotSupported,
		},
		{
			name:    "missing parameter",
			entity:  alice,
			kind:    ActionCreateUser,
			params:  Parameters{},
			wantErr: domain.ErrMalformedInput,
		},
		{
			name:    "no grant for create user",
			entity:  bob,
			kind:    ActionCreateUser,
			params:  Parameters{"user_name": "mallory"},
			wantErr: domain.ErrActionNotAllowed,
		},
		{
			name:    "unknown acting entity",
			entity:  "arn:aws:iam::123456789012:user/Ghost",
			kind:    ActionCreateUser,
			params:  Parameters{"user_name": "mallory"},
			wantErr: domain.ErrActionNotAllowed,
		},
		{
			name:    "assume without trust",
			entity:  bob,
			kind:    ActionAssumeRole,
			params:  Parameters{"role_arn": deployer},
			wantErr: domain.ErrActionNotAllowed,
		},
		{
			name:    "add to group without grant",
			entity:  alice,
			kind:    ActionAddUserToGroup,
			params:  Parameters{"user_name": "Bob", "group_name": "Admins"},
			wantErr: domain.ErrActionNotAllowed,
		},
		{
			name:    "attach unknown policy",
			entity:  alice,
			kind:    ActionAttachUserPolicy,
			params:  Parameters{"user_name": "Bob", "policy_name": "Missing"},
			wantErr: domain.ErrMalformedInput,
		},
		{
			name:    "tag another node without grant",
			entity:  bob,
			kind:    ActionModifyAttribute,
			params:  Parameters{"target": alice, "key": "team", "value": "red"},
			wantErr: domain.ErrActionNotAllowed,
		},
		{
			name:    "role acting without a session",
			entity:  deployer,
			kind:    ActionCreateUser,
			params:  Parameters{"user_name": "mallory"},
			wantErr: domain.ErrActionNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t)
			before := e.Current()

			state, err := e.Step(context.Background(), tt.entity, tt.kind, tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Step() error = %v, want %v", err, tt.wantErr)
			}
			if state != before || e.Current() != before {
				t.Error("failed step must leave the current state in place")
			}
			if e.Trace().Len() != 0 {
				t.Error("failed step must not be recorded")
			}
		})
	}
}

func TestExplicitDenyWins(t *testing.T) {
	docs := loadFixture(t)
	docs.Users[0].AttachedPolicies = append(docs.Users[0].AttachedPolicies, domain.PolicyRef{
		PolicyName: "DeployerAccess",
		PolicyArn:  "arn:aws:iam::123456789012:policy/DeployerAccess",
	})
	b, g := buildFixture(t, docs)
	e, err := NewEngine(b, g)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	_, err = e.Step(context.Background(), alice, ActionCreateUser, Parameters{"user_name": "mallory"})
	var notAllowed *domain.ActionNotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("Step() error = %v, want ActionNotAllowedError", err)
	}
	if !strings.Contains(notAllowed.Reason, "denied") || notAllowed.Action != "iam:CreateUser" {
		t.Errorf("unexpected rejection %+v", notAllowed)
	}
}

func TestConditionsUseRequestContext(t *testing.T) {
	docs := loadFixture(t)
	docs.IdentityPolicies[0].PolicyDocument.Statement[0].Condition = map[string]map[string]interface{}{
		"IpAddress": {"aws:SourceIp": "192.168.1.0/24"},
	}

	tests := []struct {
		name    string
		ip      string
		wantErr bool
	}{
		{name: "inside range", ip: "192.168.1.105", wantErr: false},
		{name: "outside range", ip: "10.0.0.1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, g := buildFixture(t, docs)
			e, err := NewEngine(b, g, WithRequestContext(permission.Context{"aws:SourceIp": tt.ip}))
			if err != nil {
				t.Fatalf("NewEngine() error = %v", err)
			}
			_, err = e.Step(context.Background(), alice, ActionCreateUser, Parameters{"user_name": "mallory"})
			if (err != nil) != tt.wantErr {
				t.Errorf("Step() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Effect TESTS
// =============================================================================

func TestEscalationChain(t *testing.T) {
	e, initial := newEngine(t)
	escalate(t, e)
	s := e.Current()

	if s.Version != 6 {
		t.Errorf("Version = %d, want 6", s.Version)
	}
	if got := s.Graph.Members(admins); len(got) != 2 {
		t.Errorf("Admins members = %v, want Alice and Bob", got)
	}
	if !s.Graph.HasRelationship(&graph.Relationship{Kind: domain.RelIsPartOf, Source: bob, Target: admins}) {
		t.Error("Bob should be part of Admins")
	}

	backdoor := "arn:aws:iam::123456789012:role/Backdoor"
	if rels := s.Graph.RelationshipsBetween(alice, backdoor); len(rels) != 1 || rels[0].Kind != domain.RelCanAssumeRole {
		t.Errorf("created role should trust its creator: %v", rels)
	}
	if role, _ := s.Attribute(alice, AttrAssumedRole); role != backdoor {
		t.Errorf("assumed_role = %q, want %s", role, backdoor)
	}
	if team, _ := s.Attribute(bob, "team"); team != "red" {
		t.Errorf("team = %q, want red", team)
	}

	escalation := "arn:aws:iam::123456789012:policy/Escalate"
	if _, ok := s.Graph.Policy(escalation); !ok {
		t.Error("created policy should be in the policy table")
	}
	if n, ok := s.Graph.Node(escalation); !ok || n.Kind != domain.NodeKindResource {
		t.Error("created policy should be a resource node")
	}

	if initial.HasNode(backdoor) || len(initial.Members(admins)) != 1 {
		t.Error("the initial graph must not be mutated")
	}
}

func TestTransitionsKeepSnapshots(t *testing.T) {
	e, _ := newEngine(t)
	mustStep(t, e, alice, ActionCreateUser, Parameters{"user_name": "mallory"})
	mustStep(t, e, alice, ActionModifyAttribute, Parameters{"target": alice, "key": "stage", "value": "one"})
	mustStep(t, e, alice, ActionModifyAttribute, Parameters{"target": alice, "key": "stage", "value": ""})

	trace := e.Trace()
	if trace.Len() != 3 {
		t.Fatalf("trace length = %d, want 3", trace.Len())
	}

	mallory := "arn:aws:iam::123456789012:user/mallory"
	first := trace.Transitions[0]
	if first.Source.Graph.HasNode(mallory) || !first.Target.Graph.HasNode(mallory) {
		t.Error("CreateUser snapshots should differ exactly by the new user")
	}
	if first.Created != mallory {
		t.Errorf("Created = %q, want %s", first.Created, mallory)
	}
	for i, tr := range trace.Transitions {
		if tr.SourceVersion != i || tr.TargetVersion != i+1 {
			t.Errorf("transition %d versions = %d -> %d", i, tr.SourceVersion, tr.TargetVersion)
		}
	}

	if v, _ := trace.Transitions[1].Target.Attribute(alice, "stage"); v != "one" {
		t.Errorf("snapshot attribute = %q, want one", v)
	}
	if _, ok := e.Current().Attribute(alice, "stage"); ok {
		t.Error("empty value should remove the attribute")
	}

	trace.Transitions[0].Parameters["user_name"] = "changed"
	if e.Trace().Transitions[0].Parameters["user_name"] != "mallory" {
		t.Error("Trace() must return a copy")
	}
}

func TestAvailableActions(t *testing.T) {
	e, _ := newEngine(t)

	tests := []struct {
		name   string
		entity string
		want   []string
	}{
		{
			name:   "iam operator",
			entity: alice,
			want:   []string{ActionCreateUser, ActionCreatePolicy, ActionAttachUserPolicy, ActionAssumeRole, ActionModifyAttribute},
		},
		{name: "plain user", entity: bob, want: []string{ActionModifyAttribute}},
		{name: "role nobody assumed", entity: deployer, want: []string{ActionModifyAttribute}},
		{name: "unknown entity", entity: "arn:aws:iam::123456789012:user/Ghost", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.AvailableActions(tt.entity); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("AvailableActions() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Assumed role TESTS
// =============================================================================

const (
	eve       = "arn:aws:iam::123456789012:user/Eve"
	superUser = "arn:aws:iam::123456789012:role/SuperUserRole"
)

// superUserEngine adds Eve, who holds no grants, and SuperUserRole, which
// trusts Eve and allows iam:* on everything
func superUserEngine(t *testing.T) *Engine {
	t.Helper()
	docs := loadFixture(t)
	docs.Users = append(docs.Users, domain.UserRecord{UserName: "Eve", Arn: eve})
	docs.IdentityPolicies = append(docs.IdentityPolicies, domain.ManagedPolicy{
		PolicyName: "SuperUserAccess",
		PolicyArn:  "arn:aws:iam::123456789012:policy/SuperUserAccess",
		PolicyDocument: domain.PolicyDocument{
			Version:   "2012-10-17",
			Statement: []domain.Statement{{Effect: "Allow", Action: "iam:*", Resource: "*"}},
		},
	})
	docs.Roles = append(docs.Roles, domain.RoleRecord{
		RoleName: "SuperUserRole",
		Arn:      superUser,
		AssumeRolePolicyDocument: &domain.PolicyDocument{
			Version: "2012-10-17",
			Statement: []domain.Statement{{
				Effect:    "Allow",
				Principal: map[string]interface{}{"AWS": eve},
				Action:    "sts:AssumeRole",
			}},
		},
		AttachedPolicies: []domain.PolicyRef{
			{PolicyName: "SuperUserAccess", PolicyArn: "arn:aws:iam::123456789012:policy/SuperUserAccess"},
		},
	})

	b, g := buildFixture(t, docs)
	e, err := NewEngine(b, g)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestAssumedRoleGrantsApply(t *testing.T) {
	e := superUserEngine(t)

	if _, err := e.Step(context.Background(), eve, ActionCreateUser, Parameters{"user_name": "Mallory"}); !errors.Is(err, domain.ErrActionNotAllowed) {
		t.Fatalf("Step() before AssumeRole error = %v, want ErrActionNotAllowed", err)
	}
	if got := e.AvailableActions(eve); !reflect.DeepEqual(got, []string{ActionAssumeRole, ActionModifyAttribute}) {
		t.Errorf("AvailableActions() before AssumeRole = %v", got)
	}

	mustStep(t, e, eve, ActionAssumeRole, Parameters{"role_arn": "SuperUserRole"})
	mustStep(t, e, eve, ActionCreateUser, Parameters{"user_name": "Mallory"})
	mustStep(t, e, eve, ActionCreatePolicy, Parameters{"policy_name": "Backdoor", "actions": "s3:*"})
	s := mustStep(t, e, eve, ActionAttachUserPolicy, Parameters{"user_name": "Mallory", "policy_name": "Backdoor"})

	mallory := "arn:aws:iam::123456789012:user/Mallory"
	if !s.Graph.HasNode(mallory) {
		t.Error("user created through the assumed role is missing")
	}
	if !s.Graph.Authorize(mallory, "s3:GetObject", "", nil).Allowed {
		t.Error("attached policy should grant Mallory s3:GetObject")
	}
	if got := e.AvailableActions(eve); len(got) != len(ActionKinds) {
		t.Errorf("AvailableActions() after AssumeRole = %v, want every kind", got)
	}
}

func TestAssumedRoleDenyKeepsOwnGrants(t *testing.T) {
	e, _ := newEngine(t)

	mustStep(t, e, alice, ActionAssumeRole, Parameters{"role_arn": deployer})
	if _, err := e.Step(context.Background(), alice, ActionCreateUser, Parameters{"user_name": "mallory"}); err != nil {
		t.Errorf("Alice's own grant should still apply while she holds a Deployer session: %v", err)
	}
}

func TestRoleActsOnlyWhenAssumed(t *testing.T) {
	e := superUserEngine(t)

	_, err := e.Step(context.Background(), superUser, ActionCreateUser, Parameters{"user_name": "Mallory"})
	var notAllowed *domain.ActionNotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("Step() error = %v, want ActionNotAllowedError", err)
	}
	if !strings.Contains(notAllowed.Reason, "not been assumed") {
		t.Errorf("Reason = %q", notAllowed.Reason)
	}
	if got := e.AvailableActions(superUser); !reflect.DeepEqual(got, []string{ActionModifyAttribute}) {
		t.Errorf("AvailableActions() = %v, want only ModifyAttribute", got)
	}

	mustStep(t, e, eve, ActionAssumeRole, Parameters{"role_arn": superUser})
	mustStep(t, e, superUser, ActionCreateUser, Parameters{"user_name": "Mallory"})
}

func TestSessionAttributesAreReserved(t *testing.T) {
	e := superUserEngine(t)

	for _, key := range []string{AttrAssumedRole, AttrSession} {
		_, err := e.Step(context.Background(), eve, ActionModifyAttribute, Parameters{"target": eve, "key": key, "value": superUser})
		if !errors.Is(err, domain.ErrMalformedInput) {
			t.Errorf("setting %s: error = %v, want ErrMalformedInput", key, err)
		}
	}
	if _, err := e.Step(context.Background(), eve, ActionCreateUser, Parameters{"user_name": "Mallory"}); !errors.Is(err, domain.ErrActionNotAllowed) {
		t.Errorf("Step() error = %v, want ErrActionNotAllowed", err)
	}
}

// =============================================================================
// Dispatch TESTS
// =============================================================================

func TestStepAcceptsIAMActionIDs(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		params   Parameters
		wantKind string
		wantErr  error
	}{
		{name: "kind name", action: ActionCreateUser, params: Parameters{"user_name": "mallory"}, wantKind: ActionCreateUser},
		{name: "iam action id", action: "iam:CreateUser", params: Parameters{"user_name": "mallory"}, wantKind: ActionCreateUser},
		{name: "action id ignores case", action: "STS:assumerole", params: Parameters{"role_arn": deployer}, wantKind: ActionAssumeRole},
		{name: "tagging action id", action: "tag:TagResources", params: Parameters{"target": alice, "key": "team", "value": "blue"}, wantKind: ActionModifyAttribute},
		{name: "unmapped action id", action: "iam:DeleteUser", params: Parameters{"user_name": "Bob"}, wantErr: domain.ErrActionNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t)
			_, err := e.Step(context.Background(), alice, tt.action, tt.params)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Step() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Step() error = %v", err)
			}
			tr := e.Trace().Transitions[0]
			rule, _ := e.table.SimulationAction(tt.wantKind)
			if tr.Action != tt.wantKind || tr.ActionID != rule.Action {
				t.Errorf("recorded (%s, %s), want (%s, %s)", tr.Action, tr.ActionID, tt.wantKind, rule.Action)
			}
		})
	}
}

func TestReplayAcceptsIAMActionIDs(t *testing.T) {
	e, initial := newEngine(t)
	trace := NewTrace()
	trace.Transitions = append(trace.Transitions,
		Transition{Entity: alice, Action: "iam:CreateUser", Parameters: Parameters{"user_name": "mallory"}},
		Transition{Entity: alice, Action: "sts:AssumeRole", Parameters: Parameters{"role_arn": deployer}},
	)

	state, err := e.ExecuteTrace(context.Background(), initial, trace)
	if err != nil {
		t.Fatalf("ExecuteTrace() error = %v", err)
	}
	if !state.Graph.HasNode("arn:aws:iam::123456789012:user/mallory") {
		t.Error("replayed CreateUser missing")
	}
	if role, _ := state.AssumedRole(alice); role != deployer {
		t.Errorf("assumed role = %q, want %s", role, deployer)
	}
}

// =============================================================================
// Provider TESTS
// =============================================================================

type fakeProvider struct {
	calls []string
	fail  error
}

func (f *fakeProvider) record(call string) error {
	f.calls = append(f.calls, call)
	return f.fail
}

func (f *fakeProvider) CreateUser(ctx context.Context, name string) (string, error) {
	return "arn:aws:iam::123456789012:user/provisioned/" + name, f.record("CreateUser " + name)
}

func (f *fakeProvider) CreateGroup(ctx context.Context, name string) (string, error) {
	return "arn:aws:iam::123456789012:group/" + name, f.record("CreateGroup " + name)
}

func (f *fakeProvider) CreateRole(ctx context.Context, name, trustPolicy string) (string, error) {
	return "arn:aws:iam::123456789012:role/" + name, f.record("CreateRole " + name)
}

func (f *fakeProvider) CreatePolicy(ctx context.Context, name, document string) (string, error) {
	return "arn:aws:iam::123456789012:policy/" + name, f.record("CreatePolicy " + name)
}

func (f *fakeProvider) AttachUserPolicy(ctx context.Context, userName, policyARN string) error {
	return f.record("AttachUserPolicy " + userName)
}

func (f *fakeProvider) AddUserToGroup(ctx context.Context, userName, groupName string) error {
	return f.record("AddUserToGroup " + userName)
}

func (f *fakeProvider) AssumeRole(ctx context.Context, roleARN, sessionName string) (string, error) {
	return "arn:aws:sts::123456789012:assumed-role/Deployer/" + sessionName, f.record("AssumeRole " + roleARN)
}

func TestProviderIdentifiersAndReplay(t *testing.T) {
	provider := &fakeProvider{}
	e, initial := newEngine(t, WithProvider(provider), WithSessionName("audit"))

	mustStep(t, e, alice, ActionCreateUser, Parameters{"user_name": "mallory"})
	mustStep(t, e, alice, ActionAssumeRole, Parameters{"role_arn": deployer})

	if len(provider.calls) != 2 {
		t.Fatalf("provider calls = %v", provider.calls)
	}
	provisioned := "arn:aws:iam::123456789012:user/provisioned/mallory"
	if !e.Current().Graph.HasNode(provisioned) {
		t.Error("the provider's identifier should name the new user")
	}
	session := "arn:aws:sts::123456789012:assumed-role/Deployer/audit"
	if got, _ := e.Current().Attribute(alice, AttrSession); got != session {
		t.Errorf("session = %q, want %s", got, session)
	}

	replayed, err := e.ExecuteTrace(context.Background(), initial, e.Trace())
	if err != nil {
		t.Fatalf("ExecuteTrace() error = %v", err)
	}
	if len(provider.calls) != 2 {
		t.Errorf("replay must not call the provider, calls = %v", provider.calls)
	}
	if !replayed.Graph.HasNode(provisioned) {
		t.Error("replay should reuse the recorded identifier")
	}
	if got, _ := replayed.Attribute(alice, AttrSession); got != session {
		t.Errorf("replayed session = %q, want %s", got, session)
	}
}

func TestProviderFailureLeavesState(t *testing.T) {
	provider := &fakeProvider{fail: &domain.AdapterError{Operation: "CreateUser", Code: "AccessDenied", Err: errors.New("denied")}}
	e, _ := newEngine(t, WithProvider(provider))

	_, err := e.Step(context.Background(), alice, ActionCreateUser, Parameters{"user_name": "mallory"})
	if !errors.Is(err, domain.ErrAdapter) {
		t.Fatalf("Step() error = %v, want ErrAdapter", err)
	}
	if e.Current().Version != 0 || e.Current().Graph.HasNode("arn:aws:iam::123456789012:user/provisioned/mallory") {
		t.Error("adapter failure must leave the state unchanged")
	}
}

// =============================================================================
// Replay TESTS
// =============================================================================

func TestReplayDeterminism(t *testing.T) {
	e, initial := newEngine(t)
	escalate(t, e)
	trace := e.Trace()

	first, err := e.ExecuteTrace(context.Background(), initial, trace)
	if err != nil {
		t.Fatalf("ExecuteTrace() error = %v", err)
	}
	second, err := e.ExecuteTrace(context.Background(), initial, trace)
	if err != nil {
		t.Fatalf("ExecuteTrace() error = %v", err)
	}

	for name, s := range map[string]*State{"first": first, "second": second} {
		if !reflect.DeepEqual(s.Graph.NodeIDs(), e.Current().Graph.NodeIDs()) {
			t.Errorf("%s replay: node set differs", name)
		}
		if !reflect.DeepEqual(s.Graph.RelationshipKeys(), e.Current().Graph.RelationshipKeys()) {
			t.Errorf("%s replay: relationship set differs", name)
		}
		if !reflect.DeepEqual(s.Attributes, e.Current().Attributes) {
			t.Errorf("%s replay: attributes differ", name)
		}
		if s.Version != e.Current().Version {
			t.Errorf("%s replay: version %d, want %d", name, s.Version, e.Current().Version)
		}
	}
}

func TestReplayFromDisk(t *testing.T) {
	e, initial := newEngine(t)
	escalate(t, e)

	path := filepath.Join(t.TempDir(), "trace.json")
	if err := SaveTrace(path, e.Trace()); err != nil {
		t.Fatalf("SaveTrace() error = %v", err)
	}
	loaded, err := LoadTrace(path)
	if err != nil {
		t.Fatalf("LoadTrace() error = %v", err)
	}
	if loaded.ID != e.Trace().ID || loaded.Len() != 6 {
		t.Fatalf("loaded trace %s with %d transitions", loaded.ID, loaded.Len())
	}

	replayed, err := e.ExecuteTrace(context.Background(), initial, loaded)
	if err != nil {
		t.Fatalf("ExecuteTrace() error = %v", err)
	}
	if !reflect.DeepEqual(replayed.Graph.RelationshipKeys(), e.Current().Graph.RelationshipKeys()) {
		t.Error("replay from disk should reproduce the relationships")
	}
}

func TestReplayStopsAtInvalidTransition(t *testing.T) {
	e, initial := newEngine(t)
	trace := NewTrace()
	trace.Transitions = append(trace.Transitions,
		Transition{Entity: alice, Action: ActionCreateUser, Parameters: Parameters{"user_name": "mallory"}},
		Transition{Entity: bob, Action: ActionCreateUser, Parameters: Parameters{"user_name": "eve"}},
	)

	state, err := e.ExecuteTrace(context.Background(), initial, trace)
	if !errors.Is(err, domain.ErrActionNotAllowed) {
		t.Fatalf("ExecuteTrace() error = %v, want ErrActionNotAllowed", err)
	}
	if state.Version != 1 {
		t.Errorf("replay should stop after the first transition, version = %d", state.Version)
	}
}

// =============================================================================
// Engine construction TESTS
// =============================================================================

func TestNewEngineRequiresSimulationCatalogue(t *testing.T) {
	table, err := constraints.NewTable(&constraints.Config{
		Categories: map[string][]string{"Entity": {"User", "Group", "Role"}},
		Actions: map[string]constraints.ActionRule{
			"iam:CreateUser": {AllowedBetween: []constraints.KindPair{{Source: []string{"Entity"}}}},
		},
		Simulation: map[string]constraints.SimulationRule{
			ActionCreateUser: {Action: "iam:CreateUser", Parameters: []string{"user_name"}},
		},
	})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	b := builder.New(identity.NewRegistry(), table, permission.NewStore())

	if _, err := NewEngine(b, graph.New()); !errors.Is(err, domain.ErrActionNotSupported) {
		t.Errorf("NewEngine() error = %v, want ErrActionNotSupported", err)
	}
}

func TestNewEngineFreezesRegistry(t *testing.T) {
	e, _ := newEngine(t)
	mustStep(t, e, alice, ActionCreateUser, Parameters{"user_name": "mallory"})

	if !e.builder.Registry().Frozen() {
		t.Error("registry should be frozen once simulation begins")
	}
	if _, ok := e.builder.Registry().Lookup("arn:aws:iam::123456789012:user/mallory"); ok {
		t.Error("simulated identities must not enter the shared registry")
	}
}
