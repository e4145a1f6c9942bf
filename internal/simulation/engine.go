package simulation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloudguardian/internal/builder"
	"cloudguardian/internal/constraints"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/graph"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/logging"
	"cloudguardian/internal/permission"
)

// Action kinds the engine can apply
const (
	ActionCreateUser       = "CreateUser"
	ActionCreateGroup      = "CreateGroup"
	ActionCreateRole       = "CreateRole"
	ActionCreatePolicy     = "CreatePolicy"
	ActionAttachUserPolicy = "AttachUserPolicy"
	ActionAddUserToGroup   = "AddUserToGroup"
	ActionAssumeRole       = "AssumeRole"
	ActionModifyAttribute  = "ModifyAttribute"
)

// ActionKinds is the closed set of action kinds, in dispatch-table order
var ActionKinds = []string{
	ActionCreateUser,
	ActionCreateGroup,
	ActionCreateRole,
	ActionCreatePolicy,
	ActionAttachUserPolicy,
	ActionAddUserToGroup,
	ActionAssumeRole,
	ActionModifyAttribute,
}

// Provider performs the real-world side of an action. Identifiers it returns
// name the nodes the engine creates.
type Provider interface {
	CreateUser(ctx context.Context, name string) (string, error)
	CreateGroup(ctx context.Context, name string) (string, error)
	CreateRole(ctx context.Context, name, trustPolicy string) (string, error)
	CreatePolicy(ctx context.Context, name, document string) (string, error)
	AttachUserPolicy(ctx context.Context, userName, policyARN string) error
	AddUserToGroup(ctx context.Context, userName, groupName string) error
	AssumeRole(ctx context.Context, roleARN, sessionName string) (string, error)
}

type handler func(c *stepContext) error

// Engine applies actions to a current state and records the trace. It is not
// safe for concurrent use; concurrent what-if runs each get their own engine.
type Engine struct {
	builder  *builder.Builder
	table    *constraints.Table
	provider Provider
	request  permission.Context
	session  string
	account  string

	handlers map[string]handler
	current  *State
	trace    *Trace
	replay   bool
}

// Option configures an Engine
type Option func(*Engine)

// WithProvider sends mutating actions to a cloud provider
func WithProvider(p Provider) Option {
	return func(e *Engine) {
		e.provider = p
	}
}

// WithRequestContext sets the context conditions are evaluated against
func WithRequestContext(ctx permission.Context) Option {
	return func(e *Engine) {
		e.request = ctx
	}
}

// WithSessionName sets the session name used for AssumeRole
func WithSessionName(name string) Option {
	return func(e *Engine) {
		e.session = name
	}
}

// WithAccount sets the account new identities are created in when the acting
// entity carries none (service principals)
func WithAccount(account string) Option {
	return func(e *Engine) {
		e.account = account
	}
}

// NewEngine starts a simulation from initial. Every action kind must be
// described by the builder's catalogue. The builder's registry is frozen:
// identities first seen during simulation live only in their state's graph.
func NewEngine(b *builder.Builder, initial *graph.AccessGraph, opts ...Option) (*Engine, error) {
	e := &Engine{
		builder: b,
		table:   b.Table(),
		request: permission.Context{},
		session: "cloudguardian-simulation",
		current: NewState(initial),
		trace:   NewTrace(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers = map[string]handler{
		ActionCreateUser:       createUser,
		ActionCreateGroup:      createGroup,
		ActionCreateRole:       createRole,
		ActionCreatePolicy:     createPolicy,
		ActionAttachUserPolicy: attachUserPolicy,
		ActionAddUserToGroup:   addUserToGroup,
		ActionAssumeRole:       assumeRole,
		ActionModifyAttribute:  modifyAttribute,
	}

	for _, kind := range ActionKinds {
		if _, ok := e.table.SimulationAction(kind); !ok {
			return nil, fmt.Errorf("catalogue does not describe simulation action: %w", &domain.ActionNotSupportedError{ActionID: kind})
		}
	}
	b.Registry().Freeze()
	return e, nil
}

// Current returns the current state
func (e *Engine) Current() *State {
	return e.current
}

// Trace returns a copy of the trace recorded so far
func (e *Engine) Trace() *Trace {
	return e.trace.Copy()
}

// Step lets entityID perform one action, named either by its kind
// ("CreateUser") or by the IAM action id it exercises ("iam:CreateUser"). On
// failure the current state and the trace are unchanged.
func (e *Engine) Step(ctx context.Context, entityID, kind string, params Parameters) (*State, error) {
	return e.step(ctx, entityID, kind, params, "")
}

func (e *Engine) step(ctx context.Context, entityID, kind string, params Parameters, recorded string) (*State, error) {
	metrics := logging.GetMetrics()
	c, err := e.prepare(ctx, entityID, kind, params, recorded)
	if err == nil {
		kind = c.kind
		err = e.handlers[kind](c)
	}
	if err != nil {
		metrics.RecordStep(kind, err)
		logging.LogStep(entityID, kind, e.current.Version, err)
		return e.current, err
	}

	c.next.Version = e.current.Version + 1
	e.trace.append(Transition{
		Entity:        entityID,
		Action:        kind,
		ActionID:      c.rule.Action,
		Parameters:    params.clone(),
		Created:       c.created,
		SourceVersion: e.current.Version,
		TargetVersion: c.next.Version,
		Source:        e.current,
		Target:        c.next,
	})
	e.current = c.next

	metrics.RecordStep(kind, nil)
	logging.LogStep(entityID, kind, e.current.Version, nil)
	return e.current, nil
}

// prepare resolves the action and its arguments against the current state
// and clones the state the handler will write to
func (e *Engine) prepare(ctx context.Context, entityID, action string, params Parameters, recorded string) (*stepContext, error) {
	kind, err := e.ResolveKind(action)
	if err != nil {
		return nil, err
	}
	rule, _ := e.table.SimulationAction(kind)

	for _, name := range rule.Parameters {
		v, ok := params[name]
		if !ok || (v == "" && !emptyAllowed[name]) {
			return nil, &domain.MalformedInputError{Field: name, Message: fmt.Sprintf("%s requires parameter %q", kind, name)}
		}
	}

	entity, ok := e.current.Graph.Node(entityID)
	if !ok {
		return nil, &domain.ActionNotAllowedError{Source: entityID, Action: rule.Action, Reason: "acting entity is not in the graph"}
	}

	return &stepContext{
		ctx:      ctx,
		engine:   e,
		entity:   entity,
		kind:     kind,
		rule:     rule,
		params:   params,
		current:  e.current,
		next:     e.current.Clone(),
		recorded: recorded,
	}, nil
}

// ResolveKind maps an action kind, or the IAM action id a kind exercises, to
// the kind. IAM action ids match case-insensitively.
func (e *Engine) ResolveKind(action string) (string, error) {
	if h, ok := e.handlers[action]; ok && h != nil {
		return action, nil
	}
	for _, kind := range ActionKinds {
		if rule, ok := e.table.SimulationAction(kind); ok && strings.EqualFold(rule.Action, action) {
			return kind, nil
		}
	}
	return "", &domain.ActionNotSupportedError{ActionID: action}
}

// emptyAllowed lists parameters that may be present with an empty value
var emptyAllowed = map[string]bool{"value": true}

// ExecuteTrace replays trace from initial with this engine's catalogue and
// request context. The provider is never called during a replay; identifiers
// recorded in the trace are reused.
func (e *Engine) ExecuteTrace(ctx context.Context, initial *graph.AccessGraph, trace *Trace) (*State, error) {
	start := time.Now()
	logging.LogOperationStart("ExecuteTrace", map[string]interface{}{
		"trace_id":    trace.ID.String(),
		"transitions": trace.Len(),
	})

	r := &Engine{
		builder:  e.builder,
		table:    e.table,
		request:  e.request,
		session:  e.session,
		account:  e.account,
		handlers: e.handlers,
		current:  NewState(initial),
		trace:    &Trace{ID: trace.ID, Transitions: make([]Transition, 0, trace.Len())},
		replay:   true,
	}
	for i, tr := range trace.Transitions {
		if _, err := r.step(ctx, tr.Entity, tr.Action, tr.Parameters, tr.Created); err != nil {
			logging.LogOperationEnd("ExecuteTrace", time.Since(start), false, i, 0, err)
			return r.current, fmt.Errorf("replay of transition %d (%s by %s) failed: %w", i, tr.Action, tr.Entity, err)
		}
	}

	logging.LogOperationEnd("ExecuteTrace", time.Since(start), true, trace.Len(), r.current.Graph.RelationshipCount(), nil)
	return r.current, nil
}

// AvailableActions returns the action kinds entityID could take in the
// current state, in dispatch-table order. ModifyAttribute on the entity
// itself needs no grant and is always listed.
func (e *Engine) AvailableActions(entityID string) []string {
	entity, ok := e.current.Graph.Node(entityID)
	if !ok {
		return nil
	}
	kind := constraints.Kind(entity.Kind)

	available := make([]string, 0)
	for _, action := range ActionKinds {
		rule, _ := e.table.SimulationAction(action)
		switch action {
		case ActionModifyAttribute:
			available = append(available, action)
		case ActionAssumeRole:
			for _, rel := range e.current.Graph.RelationshipsFrom(entityID, domain.RelCanAssumeRole) {
				role, _ := e.current.Graph.Node(rel.Target)
				if e.table.IsAllowed(kind, constraints.Kind(role.Kind), rule.Action) {
					available = append(available, action)
					break
				}
			}
		default:
			if !e.table.AllowsPattern(kind, nil, rule.Action) {
				continue
			}
			if entity.Kind == domain.NodeKindRole && !e.current.IsAssumed(entityID) {
				continue
			}
			c := &stepContext{engine: e, entity: entity, current: e.current}
			for _, principal := range c.credentials() {
				if e.current.Graph.Authorize(principal, rule.Action, "", e.request).Allowed {
					available = append(available, action)
					break
				}
			}
		}
	}
	return available
}

// stepContext carries one action instance through its handler
type stepContext struct {
	ctx      context.Context
	engine   *Engine
	entity   *identity.Node
	kind     string
	rule     constraints.SimulationRule
	params   Parameters
	current  *State
	next     *State
	recorded string
	created  string
}

// provider returns the configured provider, or nil during replays
func (c *stepContext) provider() Provider {
	if c.engine.replay {
		return nil
	}
	return c.engine.provider
}

// authorize checks the catalogue and the entity's effective grants for the
// step's action against target; a nil target asks for the action itself.
// An entity holding a role session acts with either credential set, so the
// assumed role's grants are consulted as well, each with its own denies. A
// role acts only while some entity holds a session for it.
func (c *stepContext) authorize(target *identity.Node) error {
	var targetKind *domain.NodeKind
	targetID := ""
	if target != nil {
		targetKind = constraints.Kind(target.Kind)
		targetID = target.ID
	}

	if !c.engine.table.IsAllowed(constraints.Kind(c.entity.Kind), targetKind, c.rule.Action) {
		return c.notAllowed(targetID, fmt.Sprintf("a %s may not perform it", c.entity.Kind))
	}
	if c.entity.Kind == domain.NodeKindRole && !c.current.IsAssumed(c.entity.ID) {
		return c.notAllowed(targetID, "role has not been assumed")
	}

	denied := false
	for _, principal := range c.credentials() {
		decision := c.current.Graph.Authorize(principal, c.rule.Action, targetID, c.engine.request)
		if decision.Allowed {
			return nil
		}
		denied = denied || decision.ExplicitDeny
	}
	if denied {
		return c.notAllowed(targetID, "explicitly denied")
	}
	return c.notAllowed(targetID, "no grant covers it")
}

// credentials lists the principals whose grants the entity may act with:
// itself, then the role it holds a session for
func (c *stepContext) credentials() []string {
	principals := []string{c.entity.ID}
	if role, ok := c.current.AssumedRole(c.entity.ID); ok && role != c.entity.ID && c.current.Graph.HasNode(role) {
		principals = append(principals, role)
	}
	return principals
}

func (c *stepContext) notAllowed(target, reason string) error {
	return &domain.ActionNotAllowedError{Source: c.entity.ID, Target: target, Action: c.rule.Action, Reason: reason}
}

// accountID is the account new identities are created in
func (c *stepContext) accountID() (string, error) {
	if account := identity.AccountOf(c.entity.ID); account != "" {
		return account, nil
	}
	if c.engine.account != "" {
		return c.engine.account, nil
	}
	return "", &domain.MalformedInputError{Field: "entity", Message: fmt.Sprintf("cannot derive an account from %s", c.entity.ID)}
}

// iamARN turns a name into an IAM ARN of the given resource type; ARNs pass through
func (c *stepContext) iamARN(resourceType, nameOrARN string) (string, error) {
	if identity.IsARN(nameOrARN) {
		return nameOrARN, nil
	}
	account, err := c.accountID()
	if err != nil {
		return "", err
	}
	return identity.BuildARN("iam", account, resourceType+"/"+nameOrARN), nil
}

// existing resolves a parameter naming a node of kind in the current state
func (c *stepContext) existing(param, resourceType string, kind domain.NodeKind) (*identity.Node, error) {
	id, err := c.iamARN(resourceType, c.params[param])
	if err != nil {
		return nil, err
	}
	node, ok := c.current.Graph.Node(id)
	if !ok {
		return nil, &domain.MalformedInputError{Field: param, Message: fmt.Sprintf("%s %s is not in the graph", kind, id)}
	}
	if node.Kind != kind {
		return nil, &domain.MalformedInputError{Field: param, Message: fmt.Sprintf("%s is a %s, not a %s", id, node.Kind, kind)}
	}
	return node, nil
}

// place adds the node an action created to the next state
func (c *stepContext) place(id string, kind domain.NodeKind) (*identity.Node, error) {
	node, err := c.engine.builder.Materialize(c.next.Graph, id)
	if err != nil {
		return nil, err
	}
	if node.Kind != kind {
		return nil, &domain.MalformedInputError{Field: "identifier", Message: fmt.Sprintf("%s names a %s, not a %s", id, node.Kind, kind)}
	}
	c.created = node.ID
	return node, nil
}
