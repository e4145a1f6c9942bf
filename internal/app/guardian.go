package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cloudguardian/internal/aws"
	"cloudguardian/internal/builder"
	"cloudguardian/internal/collector"
	"cloudguardian/internal/constraints"
	"cloudguardian/internal/domain"
	"cloudguardian/internal/graph"
	"cloudguardian/internal/identity"
	"cloudguardian/internal/loader"
	"cloudguardian/internal/logging"
	"cloudguardian/internal/permission"
	"cloudguardian/internal/simulation"
)

var _ simulation.Provider = (*aws.Adapter)(nil)

// Config selects the inputs of a Guardian
type Config struct {
	// CataloguePath overrides the embedded constraint catalogue when set
	CataloguePath string
	// DataDir holds the policy document files
	DataDir string
	// Request is the context conditions are evaluated against during simulation
	Request permission.Context
}

// Guardian holds the catalogue, the built access graph and the collaborators
// the CLI commands share
type Guardian struct {
	table   *constraints.Table
	builder *builder.Builder
	docs    *domain.PolicyDocuments
	graph   *graph.AccessGraph
	report  *builder.Report
	request permission.Context
}

// New loads the catalogue and the policy documents and builds the graph
func New(cfg Config) (*Guardian, error) {
	table, err := constraints.Load(cfg.CataloguePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalogue: %w", err)
	}
	docs, err := loader.LoadDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return NewFromDocuments(table, docs, cfg.Request), nil
}

// NewFromDocuments builds the graph from documents already in memory
func NewFromDocuments(table *constraints.Table, docs *domain.PolicyDocuments, request permission.Context) *Guardian {
	b := builder.New(identity.NewRegistry(), table, permission.NewStore())
	g, report := b.Build(docs)

	if request == nil {
		request = permission.Context{}
	}
	return &Guardian{table: table, builder: b, docs: docs, graph: g, report: report, request: request}
}

// Graph returns the built access graph
func (g *Guardian) Graph() *graph.AccessGraph {
	return g.graph
}

// Report returns the build report
func (g *Guardian) Report() *builder.Report {
	return g.report
}

// Table returns the constraint catalogue
func (g *Guardian) Table() *constraints.Table {
	return g.table
}

// Resolve finds a node by identifier or, failing that, by display name
func (g *Guardian) Resolve(ref string) (*identity.Node, error) {
	return resolve(g.graph, ref)
}

func resolve(ag *graph.AccessGraph, ref string) (*identity.Node, error) {
	if n, ok := ag.Node(ref); ok {
		return n, nil
	}
	var found *identity.Node
	for _, n := range ag.Nodes() {
		if n.Name != ref {
			continue
		}
		if found != nil {
			return nil, &domain.MalformedInputError{Field: "node", Message: fmt.Sprintf("%q names both %s and %s", ref, found.ID, n.ID)}
		}
		found = n
	}
	if found == nil {
		return nil, &domain.MalformedInputError{Field: "node", Message: fmt.Sprintf("%q is not in the graph", ref)}
	}
	return found, nil
}

// Engine starts a simulation over a copy of the built graph. With live set,
// actions are carried out in the AWS account through the adapter.
func (g *Guardian) Engine(ctx context.Context, live bool) (*simulation.Engine, error) {
	opts := []simulation.Option{simulation.WithRequestContext(g.request)}
	if live {
		// Preflight: verify AWS credentials work before mutating anything
		accountID, err := aws.GetAccountID(ctx)
		if err != nil {
			return nil, fmt.Errorf("AWS credential check failed (ensure valid credentials via env vars, IAM role, or SSO): %w", err)
		}
		adapter, err := aws.NewAdapterFromEnvironment(ctx)
		if err != nil {
			return nil, err
		}
		logging.LogInfo("Simulating against live account", map[string]interface{}{"account": accountID})
		opts = append(opts, simulation.WithProvider(adapter), simulation.WithAccount(accountID))
	}
	return simulation.NewEngine(g.builder, g.graph.Clone(), opts...)
}

// PlannedStep is one entry of a simulation plan file
type PlannedStep struct {
	Entity     string                `yaml:"entity" json:"entity"`
	Action     string                `yaml:"action" json:"action"`
	Parameters simulation.Parameters `yaml:"parameters" json:"parameters"`
}

// LoadPlan reads a YAML (or JSON) list of planned steps
func LoadPlan(path string) ([]PlannedStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	var steps []PlannedStep
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, &domain.MalformedInputError{Field: "plan", Message: fmt.Sprintf("cannot decode %s", path), Err: err}
	}
	for i, s := range steps {
		if s.Entity == "" || s.Action == "" {
			return nil, &domain.MalformedInputError{Field: "plan", Message: fmt.Sprintf("step %d lacks entity or action", i)}
		}
	}
	return steps, nil
}

// RunPlan applies steps in order and stops at the first failing step. Entity
// references may be display names of nodes in the engine's current state.
func RunPlan(ctx context.Context, engine *simulation.Engine, steps []PlannedStep) (*simulation.State, error) {
	start := time.Now()
	logging.LogOperationStart("RunPlan", map[string]interface{}{"steps": len(steps)})

	for i, s := range steps {
		entity, err := resolve(engine.Current().Graph, s.Entity)
		if err != nil {
			logging.LogOperationEnd("RunPlan", time.Since(start), false, i, 0, err)
			return engine.Current(), fmt.Errorf("step %d: %w", i, err)
		}
		if _, err := engine.Step(ctx, entity.ID, s.Action, s.Parameters); err != nil {
			logging.LogOperationEnd("RunPlan", time.Since(start), false, i, 0, err)
			return engine.Current(), fmt.Errorf("step %d (%s by %s): %w", i, s.Action, entity.Name, err)
		}
	}

	logging.LogOperationEnd("RunPlan", time.Since(start), true, len(steps), engine.Current().Version, nil)
	return engine.Current(), nil
}

// Replay re-executes a saved trace from the built graph
func (g *Guardian) Replay(ctx context.Context, trace *simulation.Trace) (*simulation.State, error) {
	engine, err := g.Engine(ctx, false)
	if err != nil {
		return nil, err
	}
	return engine.ExecuteTrace(ctx, g.graph.Clone(), trace)
}

// Collect exports the live account into dataDir
func Collect(ctx context.Context, dataDir string) (*domain.PolicyDocuments, error) {
	c, err := collector.NewFromEnvironment(ctx)
	if err != nil {
		return nil, fmt.Errorf("AWS credential check failed (ensure valid credentials via env vars, IAM role, or SSO): %w", err)
	}
	docs, err := c.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if err := loader.WriteDir(dataDir, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// CreateBucket creates a bucket in the live account
func CreateBucket(ctx context.Context, name string) (string, error) {
	adapter, err := aws.NewAdapterFromEnvironment(ctx)
	if err != nil {
		return "", err
	}
	return adapter.CreateBucket(ctx, name)
}
