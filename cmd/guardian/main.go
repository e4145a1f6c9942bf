package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cloudguardian/internal/app"
	"cloudguardian/internal/aws"
	"cloudguardian/internal/constraints"
	"cloudguardian/internal/escalation"
	"cloudguardian/internal/loader"
	"cloudguardian/internal/logging"
	"cloudguardian/internal/outputter"
	"cloudguardian/internal/simulation"
)

// options holds the persistent flags shared by every command
type options struct {
	debug     bool
	dataDir   string
	catalogue string
	metrics   string
	request   map[string]string
}

func main() {
	// Load .env file if present (optional, production should use env vars or IAM roles directly)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "guardian",
		Short:        "Cloud Guardian - IAM access graph explorer",
		Long:         "Builds an access graph from AWS IAM and resource policies, answers reachability questions and simulates privilege escalation",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetLogLevel(logging.LogLevelWarn)
			if opts.debug {
				logging.SetLogLevel(logging.LogLevelDebug)
				fmt.Println("\n🔍 Debug logging: ENABLED")
			}
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.metrics == "" {
				return nil
			}
			relationships, steps := logging.GetMetrics().Snapshot()
			return outputter.SaveJSON(opts.metrics, map[string]interface{}{
				"relationships": relationships,
				"steps":         steps,
			})
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging (verbose output)")
	flags.StringVar(&opts.dataDir, "data", envOr("GUARDIAN_DATA_DIR", "data"), "Directory holding the policy document files")
	flags.StringVar(&opts.catalogue, "catalogue", os.Getenv("GUARDIAN_CATALOGUE"), "Constraint catalogue overriding the built-in one")
	flags.StringVar(&opts.metrics, "metrics", "", "Write relationship and step counters as JSON to this file")
	flags.StringToStringVar(&opts.request, "context", nil, "Request context for condition evaluation (e.g. aws:SourceIp=10.1.2.3)")

	rootCmd.AddCommand(
		buildCmd(opts),
		reachCmd(opts),
		pathCmd(opts),
		grantsCmd(opts),
		authorizeCmd(opts),
		risksCmd(opts),
		simulateCmd(ctx, opts),
		replayCmd(ctx, opts),
		collectCmd(ctx, opts),
		provisionCmd(ctx, opts),
		generateCmd(opts),
		catalogueCmd(opts),
		createBucketCmd(ctx),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func load(opts *options) (*app.Guardian, error) {
	g, err := app.New(app.Config{
		CataloguePath: opts.catalogue,
		DataDir:       opts.dataDir,
		Request:       opts.request,
	})
	if err != nil {
		return nil, fmt.Errorf("error initializing guardian: %w", err)
	}
	return g, nil
}

func buildCmd(opts *options) *cobra.Command {
	var save string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the access graph and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			g, err := load(opts)
			if err != nil {
				return err
			}
			summary := g.Graph().Summary()
			fmt.Print(outputter.FormatSummary(summary, g.Report(), time.Since(start)))
			if save != "" {
				return outputter.SaveJSON(save, summary)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&save, "save", "", "Write the summary as JSON to this file")
	return cmd
}

func reachCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reach <entity>",
		Short: "List every node reachable from an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := load(opts)
			if err != nil {
				return err
			}
			source, err := g.Resolve(args[0])
			if err != nil {
				return err
			}
			reachable, err := g.Graph().ReachableFrom(source.ID)
			if err != nil {
				return err
			}
			fmt.Print(outputter.FormatReachability(source, reachable))
			return nil
		},
	}
}

func pathCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "path <source> <target>",
		Short: "Show the shortest path between two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := load(opts)
			if err != nil {
				return err
			}
			source, err := g.Resolve(args[0])
			if err != nil {
				return err
			}
			target, err := g.Resolve(args[1])
			if err != nil {
				return err
			}
			path, err := g.Graph().ShortestPath(source.ID, target.ID)
			if err != nil {
				return err
			}
			fmt.Println(outputter.FormatPath(g.Graph(), path))
			return nil
		},
	}
}

func grantsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "grants <entity>",
		Short: "List the effective permissions of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := load(opts)
			if err != nil {
				return err
			}
			entity, err := g.Resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Print(outputter.FormatGrants(entity.ID, g.Graph().EffectivePermissions(entity.ID)))
			return nil
		},
	}
}

func authorizeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "authorize <principal> <action> [target]",
		Short: "Decide whether a principal may perform an action",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := load(opts)
			if err != nil {
				return err
			}
			principal, err := g.Resolve(args[0])
			if err != nil {
				return err
			}
			target := ""
			if len(args) == 3 {
				n, err := g.Resolve(args[2])
				if err != nil {
					return err
				}
				target = n.ID
			}

			decision := g.Graph().Authorize(principal.ID, args[1], target, opts.request)
			switch {
			case decision.ExplicitDeny:
				fmt.Printf("🚫 %s: explicitly denied\n", args[1])
			case decision.Allowed:
				fmt.Printf("✅ %s: allowed via %s\n", args[1], decision.Grant.Holder)
			default:
				fmt.Printf("⛔ %s: no grant covers it\n", args[1])
			}
			return nil
		},
	}
}

func risksCmd(opts *options) *cobra.Command {
	var save string
	cmd := &cobra.Command{
		Use:   "risks",
		Short: "Flag privilege escalation and lateral movement",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := load(opts)
			if err != nil {
				return err
			}
			risks := escalation.FindPrivilegeEscalation(g.Graph(), opts.request)
			moves := escalation.FindLateralMovement(g.Graph(), nil, opts.request)
			fmt.Print(outputter.FormatEscalation(risks, moves))
			if save != "" {
				return outputter.SaveJSON(save, map[string]interface{}{
					"privilege_escalation": risks,
					"lateral_movement":     moves,
				})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&save, "save", "", "Write the findings as JSON to this file")
	return cmd
}

func simulateCmd(ctx context.Context, opts *options) *cobra.Command {
	var (
		live      bool
		save      string
		available string
	)
	cmd := &cobra.Command{
		Use:   "simulate <plan>",
		Short: "Apply a plan of actions to the access graph",
		Long:  "Applies a YAML list of {entity, action, parameters} steps. With --live the actions are carried out in the AWS account.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := app.LoadPlan(args[0])
			if err != nil {
				return err
			}
			g, err := load(opts)
			if err != nil {
				return err
			}
			engine, err := g.Engine(ctx, live)
			if err != nil {
				return err
			}

			state, runErr := app.RunPlan(ctx, engine, steps)
			fmt.Print(outputter.FormatTrace(engine.Trace()))
			fmt.Print(outputter.FormatAttributes(state))
			if available != "" {
				entity, err := g.Resolve(available)
				if err != nil {
					return err
				}
				fmt.Print(outputter.FormatAvailableActions(entity.ID, engine.AvailableActions(entity.ID)))
			}
			if save != "" {
				if err := simulation.SaveTrace(save, engine.Trace()); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "Carry out actions in the AWS account")
	cmd.Flags().StringVar(&save, "save", "", "Write the trace to this file")
	cmd.Flags().StringVar(&available, "available", "", "List the actions this entity can take after the plan")
	return cmd
}

func replayCmd(ctx context.Context, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <trace>",
		Short: "Replay a saved trace against the access graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trace, err := simulation.LoadTrace(args[0])
			if err != nil {
				return err
			}
			g, err := load(opts)
			if err != nil {
				return err
			}
			fmt.Print(outputter.FormatTrace(trace))
			state, err := g.Replay(ctx, trace)
			if err != nil {
				return err
			}
			fmt.Print(outputter.FormatAttributes(state))
			return nil
		},
	}
}

func collectCmd(ctx context.Context, opts *options) *cobra.Command {
	var auditorRole string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Export IAM and resource policies from the AWS account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if auditorRole != "" {
				if err := aws.UseAuditorRole(ctx, auditorRole); err != nil {
					return err
				}
			}
			start := time.Now()
			docs, err := app.Collect(ctx, opts.dataDir)
			if err != nil {
				return err
			}
			fmt.Printf("📥 Collected %d users, %d groups, %d roles, %d identity and %d resource policies into %s in %s\n",
				len(docs.Users), len(docs.Groups), len(docs.Roles), len(docs.IdentityPolicies), len(docs.ResourcePolicies),
				opts.dataDir, outputter.FormatDuration(time.Since(start)))
			return nil
		},
	}
	cmd.Flags().StringVar(&auditorRole, "auditor-role", os.Getenv("GUARDIAN_AUDITOR_ROLE"), "Role to assume for read access")
	return cmd
}

func provisionCmd(ctx context.Context, opts *options) *cobra.Command {
	var save string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the identities, policies and buckets of the data directory in the AWS account",
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := loader.LoadDir(opts.dataDir)
			if err != nil {
				return err
			}
			start := time.Now()
			arns, runErr := app.ProvisionLive(ctx, docs)
			if arns != nil {
				outputter.DisplayHeader("🏗️  PROVISIONED")
				for _, original := range arns.Originals() {
					created, _ := arns.Created(original)
					fmt.Printf("   %s\n      → %s\n", original, created)
				}
				if save != "" {
					if err := outputter.SaveJSON(save, arns); err != nil {
						return err
					}
				}
				fmt.Printf("\n📦 Provisioned %d identifiers in %s\n", arns.Len(), outputter.FormatDuration(time.Since(start)))
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&save, "save", "", "Write the original to provisioned ARN mapping to this file")
	return cmd
}

func generateCmd(opts *options) *cobra.Command {
	var seed int64
	sizes := loader.DefaultSizes()
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write random policy documents drawn from the catalogue into the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := constraints.Load(opts.catalogue)
			if err != nil {
				return fmt.Errorf("error loading catalogue: %w", err)
			}
			docs := loader.Generate(table, seed, sizes)
			if err := loader.WriteDir(opts.dataDir, docs); err != nil {
				return err
			}
			fmt.Printf("\n🎲 Seed %d: %d users, %d groups, %d roles, %d policies, %d buckets written to %s\n",
				seed, len(docs.Users), len(docs.Groups), len(docs.Roles), len(docs.IdentityPolicies), len(docs.ResourcePolicies), opts.dataDir)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&seed, "seed", 1, "Random seed; the same seed always writes the same documents")
	flags.StringVar(&sizes.Account, "account", sizes.Account, "Account ID used in generated ARNs")
	flags.IntVar(&sizes.Users, "users", sizes.Users, "Number of users")
	flags.IntVar(&sizes.Groups, "groups", sizes.Groups, "Number of groups")
	flags.IntVar(&sizes.Roles, "roles", sizes.Roles, "Number of roles")
	flags.IntVar(&sizes.Policies, "policies", sizes.Policies, "Number of managed policies")
	flags.IntVar(&sizes.Buckets, "buckets", sizes.Buckets, "Number of buckets with a bucket policy")
	flags.IntVar(&sizes.Statements, "statements", sizes.Statements, "Maximum statements per policy")
	return cmd
}

func catalogueCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "catalogue",
		Short: "List the actions and simulation kinds the catalogue describes",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := load(opts)
			if err != nil {
				return err
			}
			table := g.Table()
			outputter.DisplayHeader("📚 ACTIONS")
			for _, id := range table.ActionIDs() {
				fmt.Printf("   %-32s %s\n", id, table.Description(id))
			}
			outputter.DisplayHeader("🧪 SIMULATION ACTIONS")
			for _, kind := range table.SimulationKinds() {
				rule, _ := table.SimulationAction(kind)
				fmt.Printf("   %-20s %-24s %v\n", kind, rule.Action, rule.Parameters)
			}
			return nil
		},
	}
}

func createBucketCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "create-bucket <name>",
		Short: "Create an S3 bucket in the AWS account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arn, err := app.CreateBucket(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("🪣 %s\n", arn)
			return nil
		},
	}
}
