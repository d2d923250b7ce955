// Command covenantd runs the federated governance runtime: it wires the
// blob store, entity-DAG store, identity/key manager, budget engine, host
// ABI, and sandbox executor into one process and exposes a debug HTTP
// surface plus a handful of operator CLI verbs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synnergy-coop/covenant/core"
	"github.com/synnergy-coop/covenant/pkg/config"
)

func main() {
	_ = godotenv.Load()

	var env string
	root := &cobra.Command{
		Use:   "covenantd",
		Short: "federated governance runtime node",
	}
	root.PersistentFlags().StringVar(&env, "env", "", "named config overlay merged over default.yaml")

	root.AddCommand(serveCmd(&env))
	root.AddCommand(configCmd(&env))
	root.AddCommand(identityCmd(&env))
	root.AddCommand(dagCmd(&env))
	root.AddCommand(budgetCmd(&env))
	root.AddCommand(execCmd(&env))
	root.AddCommand(credentialCmd(&env))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadRuntime(env string) (*Runtime, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}
	lvl, err := logrus.ParseLevel(cfg.Logging.Level)
	if err == nil {
		logrus.SetLevel(lvl)
	}
	return NewRuntime(cfg)
}

// serveCmd starts the metrics server and debug HTTP router and blocks until
// an interrupt is received.
func serveCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the node: debug HTTP surface, metrics, and background collectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go rt.Health.RunCollector(ctx, 15*time.Second)

			var metricsSrv *http.Server
			if rt.cfg.Metrics.Enabled {
				metricsSrv = rt.Health.StartMetricsServer(rt.cfg.Metrics.Addr)
				logrus.WithField("addr", rt.cfg.Metrics.Addr).Info("metrics server listening")
			}

			var debugSrv *http.Server
			if rt.cfg.HTTP.Enabled {
				debugSrv = &http.Server{Addr: rt.cfg.HTTP.Addr, Handler: newDebugRouter(rt)}
				go func() {
					if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logrus.WithError(err).Error("debug server stopped")
					}
				}()
				logrus.WithField("addr", rt.cfg.HTTP.Addr).Info("debug http server listening")
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			logrus.Info("shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if debugSrv != nil {
				_ = debugSrv.Shutdown(shutdownCtx)
			}
			if metricsSrv != nil {
				_ = rt.Health.ShutdownMetricsServer(shutdownCtx, metricsSrv)
			}
			return nil
		},
	}
}

// configCmd prints the effective merged configuration as YAML.
func configCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration after overlay and env merging",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*env)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

func identityCmd(env *string) *cobra.Command {
	cmd := &cobra.Command{Use: "identity"}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "mint a fresh did:key identity and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			did, pub, err := rt.Keys.GenerateAndStoreDIDKey()
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"did": did, "public_key": base58.Encode(pub)})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "print this node's own DID",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printJSON(map[string]any{"did": rt.NodeDID})
		},
	})

	return cmd
}

func dagCmd(env *string) *cobra.Command {
	cmd := &cobra.Command{Use: "dag"}

	genesis := &cobra.Command{
		Use:   "genesis [entity-type] [payload-json]",
		Short: "create a new entity with a genesis DAG node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()

			var payload any
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("parse payload json: %w", err)
			}
			did, pub, err := rt.Keys.GenerateAndStoreDIDKey()
			if err != nil {
				return err
			}
			c, _, err := rt.DAG.StoreNewDAGRoot(did, core.NodeBuilder{
				Payload: payload, ContentType: args[0], Timestamp: time.Now().UTC().Unix(),
			})
			if err != nil {
				return err
			}
			if err := rt.Keys.RegisterEntityMetadata(core.EntityMetadata{
				EntityDID: did, GenesisCID: c.String(), EntityType: args[0], CreatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			return printJSON(map[string]any{"did": did, "genesis_cid": c.String(), "public_key": base58.Encode(pub)})
		},
	}
	cmd.AddCommand(genesis)

	get := &cobra.Command{
		Use:   "get [entity-did] [cid]",
		Short: "fetch a stored DAG node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			c, err := core.ParseContentID(args[1])
			if err != nil {
				return err
			}
			node, ok := rt.DAG.GetNode(core.DID(args[0]), c)
			if !ok {
				return fmt.Errorf("node not found")
			}
			return printJSON(node)
		},
	}
	cmd.AddCommand(get)

	return cmd
}

func budgetCmd(env *string) *cobra.Command {
	cmd := &cobra.Command{Use: "budget"}

	create := &cobra.Command{
		Use:   "create [name] [scope-did] [scope-type] [duration-days]",
		Args:  cobra.ExactArgs(4),
		Short: "create a new budget scoped to an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			var days int
			if _, err := fmt.Sscanf(args[3], "%d", &days); err != nil {
				return fmt.Errorf("parse duration-days: %w", err)
			}
			now := time.Now().UTC()
			b, err := rt.Budgets.CreateBudget(args[0], core.DID(args[1]), core.ScopeType(args[2]), now, now.AddDate(0, 0, days), nil)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"budget_id": b.ID})
		},
	}
	cmd.AddCommand(create)

	allocate := &cobra.Command{
		Use:   "allocate [budget-id] [resource] [amount]",
		Args:  cobra.ExactArgs(3),
		Short: "increase a budget's total allocation for a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			var amt uint64
			if _, err := fmt.Sscanf(args[2], "%d", &amt); err != nil {
				return fmt.Errorf("parse amount: %w", err)
			}
			if err := rt.Budgets.AllocateToBudget(args[0], core.ResourceType(args[1]), amt); err != nil {
				return err
			}
			return printJSON(map[string]any{"ok": true})
		},
	}
	cmd.AddCommand(allocate)

	propose := &cobra.Command{
		Use:   "propose [budget-id] [proposer-did] [category] [requested-json]",
		Args:  cobra.ExactArgs(4),
		Short: "propose a budget spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			var requested map[core.ResourceType]uint64
			if err := json.Unmarshal([]byte(args[3]), &requested); err != nil {
				return fmt.Errorf("parse requested-json: %w", err)
			}
			p, err := rt.Budgets.ProposeBudgetSpend(args[0], "", "", requested, core.DID(args[1]), args[2], nil, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"proposal_id": p.ID, "status": p.Status})
		},
	}
	cmd.AddCommand(propose)

	vote := &cobra.Command{
		Use:   "vote [budget-id] [proposal-id] [voter-did] [approve|reject|abstain]",
		Args:  cobra.ExactArgs(4),
		Short: "cast a vote on a budget proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			choice, err := parseVoteChoice(args[3])
			if err != nil {
				return err
			}
			if err := rt.Budgets.RecordBudgetVote(args[0], args[1], core.DID(args[2]), choice, time.Now().UTC(), nil); err != nil {
				return err
			}
			return printJSON(map[string]any{"ok": true})
		},
	}
	cmd.AddCommand(vote)

	tally := &cobra.Command{
		Use:   "tally [budget-id] [proposal-id] [eligible-voters]",
		Args:  cobra.ExactArgs(3),
		Short: "tally a budget proposal's votes without committing a verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			eligible, err := parseInt(args[2])
			if err != nil {
				return err
			}
			result, err := rt.Budgets.TallyBudgetVotes(args[0], args[1], eligible)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.AddCommand(tally)

	finalize := &cobra.Command{
		Use:   "finalize [budget-id] [proposal-id] [eligible-voters]",
		Args:  cobra.ExactArgs(3),
		Short: "commit a budget proposal's verdict and, on approval, issue its authorization",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			eligible, err := parseInt(args[2])
			if err != nil {
				return err
			}
			status, err := rt.Budgets.FinalizeBudgetProposal(args[0], args[1], eligible, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"status": status})
		},
	}
	cmd.AddCommand(finalize)

	return cmd
}

func parseVoteChoice(s string) (core.VoteChoice, error) {
	switch s {
	case "approve":
		return core.VoteChoice{Kind: core.VoteApprove}, nil
	case "reject":
		return core.VoteChoice{Kind: core.VoteReject}, nil
	case "abstain":
		return core.VoteChoice{Kind: core.VoteAbstain}, nil
	default:
		return core.VoteChoice{}, fmt.Errorf("unknown vote choice %q, want approve|reject|abstain", s)
	}
}

func parseInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse integer %q: %w", s, err)
	}
	return n, nil
}

// execCmd runs a compiled wasm module through the node's sandbox executor,
// printing the resulting ExecutionResult.
func execCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "exec [wasm-file] [caller-did] [scope]",
		Args:  cobra.ExactArgs(3),
		Short: "run a wasm module in the sandbox under a caller identity and scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			bytecode, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read wasm file: %w", err)
			}
			vmCtx := core.NewVMContext(core.DID(args[1]), core.ScopeType(args[2]), nil, time.Now().UTC())
			result, err := rt.Sandbox.Execute(bytecode, vmCtx)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

// credentialCmd issues and verifies verifiable credentials signed with the
// node's own identity key.
func credentialCmd(env *string) *cobra.Command {
	cmd := &cobra.Command{Use: "credential"}

	issue := &cobra.Command{
		Use:   "issue [subject-did] [claims-json]",
		Args:  cobra.ExactArgs(2),
		Short: "issue a verifiable credential over subject claims, signed by this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*env)
			if err != nil {
				return err
			}
			defer rt.Close()
			var claims map[string]any
			if err := json.Unmarshal([]byte(args[1]), &claims); err != nil {
				return fmt.Errorf("parse claims-json: %w", err)
			}
			if claims == nil {
				claims = make(map[string]any)
			}
			now := time.Now().UTC()
			vc := core.VerifiableCredential{
				ID:           core.NewCredentialID(),
				Types:        []string{"VerifiableCredential"},
				IssuanceDate: now,
				Subject:      claims,
			}
			vc.Subject["id"] = args[0]
			signed, err := core.SignCredential(vc, rt.NodeDID, rt.nodeKey, now)
			if err != nil {
				return err
			}
			return printJSON(signed)
		},
	}
	cmd.AddCommand(issue)

	verify := &cobra.Command{
		Use:   "verify [credential-file]",
		Args:  cobra.ExactArgs(1),
		Short: "verify a verifiable credential's proof and expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read credential file: %w", err)
			}
			var vc core.VerifiableCredential
			if err := json.Unmarshal(raw, &vc); err != nil {
				return fmt.Errorf("parse credential json: %w", err)
			}
			if err := core.VerifyCredential(vc, time.Now().UTC()); err != nil {
				return err
			}
			return printJSON(map[string]any{"valid": true})
		},
	}
	cmd.AddCommand(verify)

	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
