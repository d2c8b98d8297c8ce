package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/msageha/phasegate/internal/daemon"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/ingest"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/plan"
	"github.com/msageha/phasegate/internal/setup"
	"github.com/msageha/phasegate/internal/status"
	"github.com/msageha/phasegate/internal/uds"
	yamlutil "github.com/msageha/phasegate/internal/yaml"
)

var (
	workspaceFlag string
	jsonOutput    bool
)

var rootCmd = &cobra.Command{
	Use:   "phasegate",
	Short: "Phase-gated task orchestration",
	Long: `phasegate advances a multi-phase plan by dispatching work items, checks a
gate after each phase, checkpoints committed phases and rolls back failed
ones. Incoming events are classified by urgency; anything that needs a human
lands in the decision queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var verrs *plan.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprint(os.Stderr, verrs.FormatStderr())
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "path to the .phasegate directory (default: search upwards from cwd)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(abortCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(versionCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .phasegate workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(abs)
			}
			if err := setup.Run(abs, name); err != nil {
				return err
			}
			fmt.Printf("initialized %s\n", filepath.Join(abs, setup.DirName))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	return cmd
}

func runCmd() *cobra.Command {
	var planFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the plan in the foreground until it finishes or blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}
			logger, err := logging.New(ws.cfg.Logging)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return ws.withRuntime(ctx, planFile, logger, func(ctx context.Context, rt *daemon.Runtime) error {
				st, runErr := rt.Orchestrator.Run(ctx)
				if ctx.Err() != nil {
					abortCtx, cancel := context.WithTimeout(context.Background(), ws.cfg.Daemon.ShutdownTimeout)
					defer cancel()
					if err := rt.Orchestrator.Abort(abortCtx, "interrupted"); err != nil {
						return errors.Join(runErr, err)
					}
					st = model.RunStatusAborted
				} else if runErr != nil {
					return runErr
				}

				report, err := status.Collect(context.Background(), rt.Repo, rt.Plan.PhaseIDs())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(report)
				}
				status.Render(os.Stdout, report)
				if st == model.RunStatusBlocked {
					fmt.Println("\nrun is blocked; resolve the pending decisions with 'phasegate decision resolve' and run again")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planFile, "plan", "", "plan file (default: .phasegate/plan.yaml)")
	return cmd
}

func daemonCmd() *cobra.Command {
	var planFile string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}
			p, err := ws.loadPlan(planFile)
			if err != nil {
				return err
			}
			rt, err := daemon.NewRuntime(ws.dir, ws.cfg, p, daemon.RuntimeOptions{})
			if err != nil {
				return err
			}
			if err := daemon.New(rt).Run(); err != nil {
				_ = rt.Close(context.Background())
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&planFile, "plan", "", "plan file (default: .phasegate/plan.yaml)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the run, its phases and pending decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}

			var report *status.Report
			if client := ws.daemonClient(ctx); client != nil {
				report = &status.Report{}
				if err := client.Call(ctx, uds.CmdStatus, nil, report); err != nil {
					return err
				}
			} else {
				var order []string
				if p, err := ws.loadPlan(""); err == nil {
					order = p.PhaseIDs()
				}
				repo, closeRepo, err := ws.openRepo()
				if err != nil {
					return err
				}
				defer func() { _ = closeRepo() }()
				if report, err = status.Collect(ctx, repo, order); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(report)
			}
			status.Render(os.Stdout, report)
			return nil
		},
	}
}

func decisionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "decision", Short: "Inspect and resolve queued decisions"}
	cmd.AddCommand(decisionListCmd())
	cmd.AddCommand(decisionResolveCmd())
	return cmd
}

func decisionListCmd() *cobra.Command {
	var minUrgency, phaseID string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending decisions, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}
			params := daemon.DecisionListParams{MinUrgency: minUrgency, PhaseID: phaseID, Status: string(model.DecisionPending)}
			if all {
				params.Status = "all"
			}

			var items []model.DecisionItem
			if client := ws.daemonClient(ctx); client != nil {
				if err := client.Call(ctx, uds.CmdDecisionList, params, &items); err != nil {
					return err
				}
			} else {
				filter := decision.Filter{PhaseID: phaseID}
				if !all {
					filter.Status = model.DecisionPending
				}
				if minUrgency != "" {
					if filter.MinUrgency, err = model.ParseUrgency(minUrgency); err != nil {
						return err
					}
				}
				repo, closeRepo, err := ws.openRepo()
				if err != nil {
					return err
				}
				defer func() { _ = closeRepo() }()
				if items, err = decision.NewQueue(repo).List(ctx, filter); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("no decisions")
				return nil
			}
			status.RenderDecisions(os.Stdout, status.DecisionRows(items))
			return nil
		},
	}
	cmd.Flags().StringVar(&minUrgency, "min-urgency", "", "only show items at or above this urgency (low|normal|high|critical)")
	cmd.Flags().StringVar(&phaseID, "phase", "", "only show items for this phase")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved items")
	return cmd
}

func decisionResolveCmd() *cobra.Command {
	var option, resolver string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Record a resolution for a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if option == "" {
				return fmt.Errorf("--option required")
			}
			if resolver == "" {
				resolver = os.Getenv("USER")
			}
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}

			var item *model.DecisionItem
			if client := ws.daemonClient(ctx); client != nil {
				item = &model.DecisionItem{}
				err = client.Call(ctx, uds.CmdDecisionResolve, daemon.DecisionResolveParams{
					ID: args[0], OptionID: option, Resolver: resolver,
				}, item)
			} else {
				repo, closeRepo, oerr := ws.openRepo()
				if oerr != nil {
					return oerr
				}
				defer func() { _ = closeRepo() }()
				item, err = decision.NewQueue(repo).Resolve(ctx, args[0], option, resolver)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(item)
			}
			fmt.Printf("resolved %s with %s (effect: %s)\n", item.ID, option, item.ChosenEffect())
			return nil
		},
	}
	cmd.Flags().StringVar(&option, "option", "", "option id to choose")
	cmd.Flags().StringVar(&resolver, "resolver", "", "who resolved it (default: $USER)")
	return cmd
}

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "event", Short: "Feed external events"}
	cmd.AddCommand(eventIngestCmd())
	return cmd
}

func eventIngestCmd() *cobra.Command {
	var file, source, payload, id string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Submit an event from a file or from flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ev, err := eventFromFlags(file, id, source, payload)
			if err != nil {
				return err
			}
			if err := ingest.Normalize(&ev, "cli", time.Now().UTC()); err != nil {
				return err
			}
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}

			if client := ws.daemonClient(ctx); client != nil {
				var res daemon.EventIngestResult
				if err := client.Call(ctx, uds.CmdEventIngest, daemon.EventIngestParams{Event: ev}, &res); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				printIngestResult(res)
				return nil
			}

			// No daemon: leave it in the inbox for the next run.
			path := filepath.Join(ws.dir, "inbox", ev.ID+".yaml")
			if err := yamlutil.WriteFile(path, ev); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"event_id": ev.ID, "queued": path})
			}
			fmt.Printf("daemon not running; queued %s in %s\n", ev.ID, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "event document (JSON or YAML)")
	cmd.Flags().StringVar(&id, "id", "", "event id (default: generated)")
	cmd.Flags().StringVar(&source, "source", "", "event source")
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as a JSON object")
	return cmd
}

func eventFromFlags(file, id, source, payload string) (model.Event, error) {
	if file != "" {
		if payload != "" {
			return model.Event{}, fmt.Errorf("--file and --payload are mutually exclusive")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return model.Event{}, err
		}
		ev, err := ingest.Decode(data, filepath.Ext(file))
		if err != nil {
			return model.Event{}, err
		}
		if id != "" {
			ev.ID = id
		}
		if source != "" {
			ev.Source = source
		}
		return ev, nil
	}
	if payload == "" {
		return model.Event{}, fmt.Errorf("either --file or --payload is required")
	}
	ev := model.Event{ID: id, Source: source}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return model.Event{}, fmt.Errorf("--payload must be a JSON object: %w", err)
	}
	return ev, nil
}

func printIngestResult(res daemon.EventIngestResult) {
	if res.Duplicate {
		fmt.Printf("event %s already ingested\n", res.EventID)
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Event", "Urgency", "Route", "Decision", "Phase"})
	tw.AppendRow(table.Row{res.EventID, res.Urgency, res.Route, res.DecisionID, res.PhaseID})
	tw.Render()
}

func rollbackCmd() *cobra.Command {
	var to string
	var planFile string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo side effects recorded after a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			seq, err := strconv.ParseInt(to, 10, 64)
			if err != nil || seq < 0 {
				return fmt.Errorf("--to must be a checkpoint sequence number >= 0")
			}
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}

			var res daemon.RollbackResult
			if client := ws.daemonClient(ctx); client != nil {
				err = client.Call(ctx, uds.CmdRollback, daemon.RollbackParams{ToSeq: seq}, &res)
			} else {
				err = ws.withRuntime(ctx, planFile, logging.NewNop(), func(ctx context.Context, rt *daemon.Runtime) error {
					r, rerr := rt.Orchestrator.Rollback(ctx, seq)
					if r != nil {
						res = daemon.RollbackResult{
							Checkpoint:     r.Checkpoint,
							AlreadyApplied: r.AlreadyApplied,
							Undone:         len(r.Undone),
							ReplayEvents:   r.ReplayEvents,
						}
					}
					return rerr
				})
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(res)
			}
			if res.AlreadyApplied {
				fmt.Printf("checkpoint %d was already rolled back\n", res.Checkpoint)
				return nil
			}
			fmt.Printf("rolled back to checkpoint %d: %d side effect(s) undone, %d event(s) to replay\n",
				res.Checkpoint, res.Undone, len(res.ReplayEvents))
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "checkpoint sequence number")
	cmd.Flags().StringVar(&planFile, "plan", "", "plan file when no daemon is running")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func abortCmd() *cobra.Command {
	var reason, planFile string
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort the current run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}
			if client := ws.daemonClient(ctx); client != nil {
				err = client.Call(ctx, uds.CmdAbort, daemon.AbortParams{Reason: reason}, nil)
			} else {
				err = ws.withRuntime(ctx, planFile, logging.NewNop(), func(ctx context.Context, rt *daemon.Runtime) error {
					return rt.Orchestrator.Abort(ctx, reason)
				})
			}
			if err != nil {
				return err
			}
			fmt.Println("run aborted")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "aborted by operator", "reason recorded on the run")
	cmd.Flags().StringVar(&planFile, "plan", "", "plan file when no daemon is running")
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Work with plan files"}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a plan for schema, reference and cycle errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			items := 0
			for _, ph := range p.Phases {
				items += len(ph.Items)
			}
			fmt.Printf("plan %q is valid: %d phase(s), %d work item(s)\n", p.Name, len(p.Phases), items)
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("phasegate %s\n", daemon.Version)
		},
	}
}
