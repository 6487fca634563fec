// Command ticket-sink is the pipeline's CLI entrypoint (spec §6):
// sync, daemon, status, issue, and the resolve-users stub, all built
// over one internal/runtime.Runtime per invocation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ticket-sink/ticket-sink/internal/config"
	"github.com/ticket-sink/ticket-sink/internal/coordinator"
	"github.com/ticket-sink/ticket-sink/internal/ident"
	"github.com/ticket-sink/ticket-sink/internal/runtime"
	"github.com/ticket-sink/ticket-sink/internal/util/notify"
	"github.com/ticket-sink/ticket-sink/internal/util/stopper"
	"github.com/ticket-sink/ticket-sink/internal/workflow"
)

// maintenanceSchedule and maintenanceCeiling configure the daemon's
// optional daily maintenance window (spec §5): a fixed-time resolver
// sweep, bounded so a slow directory never delays the next day's
// cycles indefinitely.
const (
	maintenanceSchedule = "0 2 * * *"
	maintenanceCeiling  = 120 * time.Minute
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}
	root := &cobra.Command{
		Use:           "ticket-sink",
		Short:         "Replicate JIRA issues into Lark Base tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg.Bind(root.PersistentFlags())

	root.AddCommand(
		newSyncCmd(cfg),
		newDaemonCmd(cfg),
		newStatusCmd(cfg),
		newIssueCmd(cfg),
		newResolveUsersCmd(cfg),
	)
	return root
}

func newSyncCmd(cfg *config.Config) *cobra.Command {
	var team, table string
	var fullUpdate bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one or more table sync cycles and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, closeFn, err := runtime.NewFromFlags(ctx, cfg, cmd.Flags())
			if err != nil {
				return err
			}
			defer closeFn()

			refresh := workflow.FullRefreshNone
			if fullUpdate {
				refresh = workflow.FullRefreshFilter
			}

			var failed bool
			for id, binding := range rt.BindingSet() {
				if team != "" && string(binding.Team) != team {
					continue
				}
				if table != "" && string(binding.Table) != table {
					continue
				}
				if err := runOneCycle(ctx, rt, id, refresh); err != nil {
					log.WithError(err).WithField("binding", id).Error("cycle failed")
					failed = true
				}
			}
			if failed {
				return fmt.Errorf("one or more table cycles failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "restrict to a single team")
	cmd.Flags().StringVar(&table, "table", "", "restrict to a single table")
	cmd.Flags().BoolVar(&fullUpdate, "full-update", false, "bypass the staleness filter for every matched table")
	return cmd
}

func runOneCycle(ctx context.Context, rt *runtime.Runtime, id ident.TableID, refresh workflow.FullRefreshMode) error {
	team, table := splitBindingID(id)
	binding, err := rt.Binding(ident.Team(team), ident.TableKey(table))
	if err != nil {
		return err
	}
	mgr, err := rt.Manager(ctx, id)
	if err != nil {
		return err
	}
	result, err := mgr.RunCycle(ctx, binding, refresh)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"binding": id,
		"created": len(result.Created),
		"updated": len(result.Updated),
		"failed":  len(result.Failed),
	}).Info("cycle complete")
	return nil
}

func splitBindingID(id ident.TableID) (team, table string) {
	s := string(id)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func newDaemonCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run every enabled table on its configured interval until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, closeFn, err := runtime.NewFromFlags(ctx, cfg, cmd.Flags())
			if err != nil {
				return err
			}
			defer closeFn()

			bindings := &notify.Var[coordinator.BindingSet]{}
			bindings.Set(buildBindingSet(rt))

			run := func(ctx context.Context, id ident.TableID) error {
				return runOneCycle(ctx, rt, id, workflow.FullRefreshNone)
			}
			co := coordinator.New(run, rt.Metrics)

			maint, err := coordinator.NewMaintenance(maintenanceSchedule, maintenanceCeiling, func(ctx context.Context) error {
				resolved, err := rt.Resolver.RunOnce(ctx)
				if err != nil {
					return err
				}
				log.WithField("resolved", resolved).Info("maintenance window: resolve-users pass complete")
				return nil
			})
			if err != nil {
				return err
			}
			maint.Start()
			defer maint.Stop()

			sctx, cancel := stopper.WithContext(ctx)
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutdown signal received, draining in-flight cycles")
				sctx.Stop()
			}()

			if err := co.Daemon(sctx, bindings, minInterval(rt)); err != nil {
				return err
			}
			return sctx.Wait()
		},
	}
}

func buildBindingSet(rt *runtime.Runtime) coordinator.BindingSet {
	intervals := make(map[ident.TableID]time.Duration)
	for id, binding := range rt.BindingSet() {
		intervals[id] = rt.Config.EffectiveInterval(string(binding.Team), string(binding.Table))
	}
	return coordinator.BindingSet{Intervals: intervals}
}

// minInterval picks the scheduler's polling granularity: the smallest
// configured interval, so no binding waits longer than its own setting
// to be reconsidered (spec §4.9's per-binding next_due is still the
// authority on whether a binding actually runs).
func minInterval(rt *runtime.Runtime) time.Duration {
	best := rt.Config.Global.DefaultSyncInterval
	for _, binding := range rt.BindingSet() {
		if d := rt.Config.EffectiveInterval(string(binding.Team), string(binding.Table)); d > 0 && d < best {
			best = d
		}
	}
	if best <= 0 {
		best = time.Minute
	}
	return best
}

func newStatusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print each table's last-known counts from its processing log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, closeFn, err := runtime.NewFromFlags(ctx, cfg, cmd.Flags())
			if err != nil {
				return err
			}
			defer closeFn()

			type tableStatus struct {
				Binding           string `json:"binding"`
				Created           int    `json:"created"`
				Updated           int    `json:"updated"`
				ColdStartExisting int    `json:"cold_start_existing"`
				Failed            int    `json:"failed"`
				LastProcessedAt   int64  `json:"last_processed_at_unix_ms"`
			}
			var out []tableStatus
			for id := range rt.BindingSet() {
				plog, err := rt.ProcessingLog(ctx, id)
				if err != nil {
					return err
				}
				stats, err := plog.Stats(ctx)
				if err != nil {
					return err
				}
				out = append(out, tableStatus{
					Binding: string(id), Created: stats.Created, Updated: stats.Updated,
					ColdStartExisting: stats.ColdStartExisting, Failed: stats.Failed,
					LastProcessedAt: stats.LastProcessedAt,
				})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newIssueCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "issue <team> <table> <key>",
		Short: "Re-fetch and upsert a single issue against one table binding",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, closeFn, err := runtime.NewFromFlags(ctx, cfg, cmd.Flags())
			if err != nil {
				return err
			}
			defer closeFn()

			team, table, key := args[0], args[1], args[2]
			id := ident.NewTableID(ident.Team(team), ident.TableKey(table))
			binding, err := rt.Binding(ident.Team(team), ident.TableKey(table))
			if err != nil {
				return err
			}
			mgr, err := rt.Manager(ctx, id)
			if err != nil {
				return err
			}
			result, err := mgr.RunIssue(ctx, binding, key)
			if err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("issue %s failed to project: %s", key, result.Failed[0].Reason)
			}
			log.WithFields(log.Fields{"binding": id, "issue_key": key}).Info("issue upserted")
			return nil
		},
	}
}

// newResolveUsersCmd is the stub offline-resolution verb named in spec
// §4.5: drains every table-independent pending/incomplete username
// against the sink directory once, then exits. The daemon verb runs
// the same Resolver.RunOnce pass on its daily maintenance schedule
// (maintenanceSchedule); this verb is the on-demand equivalent.
func newResolveUsersCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-users",
		Short: "Resolve every pending UserCache entry against the sink directory once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, closeFn, err := runtime.NewFromFlags(ctx, cfg, cmd.Flags())
			if err != nil {
				return err
			}
			defer closeFn()

			resolved, err := rt.Resolver.RunOnce(ctx)
			if err != nil {
				return err
			}
			log.WithField("resolved", resolved).Info("resolve-users complete")
			return nil
		},
	}
}
