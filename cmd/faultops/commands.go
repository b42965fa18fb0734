package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/eniac111/faultops/internal/config"
	"github.com/eniac111/faultops/internal/task"
	"github.com/eniac111/faultops/internal/types"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer trace.Tracer = otel.Tracer("faultops.cli")

type rootOptions struct {
	configPath  string
	metricsAddr string
	logLevel    string
	trace       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "faultops",
		Short:        "Inject and remediate faults through the Mangle control plane",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "faultops.yaml", "path to the config file")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while the command runs")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&opts.trace, "trace", false, "print trace spans to stderr")

	root.AddCommand(
		newInjectCmd(opts),
		newTeardownCmd(opts),
		newTasksCmd(opts),
		newEndpointsCmd(opts),
	)
	return root
}

// withApp builds the app for one command run and closes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *app) error) (err error) {
	a, err := newApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx, span := tracer.Start(cmd.Context(), cmd.CommandPath())
	defer span.End()
	a.logger.Debug("command started",
		zap.String("command", cmd.CommandPath()),
		zap.Stringer("trace_id", span.SpanContext().TraceID()))

	if err = fn(ctx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func newInjectCmd(opts *rootOptions) *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject the configured fault and print the task ids to tear down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.cfg.RequireMachines(); err != nil {
					return err
				}
				faults, err := requestedFaults(a.cfg, planPath)
				if err != nil {
					return err
				}
				d := a.dispatcher()
				out := cmd.OutOrStdout()
				for _, f := range faults {
					a.logger.Info("injecting fault", zap.String("name", f.Name))
					res, err := d.Dispatch(ctx, a.cfg.Machines, f.FaultRequest)
					for _, id := range res.TaskIDs {
						fmt.Fprintln(out, id)
					}
					if err != nil {
						return fmt.Errorf("%s: %w", f.Name, err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "inject every fault in this plan file instead of the configured fault")
	return cmd
}

func requestedFaults(cfg *config.Config, planPath string) ([]PlanFault, error) {
	if planPath != "" {
		p, err := loadPlan(planPath)
		if err != nil {
			return nil, err
		}
		return p.Faults, nil
	}
	if cfg.Fault.Subtype == "" {
		return nil, &types.ValidationError{Field: "fault", Reason: "no fault configured and no --plan given"}
	}
	return []PlanFault{{Name: "fault", FaultRequest: cfg.Fault}}, nil
}

func newTeardownCmd(opts *rootOptions) *cobra.Command {
	var allRecorded bool
	cmd := &cobra.Command{
		Use:   "teardown [TASK_ID...]",
		Short: "Remediate faults that are still active",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				ids, err := teardownIDs(ctx, a, args, allRecorded)
				if err != nil {
					return err
				}
				outcomes, err := a.teardown().RemediateAll(ctx, ids)

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TASK\tCATEGORY\tSTATUS\tRESULT")
				for _, o := range outcomes {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.TaskID, o.Category, o.Status, o.Action)
				}
				if ferr := tw.Flush(); ferr != nil && err == nil {
					err = ferr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&allRecorded, "all-recorded", false, "also remediate every task in the ledger")
	return cmd
}

func teardownIDs(ctx context.Context, a *app, args []string, allRecorded bool) ([]string, error) {
	ids := append([]string(nil), args...)
	if allRecorded {
		if a.ledger == nil {
			return nil, errors.New("--all-recorded needs store.path or store.in_memory in the config")
		}
		recs, err := a.ledger.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
	}
	seen := map[string]bool{}
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no task ids given")
	}
	return out, nil
}

func newTasksCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect control plane tasks",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	list := &cobra.Command{
		Use:   "list",
		Short: "List every task on the control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				tasks, err := a.client.ListTasks(ctx)
				if err != nil {
					return err
				}
				out := make([]types.FaultTask, 0, len(tasks))
				for _, t := range tasks {
					out = append(out, task.Summarize(t))
				}
				return printTasks(cmd.OutOrStdout(), out, asJSON)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status TASK_ID...",
		Short: "Show the current status of tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				var out []types.FaultTask
				for _, id := range args {
					t, err := a.resolver.Get(ctx, id)
					if err != nil {
						return err
					}
					out = append(out, task.Summarize(t))
				}
				return printTasks(cmd.OutOrStdout(), out, asJSON)
			})
		},
	}

	recorded := &cobra.Command{
		Use:   "recorded",
		Short: "List tasks recorded in the local ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.ledger == nil {
					return errors.New("no store configured")
				}
				recs, err := a.ledger.List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), recs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TASK\tCATEGORY\tSUBTYPE\tTARGET\tPARENT\tCREATED")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Category, r.Subtype, r.Target, r.ParentID, r.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete TASK_ID...",
		Short: "Delete task records from the control plane and the ledger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.client.DeleteTasks(ctx, args...); err != nil {
					return err
				}
				if a.ledger != nil {
					return a.ledger.Delete(ctx, args...)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, status, recorded, del)
	return cmd
}

func printTasks(w io.Writer, tasks []types.FaultTask, asJSON bool) error {
	if asJSON {
		return writeJSON(w, tasks)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tCATEGORY\tTYPE\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Category, t.TaskType, t.Description)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEndpointsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Manage control plane endpoints",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List machine endpoints and endpoint groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				eps, err := a.client.ListEndpoints(ctx)
				if err != nil {
					return err
				}
				groups, err := a.client.ListGroups(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tTYPE\tTARGET")
				for _, ep := range eps {
					target := ""
					if ep.RemoteMachineConnectionProperties != nil {
						target = fmt.Sprintf("%s:%d", ep.RemoteMachineConnectionProperties.Host, ep.RemoteMachineConnectionProperties.SSHPort)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", ep.Name, ep.EndPointType, target)
				}
				for _, g := range groups {
					fmt.Fprintf(tw, "%s\t%s\t%v\n", g.Name, g.EndPointType, g.EndpointNames)
				}
				return tw.Flush()
			})
		},
	}

	var groups bool
	del := &cobra.Command{
		Use:   "delete NAME...",
		Short: "Delete endpoints, or endpoint groups with --group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				p := a.provisioner()
				var result *multierror.Error
				for _, name := range args {
					var err error
					if groups {
						err = p.DeleteGroup(ctx, name)
					} else {
						err = p.DeleteEndpoint(ctx, name)
					}
					if err != nil {
						result = multierror.Append(result, err)
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return result.ErrorOrNil()
			})
		},
	}
	del.Flags().BoolVar(&groups, "group", false, "the names are endpoint groups")

	cmd.AddCommand(list, del)
	return cmd
}
