package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"goa.design/clue/log"

	"goa.design/groupmq/queue"
	"goa.design/groupmq/store"
	"goa.design/groupmq/store/pgstore"
)

// maxPayloadWidth is the maximum number of payload bytes printed by jobs.
const maxPayloadWidth = 60

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "groupmq",
		Short:        "Inspect and operate group-ordered job queues",
		SilenceUsage: true,
	}
	addConfigFlags(root)
	root.AddCommand(
		newStatsCmd(),
		newGroupsCmd(),
		newJobsCmd(),
		newEnqueueCmd(),
		newReclaimCmd(),
		newMigrateCmd(),
	)
	return root
}

// run wraps a command body with configuration loading and queue setup.
func run(fn func(cmd *cobra.Command, args []string, q *queue.Queue) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd, cfg)
		return withQueue(ctx, cfg, func(ctx context.Context, q *queue.Queue) error {
			cmd.SetContext(ctx)
			return fn(cmd, args, q)
		})
	}
}

func commandContext(cmd *cobra.Command, cfg *config) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

func newStatsCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the number of jobs per state",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, q *queue.Queue) error {
			ctx := cmd.Context()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTIVE\tWAITING\tDELAYED\tTOTAL\tGROUPS")
			if err := printCounts(ctx, w, q); err != nil || !watch {
				return err
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := printCounts(ctx, w, q); err != nil {
						return err
					}
				}
			}
		}),
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "print counts periodically until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "watch interval")
	return cmd
}

func printCounts(ctx context.Context, w *tabwriter.Writer, q *queue.Queue) error {
	c, err := q.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
		time.Now().Format(time.TimeOnly), c.Active, c.Waiting, c.Delayed, c.Total, c.Groups)
	return w.Flush()
}

func newGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List the groups that have jobs",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, q *queue.Queue) error {
			groups, err := q.Groups(cmd.Context())
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Fprintln(cmd.OutOrStdout(), g)
			}
			return nil
		}),
	}
}

func newJobsCmd() *cobra.Command {
	var (
		state string
		limit int
		path  string
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs in a given state",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, q *queue.Queue) error {
			st, err := store.ParseState(state)
			if err != nil {
				return err
			}
			jobs, err := q.Jobs(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs, path)
		}),
	}
	cmd.Flags().StringVar(&state, "state", string(store.StateWaiting), "job state: active, waiting or delayed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list, 0 lists all")
	cmd.Flags().StringVar(&path, "path", "", "print the value at this GJSON path of JSON payloads instead of the raw payload")
	return cmd
}

func printJobs(out io.Writer, jobs []*queue.Job, path string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGROUP\tATTEMPTS\tORDER\tREADY AT\tWORKER\tVISIBLE UNTIL\tPAYLOAD")
	for _, job := range jobs {
		visible := "-"
		if !job.VisibleAt.IsZero() {
			visible = job.VisibleAt.Format(time.RFC3339Nano)
		}
		worker := job.WorkerID
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%s\t%s\t%s\n",
			job.ID, job.GroupID, job.Attempts, job.MaxAttempts, job.OrderMs,
			job.ReadyAt.Format(time.RFC3339Nano), worker, visible, formatPayload(job.Payload, path))
	}
	return w.Flush()
}

// formatPayload renders a payload for display. If path is set and the payload
// is JSON, only the value at path is rendered.
func formatPayload(payload []byte, path string) string {
	if path != "" && gjson.ValidBytes(payload) {
		return gjson.GetBytes(payload, path).String()
	}
	s := string(payload)
	if len(s) > maxPayloadWidth {
		s = s[:maxPayloadWidth-3] + "..."
	}
	return s
}

func newEnqueueCmd() *cobra.Command {
	var (
		id          string
		orderMs     int64
		delay       time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue GROUP PAYLOAD",
		Short: "Add a job to a group",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, args []string, q *queue.Queue) error {
			var opts []queue.AddOption
			if id != "" {
				opts = append(opts, queue.WithJobID(id))
			}
			if cmd.Flags().Changed("order-ms") {
				opts = append(opts, queue.WithOrderMs(orderMs))
			}
			if delay > 0 {
				opts = append(opts, queue.WithDelay(delay))
			}
			if maxAttempts > 0 {
				opts = append(opts, queue.WithMaxAttempts(maxAttempts))
			}
			d, err := q.Add(cmd.Context(), args[0], []byte(args[1]), opts...)
			if err != nil {
				return err
			}
			verb := "added"
			if d.Updated {
				verb = "updated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s job %s (seq %d)\n", verb, d.ID, d.Seq)
			return nil
		}),
	}
	cmd.Flags().StringVar(&id, "id", "", "job id, an existing job with the same id is updated")
	cmd.Flags().Int64Var(&orderMs, "order-ms", 0, "order timestamp in milliseconds since the epoch")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes eligible")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "maximum number of attempts")
	return cmd
}

func newReclaimCmd() *cobra.Command {
	var redeliveryDelay time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Release expired reservations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, q *queue.Queue) error {
			res, err := q.Reclaim(cmd.Context(), redeliveryDelay)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range res.Requeued {
				fmt.Fprintf(out, "requeued %s\n", id)
			}
			for _, job := range res.Dead {
				fmt.Fprintf(out, "dead %s (group %s, %d attempts)\n", job.ID, job.GroupID, job.Attempts)
			}
			return nil
		}),
	}
	cmd.Flags().DurationVar(&redeliveryDelay, "redelivery-delay", 0, "delay before reclaimed jobs become eligible")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status|version]",
		Short:     "Manage the PostgreSQL schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{pgstore.MigrateUp, pgstore.MigrateDown, pgstore.MigrateStatus, pgstore.MigrateVersion},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Backend != "postgres" {
				return fmt.Errorf("migrate requires the postgres backend, got %q", cfg.Backend)
			}
			command := pgstore.MigrateUp
			if len(args) == 1 {
				command = args[0]
			}
			ctx := commandContext(cmd, cfg)
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return pgstore.Migrate(ctx, pool, command)
		},
	}
}
