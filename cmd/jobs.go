package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

type jobView struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
	Logs     []string        `json:"logs,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func viewOf(job ingest.Job, withPayload bool) jobView {
	v := jobView{ID: job.ID, Status: string(job.Status), Attempts: job.Attempts, Logs: job.Logs}
	if len(job.Result) > 0 && json.Valid(job.Result) {
		v.Result = job.Result
	}
	if withPayload && json.Valid(job.Payload) {
		v.Payload = job.Payload
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage queued submission jobs",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsGetCmd())
	cmd.AddCommand(newJobsReleaseCmd())
	cmd.AddCommand(newJobsRemoveCmd())
	cmd.AddCommand(newJobsReplayCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter ingest.JobStatus
			if status != "" {
				parsed, ok := ingest.ParseJobStatus(status)
				if !ok {
					return fmt.Errorf("invalid status %q", status)
				}
				filter = parsed
			}
			return withAppFrom(cmd.Context(), newQueueApp, func(app App) error {
				jobs, err := app.Queue().List(cmd.Context(), app.QueueName(), filter, limit)
				if err != nil {
					return fmt.Errorf("list jobs: %w", err)
				}
				views := make([]jobView, 0, len(jobs))
				for _, job := range jobs {
					views = append(views, viewOf(job, false))
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, active, succeeded or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs; 0 lists all")
	return cmd
}

func newJobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job including its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAppFrom(cmd.Context(), newQueueApp, func(app App) error {
				job, err := app.Queue().Get(cmd.Context(), app.QueueName(), args[0])
				if err != nil {
					return fmt.Errorf("get job %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), viewOf(job, true))
			})
		},
	}
}

func newJobsReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <job-id>",
		Short: "Return an active job to the waiting list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAppFrom(cmd.Context(), newQueueApp, func(app App) error {
				if err := app.Queue().Release(cmd.Context(), app.QueueName(), args[0]); err != nil {
					return fmt.Errorf("release job %s: %w", args[0], err)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
				return err
			})
		},
	}
}

func newJobsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Delete a job that is not active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAppFrom(cmd.Context(), newQueueApp, func(app App) error {
				if err := app.Queue().Remove(cmd.Context(), app.QueueName(), args[0]); err != nil {
					return fmt.Errorf("remove job %s: %w", args[0], err)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return err
			})
		},
	}
}

func newJobsReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay-analytics <job-id>",
		Short: "Re-send the analytics rows kept on a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAppFrom(cmd.Context(), newReplayApp, func(app App) error {
				job, err := app.Replayer().ReplayAnalytics(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("replay job %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), viewOf(job, false))
			})
		},
	}
}
