package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/recovery"
	"github.com/spf13/cobra"
)

func createRecoverCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery sweep and exit",
		Long: `
Reconciles every non-terminal job against the queue, the checkpoint log and the
backends, once. With --job only that job is reconciled.

Jobs still executing on their backend are handed to the queue, and the next
worker that claims them resumes monitoring without resubmitting.

Recovery is idempotent, but it should not race a live leader's sweep over the
same jobs; stop the cluster or run it against a single job.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			c := NewContainer(cfg)
			defer c.Cleanup()

			return runRecover(cmd.Context(), c, kernel.JobID(jobID), os.Stdout)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "reconcile only this job id")
	return cmd
}

// runRecover sweeps once. This process exits right after, so nothing here
// may take a claim and monitor a job.
func runRecover(ctx context.Context, c *Container, id kernel.JobID, out io.Writer) error {
	m := c.newRecovery(nil)
	if !id.IsEmpty() {
		return recoverOne(ctx, c, m, id, out)
	}

	stats, err := m.RecoverOrphanedJobs(ctx)
	if err != nil {
		return err
	}
	actions := make([]string, 0, len(stats.Actions))
	for action := range stats.Actions {
		actions = append(actions, string(action))
	}
	sort.Strings(actions)
	for _, action := range actions {
		fmt.Fprintf(out, "%-22s %d\n", action, stats.Actions[recovery.Action(action)])
	}
	fmt.Fprintf(out, "%-22s %d\n", "skipped", stats.Skipped)
	fmt.Fprintf(out, "%-22s %d\n", "failed", stats.Failed)
	return stats.Err
}

func recoverOne(ctx context.Context, c *Container, m *recovery.Manager, id kernel.JobID, out io.Writer) error {
	job, err := c.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	action, err := m.ReconcileJob(ctx, job)
	if err != nil {
		return err
	}
	if action == recovery.ActionNone {
		logx.WithField("job_id", id).Info("recover: nothing to do")
		return nil
	}
	fmt.Fprintf(out, "%s %s\n", id, action)
	return nil
}
