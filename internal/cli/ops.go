package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tutu-network/scribe/internal/domain"
)

// ─── Recovery commands ──────────────────────────────────────────────────────
// One-shot versions of the background loops run by 'scribe serve'.

func init() {
	rootCmd.AddCommand(jobsCmd, webhooksCmd)
	jobsCmd.AddCommand(jobsSweepCmd)
	webhooksCmd.AddCommand(webhooksReplayCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and recover summary jobs",
}

var jobsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run pending summary jobs whose lease has expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		n, err := d.Worker.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		d.Worker.Drain()

		st := d.Worker.Stats()
		counts, err := d.DB.CountJobsByStatus(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Dispatched %d job(s): %d completed, %d failed.\n", n, st.Completed, st.Failed)
		fmt.Fprintf(out, "Jobs by status: pending %d, completed %d, failed %d\n",
			counts[domain.JobPending], counts[domain.JobCompleted], counts[domain.JobFailed])
		return nil
	},
}

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Inspect and recover payment notifications",
}

var webhooksReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reprocess recorded payment notifications that have not settled",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		st, err := d.Sweeper.SweepOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d event(s): %d applied, %d retrying, %d abandoned.\n",
			st.Scanned, st.Applied, st.Retrying, st.Abandoned)
		return nil
	},
}
