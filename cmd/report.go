package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/timvw/orchflow/internal/events"
)

var (
	flagReportWorker  string
	flagReportPane    string
	flagReportCode    int
	flagReportPercent int
	flagReportMessage string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report a worker's exit or progress (used by worker wrappers)",
	Long: `Report a worker's exit status or progress.

The report goes to a running 'orchflow serve' over its event socket. When
no collector is listening it is applied to the saved state directly.`,
}

var reportExitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Report that a worker's process exited",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendReport(cmd.Context(), events.Report{
			Kind:     events.ReportExit,
			ExitCode: flagReportCode,
		})
	},
}

var reportProgressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Report a worker's progress (0-100)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendReport(cmd.Context(), events.Report{
			Kind:     events.ReportProgress,
			Progress: flagReportPercent,
		})
	},
}

// sendReport fills in the subject and timestamp, then delivers r to the
// collector or, failing that, applies it directly.
func sendReport(ctx context.Context, r events.Report) error {
	r.WorkerID = flagReportWorker
	r.Pane = flagReportPane
	r.Message = flagReportMessage
	r.TS = time.Now().UTC()
	if err := r.Validate(); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	socket := cfg.EventSocket
	if socket == "" {
		socket = events.DefaultSocketPath()
	}
	err = events.Send(socket, r)
	if err == nil {
		return nil
	}
	slog.Debug("collector unreachable, applying report directly", "socket", socket, "err", err)
	return withApp(ctx, func(ctx context.Context, a *app) error {
		return a.orch.ApplyReport(ctx, r)
	})
}

func init() {
	for _, c := range []*cobra.Command{reportExitCmd, reportProgressCmd} {
		c.Flags().StringVar(&flagReportWorker, "worker", envOrDefault("ORCHFLOW_WORKER_ID", ""), "worker id (default: $ORCHFLOW_WORKER_ID)")
		c.Flags().StringVar(&flagReportPane, "pane", "", "pane reference, when the worker id is unknown")
		c.Flags().StringVar(&flagReportMessage, "message", "", "free-form note")
	}
	reportExitCmd.Flags().IntVar(&flagReportCode, "code", 0, "exit status 0-255")
	reportProgressCmd.Flags().IntVar(&flagReportPercent, "percent", 0, "progress 0-100")
	reportCmd.AddCommand(reportExitCmd, reportProgressCmd)
	rootCmd.AddCommand(reportCmd)
}
