package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/timvw/orchflow/internal/env"
	"github.com/timvw/orchflow/internal/flow"
	"github.com/timvw/orchflow/internal/orchestrator"
)

var (
	flagFresh      bool
	flagSkipLayout bool
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Detect the environment and set up the orchestration session",
	Long: `Detect the terminal environment, pick a setup flow and run it, then
create the multiplexer session with its primary/status split.

Existing workers from the last snapshot are kept. When the selected
multiplexer turns out to be unusable, the next one in priority order is
tried, down to the detached-process fallback. Use --backend to force one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if _, err := a.load(ctx); err != nil {
			return err
		}
		res, err := a.orch.Setup(ctx, orchestrator.SetupOptions{
			Backend:    a.cfg.Backend,
			Fresh:      flagFresh,
			SkipLayout: flagSkipLayout,
		})
		if err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		if _, err := a.save(ctx); err != nil {
			return err
		}

		if flagJSON {
			return printJSON(res)
		}
		for _, w := range res.Warnings {
			warnf("%s", w)
		}
		state := "attached to"
		if res.Session.Created {
			state = "created"
		}
		fmt.Printf("flow %s (%s): %s session %q\n", res.Flow.Name, res.Backend, state, res.Session.Name)
		if len(res.Steps.Completed) > 0 {
			fmt.Printf("  steps: %s\n", strings.Join(res.Steps.Completed, ", "))
		}
		if len(res.Steps.Skipped) > 0 {
			fmt.Printf("  skipped: %s\n", strings.Join(res.Steps.Skipped, ", "))
		}
		if res.Layout.PrimaryPane != "" {
			fmt.Printf("  layout: primary %s, status %s\n", res.Layout.PrimaryPane, res.Layout.StatusPane)
		}
		return nil
	},
}

// detection is what detect prints.
type detection struct {
	Environment env.Descriptor `json:"environment"`
	Flow        flow.Flow      `json:"flow"`
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Show the detected environment and the flow it routes to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flows, err := loadFlows(cfg)
		if err != nil {
			return err
		}
		return printJSON(detect(cmd.Context(), env.NewDetector(), flow.NewRouter(flows), cfg.Backend))
	},
}

// detect describes the environment and the flow setup would run.
func detect(ctx context.Context, d *env.Detector, r *flow.Router, backend string) detection {
	desc := d.Detect(ctx, false)
	if backend != "" {
		if f, ok := r.ForBackend(backend); ok {
			return detection{Environment: desc, Flow: f}
		}
	}
	return detection{Environment: desc, Flow: r.Route(desc)}
}

func init() {
	upCmd.Flags().BoolVar(&flagFresh, "fresh", false, "re-detect the environment instead of using the cached result")
	upCmd.Flags().BoolVar(&flagSkipLayout, "skip-layout", false, "do not split a newly created session into primary and status panes")
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(detectCmd)
}
