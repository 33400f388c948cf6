package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/timvw/orchflow/internal/session"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [name]",
	Short: "Save the current session state under a name",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "manual"
		if len(args) == 1 {
			name = args[0]
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			id, err := a.orch.Snapshot(ctx, name)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <id|latest>",
	Short: "Restore a snapshot, reconciling it with the live multiplexer",
	Long: `Restore a snapshot and reconcile it with the panes that actually exist.

Workers whose pane is still alive are kept. Workers whose pane vanished are
marked error and lose their quick-access key; workers whose process exited
are marked completed or error by exit status. Nothing changes if the
restore fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		rep, err := a.orch.Restore(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := a.save(ctx); err != nil {
			return err
		}
		if flagJSON {
			return printJSON(rep)
		}
		printReport(rep)
		return nil
	},
}

func printReport(rep session.Report) {
	fmt.Printf("restored %s\n", rep.SnapshotID)
	if rep.SessionMissing {
		fmt.Println("  session is gone; run 'orchflow up' to recreate it")
	}
	lines := []struct {
		label string
		ids   []string
	}{
		{"kept", rep.Kept},
		{"lost", rep.Lost},
		{"exited", rep.Exited},
	}
	for _, l := range lines {
		if len(l.ids) > 0 {
			fmt.Printf("  %s: %s\n", l.label, strings.Join(l.ids, ", "))
		}
	}
	if len(rep.ReleasedKeys) > 0 {
		fmt.Printf("  released keys: %v\n", rep.ReleasedKeys)
	}
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List saved snapshots, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		infos, err := store.List(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			if infos == nil {
				infos = []session.Info{}
			}
			return printJSON(infos)
		}
		if len(infos) == 0 {
			fmt.Println("no snapshots")
			return nil
		}
		for _, s := range infos {
			fmt.Printf("%s  %-10s %s  %-9s %d workers\n",
				s.ID, s.Name, s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.Backend, s.Workers)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd, restoreCmd, snapshotsCmd)
}
