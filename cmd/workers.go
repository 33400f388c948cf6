package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/orchestrator"
)

var (
	flagName          string
	flagPriority      int
	flagType          string
	flagKey           int
	flagNoKey         bool
	flagCommand       string
	flagDeps          []string
	flagKeepOnFailure bool

	flagSort string
	flagAll  bool
	flagKeep bool
)

var spawnCmd = &cobra.Command{
	Use:   "spawn <task>",
	Short: "Start a worker for a task in a new pane",
	Long: `Start a worker in a new pane of the orchestration session.

The worker gets a descriptive name derived from the task (or from an LLM
when a namer is configured) and the lowest free quick-access key 1-9.
The worker command comes from worker_command in the config, with
{task}, {id}, {name} and {type} replaced.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task := strings.Join(args, " ")
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			w, err := a.orch.SpawnWorker(ctx, task, orchestrator.SpawnOptions{
				Name:          flagName,
				Key:           flagKey,
				NoKey:         flagNoKey,
				Priority:      flagPriority,
				Type:          flagType,
				Dependencies:  flagDeps,
				Command:       flagCommand,
				KeepOnFailure: flagKeepOnFailure,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(w)
			}
			fmt.Printf("spawned %s %q (key %s, pane %s)\n", w.ID, w.DescriptiveName, w.KeyLabel(), w.PaneRef)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	Long: `List workers with their quick-access key, status and progress.

Finished workers (completed or error) are hidden unless --all is given.
Sort by created (default), priority, progress or name.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			ws, err := a.orch.ListWorkers(flagSort, flagAll)
			if err != nil {
				return err
			}
			if flagJSON {
				if ws == nil {
					ws = []model.WorkerView{}
				}
				return printJSON(ws)
			}
			printWorkers(os.Stdout, ws)
			return nil
		})
	},
}

// printWorkers writes a plain worker table.
func printWorkers(w io.Writer, ws []model.WorkerView) {
	if len(ws) == 0 {
		fmt.Fprintln(w, "no workers")
		return
	}
	nameWidth := len("NAME")
	for _, v := range ws {
		nameWidth = max(nameWidth, runewidth.StringWidth(v.DescriptiveName))
	}
	fmt.Fprintf(w, "%-3s %-14s %s %-10s %4s  %s\n", "KEY", "ID", runewidth.FillRight("NAME", nameWidth), "STATUS", "PROG", "TASK")
	for _, v := range ws {
		task := v.TaskDescription
		if v.Status == model.StatusError && v.Error != "" {
			task = v.Error
		}
		fmt.Fprintf(w, "%-3s %-14s %s %-10s %3d%%  %s\n",
			v.KeyLabel(), v.ID, runewidth.FillRight(v.DescriptiveName, nameWidth), v.Status, v.Progress,
			runewidth.Truncate(strings.Join(strings.Fields(task), " "), 60, "..."))
	}
}

var connectCmd = &cobra.Command{
	Use:   "connect <key|name>",
	Short: "Focus a worker's pane by quick-access key or name",
	Long: `Focus a worker's pane.

A single digit 1-9 selects the worker holding that quick-access key.
Anything else matches worker names case-insensitively by substring; when
several match, the most recently created one wins. When nothing matches,
similar names are suggested.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ident := strings.Join(args, " ")
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			res, err := a.orch.Connect(ctx, ident)
			if errors.Is(err, orchestrator.ErrNoMatch) && len(res.Suggestions) > 0 {
				fmt.Fprintf(os.Stderr, "no worker matches %q; did you mean: %s\n", ident, strings.Join(res.Suggestions, ", "))
			}
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(res)
			}
			if len(res.Matches) > 1 {
				fmt.Fprintf(os.Stderr, "%d workers match %q; using the newest\n", len(res.Matches), ident)
			}
			fmt.Printf("connected to %s %q\n", res.Worker.ID, res.Worker.DescriptiveName)
			return nil
		})
	},
}

// workerAction builds a command that applies op to one worker and prints
// its new state.
func workerAction(use, short string, op func(ctx context.Context, a *app, ident string) (model.WorkerView, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <worker>",
		Short: short,
		Long: short + `.

The worker is given by id, quick-access key, or name (exact first, then
the newest worker whose name contains the text).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				w, err := op(ctx, a, args[0])
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(w)
				}
				fmt.Printf("%s %q: %s\n", w.ID, w.DescriptiveName, w.Status)
				return nil
			})
		},
	}
}

var pauseCmd = workerAction("pause", "Pause a running worker", func(ctx context.Context, a *app, ident string) (model.WorkerView, error) {
	return a.orch.Pause(ctx, ident)
})

var resumeCmd = workerAction("resume", "Resume a paused worker", func(ctx context.Context, a *app, ident string) (model.WorkerView, error) {
	return a.orch.Resume(ctx, ident)
})

var stopCmd = workerAction("stop", "Stop a worker and close its pane", func(ctx context.Context, a *app, ident string) (model.WorkerView, error) {
	return a.orch.Stop(ctx, ident, flagKeep)
})

var sendCmd = &cobra.Command{
	Use:   "send <worker> <text>",
	Short: "Type text into a worker's pane, followed by Enter",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.orch.Send(ctx, args[0], text)
		})
	},
}

func init() {
	spawnCmd.Flags().StringVar(&flagName, "name", "", "descriptive name (default: derived from the task)")
	spawnCmd.Flags().IntVar(&flagPriority, "priority", 0, "priority 0-10")
	spawnCmd.Flags().StringVar(&flagType, "type", "", "task type (default: inferred from the task)")
	spawnCmd.Flags().IntVar(&flagKey, "key", 0, "quick-access key 1-9 (default: lowest free)")
	spawnCmd.Flags().BoolVar(&flagNoKey, "no-key", false, "do not assign a quick-access key")
	spawnCmd.Flags().StringVar(&flagCommand, "command", "", "worker command template (default: worker_command from config)")
	spawnCmd.Flags().StringSliceVar(&flagDeps, "depends-on", nil, "task ids this task depends on")
	spawnCmd.Flags().BoolVar(&flagKeepOnFailure, "keep-on-failure", false, "keep a worker that failed to start, in the error state")

	listCmd.Flags().StringVar(&flagSort, "sort", "", "sort by: created, priority, progress, name")
	listCmd.Flags().BoolVar(&flagAll, "all", false, "include completed and failed workers")

	stopCmd.Flags().BoolVar(&flagKeep, "keep", false, "keep the worker record (marked completed) instead of removing it")

	rootCmd.AddCommand(spawnCmd, listCmd, connectCmd, pauseCmd, resumeCmd, stopCmd, sendCmd)
}
