package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage quick-access keys 1-9",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show which worker holds each quick-access key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			table := a.orch.QuickKeys()
			if flagJSON {
				out := make(map[string]string, len(table))
				for k, id := range table {
					out[strconv.Itoa(k)] = id
				}
				return printJSON(out)
			}
			keys := make([]int, 0, len(table))
			for k := range table {
				keys = append(keys, k)
			}
			sort.Ints(keys)
			for _, k := range keys {
				fmt.Printf("%d  %s\n", k, table[k])
			}
			return nil
		})
	},
}

var keysAssignCmd = &cobra.Command{
	Use:   "assign <worker> [key]",
	Short: "Give a worker a quick-access key (default: lowest free)",
	Long: `Give a worker a quick-access key.

A key held by another worker moves to this one; the worker's previous key,
if any, is freed. Without a key the lowest free one is used.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := 0
		if len(args) == 2 {
			k, err := parseKeyArg(args[1])
			if err != nil {
				return err
			}
			key = k
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			got, err := a.orch.AssignQuickKey(ctx, args[0], key)
			if err != nil {
				return err
			}
			fmt.Printf("key %d -> %s\n", got, args[0])
			return nil
		})
	},
}

var keysUnassignCmd = &cobra.Command{
	Use:   "unassign <key>",
	Short: "Free a quick-access key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKeyArg(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			held, err := a.orch.UnassignQuickKey(ctx, key)
			if err != nil {
				return err
			}
			if !held {
				fmt.Printf("key %d was not assigned\n", key)
				return nil
			}
			fmt.Printf("key %d freed\n", key)
			return nil
		})
	},
}

// parseKeyArg parses a quick-access key argument.
func parseKeyArg(s string) (int, error) {
	k, err := strconv.Atoi(s)
	if err != nil || k < 1 || k > 9 {
		return 0, fmt.Errorf("invalid key %q: want 1-9", s)
	}
	return k, nil
}

func init() {
	keysCmd.AddCommand(keysListCmd, keysAssignCmd, keysUnassignCmd)
	rootCmd.AddCommand(keysCmd)
}
