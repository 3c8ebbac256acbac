package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muhrin/aiida-core/internal/node"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage process record locks",
}

var forceUnlockCmd = &cobra.Command{
	Use:   "force-unlock <pid>",
	Short: "Clear the lock on a process record",
	Long: `Clear the lock flag on a process record regardless of its holder.
Only use this to recover from a holder that exited without releasing.`,
	Args: cobra.ExactArgs(1),
	RunE: runForceUnlock,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(forceUnlockCmd)
}

func runForceUnlock(cmd *cobra.Command, args []string) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := node.Load(ctx, a.Backend, pid)
	if err != nil {
		return err
	}
	wasLocked := rec.IsLocked()
	if err := rec.ForceUnlock(ctx); err != nil {
		return err
	}
	if wasLocked {
		a.Logger.Warn("force unlocked process", "pid", pid)
		fmt.Fprintf(cmd.OutOrStdout(), "Unlocked process %d\n", pid)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Process %d was not locked\n", pid)
	}
	return nil
}
