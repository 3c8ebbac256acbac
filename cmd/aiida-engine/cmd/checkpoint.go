package cmd

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/muhrin/aiida-core/internal/node"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Inspect and remove process checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointList,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <pid>",
	Short: "Print the checkpoint of a process as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointShow,
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <pid>",
	Short: "Delete the checkpoint of a process",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointDelete,
}

var checkpointTag string

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointListCmd, checkpointShowCmd, checkpointDeleteCmd)
	checkpointCmd.PersistentFlags().StringVar(&checkpointTag, "tag", "", "checkpoint tag (only the default is supported)")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parsePID(arg string) (int64, error) {
	pid, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", arg)
	}
	return pid, nil
}

func runCheckpointList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cps, err := a.Persister.GetCheckpoints(ctx)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tTYPE\tPROCESS TYPE\tSTATUS")
	fmt.Fprintln(w, "---\t----\t------------\t------")
	for _, cp := range cps {
		rec, err := node.Load(ctx, a.Backend, cp.PID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", cp.PID, rec.Type(), rec.ProcessType(), rec.Status())
	}
	return w.Flush()
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
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

	b, err := a.Persister.LoadCheckpoint(ctx, pid, checkpointTag)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	defer enc.Close()
	return enc.Encode(b)
}

func runCheckpointDelete(cmd *cobra.Command, args []string) error {
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

	if err := a.Persister.DeleteCheckpoint(ctx, pid, checkpointTag); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted checkpoint of process %d\n", pid)
	return nil
}
