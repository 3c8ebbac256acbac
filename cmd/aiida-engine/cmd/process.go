package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/muhrin/aiida-core/internal/builtin"
	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/node"
	"github.com/muhrin/aiida-core/internal/process"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run, submit and inspect processes",
}

var processRunCmd = &cobra.Command{
	Use:   "run <type> [key=value...]",
	Short: "Run a process or workfunction to completion",
	Long: `Run a registered process or workfunction in this command and print its
outputs. Values are parsed as YAML scalars, so a=1 is an integer and
a="1" a string.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcessRun,
}

var processSubmitCmd = &cobra.Command{
	Use:   "submit <type> [key=value...]",
	Short: "Submit a process without waiting for its result",
	Long: `Submit a registered process. With runner.rmq_submit the process is
checkpointed and handed to the broker for a daemon to run. Legacy workflows
are checkpointed for the daemon's workflow stepper. Otherwise the process
plays in this command, which exits once it terminates.`,
	Args: cobra.MinimumNArgs(1),
	RunE:  runProcessSubmit,
}

var processListCmd = &cobra.Command{
	Use:   "list",
	Short: "List process records",
	Args:  cobra.NoArgs,
	RunE:  runProcessList,
}

var processShowCmd = &cobra.Command{
	Use:   "show <pid>",
	Short: "Show a process record and its outputs",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessShow,
}

var processTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List runnable process types",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		for _, name := range builtin.Registry().Names() {
			fmt.Fprintf(out, "%s\tprocess\n", name)
		}
		names := make([]string, 0)
		for name := range builtin.Workfunctions() {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s\tworkfunction\n", name)
		}
	},
}

var (
	listType   string
	listStatus []string
	listLimit  int
)

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.AddCommand(processRunCmd, processSubmitCmd, processListCmd, processShowCmd, processTypesCmd)

	processListCmd.Flags().StringVar(&listType, "type", "", "filter by record type (calculation, job, function, workflow)")
	processListCmd.Flags().StringSliceVar(&listStatus, "status", nil, "filter by status")
	processListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum records to list (0 for all)")
}

// resolveExecutable finds name among builtin workfunctions, then registered
// process definitions.
func resolveExecutable(registry *process.Registry, name string) (process.Executable, error) {
	if fn, ok := builtin.Workfunctions()[name]; ok {
		return process.Func(name, fn), nil
	}
	def, err := registry.Lookup(name)
	if err != nil {
		return process.Executable{}, err
	}
	return process.Class(def), nil
}

func parseInputs(args []string) (process.Inputs, error) {
	in := process.Inputs{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("input %q is not key=value", arg)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("input %s: %w", key, err)
		}
		in[key] = v
	}
	return in, nil
}

func printOutputs(cmd *cobra.Command, out map[string]any) error {
	if len(out) == 0 {
		return nil
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	defer enc.Close()
	return enc.Encode(out)
}

func runProcessRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	exe, err := resolveExecutable(a.Registry, args[0])
	if err != nil {
		return err
	}
	in, err := parseInputs(args[1:])
	if err != nil {
		return err
	}
	out, pid, err := a.Runner.RunGetPID(ctx, exe, in)
	if err != nil {
		return err
	}
	if pid > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "# pid %d\n", pid)
	}
	return printOutputs(cmd, out)
}

func runProcessSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	exe, err := resolveExecutable(a.Registry, args[0])
	if err != nil {
		return err
	}
	in, err := parseInputs(args[1:])
	if err != nil {
		return err
	}
	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	served := make(chan error, 1)
	go func() { served <- a.Runner.Serve(serveCtx) }()

	rec, err := a.Runner.Submit(ctx, exe, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s as process %d\n", exe.Name(), rec.PK())
	waitIdle(ctx, a)
	stop()
	return <-served
}

func runProcessList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := core.NodeFilter{Type: core.NodeType(listType), Limit: listLimit}
	for _, s := range listStatus {
		filter.Statuses = append(filter.Statuses, core.ProcessStatus(s))
	}
	nodes, err := a.Backend.ListNodes(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tTYPE\tPROCESS TYPE\tSTATUS\tJOB STATE\tLOCKED")
	fmt.Fprintln(w, "---\t----\t------------\t------\t---------\t------")
	for _, n := range nodes {
		jobState := string(n.JobState)
		if jobState == "" {
			jobState = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\n", n.PK, n.Type, n.ProcessType, n.Status, jobState, n.Locked)
	}
	return w.Flush()
}

func runProcessShow(cmd *cobra.Command, args []string) error {
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
	n := rec.Node()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pid:          %d\n", n.PK)
	fmt.Fprintf(out, "uuid:         %s\n", n.UUID)
	fmt.Fprintf(out, "type:         %s\n", n.Type)
	fmt.Fprintf(out, "process type: %s\n", n.ProcessType)
	fmt.Fprintf(out, "status:       %s\n", n.Status)
	if n.JobState != "" {
		fmt.Fprintf(out, "job state:    %s\n", n.JobState)
		fmt.Fprintf(out, "computer:     %s\n", n.Computer)
	}
	fmt.Fprintf(out, "locked:       %t\n", n.Locked)

	outputs, err := rec.Outputs(ctx)
	if err != nil {
		return err
	}
	if len(outputs) > 0 {
		fmt.Fprintln(out, "outputs:")
		return printOutputs(cmd, outputs)
	}
	return nil
}
