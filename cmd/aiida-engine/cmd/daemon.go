package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/muhrin/aiida-core/internal/api"
	"github.com/muhrin/aiida-core/internal/app"
	"github.com/muhrin/aiida-core/internal/daemon"
	"github.com/muhrin/aiida-core/internal/diagnostics"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start, inspect and tick the daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon until interrupted. The daemon drives submitted processes,
advances job calculations and steps legacy workflows on the configured
intervals. Only one daemon may run per daemon directory.

When api.enabled is set the HTTP API is served alongside.`,
	Args: cobra.NoArgs,
	RunE: runDaemonStart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon runs and its task timestamps",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonTickCmd = &cobra.Command{
	Use:   "tick [task]",
	Short: "Run daemon tasks once",
	Long: `Run one roster task now, honouring its timestamps, or with no argument
run every task once in order, ignoring timestamps and self-exclusion.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDaemonTick,
}

var tickWait time.Duration

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd, daemonStatusCmd, daemonTickCmd)
	daemonTickCmd.Flags().DurationVar(&tickWait, "wait", 30*time.Second,
		"how long to drive processes launched by the tick before exiting")
}

func runDaemonStart(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, app.AsDaemon())
	if err != nil {
		return err
	}
	defer a.Close()

	// d is assigned before Run starts the services.
	var d *daemon.Daemon
	var opts []daemon.Option
	if a.Config.API.Enabled {
		opts = append(opts, daemon.WithService(func(ctx context.Context) error {
			return serveAPI(ctx, a, d.Scheduler())
		}))
	}
	if d, err = daemon.New(a, opts...); err != nil {
		return err
	}
	return d.Run(ctx)
}

func serveAPI(ctx context.Context, a *app.App, sched *daemon.Scheduler) error {
	srv := api.NewServer(a.Backend, a.Persister,
		api.WithLogger(a.Logger.WithTask("api")),
		api.WithScheduler(sched),
		api.WithMetrics(diagnostics.NewCollector(a.Config.Daemon.Dir)),
		api.WithAllowedOrigins(a.Config.API.AllowedOrigins),
	)
	return srv.ListenAndServe(ctx, a.Config.API.Addr)
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	st, err := daemon.ReadStatus(ctx, a.Config.Daemon.Dir)
	if err != nil {
		return err
	}
	if st.Running {
		fmt.Fprintf(out, "Daemon running (pid %d)\n", st.PID)
	} else {
		fmt.Fprintln(out, "Daemon not running")
	}

	d, err := daemon.New(a)
	if err != nil {
		return err
	}
	states, err := d.Scheduler().TaskStates(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tINTERVAL\tLAST START\tLAST STOP\tIN PROGRESS")
	fmt.Fprintln(w, "----\t--------\t----------\t---------\t-----------")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", s.Name, s.Interval, formatTime(s.LastStart), formatTime(s.LastStop), s.InProgress)
	}
	return w.Flush()
}

func runDaemonTick(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, app.AsDaemon())
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := daemon.New(a)
	if err != nil {
		return err
	}

	serveCtx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- a.Runner.Serve(serveCtx) }()

	var tickErr error
	if len(args) == 1 {
		tickErr = d.Scheduler().Tick(ctx, args[0])
	} else {
		tickErr = d.Scheduler().ManualTickAll(ctx)
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, tickWait)
	waitIdle(waitCtx, a)
	cancelWait()
	stop()
	if err := <-served; err != nil && tickErr == nil {
		tickErr = err
	}
	if tickErr != nil {
		return tickErr
	}

	if len(args) == 1 {
		fmt.Fprintf(cmd.OutOrStdout(), "Ticked %s\n", args[0])
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Ticked all daemon tasks")
	}
	return nil
}

// waitIdle blocks until processes launched by a tick have finished or
// ctx is cancelled.
func waitIdle(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(a.Config.Runner.PollInterval)
	defer ticker.Stop()
	for a.Runner.Active() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
