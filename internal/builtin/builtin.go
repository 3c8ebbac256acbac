// Package builtin holds the process definitions shipped with the engine.
package builtin

import (
	"context"
	"fmt"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/execmanager"
	"github.com/muhrin/aiida-core/internal/process"
	"github.com/muhrin/aiida-core/internal/transport"
)

// Add outputs sum = x + y.
var Add = &process.Definition{
	Name: "builtin.Add",
	Validate: func(in process.Inputs) error {
		return in.Require("x", "y")
	},
	Steps: []process.Step{
		{Name: "add", Run: func(c *process.Context) error {
			out, err := AddFunc(c.Context(), c.Inputs())
			if err != nil {
				return err
			}
			c.Out("sum", out["sum"])
			return nil
		}},
	},
}

// AddFunc is Add as a workfunction.
func AddFunc(_ context.Context, in process.Inputs) (process.Outputs, error) {
	x, err := in.Int("x")
	if err != nil {
		return nil, err
	}
	y, err := in.Int("y")
	if err != nil {
		return nil, err
	}
	return process.Outputs{"sum": x + y}, nil
}

// Shell runs input script with /bin/sh on a computer as a job calculation,
// waits for the daemon to retrieve it and outputs exit_code and stdout.
var Shell = &process.Definition{
	Name: "builtin.Shell",
	Validate: func(in process.Inputs) error {
		return in.Require("computer", "script")
	},
	Steps: []process.Step{
		{Name: "submit", Run: submitShell},
		{Name: "collect", Run: collectShell},
	},
}

func submitShell(c *process.Context) error {
	computer, err := c.Inputs().String("computer")
	if err != nil {
		return err
	}
	script, err := c.Inputs().String("script")
	if err != nil {
		return err
	}
	user, err := c.Inputs().String("user")
	if err != nil {
		user = "aiida@localhost"
	}

	job, err := execmanager.NewJob(c.Context(), c.Backend(), computer, user, transport.JobSpec{
		Name:    fmt.Sprintf("shell-%d", c.PID()),
		Command: []string{"/bin/sh", "-c", script},
	})
	if err != nil {
		return err
	}
	c.Report("submitted job calculation", "job", job.PK(), "computer", computer)
	c.SetVar("job", job.PK())
	c.Await(job.PK())
	return nil
}

func collectShell(c *process.Context) error {
	pk, err := c.Vars().Int("job")
	if err != nil {
		return err
	}
	job, err := c.LoadRecord(int64(pk))
	if err != nil {
		return err
	}
	if job.Status() != core.StatusFinished {
		msg, _, _ := job.Attribute(c.Context(), "exception")
		return fmt.Errorf("job %d ended %s (%s): %s", pk, job.Status(), job.Node().JobState, msg)
	}
	out, err := job.Outputs(c.Context())
	if err != nil {
		return err
	}
	c.Out("exit_code", out[execmanager.OutputExitCode])
	c.Out("stdout", out[execmanager.OutputStdout])
	return nil
}

// Registry returns a registry with every builtin definition.
func Registry() *process.Registry {
	return process.NewRegistry(Add, Shell)
}

// Workfunctions returns the builtin workfunctions by name.
func Workfunctions() map[string]process.Workfunction {
	return map[string]process.Workfunction{
		"builtin.add": AddFunc,
	}
}
