// Package processtest provides process definitions for tests.
package processtest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/muhrin/aiida-core/internal/process"
)

// ErrBoom is returned by the Failing definition.
var ErrBoom = errors.New("boom")

// Example doubles input a in its first step and outputs result = 2a+1.
var Example = &process.Definition{
	Name: "processtest.Example",
	Validate: func(in process.Inputs) error {
		_, err := in.Int("a")
		return err
	},
	Steps: []process.Step{
		{Name: "double", Run: func(c *process.Context) error {
			a, err := c.Inputs().Int("a")
			if err != nil {
				return err
			}
			c.SetVar("doubled", a*2)
			return nil
		}},
		{Name: "result", Run: func(c *process.Context) error {
			d, err := c.Vars().Int("doubled")
			if err != nil {
				return err
			}
			c.Out("result", d+1)
			return nil
		}},
	},
}

// Sum adds inputs a and b.
func Sum(_ context.Context, in process.Inputs) (process.Outputs, error) {
	a, err := in.Int("a")
	if err != nil {
		return nil, err
	}
	b, err := in.Int("b")
	if err != nil {
		return nil, err
	}
	return process.Outputs{"sum": a + b}, nil
}

// SumProcess is Sum as a single-step process.
var SumProcess = &process.Definition{
	Name: "processtest.Sum",
	Steps: []process.Step{
		{Name: "sum", Run: func(c *process.Context) error {
			out, err := Sum(c.Context(), c.Inputs())
			if err != nil {
				return err
			}
			for k, v := range out {
				c.Out(k, v)
			}
			return nil
		}},
	},
}

// Accumulate adds each element of input "values" over several steps.
var Accumulate = &process.Definition{
	Name: "processtest.Accumulate",
	Steps: []process.Step{
		{Name: "init", Run: func(c *process.Context) error {
			c.SetVar("total", 0)
			return nil
		}},
		{Name: "first", Run: accumulate(0)},
		{Name: "second", Run: accumulate(1)},
		{Name: "third", Run: accumulate(2)},
		{Name: "finalize", Run: func(c *process.Context) error {
			total, err := c.Vars().Int("total")
			if err != nil {
				return err
			}
			c.Out("total", total)
			return nil
		}},
	},
}

func accumulate(i int) func(*process.Context) error {
	return func(c *process.Context) error {
		total, err := c.Vars().Int("total")
		if err != nil {
			return err
		}
		v, err := c.Inputs().Int(fmt.Sprintf("v%d", i))
		if err != nil {
			return err
		}
		c.SetVar("total", total+v)
		return nil
	}
}

// Failing returns ErrBoom from its only step.
var Failing = &process.Definition{
	Name: "processtest.Failing",
	Steps: []process.Step{
		{Name: "fail", Run: func(*process.Context) error { return ErrBoom }},
	},
}

// Panicking panics in its only step.
var Panicking = &process.Definition{
	Name: "processtest.Panicking",
	Steps: []process.Step{
		{Name: "panic", Run: func(*process.Context) error { panic("kaboom") }},
	},
}

// Parent submits Example as a child, waits for it and outputs its result.
var Parent = &process.Definition{
	Name: "processtest.Parent",
	Steps: []process.Step{
		{Name: "launch", Run: func(c *process.Context) error {
			child, err := c.Submit(Example, process.Inputs{"a": c.Inputs()["a"]})
			if err != nil {
				return err
			}
			c.SetVar("child", child.PK())
			c.Await(child.PK())
			return nil
		}},
		{Name: "collect", Run: func(c *process.Context) error {
			pid, err := c.Vars().Int("child")
			if err != nil {
				return err
			}
			rec, err := c.LoadRecord(int64(pid))
			if err != nil {
				return err
			}
			out, err := rec.Outputs(c.Context())
			if err != nil {
				return err
			}
			c.Out("child_result", out["result"])
			return nil
		}},
	},
}

// LegacyCounter is an old-style workflow counting its steps.
var LegacyCounter = &process.Definition{
	Name:   "processtest.LegacyCounter",
	Legacy: true,
	Steps: []process.Step{
		{Name: "one", Run: count},
		{Name: "two", Run: count},
		{Name: "three", Run: func(c *process.Context) error {
			if err := count(c); err != nil {
				return err
			}
			c.Out("count", c.Var("count"))
			return nil
		}},
	},
}

func count(c *process.Context) error {
	n := 0
	if c.Var("count") != nil {
		var err error
		if n, err = c.Vars().Int("count"); err != nil {
			return err
		}
	}
	c.SetVar("count", n+1)
	return nil
}

// Counting returns a process named name with the given number of steps.
// Every executed step increments calls; the last one outputs "steps", the
// number of steps this run of the process went through.
func Counting(name string, steps int, calls *atomic.Int64) *process.Definition {
	def := &process.Definition{Name: name}
	for i := range steps {
		def.Steps = append(def.Steps, process.Step{
			Name: fmt.Sprintf("step%d", i),
			Run: func(c *process.Context) error {
				calls.Add(1)
				if err := count(c); err != nil {
					return err
				}
				if i == steps-1 {
					c.Out("steps", c.Var("count"))
				}
				return nil
			},
		})
	}
	return def
}

// Registry returns a registry holding every definition in this package.
func Registry() *process.Registry {
	return process.NewRegistry(Example, SumProcess, Accumulate, Failing, Panicking, Parent, LegacyCounter)
}
