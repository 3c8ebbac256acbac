package runner

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/muhrin/aiida-core/internal/process"
	"github.com/muhrin/aiida-core/internal/process/processtest"
	"github.com/muhrin/aiida-core/internal/testutil"
)

func TestProperty_RunEquivalence(t *testing.T) {
	r := newTestRunner(t, testutil.NewSQLiteBackend(t))
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		in := process.Inputs{
			"a": rapid.IntRange(-1000, 1000).Draw(rt, "a"),
			"b": rapid.IntRange(-1000, 1000).Draw(rt, "b"),
		}
		direct, err := r.Run(ctx, process.Func("sum", processtest.Sum), in)
		if err != nil {
			rt.Fatalf("workfunction: %v", err)
		}
		viaNode, _, err := r.RunGetNode(ctx, process.Func("sum", processtest.Sum), in)
		if err != nil {
			rt.Fatalf("workfunction node: %v", err)
		}
		viaProcess, err := r.Run(ctx, process.Class(processtest.SumProcess), in)
		if err != nil {
			rt.Fatalf("process: %v", err)
		}
		if direct["sum"] != viaProcess["sum"] || direct["sum"] != viaNode["sum"] {
			rt.Fatalf("results differ: %v %v %v", direct, viaNode, viaProcess)
		}
	})
}
