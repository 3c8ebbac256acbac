package process

import (
	"context"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/node"
)

// RunFunction calls fn and records the call on a stored function node.
// The error returned by fn is passed through unchanged.
func RunFunction(ctx context.Context, backend core.Backend, name string, fn Workfunction, in Inputs) (Outputs, *node.Record, error) {
	rec := node.New(backend, core.Node{
		Type:        core.NodeTypeFunction,
		ProcessType: name,
		Status:      core.StatusRunning,
	})
	if err := rec.Store(ctx); err != nil {
		return nil, nil, err
	}

	out, runErr := fn(ctx, in)
	if runErr != nil {
		if err := recordException(ctx, rec, runErr); err != nil {
			return nil, rec, err
		}
		return nil, rec, runErr
	}

	if err := rec.SetOutputs(ctx, out); err != nil {
		return nil, rec, err
	}
	if err := rec.SetStatus(ctx, core.StatusFinished); err != nil {
		return nil, rec, err
	}
	return out, rec, nil
}

func recordException(ctx context.Context, rec *node.Record, cause error) error {
	if err := rec.SetAttribute(ctx, node.AttrException, cause.Error()); err != nil {
		return err
	}
	return rec.SetStatus(ctx, core.StatusExcepted)
}
