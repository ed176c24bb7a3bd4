package agent

import (
	"context"
	"time"
)

// EchoExecutor returns its input unchanged, optionally after a delay read
// from the "delay_ms" config key. It is registered as "echo" and is useful
// for dry runs of a workflow's wiring.
type EchoExecutor struct{}

func (EchoExecutor) Name() string { return "echo" }

func (EchoExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if d := intParam(req.Config, "delay_ms", 0); d > 0 {
		select {
		case <-time.After(time.Duration(d) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Result{Output: req.Input}, nil
}

var _ Executor = EchoExecutor{}
