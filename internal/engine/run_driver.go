package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/agent"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/pkg/schema"
)

// errStopped means the run left the running state (paused, cancelled or
// changed by another writer) and the worker should let go of it.
var errStopped = errors.New("run stopped")

var jsonNull = json.RawMessage("null")

// driver holds the state of one worker driving one run.
type driver struct {
	e    *Executor
	run  *schema.WorkflowRun
	def  *schema.WorkflowDefinition
	wake chan struct{}

	// Active time accounting across pause/resume.
	baseElapsed  int64
	segmentStart time.Time

	outputs  map[string]json.RawMessage
	attempts map[string]int
}

func (d *driver) drive(ctx context.Context) error {
	if err := d.loadHistory(ctx); err != nil {
		return err
	}

	if d.run.Status == schema.RunStatusQueued {
		err := d.commit(ctx, func(run *schema.WorkflowRun) ([]string, error) {
			ev, err := d.e.fsm.Transition(run, schema.RunStatusRunning)
			if err != nil {
				return nil, err
			}
			now := d.e.now()
			run.StartedAt = &now
			return []string{ev}, nil
		})
		if err != nil {
			return d.stopped(ctx, err)
		}
		d.e.logger.InfoContext(ctx, "run started", "version", d.run.WorkflowVersion)
	}

	for {
		if err := d.boundary(ctx); err != nil {
			return d.stopped(ctx, err)
		}
		if d.remaining() <= 0 {
			return d.finish(ctx, schema.RunStatusFailed, d.runTimeout(d.run.CurrentNodeID), nil)
		}

		node, ok := d.def.NodeByID(d.run.CurrentNodeID)
		if !ok {
			return d.finish(ctx, schema.RunStatusFailed,
				schema.NewErrorf(schema.ErrCodeNonRetryable, "node %q not found in workflow version %d",
					d.run.CurrentNodeID, d.def.Version), nil)
		}

		out, failure, err := d.executeNode(ctx, node)
		if err != nil {
			return d.stopped(ctx, err)
		}
		if failure != nil {
			status := schema.RunStatusFailed
			if failure.Code == schema.ErrCodeRetryExhausted {
				status = schema.RunStatusFailedRecoverable
			}
			return d.finish(ctx, status, failure, nil)
		}
		d.outputs[node.ID] = out

		if node.Type == schema.NodeTypeEnd {
			return d.finish(ctx, schema.RunStatusCompleted, nil, out)
		}
		next, ok := d.def.Next(node.ID)
		if !ok {
			return d.finish(ctx, schema.RunStatusFailed,
				schema.NewErrorf(schema.ErrCodeNonRetryable, "node %q has no outgoing edge", node.ID), nil)
		}
		err = d.commit(ctx, func(run *schema.WorkflowRun) ([]string, error) {
			if run.Status != schema.RunStatusRunning {
				return nil, errStopped
			}
			run.CurrentNodeID = next
			return []string{schema.EventRunAdvanced}, nil
		})
		if err != nil {
			return d.stopped(ctx, err)
		}
	}
}

// loadHistory restores node outputs and attempt counts from earlier
// segments of the run.
func (d *driver) loadHistory(ctx context.Context) error {
	d.outputs = make(map[string]json.RawMessage)
	d.attempts = make(map[string]int)
	nodeRuns, err := d.e.store.ListNodeRuns(ctx, d.run.ID)
	if err != nil {
		return err
	}
	for _, nr := range nodeRuns {
		d.attempts[nr.NodeID]++
		if nr.Status == schema.NodeRunStatusCompleted {
			d.outputs[nr.NodeID] = nr.Output
		}
	}
	return nil
}

// executeNode runs every attempt of node. It returns the node output, or
// the failure that ends the run, or an error that stops the worker.
func (d *driver) executeNode(ctx context.Context, node schema.Node) (json.RawMessage, *schema.FlowError, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	policy := d.def.Defaults.EffectiveRetry()
	if node.Type != schema.NodeTypeAgentStep {
		policy.MaxAttempts = 1
	}

	input := d.previousOutput(node.ID)
	if node.Type == schema.NodeTypeAgentStep {
		assembled, err := assembleInput(ctx, d.e.jq, d.run, node, input, d.outputs)
		if err != nil {
			fe := toFlowError(err, node.ID)
			nr, rerr := d.startNodeRun(ctx, node, input)
			if rerr != nil {
				return nil, nil, rerr
			}
			if rerr := d.sealNodeRun(ctx, nr, nil, fe); rerr != nil {
				return nil, nil, rerr
			}
			return nil, schema.NewErrorf(schema.ErrCodeNonRetryable,
				"node %s: %s", node.ID, fe.Message).WithNode(node.ID).WithCause(fe), nil
		}
		input = assembled
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := d.boundary(ctx); err != nil {
				return nil, nil, err
			}
		}
		remaining := d.remaining()
		if remaining <= 0 {
			return nil, d.runTimeout(node.ID), nil
		}

		nr, err := d.startNodeRun(ctx, node, input)
		if err != nil {
			return nil, nil, err
		}
		out, fe := d.attempt(ctx, node, nr, input, remaining)
		// An attempt cut short by a stop is still recorded.
		if err := d.sealNodeRun(context.WithoutCancel(ctx), nr, out, fe); err != nil {
			return nil, nil, err
		}
		if fe == nil {
			return out, nil, nil
		}

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if d.remaining() <= 0 {
			return nil, d.runTimeout(node.ID).WithCause(fe), nil
		}
		if !fe.Retryable {
			return nil, schema.NewErrorf(schema.ErrCodeNonRetryable,
				"node %s failed: %s", node.ID, fe.Message).WithNode(node.ID).WithCause(fe).
				WithDetails(map[string]any{"attempt": nr.Attempt, "cause_code": fe.Code}), nil
		}
		if attempt >= policy.MaxAttempts {
			return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"node %s failed after %d attempts: %s", node.ID, attempt, fe.Message).
				WithNode(node.ID).WithCause(fe).WithRetryable(true).
				WithDetails(map[string]any{"attempts": attempt, "cause_code": fe.Code}), nil
		}

		delay := ComputeBackoff(policy, attempt, d.e.rnd)
		if left := d.remaining(); delay > left {
			delay = left
		}
		if _, err := d.e.events.Append(ctx, d.run.WorkflowID, d.run.ID, schema.EventNodeRetryScheduled, node.ID,
			map[string]any{
				"attempt":      nr.Attempt,
				"next_attempt": nr.Attempt + 1,
				"delay_ms":     delay.Milliseconds(),
				"error":        fe,
			}); err != nil {
			return nil, nil, err
		}
		d.e.logger.InfoContext(ctx, "node retry scheduled", "attempt", nr.Attempt, "delay", delay, "error", fe.Message)
		if err := d.sleep(ctx, delay); err != nil {
			return nil, nil, err
		}
	}
}

// attempt performs a single attempt. start passes the run input through,
// end passes its input through, agent steps call the agent collaborator.
func (d *driver) attempt(ctx context.Context, node schema.Node, nr *schema.NodeRun, input json.RawMessage, remaining time.Duration) (json.RawMessage, *schema.FlowError) {
	switch node.Type {
	case schema.NodeTypeStart:
		return orNull(d.run.Input), nil
	case schema.NodeTypeEnd:
		return orNull(input), nil
	}

	name := agentName(node)
	if err := d.e.breakers.AllowRequest(name); err != nil {
		return nil, toFlowError(err, node.ID)
	}

	timeout := d.def.Defaults.NodeTimeout()
	if remaining < timeout {
		timeout = remaining
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := d.e.agent.Execute(actx, agent.Request{
		RunID:      d.run.ID,
		WorkflowID: d.run.WorkflowID,
		NodeID:     node.ID,
		Attempt:    nr.Attempt,
		Config:     node.Config,
		Input:      input,
	})
	if err == nil {
		d.e.breakers.RecordSuccess(name)
		if res == nil {
			return jsonNull, nil
		}
		return orNull(res.Output), nil
	}

	var fe *schema.FlowError
	switch {
	case ctx.Err() != nil:
		fe = schema.NewError(schema.ErrCodeCancelled, "attempt interrupted").WithCause(ctx.Err())
	case errors.Is(actx.Err(), context.DeadlineExceeded) || agent.IsTimeout(err):
		fe = schema.NewErrorf(schema.ErrCodeTimeout, "node %s timed out after %s", node.ID, timeout).
			WithRetryable(true).WithCause(err)
	default:
		fe = toFlowError(err, node.ID)
	}
	fe.NodeID = node.ID
	if fe.Retryable {
		d.e.breakers.RecordFailure(name)
	}
	return nil, fe
}

func (d *driver) startNodeRun(ctx context.Context, node schema.Node, input json.RawMessage) (*schema.NodeRun, error) {
	d.attempts[node.ID]++
	nr := &schema.NodeRun{
		ID:        uuid.New().String(),
		RunID:     d.run.ID,
		NodeID:    node.ID,
		Attempt:   d.attempts[node.ID],
		Status:    schema.NodeRunStatusRunning,
		Input:     input,
		StartedAt: d.e.now(),
	}
	if err := d.e.events.RecordNodeRun(ctx, d.run.WorkflowID, nr, schema.EventNodeStarted); err != nil {
		return nil, err
	}
	return nr, nil
}

func (d *driver) sealNodeRun(ctx context.Context, nr *schema.NodeRun, out json.RawMessage, fe *schema.FlowError) error {
	now := d.e.now()
	nr.CompletedAt = &now
	nr.DurationMs = now.Sub(nr.StartedAt).Milliseconds()
	eventType := schema.EventNodeCompleted
	switch {
	case fe == nil:
		nr.Status = schema.NodeRunStatusCompleted
		nr.Output = out
	case fe.Code == schema.ErrCodeTimeout:
		nr.Status = schema.NodeRunStatusTimedOut
		nr.Error = fe
		nr.Retryable = fe.Retryable
		eventType = schema.EventNodeFailed
	default:
		nr.Status = schema.NodeRunStatusFailed
		nr.Error = fe
		nr.Retryable = fe.Retryable
		eventType = schema.EventNodeFailed
	}
	metrics.NodeAttempts.WithLabelValues(string(nr.Status)).Inc()
	metrics.NodeDuration.WithLabelValues(string(nr.Status)).Observe(float64(nr.DurationMs) / 1000)
	return d.e.events.RecordNodeRun(ctx, d.run.WorkflowID, nr, eventType)
}

// boundary re-reads the run and applies a pending pause or cancel request.
// It returns errStopped when the worker must let go of the run.
func (d *driver) boundary(ctx context.Context) error {
	fresh, err := d.e.store.GetRun(ctx, d.run.ID)
	if err != nil {
		return err
	}
	*d.run = *fresh
	if d.run.Status != schema.RunStatusRunning {
		return errStopped
	}

	switch d.run.PendingSignal {
	case schema.SignalPause:
		err = d.commit(ctx, func(run *schema.WorkflowRun) ([]string, error) {
			ev, err := d.e.fsm.Transition(run, schema.RunStatusPaused)
			if err != nil {
				return nil, err
			}
			run.PendingSignal = schema.SignalNone
			run.ElapsedMs = d.elapsed().Milliseconds()
			return []string{ev}, nil
		})
		if err == nil {
			d.e.logger.InfoContext(ctx, "run paused", "node_id", d.run.CurrentNodeID)
			return errStopped
		}
		return err
	case schema.SignalCancel:
		err = d.commit(ctx, func(run *schema.WorkflowRun) ([]string, error) {
			ev, err := d.e.fsm.Transition(run, schema.RunStatusCancelled)
			if err != nil {
				return nil, err
			}
			now := d.e.now()
			run.PendingSignal = schema.SignalNone
			run.ElapsedMs = d.elapsed().Milliseconds()
			run.CompletedAt = &now
			return []string{ev}, nil
		})
		if err == nil {
			d.e.logger.InfoContext(ctx, "run cancelled", "node_id", d.run.CurrentNodeID)
			return errStopped
		}
		return err
	}
	return nil
}

// sleep waits out a retry delay, applying signals that arrive meanwhile.
func (d *driver) sleep(ctx context.Context, delay time.Duration) error {
	deadline := d.e.now().Add(delay)
	for {
		left := deadline.Sub(d.e.now())
		elapsed, err := d.e.wait(ctx, left, d.wake)
		if err != nil {
			return err
		}
		if elapsed {
			return nil
		}
		if err := d.boundary(ctx); err != nil {
			return err
		}
	}
}

// finish moves the run to a final or recoverable status.
func (d *driver) finish(ctx context.Context, status schema.RunStatus, failure *schema.FlowError, output json.RawMessage) error {
	err := d.commit(ctx, func(run *schema.WorkflowRun) ([]string, error) {
		ev, err := d.e.fsm.Transition(run, status)
		if err != nil {
			return nil, err
		}
		run.PendingSignal = schema.SignalNone
		run.ElapsedMs = d.elapsed().Milliseconds()
		run.Error = failure
		if output != nil {
			run.Output = output
		}
		if status.Terminal() {
			now := d.e.now()
			run.CompletedAt = &now
		}
		return []string{ev}, nil
	})
	if err != nil {
		return d.stopped(ctx, err)
	}
	if failure != nil {
		d.e.logger.WarnContext(ctx, "run ended", "status", status, "elapsed_ms", d.run.ElapsedMs, "error", failure.Message)
	} else {
		d.e.logger.InfoContext(ctx, "run ended", "status", status, "elapsed_ms", d.run.ElapsedMs)
	}
	return nil
}

// commit applies mutate to the run and persists it with compare-and-swap.
// On CONCURRENCY_CONFLICT it re-reads the run and re-applies mutate.
func (d *driver) commit(ctx context.Context, mutate func(*schema.WorkflowRun) ([]string, error)) error {
	var lastErr error
	for range maxCommitAttempts {
		next := *d.run
		from := next.Status
		evs, err := mutate(&next)
		if err != nil {
			return err
		}
		err = d.e.events.UpdateRun(ctx, &next, evs...)
		if err == nil {
			*d.run = next
			if next.Status != from {
				d.e.fsm.Entered(d.run, from)
			}
			return nil
		}
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return err
		}
		lastErr = err
		fresh, gerr := d.e.store.GetRun(ctx, d.run.ID)
		if gerr != nil {
			return gerr
		}
		*d.run = *fresh
	}
	return lastErr
}

// stopped turns worker-exit conditions into a nil return and passes real
// errors through.
func (d *driver) stopped(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, errStopped):
		return nil
	case schema.IsCode(err, schema.ErrCodeInvalidTransition):
		d.e.logger.InfoContext(ctx, "run changed by another writer", "status", d.run.Status, "error", err)
		return nil
	}
	return err
}

func (d *driver) elapsed() time.Duration {
	return time.Duration(d.baseElapsed)*time.Millisecond + d.e.now().Sub(d.segmentStart)
}

func (d *driver) remaining() time.Duration {
	return d.def.Defaults.RunTimeout() - d.elapsed()
}

func (d *driver) runTimeout(nodeID string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeTimeout, "run exceeded max run time of %s",
		d.def.Defaults.RunTimeout()).WithNode(nodeID)
}

// previousOutput returns the input of nodeID: the run input for the start
// node, otherwise the output of its predecessor.
func (d *driver) previousOutput(nodeID string) json.RawMessage {
	for _, e := range d.def.Edges {
		if e.To == nodeID {
			return d.outputs[e.From]
		}
	}
	return d.run.Input
}

func agentName(node schema.Node) string {
	if name, ok := node.Config[agent.ConfigKey].(string); ok && name != "" {
		return name
	}
	return "default"
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return jsonNull
	}
	return raw
}

// toFlowError normalizes an agent error. Errors that are not FlowErrors
// are treated as retryable execution failures.
func toFlowError(err error, nodeID string) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		cp := *fe
		cp.NodeID = nodeID
		return &cp
	}
	return schema.NewError(schema.ErrCodeNodeExecution, err.Error()).
		WithNode(nodeID).WithRetryable(IsRetryableError(err)).WithCause(err)
}
