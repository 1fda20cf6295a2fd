package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rtavytran/fusesell/pkg/errutil"
	"github.com/rtavytran/fusesell/services/scheduler"
	"github.com/rtavytran/fusesell/services/task"

	"go.uber.org/zap"
)

// errNoExecutor signals that the stage has no registered handler. The
// orchestrator turns it into a no-op result rather than an error.
var errNoExecutor = errors.New("no executor registered for stage")

// Router dispatches human actions at gated stages. Drafting actions run
// the stage handler; send hands the delivery off to the scheduler
// without touching the handler; close ends the gated flow.
type Router struct {
	store     *task.Store
	scheduler *scheduler.Service
	handlers  map[string]Handler
}

func NewRouter(store *task.Store, sched *scheduler.Service, handlers map[string]Handler) *Router {
	return &Router{store: store, scheduler: sched, handlers: handlers}
}

// dispatchResult reports what a dispatched action did. A zero
// FinalStatus tells the orchestrator to keep evaluating stages.
type dispatchResult struct {
	Operation   *task.Operation
	Event       *scheduler.ScheduledEvent
	Deferred    bool
	FinalStatus task.Status
}

func (r *Router) Dispatch(ctx context.Context, t *task.Task, st *StageDescriptor, req ActionRequest) (*dispatchResult, error) {
	if last := t.LastOperation(); last != nil && !last.Status.Finished() {
		return nil, errutil.Conflict("an operation is still in flight")
	}

	switch req.Action {
	case ActionDraftWrite:
		return r.draftWrite(ctx, t, st, req)
	case ActionDraftRewrite:
		return r.draftRewrite(ctx, t, st, req)
	case ActionSend:
		return r.send(ctx, t, st, req)
	case ActionClose:
		return r.close(ctx, t, st, req)
	default:
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (r *Router) draftWrite(ctx context.Context, t *task.Task, st *StageDescriptor, req ActionRequest) (*dispatchResult, error) {
	for _, op := range t.StageOperations(st.Name) {
		if op.Status == task.OperationSuccess &&
			(op.Action == ActionDraftWrite || op.Action == ActionDraftRewrite) {
			return nil, errutil.ValidationFailed(
				fmt.Sprintf("stage %s already has an unsent draft; rewrite or send it", st.Name))
		}
	}

	h, ok := r.handlers[st.Name]
	if !ok {
		return nil, errNoExecutor
	}

	input := priorOutputs(t)
	input["action"] = ActionDraftWrite
	if req.Reason != "" {
		input["reason"] = req.Reason
	}

	op, err := r.runAction(ctx, t, st, h, ActionDraftWrite, input, func(out map[string]any) {
		if _, ok := out["version"]; !ok {
			out["version"] = 1
		}
	})
	if err != nil {
		return nil, err
	}
	return &dispatchResult{Operation: op, FinalStatus: task.StatusWaitingHuman}, nil
}

func (r *Router) draftRewrite(ctx context.Context, t *task.Task, st *StageDescriptor, req ActionRequest) (*dispatchResult, error) {
	orig := findDraft(t, req.SelectedDraftID)
	if orig == nil {
		return nil, errutil.ValidationFailed(
			fmt.Sprintf("selected_draft_id %q does not match any draft of this task", req.SelectedDraftID))
	}

	h, ok := r.handlers[st.Name]
	if !ok {
		return nil, errNoExecutor
	}

	var origOut map[string]any
	_ = json.Unmarshal(orig.OutputData, &origOut)

	input := priorOutputs(t)
	input["action"] = ActionDraftRewrite
	input["original_draft"] = origOut
	input["original_draft_id"] = orig.ID
	if req.Reason != "" {
		input["reason"] = req.Reason
	}

	version := 1
	if v, ok := origOut["version"].(float64); ok {
		version = int(v)
	}

	op, err := r.runAction(ctx, t, st, h, ActionDraftRewrite, input, func(out map[string]any) {
		out["version"] = version + 1
		out["original_draft_id"] = orig.ID
	})
	if err != nil {
		return nil, err
	}
	return &dispatchResult{Operation: op, FinalStatus: task.StatusWaitingHuman}, nil
}

// send registers a delivery event with the scheduler. The stage handler
// is not involved; the draft content travels on the event.
func (r *Router) send(ctx context.Context, t *task.Task, st *StageDescriptor, req ActionRequest) (*dispatchResult, error) {
	draft := findDraft(t, req.SelectedDraftID)
	if draft == nil {
		return nil, errutil.ValidationFailed(
			fmt.Sprintf("selected_draft_id %q does not match any draft of this task", req.SelectedDraftID))
	}

	// Reject a bad timezone override before any row is written.
	if err := r.scheduler.ValidateTimezone(ctx, t.OrgID, t.TeamID, req.Timezone); err != nil {
		return nil, err
	}

	input, _ := json.Marshal(map[string]any{
		"action":            ActionSend,
		"selected_draft_id": draft.ID,
		"recipient_address": req.RecipientAddress,
		"recipient_name":    req.RecipientName,
		"send_immediately":  req.SendImmediately,
		"timezone":          req.Timezone,
	})

	now := time.Now().UTC()
	op := &task.Operation{
		StageName:  st.Name,
		ChainIndex: len(t.StageOperations(st.Name)),
		Action:     ActionSend,
		Status:     task.OperationRunning,
		InputData:  input,
		StartedAt:  &now,
	}
	if err := r.store.AppendOperation(ctx, t.ID, op); err != nil {
		return nil, err
	}

	var draftOut map[string]any
	_ = json.Unmarshal(draft.OutputData, &draftOut)

	event, err := r.scheduler.Schedule(ctx, scheduler.Request{
		OperationID:      op.ID,
		TaskID:           t.ID,
		OrgID:            t.OrgID,
		TeamID:           t.TeamID,
		EventType:        scheduler.EventTypeEmailSend,
		TargetAction:     ActionSend,
		DraftID:          draft.ID,
		RecipientAddress: req.RecipientAddress,
		RecipientName:    req.RecipientName,
		Timezone:         req.Timezone,
		SendImmediately:  req.SendImmediately,
		EventData: map[string]any{
			"stage": st.Name,
			"draft": draftOut,
		},
	})
	if err != nil {
		if ferr := r.store.CompleteOperation(ctx, op.ID, task.OperationFailed, nil, err.Error()); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	output, _ := json.Marshal(map[string]any{
		"event_id":          event.ID,
		"fire_at":           event.FireAt,
		"draft_id":          draft.ID,
		"recipient_address": req.RecipientAddress,
		"send_immediately":  req.SendImmediately,
	})
	if err := r.store.CompleteOperation(ctx, op.ID, task.OperationSuccess, output, ""); err != nil {
		return nil, err
	}
	op.Status = task.OperationSuccess
	op.OutputData = output

	zap.L().Info("send scheduled",
		zap.String("task_id", t.ID),
		zap.String("stage", st.Name),
		zap.String("event_id", event.ID),
		zap.Time("fire_at", event.FireAt),
	)

	return &dispatchResult{
		Operation: op,
		Event:     event,
		Deferred:  !req.SendImmediately,
	}, nil
}

func (r *Router) close(ctx context.Context, t *task.Task, st *StageDescriptor, req ActionRequest) (*dispatchResult, error) {
	if err := r.scheduler.CancelPendingForTask(ctx, t.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	input, _ := json.Marshal(map[string]any{"action": ActionClose, "reason": req.Reason})
	output, _ := json.Marshal(map[string]any{"reason": req.Reason})
	op := &task.Operation{
		StageName:   st.Name,
		ChainIndex:  len(t.StageOperations(st.Name)),
		Action:      ActionClose,
		Status:      task.OperationSuccess,
		InputData:   input,
		OutputData:  output,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if err := r.store.AppendOperation(ctx, t.ID, op); err != nil {
		return nil, err
	}

	// Closing the final stage finishes the process; closing an earlier
	// gated stage abandons it.
	final := task.StatusStopped
	if st.Name == StageFollowUp {
		final = task.StatusCompleted
	}
	return &dispatchResult{Operation: op, FinalStatus: final}, nil
}

// runAction appends a running operation, invokes the handler and
// finalizes the operation. Handler failures finish the operation as
// failed and still park the stage for another human attempt.
func (r *Router) runAction(ctx context.Context, t *task.Task, st *StageDescriptor, h Handler, action string, input map[string]any, finish func(map[string]any)) (*task.Operation, error) {
	rawInput, _ := json.Marshal(input)
	now := time.Now().UTC()
	op := &task.Operation{
		StageName:  st.Name,
		ChainIndex: len(t.StageOperations(st.Name)),
		Action:     action,
		Status:     task.OperationRunning,
		InputData:  rawInput,
		StartedAt:  &now,
	}
	if err := r.store.AppendOperation(ctx, t.ID, op); err != nil {
		return nil, err
	}

	output, err := h.Run(ctx, t, input)
	if err != nil {
		if cerr := r.store.CompleteOperation(ctx, op.ID, task.OperationFailed, nil, err.Error()); cerr != nil {
			return nil, cerr
		}
		op.Status = task.OperationFailed
		op.ErrorMsg = err.Error()
		return op, nil
	}

	if output == nil {
		output = map[string]any{}
	}
	if finish != nil {
		finish(output)
	}

	raw, _ := json.Marshal(output)
	if err := r.store.CompleteOperation(ctx, op.ID, task.OperationSuccess, raw, ""); err != nil {
		return nil, err
	}
	op.Status = task.OperationSuccess
	op.OutputData = raw
	return op, nil
}

// findDraft locates a prior successful drafting operation of the task
// by operation id.
func findDraft(t *task.Task, draftID string) *task.Operation {
	for i := len(t.Operations) - 1; i >= 0; i-- {
		op := &t.Operations[i]
		if op.ID == draftID && op.Status == task.OperationSuccess &&
			(op.Action == ActionDraftWrite || op.Action == ActionDraftRewrite) {
			return op
		}
	}
	return nil
}
