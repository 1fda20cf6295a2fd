package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rtavytran/fusesell/pkg/errutil"
	"github.com/rtavytran/fusesell/services/scheduler"
	"github.com/rtavytran/fusesell/services/task"

	"github.com/stretchr/testify/require"
)

// gateTask runs the automatic stages so the task parks at outreach.
func gateTask(t *testing.T, f *fixture) *task.Task {
	t.Helper()
	tk := f.createTask(t)
	res, err := f.svc.Advance(context.Background(), tk.ID, nil)
	require.NoError(t, err)
	require.Equal(t, task.StatusWaitingHuman, res.TaskStatus)
	return tk
}

func lastOp(t *testing.T, f *fixture, taskID string) *task.Operation {
	t.Helper()
	got, err := f.svc.GetState(context.Background(), taskID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Operations)
	return &got.Operations[len(got.Operations)-1]
}

func TestRouter_DraftWrite(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)

	res, err := f.svc.Advance(context.Background(), tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.NoError(t, err)
	require.Equal(t, task.StatusWaitingHuman, res.TaskStatus)
	require.Equal(t, CodeUndone, res.Code)
	require.Len(t, res.NewOperations, 1)

	op := res.NewOperations[0]
	require.Equal(t, StageOutreach, op.StageName)
	require.Equal(t, ActionDraftWrite, op.Action)
	require.Equal(t, task.OperationSuccess, op.Status)
	require.Equal(t, 3, op.RuntimeIndex)
	require.Equal(t, 0, op.ChainIndex)

	var out map[string]any
	require.NoError(t, json.Unmarshal(op.OutputData, &out))
	require.Equal(t, float64(1), out["version"])
	require.Equal(t, "Hello Acme", out["subject"])
}

func TestRouter_SecondUnsentDraftRejected(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)
	ctx := context.Background()

	_, err := f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.NoError(t, err)

	_, err = f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	got, gerr := f.svc.GetState(ctx, tk.ID)
	require.NoError(t, gerr)
	require.Len(t, got.Operations, 4)
	require.Equal(t, task.StatusWaitingHuman, got.Status)
}

func TestRouter_DraftRewrite(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)
	ctx := context.Background()

	res, err := f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.NoError(t, err)
	draftID := res.NewOperations[0].ID

	res, err = f.svc.Advance(ctx, tk.ID, &ActionRequest{
		Action:          ActionDraftRewrite,
		SelectedDraftID: draftID,
		Reason:          "shorter please",
	})
	require.NoError(t, err)
	require.Equal(t, task.StatusWaitingHuman, res.TaskStatus)
	require.Len(t, res.NewOperations, 1)

	op := res.NewOperations[0]
	require.Equal(t, ActionDraftRewrite, op.Action)
	require.Equal(t, 1, op.ChainIndex)

	var out map[string]any
	require.NoError(t, json.Unmarshal(op.OutputData, &out))
	require.Equal(t, float64(2), out["version"])
	require.Equal(t, draftID, out["original_draft_id"])
}

func TestRouter_RewriteUnknownDraftRejected(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)
	ctx := context.Background()

	_, err := f.svc.Advance(ctx, tk.ID, &ActionRequest{
		Action:          ActionDraftRewrite,
		SelectedDraftID: "no-such-draft",
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	got, gerr := f.svc.GetState(ctx, tk.ID)
	require.NoError(t, gerr)
	require.Len(t, got.Operations, 3)
	require.Equal(t, task.StatusWaitingHuman, got.Status)
}

func TestRouter_SendSchedulesDeferredEvent(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)
	ctx := context.Background()

	res, err := f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.NoError(t, err)
	draftID := res.NewOperations[0].ID

	res, err = f.svc.Advance(ctx, tk.ID, &ActionRequest{
		Action:           ActionSend,
		SelectedDraftID:  draftID,
		RecipientAddress: "lead@acme.io",
		Timezone:         "UTC",
	})
	require.NoError(t, err)
	require.Equal(t, task.StatusWaitingHuman, res.TaskStatus) // parked at follow-up
	require.Equal(t, CodeInTimer, res.Code)
	require.Len(t, res.NewOperations, 1)

	op := res.NewOperations[0]
	require.Equal(t, ActionSend, op.Action)
	require.Equal(t, task.OperationSuccess, op.Status)

	var out map[string]any
	require.NoError(t, json.Unmarshal(op.OutputData, &out))
	require.NotEmpty(t, out["event_id"])

	events, err := f.sched.ListByTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, scheduler.EventScheduled, events[0].Status)
	require.Equal(t, draftID, events[0].DraftID)
	require.True(t, events[0].FireAt.After(time.Now().UTC()))
}

func TestRouter_SendImmediately(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)
	ctx := context.Background()

	res, err := f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.NoError(t, err)
	draftID := res.NewOperations[0].ID

	res, err = f.svc.Advance(ctx, tk.ID, &ActionRequest{
		Action:           ActionSend,
		SelectedDraftID:  draftID,
		RecipientAddress: "lead@acme.io",
		SendImmediately:  true,
	})
	require.NoError(t, err)
	require.Equal(t, task.StatusWaitingHuman, res.TaskStatus)
	require.Equal(t, CodeUndone, res.Code)

	events, err := f.sched.ListByTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].FireAt.After(time.Now().UTC()))
}

func TestRouter_SendUnknownDraftRejected(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)

	_, err := f.svc.Advance(context.Background(), tk.ID, &ActionRequest{
		Action:           ActionSend,
		SelectedDraftID:  "no-such-draft",
		RecipientAddress: "lead@acme.io",
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	got, gerr := f.svc.GetState(context.Background(), tk.ID)
	require.NoError(t, gerr)
	require.Len(t, got.Operations, 3)
}

func TestRouter_SendWithoutRecipientRejected(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)

	_, err := f.svc.Advance(context.Background(), tk.ID, &ActionRequest{
		Action:          ActionSend,
		SelectedDraftID: "whatever",
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}

func TestRouter_CloseOnOutreachStopsTask(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)
	ctx := context.Background()

	res, err := f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionClose, Reason: "not a fit"})
	require.NoError(t, err)
	require.Equal(t, task.StatusStopped, res.TaskStatus)
	require.Equal(t, CodeUndone, res.Code)

	// Stopped tasks ignore further advances.
	res, err = f.svc.Advance(ctx, tk.ID, nil)
	require.NoError(t, err)
	require.Equal(t, CodeUndone, res.Code)
	require.Empty(t, res.NewOperations)
}

func TestRouter_CloseCancelsPendingEvents(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)
	ctx := context.Background()

	res, err := f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.NoError(t, err)
	draftID := res.NewOperations[0].ID

	_, err = f.svc.Advance(ctx, tk.ID, &ActionRequest{
		Action:           ActionSend,
		SelectedDraftID:  draftID,
		RecipientAddress: "lead@acme.io",
		Timezone:         "UTC",
	})
	require.NoError(t, err)

	res, err = f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionClose})
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, res.TaskStatus) // outreach already sent

	events, err := f.sched.ListByTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, scheduler.EventCanceled, events[0].Status)
}

func TestRouter_FollowUpSendCompletesTask(t *testing.T) {
	f := newFixture(t, 10, happyHandlers())
	tk := gateTask(t, f)
	ctx := context.Background()

	res, err := f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.NoError(t, err)

	_, err = f.svc.Advance(ctx, tk.ID, &ActionRequest{
		Action:           ActionSend,
		SelectedDraftID:  res.NewOperations[0].ID,
		RecipientAddress: "lead@acme.io",
		SendImmediately:  true,
	})
	require.NoError(t, err)

	res, err = f.svc.Advance(ctx, tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.NoError(t, err)
	require.Equal(t, StageFollowUp, res.NewOperations[0].StageName)
	require.Equal(t, 0, res.NewOperations[0].ChainIndex)

	res, err = f.svc.Advance(ctx, tk.ID, &ActionRequest{
		Action:           ActionSend,
		SelectedDraftID:  res.NewOperations[0].ID,
		RecipientAddress: "lead@acme.io",
		SendImmediately:  true,
	})
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, res.TaskStatus)
	require.Equal(t, CodeDone, res.Code)
}

func TestRouter_DraftHandlerFailureParksStage(t *testing.T) {
	handlers := happyHandlers()
	handlers[3] = &stubHandler{
		stage: StageOutreach,
		run: func(context.Context, *task.Task, map[string]any) (map[string]any, error) {
			return nil, errutil.BadGateway("composer unavailable")
		},
	}

	f := newFixture(t, 10, handlers)
	tk := gateTask(t, f)

	res, err := f.svc.Advance(context.Background(), tk.ID, &ActionRequest{Action: ActionDraftWrite})
	require.NoError(t, err)
	require.Equal(t, task.StatusWaitingHuman, res.TaskStatus)
	require.Len(t, res.NewOperations, 1)
	require.Equal(t, task.OperationFailed, res.NewOperations[0].Status)
	require.Contains(t, res.NewOperations[0].ErrorMsg, "composer unavailable")
}
