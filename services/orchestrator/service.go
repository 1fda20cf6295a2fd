package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rtavytran/fusesell/pkg/config"
	"github.com/rtavytran/fusesell/pkg/errutil"
	"github.com/rtavytran/fusesell/services/scheduler"
	"github.com/rtavytran/fusesell/services/task"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service drives a task through the stage pipeline. A single Advance
// call executes automatic stages in order until the pipeline either
// finishes, fails, or parks at a gated stage waiting for a human
// action.
type Service struct {
	store      *task.Store
	scheduler  *scheduler.Service
	router     *Router
	handlers   map[string]Handler
	staleAfter time.Duration
}

type Params struct {
	fx.In

	Store     *task.Store
	Scheduler *scheduler.Service
	Config    *config.Config
	Handlers  []Handler `group:"stage_handlers"`
}

func NewService(p Params) *Service {
	registry := buildRegistry(p.Handlers)
	return &Service{
		store:      p.Store,
		scheduler:  p.Scheduler,
		router:     NewRouter(p.Store, p.Scheduler, registry),
		handlers:   registry,
		staleAfter: p.Config.Pipeline.StaleAfter,
	}
}

// GetState returns the task with its full operation history.
func (s *Service) GetState(ctx context.Context, taskID string) (*task.Task, error) {
	return s.store.GetTaskWithOperations(ctx, taskID)
}

// Advance moves the task forward. With a nil action it runs automatic
// stages up to the next gated boundary; with an action it dispatches
// the action at the current gated stage first. Invalid actions are
// rejected before any state is touched.
func (s *Service) Advance(ctx context.Context, taskID string, action *ActionRequest) (*AdvanceResult, error) {
	if action != nil {
		if err := validateAction(action); err != nil {
			return nil, err
		}
	}

	t, err := s.store.GetTaskWithOperations(ctx, taskID)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("task_id", t.ID),
		zap.String("org_id", t.OrgID),
	)

	switch t.Status {
	case task.StatusFailed:
		return result(t, CodeFailed, nil), nil
	case task.StatusCompleted:
		return result(t, CodeDone, nil), nil
	case task.StatusStopped:
		return result(t, CodeUndone, nil), nil
	}

	// Single flight: an unfinished operation means another invocation
	// owns the task, unless it has gone stale.
	if last := t.LastOperation(); last != nil && !last.Status.Finished() {
		if s.staleAfter <= 0 || time.Since(last.UpdatedAt) <= s.staleAfter {
			return result(t, CodeUndone, nil), nil
		}
		log.Warn("recovering stale operation",
			zap.String("operation_id", last.ID),
			zap.String("stage", last.StageName),
		)
		if err := s.store.MarkOperationFailed(ctx, last.ID, "operation exceeded staleness threshold"); err != nil {
			return nil, err
		}
		last.Status = task.OperationFailed
	}

	// A recovered or prior failure on a hard-stop stage ends the task.
	if last := t.LastOperation(); last != nil && last.Status == task.OperationFailed {
		if st := stageByName(last.StageName); st != nil && st.StopPolicy == StopHardOnFailure {
			if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, t.CurrentStageIndex); err != nil {
				return nil, err
			}
			t.Status = task.StatusFailed
			return result(t, CodeFailed, nil), nil
		}
	}

	prevStatus, prevIndex := t.Status, t.CurrentStageIndex

	if t.Status == task.StatusRunning {
		// No in-flight operation but the claim was never released.
		if s.staleAfter <= 0 || time.Since(t.UpdatedAt) <= s.staleAfter {
			return result(t, CodeUndone, nil), nil
		}
		if err := s.store.ReclaimStaleTask(ctx, t.ID, s.staleAfter); err != nil {
			if errutil.HasStatus(err, errutil.StatusConflict) {
				return result(t, CodeUndone, nil), nil
			}
			return nil, err
		}
		log.Warn("reclaimed stale task")
	} else if err := s.store.ClaimTask(ctx, t.ID); err != nil {
		if errutil.HasStatus(err, errutil.StatusConflict) {
			// Lost the race to a concurrent invocation.
			t.Status = task.StatusRunning
			return result(t, CodeUndone, nil), nil
		}
		return nil, err
	}
	t.Status = task.StatusRunning

	var newOps []task.Operation
	deferred := false
	pending := action

	finalStatus := task.StatusRunning
	finalCode := CodeUndone
	stageIndex := prevIndex

	for {
		st, idx := s.nextStage(t)
		if st == nil {
			finalStatus, finalCode = task.StatusCompleted, CodeDone
			stageIndex = len(Stages)
			break
		}
		stageIndex = idx

		if st.Requires != "" {
			prior := t.LastSuccess(st.Requires)
			if prior == nil || len(prior.OutputData) == 0 {
				s.restore(ctx, t.ID, prevStatus, prevIndex, log)
				return nil, errutil.UnprocessableEntity(
					fmt.Sprintf("stage %s requires output from %s", st.Name, st.Requires))
			}
		}

		if st.Mode == ModeGated {
			if pending == nil {
				finalStatus = task.StatusWaitingHuman
				break
			}

			res, err := s.router.Dispatch(ctx, t, st, *pending)
			if err != nil {
				if errors.Is(err, errNoExecutor) {
					s.restore(ctx, t.ID, prevStatus, prevIndex, log)
					t.Status = prevStatus
					t.CurrentStageIndex = prevIndex
					return result(t, CodeNoSuitableExecutor, newOps), nil
				}
				s.restore(ctx, t.ID, prevStatus, prevIndex, log)
				return nil, err
			}
			pending = nil
			if res.Operation != nil {
				newOps = append(newOps, *res.Operation)
			}
			if res.Deferred {
				deferred = true
			}
			if res.FinalStatus != "" {
				finalStatus = res.FinalStatus
				if finalStatus == task.StatusCompleted {
					finalCode = CodeDone
				}
				break
			}

			t, err = s.store.GetTaskWithOperations(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			continue
		}

		h, ok := s.handlers[st.Name]
		if !ok {
			s.restore(ctx, t.ID, prevStatus, prevIndex, log)
			t.Status = prevStatus
			t.CurrentStageIndex = prevIndex
			return result(t, CodeNoSuitableExecutor, newOps), nil
		}

		op, err := s.runStage(ctx, t, st, h, log)
		if err != nil {
			s.restore(ctx, t.ID, prevStatus, prevIndex, log)
			return nil, err
		}
		newOps = append(newOps, *op)

		if op.Status == task.OperationFailed {
			if st.StopPolicy == StopHardOnFailure {
				finalStatus, finalCode = task.StatusFailed, CodeFailed
			} else {
				// Leaves the task claimable so a later Advance retries
				// the stage.
				finalStatus = task.StatusDraft
			}
			break
		}

		t, err = s.store.GetTaskWithOperations(ctx, t.ID)
		if err != nil {
			return nil, err
		}
	}

	if deferred && (finalCode == CodeUndone || finalCode == CodeDone) {
		finalCode = CodeInTimer
	}

	if err := s.store.UpdateTaskStatus(ctx, t.ID, finalStatus, stageIndex); err != nil {
		return nil, err
	}
	t.Status = finalStatus
	t.CurrentStageIndex = stageIndex

	log.Info("advance finished",
		zap.String("status", string(finalStatus)),
		zap.String("code", string(finalCode)),
		zap.Int("new_operations", len(newOps)),
	)
	return result(t, finalCode, newOps), nil
}

// nextStage returns the first stage that has not completed yet.
func (s *Service) nextStage(t *task.Task) (*StageDescriptor, int) {
	for i := range Stages {
		if !stageComplete(t, &Stages[i]) {
			return &Stages[i], i
		}
	}
	return nil, len(Stages)
}

// An automatic stage completes with one successful operation. A gated
// stage completes when a send or close has succeeded in it.
func stageComplete(t *task.Task, st *StageDescriptor) bool {
	if st.Mode == ModeGated {
		for _, op := range t.StageOperations(st.Name) {
			if op.Status == task.OperationSuccess &&
				(op.Action == ActionSend || op.Action == ActionClose) {
				return true
			}
		}
		return false
	}
	return t.LastSuccess(st.Name) != nil
}

func (s *Service) runStage(ctx context.Context, t *task.Task, st *StageDescriptor, h Handler, log *zap.Logger) (*task.Operation, error) {
	input := priorOutputs(t)
	rawInput, _ := json.Marshal(input)

	now := time.Now().UTC()
	op := &task.Operation{
		StageName: st.Name,
		Status:    task.OperationRunning,
		InputData: rawInput,
		StartedAt: &now,
	}
	if err := s.store.AppendOperation(ctx, t.ID, op); err != nil {
		return nil, err
	}

	log.Info("executing stage",
		zap.String("stage", st.Name),
		zap.String("operation_id", op.ID),
	)

	output, err := h.Run(ctx, t, input)

	if err == nil && st.Name == StageAcquisition {
		// A dead target website makes every downstream stage pointless.
		if v, ok := output["status_info_website"]; ok && v == "fail" {
			err = errutil.BadGateway("website extraction failed")
		}
	}

	if err != nil {
		raw, _ := json.Marshal(output)
		if cerr := s.store.CompleteOperation(ctx, op.ID, task.OperationFailed, raw, err.Error()); cerr != nil {
			return nil, cerr
		}
		op.Status = task.OperationFailed
		op.ErrorMsg = err.Error()
		op.OutputData = raw
		log.Warn("stage failed", zap.String("stage", st.Name), zap.Error(err))
		return op, nil
	}

	raw, _ := json.Marshal(output)
	if err := s.store.CompleteOperation(ctx, op.ID, task.OperationSuccess, raw, ""); err != nil {
		return nil, err
	}
	op.Status = task.OperationSuccess
	op.OutputData = raw
	return op, nil
}

// priorOutputs collects the latest successful output of every stage,
// keyed by stage name, as input for the next stage.
func priorOutputs(t *task.Task) map[string]any {
	out := map[string]any{}
	for i := range Stages {
		op := t.LastSuccess(Stages[i].Name)
		if op == nil || len(op.OutputData) == 0 {
			continue
		}
		var m map[string]any
		if json.Unmarshal(op.OutputData, &m) == nil {
			out[Stages[i].Name] = m
		}
	}
	return out
}

func (s *Service) restore(ctx context.Context, taskID string, status task.Status, stageIndex int, log *zap.Logger) {
	if err := s.store.UpdateTaskStatus(ctx, taskID, status, stageIndex); err != nil {
		log.Error("failed to restore task status", zap.Error(err))
	}
}

func validateAction(a *ActionRequest) error {
	switch a.Action {
	case ActionDraftWrite, ActionClose:
	case ActionDraftRewrite:
		if a.SelectedDraftID == "" {
			return errutil.ValidationFailed("selected_draft_id is required for draft_rewrite")
		}
	case ActionSend:
		if a.SelectedDraftID == "" {
			return errutil.ValidationFailed("selected_draft_id is required for send")
		}
		if a.RecipientAddress == "" {
			return errutil.ValidationFailed("recipient_address is required for send")
		}
	default:
		return errutil.ValidationFailed(fmt.Sprintf("unknown action %q", a.Action))
	}
	return nil
}

func result(t *task.Task, code StatusCode, ops []task.Operation) *AdvanceResult {
	return &AdvanceResult{
		TaskID:        t.ID,
		TaskStatus:    t.Status,
		Code:          code,
		NewOperations: ops,
	}
}
