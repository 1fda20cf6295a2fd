package orchestrator

import (
	"github.com/rtavytran/fusesell/services/task"
)

// StatusCode is the per-invocation outcome of Advance, orthogonal to
// the task status itself.
type StatusCode string

const (
	CodeUndone             StatusCode = "UNDONE"
	CodeDone               StatusCode = "DONE"
	CodeInTimer            StatusCode = "IN_TIMER"
	CodeNoSuitableExecutor StatusCode = "NO_SUITABLE_EXECUTOR"
	CodeFailed             StatusCode = "FAILED"
)

type ExecutionMode string

const (
	ModeAutomatic ExecutionMode = "automatic"
	ModeGated     ExecutionMode = "gated"
)

type StopPolicy string

const (
	StopHardOnFailure    StopPolicy = "hard_stop_on_failure"
	StopSoftAfterSuccess StopPolicy = "soft_stop_after_success"
	StopContinue         StopPolicy = "continue"
)

const (
	StageAcquisition = "acquisition"
	StagePreparation = "preparation"
	StageScoring     = "scoring"
	StageOutreach    = "outreach"
	StageFollowUp    = "follow_up"
)

const (
	ActionDraftWrite   = "draft_write"
	ActionDraftRewrite = "draft_rewrite"
	ActionSend         = "send"
	ActionClose        = "close"
)

// StageDescriptor is one row of the fixed pipeline table. Requires
// names the stage whose last successful output this stage reads.
type StageDescriptor struct {
	Name       string
	Mode       ExecutionMode
	StopPolicy StopPolicy
	Requires   string
}

// Stages is the fixed, totally ordered pipeline. Acquisition through
// scoring run automatically in one pass; outreach and follow-up only
// proceed on an explicit external action.
var Stages = []StageDescriptor{
	{Name: StageAcquisition, Mode: ModeAutomatic, StopPolicy: StopHardOnFailure},
	{Name: StagePreparation, Mode: ModeAutomatic, StopPolicy: StopContinue, Requires: StageAcquisition},
	{Name: StageScoring, Mode: ModeAutomatic, StopPolicy: StopContinue, Requires: StagePreparation},
	{Name: StageOutreach, Mode: ModeGated, StopPolicy: StopSoftAfterSuccess, Requires: StageScoring},
	{Name: StageFollowUp, Mode: ModeGated, StopPolicy: StopSoftAfterSuccess, Requires: StageOutreach},
}

func stageByName(name string) *StageDescriptor {
	for i := range Stages {
		if Stages[i].Name == name {
			return &Stages[i]
		}
	}
	return nil
}

// ActionRequest is the externally supplied trigger for a gated stage.
// Exactly one action is processed per invocation.
type ActionRequest struct {
	Action           string `json:"action" binding:"required"`
	SelectedDraftID  string `json:"selected_draft_id,omitempty"`
	RecipientAddress string `json:"recipient_address,omitempty"`
	RecipientName    string `json:"recipient_name,omitempty"`
	SendImmediately  bool   `json:"send_immediately,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// AdvanceResult is the single orchestration entry point's reply.
type AdvanceResult struct {
	TaskID        string           `json:"task_id"`
	TaskStatus    task.Status      `json:"task_status"`
	Code          StatusCode       `json:"task_status_code"`
	NewOperations []task.Operation `json:"new_operations"`
}
