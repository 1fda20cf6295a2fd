package task

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft        Status = "draft"
	StatusRunning      Status = "running"
	StatusWaitingHuman Status = "waiting_human"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

type OperationStatus string

const (
	OperationPending OperationStatus = "pending"
	OperationRunning OperationStatus = "running"
	OperationSuccess OperationStatus = "success"
	OperationFailed  OperationStatus = "failed"
)

func (s OperationStatus) Finished() bool {
	return s == OperationSuccess || s == OperationFailed
}

// Task is one end-to-end sales process instance.
type Task struct {
	ID                string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"task_id"`
	OrgID             string         `gorm:"column:org_id;index;not null" json:"org_id"`
	PlanID            string         `gorm:"column:plan_id;index" json:"plan_id"`
	TeamID            string         `gorm:"column:team_id;index" json:"team_id"`
	Status            Status         `gorm:"column:status;type:varchar(20);default:'draft'" json:"status"`
	CurrentStageIndex int            `gorm:"column:current_stage_index;default:0" json:"current_stage_index"`
	RequestBody       datatypes.JSON `gorm:"column:request_body" json:"request_body"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	Operations        []Operation    `gorm:"foreignKey:TaskID" json:"operations,omitempty"`
}

// Operation is one executed unit of work within a Task. Operations are
// totally ordered by (runtime_index, chain_index); chain_index restarts
// whenever a new stage begins. A finished operation is never mutated.
type Operation struct {
	ID           string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"operation_id"`
	TaskID       string          `gorm:"column:task_id;not null;uniqueIndex:idx_operation_order,priority:1" json:"task_id"`
	StageName    string          `gorm:"column:stage_name;index;not null" json:"stage_name"`
	RuntimeIndex int             `gorm:"column:runtime_index;not null;uniqueIndex:idx_operation_order,priority:2" json:"runtime_index"`
	ChainIndex   int             `gorm:"column:chain_index;not null;uniqueIndex:idx_operation_order,priority:3" json:"chain_index"`
	Action       string          `gorm:"column:action;type:varchar(20)" json:"action,omitempty"`
	Status       OperationStatus `gorm:"column:status;type:varchar(20);default:'pending'" json:"status"`
	InputData    datatypes.JSON  `gorm:"column:input_data" json:"input_data,omitempty"`
	OutputData   datatypes.JSON  `gorm:"column:output_data" json:"output_data,omitempty"`
	ErrorMsg     string          `gorm:"column:error_msg;type:text" json:"error_msg,omitempty"`
	StartedAt    *time.Time      `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// LastOperation returns the most recent operation by execution order, or
// nil when the task has none. Operations must already be ordered.
func (t *Task) LastOperation() *Operation {
	if len(t.Operations) == 0 {
		return nil
	}
	return &t.Operations[len(t.Operations)-1]
}

// StageOperations returns the task's operations for one stage, in order.
func (t *Task) StageOperations(stage string) []Operation {
	var ops []Operation
	for _, op := range t.Operations {
		if op.StageName == stage {
			ops = append(ops, op)
		}
	}
	return ops
}

// LastSuccess returns the most recent successful operation for a stage.
func (t *Task) LastSuccess(stage string) *Operation {
	for i := len(t.Operations) - 1; i >= 0; i-- {
		if t.Operations[i].StageName == stage && t.Operations[i].Status == OperationSuccess {
			return &t.Operations[i]
		}
	}
	return nil
}
