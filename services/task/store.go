package task

import (
	"context"
	"errors"
	"time"

	"github.com/rtavytran/fusesell/pkg/config"
	"github.com/rtavytran/fusesell/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Store is the narrow persistence contract the orchestrator, router and
// scheduler rely on. Every mutation commits atomically; a read observes
// either all writes of a prior commit or none.
type Store struct {
	db            *gorm.DB
	node          *snowflake.Node
	maxOperations int
}

type StoreParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewStore(p StoreParams) *Store {
	max := p.Config.Pipeline.MaxOperations
	if max <= 0 {
		max = 10
	}
	return &Store{
		db:            p.DB,
		node:          p.Node,
		maxOperations: max,
	}
}

func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = s.node.Generate().String()
	}
	if t.Status == "" {
		t.Status = StatusDraft
	}
	if t.OrgID == "" {
		return errutil.ValidationFailed("org_id is required")
	}
	return s.db.WithContext(ctx).Create(t).Error
}

// GetTaskWithOperations loads a task and its full operation history
// ordered by (runtime_index, chain_index).
func (s *Store) GetTaskWithOperations(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := s.db.WithContext(ctx).
		Preload("Operations", func(db *gorm.DB) *gorm.DB {
			return db.Order("runtime_index ASC, chain_index ASC")
		}).
		First(&t, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("task not found")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AppendOperation assigns the next runtime_index and persists the
// operation in one transaction. It fails closed once the task has
// accumulated the configured maximum number of operations.
func (s *Store) AppendOperation(ctx context.Context, taskID string, op *Operation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Operation{}).Where("task_id = ?", taskID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(s.maxOperations) {
			return errutil.TooManyRequest("operation limit reached for task")
		}

		if op.ID == "" {
			op.ID = s.node.Generate().String()
		}
		op.TaskID = taskID
		op.RuntimeIndex = int(count)
		if op.Status == "" {
			op.Status = OperationPending
		}

		return tx.Create(op).Error
	})
}

// CompleteOperation finalizes a pending or running operation. Finished
// operations are immutable; completing one twice is an error.
func (s *Store) CompleteOperation(ctx context.Context, opID string, status OperationStatus, output []byte, errMsg string) error {
	if !status.Finished() {
		return errutil.BadRequest("operation can only be completed as success or failed")
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":       status,
		"completed_at": now,
		"updated_at":   now,
	}
	if output != nil {
		updates["output_data"] = output
	}
	if errMsg != "" {
		updates["error_msg"] = errMsg
	}

	res := s.db.WithContext(ctx).Model(&Operation{}).
		Where("id = ? AND status IN ?", opID, []OperationStatus{OperationPending, OperationRunning}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("operation already finished")
	}
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status Status, stageIndex int) error {
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":              status,
			"current_stage_index": stageIndex,
			"updated_at":          time.Now().UTC(),
		}).Error
}

// ClaimTask compare-and-swaps the task status into running so two
// concurrent invocations for the same task cannot both dispatch work.
// The loser gets a conflict and must treat it as a benign no-op.
func (s *Store) ClaimTask(ctx context.Context, taskID string) error {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status NOT IN ?", taskID, []Status{
			StatusRunning, StatusCompleted, StatusFailed, StatusStopped,
		}).
		Updates(map[string]any{
			"status":     StatusRunning,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("task is already being processed")
	}
	return nil
}

// ReclaimStaleTask re-arms a task stuck in running with no in-flight
// operation (e.g. a crashed invocation that never wrote its final
// status). The CAS on updated_at keeps two concurrent reclaims from
// both proceeding.
func (s *Store) ReclaimStaleTask(ctx context.Context, taskID string, threshold time.Duration) error {
	cutoff := time.Now().UTC().Add(-threshold)
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND updated_at < ?", taskID, StatusRunning, cutoff).
		Update("updated_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("task is already being processed")
	}
	return nil
}

// MarkOperationFailed is used by stale-lock recovery to fail an
// operation that stayed running past the staleness threshold. It is
// idempotent: an already finished operation is left untouched.
func (s *Store) MarkOperationFailed(ctx context.Context, opID string, errMsg string) error {
	err := s.CompleteOperation(ctx, opID, OperationFailed, nil, errMsg)
	if err != nil && errutil.HasStatus(err, errutil.StatusConflict) {
		return nil
	}
	return err
}
