package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rtavytran/fusesell/pkg/config"
	"github.com/rtavytran/fusesell/pkg/taskname"
	"github.com/rtavytran/fusesell/services/orchestrator"
	"github.com/rtavytran/fusesell/services/scheduler"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const sweepBatchSize = 100

// Service polls for due scheduled events and hands each one to asynq
// for delivery. Firing is a compare-and-set on the event status, so a
// duplicate enqueue or a cancel racing the sweep is harmless.
type Service struct {
	db        *gorm.DB
	client    *asynq.Client
	scheduler *scheduler.Service
	sender    EmailSender
	interval  time.Duration
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Client    *asynq.Client
	Scheduler *scheduler.Service
	Sender    EmailSender
	Config    *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		client:    p.Client,
		scheduler: p.Scheduler,
		sender:    p.Sender,
		interval:  p.Config.Scheduling.PollInterval,
	}
}

type eventPayload struct {
	EventID string `json:"event_id"`
}

// Sweep enqueues every due event. Events stay scheduled until their
// handler claims them, so a crash between enqueue and handling only
// delays delivery.
func (s *Service) Sweep(ctx context.Context) error {
	var due []scheduler.ScheduledEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND fire_at <= ?", scheduler.EventScheduled, time.Now().UTC()).
		Order("fire_at ASC").
		Limit(sweepBatchSize).
		Find(&due).Error
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for _, event := range due {
		event := event
		g.Go(func() error {
			if err := s.enqueue(ctx, &event); err != nil {
				zap.L().Error("failed to enqueue due event",
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) enqueue(ctx context.Context, event *scheduler.ScheduledEvent) error {
	payload, _ := json.Marshal(eventPayload{EventID: event.ID})

	name := taskname.OutreachEmailSend
	queue := "critical"
	switch {
	case event.EventType == scheduler.EventTypeFollowUpReminder:
		name = taskname.FollowUpReminderDue
		queue = "default"
	case eventStage(event) == orchestrator.StageFollowUp:
		name = taskname.FollowUpEmailSend
	}

	_, err := s.client.EnqueueContext(ctx, asynq.NewTask(name, payload),
		asynq.Queue(queue),
		asynq.ProcessAt(event.FireAt),
	)
	return err
}

// HandleEmailSend claims the event and delivers the email. An outreach
// delivery also arms the follow-up reminder.
func (s *Service) HandleEmailSend(ctx context.Context, t *asynq.Task) error {
	var p eventPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}

	event, claimed, err := s.claim(ctx, p.EventID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	email := Email{To: event.RecipientAddress, ToName: event.RecipientName}
	var data map[string]any
	_ = json.Unmarshal(event.EventData, &data)
	if draft, ok := data["draft"].(map[string]any); ok {
		email.Subject, _ = draft["subject"].(string)
		email.Body, _ = draft["body"].(string)
	}

	if err := s.sender.Send(ctx, email); err != nil {
		// Claim stays fired; asynq retries would double-send.
		zap.L().Error("email delivery failed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return nil
	}

	zap.L().Info("event fired",
		zap.String("event_id", event.ID),
		zap.String("task_id", event.TaskID),
		zap.String("event_type", event.EventType),
	)

	if event.EventType == scheduler.EventTypeEmailSend && eventStage(event) == orchestrator.StageOutreach {
		if _, err := s.scheduler.ScheduleFollowUp(ctx, event); err != nil {
			zap.L().Error("failed to schedule follow-up reminder",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// HandleReminderDue claims a follow-up reminder. Reminders carry no
// payload to deliver; they surface the task as due for follow-up work.
func (s *Service) HandleReminderDue(ctx context.Context, t *asynq.Task) error {
	var p eventPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}

	event, claimed, err := s.claim(ctx, p.EventID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	zap.L().Info("follow-up due",
		zap.String("event_id", event.ID),
		zap.String("task_id", event.TaskID),
		zap.String("recipient", event.RecipientAddress),
	)
	return nil
}

// HandleSweep lets an external enqueue force an immediate sweep.
func (s *Service) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	return s.Sweep(ctx)
}

// claim flips the event from scheduled to fired. Returns false when the
// event was canceled or already taken.
func (s *Service) claim(ctx context.Context, eventID string) (*scheduler.ScheduledEvent, bool, error) {
	res := s.db.WithContext(ctx).Model(&scheduler.ScheduledEvent{}).
		Where("id = ? AND status = ?", eventID, scheduler.EventScheduled).
		Update("status", scheduler.EventFired)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	var event scheduler.ScheduledEvent
	if err := s.db.WithContext(ctx).First(&event, "id = ?", eventID).Error; err != nil {
		return nil, false, err
	}
	return &event, true, nil
}

func eventStage(event *scheduler.ScheduledEvent) string {
	var data map[string]any
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		return ""
	}
	stage, _ := data["stage"].(string)
	return stage
}
