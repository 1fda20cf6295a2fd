package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rtavytran/fusesell/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type Params struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
	}
}

// Request describes one deferred side effect to schedule.
type Request struct {
	OperationID      string
	TaskID           string
	OrgID            string
	TeamID           string
	EventType        string
	TargetAction     string
	DraftID          string
	RecipientAddress string
	RecipientName    string
	Timezone         string
	BaseTime         time.Time // zero means now
	DelayHours       int       // zero means the rule default
	SendImmediately  bool
	EventData        map[string]any
}

// Schedule converts the logical delay request into a concrete fire time
// honoring the org's business-hour policy and persists the event.
// Scheduling a new send for a draft cancels that draft's prior pending
// event.
func (s *Service) Schedule(ctx context.Context, req Request) (*ScheduledEvent, error) {
	if req.RecipientAddress == "" {
		return nil, errutil.ValidationFailed("recipient_address is required")
	}
	if req.OperationID == "" || req.TaskID == "" {
		return nil, errutil.ValidationFailed("operation_id and task_id are required")
	}

	rule := s.ruleFor(ctx, req.OrgID, req.TeamID)

	base := req.BaseTime
	if base.IsZero() {
		base = time.Now().UTC()
	}

	var fireAt time.Time
	tzName := req.Timezone
	if req.SendImmediately {
		// Immediate delivery bypasses business-hour adjustment.
		fireAt = base
		if tzName == "" {
			tzName = rule.Timezone
		}
	} else {
		loc, resolved, err := resolveLocation(tzName, rule.Timezone)
		if err != nil {
			return nil, err
		}
		tzName = resolved

		delay := req.DelayHours
		if delay <= 0 {
			delay = rule.DefaultDelayHours
		}

		fireAt = computeFireAt(rule, loc, base, delay)
	}

	var data []byte
	if req.EventData != nil {
		data, _ = json.Marshal(req.EventData)
	}

	event := &ScheduledEvent{
		ID:               s.node.Generate().String(),
		OperationID:      req.OperationID,
		TaskID:           req.TaskID,
		OrgID:            req.OrgID,
		TeamID:           req.TeamID,
		EventType:        req.EventType,
		TargetAction:     req.TargetAction,
		DraftID:          req.DraftID,
		RecipientAddress: req.RecipientAddress,
		RecipientName:    req.RecipientName,
		FireAt:           fireAt.UTC(),
		Timezone:         tzName,
		Status:           EventScheduled,
		EventData:        data,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.DraftID != "" {
			if err := tx.Model(&ScheduledEvent{}).
				Where("draft_id = ? AND status = ?", req.DraftID, EventScheduled).
				Update("status", EventCanceled).Error; err != nil {
				return err
			}
		}
		return tx.Create(event).Error
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("scheduled event",
		zap.String("event_id", event.ID),
		zap.String("task_id", event.TaskID),
		zap.String("event_type", event.EventType),
		zap.Time("fire_at", event.FireAt),
		zap.String("timezone", event.Timezone),
	)

	return event, nil
}

// ScheduleFollowUp registers a follow-up reminder after a send fired,
// using the rule's follow-up delay instead of the default delay.
func (s *Service) ScheduleFollowUp(ctx context.Context, sent *ScheduledEvent) (*ScheduledEvent, error) {
	rule := s.ruleFor(ctx, sent.OrgID, sent.TeamID)

	return s.Schedule(ctx, Request{
		OperationID:      sent.OperationID,
		TaskID:           sent.TaskID,
		OrgID:            sent.OrgID,
		TeamID:           sent.TeamID,
		EventType:        EventTypeFollowUpReminder,
		TargetAction:     "draft_write",
		RecipientAddress: sent.RecipientAddress,
		RecipientName:    sent.RecipientName,
		Timezone:         sent.Timezone,
		DelayHours:       rule.FollowUpDelayHours,
	})
}

// CancelPendingForTask cancels every scheduled event belonging to the
// task. Used when a gated stage is closed.
// Cancel marks one pending event canceled. Already fired or canceled
// events are left alone and reported as a conflict.
func (s *Service) Cancel(ctx context.Context, eventID string) error {
	res := s.db.WithContext(ctx).Model(&ScheduledEvent{}).
		Where("id = ? AND status = ?", eventID, EventScheduled).
		Update("status", EventCanceled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("event is not pending")
	}
	return nil
}

func (s *Service) CancelPendingForTask(ctx context.Context, taskID string) error {
	return s.db.WithContext(ctx).Model(&ScheduledEvent{}).
		Where("task_id = ? AND status = ?", taskID, EventScheduled).
		Update("status", EventCanceled).Error
}

// ValidateTimezone checks that a timezone override (or, when empty,
// the scope's rule timezone) resolves to a usable location. Callers
// use it to reject a bad override before persisting anything.
func (s *Service) ValidateTimezone(ctx context.Context, orgID, teamID, tz string) error {
	rule := s.ruleFor(ctx, orgID, teamID)
	_, _, err := resolveLocation(tz, rule.Timezone)
	return err
}

func (s *Service) ListByTask(ctx context.Context, taskID string) ([]ScheduledEvent, error) {
	var events []ScheduledEvent
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("fire_at ASC").
		Find(&events).Error
	return events, err
}

// ruleFor resolves the effective scheduling rule: team rule, then org
// rule, then built-in defaults.
func (s *Service) ruleFor(ctx context.Context, orgID, teamID string) SchedulingRule {
	var rule SchedulingRule

	if teamID != "" {
		err := s.db.WithContext(ctx).
			Where("org_id = ? AND team_id = ?", orgID, teamID).
			First(&rule).Error
		if err == nil {
			return rule
		}
	}

	err := s.db.WithContext(ctx).
		Where("org_id = ? AND (team_id IS NULL OR team_id = '')", orgID).
		First(&rule).Error
	if err == nil {
		return rule
	}

	return DefaultRule()
}

// resolveLocation loads an IANA zone name or a fixed UTC offset string
// such as "+07:00" or "UTC+7". Unrecognized zones fail closed unless a
// fallback is configured, in which case the substitution is logged.
func resolveLocation(name, fallback string) (*time.Location, string, error) {
	if name == "" {
		name = fallback
	}

	if loc, err := loadLocation(name); err == nil {
		return loc, name, nil
	}

	if fallback != "" && fallback != name {
		if loc, err := loadLocation(fallback); err == nil {
			zap.L().Warn("unknown timezone, substituting configured fallback",
				zap.String("timezone", name),
				zap.String("fallback", fallback),
			)
			return loc, fallback, nil
		}
	}

	return nil, "", errutil.InvalidConfig(fmt.Sprintf("unrecognized timezone %q", name))
}

func loadLocation(name string) (*time.Location, error) {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc, nil
	}

	offset := strings.TrimPrefix(name, "UTC")
	offset = strings.TrimPrefix(offset, "GMT")
	if offset == "" {
		return nil, fmt.Errorf("invalid timezone %q", name)
	}

	sign := 1
	switch offset[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return nil, fmt.Errorf("invalid timezone %q", name)
	}
	offset = offset[1:]

	parts := strings.SplitN(offset, ":", 2)
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours > 14 {
		return nil, fmt.Errorf("invalid timezone %q", name)
	}
	minutes := 0
	if len(parts) == 2 {
		minutes, err = strconv.Atoi(parts[1])
		if err != nil || minutes > 59 {
			return nil, fmt.Errorf("invalid timezone %q", name)
		}
	}

	seconds := sign * (hours*3600 + minutes*60)
	return time.FixedZone(name, seconds), nil
}

// computeFireAt applies the business-hour policy to the candidate
// instant: too early shifts to the same day's opening, too late shifts
// to the next business day's opening, and weekends are skipped when the
// rule says so. The result is normalized to UTC.
func computeFireAt(rule SchedulingRule, loc *time.Location, base time.Time, delayHours int) time.Time {
	startHour, startMinute := parseClock(rule.BusinessHoursStart, 8, 0)
	endHour, endMinute := parseClock(rule.BusinessHoursEnd, 20, 0)

	candidate := base.In(loc).Add(time.Duration(delayHours) * time.Hour)

	if rule.AvoidWeekends {
		for isWeekend(candidate) {
			candidate = atClock(candidate.AddDate(0, 0, 1), startHour, startMinute)
		}
	}

	dayStart := atClock(candidate, startHour, startMinute)
	dayEnd := atClock(candidate, endHour, endMinute)

	switch {
	case candidate.Before(dayStart):
		candidate = dayStart
	case candidate.After(dayEnd):
		candidate = atClock(candidate.AddDate(0, 0, 1), startHour, startMinute)
		if rule.AvoidWeekends {
			for isWeekend(candidate) {
				candidate = candidate.AddDate(0, 0, 1)
			}
		}
	}

	return candidate.UTC()
}

func parseClock(v string, defHour, defMinute int) (int, int) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return defHour, defMinute
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return defHour, defMinute
	}
	return hour, minute
}

func atClock(t time.Time, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
