package scheduler

import (
	"time"

	"gorm.io/datatypes"
)

type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventFired     EventStatus = "fired"
	EventCanceled  EventStatus = "canceled"
)

const (
	EventTypeEmailSend        = "email_send"
	EventTypeFollowUpReminder = "follow_up_reminder"
)

// ScheduledEvent is a deferred side effect owned by one operation.
// FireAt is stored UTC; Timezone keeps the original zone for audit.
// A canceled event never fires.
type ScheduledEvent struct {
	ID               string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"event_id"`
	OperationID      string         `gorm:"column:operation_id;index;not null" json:"operation_id"`
	TaskID           string         `gorm:"column:task_id;index;not null" json:"task_id"`
	OrgID            string         `gorm:"column:org_id;index;not null" json:"org_id"`
	TeamID           string         `gorm:"column:team_id;index" json:"team_id,omitempty"`
	EventType        string         `gorm:"column:event_type;index;not null" json:"event_type"`
	TargetAction     string         `gorm:"column:target_action;type:varchar(20)" json:"target_action"`
	DraftID          string         `gorm:"column:draft_id;index" json:"draft_id,omitempty"`
	RecipientAddress string         `gorm:"column:recipient_address;not null" json:"recipient_address"`
	RecipientName    string         `gorm:"column:recipient_name" json:"recipient_name,omitempty"`
	FireAt           time.Time      `gorm:"column:fire_at;index;not null" json:"fire_at"`
	Timezone         string         `gorm:"column:timezone" json:"timezone"`
	Status           EventStatus    `gorm:"column:status;type:varchar(20);default:'scheduled'" json:"status"`
	EventData        datatypes.JSON `gorm:"column:event_data" json:"event_data,omitempty"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// SchedulingRule holds the business-hour policy for an org or a team.
// Team rules take precedence over org rules; built-in defaults apply
// when neither exists.
type SchedulingRule struct {
	ID                 string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"rule_id"`
	OrgID              string    `gorm:"column:org_id;index;not null" json:"org_id"`
	TeamID             string    `gorm:"column:team_id;index" json:"team_id,omitempty"`
	RuleName           string    `gorm:"column:rule_name" json:"rule_name"`
	BusinessHoursStart string    `gorm:"column:business_hours_start;default:'08:00'" json:"business_hours_start"`
	BusinessHoursEnd   string    `gorm:"column:business_hours_end;default:'20:00'" json:"business_hours_end"`
	DefaultDelayHours  int       `gorm:"column:default_delay_hours;default:2" json:"default_delay_hours"`
	FollowUpDelayHours int       `gorm:"column:follow_up_delay_hours;default:120" json:"follow_up_delay_hours"`
	Timezone           string    `gorm:"column:timezone;default:'Asia/Bangkok'" json:"timezone"`
	AvoidWeekends      bool      `gorm:"column:avoid_weekends" json:"avoid_weekends"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DefaultRule mirrors the stock policy applied when an org has no rule
// rows.
func DefaultRule() SchedulingRule {
	return SchedulingRule{
		RuleName:           "default",
		BusinessHoursStart: "08:00",
		BusinessHoursEnd:   "20:00",
		DefaultDelayHours:  2,
		FollowUpDelayHours: 120,
		Timezone:           "Asia/Bangkok",
		AvoidWeekends:      true,
	}
}
