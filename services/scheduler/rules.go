package scheduler

import (
	"context"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type ruleSeed struct {
	Rules []struct {
		OrgID              string `yaml:"org_id"`
		TeamID             string `yaml:"team_id"`
		RuleName           string `yaml:"rule_name"`
		BusinessHoursStart string `yaml:"business_hours_start"`
		BusinessHoursEnd   string `yaml:"business_hours_end"`
		DefaultDelayHours  int    `yaml:"default_delay_hours"`
		FollowUpDelayHours int    `yaml:"follow_up_delay_hours"`
		Timezone           string `yaml:"timezone"`
		AvoidWeekends      *bool  `yaml:"avoid_weekends"`
	} `yaml:"rules"`
}

// SeedRules loads org/team scheduling rules from a YAML file on first
// start. Existing rule rows win; the seed never overwrites them.
func (s *Service) SeedRules(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var seed ruleSeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return err
	}

	for _, r := range seed.Rules {
		var count int64
		q := s.db.WithContext(ctx).Model(&SchedulingRule{}).Where("org_id = ?", r.OrgID)
		if r.TeamID != "" {
			q = q.Where("team_id = ?", r.TeamID)
		}
		if err := q.Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		rule := DefaultRule()
		rule.ID = s.node.Generate().String()
		rule.OrgID = r.OrgID
		rule.TeamID = r.TeamID
		if r.RuleName != "" {
			rule.RuleName = r.RuleName
		}
		if r.BusinessHoursStart != "" {
			rule.BusinessHoursStart = r.BusinessHoursStart
		}
		if r.BusinessHoursEnd != "" {
			rule.BusinessHoursEnd = r.BusinessHoursEnd
		}
		if r.DefaultDelayHours > 0 {
			rule.DefaultDelayHours = r.DefaultDelayHours
		}
		if r.FollowUpDelayHours > 0 {
			rule.FollowUpDelayHours = r.FollowUpDelayHours
		}
		if r.Timezone != "" {
			rule.Timezone = r.Timezone
		}
		if r.AvoidWeekends != nil {
			rule.AvoidWeekends = *r.AvoidWeekends
		}

		if err := s.db.WithContext(ctx).Create(&rule).Error; err != nil {
			return err
		}

		zap.L().Info("seeded scheduling rule",
			zap.String("org_id", rule.OrgID),
			zap.String("team_id", rule.TeamID),
		)
	}

	return nil
}
