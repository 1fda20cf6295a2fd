package stages

import (
	"context"
	"encoding/json"

	"github.com/rtavytran/fusesell/pkg/errutil"
	"github.com/rtavytran/fusesell/services/orchestrator"
	"github.com/rtavytran/fusesell/services/task"
)

// Acquisition resolves the target company from the task request.
type Acquisition struct {
	content ContentService
}

func NewAcquisition(content ContentService) *Acquisition {
	return &Acquisition{content: content}
}

func (h *Acquisition) Stage() string { return orchestrator.StageAcquisition }

func (h *Acquisition) Run(ctx context.Context, t *task.Task, _ map[string]any) (map[string]any, error) {
	var req map[string]any
	if len(t.RequestBody) > 0 {
		if err := json.Unmarshal(t.RequestBody, &req); err != nil {
			return nil, errutil.ValidationFailed("request body is not valid JSON", errutil.WithErr(err))
		}
	}

	target, _ := req["target_url"].(string)
	if target == "" {
		return nil, errutil.ValidationFailed("target_url is required to acquire a lead")
	}

	out, err := h.content.ExtractCompanyInfo(ctx, target, req)
	if err != nil {
		return nil, errutil.BadGateway("company extraction failed", errutil.WithErr(err))
	}
	return out, nil
}

// Preparation builds the lead profile from the acquired company facts.
type Preparation struct {
	content ContentService
}

func NewPreparation(content ContentService) *Preparation {
	return &Preparation{content: content}
}

func (h *Preparation) Stage() string { return orchestrator.StagePreparation }

func (h *Preparation) Run(ctx context.Context, _ *task.Task, input map[string]any) (map[string]any, error) {
	company, _ := input[orchestrator.StageAcquisition].(map[string]any)
	if company == nil {
		return nil, errutil.UnprocessableEntity("no acquisition output to prepare")
	}

	out, err := h.content.EnrichLeadProfile(ctx, company)
	if err != nil {
		return nil, errutil.BadGateway("lead enrichment failed", errutil.WithErr(err))
	}
	return out, nil
}

// Scoring grades the prepared lead.
type Scoring struct {
	content ContentService
}

func NewScoring(content ContentService) *Scoring {
	return &Scoring{content: content}
}

func (h *Scoring) Stage() string { return orchestrator.StageScoring }

func (h *Scoring) Run(ctx context.Context, _ *task.Task, input map[string]any) (map[string]any, error) {
	profile, _ := input[orchestrator.StagePreparation].(map[string]any)
	if profile == nil {
		return nil, errutil.UnprocessableEntity("no preparation output to score")
	}

	out, err := h.content.ScoreLead(ctx, profile)
	if err != nil {
		return nil, errutil.BadGateway("lead scoring failed", errutil.WithErr(err))
	}
	return out, nil
}

// Outreach composes first-touch email drafts.
type Outreach struct {
	content ContentService
}

func NewOutreach(content ContentService) *Outreach {
	return &Outreach{content: content}
}

func (h *Outreach) Stage() string { return orchestrator.StageOutreach }

func (h *Outreach) Run(ctx context.Context, _ *task.Task, input map[string]any) (map[string]any, error) {
	out, err := h.content.ComposeEmail(ctx, "outreach", input)
	if err != nil {
		return nil, errutil.BadGateway("email composition failed", errutil.WithErr(err))
	}
	return out, nil
}

// FollowUp composes follow-up email drafts.
type FollowUp struct {
	content ContentService
}

func NewFollowUp(content ContentService) *FollowUp {
	return &FollowUp{content: content}
}

func (h *FollowUp) Stage() string { return orchestrator.StageFollowUp }

func (h *FollowUp) Run(ctx context.Context, _ *task.Task, input map[string]any) (map[string]any, error) {
	out, err := h.content.ComposeEmail(ctx, "follow_up", input)
	if err != nil {
		return nil, errutil.BadGateway("email composition failed", errutil.WithErr(err))
	}
	return out, nil
}
