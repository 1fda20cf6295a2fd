package stages

import (
	"context"
	"testing"

	"github.com/rtavytran/fusesell/pkg/errutil"
	"github.com/rtavytran/fusesell/services/orchestrator"
	"github.com/rtavytran/fusesell/services/task"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestAcquisition_RequiresTargetURL(t *testing.T) {
	h := NewAcquisition(NewLocal())

	_, err := h.Run(context.Background(), &task.Task{RequestBody: []byte(`{}`)}, nil)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}

func TestAcquisition_ExtractsCompanyFromURL(t *testing.T) {
	h := NewAcquisition(NewLocal())
	tk := &task.Task{RequestBody: []byte(`{"target_url":"https://www.acme.io/about"}`)}

	out, err := h.Run(context.Background(), tk, nil)
	require.NoError(t, err)
	require.Equal(t, "success", out["status_info_website"])
	require.Equal(t, "Acme", out["company_name"])
	require.Equal(t, "acme.io", out["company_domain"])
}

func TestAcquisition_UnusableWebsiteReportsFail(t *testing.T) {
	h := NewAcquisition(NewLocal())
	tk := &task.Task{RequestBody: []byte(`{"target_url":"not a url"}`)}

	out, err := h.Run(context.Background(), tk, nil)
	require.NoError(t, err)
	require.Equal(t, "fail", out["status_info_website"])
}

func TestAcquisition_RequestNameOverridesDerived(t *testing.T) {
	h := NewAcquisition(NewLocal())
	tk := &task.Task{RequestBody: []byte(`{"target_url":"https://acme.io","company_name":"Acme Industries"}`)}

	out, err := h.Run(context.Background(), tk, nil)
	require.NoError(t, err)
	require.Equal(t, "Acme Industries", out["company_name"])
}

func TestPreparation_BuildsProfile(t *testing.T) {
	h := NewPreparation(NewLocal())
	input := map[string]any{
		orchestrator.StageAcquisition: map[string]any{
			"company_name":   "Acme",
			"company_domain": "acme.io",
		},
	}

	out, err := h.Run(context.Background(), nil, input)
	require.NoError(t, err)
	require.Equal(t, "Acme", out["company_name"])
	require.Equal(t, "info@acme.io", out["suggested_contact"])
}

func TestPreparation_WithoutAcquisitionOutput(t *testing.T) {
	h := NewPreparation(NewLocal())

	_, err := h.Run(context.Background(), nil, map[string]any{})
	require.True(t, errutil.HasStatus(err, errutil.StatusUnprocessableEntity))
}

func TestScoring_GradesByCompleteness(t *testing.T) {
	h := NewScoring(NewLocal())

	full := map[string]any{
		orchestrator.StagePreparation: map[string]any{
			"company_name":        "Acme",
			"company_website":     "https://acme.io",
			"company_domain":      "acme.io",
			"company_description": "widgets",
			"suggested_contact":   "info@acme.io",
		},
	}
	out, err := h.Run(context.Background(), nil, full)
	require.NoError(t, err)
	require.Equal(t, 100, out["lead_score"])
	require.Equal(t, "A", out["lead_grade"])

	sparse := map[string]any{
		orchestrator.StagePreparation: map[string]any{"company_name": "Acme"},
	}
	out, err = h.Run(context.Background(), nil, sparse)
	require.NoError(t, err)
	require.Equal(t, 20, out["lead_score"])
	require.Equal(t, "C", out["lead_grade"])
}

func TestOutreachAndFollowUpDrafts(t *testing.T) {
	input := map[string]any{
		orchestrator.StagePreparation: map[string]any{"company_name": "Acme"},
	}

	out, err := NewOutreach(NewLocal()).Run(context.Background(), nil, input)
	require.NoError(t, err)
	require.Contains(t, out["subject"], "Acme")
	require.Equal(t, "outreach", out["kind"])

	out, err = NewFollowUp(NewLocal()).Run(context.Background(), nil, input)
	require.NoError(t, err)
	require.Contains(t, out["subject"], "Following up")
	require.Equal(t, "follow_up", out["kind"])
}

func TestComposeEmail_ReasonDrivesBody(t *testing.T) {
	out, err := NewLocal().ComposeEmail(context.Background(), "outreach", map[string]any{
		"reason": "Mention the new pricing",
	})
	require.NoError(t, err)
	require.Contains(t, out["body"], "Mention the new pricing")
}
