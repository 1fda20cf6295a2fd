package stages

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// ContentService is the external collaborator behind the automatic
// stages and the drafting actions: website extraction, lead profile
// enrichment, scoring and email composition. Deployments back it with
// their scraping and model providers; Local keeps the pipeline usable
// without any of them.
type ContentService interface {
	ExtractCompanyInfo(ctx context.Context, targetURL string, request map[string]any) (map[string]any, error)
	EnrichLeadProfile(ctx context.Context, company map[string]any) (map[string]any, error)
	ScoreLead(ctx context.Context, profile map[string]any) (map[string]any, error)
	ComposeEmail(ctx context.Context, kind string, input map[string]any) (map[string]any, error)
}

// Local is a deterministic, offline ContentService. It derives company
// facts from the URL alone and writes template emails.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (Local) ExtractCompanyInfo(_ context.Context, targetURL string, request map[string]any) (map[string]any, error) {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		// An unusable website is a pipeline verdict, not a transport
		// error.
		return map[string]any{
			"status_info_website": "fail",
			"company_website":     targetURL,
		}, nil
	}

	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	name := companyNameFromHost(host)
	if v, ok := request["company_name"].(string); ok && v != "" {
		name = v
	}

	out := map[string]any{
		"status_info_website": "success",
		"company_name":        name,
		"company_website":     targetURL,
		"company_domain":      host,
	}
	if v, ok := request["company_description"].(string); ok && v != "" {
		out["company_description"] = v
	}
	return out, nil
}

func (Local) EnrichLeadProfile(_ context.Context, company map[string]any) (map[string]any, error) {
	profile := map[string]any{
		"company_name":    company["company_name"],
		"company_website": company["company_website"],
		"company_domain":  company["company_domain"],
	}
	if v, ok := company["company_description"]; ok {
		profile["company_description"] = v
	}

	domain, _ := company["company_domain"].(string)
	profile["contact_channel"] = "email"
	if domain != "" {
		profile["suggested_contact"] = "info@" + domain
	}
	return profile, nil
}

func (Local) ScoreLead(_ context.Context, profile map[string]any) (map[string]any, error) {
	score := 0
	for _, key := range []string{"company_name", "company_website", "company_domain", "company_description", "suggested_contact"} {
		if v, ok := profile[key].(string); ok && v != "" {
			score += 20
		}
	}

	grade := "C"
	switch {
	case score >= 80:
		grade = "A"
	case score >= 50:
		grade = "B"
	}

	return map[string]any{
		"lead_score": score,
		"lead_grade": grade,
	}, nil
}

func (Local) ComposeEmail(_ context.Context, kind string, input map[string]any) (map[string]any, error) {
	name := "there"
	if prep, ok := input["preparation"].(map[string]any); ok {
		if v, ok := prep["company_name"].(string); ok && v != "" {
			name = v
		}
	}

	subject := fmt.Sprintf("Quick question for %s", name)
	opening := fmt.Sprintf("Hi %s team,", name)
	if kind == "follow_up" {
		subject = fmt.Sprintf("Following up: %s", name)
		opening = fmt.Sprintf("Hi %s team, just circling back on my previous note.", name)
	}

	body := opening + "\n\nI noticed your company online and wanted to reach out.\n\nBest regards"
	if reason, ok := input["reason"].(string); ok && reason != "" {
		body = opening + "\n\n" + reason + "\n\nBest regards"
	}

	return map[string]any{
		"subject": subject,
		"body":    body,
		"kind":    kind,
	}, nil
}

func companyNameFromHost(host string) string {
	base := host
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	if base == "" {
		return host
	}
	runes := []rune(base)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
