package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// promptManagerImpl is the concrete implementation of PromptManager.
type promptManagerImpl struct{}

// NewPromptManager creates a new prompt manager.
func NewPromptManager() PromptManager {
	return &promptManagerImpl{}
}

// ─── System prompts ───────────────────────────────────────────────────────────

const decisionSystemPrompt = `You are an expert data analyst investigating product metric anomalies.
Based on the query, user feedback and previous findings, decide the SINGLE best next action.

AVAILABLE ACTIONS AND PARAMETERS:
- query_metric: {"metric", "time_range", "dimensions" (optional list), "filters" (optional object)}
- segment_by_dimension: {"metric", "dimension", "time_range", "baseline_range", "min_drop_threshold" (optional, default 0.10)}
- check_deployments: {"time_range", "platform" (optional)}
- analyze_retention: {"cohort_date", "retention_days" (optional, default [1, 7, 30]), "filters" (optional object)}
- statistical_analysis: {"metric", "control_filters", "treatment_filters", "time_range"}
- generate_insights: {"preliminary_hypothesis"} ends the investigation

DATA CONTEXT:
- Data is available from {{.WindowStart}} to {{.WindowEnd}}
- Metrics: dau, wau, events_per_user
- Dimensions and filters: platform, country, device_type, app_version, event_type
- Platforms: ios, android, web. Countries: US, IN, BR, UK, DE, FR
- Dates are "YYYY-MM-DD" strings; time_range and baseline_range are ["start", "end"] arrays, both inclusive

STRATEGY:
1. Segment by platform and by country to isolate the affected users
2. If the user names a date, use it as the start of time_range and end baseline_range the day before
3. Check deployments around the anomaly for correlated releases
4. Use generate_insights once the evidence explains the anomaly

OUTPUT CONTRACT (NON-NEGOTIABLE):
Reply with exactly one JSON object and nothing else:
{"step_id": <int>, "action": "<action>", "parameters": {...}, "reasoning": "<one or two sentences>"}
Use only the parameter names listed above. Unknown fields are rejected.`

const anthropicDecisionSuffix = `

ANTHROPIC-SPECIFIC:
- Do not wrap the JSON in prose or <thinking> tags`

const openaiDecisionSuffix = `

FORMAT:
- The response format is JSON; return a single JSON object`

const synthesisSystemPrompt = `You are a senior data analyst synthesizing investigation findings into an actionable report.
Base your conclusions only on the evidence from the investigation steps.

Reply with exactly one JSON object with these fields:
- "summary": brief overview of what was found (2-3 sentences)
- "root_cause": the identified root cause of the anomaly
- "affected_segments": list of {"segment_name", "segment_type", "confidence" (0.0-1.0), "description"}
- "correlated_events": list of related deployments or events, as strings
- "recommendations": 3-5 actionable next steps, as strings
- "confidence_score": overall confidence (0.0-1.0)
- "supporting_data": {"investigation_steps_completed", "data_points_analyzed", "deployments_found", "average_confidence_score", "requires_followup"}`

// ─── User prompt templates ────────────────────────────────────────────────────

const decisionTemplate = `{{.Context}}

## Next Decision
Decide step {{.NextStepID}}. Use "step_id": {{.NextStepID}}.
Data window: {{.WindowStart}} to {{.WindowEnd}}.`

const synthesisTemplate = `{{.Context}}

## Preliminary Hypothesis
{{.Hypothesis}}

Write the insight report for this investigation.`

// ─── promptManagerImpl methods ────────────────────────────────────────────────

func (m *promptManagerImpl) GetDecisionSystemPrompt(llmProvider string, window models.DateRange) string {
	base := render(decisionSystemPrompt, map[string]string{
		"WindowStart": window.Start.String(),
		"WindowEnd":   window.End.String(),
	})
	switch strings.ToLower(llmProvider) {
	case "anthropic":
		return base + anthropicDecisionSuffix
	case "openai":
		return base + openaiDecisionSuffix
	default:
		return base
	}
}

func (m *promptManagerImpl) RenderDecisionPrompt(in DecisionInput) (string, error) {
	if strings.TrimSpace(in.Context) == "" {
		return "", errors.New("decision prompt requires an evidence context")
	}
	if in.NextStepID < 1 {
		return "", fmt.Errorf("invalid next step id %d", in.NextStepID)
	}
	return render(decisionTemplate, map[string]string{
		"Context":     in.Context,
		"NextStepID":  strconv.Itoa(in.NextStepID),
		"WindowStart": in.DataWindow.Start.String(),
		"WindowEnd":   in.DataWindow.End.String(),
	}), nil
}

func (m *promptManagerImpl) GetSynthesisSystemPrompt(llmProvider string) string {
	if strings.ToLower(llmProvider) == "openai" {
		return synthesisSystemPrompt + openaiDecisionSuffix
	}
	return synthesisSystemPrompt
}

func (m *promptManagerImpl) RenderSynthesisPrompt(in SynthesisInput) (string, error) {
	if strings.TrimSpace(in.Context) == "" {
		return "", errors.New("synthesis prompt requires an evidence context")
	}
	hypothesis := strings.TrimSpace(in.Hypothesis)
	if hypothesis == "" {
		hypothesis = "(none given)"
	}
	return render(synthesisTemplate, map[string]string{
		"Context":    in.Context,
		"Hypothesis": hypothesis,
	}), nil
}

// render substitutes {{.Key}} placeholders. Values are inserted verbatim and
// never re-scanned.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{."+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
