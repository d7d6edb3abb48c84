// Package agents provides the model-backed stage agents of the business
// pipeline. Each agent renders one prompt from the business context and the
// results of the stages it depends on, makes a single call through its
// invocation handle and reads its scores back out of the JSON reply.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/prompts"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/provider"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/workflow"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

const systemPrompt = "You are a senior marketing strategist working through a structured " +
	"go-to-market pipeline for a small business. Answer only with JSON."

const stageTemplate = `Business context:
{{.context}}
{{.prior}}
Task ({{.stage}}): {{.instructions}}

Respond with a single JSON object. Include "completeness", a number between 0 and 1 for how fully the available information supported this work.{{.scoring}}`

const analyticsScoring = ` Also include "validation_score", a number between 0 and 1 for how well the strategy and content hold together, and, if a stage must be reworked, "route_back_to" naming one of: research, positioning, icp, strategy, content.`

var instructions = map[models.Stage]string{
	models.StageIntake:      "Clean and normalize the business description. Extract name, offering, location, audience and channels.",
	models.StageResearch:    "Research the market: size, trends, main competitors and their positioning, pricing signals.",
	models.StagePositioning: "Write a SOSTAC situation and objectives analysis and a one-sentence positioning statement.",
	models.StageICP:         "Define two or three ideal customer profiles with needs, objections and buying triggers.",
	models.StageStrategy:    "Synthesize a 90-day marketing strategy: channels, messages per profile, budget split, milestones.",
	models.StageContent:     "Draft a four-week content calendar implementing the strategy, one row per post.",
	models.StageAnalytics:   "Define KPIs and targets for the plan and review whether the strategy and content are coherent.",
}

// ModelAgent runs one pipeline stage with a single model call.
type ModelAgent struct {
	stage        models.Stage
	instructions string
	template     prompts.PromptTemplate
	maxTokens    int64
}

// New creates the agent for stage with the given task instructions.
func New(stage models.Stage, task string, maxTokens int64) *ModelAgent {
	return &ModelAgent{
		stage:        stage,
		instructions: task,
		template:     prompts.NewPromptTemplate(stageTemplate, []string{"context", "prior", "stage", "instructions", "scoring"}),
		maxTokens:    maxTokens,
	}
}

// Defaults returns one agent per stage of the default pipeline.
func Defaults() map[models.Stage]workflow.Agent {
	out := make(map[models.Stage]workflow.Agent, len(workflow.DefaultPipeline))
	for _, def := range workflow.DefaultPipeline {
		out[def.Stage] = New(def.Stage, instructions[def.Stage], 0)
	}
	return out
}

// Execute implements workflow.Agent.
func (a *ModelAgent) Execute(ctx context.Context, in workflow.StageInput, h workflow.Handle) (*models.StageResult, error) {
	prompt, err := a.render(in)
	if err != nil {
		return nil, err
	}
	res, err := h.Call(ctx, in.TaskType, provider.Request{
		System:    systemPrompt,
		Prompt:    prompt,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	out := ParseOutput(res.Content)
	return &models.StageResult{
		Payload:      out.Payload,
		Completeness: out.Score,
		RouteBackTo:  out.RouteBackTo,
		ModelUsed:    res.ModelUsed,
	}, nil
}

func (a *ModelAgent) render(in workflow.StageInput) (string, error) {
	bc, err := json.MarshalIndent(in.Context, "", "  ")
	if err != nil {
		return "", fmt.Errorf("agents: encoding business context: %w", err)
	}

	stages := make([]string, 0, len(in.Prior))
	for st := range in.Prior {
		stages = append(stages, string(st))
	}
	sort.Strings(stages)
	var prior strings.Builder
	for _, st := range stages {
		fmt.Fprintf(&prior, "\nResult of %s:\n%s\n", st, in.Prior[models.Stage(st)].Payload)
	}

	scoring := ""
	if a.stage == models.StageAnalytics {
		scoring = analyticsScoring
	}
	prompt, err := a.template.Format(map[string]any{
		"context":      string(bc),
		"prior":        prior.String(),
		"stage":        string(a.stage),
		"instructions": a.instructions,
		"scoring":      scoring,
	})
	if err != nil {
		return "", fmt.Errorf("agents: rendering %s prompt: %w", a.stage, err)
	}
	return prompt, nil
}

// Output is what a stage reply yields.
type Output struct {
	Payload     json.RawMessage
	Score       *float64
	RouteBackTo models.Stage
}

// ParseOutput extracts the JSON object from a model reply. A reply without
// one is kept as text and carries no score. validation_score wins over
// completeness when both are present; scores are clamped to [0, 1].
func ParseOutput(content string) Output {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		raw := content[start : end+1]
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err == nil {
			out := Output{Payload: json.RawMessage(raw)}
			for _, key := range []string{"validation_score", "completeness"} {
				if v, ok := fields[key].(float64); ok {
					v = clamp(v)
					out.Score = &v
					break
				}
			}
			if s, ok := fields["route_back_to"].(string); ok {
				out.RouteBackTo = models.Stage(strings.ToLower(strings.TrimSpace(s)))
			}
			return out
		}
	}
	text, _ := json.Marshal(map[string]string{"text": content})
	return Output{Payload: text}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
