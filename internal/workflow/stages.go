package workflow

import "github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"

// StageSpec describes one pipeline stage: the task type its model calls are
// admitted under, the stages whose current results it needs, and the
// progress percentage reported once it completes.
type StageSpec struct {
	Stage    models.Stage
	TaskType string
	Requires []models.Stage
	Percent  int
}

// DefaultPipeline is the business pipeline in execution order.
var DefaultPipeline = []StageSpec{
	{Stage: models.StageIntake, TaskType: "html_sanitization", Percent: 10},
	{Stage: models.StageResearch, TaskType: "market_research", Requires: []models.Stage{models.StageIntake}, Percent: 25},
	{Stage: models.StagePositioning, TaskType: "sostac_analysis", Requires: []models.Stage{models.StageResearch}, Percent: 40},
	{Stage: models.StageICP, TaskType: "persona_generation", Requires: []models.Stage{models.StagePositioning}, Percent: 55},
	{Stage: models.StageStrategy, TaskType: "strategy_synthesis", Requires: []models.Stage{models.StagePositioning, models.StageICP}, Percent: 70},
	{Stage: models.StageContent, TaskType: "content_calendar", Requires: []models.Stage{models.StageStrategy}, Percent: 85},
	{Stage: models.StageAnalytics, TaskType: "performance_analytics", Requires: []models.Stage{models.StageContent}, Percent: 100},
}

// pipeline indexes a stage list.
type pipeline []StageSpec

func (p pipeline) index(s models.Stage) int {
	for i, def := range p {
		if def.Stage == s {
			return i
		}
	}
	return -1
}

func (p pipeline) lookup(s models.Stage) (StageSpec, bool) {
	if i := p.index(s); i >= 0 {
		return p[i], true
	}
	return StageSpec{}, false
}

// next returns the stage after s, or done after the last one.
func (p pipeline) next(s models.Stage) models.Stage {
	i := p.index(s)
	if i < 0 || i == len(p)-1 {
		return models.StageDone
	}
	return p[i+1].Stage
}

func (p pipeline) last() models.Stage {
	return p[len(p)-1].Stage
}

func (p pipeline) first() models.Stage {
	return p[0].Stage
}

// percent reports how far the state has progressed: the furthest stage with
// a current result.
func (p pipeline) percent(st *models.WorkflowState) int {
	if st.CurrentStage == models.StageDone {
		return 100
	}
	pct := 0
	for _, def := range p {
		if _, ok := st.StageResults[def.Stage]; ok && def.Percent > pct {
			pct = def.Percent
		}
	}
	return pct
}
