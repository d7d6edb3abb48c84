// Package models defines the core data structures used across Meridian.
package models

import (
	"encoding/json"
	"time"
)

// LLMProvider represents a supported LLM API provider.
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderGemini    LLMProvider = "gemini"
)

// Valid reports whether p is one of the supported providers.
func (p LLMProvider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		return true
	}
	return false
}

// TierName identifies a cost/capability bucket for model selection.
type TierName string

const (
	TierNano TierName = "nano" // e.g., GPT-4o Mini, Gemini Flash
	TierMini TierName = "mini" // e.g., Claude Sonnet, GPT-4o
	TierFull TierName = "full" // e.g., Claude Opus, o1
)

// TierRank returns a numeric rank for tier comparison. Unknown tiers rank 0.
func TierRank(t TierName) int {
	switch t {
	case TierNano:
		return 1
	case TierMini:
		return 2
	case TierFull:
		return 3
	default:
		return 0
	}
}

// ModelTier holds the pricing of a tier. Prices are USD per 1K tokens.
type ModelTier struct {
	Name                  TierName `json:"name" yaml:"name"`
	CostPer1KInput        float64  `json:"cost_per_1k_input" yaml:"cost_per_1k_input" validate:"gte=0"`
	CostPer1KOutput       float64  `json:"cost_per_1k_output" yaml:"cost_per_1k_output" validate:"gte=0"`
	EstimatedOutputTokens int64    `json:"estimated_output_tokens" yaml:"estimated_output_tokens" validate:"gte=0"`
	// AllowedSubscriptions lists subscription tiers that may use this model
	// tier. Empty means every subscription.
	AllowedSubscriptions []string `json:"allowed_subscriptions,omitempty" yaml:"allowed_subscriptions"`
}

// Cost returns the USD cost of the given token counts at this tier's prices.
func (t ModelTier) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*t.CostPer1KInput + float64(outputTokens)/1000*t.CostPer1KOutput
}

// Candidate is one (provider, model) alternative of a fallback chain.
// Tier selects the pricing applied when this candidate serves the call.
type Candidate struct {
	Provider LLMProvider `json:"provider" yaml:"provider" validate:"required,oneof=openai anthropic gemini"`
	Model    string      `json:"model" yaml:"model" validate:"required"`
	Tier     TierName    `json:"tier,omitempty" yaml:"tier"`
}

// Key returns "provider:model".
func (c Candidate) Key() string {
	return string(c.Provider) + ":" + c.Model
}

// FallbackChain is an ordered, non-empty list of candidates. The first
// element is the tier's designated primary.
type FallbackChain []Candidate

// Primary returns the first candidate of the chain.
func (fc FallbackChain) Primary() Candidate {
	if len(fc) == 0 {
		return Candidate{}
	}
	return fc[0]
}

// Subscription describes the spend ceilings of a subscription tier.
// A zero limit means unlimited.
type Subscription struct {
	Name              string     `json:"name" yaml:"name"`
	DailyLimit        float64    `json:"daily_limit" yaml:"daily_limit" validate:"gte=0"`
	MonthlyLimit      float64    `json:"monthly_limit" yaml:"monthly_limit" validate:"gte=0"`
	AllowedModelTiers []TierName `json:"allowed_model_tiers" yaml:"allowed_model_tiers" validate:"required,min=1"`
	HardLimit         bool       `json:"hard_limit" yaml:"hard_limit"`
}

// AllowsTier reports whether the subscription may use the given model tier.
func (s Subscription) AllowsTier(t TierName) bool {
	for _, allowed := range s.AllowedModelTiers {
		if allowed == t {
			return true
		}
	}
	return false
}

// TaskRequest is one unit of routed work. Immutable once submitted.
type TaskRequest struct {
	TaskID            string    `json:"task_id"`
	TaskType          string    `json:"task_type"`
	TenantID          string    `json:"tenant_id"`
	InputSizeEstimate int64     `json:"input_size_estimate"`
	CreatedAt         time.Time `json:"created_at"`
}

// LedgerStatus is the lifecycle state of a ledger entry.
type LedgerStatus string

const (
	LedgerReserved  LedgerStatus = "reserved"
	LedgerCommitted LedgerStatus = "committed"
	LedgerReleased  LedgerStatus = "released"
)

// LedgerEntry is a single budget reservation and its reconciliation.
type LedgerEntry struct {
	ID            string       `json:"id" db:"id"`
	TenantID      string       `json:"tenant_id" db:"tenant_id"`
	TaskID        string       `json:"task_id" db:"task_id"`
	TaskType      string       `json:"task_type" db:"task_type"`
	Tier          TierName     `json:"tier" db:"tier"`
	Timestamp     time.Time    `json:"timestamp" db:"timestamp"`
	EstimatedCost float64      `json:"estimated_cost" db:"estimated_cost"`
	ActualCost    *float64     `json:"actual_cost,omitempty" db:"actual_cost"`
	Status        LedgerStatus `json:"status" db:"status"`
	ReconciledAt  *time.Time   `json:"reconciled_at,omitempty" db:"reconciled_at"`
}

// Charge returns the amount this entry counts against the budget:
// the estimate while reserved, the actual cost once committed, zero once released.
func (e LedgerEntry) Charge() float64 {
	switch e.Status {
	case LedgerReserved:
		return e.EstimatedCost
	case LedgerCommitted:
		if e.ActualCost != nil {
			return *e.ActualCost
		}
		return e.EstimatedCost
	default:
		return 0
	}
}

// Tenant is a billing account. SubscriptionTier names an entry of the
// catalog's subscription table.
type Tenant struct {
	ID               string    `json:"id" db:"id"`
	Name             string    `json:"name" db:"name"`
	SubscriptionTier string    `json:"subscription_tier" db:"subscription_tier" binding:"required"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// TenantBudgetState is derived from the ledger, never stored.
type TenantBudgetState struct {
	TenantID         string  `json:"tenant_id"`
	SubscriptionTier string  `json:"subscription_tier"`
	DailyLimit       float64 `json:"daily_limit"`
	MonthlyLimit     float64 `json:"monthly_limit"`
	SpentToday       float64 `json:"spent_today"`
	SpentThisMonth   float64 `json:"spent_this_month"`
	ReservedToday    float64 `json:"reserved_today"`
}

// Stage is a named step of the business pipeline, or a control state.
type Stage string

const (
	StageIntake      Stage = "intake"
	StageResearch    Stage = "research"
	StagePositioning Stage = "positioning"
	StageICP         Stage = "icp"
	StageStrategy    Stage = "strategy"
	StageContent     Stage = "content"
	StageAnalytics   Stage = "analytics"
	StageRouteBack   Stage = "route_back"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// StageResultRef points at the StageResult currently backing a stage.
type StageResultRef struct {
	ResultID     string    `json:"result_id"`
	Completeness *float64  `json:"completeness,omitempty"`
	Iteration    int       `json:"iteration"`
	CreatedAt    time.Time `json:"created_at"`
}

// FailureRecord captures why a workflow entered the failed state.
type FailureRecord struct {
	Kind          string    `json:"kind"`
	Message       string    `json:"message"`
	Stage         Stage     `json:"stage"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Iteration     int       `json:"iteration"`
	Retryable     bool      `json:"retryable"`
	At            time.Time `json:"at"`
}

// WorkflowState is the per-business pipeline state.
type WorkflowState struct {
	BusinessID      string                   `json:"business_id"`
	TenantID        string                   `json:"tenant_id"`
	CurrentStage    Stage                    `json:"current_stage"`
	RouteBackTarget Stage                    `json:"route_back_target,omitempty"`
	StageResults    map[Stage]StageResultRef `json:"stage_results"`
	Iterations      map[Stage]int            `json:"iterations"`
	LastError       *FailureRecord           `json:"last_error,omitempty"`
	Version         int64                    `json:"version"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	ArchivedAt      *time.Time               `json:"archived_at,omitempty"`
}

// StageResult is written once per successful stage execution.
type StageResult struct {
	ID            string          `json:"id"`
	Stage         Stage           `json:"stage"`
	BusinessID    string          `json:"business_id"`
	PayloadRef    string          `json:"payload_ref"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Completeness  *float64        `json:"completeness,omitempty"`
	RouteBackTo   Stage           `json:"route_back_to,omitempty"`
	ModelUsed     string          `json:"model_used,omitempty"`
	ActualCost    float64         `json:"actual_cost"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Iteration     int             `json:"iteration"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Invocation is one model call, recorded for cost analytics.
// Prompt content and response content are NEVER stored.
type Invocation struct {
	ID            string      `json:"id" db:"id"`
	TenantID      string      `json:"tenant_id" db:"tenant_id"`
	ReservationID string      `json:"reservation_id" db:"reservation_id"`
	TaskType      string      `json:"task_type" db:"task_type"`
	Provider      LLMProvider `json:"provider" db:"provider"`
	Model         string      `json:"model" db:"model"`
	PrimaryModel  string      `json:"primary_model" db:"primary_model"`
	InputTokens   int64       `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int64       `json:"output_tokens" db:"output_tokens"`
	CostUSD       float64     `json:"cost_usd" db:"cost_usd"`
	LatencyMs     int64       `json:"latency_ms" db:"latency_ms"`
	Attempts      int         `json:"attempts" db:"attempts"`
	FellBack      bool        `json:"fell_back" db:"fell_back"`
	Timestamp     time.Time   `json:"timestamp" db:"timestamp"`
}

// CostSummary provides aggregated cost data for a given dimension and period.
type CostSummary struct {
	Dimension     string  `json:"dimension"` // e.g., "tenant", "task_type", "model", "provider"
	DimensionID   string  `json:"dimension_id"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	FallbackCount int64   `json:"fallback_count"`
}

// Progress event kinds.
const (
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventRouteBack      = "route_back"
	EventWorkflowDone   = "workflow_done"
	EventRetry          = "retry"
)

// ProgressEvent is reported to external streaming consumers.
type ProgressEvent struct {
	BusinessID string         `json:"business_id"`
	Kind       string         `json:"kind"`
	Stage      Stage          `json:"stage"`
	Percent    int            `json:"percent"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
