package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/workflow"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

var _ workflow.Store = (*DB)(nil)

// LoadBusinessContext returns the context document saved for a business.
func (db *DB) LoadBusinessContext(ctx context.Context, businessID string) (map[string]any, error) {
	var raw []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT context FROM business_contexts WHERE business_id = $1`, businessID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.KindNotFound, "no business context for "+businessID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying business context: %w", err)
	}
	bc := map[string]any{}
	if err := json.Unmarshal(raw, &bc); err != nil {
		return nil, fmt.Errorf("decoding business context: %w", err)
	}
	return bc, nil
}

// SaveBusinessContext creates or replaces a business context.
func (db *DB) SaveBusinessContext(ctx context.Context, businessID, tenantID string, bc map[string]any) error {
	raw, err := json.Marshal(bc)
	if err != nil {
		return fmt.Errorf("encoding business context: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO business_contexts (business_id, tenant_id, context)
		VALUES ($1, $2, $3)
		ON CONFLICT (business_id) DO UPDATE
		SET context = EXCLUDED.context, tenant_id = EXCLUDED.tenant_id
	`, businessID, tenantID, raw)
	if err != nil {
		return fmt.Errorf("saving business context: %w", err)
	}
	return nil
}

// LoadWorkflowState returns the workflow of a business.
func (db *DB) LoadWorkflowState(ctx context.Context, businessID string) (*models.WorkflowState, error) {
	var (
		st                        models.WorkflowState
		results, iters, lastError []byte
	)
	err := db.Pool.QueryRow(ctx, `
		SELECT business_id, tenant_id, current_stage, route_back_target,
		       stage_results, iterations, last_error, version,
		       created_at, updated_at, archived_at
		FROM workflow_states WHERE business_id = $1
	`, businessID).Scan(
		&st.BusinessID, &st.TenantID, &st.CurrentStage, &st.RouteBackTarget,
		&results, &iters, &lastError, &st.Version,
		&st.CreatedAt, &st.UpdatedAt, &st.ArchivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.KindNotFound, "no workflow for business "+businessID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying workflow state: %w", err)
	}

	st.StageResults = map[models.Stage]models.StageResultRef{}
	st.Iterations = map[models.Stage]int{}
	if err := json.Unmarshal(results, &st.StageResults); err != nil {
		return nil, fmt.Errorf("decoding stage results: %w", err)
	}
	if err := json.Unmarshal(iters, &st.Iterations); err != nil {
		return nil, fmt.Errorf("decoding iterations: %w", err)
	}
	if len(lastError) > 0 && string(lastError) != "null" {
		st.LastError = &models.FailureRecord{}
		if err := json.Unmarshal(lastError, st.LastError); err != nil {
			return nil, fmt.Errorf("decoding last error: %w", err)
		}
	}
	return &st, nil
}

// SaveWorkflowState writes st under optimistic concurrency control. A new
// state (Version 0) is inserted; an existing one is updated only if its
// stored version still equals st.Version.
func (db *DB) SaveWorkflowState(ctx context.Context, st *models.WorkflowState) error {
	results, err := json.Marshal(st.StageResults)
	if err != nil {
		return fmt.Errorf("encoding stage results: %w", err)
	}
	iters, err := json.Marshal(st.Iterations)
	if err != nil {
		return fmt.Errorf("encoding iterations: %w", err)
	}
	var lastError []byte
	if st.LastError != nil {
		if lastError, err = json.Marshal(st.LastError); err != nil {
			return fmt.Errorf("encoding last error: %w", err)
		}
	}

	var tag pgconn.CommandTag
	if st.Version == 0 {
		tag, err = db.Pool.Exec(ctx, `
			INSERT INTO workflow_states (
				business_id, tenant_id, current_stage, route_back_target,
				stage_results, iterations, last_error, version,
				created_at, updated_at, archived_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9,$10)
			ON CONFLICT (business_id) DO NOTHING
		`, st.BusinessID, st.TenantID, st.CurrentStage, st.RouteBackTarget,
			results, iters, lastError, st.CreatedAt, st.UpdatedAt, st.ArchivedAt)
	} else {
		tag, err = db.Pool.Exec(ctx, `
			UPDATE workflow_states SET
				current_stage = $3, route_back_target = $4,
				stage_results = $5, iterations = $6, last_error = $7,
				version = version + 1, updated_at = $8, archived_at = $9
			WHERE business_id = $1 AND version = $2
		`, st.BusinessID, st.Version, st.CurrentStage, st.RouteBackTarget,
			results, iters, lastError, st.UpdatedAt, st.ArchivedAt)
	}
	if err != nil {
		return fmt.Errorf("saving workflow state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrVersionConflict
	}
	st.Version++
	return nil
}

const stageResultColumns = `id, business_id, stage, payload_ref, payload, completeness,
	route_back_to, model_used, actual_cost, reservation_id, iteration, created_at`

// SaveStageResult appends a stage result.
func (db *DB) SaveStageResult(ctx context.Context, res *models.StageResult) error {
	var payload []byte
	if len(res.Payload) > 0 {
		payload = res.Payload
	}
	_, err := db.Pool.Exec(ctx, `INSERT INTO stage_results (`+stageResultColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		res.ID, res.BusinessID, res.Stage, res.PayloadRef, payload, res.Completeness,
		res.RouteBackTo, res.ModelUsed, res.ActualCost, res.ReservationID, res.Iteration, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting stage result: %w", err)
	}
	return nil
}

// StageResult returns one stage result by id.
func (db *DB) StageResult(ctx context.Context, id string) (*models.StageResult, error) {
	res, err := scanStageResult(db.Pool.QueryRow(ctx,
		`SELECT `+stageResultColumns+` FROM stage_results WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.KindNotFound, "no stage result "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying stage result: %w", err)
	}
	return res, nil
}

// ListStageResults returns every result of a business, oldest first.
func (db *DB) ListStageResults(ctx context.Context, businessID string) ([]models.StageResult, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+stageResultColumns+`
		FROM stage_results WHERE business_id = $1 ORDER BY created_at, id`, businessID)
	if err != nil {
		return nil, fmt.Errorf("querying stage results: %w", err)
	}
	defer rows.Close()

	var out []models.StageResult
	for rows.Next() {
		res, err := scanStageResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stage result: %w", err)
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func scanStageResult(row pgx.Row) (*models.StageResult, error) {
	var (
		res     models.StageResult
		payload []byte
	)
	if err := row.Scan(&res.ID, &res.BusinessID, &res.Stage, &res.PayloadRef, &payload, &res.Completeness,
		&res.RouteBackTo, &res.ModelUsed, &res.ActualCost, &res.ReservationID, &res.Iteration, &res.CreatedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		res.Payload = payload
	}
	return &res, nil
}

// UpsertTenant creates a tenant or changes its name and subscription.
func (db *DB) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO tenants (id, name, subscription_tier)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    subscription_tier = EXCLUDED.subscription_tier,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`, t.ID, t.Name, t.SubscriptionTier).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}
	return nil
}

// Tenant returns one tenant.
func (db *DB) Tenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := db.Pool.QueryRow(ctx, `
		SELECT id, name, subscription_tier, created_at, updated_at
		FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.SubscriptionTier, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.KindNotFound, "no tenant "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return &t, nil
}

// SubscriptionTier returns the subscription name of a tenant. Unknown
// tenants yield a not_found error, which the budget controller maps to the
// default subscription.
func (db *DB) SubscriptionTier(ctx context.Context, tenantID string) (string, error) {
	t, err := db.Tenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.SubscriptionTier, nil
}

// RecordInvocation stores one model call.
func (db *DB) RecordInvocation(ctx context.Context, inv models.Invocation) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO invocations (
			id, tenant_id, reservation_id, task_type, provider, model, primary_model,
			input_tokens, output_tokens, cost_usd, latency_ms, attempts, fell_back, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, inv.ID, inv.TenantID, inv.ReservationID, inv.TaskType, inv.Provider, inv.Model, inv.PrimaryModel,
		inv.InputTokens, inv.OutputTokens, inv.CostUSD, inv.LatencyMs, inv.Attempts, inv.FellBack, inv.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}
	return nil
}

// Invocations returns the model calls recorded in [from, to), oldest first.
func (db *DB) Invocations(ctx context.Context, from, to time.Time) ([]models.Invocation, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, tenant_id, reservation_id, task_type, provider, model, primary_model,
		       input_tokens, output_tokens, cost_usd, latency_ms, attempts, fell_back, timestamp
		FROM invocations
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer rows.Close()

	var out []models.Invocation
	for rows.Next() {
		var inv models.Invocation
		if err := rows.Scan(&inv.ID, &inv.TenantID, &inv.ReservationID, &inv.TaskType, &inv.Provider,
			&inv.Model, &inv.PrimaryModel, &inv.InputTokens, &inv.OutputTokens, &inv.CostUSD,
			&inv.LatencyMs, &inv.Attempts, &inv.FellBack, &inv.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// CostSummary aggregates invocations by a dimension. Only whitelisted
// dimensions are accepted; the SQL identifier always comes from the map.
func (db *DB) CostSummary(ctx context.Context, dimension string, from, to time.Time) ([]models.CostSummary, error) {
	allowed := map[string]string{
		"tenant":    "tenant_id",
		"task_type": "task_type",
		"model":     "model",
		"provider":  "provider",
	}
	col, ok := allowed[dimension]
	if !ok {
		return nil, apperror.New(apperror.KindValidationFailed, "unsupported dimension: "+dimension)
	}

	query := fmt.Sprintf(`
		SELECT
			%s AS dimension_id,
			COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
			COUNT(*) AS total_requests,
			COALESCE(SUM(input_tokens + output_tokens), 0) AS total_tokens,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms,
			COUNT(*) FILTER (WHERE fell_back) AS fallback_count
		FROM invocations
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY %s
		ORDER BY total_cost_usd DESC
	`, col, col)

	rows, err := db.Pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying cost summary: %w", err)
	}
	defer rows.Close()

	var results []models.CostSummary
	for rows.Next() {
		cs := models.CostSummary{Dimension: dimension}
		if err := rows.Scan(&cs.DimensionID, &cs.TotalCostUSD, &cs.TotalRequests,
			&cs.TotalTokens, &cs.AvgLatencyMs, &cs.FallbackCount); err != nil {
			return nil, fmt.Errorf("scanning cost summary: %w", err)
		}
		results = append(results, cs)
	}
	return results, rows.Err()
}
