package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/executor"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/provider"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Handle is the only way an agent can reach a model. It is bound to the
// reservation admitted for the current stage and stops working once the
// agent returns.
type Handle interface {
	Call(ctx context.Context, taskType string, req provider.Request) (*executor.InvocationResult, error)
}

// Router resolves task types to fallback chains.
type Router interface {
	Route(taskType string) (router.Route, error)
}

// ChainExecutor runs a fallback chain.
type ChainExecutor interface {
	Execute(ctx context.Context, chain models.FallbackChain, req provider.Request, timeout time.Duration) (*executor.InvocationResult, error)
}

// InvocationRecorder keeps a record of each model call for cost analytics.
type InvocationRecorder interface {
	RecordInvocation(ctx context.Context, inv models.Invocation) error
}

type invocationHandle struct {
	tenantID      string
	reservationID string
	ceiling       models.TierName
	spendLimit    float64
	router        Router
	exec          ChainExecutor
	timeout       time.Duration
	recorder      InvocationRecorder
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.Mutex
	closed    bool
	spent     float64
	lastModel string
	calls     int
}

// Call routes taskType and runs its chain. Task types priced above the
// admitted tier are refused, since the reservation was sized for that tier,
// and so is any call once the stage has spent its limit.
func (h *invocationHandle) Call(ctx context.Context, taskType string, req provider.Request) (*executor.InvocationResult, error) {
	h.mu.Lock()
	closed, spent := h.closed, h.spent
	h.mu.Unlock()
	if closed {
		return nil, apperror.New(apperror.KindInvalidState, "invocation handle used after its stage finished")
	}
	if h.spendLimit > 0 && spent >= h.spendLimit {
		return nil, &apperror.Error{
			Kind:          apperror.KindBudgetExceeded,
			Message:       fmt.Sprintf("stage spent $%.4f, its limit is $%.4f", spent, h.spendLimit),
			ReservationID: h.reservationID,
		}
	}

	route, err := h.router.Route(taskType)
	if err != nil {
		return nil, err
	}
	if models.TierRank(route.Tier.Name) > models.TierRank(h.ceiling) {
		return nil, apperror.New(apperror.KindValidationFailed,
			fmt.Sprintf("task type %s needs tier %s, reservation %s was admitted for %s",
				taskType, route.Tier.Name, h.reservationID, h.ceiling))
	}

	res, err := h.exec.Execute(ctx, route.Chain, req, h.timeout)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.spent += res.ActualCost
	h.lastModel = res.ModelUsed
	h.calls++
	h.mu.Unlock()

	if h.recorder != nil {
		inv := models.Invocation{
			ID:            uuid.NewString(),
			TenantID:      h.tenantID,
			ReservationID: h.reservationID,
			TaskType:      taskType,
			Provider:      res.Provider,
			Model:         res.ModelUsed,
			PrimaryModel:  route.Chain.Primary().Model,
			InputTokens:   res.TokensIn,
			OutputTokens:  res.TokensOut,
			CostUSD:       res.ActualCost,
			LatencyMs:     res.LatencyMs,
			Attempts:      res.Attempts,
			FellBack:      res.FellBack,
			Timestamp:     h.now().UTC(),
		}
		if err := h.recorder.RecordInvocation(context.WithoutCancel(ctx), inv); err != nil {
			h.logger.Warn("recording invocation", "reservation_id", h.reservationID, "error", err)
		}
	}
	return res, nil
}

// close disables the handle and returns what it spent.
func (h *invocationHandle) close() (spent float64, lastModel string, calls int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return h.spent, h.lastModel, h.calls
}
