package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/pharmacore/pharmacore/internal/jobs"
	"github.com/pharmacore/pharmacore/internal/stocktake"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockTakeCompleted is enqueued after a stock-take session commits.
	TaskStockTakeCompleted = "stocktake:completed"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// StockTakeCompletedPayload describes a committed session and its ledger adjustments.
type StockTakeCompletedPayload struct {
	SessionID   int64                `json:"session_id"`
	BranchID    int64                `json:"branch_id"`
	CompletedAt time.Time            `json:"completed_at"`
	Reconciled  int                  `json:"reconciled"`
	Adjustments []AdjustmentSnapshot `json:"adjustments"`
}

// AdjustmentSnapshot is the queued form of a single adjustment line.
type AdjustmentSnapshot struct {
	ItemID      int64           `json:"item_id"`
	BatchNumber string          `json:"batch_number,omitempty"`
	Delta       decimal.Decimal `json:"delta"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

// NewStockTakeCompletedTask builds the task from a completion result.
func NewStockTakeCompletedTask(result stocktake.CompletionResult) (*asynq.Task, error) {
	payload := StockTakeCompletedPayload{
		SessionID:   result.Session.ID,
		BranchID:    result.Session.BranchID,
		Reconciled:  result.Reconciled,
		Adjustments: make([]AdjustmentSnapshot, 0, len(result.Adjustments)),
	}
	if result.Session.CompletedAt != nil {
		payload.CompletedAt = result.Session.CompletedAt.UTC()
	}
	for _, adj := range result.Adjustments {
		snap := AdjustmentSnapshot{ItemID: adj.ItemID, Delta: adj.Delta, UnitCost: adj.UnitCost}
		if adj.BatchNumber != nil {
			snap.BatchNumber = *adj.BatchNumber
		}
		payload.Adjustments = append(payload.Adjustments, snap)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockTakeCompleted, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// IdempotencyCleanupPayload configures the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	payload := IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
