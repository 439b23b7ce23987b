package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/pharmacore/pharmacore/internal/jobs"
)

// VarianceSummary aggregates the adjustment lines of one session.
type VarianceSummary struct {
	Lines     int
	Gains     int
	Losses    int
	GainQty   decimal.Decimal
	LossQty   decimal.Decimal
	NetValue  decimal.Decimal
	ItemCount int
}

// Summarise folds adjustments into gain and loss totals. Value is delta times unit cost.
func Summarise(adjustments []AdjustmentSnapshot) VarianceSummary {
	summary := VarianceSummary{GainQty: decimal.Zero, LossQty: decimal.Zero, NetValue: decimal.Zero}
	items := make(map[int64]struct{}, len(adjustments))
	for _, adj := range adjustments {
		if adj.Delta.IsZero() {
			continue
		}
		summary.Lines++
		items[adj.ItemID] = struct{}{}
		if adj.Delta.IsPositive() {
			summary.Gains++
			summary.GainQty = summary.GainQty.Add(adj.Delta)
		} else {
			summary.Losses++
			summary.LossQty = summary.LossQty.Add(adj.Delta.Neg())
		}
		summary.NetValue = summary.NetValue.Add(adj.Delta.Mul(adj.UnitCost))
	}
	summary.ItemCount = len(items)
	return summary
}

// StockTakeCompletedJob records variance metrics and logs a summary of the session.
type StockTakeCompletedJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockTakeCompletedJob constructs the job handler.
func NewStockTakeCompletedJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *StockTakeCompletedJob {
	return &StockTakeCompletedJob{Logger: logger, Metrics: metrics}
}

// Handle processes TaskStockTakeCompleted tasks.
func (j *StockTakeCompletedJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil {
		return errors.New("stocktake completed: handler not configured")
	}
	var payload StockTakeCompletedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.SessionID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskStockTakeCompleted)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	summary := Summarise(payload.Adjustments)
	j.metrics().AddVariance("gain", payload.BranchID, summary.Gains)
	j.metrics().AddVariance("loss", payload.BranchID, summary.Losses)

	j.log().Info("stock-take variance",
		slog.Int64("session_id", payload.SessionID),
		slog.Int64("branch_id", payload.BranchID),
		slog.Time("completed_at", payload.CompletedAt),
		slog.Int("reconciled", payload.Reconciled),
		slog.Int("lines", summary.Lines),
		slog.Int("items", summary.ItemCount),
		slog.Int("gains", summary.Gains),
		slog.Int("losses", summary.Losses),
		slog.String("gain_qty", summary.GainQty.String()),
		slog.String("loss_qty", summary.LossQty.String()),
		slog.String("net_value", summary.NetValue.StringFixed(2)),
	)
	return resultErr
}

func (j *StockTakeCompletedJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StockTakeCompletedJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockTakeCompleted))
	}
	return slog.Default().With(slog.String("job", TaskStockTakeCompleted))
}

// IdempotencyCleaner removes stale idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob purges keys older than the payload retention.
type IdempotencyCleanupJob struct {
	Store   IdempotencyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	// Retention applies when the payload carries none.
	Retention time.Duration
}

// NewIdempotencyCleanupJob constructs the cleanup handler.
func NewIdempotencyCleanupJob(store IdempotencyCleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics, Retention: retention}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: store not configured")
	}
	var payload IdempotencyCleanupPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	retention := j.Retention
	if payload.RetentionHours > 0 {
		retention = time.Duration(payload.RetentionHours) * time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskIdempotencyCleanup)
	removed, err := j.Store.Cleanup(ctx, retention)
	if err != nil {
		j.log().Error("cleanup failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("idempotency keys purged", slog.Int64("removed", removed), slog.Duration("retention", retention))
	return tracker.End(nil)
}

func (j *IdempotencyCleanupJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIdempotencyCleanup))
	}
	return slog.Default().With(slog.String("job", TaskIdempotencyCleanup))
}
