package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/blockchain/ccip"
	"eigenl2/offchain/internal/events"
	"eigenl2/offchain/internal/metrics"
	"eigenl2/offchain/internal/models"
)

// ErrPassInProgress is returned when a reconciliation pass is requested while one runs
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// Outcome of reconciling one record
type Outcome string

const (
	OutcomeConfirmed       Outcome = "confirmed"
	OutcomeFailed          Outcome = "failed"
	OutcomeInFlight        Outcome = "in_flight"
	OutcomeAlreadyComplete Outcome = "already_complete"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeError           Outcome = "error"
)

// BridgeStatusSource reports bridge message delivery status
type BridgeStatusSource interface {
	GetMessageStatus(ctx context.Context, messageID string) (*ccip.MessageStatus, error)
}

// ReconcileLedger is the ledger surface the reconciler writes through
type ReconcileLedger interface {
	ListPending(ctx context.Context) ([]models.TransactionRecord, error)
	Complete(ctx context.Context, messageID string, status models.TxStatus, receiptHash *string) (bool, error)
}

// PassSummary counts what one pass did
type PassSummary struct {
	Pending   int           `json:"pending"`
	Skipped   int           `json:"skipped"`
	Confirmed int           `json:"confirmed"`
	Failed    int           `json:"failed"`
	InFlight  int           `json:"inFlight"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// StatusReconciler moves pending ledger records to their terminal status
// once the bridge reports delivery
type StatusReconciler struct {
	ledger    ReconcileLedger
	bridge    BridgeStatusSource
	publisher events.Publisher
	interval  time.Duration
	timeout   time.Duration
	mu        sync.Mutex
	now       func() time.Time
	logger    *zap.Logger
}

// NewStatusReconciler creates a reconciler. publisher may be nil.
func NewStatusReconciler(ledger ReconcileLedger, bridge BridgeStatusSource, publisher events.Publisher, interval time.Duration, logger *zap.Logger) *StatusReconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &StatusReconciler{
		ledger:    ledger,
		bridge:    bridge,
		publisher: publisher,
		interval:  interval,
		timeout:   PassTimeout,
		now:       time.Now,
		logger:    logger,
	}
}

// Run reconciles immediately and then on every tick until ctx is done
func (r *StatusReconciler) Run(ctx context.Context) {
	r.logger.Info("Status reconciler started", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Status reconciler stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *StatusReconciler) tick(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.RunOnce(passCtx); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			r.logger.Debug("Skipping tick, previous pass still running")
			return
		}
		r.logger.Error("Reconciliation pass failed", zap.Error(err))
	}
}

// RunOnce performs one pass over the pending records. Passes never overlap;
// a call made while another pass runs returns ErrPassInProgress.
func (r *StatusReconciler) RunOnce(ctx context.Context) (*PassSummary, error) {
	if !r.mu.TryLock() {
		metrics.ReconcilePasses.WithLabelValues("contended").Inc()
		return nil, ErrPassInProgress
	}
	defer r.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.ReconcilePassDuration.Observe(time.Since(start).Seconds())
	}()

	pending, err := r.ledger.ListPending(ctx)
	if err != nil {
		metrics.ReconcilePasses.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.PendingTransactions.Set(float64(len(pending)))

	summary := &PassSummary{Pending: len(pending)}
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		record := &pending[i]
		if !record.HasBridgeMessageID() {
			r.logger.Debug("Skipping record without bridge message id",
				zap.String("tx_hash", record.TxHash),
				zap.Int64("timestamp", record.Timestamp))
			summary.Skipped++
			metrics.ReconcileRecords.WithLabelValues(string(OutcomeSkipped)).Inc()
			continue
		}

		outcome, err := r.ReconcileRecord(ctx, record)
		metrics.ReconcileRecords.WithLabelValues(string(outcome)).Inc()
		switch outcome {
		case OutcomeConfirmed:
			summary.Confirmed++
		case OutcomeFailed:
			summary.Failed++
		case OutcomeInFlight:
			summary.InFlight++
		case OutcomeError:
			summary.Errors++
			r.logger.Warn("Record not reconciled, retrying next pass",
				zap.String("tx_hash", record.TxHash),
				zap.String("message_id", record.MessageID),
				zap.Error(err))
		}
	}

	summary.Duration = time.Since(start)
	result := "ok"
	if ctx.Err() != nil {
		result = "interrupted"
	}
	metrics.ReconcilePasses.WithLabelValues(result).Inc()

	r.logger.Info("Reconciliation pass complete",
		zap.Int("pending", summary.Pending),
		zap.Int("skipped", summary.Skipped),
		zap.Int("confirmed", summary.Confirmed),
		zap.Int("failed", summary.Failed),
		zap.Int("in_flight", summary.InFlight),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

// ReconcileRecord queries the bridge for one record and applies a terminal status.
// A record whose message id is its own tx hash has no bridge message to ask about
// and is reported as an integrity error.
func (r *StatusReconciler) ReconcileRecord(ctx context.Context, record *models.TransactionRecord) (Outcome, error) {
	const op = "reconciler.record"

	if record.MessageID == record.TxHash {
		metrics.IntegrityViolations.WithLabelValues("reconciler").Inc()
		r.logger.Error("Record carries its tx hash as message id",
			zap.String("alert", "critical"),
			zap.String("tx_hash", record.TxHash))
		return OutcomeError, apperrors.Integrity(op, "message id equals tx hash %s", record.TxHash)
	}
	if record.IsComplete {
		return OutcomeAlreadyComplete, nil
	}

	status, err := r.bridge.GetMessageStatus(ctx, record.MessageID)
	if err != nil {
		return OutcomeError, err
	}

	var target models.TxStatus
	switch status.State {
	case ccip.StateSuccess:
		target = models.TxStatusConfirmed
	case ccip.StateFailure:
		target = models.TxStatusFailed
	default:
		r.logger.Debug("Message still in flight",
			zap.String("message_id", record.MessageID),
			zap.String("state", status.State.String()))
		return OutcomeInFlight, nil
	}

	changed, err := r.ledger.Complete(ctx, record.MessageID, target, status.ReceiptTransactionHash)
	if err != nil {
		return OutcomeError, err
	}
	if !changed {
		return OutcomeAlreadyComplete, nil
	}

	r.logger.Info("Transaction reconciled",
		zap.String("tx_hash", record.TxHash),
		zap.String("message_id", record.MessageID),
		zap.String("status", string(target)))

	r.publish(record, target, status.ReceiptTransactionHash)

	if target == models.TxStatusFailed {
		return OutcomeFailed, nil
	}
	return OutcomeConfirmed, nil
}

func (r *StatusReconciler) publish(record *models.TransactionRecord, status models.TxStatus, receipt *string) {
	event := events.TransactionCompleted{
		TxHash:                 record.TxHash,
		MessageID:              record.MessageID,
		TxType:                 record.TxType,
		Status:                 status,
		User:                   record.User,
		ReceiptTransactionHash: receipt,
		CompletedAt:            r.now().Unix(),
	}
	if err := r.publisher.PublishCompleted(event); err != nil {
		r.logger.Warn("Failed to publish completion event",
			zap.String("message_id", record.MessageID),
			zap.Error(err))
	}
}
