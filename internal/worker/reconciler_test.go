package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/blockchain/ccip"
	"eigenl2/offchain/internal/database"
	"eigenl2/offchain/internal/events"
	"eigenl2/offchain/internal/models"
	"eigenl2/offchain/internal/service"
)

const (
	txHashA   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	txHashB   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	messageA  = "0x1111111111111111111111111111111111111111111111111111111111111111"
	messageB  = "0x2222222222222222222222222222222222222222222222222222222222222222"
	receiptTx = "0x3333333333333333333333333333333333333333333333333333333333333333"
)

type fakeBridge struct {
	mu       sync.Mutex
	statuses map[string]*ccip.MessageStatus
	errs     map[string]error
	calls    int
}

func (f *fakeBridge) GetMessageStatus(ctx context.Context, messageID string) (*ccip.MessageStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[messageID]; ok {
		return nil, err
	}
	if status, ok := f.statuses[messageID]; ok {
		return status, nil
	}
	return &ccip.MessageStatus{MessageID: messageID, State: ccip.StateUntouched}, nil
}

func (f *fakeBridge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TransactionCompleted
	closed bool
}

func (p *recordingPublisher) PublishCompleted(event events.TransactionCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

func newTestLedger(t *testing.T, inputs ...models.TransactionInput) *service.LedgerService {
	t.Helper()
	ledger := service.NewLedgerService(database.NewMemoryStore(), 11155111, 84532, zap.NewNop())
	for _, in := range inputs {
		if _, err := ledger.Upsert(context.Background(), in); err != nil {
			t.Fatalf("failed to seed ledger: %v", err)
		}
	}
	return ledger
}

func TestRunOnce_SuccessThenNoOp(t *testing.T) {
	ledger := newTestLedger(t, models.TransactionInput{TxHash: txHashA, MessageID: strPtr(messageA)})
	bridge := &fakeBridge{statuses: map[string]*ccip.MessageStatus{
		messageA: {MessageID: messageA, State: ccip.StateSuccess, ReceiptTransactionHash: strPtr(receiptTx)},
	}}
	publisher := &recordingPublisher{}
	r := NewStatusReconciler(ledger, bridge, publisher, time.Minute, zap.NewNop())

	summary, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if summary.Confirmed != 1 || summary.Pending != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}

	record, err := ledger.GetByMessageID(context.Background(), messageA)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != models.TxStatusConfirmed || !record.IsComplete {
		t.Errorf("record not completed: %+v", record)
	}
	if record.ReceiptTransactionHash == nil || *record.ReceiptTransactionHash != receiptTx {
		t.Errorf("receipt not stored: %v", record.ReceiptTransactionHash)
	}
	if len(publisher.events) != 1 || publisher.events[0].Status != models.TxStatusConfirmed {
		t.Errorf("expected one confirmed event, got %+v", publisher.events)
	}

	summary, err = r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Pending != 0 || summary.Confirmed != 0 {
		t.Errorf("second pass should be a no-op, got %+v", summary)
	}
	if bridge.callCount() != 1 {
		t.Errorf("bridge queried %d times, want 1", bridge.callCount())
	}
	if len(publisher.events) != 1 {
		t.Errorf("no event may be published twice, got %d", len(publisher.events))
	}
}

func TestRunOnce_Outcomes(t *testing.T) {
	ledger := newTestLedger(t,
		models.TransactionInput{TxHash: txHashA, MessageID: strPtr(messageA)},
		models.TransactionInput{TxHash: txHashB, MessageID: strPtr(messageB)},
	)
	bridge := &fakeBridge{statuses: map[string]*ccip.MessageStatus{
		messageA: {State: ccip.StateFailure},
		messageB: {State: ccip.StateInProgress},
	}}
	r := NewStatusReconciler(ledger, bridge, nil, time.Minute, zap.NewNop())

	summary, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 || summary.InFlight != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}

	failed, _ := ledger.GetByMessageID(context.Background(), messageA)
	if failed.Status != models.TxStatusFailed || !failed.IsComplete || failed.ReceiptTransactionHash != nil {
		t.Errorf("unexpected failed record %+v", failed)
	}
	inFlight, _ := ledger.GetByMessageID(context.Background(), messageB)
	if inFlight.Status != models.TxStatusPending || inFlight.IsComplete {
		t.Errorf("in-flight record must stay pending: %+v", inFlight)
	}
}

func TestRunOnce_SkipsPlaceholders(t *testing.T) {
	ledger := newTestLedger(t, models.TransactionInput{TxHash: txHashA, Timestamp: int64Ptr(1700000000)})
	bridge := &fakeBridge{}
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewStatusReconciler(ledger, bridge, nil, time.Minute, zap.New(core))

	summary, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Skipped != 1 || bridge.callCount() != 0 {
		t.Errorf("placeholder record must be skipped without a bridge call: %+v, calls %d", summary, bridge.callCount())
	}

	skipped := logs.FilterMessage("Skipping record without bridge message id").All()
	if len(skipped) != 1 {
		t.Fatalf("expected one skip entry, got %d", len(skipped))
	}
	fields := skipped[0].ContextMap()
	if skipped[0].Level != zapcore.DebugLevel || fields["tx_hash"] != txHashA || fields["timestamp"] != int64(1700000000) {
		t.Errorf("unexpected skip entry %v %v", skipped[0].Level, fields)
	}
}

func TestRunOnce_ContinuesAfterRecordError(t *testing.T) {
	ledger := newTestLedger(t,
		models.TransactionInput{TxHash: txHashA, MessageID: strPtr(messageA)},
		models.TransactionInput{TxHash: txHashB, MessageID: strPtr(messageB)},
	)
	bridge := &fakeBridge{
		errs:     map[string]error{messageA: apperrors.NotFound("ccip", "unknown")},
		statuses: map[string]*ccip.MessageStatus{messageB: {State: ccip.StateSuccess}},
	}
	r := NewStatusReconciler(ledger, bridge, nil, time.Minute, zap.NewNop())

	summary, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Errors != 1 || summary.Confirmed != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestRunOnce_RejectsOverlap(t *testing.T) {
	r := NewStatusReconciler(newTestLedger(t), &fakeBridge{}, nil, time.Minute, zap.NewNop())

	r.mu.Lock()
	_, err := r.RunOnce(context.Background())
	r.mu.Unlock()

	if !errors.Is(err, ErrPassInProgress) {
		t.Errorf("expected ErrPassInProgress, got %v", err)
	}
}

func TestReconcileRecord_MessageIDEqualsTxHash(t *testing.T) {
	bridge := &fakeBridge{}
	r := NewStatusReconciler(newTestLedger(t), bridge, nil, time.Minute, zap.NewNop())

	outcome, err := r.ReconcileRecord(context.Background(), &models.TransactionRecord{
		TxHash:    txHashA,
		MessageID: txHashA,
		Status:    models.TxStatusPending,
	})
	if !apperrors.Is(err, apperrors.KindIntegrity) {
		t.Errorf("expected integrity error, got %v", err)
	}
	if outcome != OutcomeError || bridge.callCount() != 0 {
		t.Errorf("outcome %s, bridge calls %d", outcome, bridge.callCount())
	}
}

func TestReconcileRecord_AlreadyComplete(t *testing.T) {
	ledger := newTestLedger(t)
	r := NewStatusReconciler(ledger, &fakeBridge{statuses: map[string]*ccip.MessageStatus{
		messageA: {State: ccip.StateSuccess},
	}}, nil, time.Minute, zap.NewNop())

	// Not in the ledger, so the conditional completion changes nothing
	outcome, err := r.ReconcileRecord(context.Background(), &models.TransactionRecord{
		TxHash:    txHashA,
		MessageID: messageA,
		Status:    models.TxStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeAlreadyComplete {
		t.Errorf("outcome = %s", outcome)
	}
}

func TestWorkerManager_StartShutdown(t *testing.T) {
	ledger := newTestLedger(t, models.TransactionInput{TxHash: txHashA, MessageID: strPtr(messageA)})
	bridge := &fakeBridge{statuses: map[string]*ccip.MessageStatus{messageA: {State: ccip.StateSuccess}}}
	publisher := &recordingPublisher{}
	r := NewStatusReconciler(ledger, bridge, publisher, time.Hour, zap.NewNop())
	wm := NewWorkerManager(r, publisher, zap.NewNop())

	wm.Start()

	deadline := time.Now().Add(2 * time.Second)
	for bridge.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := wm.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if bridge.callCount() == 0 {
		t.Error("reconciler should run a pass immediately on start")
	}
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if !publisher.closed {
		t.Error("publisher should be closed on shutdown")
	}
}
