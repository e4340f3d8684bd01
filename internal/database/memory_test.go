package database

import (
	"context"
	"testing"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/models"
)

func int64Ptr(n int64) *int64 { return &n }

func TestMemoryStore_UpsertIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	record := sampleRecord()

	if _, err := store.UpsertTransaction(ctx, record); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if _, err := store.UpsertTransaction(ctx, record); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	all, _ := store.GetAllTransactions(ctx)
	if len(all) != 1 {
		t.Fatalf("expected 1 record, got %d", len(all))
	}
	if all[0].TxHash != record.TxHash || *all[0].ExecNonce != *record.ExecNonce {
		t.Errorf("stored record differs: %+v", all[0])
	}
}

func TestMemoryStore_MessageIDUnique(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := sampleRecord()
	first.MessageID = "0xmsg"
	if _, err := store.UpsertTransaction(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := sampleRecord()
	second.TxHash = "0xbbb"
	second.MessageID = "0xmsg"
	_, err := store.UpsertTransaction(ctx, second)
	if !apperrors.Is(err, apperrors.KindIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}

	// Empty message ids never collide.
	a, b := sampleRecord(), sampleRecord()
	a.TxHash, a.MessageID = "0x01", ""
	b.TxHash, b.MessageID = "0x02", ""
	if _, err := store.UpsertTransactions(ctx, []models.TransactionRecord{*a, *b}); err != nil {
		t.Fatalf("empty message ids should not conflict: %v", err)
	}
}

func TestMemoryStore_RejectsInvalidState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	bad := sampleRecord()
	bad.Status = "unknown"
	if _, err := store.UpsertTransaction(ctx, bad); !apperrors.Is(err, apperrors.KindValidation) {
		t.Errorf("expected validation error for status, got %v", err)
	}

	completePending := sampleRecord()
	completePending.IsComplete = true
	if _, err := store.UpsertTransaction(ctx, completePending); !apperrors.Is(err, apperrors.KindValidation) {
		t.Errorf("expected validation error for complete pending record, got %v", err)
	}
}

func TestMemoryStore_BatchIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	good := sampleRecord()
	bad := sampleRecord()
	bad.TxHash = "0xbad"
	bad.TxType = "bogus"

	if _, err := store.UpsertTransactions(ctx, []models.TransactionRecord{*good, *bad}); err == nil {
		t.Fatal("expected batch to fail")
	}
	all, _ := store.GetAllTransactions(ctx)
	if len(all) != 0 {
		t.Errorf("expected no records after failed batch, got %d", len(all))
	}
}

func TestMemoryStore_LatestExecNonce(t *testing.T) {
	ctx := context.Background()
	user := "0xuser"

	pending := models.TransactionRecord{TxHash: "0x01", MessageID: "0x01", TxType: models.TxTypeDeposit,
		Status: models.TxStatusPending, User: user, ExecNonce: int64Ptr(3)}
	done := models.TransactionRecord{TxHash: "0x02", MessageID: "0x02", TxType: models.TxTypeDeposit,
		Status: models.TxStatusConfirmed, IsComplete: true, User: user, ExecNonce: int64Ptr(5)}

	tests := []struct {
		name    string
		records []models.TransactionRecord
		want    *int64
	}{
		{"pending takes priority", []models.TransactionRecord{pending, done}, int64Ptr(3)},
		{"falls back to completed", []models.TransactionRecord{done}, int64Ptr(5)},
		{"no records", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			if _, err := store.UpsertTransactions(ctx, tt.records); err != nil {
				t.Fatal(err)
			}
			got, err := store.LatestExecNonce(ctx, user)
			if err != nil {
				t.Fatal(err)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryStore_CompleteOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := sampleRecord()
	record.MessageID = "0xmsg"
	if _, err := store.UpsertTransaction(ctx, record); err != nil {
		t.Fatal(err)
	}

	receipt := "0xreceipt"
	changed, err := store.CompleteTransactionByMessageID(ctx, "0xmsg", models.TxStatusConfirmed, &receipt)
	if err != nil || !changed {
		t.Fatalf("first completion: changed=%v err=%v", changed, err)
	}
	changed, err = store.CompleteTransactionByMessageID(ctx, "0xmsg", models.TxStatusConfirmed, &receipt)
	if err != nil || changed {
		t.Fatalf("second completion should be a no-op: changed=%v err=%v", changed, err)
	}

	stored, _ := store.GetTransactionByMessageID(ctx, "0xmsg")
	if stored.Status != models.TxStatusConfirmed || !stored.IsComplete || *stored.ReceiptTransactionHash != receipt {
		t.Errorf("unexpected record after completion: %+v", stored)
	}

	pending, _ := store.ListPendingTransactions(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending records, got %d", len(pending))
	}
}

func TestMemoryStore_UpdateMergesFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	record := sampleRecord()
	if _, err := store.UpsertTransaction(ctx, record); err != nil {
		t.Fatal(err)
	}

	messageID := "0xreal"
	updated, err := store.UpdateTransactionByHash(ctx, record.TxHash, models.TransactionUpdate{MessageID: &messageID})
	if err != nil {
		t.Fatal(err)
	}
	if updated.MessageID != messageID || updated.From != record.From || *updated.ExecNonce != 3 {
		t.Errorf("update did not merge: %+v", updated)
	}

	if got, _ := store.GetTransactionByMessageID(ctx, record.TxHash); got != nil {
		t.Error("old message id should no longer resolve")
	}
	if got, _ := store.GetTransactionByMessageID(ctx, messageID); got == nil {
		t.Error("new message id should resolve")
	}

	missing, err := store.UpdateTransactionByMessageID(ctx, "0xnothing", models.TransactionUpdate{MessageID: &messageID})
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing record; got %v, %v", missing, err)
	}
}

func TestMemoryStore_OrderingAndClear(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, ts := range []int64{100, 300, 200} {
		r := sampleRecord()
		r.TxHash = []string{"0x01", "0x02", "0x03"}[i]
		r.MessageID = r.TxHash
		r.Timestamp = ts
		if _, err := store.UpsertTransaction(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	byUser, _ := store.GetTransactionsByUser(ctx, sampleRecord().User)
	if len(byUser) != 3 || byUser[0].Timestamp != 300 || byUser[2].Timestamp != 100 {
		t.Errorf("expected newest first, got %+v", byUser)
	}

	n, _ := store.DeleteAllTransactions(ctx)
	if n != 3 {
		t.Errorf("expected 3 deleted, got %d", n)
	}
	all, _ := store.GetAllTransactions(ctx)
	if len(all) != 0 {
		t.Errorf("expected empty ledger, got %d", len(all))
	}
}

func TestMemoryStore_UpdateRejectsTxHashAsMessageID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	record := sampleRecord()
	record.MessageID = "0xreal"
	if _, err := store.UpsertTransaction(ctx, record); err != nil {
		t.Fatal(err)
	}

	hash := record.TxHash
	for name, update := range map[string]func() (*models.TransactionRecord, error){
		"by hash":       func() (*models.TransactionRecord, error) { return store.UpdateTransactionByHash(ctx, hash, models.TransactionUpdate{MessageID: &hash}) },
		"by message id": func() (*models.TransactionRecord, error) { return store.UpdateTransactionByMessageID(ctx, "0xreal", models.TransactionUpdate{MessageID: &hash}) },
	} {
		if _, err := update(); !apperrors.Is(err, apperrors.KindIntegrity) {
			t.Errorf("%s: expected integrity error, got %v", name, err)
		}
	}

	got, _ := store.GetTransactionByMessageID(ctx, "0xreal")
	if got == nil || got.MessageID != "0xreal" {
		t.Errorf("record should keep its message id, got %+v", got)
	}
}
