package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/models"
)

var recordColumns = []string{
	"tx_hash", "message_id", "timestamp", "tx_type", "status", "from_address", "to_address",
	"receipt_transaction_hash", "is_complete", "source_chain_id", "destination_chain_id",
	"user_address", "exec_nonce",
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return NewFromSQLX(sqlx.NewDb(raw, "sqlmock")), mock
}

func sampleRecord() *models.TransactionRecord {
	nonce := int64(3)
	return &models.TransactionRecord{
		TxHash:             "0xaaa",
		MessageID:          "0xaaa",
		Timestamp:          1700000000,
		TxType:             models.TxTypeDeposit,
		Status:             models.TxStatusPending,
		From:               "0x1111111111111111111111111111111111111111",
		To:                 "0x2222222222222222222222222222222222222222",
		SourceChainID:      84532,
		DestinationChainID: 11155111,
		User:               "0x1111111111111111111111111111111111111111",
		ExecNonce:          &nonce,
	}
}

func rowFor(r *models.TransactionRecord) *sqlmock.Rows {
	var nonce interface{}
	if r.ExecNonce != nil {
		nonce = *r.ExecNonce
	}
	var receipt interface{}
	if r.ReceiptTransactionHash != nil {
		receipt = *r.ReceiptTransactionHash
	}
	return sqlmock.NewRows(recordColumns).AddRow(
		r.TxHash, r.MessageID, r.Timestamp, string(r.TxType), string(r.Status), r.From, r.To,
		receipt, r.IsComplete, r.SourceChainID, r.DestinationChainID, r.User, nonce,
	)
}

func TestUpsertTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	record := sampleRecord()

	mock.ExpectQuery(`INSERT INTO transactions .* ON CONFLICT \(tx_hash\) DO UPDATE`).
		WithArgs(record.TxHash, record.MessageID, record.Timestamp, "deposit", "pending",
			record.From, record.To, nil, false, record.SourceChainID, record.DestinationChainID,
			record.User, int64(3)).
		WillReturnRows(rowFor(record))

	stored, err := db.UpsertTransaction(context.Background(), record)
	if err != nil {
		t.Fatalf("UpsertTransaction() failed: %v", err)
	}
	if stored.TxHash != record.TxHash || stored.ExecNonce == nil || *stored.ExecNonce != 3 {
		t.Errorf("unexpected stored record: %+v", stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsertTransaction_DuplicateMessageID(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`INSERT INTO transactions`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_transactions_message_id"})

	_, err := db.UpsertTransaction(context.Background(), sampleRecord())
	if !apperrors.Is(err, apperrors.KindIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestUpsertTransaction_CheckViolation(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`INSERT INTO transactions`).
		WillReturnError(&pq.Error{Code: "23514", Constraint: "transactions_status_check"})

	_, err := db.UpsertTransaction(context.Background(), sampleRecord())
	if !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpsertTransactions_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	first := sampleRecord()
	second := sampleRecord()
	second.TxHash = "0xbbb"
	second.MessageID = "0xbbb"

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO transactions`).WillReturnRows(rowFor(first))
	mock.ExpectQuery(`INSERT INTO transactions`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := db.UpsertTransactions(context.Background(), []models.TransactionRecord{*first, *second})
	if err == nil {
		t.Fatal("expected batch to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsertTransactions_Commits(t *testing.T) {
	db, mock := newMockDB(t)
	first := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO transactions`).WillReturnRows(rowFor(first))
	mock.ExpectCommit()

	stored, err := db.UpsertTransactions(context.Background(), []models.TransactionRecord{*first})
	if err != nil {
		t.Fatalf("UpsertTransactions() failed: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("expected 1 stored record, got %d", len(stored))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetTransactionByHash_NotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT .* FROM transactions WHERE tx_hash = \$1`).
		WithArgs("0xmissing").
		WillReturnRows(sqlmock.NewRows(recordColumns))

	record, err := db.GetTransactionByHash(context.Background(), "0xmissing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record != nil {
		t.Errorf("expected nil record, got %+v", record)
	}
}

func TestGetTransactionsByUser(t *testing.T) {
	db, mock := newMockDB(t)
	record := sampleRecord()

	mock.ExpectQuery(`WHERE user_address = \$1\s+ORDER BY timestamp DESC`).
		WithArgs(record.User).
		WillReturnRows(rowFor(record))

	records, err := db.GetTransactionsByUser(context.Background(), record.User)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].TxType != models.TxTypeDeposit {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestUpdateTransactionByMessageID(t *testing.T) {
	db, mock := newMockDB(t)
	record := sampleRecord()
	record.MessageID = "0xmsg"
	status := models.TxStatusConfirmed

	mock.ExpectQuery(`UPDATE transactions SET .* WHERE message_id = \$1 RETURNING`).
		WithArgs("0xmsg", nil, nil, nil, "confirmed", nil, nil, nil, nil, nil, nil, nil, nil).
		WillReturnRows(rowFor(record))

	updated, err := db.UpdateTransactionByMessageID(context.Background(), "0xmsg", models.TransactionUpdate{Status: &status})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated == nil {
		t.Fatal("expected a record")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateTransactionByHash_Missing(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`UPDATE transactions SET .* WHERE tx_hash = \$1`).
		WillReturnRows(sqlmock.NewRows(recordColumns))

	updated, err := db.UpdateTransactionByHash(context.Background(), "0xnone", models.TransactionUpdate{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated != nil {
		t.Errorf("expected nil, got %+v", updated)
	}
}

func TestUpdateTransactionByMessageID_RejectsTxHash(t *testing.T) {
	tests := []struct {
		name    string
		exists  bool
		wantErr bool
	}{
		{name: "row holds the hash", exists: true, wantErr: true},
		{name: "no such row", exists: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			hash := "0xaaa"

			mock.ExpectQuery(`UPDATE transactions SET .* WHERE message_id = \$1 AND \(\$2::text IS NULL OR \$2::text <> tx_hash\) RETURNING`).
				WithArgs("0xmsg", hash, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil).
				WillReturnRows(sqlmock.NewRows(recordColumns))
			mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM transactions WHERE message_id = \$1\)`).
				WithArgs("0xmsg").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))

			updated, err := db.UpdateTransactionByMessageID(context.Background(), "0xmsg", models.TransactionUpdate{MessageID: &hash})
			if updated != nil {
				t.Errorf("expected no record, got %+v", updated)
			}
			if tt.wantErr && !apperrors.Is(err, apperrors.KindIntegrity) {
				t.Errorf("expected integrity error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestCompleteTransactionByMessageID(t *testing.T) {
	receipt := "0xreceipt"
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"first pass completes", 1, true},
		{"second pass is a no-op", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectExec(`UPDATE transactions\s+SET status = \$2.*WHERE message_id = \$1 AND is_complete = false`).
				WithArgs("0xmsg", "confirmed", receipt).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			got, err := db.CompleteTransactionByMessageID(context.Background(), "0xmsg", models.TxStatusConfirmed, &receipt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLatestExecNonce(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  *int64
	}{
		{"has nonce", int64(3), func() *int64 { n := int64(3); return &n }()},
		{"no nonce", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectQuery(`MAX\(exec_nonce\) FILTER \(WHERE is_complete = false\)`).
				WithArgs("0xuser").
				WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(tt.value))

			got, err := db.LatestExecNonce(context.Background(), "0xuser")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeleteAllTransactions(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`DELETE FROM transactions`).WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := db.DeleteAllTransactions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 deleted, got %d", n)
	}
}
