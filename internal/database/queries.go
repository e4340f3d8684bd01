package database

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/models"
)

const transactionColumns = `
	tx_hash, message_id, timestamp, tx_type, status, from_address, to_address,
	receipt_transaction_hash, is_complete, source_chain_id, destination_chain_id,
	user_address, exec_nonce`

const upsertTransactionQuery = `
	INSERT INTO transactions (` + transactionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (tx_hash) DO UPDATE SET
		message_id = EXCLUDED.message_id,
		timestamp = EXCLUDED.timestamp,
		tx_type = EXCLUDED.tx_type,
		status = EXCLUDED.status,
		from_address = EXCLUDED.from_address,
		to_address = EXCLUDED.to_address,
		receipt_transaction_hash = EXCLUDED.receipt_transaction_hash,
		is_complete = EXCLUDED.is_complete,
		source_chain_id = EXCLUDED.source_chain_id,
		destination_chain_id = EXCLUDED.destination_chain_id,
		user_address = EXCLUDED.user_address,
		exec_nonce = EXCLUDED.exec_nonce,
		updated_at = NOW()
	RETURNING ` + transactionColumns

// updateTransactionSet merges a partial update in one statement; NULL parameters keep the stored value
const updateTransactionSet = `
	UPDATE transactions SET
		message_id = COALESCE($2, message_id),
		timestamp = COALESCE($3, timestamp),
		tx_type = COALESCE($4, tx_type),
		status = COALESCE($5, status),
		from_address = COALESCE($6, from_address),
		to_address = COALESCE($7, to_address),
		receipt_transaction_hash = COALESCE($8, receipt_transaction_hash),
		is_complete = COALESCE($9, is_complete),
		source_chain_id = COALESCE($10, source_chain_id),
		destination_chain_id = COALESCE($11, destination_chain_id),
		user_address = COALESCE($12, user_address),
		exec_nonce = COALESCE($13, exec_nonce),
		updated_at = NOW()`

func upsertArgs(r *models.TransactionRecord) []interface{} {
	return []interface{}{
		r.TxHash, r.MessageID, r.Timestamp, string(r.TxType), string(r.Status),
		r.From, r.To, r.ReceiptTransactionHash, r.IsComplete,
		r.SourceChainID, r.DestinationChainID, r.User, r.ExecNonce,
	}
}

func updateArgs(key string, u models.TransactionUpdate) []interface{} {
	var txType, status *string
	if u.TxType != nil {
		s := string(*u.TxType)
		txType = &s
	}
	if u.Status != nil {
		s := string(*u.Status)
		status = &s
	}
	return []interface{}{
		key, u.MessageID, u.Timestamp, txType, status,
		u.From, u.To, u.ReceiptTransactionHash, u.IsComplete,
		u.SourceChainID, u.DestinationChainID, u.User, u.ExecNonce,
	}
}

// ==================== Transaction Queries ====================

// UpsertTransaction inserts a record or replaces the one with the same tx hash
func (db *DB) UpsertTransaction(ctx context.Context, record *models.TransactionRecord) (*models.TransactionRecord, error) {
	var stored models.TransactionRecord
	if err := db.QueryRowxContext(ctx, upsertTransactionQuery, upsertArgs(record)...).StructScan(&stored); err != nil {
		return nil, mapError("upsert transaction", err)
	}
	return &stored, nil
}

// UpsertTransactions upserts a batch atomically: either every record is stored or none is
func (db *DB) UpsertTransactions(ctx context.Context, records []models.TransactionRecord) ([]models.TransactionRecord, error) {
	stored := make([]models.TransactionRecord, 0, len(records))
	err := db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		for i := range records {
			var row models.TransactionRecord
			if err := tx.QueryRowxContext(ctx, upsertTransactionQuery, upsertArgs(&records[i])...).StructScan(&row); err != nil {
				return mapError("upsert transaction batch", err)
			}
			stored = append(stored, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetTransactionByHash retrieves a record by tx hash
func (db *DB) GetTransactionByHash(ctx context.Context, txHash string) (*models.TransactionRecord, error) {
	var record models.TransactionRecord
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tx_hash = $1`
	err := db.GetContext(ctx, &record, query, txHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get transaction by hash", err)
	}
	return &record, nil
}

// GetTransactionByMessageID retrieves a record by bridge message id
func (db *DB) GetTransactionByMessageID(ctx context.Context, messageID string) (*models.TransactionRecord, error) {
	var record models.TransactionRecord
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE message_id = $1`
	err := db.GetContext(ctx, &record, query, messageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get transaction by message id", err)
	}
	return &record, nil
}

// GetTransactionsByUser retrieves a user's records, newest first
func (db *DB) GetTransactionsByUser(ctx context.Context, user string) ([]models.TransactionRecord, error) {
	records := []models.TransactionRecord{}
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_address = $1
		ORDER BY timestamp DESC, tx_hash
	`
	if err := db.SelectContext(ctx, &records, query, user); err != nil {
		return nil, mapError("get transactions by user", err)
	}
	return records, nil
}

// GetAllTransactions retrieves every record, newest first
func (db *DB) GetAllTransactions(ctx context.Context) ([]models.TransactionRecord, error) {
	records := []models.TransactionRecord{}
	query := `SELECT ` + transactionColumns + ` FROM transactions ORDER BY timestamp DESC, tx_hash`
	if err := db.SelectContext(ctx, &records, query); err != nil {
		return nil, mapError("get all transactions", err)
	}
	return records, nil
}

// ListPendingTransactions retrieves every record not yet complete, oldest first
func (db *DB) ListPendingTransactions(ctx context.Context) ([]models.TransactionRecord, error) {
	records := []models.TransactionRecord{}
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE is_complete = false
		ORDER BY timestamp ASC, tx_hash
	`
	if err := db.SelectContext(ctx, &records, query); err != nil {
		return nil, mapError("list pending transactions", err)
	}
	return records, nil
}

// UpdateTransactionByHash merges update into the record with the given tx hash.
// Returns nil, nil when no such record exists.
func (db *DB) UpdateTransactionByHash(ctx context.Context, txHash string, update models.TransactionUpdate) (*models.TransactionRecord, error) {
	return db.updateTransaction(ctx, "update transaction by hash", "tx_hash", txHash, update)
}

// UpdateTransactionByMessageID merges update into the record with the given message id
func (db *DB) UpdateTransactionByMessageID(ctx context.Context, messageID string, update models.TransactionUpdate) (*models.TransactionRecord, error) {
	return db.updateTransaction(ctx, "update transaction by message id", "message_id", messageID, update)
}

// updateTransaction refuses, in the same statement, a message id equal to the row's tx hash.
// Placeholders are written only by upsert.
func (db *DB) updateTransaction(ctx context.Context, op, keyColumn, key string, update models.TransactionUpdate) (*models.TransactionRecord, error) {
	query := updateTransactionSet +
		` WHERE ` + keyColumn + ` = $1 AND ($2::text IS NULL OR $2::text <> tx_hash) RETURNING ` + transactionColumns

	var record models.TransactionRecord
	err := db.QueryRowxContext(ctx, query, updateArgs(key, update)...).StructScan(&record)
	if err == sql.ErrNoRows {
		if update.MessageID == nil {
			return nil, nil
		}
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE `+keyColumn+` = $1)`, key).Scan(&exists); err != nil {
			return nil, mapError(op, err)
		}
		if exists {
			return nil, apperrors.Integrity(op, "messageId %s equals the record's txHash", *update.MessageID)
		}
		return nil, nil
	}
	if err != nil {
		return nil, mapError(op, err)
	}
	return &record, nil
}

// CompleteTransactionByMessageID moves an incomplete record to a terminal status.
// Reports false when the record is already complete, which makes repeated passes no-ops.
func (db *DB) CompleteTransactionByMessageID(ctx context.Context, messageID string, status models.TxStatus, receiptHash *string) (bool, error) {
	query := `
		UPDATE transactions
		SET status = $2,
		    is_complete = true,
		    receipt_transaction_hash = COALESCE($3, receipt_transaction_hash),
		    updated_at = NOW()
		WHERE message_id = $1 AND is_complete = false
	`
	result, err := db.ExecContext(ctx, query, messageID, string(status), receiptHash)
	if err != nil {
		return false, mapError("complete transaction", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, mapError("complete transaction", err)
	}
	return rows > 0, nil
}

// LatestExecNonce returns the highest exec nonce among the user's incomplete records,
// falling back to the highest among all of them. nil when the user has none.
func (db *DB) LatestExecNonce(ctx context.Context, user string) (*int64, error) {
	var latest sql.NullInt64
	query := `
		SELECT COALESCE(
			MAX(exec_nonce) FILTER (WHERE is_complete = false),
			MAX(exec_nonce)
		)
		FROM transactions
		WHERE user_address = $1
	`
	if err := db.QueryRowContext(ctx, query, user).Scan(&latest); err != nil {
		return nil, mapError("latest exec nonce", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	nonce := latest.Int64
	return &nonce, nil
}

// DeleteAllTransactions clears the ledger and returns the number of removed records
func (db *DB) DeleteAllTransactions(ctx context.Context) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM transactions`)
	if err != nil {
		return 0, mapError("delete transactions", err)
	}
	return result.RowsAffected()
}
