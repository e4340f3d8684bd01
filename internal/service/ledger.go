package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/metrics"
	"eigenl2/offchain/internal/models"
)

// Store is the persistent keyed table behind the ledger.
// Every write is a single atomic statement; UpsertTransactions is all-or-nothing.
type Store interface {
	UpsertTransaction(ctx context.Context, record *models.TransactionRecord) (*models.TransactionRecord, error)
	UpsertTransactions(ctx context.Context, records []models.TransactionRecord) ([]models.TransactionRecord, error)
	GetTransactionByHash(ctx context.Context, txHash string) (*models.TransactionRecord, error)
	GetTransactionByMessageID(ctx context.Context, messageID string) (*models.TransactionRecord, error)
	GetTransactionsByUser(ctx context.Context, user string) ([]models.TransactionRecord, error)
	GetAllTransactions(ctx context.Context) ([]models.TransactionRecord, error)
	ListPendingTransactions(ctx context.Context) ([]models.TransactionRecord, error)
	UpdateTransactionByHash(ctx context.Context, txHash string, update models.TransactionUpdate) (*models.TransactionRecord, error)
	UpdateTransactionByMessageID(ctx context.Context, messageID string, update models.TransactionUpdate) (*models.TransactionRecord, error)
	CompleteTransactionByMessageID(ctx context.Context, messageID string, status models.TxStatus, receiptHash *string) (bool, error)
	LatestExecNonce(ctx context.Context, user string) (*int64, error)
	DeleteAllTransactions(ctx context.Context) (int64, error)
}

var zeroAddress = strings.ToLower(common.Address{}.Hex())

// LedgerService applies defaults and validation in front of the Store
type LedgerService struct {
	store     Store
	l1ChainID int64
	l2ChainID int64
	now       func() time.Time
	logger    *zap.Logger
}

// NewLedgerService creates a new ledger service
func NewLedgerService(store Store, l1ChainID, l2ChainID int64, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		store:     store,
		l1ChainID: l1ChainID,
		l2ChainID: l2ChainID,
		now:       time.Now,
		logger:    logger,
	}
}

// defaultChainIDs returns the (source, destination) pair for a type
func (s *LedgerService) defaultChainIDs(txType models.TxType) (int64, int64) {
	switch {
	case txType.BridgesToL2():
		return s.l1ChainID, s.l2ChainID
	case txType == models.TxTypeDeposit:
		return s.l2ChainID, s.l1ChainID
	default:
		return s.l1ChainID, s.l1ChainID
	}
}

// Normalize turns caller input into a complete record, filling documented defaults
func (s *LedgerService) Normalize(in models.TransactionInput) (*models.TransactionRecord, error) {
	const op = "ledger.normalize"

	txHash, err := normalizeHash(in.TxHash)
	if err != nil {
		return nil, apperrors.Validation(op, "txHash: %v", err)
	}

	record := &models.TransactionRecord{
		TxHash:    txHash,
		MessageID: txHash,
		Timestamp: s.now().Unix(),
		TxType:    models.TxTypeOther,
		Status:    models.TxStatusPending,
		From:      zeroAddress,
		To:        zeroAddress,
		User:      zeroAddress,
	}

	if in.MessageID != nil && *in.MessageID != "" {
		messageID, err := normalizeHash(*in.MessageID)
		if err != nil {
			return nil, apperrors.Validation(op, "messageId: %v", err)
		}
		if messageID == txHash {
			return nil, apperrors.Integrity(op, "messageId equals txHash %s", txHash)
		}
		record.MessageID = messageID
	}
	if in.Timestamp != nil {
		if *in.Timestamp <= 0 {
			return nil, apperrors.Validation(op, "timestamp must be positive")
		}
		record.Timestamp = *in.Timestamp
	}
	if in.TxType != nil {
		if !in.TxType.Valid() {
			return nil, apperrors.Validation(op, "unknown txType %q", *in.TxType)
		}
		record.TxType = *in.TxType
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, apperrors.Validation(op, "unknown status %q", *in.Status)
		}
		record.Status = *in.Status
	}

	for _, field := range []struct {
		name string
		in   *string
		out  *string
	}{
		{"from", in.From, &record.From},
		{"to", in.To, &record.To},
		{"user", in.User, &record.User},
	} {
		if field.in == nil || *field.in == "" {
			continue
		}
		addr, err := NormalizeAddress(*field.in)
		if err != nil {
			return nil, apperrors.Validation(op, "%s: %v", field.name, err)
		}
		*field.out = addr
	}

	if in.ReceiptTransactionHash != nil && *in.ReceiptTransactionHash != "" {
		receipt, err := normalizeHash(*in.ReceiptTransactionHash)
		if err != nil {
			return nil, apperrors.Validation(op, "receiptTransactionHash: %v", err)
		}
		record.ReceiptTransactionHash = &receipt
	}
	if in.IsComplete != nil {
		record.IsComplete = *in.IsComplete
	}

	record.SourceChainID, record.DestinationChainID = s.defaultChainIDs(record.TxType)
	if in.SourceChainID != nil {
		record.SourceChainID = *in.SourceChainID
	}
	if in.DestinationChainID != nil {
		record.DestinationChainID = *in.DestinationChainID
	}
	if record.SourceChainID <= 0 || record.DestinationChainID <= 0 {
		return nil, apperrors.Validation(op, "chain ids must be positive")
	}

	if in.ExecNonce != nil {
		if *in.ExecNonce < 0 {
			return nil, apperrors.Validation(op, "execNonce must be non-negative")
		}
		nonce := *in.ExecNonce
		record.ExecNonce = &nonce
	}

	if err := record.CheckState(); err != nil {
		return nil, apperrors.Validation(op, "%v", err)
	}
	return record, nil
}

// normalizeUpdate validates a partial update and canonicalizes its encodings
func (s *LedgerService) normalizeUpdate(u models.TransactionUpdate) (models.TransactionUpdate, error) {
	const op = "ledger.update"

	if u.Empty() {
		return u, apperrors.Validation(op, "update carries no fields")
	}
	if u.MessageID != nil {
		messageID, err := normalizeHash(*u.MessageID)
		if err != nil {
			return u, apperrors.Validation(op, "messageId: %v", err)
		}
		u.MessageID = &messageID
	}
	if u.TxType != nil && !u.TxType.Valid() {
		return u, apperrors.Validation(op, "unknown txType %q", *u.TxType)
	}
	if u.Status != nil && !u.Status.Valid() {
		return u, apperrors.Validation(op, "unknown status %q", *u.Status)
	}
	if u.IsComplete != nil && *u.IsComplete && u.Status != nil && *u.Status == models.TxStatusPending {
		return u, apperrors.Validation(op, "a record cannot be complete while pending")
	}
	for _, field := range []**string{&u.From, &u.To, &u.User} {
		if *field == nil {
			continue
		}
		addr, err := NormalizeAddress(**field)
		if err != nil {
			return u, apperrors.Validation(op, "%v", err)
		}
		*field = &addr
	}
	if u.ReceiptTransactionHash != nil {
		receipt, err := normalizeHash(*u.ReceiptTransactionHash)
		if err != nil {
			return u, apperrors.Validation(op, "receiptTransactionHash: %v", err)
		}
		u.ReceiptTransactionHash = &receipt
	}
	if u.ExecNonce != nil && *u.ExecNonce < 0 {
		return u, apperrors.Validation(op, "execNonce must be non-negative")
	}
	if u.Timestamp != nil && *u.Timestamp <= 0 {
		return u, apperrors.Validation(op, "timestamp must be positive")
	}
	return u, nil
}

func recordWrite(operation string, err error) {
	result := "ok"
	if err != nil {
		result = apperrors.KindOf(err).String()
	}
	metrics.LedgerWrites.WithLabelValues(operation, result).Inc()
}

// Upsert stores one record, replacing any record with the same tx hash
func (s *LedgerService) Upsert(ctx context.Context, in models.TransactionInput) (*models.TransactionRecord, error) {
	record, err := s.Normalize(in)
	if err != nil {
		recordWrite("upsert", err)
		return nil, err
	}

	stored, err := s.store.UpsertTransaction(ctx, record)
	recordWrite("upsert", err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Upserted transaction",
		zap.String("tx_hash", stored.TxHash),
		zap.String("message_id", stored.MessageID),
		zap.String("tx_type", string(stored.TxType)),
		zap.String("status", string(stored.Status)))
	return stored, nil
}

// UpsertMany stores a batch atomically. One invalid record rejects the batch.
func (s *LedgerService) UpsertMany(ctx context.Context, inputs []models.TransactionInput) ([]models.TransactionRecord, error) {
	records := make([]models.TransactionRecord, 0, len(inputs))
	for i, in := range inputs {
		record, err := s.Normalize(in)
		if err != nil {
			recordWrite("upsert_many", err)
			return nil, apperrors.Wrap(apperrors.KindOf(err), "ledger.upsertMany", err, fmt.Sprintf("record %d rejected", i))
		}
		records = append(records, *record)
	}
	if len(records) == 0 {
		return []models.TransactionRecord{}, nil
	}

	stored, err := s.store.UpsertTransactions(ctx, records)
	recordWrite("upsert_many", err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Upserted transaction batch", zap.Int("count", len(stored)))
	return stored, nil
}

// GetByHash returns the record for txHash or a not-found error
func (s *LedgerService) GetByHash(ctx context.Context, txHash string) (*models.TransactionRecord, error) {
	hash, err := normalizeHash(txHash)
	if err != nil {
		return nil, apperrors.Validation("ledger.getByHash", "txHash: %v", err)
	}
	record, err := s.store.GetTransactionByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.NotFound("ledger.getByHash", "no transaction with hash %s", hash)
	}
	return record, nil
}

// GetByMessageID returns the record for a bridge message id or a not-found error
func (s *LedgerService) GetByMessageID(ctx context.Context, messageID string) (*models.TransactionRecord, error) {
	id, err := normalizeHash(messageID)
	if err != nil {
		return nil, apperrors.Validation("ledger.getByMessageId", "messageId: %v", err)
	}
	record, err := s.store.GetTransactionByMessageID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.NotFound("ledger.getByMessageId", "no transaction with message id %s", id)
	}
	return record, nil
}

// GetByUser returns a user's records, newest first
func (s *LedgerService) GetByUser(ctx context.Context, user string) ([]models.TransactionRecord, error) {
	addr, err := NormalizeAddress(user)
	if err != nil {
		return nil, apperrors.Validation("ledger.getByUser", "%v", err)
	}
	return s.store.GetTransactionsByUser(ctx, addr)
}

// GetAll returns every record, newest first
func (s *LedgerService) GetAll(ctx context.Context) ([]models.TransactionRecord, error) {
	return s.store.GetAllTransactions(ctx)
}

// ListPending returns every record with isComplete=false
func (s *LedgerService) ListPending(ctx context.Context) ([]models.TransactionRecord, error) {
	return s.store.ListPendingTransactions(ctx)
}

// UpdateByHash merges update into the record; unspecified fields keep their value
func (s *LedgerService) UpdateByHash(ctx context.Context, txHash string, update models.TransactionUpdate) (*models.TransactionRecord, error) {
	const op = "ledger.updateByHash"
	hash, err := normalizeHash(txHash)
	if err != nil {
		return nil, apperrors.Validation(op, "txHash: %v", err)
	}
	update, err = s.normalizeUpdate(update)
	if err != nil {
		return nil, err
	}
	if update.MessageID != nil && *update.MessageID == hash {
		return nil, apperrors.Integrity(op, "messageId equals txHash %s", hash)
	}

	record, err := s.store.UpdateTransactionByHash(ctx, hash, update)
	recordWrite("update", err)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.NotFound(op, "no transaction with hash %s", hash)
	}
	return record, nil
}

// UpdateByMessageID merges update into the record carrying messageID
func (s *LedgerService) UpdateByMessageID(ctx context.Context, messageID string, update models.TransactionUpdate) (*models.TransactionRecord, error) {
	const op = "ledger.updateByMessageId"
	id, err := normalizeHash(messageID)
	if err != nil {
		return nil, apperrors.Validation(op, "messageId: %v", err)
	}
	update, err = s.normalizeUpdate(update)
	if err != nil {
		return nil, err
	}

	record, err := s.store.UpdateTransactionByMessageID(ctx, id, update)
	recordWrite("update", err)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.NotFound(op, "no transaction with message id %s", id)
	}
	return record, nil
}

// Complete moves an incomplete record to a terminal status. Reports whether anything changed.
func (s *LedgerService) Complete(ctx context.Context, messageID string, status models.TxStatus, receiptHash *string) (bool, error) {
	if !status.Terminal() {
		return false, apperrors.Validation("ledger.complete", "status %q is not terminal", status)
	}
	changed, err := s.store.CompleteTransactionByMessageID(ctx, messageID, status, receiptHash)
	recordWrite("complete", err)
	return changed, err
}

// LatestExecNonce returns the user's latest recorded exec nonce, nil if none.
// Incomplete records take priority over completed ones.
func (s *LedgerService) LatestExecNonce(ctx context.Context, user string) (*int64, error) {
	addr, err := NormalizeAddress(user)
	if err != nil {
		return nil, apperrors.Validation("ledger.latestExecNonce", "%v", err)
	}
	return s.store.LatestExecNonce(ctx, addr)
}

// ClearAll deletes every record
func (s *LedgerService) ClearAll(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteAllTransactions(ctx)
	recordWrite("clear", err)
	if err != nil {
		return 0, err
	}
	s.logger.Warn("Cleared transaction ledger", zap.Int64("deleted", n))
	return n, nil
}

// NextNonceFromLatest maps a latest nonce to the next one: nil -> 0, n -> n+1
func NextNonceFromLatest(latest *int64) uint64 {
	if latest == nil {
		return 0
	}
	return uint64(*latest) + 1
}

// NormalizeAddress validates a hex address and returns it lowercased
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", apperrors.Validation("address", "invalid address %q", s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// normalizeHash validates a 0x-prefixed 32 byte hex value and returns it lowercased
func normalizeHash(s string) (string, error) {
	s = strings.TrimSpace(s)
	b, err := hexutil.Decode(s)
	if err != nil {
		return "", err
	}
	if len(b) != common.HashLength {
		return "", apperrors.Validation("hash", "expected %d bytes, got %d", common.HashLength, len(b))
	}
	return strings.ToLower(s), nil
}
