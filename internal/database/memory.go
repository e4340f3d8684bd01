package database

import (
	"context"
	"sort"
	"sync"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/models"
)

// MemoryStore is an in-process ledger with the same semantics as the Postgres schema.
// Used for local development (LEDGER_BACKEND=memory) and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	byHash    map[string]*models.TransactionRecord
	byMessage map[string]string // message id -> tx hash
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash:    make(map[string]*models.TransactionRecord),
		byMessage: make(map[string]string),
	}
}

func clone(r *models.TransactionRecord) *models.TransactionRecord {
	c := *r
	if r.ReceiptTransactionHash != nil {
		receipt := *r.ReceiptTransactionHash
		c.ReceiptTransactionHash = &receipt
	}
	if r.ExecNonce != nil {
		nonce := *r.ExecNonce
		c.ExecNonce = &nonce
	}
	return &c
}

// checkRow applies the schema's constraints to a candidate row. Callers hold mu.
func (s *MemoryStore) checkRow(op string, r *models.TransactionRecord) error {
	if err := r.CheckState(); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, op, err, "value rejected by the ledger schema")
	}
	if r.ExecNonce != nil && *r.ExecNonce < 0 {
		return apperrors.Validation(op, "exec nonce must be non-negative")
	}
	if r.MessageID != "" {
		if owner, taken := s.byMessage[r.MessageID]; taken && owner != r.TxHash {
			return apperrors.Integrity(op, "message id %s already belongs to %s", r.MessageID, owner)
		}
	}
	return nil
}

// put stores r, replacing any row with the same hash. Callers hold mu and have checked r.
func (s *MemoryStore) put(r *models.TransactionRecord) {
	if prev, ok := s.byHash[r.TxHash]; ok && prev.MessageID != "" {
		delete(s.byMessage, prev.MessageID)
	}
	s.byHash[r.TxHash] = clone(r)
	if r.MessageID != "" {
		s.byMessage[r.MessageID] = r.TxHash
	}
}

func (s *MemoryStore) UpsertTransaction(ctx context.Context, record *models.TransactionRecord) (*models.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRow("upsert transaction", record); err != nil {
		return nil, err
	}
	s.put(record)
	return clone(record), nil
}

// UpsertTransactions checks the whole batch before writing any of it
func (s *MemoryStore) UpsertTransactions(ctx context.Context, records []models.TransactionRecord) ([]models.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make(map[string]string, len(records))
	for i := range records {
		r := &records[i]
		if err := s.checkRow("upsert transaction batch", r); err != nil {
			return nil, err
		}
		if r.MessageID == "" {
			continue
		}
		if owner, dup := claimed[r.MessageID]; dup && owner != r.TxHash {
			return nil, apperrors.Integrity("upsert transaction batch", "message id %s used by %s and %s", r.MessageID, owner, r.TxHash)
		}
		claimed[r.MessageID] = r.TxHash
	}

	stored := make([]models.TransactionRecord, 0, len(records))
	for i := range records {
		s.put(&records[i])
		stored = append(stored, *clone(&records[i]))
	}
	return stored, nil
}

func (s *MemoryStore) GetTransactionByHash(ctx context.Context, txHash string) (*models.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byHash[txHash]
	if !ok {
		return nil, nil
	}
	return clone(r), nil
}

func (s *MemoryStore) GetTransactionByMessageID(ctx context.Context, messageID string) (*models.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, ok := s.byMessage[messageID]
	if !ok {
		return nil, nil
	}
	return clone(s.byHash[hash]), nil
}

func (s *MemoryStore) collect(match func(*models.TransactionRecord) bool, newestFirst bool) []models.TransactionRecord {
	records := []models.TransactionRecord{}
	for _, r := range s.byHash {
		if match(r) {
			records = append(records, *clone(r))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp != records[j].Timestamp {
			if newestFirst {
				return records[i].Timestamp > records[j].Timestamp
			}
			return records[i].Timestamp < records[j].Timestamp
		}
		return records[i].TxHash < records[j].TxHash
	})
	return records
}

func (s *MemoryStore) GetTransactionsByUser(ctx context.Context, user string) ([]models.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(r *models.TransactionRecord) bool { return r.User == user }, true), nil
}

func (s *MemoryStore) GetAllTransactions(ctx context.Context) ([]models.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(*models.TransactionRecord) bool { return true }, true), nil
}

func (s *MemoryStore) ListPendingTransactions(ctx context.Context) ([]models.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(r *models.TransactionRecord) bool { return !r.IsComplete }, false), nil
}

func (s *MemoryStore) UpdateTransactionByHash(ctx context.Context, txHash string, update models.TransactionUpdate) (*models.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update("update transaction by hash", s.byHash[txHash], update)
}

func (s *MemoryStore) UpdateTransactionByMessageID(ctx context.Context, messageID string, update models.TransactionUpdate) (*models.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.byMessage[messageID]
	if !ok {
		return nil, nil
	}
	return s.update("update transaction by message id", s.byHash[hash], update)
}

func (s *MemoryStore) update(op string, current *models.TransactionRecord, update models.TransactionUpdate) (*models.TransactionRecord, error) {
	if current == nil {
		return nil, nil
	}
	if update.MessageID != nil && *update.MessageID == current.TxHash {
		return nil, apperrors.Integrity(op, "messageId %s equals the record's txHash", *update.MessageID)
	}
	next := clone(current)
	update.Apply(next)
	if err := s.checkRow(op, next); err != nil {
		return nil, err
	}
	s.put(next)
	return clone(next), nil
}

func (s *MemoryStore) CompleteTransactionByMessageID(ctx context.Context, messageID string, status models.TxStatus, receiptHash *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.byMessage[messageID]
	if !ok || s.byHash[hash].IsComplete {
		return false, nil
	}
	complete := true
	update := models.TransactionUpdate{Status: &status, IsComplete: &complete, ReceiptTransactionHash: receiptHash}
	if _, err := s.update("complete transaction", s.byHash[hash], update); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) LatestExecNonce(ctx context.Context, user string) (*int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending, overall *int64
	for _, r := range s.byHash {
		if r.User != user || r.ExecNonce == nil {
			continue
		}
		n := *r.ExecNonce
		if overall == nil || n > *overall {
			overall = &n
		}
		if !r.IsComplete && (pending == nil || n > *pending) {
			pending = &n
		}
	}
	if pending != nil {
		return pending, nil
	}
	return overall, nil
}

func (s *MemoryStore) DeleteAllTransactions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.byHash))
	s.byHash = make(map[string]*models.TransactionRecord)
	s.byMessage = make(map[string]string)
	return n, nil
}
