package models

import "fmt"

// TxType is the kind of cross-chain action a ledger record tracks
type TxType string

const (
	TxTypeDeposit                TxType = "deposit"
	TxTypeQueueWithdrawal        TxType = "queueWithdrawal"
	TxTypeCompleteWithdrawal     TxType = "completeWithdrawal"
	TxTypeProcessClaim           TxType = "processClaim"
	TxTypeBridgingWithdrawalToL2 TxType = "bridgingWithdrawalToL2"
	TxTypeBridgingRewardsToL2    TxType = "bridgingRewardsToL2"
	TxTypeDelegateTo             TxType = "delegateTo"
	TxTypeUndelegate             TxType = "undelegate"
	TxTypeRedelegate             TxType = "redelegate"
	TxTypeOther                  TxType = "other"
)

// TxTypes lists every accepted TxType
var TxTypes = []TxType{
	TxTypeDeposit,
	TxTypeQueueWithdrawal,
	TxTypeCompleteWithdrawal,
	TxTypeProcessClaim,
	TxTypeBridgingWithdrawalToL2,
	TxTypeBridgingRewardsToL2,
	TxTypeDelegateTo,
	TxTypeUndelegate,
	TxTypeRedelegate,
	TxTypeOther,
}

// Valid reports whether t is one of the closed set of types
func (t TxType) Valid() bool {
	for _, known := range TxTypes {
		if t == known {
			return true
		}
	}
	return false
}

// BridgesToL2 reports whether the action originates on L1 and lands on L2
func (t TxType) BridgesToL2() bool {
	return t == TxTypeBridgingWithdrawalToL2 || t == TxTypeBridgingRewardsToL2
}

// TxStatus represents the lifecycle state of a ledger record
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// Valid reports whether s is one of the closed set of statuses
func (s TxStatus) Valid() bool {
	switch s {
	case TxStatusPending, TxStatusConfirmed, TxStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further bridge progress is expected
func (s TxStatus) Terminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// TransactionRecord is one cross-chain transaction in the ledger.
// TxHash is the primary key; MessageID is unique when non-empty.
type TransactionRecord struct {
	TxHash                 string   `db:"tx_hash" json:"txHash"`
	MessageID              string   `db:"message_id" json:"messageId"`
	Timestamp              int64    `db:"timestamp" json:"timestamp"`
	TxType                 TxType   `db:"tx_type" json:"txType"`
	Status                 TxStatus `db:"status" json:"status"`
	From                   string   `db:"from_address" json:"from"`
	To                     string   `db:"to_address" json:"to"`
	ReceiptTransactionHash *string  `db:"receipt_transaction_hash" json:"receiptTransactionHash"`
	IsComplete             bool     `db:"is_complete" json:"isComplete"`
	SourceChainID          int64    `db:"source_chain_id" json:"sourceChainId"`
	DestinationChainID     int64    `db:"destination_chain_id" json:"destinationChainId"`
	User                   string   `db:"user_address" json:"user"`
	ExecNonce              *int64   `db:"exec_nonce" json:"execNonce"`
}

// HasBridgeMessageID reports whether the bridge has assigned a real message id.
// Records created before the id is known carry the tx hash as a placeholder.
func (r *TransactionRecord) HasBridgeMessageID() bool {
	return r.MessageID != "" && r.MessageID != r.TxHash
}

// TransactionInput is the caller-supplied form of a record; nil fields take defaults
type TransactionInput struct {
	TxHash                 string    `json:"txHash"`
	MessageID              *string   `json:"messageId,omitempty"`
	Timestamp              *int64    `json:"timestamp,omitempty"`
	TxType                 *TxType   `json:"txType,omitempty"`
	Status                 *TxStatus `json:"status,omitempty"`
	From                   *string   `json:"from,omitempty"`
	To                     *string   `json:"to,omitempty"`
	ReceiptTransactionHash *string   `json:"receiptTransactionHash,omitempty"`
	IsComplete             *bool     `json:"isComplete,omitempty"`
	SourceChainID          *int64    `json:"sourceChainId,omitempty"`
	DestinationChainID     *int64    `json:"destinationChainId,omitempty"`
	User                   *string   `json:"user,omitempty"`
	ExecNonce              *int64    `json:"execNonce,omitempty"`
}

// TransactionUpdate is a partial update; nil fields keep their stored value
type TransactionUpdate struct {
	MessageID              *string   `json:"messageId,omitempty"`
	Timestamp              *int64    `json:"timestamp,omitempty"`
	TxType                 *TxType   `json:"txType,omitempty"`
	Status                 *TxStatus `json:"status,omitempty"`
	From                   *string   `json:"from,omitempty"`
	To                     *string   `json:"to,omitempty"`
	ReceiptTransactionHash *string   `json:"receiptTransactionHash,omitempty"`
	IsComplete             *bool     `json:"isComplete,omitempty"`
	SourceChainID          *int64    `json:"sourceChainId,omitempty"`
	DestinationChainID     *int64    `json:"destinationChainId,omitempty"`
	User                   *string   `json:"user,omitempty"`
	ExecNonce              *int64    `json:"execNonce,omitempty"`
}

// Empty reports whether the update carries no fields
func (u TransactionUpdate) Empty() bool {
	return u == TransactionUpdate{}
}

// Apply merges u into r in place
func (u TransactionUpdate) Apply(r *TransactionRecord) {
	if u.MessageID != nil {
		r.MessageID = *u.MessageID
	}
	if u.Timestamp != nil {
		r.Timestamp = *u.Timestamp
	}
	if u.TxType != nil {
		r.TxType = *u.TxType
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.From != nil {
		r.From = *u.From
	}
	if u.To != nil {
		r.To = *u.To
	}
	if u.ReceiptTransactionHash != nil {
		receipt := *u.ReceiptTransactionHash
		r.ReceiptTransactionHash = &receipt
	}
	if u.IsComplete != nil {
		r.IsComplete = *u.IsComplete
	}
	if u.SourceChainID != nil {
		r.SourceChainID = *u.SourceChainID
	}
	if u.DestinationChainID != nil {
		r.DestinationChainID = *u.DestinationChainID
	}
	if u.User != nil {
		r.User = *u.User
	}
	if u.ExecNonce != nil {
		nonce := *u.ExecNonce
		r.ExecNonce = &nonce
	}
}

// CheckState verifies the invariants that relate fields of one record
func (r *TransactionRecord) CheckState() error {
	if !r.TxType.Valid() {
		return fmt.Errorf("unknown txType %q", r.TxType)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.IsComplete && r.Status == TxStatusPending {
		return fmt.Errorf("record %s cannot be complete while pending", r.TxHash)
	}
	return nil
}
