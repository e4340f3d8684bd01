package api

// ==================== Nonces ====================

// ExecNonceResponse is the ledger's view of an agent's exec nonce
type ExecNonceResponse struct {
	AgentAddress string `json:"agentAddress"`
	LatestNonce  *int64 `json:"latestNonce"`
	NextNonce    uint64 `json:"nextNonce"`
}

// ==================== Delegation ====================

// DelegationSignRequest asks for an operator's delegation approval
type DelegationSignRequest struct {
	Staker   string `json:"staker"`
	Operator string `json:"operator"`
	Expiry   *int64 `json:"expiry,omitempty"` // unix seconds; defaults to now + TTL
}

// ==================== Ledger ====================

// ClearResponse reports how many records were deleted
type ClearResponse struct {
	Deleted int64 `json:"deleted"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
