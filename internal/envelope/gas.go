package envelope

import (
	"math/big"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/models"
)

// Destination-chain gas limits for the inner call each dispatch carries
var gasLimits = map[models.TxType]uint64{
	models.TxTypeDeposit:            560_000,
	models.TxTypeQueueWithdrawal:    520_000,
	models.TxTypeCompleteWithdrawal: 630_000,
	models.TxTypeProcessClaim:       720_000,
	models.TxTypeDelegateTo:         600_000,
	models.TxTypeUndelegate:         400_000,
	models.TxTypeRedelegate:         700_000,
	models.TxTypeOther:              500_000,
}

// AgentMintGasOverhead covers deploying the agent on a user's first deposit
const AgentMintGasOverhead = 250_000

// GasLimitFor returns the L1 gas limit for a dispatch of the given type
func GasLimitFor(txType models.TxType) (*big.Int, error) {
	if txType.BridgesToL2() {
		return nil, apperrors.Validation("envelope.gas", "%s originates on L1 and is never dispatched from L2", txType)
	}
	limit, ok := gasLimits[txType]
	if !ok {
		return nil, apperrors.Validation("envelope.gas", "unknown txType %q", txType)
	}
	return new(big.Int).SetUint64(limit), nil
}

// GasLimitForFirstDeposit is the deposit limit plus the agent mint overhead
func GasLimitForFirstDeposit() *big.Int {
	return new(big.Int).SetUint64(gasLimits[models.TxTypeDeposit] + AgentMintGasOverhead)
}
