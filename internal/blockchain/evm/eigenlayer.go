package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/config"
)

// AgentFactoryABI is the part of the agent factory the service reads
const AgentFactoryABI = `[
	{
		"inputs": [{"internalType": "address", "name": "user", "type": "address"}],
		"name": "getEigenAgent",
		"outputs": [{"internalType": "contract IEigenAgent6551", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// EigenAgentABI is the part of an agent account the service reads
const EigenAgentABI = `[
	{
		"inputs": [],
		"name": "execNonce",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// DelegationManagerABI covers approval digests, approver lookup and the calls agents make
const DelegationManagerABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "staker", "type": "address"},
			{"internalType": "address", "name": "operator", "type": "address"},
			{"internalType": "address", "name": "_delegationApprover", "type": "address"},
			{"internalType": "bytes32", "name": "approverSalt", "type": "bytes32"},
			{"internalType": "uint256", "name": "expiry", "type": "uint256"}
		],
		"name": "calculateDelegationApprovalDigestHash",
		"outputs": [{"internalType": "bytes32", "name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "operator", "type": "address"}],
		"name": "delegationApprover",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "operator", "type": "address"},
			{"components": [
				{"internalType": "bytes", "name": "signature", "type": "bytes"},
				{"internalType": "uint256", "name": "expiry", "type": "uint256"}
			], "internalType": "struct ISignatureUtils.SignatureWithExpiry", "name": "approverSignatureAndExpiry", "type": "tuple"},
			{"internalType": "bytes32", "name": "approverSalt", "type": "bytes32"}
		],
		"name": "delegateTo",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "staker", "type": "address"}],
		"name": "undelegate",
		"outputs": [{"internalType": "bytes32[]", "name": "withdrawalRoots", "type": "bytes32[]"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// StrategyManagerABI covers the deposit call agents make
const StrategyManagerABI = `[
	{
		"inputs": [
			{"internalType": "contract IStrategy", "name": "strategy", "type": "address"},
			{"internalType": "contract IERC20", "name": "token", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "depositIntoStrategy",
		"outputs": [{"internalType": "uint256", "name": "shares", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var (
	agentFactoryABI      = mustParseABI("agent factory", AgentFactoryABI)
	eigenAgentABI        = mustParseABI("eigen agent", EigenAgentABI)
	delegationManagerABI = mustParseABI("delegation manager", DelegationManagerABI)
	strategyManagerABI   = mustParseABI("strategy manager", StrategyManagerABI)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse %s ABI: %v", name, err))
	}
	return parsed
}

// ContractReader is the read path EigenLayer needs from a chain client
type ContractReader interface {
	ReadContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	IsContractDeployed(ctx context.Context, address common.Address) (bool, error)
}

// EigenLayer reads agent and delegation state from the L1 contracts
type EigenLayer struct {
	reader            ContractReader
	agentFactory      common.Address
	delegationManager common.Address
	logger            *zap.Logger
}

// NewEigenLayer creates a reader for the contracts configured in chainCfg
func NewEigenLayer(reader ContractReader, chainCfg *config.ChainConfig, logger *zap.Logger) (*EigenLayer, error) {
	if !common.IsHexAddress(chainCfg.AgentFactoryAddress) {
		return nil, fmt.Errorf("invalid agent factory address %q", chainCfg.AgentFactoryAddress)
	}
	if !common.IsHexAddress(chainCfg.DelegationManagerAddress) {
		return nil, fmt.Errorf("invalid delegation manager address %q", chainCfg.DelegationManagerAddress)
	}
	return &EigenLayer{
		reader:            reader,
		agentFactory:      common.HexToAddress(chainCfg.AgentFactoryAddress),
		delegationManager: common.HexToAddress(chainCfg.DelegationManagerAddress),
		logger:            logger,
	}, nil
}

// call packs method, reads it from to and unpacks the single return value
func (e *EigenLayer) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) (interface{}, error) {
	op := "eigenlayer." + method

	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	raw, err := e.reader.ReadContract(ctx, to, data)
	if err != nil {
		return nil, err
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		// An empty result usually means there is no contract at the address
		return nil, apperrors.Wrap(apperrors.KindRevert, op, err, "failed to decode result")
	}
	if len(out) != 1 {
		return nil, apperrors.Wrap(apperrors.KindRevert, op, nil, fmt.Sprintf("expected 1 return value, got %d", len(out)))
	}
	return out[0], nil
}

// AgentOf returns the user's agent, or the zero address when none is deployed
func (e *EigenLayer) AgentOf(ctx context.Context, user common.Address) (common.Address, error) {
	out, err := e.call(ctx, agentFactoryABI, e.agentFactory, "getEigenAgent", user)
	if err != nil {
		return common.Address{}, err
	}
	agent, ok := out.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected getEigenAgent result %T", out)
	}
	return agent, nil
}

// Deployed reports whether code exists at agent. A predicted agent has an
// address before the factory mints it on the first deposit.
func (e *EigenLayer) Deployed(ctx context.Context, agent common.Address) (bool, error) {
	return e.reader.IsContractDeployed(ctx, agent)
}

// ExecNonce returns the agent's current execution nonce
func (e *EigenLayer) ExecNonce(ctx context.Context, agent common.Address) (*big.Int, error) {
	out, err := e.call(ctx, eigenAgentABI, agent, "execNonce")
	if err != nil {
		return nil, err
	}
	nonce, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected execNonce result %T", out)
	}
	return nonce, nil
}

// DelegationApprovalDigest asks the delegation manager for the digest the approver must sign
func (e *EigenLayer) DelegationApprovalDigest(ctx context.Context, staker, operator, approver common.Address, salt [32]byte, expiry *big.Int) (common.Hash, error) {
	out, err := e.call(ctx, delegationManagerABI, e.delegationManager,
		"calculateDelegationApprovalDigestHash", staker, operator, approver, salt, expiry)
	if err != nil {
		return common.Hash{}, err
	}
	digest, ok := out.([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unexpected digest result %T", out)
	}
	return common.Hash(digest), nil
}

// DelegationApprover returns the approver registered for operator, zero when approvals are open
func (e *EigenLayer) DelegationApprover(ctx context.Context, operator common.Address) (common.Address, error) {
	out, err := e.call(ctx, delegationManagerABI, e.delegationManager, "delegationApprover", operator)
	if err != nil {
		return common.Address{}, err
	}
	approver, ok := out.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected delegationApprover result %T", out)
	}
	return approver, nil
}

// ==================== Inner calls ====================

// EncodeDepositIntoStrategy encodes StrategyManager.depositIntoStrategy
func EncodeDepositIntoStrategy(strategy, token common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, apperrors.Validation("eigenlayer.depositIntoStrategy", "amount must be positive")
	}
	return strategyManagerABI.Pack("depositIntoStrategy", strategy, token, amount)
}

// EncodeUndelegate encodes DelegationManager.undelegate
func EncodeUndelegate(staker common.Address) ([]byte, error) {
	return delegationManagerABI.Pack("undelegate", staker)
}

type signatureWithExpiry struct {
	Signature []byte
	Expiry    *big.Int
}

// EncodeDelegateTo encodes DelegationManager.delegateTo with an approver signature
func EncodeDelegateTo(operator common.Address, approverSignature []byte, expiry *big.Int, salt [32]byte) ([]byte, error) {
	if expiry == nil {
		expiry = new(big.Int)
	}
	return delegationManagerABI.Pack("delegateTo", operator,
		signatureWithExpiry{Signature: approverSignature, Expiry: expiry}, salt)
}
