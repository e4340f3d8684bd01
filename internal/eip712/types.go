package eip712

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	AgentExecutionPrimaryType     = "ExecuteWithSignature"
	DelegationApprovalPrimaryType = "DelegationApproval"

	agentExecutionTypeSignature     = "ExecuteWithSignature(address target,uint256 value,bytes data,uint256 execNonce,uint256 chainId,uint256 expiry)"
	delegationApprovalTypeSignature = "DelegationApproval(address delegationApprover,address staker,address operator,bytes32 salt,uint256 expiry)"
)

var (
	agentExecutionTypeHash     = crypto.Keccak256Hash([]byte(agentExecutionTypeSignature))
	delegationApprovalTypeHash = crypto.Keccak256Hash([]byte(delegationApprovalTypeSignature))
)

// AgentExecution is a call an EigenAgent executes on behalf of its owner
type AgentExecution struct {
	Target    common.Address
	Value     *big.Int
	Data      []byte
	ExecNonce *big.Int
	ChainID   *big.Int // chain where the agent lives and verifies the signature
	Expiry    *big.Int
}

// StructHash commits to keccak256(Data), not the raw bytes
func (a AgentExecution) StructHash() common.Hash {
	return crypto.Keccak256Hash(
		agentExecutionTypeHash.Bytes(),
		addressWord(a.Target),
		uint256Word(a.Value),
		crypto.Keccak256(a.Data),
		uint256Word(a.ExecNonce),
		uint256Word(a.ChainID),
		uint256Word(a.Expiry),
	)
}

// Digest is the hash the owner signs
func (a AgentExecution) Digest(domain Domain) common.Hash {
	return Digest(domain.Separator(), a.StructHash())
}

// TypedData is the exact field set requested from the key holder
func (a AgentExecution) TypedData(domain Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			AgentExecutionPrimaryType: {
				{Name: "target", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "execNonce", Type: "uint256"},
				{Name: "chainId", Type: "uint256"},
				{Name: "expiry", Type: "uint256"},
			},
		},
		PrimaryType: AgentExecutionPrimaryType,
		Domain:      domain.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"target":    a.Target.Hex(),
			"value":     decimal(a.Value),
			"data":      hexutil.Bytes(append([]byte{}, a.Data...)),
			"execNonce": decimal(a.ExecNonce),
			"chainId":   decimal(a.ChainID),
			"expiry":    decimal(a.Expiry),
		},
	}
}

// DelegationApproval authorizes Staker to delegate to Operator, signed by the operator's approver
type DelegationApproval struct {
	Approver common.Address
	Staker   common.Address
	Operator common.Address
	Salt     [32]byte
	Expiry   *big.Int
}

func (d DelegationApproval) StructHash() common.Hash {
	return crypto.Keccak256Hash(
		delegationApprovalTypeHash.Bytes(),
		addressWord(d.Approver),
		addressWord(d.Staker),
		addressWord(d.Operator),
		d.Salt[:],
		uint256Word(d.Expiry),
	)
}

func (d DelegationApproval) Digest(domain Domain) common.Hash {
	return Digest(domain.Separator(), d.StructHash())
}

func (d DelegationApproval) TypedData(domain Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			DelegationApprovalPrimaryType: {
				{Name: "delegationApprover", Type: "address"},
				{Name: "staker", Type: "address"},
				{Name: "operator", Type: "address"},
				{Name: "salt", Type: "bytes32"},
				{Name: "expiry", Type: "uint256"},
			},
		},
		PrimaryType: DelegationApprovalPrimaryType,
		Domain:      domain.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"delegationApprover": d.Approver.Hex(),
			"staker":             d.Staker.Hex(),
			"operator":           d.Operator.Hex(),
			"salt":               hexutil.Bytes(d.Salt[:]),
			"expiry":             decimal(d.Expiry),
		},
	}
}
