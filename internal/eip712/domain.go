package eip712

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// AgentDomainName is the EIP-712 name of the agent contracts
	AgentDomainName = "EigenAgent"
	// DelegationDomainName and DelegationDomainVersion identify the delegation manager domain
	DelegationDomainName    = "EigenLayer"
	DelegationDomainVersion = "v1"

	domainTypeSignature = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
)

var domainTypeHash = crypto.Keccak256Hash([]byte(domainTypeSignature))

// domainFields is the EIP712Domain type as handed to a key holder
var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Domain is an EIP-712 signing domain
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// AgentDomain returns the domain an EigenAgent verifies execution signatures under.
// version is the major version of the deployed agent contracts.
func AgentDomain(version string, chainID *big.Int, agent common.Address) Domain {
	return Domain{
		Name:              AgentDomainName,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: agent,
	}
}

// DelegationDomain returns the delegation manager's approval domain
func DelegationDomain(chainID *big.Int, delegationManager common.Address) Domain {
	return Domain{
		Name:              DelegationDomainName,
		Version:           DelegationDomainVersion,
		ChainID:           chainID,
		VerifyingContract: delegationManager,
	}
}

// Separator computes the domain separator
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		uint256Word(d.ChainID),
		addressWord(d.VerifyingContract),
	)
}

func (d Domain) typedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(bigOrZero(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// Digest returns keccak256(0x1901 ‖ domainSeparator ‖ structHash)
func Digest(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

func bigOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// uint256Word encodes x as a 32 byte big-endian word, two's complement for negatives
func uint256Word(x *big.Int) []byte {
	return math.U256Bytes(bigOrZero(x))
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func decimal(x *big.Int) string {
	return bigOrZero(x).String()
}
