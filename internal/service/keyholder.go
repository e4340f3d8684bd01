package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrSigningDeclined is returned by a KeyHolder whose owner refused the request
var ErrSigningDeclined = errors.New("signing declined by key holder")

// KeyHolder produces EIP-712 signatures. Implementations may block until a
// human approves the request and must return when ctx is done.
type KeyHolder interface {
	Address() common.Address
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// LocalKeyHolder signs with an in-process private key
type LocalKeyHolder struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalKeyHolder creates a key holder for key
func NewLocalKeyHolder(key *ecdsa.PrivateKey) *LocalKeyHolder {
	return &LocalKeyHolder{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (h *LocalKeyHolder) Address() common.Address {
	return h.address
}

// SignTypedData returns r ‖ s ‖ v with v in {27, 28}
func (h *LocalKeyHolder) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, h.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
