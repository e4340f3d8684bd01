// Package envelope packs signed agent executions and the bridge dispatch call that carries them.
package envelope

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"eigenl2/offchain/internal/apperrors"
)

const (
	SignatureLength = 65
	wordLength      = 32
	trailerLength   = wordLength + wordLength + SignatureLength
)

// SignedEnvelope is call data plus the authorization the receiving agent verifies.
// Wire form: data ‖ pad32(signer) ‖ uint256(expiry) ‖ r ‖ s ‖ v, v ∈ {27, 28}.
type SignedEnvelope struct {
	Data      []byte
	Signer    common.Address
	Expiry    *big.Int
	Signature []byte
}

// NormalizeSignature returns a copy of sig with the recovery id stored as 27 or 28.
// Signers differ on whether they emit 0/1 or 27/28; the verifier only accepts the latter.
func NormalizeSignature(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, apperrors.Validation("envelope.normalize", "signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	out := make([]byte, SignatureLength)
	copy(out, sig)
	switch v := out[64]; v {
	case 0, 1:
		out[64] = v + 27
	case 27, 28:
	default:
		return nil, apperrors.Validation("envelope.normalize", "unsupported recovery id %d", v)
	}
	return out, nil
}

// Pack builds the envelope bytes
func Pack(data []byte, signer common.Address, expiry *big.Int, sig []byte) ([]byte, error) {
	if expiry == nil || expiry.Sign() < 0 || expiry.BitLen() > 256 {
		return nil, apperrors.Validation("envelope.pack", "expiry must be a uint256")
	}
	normalized, err := NormalizeSignature(sig)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(data)+trailerLength)
	out = append(out, data...)
	out = append(out, common.LeftPadBytes(signer.Bytes(), wordLength)...)
	out = append(out, math.U256Bytes(new(big.Int).Set(expiry))...)
	out = append(out, normalized...)
	return out, nil
}

// Bytes packs e
func (e SignedEnvelope) Bytes() ([]byte, error) {
	return Pack(e.Data, e.Signer, e.Expiry, e.Signature)
}

// Unpack splits envelope bytes back into their parts
func Unpack(b []byte) (*SignedEnvelope, error) {
	if len(b) < trailerLength {
		return nil, apperrors.Validation("envelope.unpack", "envelope is %d bytes, need at least %d", len(b), trailerLength)
	}
	dataLen := len(b) - trailerLength
	signerWord := b[dataLen : dataLen+wordLength]
	for _, pad := range signerWord[:wordLength-common.AddressLength] {
		if pad != 0 {
			return nil, apperrors.Validation("envelope.unpack", "signer word is not a left-padded address")
		}
	}

	env := &SignedEnvelope{
		Data:      append([]byte{}, b[:dataLen]...),
		Signer:    common.BytesToAddress(signerWord),
		Expiry:    new(big.Int).SetBytes(b[dataLen+wordLength : dataLen+2*wordLength]),
		Signature: append([]byte{}, b[dataLen+2*wordLength:]...),
	}
	return env, nil
}

// RecoverSigner recovers the address that produced sig over digest, the way
// the verifying contract's ecrecover does. Both recovery id encodings are accepted.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	normalized, err := NormalizeSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	normalized[64] -= 27

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, apperrors.Validation("envelope.recover", "signature values out of range")
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, apperrors.Wrap(apperrors.KindValidation, "envelope.recover", err, "failed to recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
