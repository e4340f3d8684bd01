package service

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/config"
	"eigenl2/offchain/internal/eip712"
	"eigenl2/offchain/internal/envelope"
	"eigenl2/offchain/internal/metrics"
)

// DelegationReader is the delegation manager's read surface on L1
type DelegationReader interface {
	DelegationApprovalDigest(ctx context.Context, staker, operator, approver common.Address, salt [32]byte, expiry *big.Int) (common.Hash, error)
	DelegationApprover(ctx context.Context, operator common.Address) (common.Address, error)
}

// SigningConfig configures a SigningService
type SigningConfig struct {
	AgentDomainVersion string
	L1ChainID          *big.Int
	DelegationManager  common.Address
	DelegationTTL      time.Duration
	StrictDigestCheck  bool
}

// SigningService builds digests, obtains signatures and packs envelopes
type SigningService struct {
	cfg     SigningConfig
	keyring *config.OperatorKeyring
	reader  DelegationReader
	now     func() time.Time
	rand    io.Reader
	logger  *zap.Logger
}

// NewSigningService creates a new signing service. reader may be nil, which
// disables the on-chain approver and digest checks.
func NewSigningService(cfg SigningConfig, keyring *config.OperatorKeyring, reader DelegationReader, logger *zap.Logger) *SigningService {
	return &SigningService{
		cfg:     cfg,
		keyring: keyring,
		reader:  reader,
		now:     time.Now,
		rand:    rand.Reader,
		logger:  logger,
	}
}

// ==================== Agent execution ====================

// AgentExecutionParams is one execution request
type AgentExecutionParams struct {
	Signer    common.Address
	Agent     common.Address
	ChainID   *big.Int
	Target    common.Address
	Value     *big.Int
	Data      []byte
	ExecNonce *big.Int
	Expiry    *big.Int
}

// SignedExecution is the result of SignAgentExecution
type SignedExecution struct {
	Request   eip712.AgentExecution
	Digest    common.Hash
	Signature []byte // r ‖ s ‖ v, v in {27, 28}
	Envelope  []byte
}

func (s *SigningService) validateExecution(p *AgentExecutionParams) error {
	const op = "signing.agentExecution"
	switch {
	case p.Target == (common.Address{}):
		return apperrors.Validation(op, "target contract must not be the zero address")
	case p.Agent == (common.Address{}):
		return apperrors.Validation(op, "agent must not be the zero address")
	case p.Signer == (common.Address{}):
		return apperrors.Validation(op, "signer must not be the zero address")
	case p.ChainID == nil || p.ChainID.Sign() <= 0:
		return apperrors.Validation(op, "chain id must be positive")
	case p.ExecNonce == nil || p.ExecNonce.Sign() < 0:
		return apperrors.Validation(op, "exec nonce must be non-negative")
	case p.Expiry == nil || p.Expiry.Cmp(big.NewInt(s.now().Unix())) <= 0:
		return apperrors.Validation(op, "expiry must be in the future")
	case p.Value != nil && p.Value.Sign() < 0:
		return apperrors.Validation(op, "value must be non-negative")
	}
	return nil
}

// SignAgentExecution asks holder to sign the execution and packs the envelope.
// The holder may block on its owner; cancelling ctx abandons the request.
func (s *SigningService) SignAgentExecution(ctx context.Context, holder KeyHolder, p AgentExecutionParams) (*SignedExecution, error) {
	const op = "signing.agentExecution"

	if err := s.validateExecution(&p); err != nil {
		return nil, err
	}
	if holder.Address() != p.Signer {
		return nil, apperrors.Validation(op, "key holder %s cannot sign for %s", holder.Address().Hex(), p.Signer.Hex())
	}

	value := p.Value
	if value == nil {
		value = new(big.Int)
	}
	exec := eip712.AgentExecution{
		Target:    p.Target,
		Value:     value,
		Data:      p.Data,
		ExecNonce: p.ExecNonce,
		ChainID:   p.ChainID,
		Expiry:    p.Expiry,
	}
	domain := eip712.AgentDomain(s.cfg.AgentDomainVersion, p.ChainID, p.Agent)
	digest := exec.Digest(domain)

	sig, err := requestSignature(ctx, holder, exec.TypedData(domain))
	if err != nil {
		return nil, err
	}
	sig, err = envelope.NormalizeSignature(sig)
	if err != nil {
		return nil, err
	}

	recovered, err := envelope.RecoverSigner(digest, sig)
	if err != nil {
		return nil, err
	}
	if recovered != p.Signer {
		metrics.IntegrityViolations.WithLabelValues("agent_signature").Inc()
		s.logger.Error("Signature does not recover to the signer",
			zap.String("alert", "critical"),
			zap.String("signer", p.Signer.Hex()),
			zap.String("recovered", recovered.Hex()),
			zap.String("digest", digest.Hex()))
		return nil, apperrors.Integrity(op, "signature recovers to %s, expected %s", recovered.Hex(), p.Signer.Hex())
	}

	packed, err := envelope.Pack(p.Data, p.Signer, p.Expiry, sig)
	if err != nil {
		return nil, err
	}

	metrics.SignaturesIssued.WithLabelValues("agent_execution").Inc()
	s.logger.Info("Signed agent execution",
		zap.String("agent", p.Agent.Hex()),
		zap.String("target", p.Target.Hex()),
		zap.String("exec_nonce", p.ExecNonce.String()),
		zap.String("digest", digest.Hex()))

	return &SignedExecution{
		Request:   exec,
		Digest:    digest,
		Signature: sig,
		Envelope:  packed,
	}, nil
}

// requestSignature waits for the holder or for ctx, whichever comes first
func requestSignature(ctx context.Context, holder KeyHolder, data apitypes.TypedData) ([]byte, error) {
	const op = "signing.request"

	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := holder.SignTypedData(ctx, data)
		done <- result{sig: sig, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, apperrors.Declined(op, ctx.Err())
	case r := <-done:
		switch {
		case r.err == nil:
			return r.sig, nil
		case errors.Is(r.err, ErrSigningDeclined), errors.Is(r.err, context.Canceled):
			return nil, apperrors.Declined(op, r.err)
		default:
			return nil, apperrors.Wrap(apperrors.KindUnknown, op, r.err, "key holder failed")
		}
	}
}

// ==================== Delegation approval ====================

// DelegationRequest asks for an approval letting Staker delegate to Operator.
// Salt and Expiry are optional; a fixed salt is only meant for reproducible tests.
type DelegationRequest struct {
	Staker   common.Address
	Operator common.Address
	Expiry   *big.Int
	Salt     *[32]byte
}

// DelegationSignature is the signed approval
type DelegationSignature struct {
	Signature      hexutil.Bytes  `json:"signature"`
	DigestHash     common.Hash    `json:"digestHash"`
	Salt           common.Hash    `json:"salt"`
	Expiry         *big.Int       `json:"expiry"`
	ChainID        *big.Int       `json:"chainId"`
	Staker         common.Address `json:"staker"`
	Operator       common.Address `json:"operator"`
	Approver       common.Address `json:"approver"`
	DigestVerified bool           `json:"digestVerified"`
}

// SignDelegationApproval signs with the approver key registered for the operator.
// The local digest is cross-checked against the delegation manager's own digest function.
func (s *SigningService) SignDelegationApproval(ctx context.Context, req DelegationRequest) (*DelegationSignature, error) {
	const op = "signing.delegationApproval"

	if req.Staker == req.Operator {
		return nil, apperrors.Validation(op, "staker and operator must differ")
	}
	if req.Staker == (common.Address{}) || req.Operator == (common.Address{}) {
		return nil, apperrors.Validation(op, "staker and operator must not be the zero address")
	}

	key, ok := s.keyring.Lookup(req.Operator)
	if !ok {
		return nil, apperrors.Authorization(op, "operator %s is not registered", req.Operator.Hex())
	}
	holder := NewLocalKeyHolder(key)
	approver := holder.Address()
	if approver == req.Staker {
		return nil, apperrors.Validation(op, "staker must not be the delegation approver")
	}

	if err := s.checkApprover(ctx, req.Operator, approver); err != nil {
		return nil, err
	}

	now := s.now()
	expiry := req.Expiry
	if expiry == nil {
		expiry = big.NewInt(now.Add(s.cfg.DelegationTTL).Unix())
	} else if expiry.Cmp(big.NewInt(now.Unix())) <= 0 {
		return nil, apperrors.Validation(op, "expiry must be in the future")
	}

	var salt [32]byte
	if req.Salt != nil {
		salt = *req.Salt
	} else if _, err := io.ReadFull(s.rand, salt[:]); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnknown, op, err, "failed to generate salt")
	}

	approval := eip712.DelegationApproval{
		Approver: approver,
		Staker:   req.Staker,
		Operator: req.Operator,
		Salt:     salt,
		Expiry:   expiry,
	}
	domain := eip712.DelegationDomain(s.cfg.L1ChainID, s.cfg.DelegationManager)
	digest := approval.Digest(domain)

	verified, err := s.crossCheckDigest(ctx, approval, digest)
	if err != nil {
		return nil, err
	}

	sig, err := requestSignature(ctx, holder, approval.TypedData(domain))
	if err != nil {
		return nil, err
	}
	sig, err = envelope.NormalizeSignature(sig)
	if err != nil {
		return nil, err
	}

	metrics.SignaturesIssued.WithLabelValues("delegation_approval").Inc()
	s.logger.Info("Signed delegation approval",
		zap.String("staker", req.Staker.Hex()),
		zap.String("operator", req.Operator.Hex()),
		zap.String("approver", approver.Hex()),
		zap.String("digest", digest.Hex()),
		zap.Bool("digest_verified", verified))

	return &DelegationSignature{
		Signature:      sig,
		DigestHash:     digest,
		Salt:           common.Hash(salt),
		Expiry:         expiry,
		ChainID:        new(big.Int).Set(s.cfg.L1ChainID),
		Staker:         req.Staker,
		Operator:       req.Operator,
		Approver:       approver,
		DigestVerified: verified,
	}, nil
}

// checkApprover compares the registered key with the approver the delegation manager expects
func (s *SigningService) checkApprover(ctx context.Context, operator, approver common.Address) error {
	if s.reader == nil {
		return nil
	}
	onChain, err := s.reader.DelegationApprover(ctx, operator)
	if err != nil {
		s.logger.Warn("Could not read delegation approver, continuing with registered key",
			zap.String("operator", operator.Hex()), zap.Error(err))
		return nil
	}
	if onChain != (common.Address{}) && onChain != approver {
		return apperrors.Authorization("signing.delegationApproval",
			"operator %s expects approver %s, registered key is %s", operator.Hex(), onChain.Hex(), approver.Hex())
	}
	return nil
}

// crossCheckDigest recomputes the digest with the delegation manager. A mismatch is
// logged as critical; it only aborts when strict checking is enabled.
func (s *SigningService) crossCheckDigest(ctx context.Context, approval eip712.DelegationApproval, local common.Hash) (bool, error) {
	if s.reader == nil {
		return false, nil
	}
	remote, err := s.reader.DelegationApprovalDigest(ctx, approval.Staker, approval.Operator, approval.Approver, approval.Salt, approval.Expiry)
	if err != nil {
		s.logger.Warn("Could not cross-check delegation digest",
			zap.String("operator", approval.Operator.Hex()), zap.Error(err))
		return false, nil
	}
	if remote == local {
		return true, nil
	}

	metrics.DelegationDigestMismatches.Inc()
	metrics.IntegrityViolations.WithLabelValues("delegation_digest").Inc()
	s.logger.Error("Delegation digest mismatch",
		zap.String("alert", "critical"),
		zap.String("local_digest", local.Hex()),
		zap.String("contract_digest", remote.Hex()),
		zap.String("staker", approval.Staker.Hex()),
		zap.String("operator", approval.Operator.Hex()))

	if s.cfg.StrictDigestCheck {
		return false, apperrors.Integrity("signing.delegationApproval",
			"local digest %s differs from contract digest %s", local.Hex(), remote.Hex())
	}
	return false, nil
}
