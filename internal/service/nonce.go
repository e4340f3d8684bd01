package service

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/metrics"
)

// AgentReader reads agent state from L1
type AgentReader interface {
	// AgentOf returns the user's agent, or the zero address when none is deployed
	AgentOf(ctx context.Context, user common.Address) (common.Address, error)
	// Deployed reports whether code exists at agent
	Deployed(ctx context.Context, agent common.Address) (bool, error)
	// ExecNonce returns the agent's current execution nonce
	ExecNonce(ctx context.Context, agent common.Address) (*big.Int, error)
}

// NonceLedger is the ledger side of nonce reconciliation
type NonceLedger interface {
	LatestExecNonce(ctx context.Context, user string) (*int64, error)
}

// NonceState is the reconciled next nonce for an agent
type NonceState struct {
	User      common.Address `json:"user"`
	Agent     common.Address `json:"agent"`
	Deployed  bool           `json:"deployed"`
	LocalNext uint64         `json:"localNext"`
	OnChain   uint64         `json:"onChain"`
	Next      uint64         `json:"nextNonce"`
	Degraded  []string       `json:"degraded,omitempty"` // sources that were unavailable and counted as 0
}

// NonceReconciler merges the ledger's next nonce with the agent's on-chain nonce
type NonceReconciler struct {
	ledger NonceLedger
	chain  AgentReader
	logger *zap.Logger
}

// NewNonceReconciler creates a new nonce reconciler
func NewNonceReconciler(ledger NonceLedger, chain AgentReader, logger *zap.Logger) *NonceReconciler {
	return &NonceReconciler{
		ledger: ledger,
		chain:  chain,
		logger: logger,
	}
}

// NextNonce resolves the nonce the next signed execution must carry.
// When agent is the zero address it is looked up from the factory. An agent
// that is not deployed yet, whether the factory has none or a predicted
// address has no code, starts at 0. Either nonce source failing counts as 0
// and is reported in Degraded rather than failing the call.
func (r *NonceReconciler) NextNonce(ctx context.Context, user, agent common.Address) (*NonceState, error) {
	if user == (common.Address{}) {
		return nil, apperrors.Validation("nonce.next", "user must not be the zero address")
	}
	state := &NonceState{User: user, Agent: agent}

	if agent == (common.Address{}) {
		found, err := r.chain.AgentOf(ctx, user)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Without the agent there is no on-chain counter to read; the ledger still applies.
			r.logger.Warn("Agent lookup failed, using ledger nonce only",
				zap.String("user", user.Hex()), zap.Error(err))
			metrics.NonceSourceFailures.WithLabelValues("agent_lookup").Inc()
			state.Degraded = append(state.Degraded, "agent_lookup")
		case found == (common.Address{}):
			return state, nil
		default:
			// The factory only knows minted agents.
			state.Agent = found
			state.Deployed = true
		}
	} else {
		deployed, err := r.chain.Deployed(ctx, agent)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("Agent code check failed, reading its nonce anyway",
				zap.String("agent", agent.Hex()), zap.Error(err))
			metrics.NonceSourceFailures.WithLabelValues("code_check").Inc()
			state.Degraded = append(state.Degraded, "code_check")
			state.Deployed = true
		case !deployed:
			r.logger.Debug("Agent not deployed yet, nonce starts at 0",
				zap.String("user", user.Hex()), zap.String("agent", agent.Hex()))
			return state, nil
		default:
			state.Deployed = true
		}
	}

	var (
		localNext, onChain uint64
		ledgerErr, chainErr error
	)
	// Sources report failures through ledgerErr and chainErr rather than the
	// group so that one failing source does not cancel the other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		latest, err := r.ledger.LatestExecNonce(gctx, user.Hex())
		if err != nil {
			ledgerErr = err
			return nil
		}
		localNext = NextNonceFromLatest(latest)
		return nil
	})
	if state.Deployed {
		g.Go(func() error {
			nonce, err := r.chain.ExecNonce(gctx, state.Agent)
			if err != nil {
				chainErr = err
				return nil
			}
			if !nonce.IsUint64() {
				chainErr = apperrors.Integrity("nonce.next", "on-chain nonce %s out of range", nonce)
				return nil
			}
			onChain = nonce.Uint64()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ledgerErr != nil {
		r.logger.Warn("Ledger nonce unavailable, counting as 0",
			zap.String("user", user.Hex()), zap.Error(ledgerErr))
		metrics.NonceSourceFailures.WithLabelValues("ledger").Inc()
		state.Degraded = append(state.Degraded, "ledger")
	}
	if chainErr != nil {
		r.logger.Warn("On-chain nonce unavailable, counting as 0",
			zap.String("agent", state.Agent.Hex()), zap.Error(chainErr))
		metrics.NonceSourceFailures.WithLabelValues("chain").Inc()
		state.Degraded = append(state.Degraded, "chain")
	}

	state.LocalNext = localNext
	state.OnChain = onChain
	state.Next = maxNonce(localNext, onChain)

	r.logger.Debug("Reconciled exec nonce",
		zap.String("user", user.Hex()),
		zap.String("agent", state.Agent.Hex()),
		zap.Uint64("local_next", localNext),
		zap.Uint64("on_chain", onChain),
		zap.Uint64("next", state.Next))
	return state, nil
}

func maxNonce(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
