package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/blockchain/evm"
	"eigenl2/offchain/internal/config"
	"eigenl2/offchain/internal/envelope"
	"eigenl2/offchain/internal/models"
	"eigenl2/offchain/internal/retry"
	"eigenl2/offchain/internal/service"
)

type app struct {
	cfg    *config.Config
	opts   *options
	keyHex string
	holder *service.LocalKeyHolder
	ledger *ledgerClient
	l1     *evm.Client
	nonces *service.NonceReconciler
	signer *service.SigningService
	logger *zap.Logger
}

func newApp(cfg *config.Config, opts *options, logger *zap.Logger) (*app, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(os.Getenv(opts.keyEnv)), "0x")
	if keyHex == "" {
		return nil, fmt.Errorf("%s is not set", opts.keyEnv)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %s: %w", opts.keyEnv, err)
	}

	policy := retry.DefaultPolicy()
	l1, err := evm.NewClient(&cfg.L1, "", policy, logger.Named("l1"))
	if err != nil {
		return nil, err
	}
	eigen, err := evm.NewEigenLayer(l1, &cfg.L1, logger.Named("eigenlayer"))
	if err != nil {
		l1.Close()
		return nil, err
	}

	ledger := newLedgerClient(opts.server, 15*time.Second)
	return &app{
		cfg:    cfg,
		opts:   opts,
		keyHex: keyHex,
		holder: service.NewLocalKeyHolder(key),
		ledger: ledger,
		l1:     l1,
		nonces: service.NewNonceReconciler(ledger, eigen, logger.Named("nonce")),
		signer: service.NewSigningService(service.SigningConfig{
			AgentDomainVersion: cfg.Agent.DomainVersion,
			L1ChainID:          big.NewInt(cfg.L1.ChainID),
		}, nil, nil, logger.Named("signing")),
		logger: logger,
	}, nil
}

func (a *app) Close() {
	a.l1.Close()
}

func (a *app) agentOverride() (common.Address, error) {
	if a.opts.agent == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(a.opts.agent) {
		return common.Address{}, apperrors.Validation("agentctl", "invalid --agent %q", a.opts.agent)
	}
	return common.HexToAddress(a.opts.agent), nil
}

func (a *app) nonceState(ctx context.Context) (*service.NonceState, error) {
	agent, err := a.agentOverride()
	if err != nil {
		return nil, err
	}
	return a.nonces.NextNonce(ctx, a.holder.Address(), agent)
}

func (a *app) printNonce(ctx context.Context, out io.Writer) error {
	state, err := a.nonceState(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, state)
}

// dispatchOutput is what execute prints
type dispatchOutput struct {
	TxType    models.TxType `json:"txType"`
	User      string        `json:"user"`
	Agent     string        `json:"agent"`
	ExecNonce uint64        `json:"execNonce"`
	Digest    string        `json:"digest"`
	Envelope  string        `json:"envelope"`
	Calldata  string        `json:"calldata,omitempty"`
	TxHash    string        `json:"txHash,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
	Recorded  bool          `json:"recorded"`
}

// execute signs the inner call, dispatches it from L2 and records it in the ledger
func (a *app) execute(ctx context.Context, out io.Writer) error {
	state, err := a.nonceState(ctx)
	if err != nil {
		return err
	}
	if state.Agent == (common.Address{}) {
		return apperrors.Validation("agentctl", "%s has no agent yet; pass --agent with its predicted address", state.User.Hex())
	}
	for _, source := range state.Degraded {
		a.logger.Warn("Nonce source unavailable, counted as 0", zap.String("source", source))
	}

	call, err := buildCall(a.opts, a.cfg, state.Agent)
	if err != nil {
		return err
	}

	signed, err := a.signer.SignAgentExecution(ctx, a.holder, service.AgentExecutionParams{
		Signer:    a.holder.Address(),
		Agent:     state.Agent,
		ChainID:   big.NewInt(a.cfg.L1.ChainID),
		Target:    call.target,
		Data:      call.data,
		ExecNonce: new(big.Int).SetUint64(state.Next),
		Expiry:    big.NewInt(time.Now().Add(a.opts.ttl).Unix()),
	})
	if err != nil {
		return err
	}

	gasLimit, err := dispatchGasLimit(call.txType, state.Deployed)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(a.cfg.L1.ReceiverAddress) {
		return apperrors.Validation("agentctl", "L1_RECEIVER_ADDRESS %q is not an address", a.cfg.L1.ReceiverAddress)
	}
	params := envelope.DispatchParams{
		DestinationChainSelector: a.cfg.L1.CCIPChainSelector,
		Receiver:                 common.HexToAddress(a.cfg.L1.ReceiverAddress),
		Message:                  signed.Envelope,
		TokenAmounts:             call.tokenAmounts,
		GasLimit:                 gasLimit,
	}

	result := dispatchOutput{
		TxType:    call.txType,
		User:      state.User.Hex(),
		Agent:     state.Agent.Hex(),
		ExecNonce: state.Next,
		Digest:    signed.Digest.Hex(),
		Envelope:  hexutil.Encode(signed.Envelope),
	}

	if a.opts.dryRun {
		calldata, err := envelope.EncodeDispatch(params)
		if err != nil {
			return err
		}
		result.Calldata = hexutil.Encode(calldata)
		return writeJSON(out, result)
	}

	fee, ok := new(big.Int).SetString(a.opts.fee, 10)
	if !ok || fee.Sign() < 0 {
		return apperrors.Validation("agentctl", "invalid --fee %q", a.opts.fee)
	}

	l2, err := evm.NewClient(&a.cfg.L2, a.keyHex, retry.DefaultPolicy(), a.logger.Named("l2"))
	if err != nil {
		return err
	}
	defer l2.Close()

	sender, err := evm.NewSender(l2, &a.cfg.L2, a.logger.Named("sender"))
	if err != nil {
		return err
	}
	dispatched, err := sender.DispatchAndWait(ctx, params, fee, a.opts.timeout)
	if err != nil {
		return err
	}
	result.TxHash = dispatched.TxHash.Hex()
	result.MessageID = dispatched.MessageID.Hex()

	if _, err := a.ledger.Record(ctx, pendingRecord(a.cfg, call.txType, state, dispatched, a.cfg.L2.SenderAddress)); err != nil {
		// The dispatch is on chain; the record can be posted again by hand.
		a.logger.Error("Failed to record dispatch in ledger",
			zap.String("tx_hash", result.TxHash),
			zap.String("message_id", result.MessageID),
			zap.Error(err))
		_ = writeJSON(out, result)
		return err
	}
	result.Recorded = true
	return writeJSON(out, result)
}

// dispatchGasLimit adds the mint overhead when a deposit will create the agent
func dispatchGasLimit(txType models.TxType, agentDeployed bool) (*big.Int, error) {
	if txType == models.TxTypeDeposit && !agentDeployed {
		return envelope.GasLimitForFirstDeposit(), nil
	}
	return envelope.GasLimitFor(txType)
}

// innerCall is the call the agent will make on L1
type innerCall struct {
	txType       models.TxType
	target       common.Address
	data         []byte
	tokenAmounts []envelope.TokenAmount
}

func buildCall(opts *options, cfg *config.Config, agent common.Address) (*innerCall, error) {
	const op = "agentctl.call"

	switch opts.command {
	case commandDeposit:
		strategy, err := hexAddress("--strategy", opts.strategy)
		if err != nil {
			return nil, err
		}
		token, err := hexAddress("--token", opts.token)
		if err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(opts.amount, 10)
		if !ok {
			return nil, apperrors.Validation(op, "invalid --amount %q", opts.amount)
		}
		target, err := hexAddress("L1_STRATEGY_MANAGER_ADDRESS", cfg.L1.StrategyManagerAddress)
		if err != nil {
			return nil, err
		}
		data, err := evm.EncodeDepositIntoStrategy(strategy, token, amount)
		if err != nil {
			return nil, err
		}
		call := &innerCall{txType: models.TxTypeDeposit, target: target, data: data}
		if opts.bridgeToken != "" {
			bridgeToken, err := hexAddress("--bridge-token", opts.bridgeToken)
			if err != nil {
				return nil, err
			}
			call.tokenAmounts = []envelope.TokenAmount{{Token: bridgeToken, Amount: amount}}
		}
		return call, nil

	case commandUndelegate:
		target, err := hexAddress("L1_DELEGATION_MANAGER_ADDRESS", cfg.L1.DelegationManagerAddress)
		if err != nil {
			return nil, err
		}
		// The agent holds the stake, so it is the staker being undelegated.
		data, err := evm.EncodeUndelegate(agent)
		if err != nil {
			return nil, err
		}
		return &innerCall{txType: models.TxTypeUndelegate, target: target, data: data}, nil
	}
	return nil, apperrors.Validation(op, "command %q does not dispatch", opts.command)
}

func pendingRecord(cfg *config.Config, txType models.TxType, state *service.NonceState, dispatched *evm.DispatchResult, sender string) models.TransactionInput {
	messageID := dispatched.MessageID.Hex()
	status := models.TxStatusPending
	timestamp := time.Now().Unix()
	from := state.User.Hex()
	user := state.User.Hex()
	nonce := int64(state.Next)
	source := cfg.L2.ChainID
	dest := cfg.L1.ChainID
	return models.TransactionInput{
		TxHash:             dispatched.TxHash.Hex(),
		MessageID:          &messageID,
		Timestamp:          &timestamp,
		TxType:             &txType,
		Status:             &status,
		From:               &from,
		To:                 &sender,
		SourceChainID:      &source,
		DestinationChainID: &dest,
		User:               &user,
		ExecNonce:          &nonce,
	}
}

func hexAddress(name, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, apperrors.Validation("agentctl", "%s %q is not an address", name, value)
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, apperrors.Validation("agentctl", "%s must not be the zero address", name)
	}
	return addr, nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
