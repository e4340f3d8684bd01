package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/config"
	"eigenl2/offchain/internal/envelope"
)

// Sender submits signed envelopes to the L2 bridge sender contract
type Sender struct {
	client  *Client
	address common.Address
	logger  *zap.Logger
}

// DispatchResult identifies a mined dispatch
type DispatchResult struct {
	TxHash    common.Hash
	MessageID common.Hash
	Receipt   *types.Receipt
}

// NewSender creates a sender bound to the configured L2 sender contract
func NewSender(client *Client, chainCfg *config.ChainConfig, logger *zap.Logger) (*Sender, error) {
	if !common.IsHexAddress(chainCfg.SenderAddress) {
		return nil, fmt.Errorf("invalid sender contract address %q", chainCfg.SenderAddress)
	}
	return &Sender{
		client:  client,
		address: common.HexToAddress(chainCfg.SenderAddress),
		logger:  logger,
	}, nil
}

// Dispatch sends sendMessagePayNative, paying fee in the native token
func (s *Sender) Dispatch(ctx context.Context, params envelope.DispatchParams, fee *big.Int) (common.Hash, error) {
	data, err := envelope.EncodeDispatch(params)
	if err != nil {
		return common.Hash{}, err
	}

	s.logger.Info("Dispatching signed envelope",
		zap.String("sender", s.address.Hex()),
		zap.Uint64("destination_selector", params.DestinationChainSelector),
		zap.String("receiver", params.Receiver.Hex()),
		zap.Int("envelope_bytes", len(params.Message)),
		zap.String("gas_limit", params.GasLimit.String()))

	txHash, err := s.client.SignAndSendTransaction(ctx, s.address, data, fee)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to send dispatch transaction: %w", err)
	}
	return txHash, nil
}

// DispatchAndWait dispatches and waits for the receipt carrying the bridge message id
func (s *Sender) DispatchAndWait(ctx context.Context, params envelope.DispatchParams, fee *big.Int, timeout time.Duration) (*DispatchResult, error) {
	txHash, err := s.Dispatch(ctx, params, fee)
	if err != nil {
		return nil, err
	}

	receipt, err := s.client.WaitForTransaction(ctx, txHash, timeout)
	if err != nil {
		return nil, fmt.Errorf("dispatch transaction failed: %w", err)
	}

	messageID, err := MessageIDFromReceipt(receipt, s.address)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Dispatch confirmed",
		zap.String("tx_hash", txHash.Hex()),
		zap.String("message_id", messageID.Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()))

	return &DispatchResult{TxHash: txHash, MessageID: messageID, Receipt: receipt}, nil
}

// MessageIDFromReceipt finds the MessageSent event emitted by sender and returns its message id
func MessageIDFromReceipt(receipt *types.Receipt, sender common.Address) (common.Hash, error) {
	topic := envelope.MessageSentTopic()
	for _, log := range receipt.Logs {
		if log.Address != sender || len(log.Topics) < 2 || log.Topics[0] != topic {
			continue
		}
		return log.Topics[1], nil
	}
	return common.Hash{}, apperrors.NotFound("evm.messageId", "no MessageSent event from %s in %s", sender.Hex(), receipt.TxHash.Hex())
}
