package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/config"
	"eigenl2/offchain/internal/metrics"
	"eigenl2/offchain/internal/retry"
)

// codeReader is the part of ethclient used to check for deployed code
type codeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Client wraps an RPC connection to one EVM chain. Reads are rate limited
// and retried; writes need an operator key.
type Client struct {
	ethClient   *ethclient.Client
	caller      ethereum.ContractCaller
	code        codeReader
	chainConfig *config.ChainConfig
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	limiter     *rate.Limiter
	retry       retry.Policy
	logger      *zap.Logger
}

// NewClient creates a new EVM client for the specified chain.
// operatorPrivateKey may be empty for a read-only client.
func NewClient(chainCfg *config.ChainConfig, operatorPrivateKey string, policy retry.Policy, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	c := &Client{
		ethClient:   ethClient,
		caller:      ethClient,
		code:        ethClient,
		chainConfig: chainCfg,
		limiter:     newLimiter(chainCfg.RPCRequestsPerSec),
		retry:       policy,
		logger:      logger,
	}

	if operatorPrivateKey != "" {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(operatorPrivateKey, "0x"))
		if err != nil {
			ethClient.Close()
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		c.privateKey = privateKey
		c.fromAddress = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	logger.Info("EVM client initialized",
		zap.Int64("chain_id", chainCfg.ChainID),
		zap.String("chain_name", chainCfg.Name),
		zap.Bool("read_only", c.privateKey == nil),
		zap.String("operator_address", c.fromAddress.Hex()))

	return c, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// ChainID returns the configured chain ID
func (c *Client) ChainID() int64 {
	return c.chainConfig.ChainID
}

// revertErrorCode is the JSON-RPC code nodes use for a reverted call
const revertErrorCode = 3

// classifyCallError sorts an RPC failure into a revert or a transient fault.
// A revert means the node answered; everything else is treated as transport.
func classifyCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertErrorCode {
		return apperrors.Revert(op, err)
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return apperrors.Revert(op, err)
	}
	// Last resort for nodes that drop both the code and the revert data.
	if strings.Contains(err.Error(), "execution reverted") {
		return apperrors.Revert(op, err)
	}
	return apperrors.Transient(op, err)
}

// ReadContract performs an eth_call against the latest block
func (c *Client) ReadContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	const op = "evm.readContract"

	var out []byte
	start := time.Now()
	err := c.retry.DoNotify(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.Transient(op, err)
		}
		result, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return classifyCallError(op, err)
		}
		out = result
		return nil
	}, func(err error, wait time.Duration) {
		c.logger.Warn("Contract read failed, retrying",
			zap.String("to", to.Hex()),
			zap.Duration("wait", wait),
			zap.Error(err))
	})

	result := "ok"
	if err != nil {
		result = apperrors.KindOf(err).String()
	}
	metrics.ExternalCallDuration.WithLabelValues("rpc", result).Observe(time.Since(start).Seconds())
	return out, err
}

// WaitForTransaction waits for a transaction to be mined
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s", txHash.Hex())
		case <-ticker.C:
			receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
			if err == nil && receipt != nil {
				if receipt.Status == types.ReceiptStatusFailed {
					return receipt, apperrors.Revert("evm.waitForTransaction", fmt.Errorf("transaction failed: %s", txHash.Hex()))
				}
				return receipt, nil
			}
			// Transaction not yet mined, continue waiting
		}
	}
}

// IsContractDeployed checks if a contract exists at the given address
func (c *Client) IsContractDeployed(ctx context.Context, address common.Address) (bool, error) {
	const op = "evm.codeAt"

	var deployed bool
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.Transient(op, err)
		}
		code, err := c.code.CodeAt(ctx, address, nil)
		if err != nil {
			return apperrors.Transient(op, fmt.Errorf("failed to get code at %s: %w", address.Hex(), err))
		}
		deployed = len(code) > 0
		return nil
	})
	return deployed, err
}

// SignAndSendTransaction creates, signs, and sends a transaction
func (c *Client) SignAndSendTransaction(
	ctx context.Context,
	to common.Address,
	data []byte,
	value *big.Int,
) (common.Hash, error) {
	if c.privateKey == nil {
		return common.Hash{}, errors.New("client has no operator key")
	}
	if value == nil {
		value = new(big.Int)
	}

	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Int64() != c.chainConfig.ChainID {
		return common.Hash{}, fmt.Errorf("RPC endpoint serves chain %s, expected %d", chainID, c.chainConfig.ChainID)
	}

	nonce, err := c.ethClient.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	gasLimit, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.fromAddress,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, classifyCallError("evm.estimateGas", err)
	}

	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}
