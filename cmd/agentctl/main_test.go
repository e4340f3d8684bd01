package main

import (
	"bytes"
	"context"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/api"
	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/blockchain/evm"
	"eigenl2/offchain/internal/config"
	"eigenl2/offchain/internal/database"
	"eigenl2/offchain/internal/envelope"
	"eigenl2/offchain/internal/models"
	"eigenl2/offchain/internal/service"
)

const (
	strategyAddr = "0x7D704507b76571a51d9caE8AdDAbBFd0ba0e63d3"
	tokenAddr    = "0x3F1c547b21f65e10480dE3ad8E19fAAC46C95034"
	agentAddr    = "0x00000000000000000000000000000000000000a9"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080},
		L1: config.ChainConfig{
			ChainID:                  11155111,
			DelegationManagerAddress: "0xA44151489861Fe9e3055d95adC98FbD462B948e7",
			StrategyManagerAddress:   "0xdfB5f6CE42aAA7830E94ECFCcAd411beF4d4D5b6",
		},
		L2:    config.ChainConfig{ChainID: 84532},
		Agent: config.AgentConfig{SignatureTTL: 45 * time.Minute},
	}
}

func TestParseArgs(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name    string
		args    []string
		wantErr string
		check   func(t *testing.T, opts *options)
	}{
		{
			name: "nonce with defaults",
			args: []string{"nonce"},
			check: func(t *testing.T, opts *options) {
				require.Equal(t, commandNonce, opts.command)
				require.Equal(t, "http://localhost:8080", opts.server)
				require.Equal(t, "USER_PRIVATE_KEY", opts.keyEnv)
			},
		},
		{
			name: "deposit",
			args: []string{"deposit", "--strategy", strategyAddr, "--token", tokenAddr, "--amount", "1000", "--fee", "5", "--server", "http://ledger:9000"},
			check: func(t *testing.T, opts *options) {
				require.Equal(t, commandDeposit, opts.command)
				require.Equal(t, "1000", opts.amount)
				require.Equal(t, "5", opts.fee)
				require.Equal(t, 45*time.Minute, opts.ttl)
				require.Equal(t, "http://ledger:9000", opts.server)
			},
		},
		{
			name: "undelegate dry run needs no fee",
			args: []string{"undelegate", "--dry-run", "--ttl", "10m"},
			check: func(t *testing.T, opts *options) {
				require.True(t, opts.dryRun)
				require.Equal(t, 10*time.Minute, opts.ttl)
			},
		},
		{name: "missing command", args: nil, wantErr: "missing command"},
		{name: "unknown command", args: []string{"withdraw"}, wantErr: "unknown command"},
		{name: "fee required", args: []string{"undelegate"}, wantErr: "--fee is required"},
		{name: "deposit fields required", args: []string{"deposit", "--fee", "1"}, wantErr: "deposit requires"},
		{name: "deposit flags rejected on nonce", args: []string{"nonce", "--amount", "1"}, wantErr: "unknown flag"},
		{name: "extra arguments", args: []string{"nonce", "extra"}, wantErr: "unexpected arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			opts, err := parseArgs(tt.args, cfg, &out)
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, opts)
		})
	}
}

func TestParseArgs_Help(t *testing.T) {
	var out bytes.Buffer
	_, err := parseArgs([]string{"help"}, testConfig(), &out)
	require.ErrorIs(t, err, pflag.ErrHelp)
	require.Contains(t, out.String(), "Usage: agentctl")
}

func TestBuildCall_Deposit(t *testing.T) {
	cfg := testConfig()
	opts := &options{command: commandDeposit, strategy: strategyAddr, token: tokenAddr, amount: "1000"}

	call, err := buildCall(opts, cfg, common.HexToAddress(agentAddr))
	require.NoError(t, err)
	require.Equal(t, models.TxTypeDeposit, call.txType)
	require.Equal(t, common.HexToAddress(cfg.L1.StrategyManagerAddress), call.target)
	require.Empty(t, call.tokenAmounts)

	want, err := evm.EncodeDepositIntoStrategy(common.HexToAddress(strategyAddr), common.HexToAddress(tokenAddr), big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, want, call.data)

	opts.bridgeToken = tokenAddr
	call, err = buildCall(opts, cfg, common.HexToAddress(agentAddr))
	require.NoError(t, err)
	require.Len(t, call.tokenAmounts, 1)
	require.Equal(t, int64(1000), call.tokenAmounts[0].Amount.Int64())
}

func TestBuildCall_Undelegate(t *testing.T) {
	cfg := testConfig()
	agent := common.HexToAddress(agentAddr)

	call, err := buildCall(&options{command: commandUndelegate}, cfg, agent)
	require.NoError(t, err)
	require.Equal(t, models.TxTypeUndelegate, call.txType)
	require.Equal(t, common.HexToAddress(cfg.L1.DelegationManagerAddress), call.target)

	want, err := evm.EncodeUndelegate(agent)
	require.NoError(t, err)
	require.Equal(t, want, call.data)
}

func TestBuildCall_Invalid(t *testing.T) {
	cfg := testConfig()
	agent := common.HexToAddress(agentAddr)

	tests := []struct {
		name string
		opts *options
		cfg  func(c *config.Config)
	}{
		{name: "bad strategy", opts: &options{command: commandDeposit, strategy: "0x1", token: tokenAddr, amount: "1"}},
		{name: "zero token", opts: &options{command: commandDeposit, strategy: strategyAddr, token: common.Address{}.Hex(), amount: "1"}},
		{name: "bad amount", opts: &options{command: commandDeposit, strategy: strategyAddr, token: tokenAddr, amount: "1e6"}},
		{name: "zero amount", opts: &options{command: commandDeposit, strategy: strategyAddr, token: tokenAddr, amount: "0"}},
		{
			name: "missing delegation manager",
			opts: &options{command: commandUndelegate},
			cfg:  func(c *config.Config) { c.L1.DelegationManagerAddress = "" },
		},
		{name: "nonce does not dispatch", opts: &options{command: commandNonce}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			if tt.cfg != nil {
				tt.cfg(&c)
			}
			_, err := buildCall(tt.opts, &c, agent)
			require.True(t, apperrors.Is(err, apperrors.KindValidation), "got %v", err)
		})
	}
}

func TestDispatchGasLimit(t *testing.T) {
	first, err := dispatchGasLimit(models.TxTypeDeposit, false)
	require.NoError(t, err)
	require.Zero(t, envelope.GasLimitForFirstDeposit().Cmp(first))

	deposit, err := envelope.GasLimitFor(models.TxTypeDeposit)
	require.NoError(t, err)
	got, err := dispatchGasLimit(models.TxTypeDeposit, true)
	require.NoError(t, err)
	require.Zero(t, deposit.Cmp(got))
	require.Equal(t, int64(envelope.AgentMintGasOverhead), new(big.Int).Sub(first, deposit).Int64())

	undelegate, err := envelope.GasLimitFor(models.TxTypeUndelegate)
	require.NoError(t, err)
	got, err = dispatchGasLimit(models.TxTypeUndelegate, false)
	require.NoError(t, err)
	require.Zero(t, undelegate.Cmp(got))
}

func TestLedgerClient_RecordAndNonce(t *testing.T) {
	cfg := testConfig()
	ledger := service.NewLedgerService(database.NewMemoryStore(), cfg.L1.ChainID, cfg.L2.ChainID, zap.NewNop())
	handler := api.NewHandler(ledger, nil, nil, nil, nil, zap.NewNop())
	server := httptest.NewServer(api.SetupRouter(handler, "", zap.NewNop()))
	defer server.Close()

	client := newLedgerClient(server.URL+"/", 5*time.Second)
	ctx := context.Background()
	user := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	latest, err := client.LatestExecNonce(ctx, user.Hex())
	require.NoError(t, err)
	require.Nil(t, latest)

	state := &service.NonceState{User: user, Agent: common.HexToAddress(agentAddr), Next: 7}
	dispatched := &evm.DispatchResult{
		TxHash:    common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		MessageID: common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"),
	}
	record, err := client.Record(ctx, pendingRecord(cfg, models.TxTypeDeposit, state, dispatched, "0x00000000000000000000000000000000000000b2"))
	require.NoError(t, err)
	require.Equal(t, models.TxStatusPending, record.Status)
	require.Equal(t, cfg.L2.ChainID, record.SourceChainID)
	require.Equal(t, cfg.L1.ChainID, record.DestinationChainID)

	latest, err = client.LatestExecNonce(ctx, user.Hex())
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, int64(7), *latest)

	// Same hash, message id equal to the tx hash
	conflict := pendingRecord(cfg, models.TxTypeDeposit, state, &evm.DispatchResult{
		TxHash:    dispatched.TxHash,
		MessageID: dispatched.TxHash,
	}, "0x00000000000000000000000000000000000000b2")
	_, err = client.Record(ctx, conflict)
	require.True(t, apperrors.Is(err, apperrors.KindIntegrity), "got %v", err)
}

func TestLedgerClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(nil)
	url := server.URL
	server.Close()

	_, err := newLedgerClient(url, time.Second).LatestExecNonce(context.Background(), "0x00000000000000000000000000000000000000a1")
	require.True(t, apperrors.Is(err, apperrors.KindTransient), "got %v", err)
}
