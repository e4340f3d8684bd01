// agentctl signs EigenAgent executions with a local key and dispatches them
// from L2 through the bridge sender, recording each dispatch in the ledger.
//
//	agentctl nonce      --key-env USER_PRIVATE_KEY
//	agentctl deposit    --strategy 0x.. --token 0x.. --amount 1000000 --fee 5000000000000000
//	agentctl undelegate --fee 5000000000000000
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/config"
	"eigenl2/offchain/internal/eip712"
)

const (
	commandNonce      = "nonce"
	commandDeposit    = "deposit"
	commandUndelegate = "undelegate"
)

type options struct {
	command     string
	server      string
	keyEnv      string
	agent       string
	ttl         time.Duration
	fee         string
	timeout     time.Duration
	strategy    string
	token       string
	amount      string
	bridgeToken string
	dryRun      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	opts, err := parseArgs(args, cfg, out)
	if err != nil {
		return err
	}

	if err := eip712.SelfCheck(); err != nil {
		return fmt.Errorf("hashing self-check failed: %w", err)
	}

	logger, err := initLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	app, err := newApp(cfg, opts, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	switch opts.command {
	case commandNonce:
		return app.printNonce(ctx, out)
	default:
		return app.execute(ctx, out)
	}
}

// parseArgs reads the subcommand and its flags
func parseArgs(args []string, cfg *config.Config, out io.Writer) (*options, error) {
	if len(args) == 0 {
		printUsage(out)
		return nil, errors.New("missing command")
	}

	opts := &options{command: args[0]}
	switch opts.command {
	case commandNonce, commandDeposit, commandUndelegate:
	case "help", "-h", "--help":
		printUsage(out)
		return nil, pflag.ErrHelp
	default:
		printUsage(out)
		return nil, fmt.Errorf("unknown command %q", opts.command)
	}

	flagSet := pflag.NewFlagSet("agentctl "+opts.command, pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVar(&opts.server, "server", "http://localhost:"+fmt.Sprint(cfg.Server.Port), "ledger service base URL")
	flagSet.StringVar(&opts.keyEnv, "key-env", "USER_PRIVATE_KEY", "environment variable holding the user's hex private key")
	flagSet.StringVar(&opts.agent, "agent", "", "agent address (default: looked up from the agent factory)")
	flagSet.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "how long to wait for the dispatch receipt")

	if opts.command != commandNonce {
		flagSet.DurationVar(&opts.ttl, "ttl", cfg.Agent.SignatureTTL, "signature validity window")
		flagSet.StringVar(&opts.fee, "fee", "", "bridge fee in wei, paid in the native token")
		flagSet.BoolVar(&opts.dryRun, "dry-run", false, "sign and encode without sending")
	}
	if opts.command == commandDeposit {
		flagSet.StringVar(&opts.strategy, "strategy", "", "strategy address on L1")
		flagSet.StringVar(&opts.token, "token", "", "token address on L1")
		flagSet.StringVar(&opts.amount, "amount", "", "amount in the token's base units")
		flagSet.StringVar(&opts.bridgeToken, "bridge-token", "", "L2 token to bridge with the message")
	}

	if err := flagSet.Parse(args[1:]); err != nil {
		return nil, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", extra)
	}

	if opts.command != commandNonce && !opts.dryRun && opts.fee == "" {
		return nil, errors.New("--fee is required unless --dry-run is set")
	}
	if opts.command == commandDeposit && (opts.strategy == "" || opts.token == "" || opts.amount == "") {
		return nil, errors.New("deposit requires --strategy, --token and --amount")
	}
	return opts, nil
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `Usage: agentctl <command> [flags]

Commands:
  nonce       show the next exec nonce for the user's agent
  deposit     deposit into a strategy through the agent
  undelegate  undelegate the agent's stake

Run "agentctl <command> --help" for the command's flags.`)
}

func initLogger() (*zap.Logger, error) {
	if os.Getenv("ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
