package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/Layr-Labs/bridge-txengine/pkg/chainManager"
	"github.com/Layr-Labs/bridge-txengine/pkg/config"
	"github.com/Layr-Labs/bridge-txengine/pkg/dryRun"
	"github.com/Layr-Labs/bridge-txengine/pkg/gasCustomizer"
	"github.com/Layr-Labs/bridge-txengine/pkg/keySource"
	"github.com/Layr-Labs/bridge-txengine/pkg/logger"
	"github.com/Layr-Labs/bridge-txengine/pkg/metrics"
	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/Layr-Labs/bridge-txengine/pkg/submitter"
	"github.com/Layr-Labs/bridge-txengine/pkg/txSigner"
	"github.com/Layr-Labs/bridge-txengine/pkg/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "bridgetx",
		Usage: "Bridge transaction submission and confirmation engine",
		Description: `bridgetx signs bridge contract calls with one of several key custody backends,
submits them to the main net or a side chain and follows them until the receipt and the
expected bridge event have been observed.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"BRIDGETX_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:    "chains",
				Aliases: []string{"c"},
				Usage:   "Chain configurations in format 'chainId:name:rpcUrl' (e.g., '1:Mainnet:https://ethereum-rpc.publicnode.com')",
				EnvVars: []string{"CHAINS"},
			},
			&cli.StringFlag{
				Name:    "account",
				Usage:   "Name of an account in the configuration file",
				EnvVars: []string{"ACCOUNT"},
			},
			// Transaction signing options
			&cli.StringFlag{
				Name:    "tx-private-key",
				Usage:   "Private key for transaction signing (hex format, with or without 0x prefix)",
				EnvVars: []string{"TX_PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "tm-url",
				Usage:   "Transaction manager URL; the manager signs and broadcasts",
				EnvVars: []string{"TRANSACTION_MANAGER_URL"},
			},
			&cli.StringFlag{
				Name:    "enclave-url",
				Usage:   "Signing enclave URL",
				EnvVars: []string{"SGX_URL"},
			},
			&cli.StringFlag{
				Name:    "enclave-key-name",
				Usage:   "Name of the key inside the signing enclave",
				EnvVars: []string{"SGX_KEY_NAME"},
			},
			&cli.StringFlag{
				Name:    "address",
				Usage:   "Sender address for transaction manager and enclave accounts",
				EnvVars: []string{"TX_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "tx-aws-kms-key-id",
				Usage:   "AWS KMS key ID for transaction signing",
				EnvVars: []string{"TX_AWS_KMS_KEY_ID"},
			},
			&cli.StringFlag{
				Name:    "tx-aws-secret-name",
				Usage:   "AWS Secrets Manager secret holding a private key or keystore",
				EnvVars: []string{"TX_AWS_SECRET_NAME"},
			},
			&cli.StringFlag{
				Name:    "tx-keystore-passphrase",
				Usage:   "Passphrase of a keystore stored in AWS Secrets Manager",
				EnvVars: []string{"TX_KEYSTORE_PASSPHRASE"},
			},
			&cli.StringFlag{
				Name:    "tx-aws-region",
				Usage:   "AWS region for the KMS key or secret",
				Value:   "us-east-1",
				EnvVars: []string{"TX_AWS_REGION"},
			},
			// mutual TLS towards transaction manager and enclave
			&cli.StringFlag{
				Name:    "tls-cert",
				Usage:   "Client certificate (PEM) for the signing service",
				EnvVars: []string{"TLS_CERT"},
			},
			&cli.StringFlag{
				Name:    "tls-key",
				Usage:   "Client key (PEM) for the signing service",
				EnvVars: []string{"TLS_KEY"},
			},
			&cli.StringFlag{
				Name:    "tls-ca",
				Usage:   "CA bundle (PEM) for the signing service",
				EnvVars: []string{"TLS_CA"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "address",
				Usage:  "Print the sender address of the configured account",
				Action: addressAction,
			},
			{
				Name:    "submit",
				Aliases: []string{"s"},
				Usage:   "Submit a contract call and wait for its confirmation",
				Description: `Price, simulate, sign and submit a contract call, then wait for the receipt and,
when an event signature is given, for the event the contract must emit.`,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "chain", Usage: "Target chain id or name", Required: true},
					&cli.StringFlag{Name: "to", Usage: "Contract address", Required: true},
					&cli.StringFlag{Name: "data", Usage: "Hex encoded call data", Value: "0x"},
					&cli.StringFlag{Name: "value", Usage: "Value in wei", Value: "0"},
					&cli.StringFlag{Name: "method", Usage: "Method name used in logs and dry run errors"},
					&cli.StringFlag{Name: "direction", Usage: "Transfer direction: deposit or withdraw", Value: "deposit"},
					&cli.StringFlag{Name: "gas-profile", Usage: "Gas profile name from the configuration file"},
					&cli.Uint64Flag{Name: "recommended-gas", Usage: "Gas limit used when estimation fails"},
					&cli.StringFlag{Name: "event-signature", Usage: "Expected event, e.g. 'OutgoingMessage(bytes32,uint256,address,address,bytes)'"},
					&cli.StringFlag{Name: "event-contract", Usage: "Contract emitting the expected event (defaults to --to)"},
					&cli.BoolFlag{Name: "skip-dry-run", Usage: "Submit without simulating the call first"},
					&cli.StringFlag{Name: "metrics-address", Usage: "Serve metrics on this address while submitting", EnvVars: []string{"METRICS_ADDRESS"}},
				},
				Action: submitAction,
			},
			{
				Name:  "receipt",
				Usage: "Wait for and print a transaction receipt",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "chain", Usage: "Chain id or name", Required: true},
					&cli.StringFlag{Name: "tx-hash", Usage: "Transaction hash", Required: true},
					&cli.IntFlag{Name: "polls", Usage: "Number of receipt polls", Value: 100},
				},
				Action: receiptAction,
			},
			{
				Name:  "balance",
				Usage: "Print the balance and nonce of an address",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "chain", Usage: "Chain id or name", Required: true},
					&cli.StringFlag{Name: "of", Usage: "Address to query (defaults to the configured account)"},
				},
				Action: balanceAction,
			},
		},
		Before: validateFlags,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validateFlags(c *cli.Context) error {
	if c.String("config") == "" && len(c.StringSlice("chains")) == 0 {
		return fmt.Errorf("must specify --config or at least one --chains entry")
	}

	options := 0
	for _, name := range []string{"account", "tx-private-key", "tm-url", "enclave-url", "tx-aws-kms-key-id", "tx-aws-secret-name"} {
		if c.String(name) != "" {
			options++
		}
	}
	if options > 1 {
		return fmt.Errorf("can only specify one transaction signing option")
	}
	if c.String("enclave-url") != "" && c.String("enclave-key-name") == "" {
		return fmt.Errorf("--enclave-url requires --enclave-key-name")
	}
	if c.String("account") != "" && c.String("config") == "" {
		return fmt.Errorf("--account requires --config")
	}
	return nil
}

func setupLogger(c *cli.Context) (*zap.Logger, error) {
	return logger.NewLogger(&logger.LoggerConfig{
		Debug: c.Bool("debug"),
	})
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	for _, entry := range c.StringSlice("chains") {
		chain, err := parseChainFlag(entry)
		if err != nil {
			return nil, err
		}
		cfg.Chains = append(cfg.Chains, chain)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseChainFlag(entry string) (*chainManager.ChainConfig, error) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid chain configuration: %s (expected format: 'chainId:name:rpcUrl')", entry)
	}
	chainID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chain ID: %s", parts[0])
	}
	return &chainManager.ChainConfig{ChainID: chainID, ChainName: parts[1], RPCUrl: parts[2]}, nil
}

// setupChain dials only the chain the command targets.
func setupChain(cfg *config.Config, ref string) (*chainManager.Chain, error) {
	chainCfg, err := cfg.Chain(ref)
	if err != nil {
		return nil, err
	}
	cm := chainManager.NewChainManager()
	if err := cm.AddChain(chainCfg); err != nil {
		return nil, fmt.Errorf("failed to add chain %d: %w", chainCfg.ChainID, err)
	}
	return cm.GetChainForId(chainCfg.ChainID)
}

func setupAccount(ctx context.Context, c *cli.Context, cfg *config.Config, l *zap.Logger) (account.Descriptor, error) {
	var (
		flat       *account.Config
		secretName = c.String("tx-aws-secret-name")
		region     = c.String("tx-aws-region")
	)
	if name := c.String("account"); name != "" {
		entry, err := cfg.Account(name)
		if err != nil {
			return nil, err
		}
		if flat, err = entry.Resolve(); err != nil {
			return nil, err
		}
		if entry.SecretName != "" {
			secretName = entry.SecretName
			if entry.SecretRegion != "" {
				region = entry.SecretRegion
			}
		}
	} else {
		tls, err := rpcClient.LoadTLSMaterial(c.String("tls-cert"), c.String("tls-key"), c.String("tls-ca"))
		if err != nil {
			return nil, err
		}
		flat = &account.Config{
			PrivateKey:            c.String("tx-private-key"),
			TransactionManagerURL: c.String("tm-url"),
			EnclaveURL:            c.String("enclave-url"),
			EnclaveKeyName:        c.String("enclave-key-name"),
			KMSKeyID:              c.String("tx-aws-kms-key-id"),
			KMSRegion:             region,
			Address:               c.String("address"),
			TLS:                   tls,
		}
	}

	if secretName != "" {
		src, err := keySource.NewAWSSecretsManagerKeySource(&keySource.AWSSecretsManagerConfig{
			Region:     region,
			SecretName: secretName,
			Passphrase: c.String("tx-keystore-passphrase"),
		}, l)
		if err != nil {
			return nil, err
		}
		key, err := src.LoadDirectKey(ctx)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
	return flat.Descriptor()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func addressAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	d, err := setupAccount(ctx, c, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to setup account: %w", err)
	}
	backend, err := txSigner.NewSigningBackend(d, &txSigner.BackendDeps{Logger: l})
	if err != nil {
		return fmt.Errorf("failed to setup signing backend: %w", err)
	}
	address, err := backend.GetAddress()
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}
	fmt.Printf("Backend: %s\n", backend.Kind())
	fmt.Printf("Address: %s\n", address.Hex())
	return nil
}

func buildRequest(c *cli.Context, cfg *config.Config) (*submitter.Request, error) {
	if !common.IsHexAddress(c.String("to")) {
		return nil, fmt.Errorf("invalid --to address: %s", c.String("to"))
	}
	to := common.HexToAddress(c.String("to"))

	data, err := hexutil.Decode(c.String("data"))
	if err != nil {
		return nil, fmt.Errorf("invalid --data: %w", err)
	}
	value, ok := new(big.Int).SetString(c.String("value"), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid --value: %s", c.String("value"))
	}

	var direction gasCustomizer.Direction
	recommended := gasCustomizer.RecommendedDepositGas
	switch strings.ToLower(c.String("direction")) {
	case "deposit":
		direction = gasCustomizer.DirectionDeposit
	case "withdraw":
		direction = gasCustomizer.DirectionWithdraw
		recommended = gasCustomizer.RecommendedExitGas
	default:
		return nil, fmt.Errorf("invalid --direction: %s", c.String("direction"))
	}
	if g := c.Uint64("recommended-gas"); g != 0 {
		recommended = g
	}

	req := &submitter.Request{
		To:             to,
		Data:           data,
		Value:          value,
		MethodName:     c.String("method"),
		CallSite:       dryRun.CallSiteGeneric,
		RecommendedGas: recommended,
		GasProfile:     cfg.GasProfile(c.String("gas-profile"), direction),
	}
	if sig := c.String("event-signature"); sig != "" {
		contract := to
		if ec := c.String("event-contract"); ec != "" {
			if !common.IsHexAddress(ec) {
				return nil, fmt.Errorf("invalid --event-contract address: %s", ec)
			}
			contract = common.HexToAddress(ec)
		}
		req.ExpectedEvent = submitter.ExpectedEventFromSignature(contract, sig)
	}
	return req, nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.PrometheusMetrics, l *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           logger.HttpLoggerMiddleware(mux, l),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	l.Sugar().Infow("serving metrics", zap.String("address", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func submitAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	chain, err := setupChain(cfg, c.String("chain"))
	if err != nil {
		return fmt.Errorf("failed to setup chain: %w", err)
	}
	d, err := setupAccount(ctx, c, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to setup account: %w", err)
	}
	req, err := buildRequest(c, cfg)
	if err != nil {
		return err
	}

	submitterCfg := *cfg.Submitter
	if c.Bool("skip-dry-run") {
		submitterCfg.DryRun = &dryRun.Config{Enabled: false}
	}
	m := metrics.NewPrometheusMetrics()
	s := submitter.NewSubmitter(&submitterCfg, m, l)
	defer func() {
		if err := s.Close(); err != nil {
			l.Sugar().Warnw("failed to close signing service connections", zap.Error(err))
		}
	}()

	metricsAddr := c.String("metrics-address")
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddress
	}

	var result *submitter.SubmissionResult
	g, gctx := errgroup.WithContext(ctx)
	submitCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()
	if metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(submitCtx, metricsAddr, m, l)
		})
	}
	g.Go(func() error {
		defer stopMetrics()
		var err error
		result, err = s.Submit(submitCtx, chain, d, req)
		return err
	})
	err = g.Wait()

	if result != nil {
		fmt.Printf("Submission: %s\n", result.ID)
		fmt.Printf("Transaction Hash: %s\n", result.TxHash.Hex())
		fmt.Printf("States: %s\n", strings.Join(util.Map(result.States, func(s submitter.State, _ uint64) string {
			return string(s)
		}), " -> "))
		if result.Receipt != nil {
			fmt.Printf("Block Number: %s\n", result.Receipt.BlockNumber)
			fmt.Printf("Gas Used: %d\n", result.Receipt.GasUsed)
		}
		fmt.Printf("Matched Events: %d\n", len(result.MatchedEvents))
	}
	if err != nil {
		return fmt.Errorf("submission failed: %w", err)
	}
	return nil
}

func receiptAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	chain, err := setupChain(cfg, c.String("chain"))
	if err != nil {
		return fmt.Errorf("failed to setup chain: %w", err)
	}
	hash := common.HexToHash(c.String("tx-hash"))
	view := chainManager.NewChainView(chain.RPCClient, cfg.Submitter.ChainView, l)

	polls := c.Int("polls")
	for i := 1; i <= polls; i++ {
		receipt, err := view.TransactionReceipt(ctx, cfg.Submitter.ReceiptQueryAttempts, hash)
		if err != nil {
			return fmt.Errorf("failed to get receipt: %w", err)
		}
		if receipt != nil {
			fmt.Printf("Status: %d\n", receipt.Status)
			fmt.Printf("Block Number: %s\n", receipt.BlockNumber)
			fmt.Printf("Gas Used: %d\n", receipt.GasUsed)
			fmt.Printf("Logs: %d\n", len(receipt.Logs))
			return nil
		}
		if _, err := view.WaitForNextBlock(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s", submitter.ErrReceiptUnavailable, hash.Hex())
}

func balanceAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	chain, err := setupChain(cfg, c.String("chain"))
	if err != nil {
		return fmt.Errorf("failed to setup chain: %w", err)
	}

	var address common.Address
	if of := c.String("of"); of != "" {
		if !common.IsHexAddress(of) {
			return fmt.Errorf("invalid --of address: %s", of)
		}
		address = common.HexToAddress(of)
	} else {
		d, err := setupAccount(ctx, c, cfg, l)
		if err != nil {
			return fmt.Errorf("failed to setup account: %w", err)
		}
		backend, err := txSigner.NewSigningBackend(d, &txSigner.BackendDeps{Logger: l})
		if err != nil {
			return fmt.Errorf("failed to setup signing backend: %w", err)
		}
		if address, err = backend.GetAddress(); err != nil {
			return fmt.Errorf("failed to resolve address: %w", err)
		}
	}

	view := chainManager.NewChainView(chain.RPCClient, cfg.Submitter.ChainView, l)
	balance, err := view.Balance(ctx, cfg.Submitter.NonceAttempts, address)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}
	nonce, err := view.TransactionCount(ctx, cfg.Submitter.NonceAttempts, address)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}
	fmt.Printf("Address: %s\n", address.Hex())
	fmt.Printf("Balance: %s wei\n", balance)
	fmt.Printf("Nonce: %d\n", nonce)
	return nil
}
