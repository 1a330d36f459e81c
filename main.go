package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"

	"github.com/pharmatrace/pharmatrace/ledger"
	"github.com/pharmatrace/pharmatrace/repository"
	"github.com/pharmatrace/pharmatrace/server"
	service_registry "github.com/pharmatrace/pharmatrace/srvreg"
	"github.com/pharmatrace/pharmatrace/verify"
)

var (
	homeDir       string
	httpPort      string
	postgresHost  string
	verifyTimeout time.Duration
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "./node-config/pharmatrace-node", "Path to the CometBFT config directory")
	flag.StringVar(&httpPort, "http-port", "5000", "HTTP web server port")
	flag.StringVar(&postgresHost, "postgres-host", "pharmatrace-postgres:5432", "DB host address")
	flag.DurationVar(&verifyTimeout, "verify-timeout", 10*time.Second, "Per-request ledger timeout")
}

func main() {
	// Load Config
	flag.Parse()

	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}
	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	viper.SetConfigFile(fmt.Sprintf("%s/%s", homeDir, "config/config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := config.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err := cmtflags.ParseLogLevel(config.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("failed to parse log level: %v", err)
	}

	// Connect the local mirror DB
	dsn := fmt.Sprintf("postgresql://postgres:postgrespassword@%s/postgres", postgresHost)
	repo := repository.NewRepository(logger)
	logger.Info("Connecting to Postgres", "host", postgresHost)
	if err := repo.ConnectDB(dsn); err != nil {
		log.Fatalf("Connecting to database: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		log.Fatalf("Migrating database: %v", err)
	}
	repo.Seed()

	// Initialize Badger DB (ledger state)
	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("Closing database: %v", err)
		}
	}()

	// Create ABCI Application
	app := ledger.NewApplication(db, logger)

	// Private Validator
	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)

	// P2P network identity
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		log.Fatalf("failed to load node's key: %v", err)
	}

	// Initialize CometBFT node
	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(app),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating node: %v", err)
	}

	// Pass Node ID to app
	app.SetNodeID(string(node.NodeInfo().ID()))

	// Instantiate the ledger client over the in-process RPC connection
	rpcClient := cmtrpc.New(node)
	ledgerClient := ledger.NewRPCClient(rpcClient, verifyTimeout, logger)

	// Verification engine: authoritative reads through the ledger client,
	// degraded reads through the Postgres mirror
	engine := verify.NewEngine(ledgerClient, repo, verifyTimeout, logger)

	// Initialize Service Registry
	serviceRegistry := service_registry.NewServiceRegistry(repo, ledgerClient, engine, logger)
	serviceRegistry.RegisterDefaultServices()

	// Start CometBFT node
	if err := node.Start(); err != nil {
		log.Fatalf("Starting node: %v", err)
	}
	defer func() {
		node.Stop()
		node.Wait()
	}()

	// Start the mirror sync
	cacheSync := repository.NewCacheSync(rpcClient, ledgerClient, repo, logger)
	if err := cacheSync.Start(context.Background()); err != nil {
		log.Fatalf("Starting cache sync: %v", err)
	}

	// Start Web Server
	webserver := server.NewWebServer(httpPort, logger, node, rpcClient, serviceRegistry)
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	cacheSync.Stop()
	logger.Info("HTTP web server gracefully stopped")
}
