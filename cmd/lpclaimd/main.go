package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bitfsorg/lpclaim-go/config"
	"github.com/bitfsorg/lpclaim-go/ledger"
	"github.com/bitfsorg/lpclaim-go/logger"
	"github.com/bitfsorg/lpclaim-go/metrics"
	"github.com/bitfsorg/lpclaim-go/payout"
	"github.com/bitfsorg/lpclaim-go/registry"
	"github.com/bitfsorg/lpclaim-go/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const envFundingWIF = "LPCLAIM_FUNDING_WIF"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dataDirFlag := flag.String("datadir", config.DefaultDataDir(), "data directory (or set LPCLAIM_DATADIR env var)")
	configFlag := flag.String("config", "", "configuration file (default <datadir>/config)")
	listenFlag := flag.String("listen", "", "HTTP API listen address")
	metricsAddrFlag := flag.String("metrics-addr", "", "address to listen on for prometheus metrics")
	networkFlag := flag.String("network", "", "mainnet, testnet or regtest")
	logLevelFlag := flag.String("log-level", "", "debug, info, warn or error")
	logFileFlag := flag.String("log-file", "", "log file (default stdout)")
	preLockFlag := flag.String("prelock", "", "pre-lock deposit policy: accrue or reject")
	ownerFlag := flag.String("owner", "", "owner identity for a new ledger (or set LPCLAIM_OWNER env var)")
	payoutFlag := flag.String("payout", "", "payout rail: rpc or log")
	rpcURLFlag := flag.String("rpc-url", "", "node RPC URL (or set LPCLAIM_RPC_URL env var)")
	rpcUserFlag := flag.String("rpc-user", "", "node RPC user (or set LPCLAIM_RPC_USER env var)")
	rpcPassFlag := flag.String("rpc-pass", "", "node RPC password (or set LPCLAIM_RPC_PASS env var)")
	feeRateFlag := flag.Uint64("fee-rate", 0, "payout fee rate in sat/KB")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for in-flight requests during shutdown")
	rebroadcastFlag := flag.Duration("rebroadcast-interval", time.Minute, "how often to resubmit payouts whose broadcast outcome is unknown")

	// Commands
	initConfigFlag := flag.Bool("init-config", false, "write the effective configuration to the config file and exit")
	verifyJournalFlag := flag.Bool("verify-journal", false, "verify the event journal against the stored ledger state and exit")

	flag.Parse()

	dataDirSet := flag.CommandLine.Changed("datadir")
	if v := os.Getenv("LPCLAIM_DATADIR"); v != "" && !dataDirSet {
		*dataDirFlag = v
		dataDirSet = true
	}
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = config.ConfigPath(*dataDirFlag)
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
		return err
	}
	if dataDirSet || cfg.DataDir == "" {
		cfg.DataDir = *dataDirFlag
	}

	// Environment overrides the file, explicit flags override both.
	if v := os.Getenv("LPCLAIM_OWNER"); v != "" {
		cfg.Owner = v
	}
	overrides := []struct {
		name string
		dst  *string
		val  string
	}{
		{"listen", &cfg.ListenAddr, *listenFlag},
		{"metrics-addr", &cfg.MetricsAddr, *metricsAddrFlag},
		{"network", &cfg.Network, *networkFlag},
		{"log-level", &cfg.LogLevel, *logLevelFlag},
		{"log-file", &cfg.LogFile, *logFileFlag},
		{"prelock", &cfg.PreLock, *preLockFlag},
		{"owner", &cfg.Owner, *ownerFlag},
		{"payout", &cfg.Payout, *payoutFlag},
		{"rpc-url", &cfg.RPCURL, *rpcURLFlag},
		{"rpc-user", &cfg.RPCUser, *rpcUserFlag},
		{"rpc-pass", &cfg.RPCPass, *rpcPassFlag},
	}
	for _, o := range overrides {
		if flag.CommandLine.Changed(o.name) {
			*o.dst = o.val
		}
	}
	if flag.CommandLine.Changed("fee-rate") {
		cfg.FeeRate = *feeRateFlag
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}
	if *rebroadcastFlag <= 0 {
		return fmt.Errorf("--rebroadcast-interval must be positive, got %s", *rebroadcastFlag)
	}

	if *initConfigFlag {
		if err := config.SaveConfig(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", cfgPath)
		return nil
	}

	log, logCloser, err := logger.Open(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store, err := ledger.OpenBoltStore(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	if *verifyJournalFlag {
		return verifyJournal(store, log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rail, err := newRail(cfg, log)
	if err != nil {
		return err
	}

	var owner registry.Identity
	if cfg.Owner != "" {
		if owner, err = registry.ParseIdentity(cfg.Owner); err != nil {
			return err
		}
	}
	preLock, err := ledger.ParsePreLockPolicy(cfg.PreLock)
	if err != nil {
		return err
	}

	obs := &metrics.Observer{}
	l, err := ledger.Open(store, rail, ledger.Options{
		Owner:     owner,
		PreLock:   preLock,
		Logger:    log,
		Observers: []ledger.Observer{obs},
	})
	if err != nil {
		return err
	}
	obs.Stats = l.Stats
	metrics.RecordStats(l.Stats())
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	api := server.NewServer(cfg.ListenAddr, l, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(api.Start)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info("prometheus metrics server listening", "address", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if xfer, ok := rail.(*payout.Transferer); ok {
		g.Go(func() error {
			rebroadcastLoop(gctx, xfer, *rebroadcastFlag, log)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "timeout", *shutdownTimeoutFlag)
		shutdownCtx, done := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer done()
		err := api.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	st := l.Stats()
	log.Info("lpclaimd started",
		"version", version,
		"network", cfg.Network,
		"payout", cfg.Payout,
		"owner", st.Owner,
		"beneficiaries", st.Beneficiaries,
		"locked", st.Locked,
		"balance", st.Balance.String())

	return g.Wait()
}

// newRail builds the payout rail selected by cfg.Payout.
func newRail(cfg config.Config, log *slog.Logger) (ledger.Transferer, error) {
	if cfg.Payout == "log" {
		log.Warn("payout rail is log: claims are recorded for external settlement")
		return payout.NewLogRail(log), nil
	}

	env := map[string]string{
		payout.EnvRPCURL:  os.Getenv(payout.EnvRPCURL),
		payout.EnvRPCUser: os.Getenv(payout.EnvRPCUser),
		payout.EnvRPCPass: os.Getenv(payout.EnvRPCPass),
	}
	rpcCfg, err := payout.ResolveConfig(&payout.RPCConfig{
		URL:      cfg.RPCURL,
		User:     cfg.RPCUser,
		Password: cfg.RPCPass,
	}, env, cfg.Network)
	if err != nil {
		return nil, err
	}

	wif := os.Getenv(envFundingWIF)
	if wif == "" {
		return nil, fmt.Errorf("%s is required for the rpc payout rail", envFundingWIF)
	}
	xfer, err := payout.NewTransfererFromWIF(payout.NewRPCClient(*rpcCfg), wif, payout.Options{
		Mainnet: cfg.Network == "mainnet",
		FeeRate: cfg.FeeRate,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	log.Info("payout rail ready", "rpc", rpcCfg.URL, "funding_address", xfer.FundingAddress())
	return xfer, nil
}

// rebroadcastLoop resubmits pending payouts every interval until ctx ends.
func rebroadcastLoop(ctx context.Context, xfer *payout.Transferer, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if pending := xfer.Pending(); len(pending) > 0 {
				log.Warn("exiting with unconfirmed payouts", "txids", pending)
			}
			return
		case <-ticker.C:
			if len(xfer.Pending()) == 0 {
				continue
			}
			remaining, err := xfer.Rebroadcast(ctx)
			if err != nil {
				log.Warn("rebroadcast incomplete", "pending", remaining, "error", err)
			}
		}
	}
}

// verifyJournal replays the stored journal and compares it with the ledger totals.
func verifyJournal(store ledger.Store, log *slog.Logger) error {
	snap, err := store.Load()
	if errors.Is(err, ledger.ErrNotFound) {
		log.Info("no ledger stored yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	events, err := store.Events(1, 0)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	replayed, err := ledger.Replay(events)
	if err != nil {
		return err
	}

	st := snap.State
	switch {
	case replayed.LastSeq != st.EventSeq:
		return fmt.Errorf("%w: journal ends at %d, state at %d", ledger.ErrJournalCorrupt, replayed.LastSeq, st.EventSeq)
	case replayed.TotalDeposited.Cmp(st.TotalDeposited) != 0:
		return fmt.Errorf("%w: journal deposited %s, state %s", ledger.ErrJournalCorrupt, replayed.TotalDeposited, st.TotalDeposited)
	case replayed.TotalWithdrawn.Cmp(st.TotalWithdrawn) != 0:
		return fmt.Errorf("%w: journal withdrawn %s, state %s", ledger.ErrJournalCorrupt, replayed.TotalWithdrawn, st.TotalWithdrawn)
	}

	log.Info("journal verified",
		"events", len(events),
		"deposited", replayed.TotalDeposited.String(),
		"withdrawn", replayed.TotalWithdrawn.String(),
		"claimants", len(replayed.Withdrawn))
	return nil
}
