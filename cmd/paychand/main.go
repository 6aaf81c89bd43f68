package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/term"

	"github.com/tokenmeter/paychand/internal/chainrpc"
	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/channeldb/bolt"
	"github.com/tokenmeter/paychand/internal/channeldb/postgres"
	"github.com/tokenmeter/paychand/internal/engine"
	"github.com/tokenmeter/paychand/internal/scheduler"
	"github.com/tokenmeter/paychand/internal/settlement"
)

// sellerPrivKey is the seller's signing key, loaded once at startup from
// the environment variable config.SellerPrivateKeyEnv names (or, when that
// variable is unset, from a terminal prompt) — the same
// "load once, hold in memory, never touch disk again" handling lnd gives
// the wallet seed.
var sellerPrivKey *btcec.PrivateKey

func main() {
	if err := run(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "paychand: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogRotator(cfg.LogFile, defaultLogMaxSizeMB, defaultLogMaxFiles); err != nil {
		return fmt.Errorf("initializing log rotator: %w", err)
	}
	level, ok := btclog.LevelFromString(cfg.DebugLevel)
	if !ok {
		level = btclog.LevelInfo
	}
	setLoggers(level)

	keyHex := os.Getenv(cfg.SellerPrivateKeyEnv)
	if keyHex == "" {
		keyHex, err = promptSellerKey(cfg.SellerPrivateKeyEnv)
		if err != nil {
			return err
		}
	}
	keyRaw, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("%s must be hex-encoded: %w", cfg.SellerPrivateKeyEnv, err)
	}
	sellerPrivKey, _ = btcec.PrivKeyFromBytes(keyRaw)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening channel store: %w", err)
	}
	defer store.Close()

	var chain chainrpc.Client
	if cfg.ChainRPCURL != "" {
		ws, err := chainrpc.NewWSClient(cfg.ChainRPCURL)
		if err != nil {
			return fmt.Errorf("connecting chain RPC: %w", err)
		}
		defer ws.Close()
		chain = ws
	} else {
		log.Warnf("chainrpc.url unset; using in-memory mock chain client")
		chain = chainrpc.NewMockClient()
	}

	builder := settlement.NewBuilder(store, chain, sellerPrivKey)
	sched := scheduler.New(store, builder, clock.NewDefaultClock())

	eng := engine.New(engine.Config{
		Store:     store,
		Chain:     chain,
		Scheduler: sched,
		SellerKey: sellerPrivKey,
	})
	if err := eng.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	cert, err := loadOrGenTLSCert(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("loading TLS certificate: %w", err)
	}

	srv := &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   newServer(eng).routes(),
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.ListenAddr)
		serveErr <- srv.ListenAndServeTLS("", "")
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("systemd notify failed: %v", err)
	} else if ok {
		log.Infof("notified systemd readiness")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-sigCh:
		log.Infof("received %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown: %v", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Errorf("engine shutdown: %v", err)
	}
	if err := logRotator.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing log rotator: %v\n", err)
	}

	return nil
}

// promptSellerKey reads the seller's hex private key from the
// controlling terminal with echo disabled, for operators who would
// rather type it once at startup than leave it sitting in the
// environment.
func promptSellerKey(envVar string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("environment variable %s must hold the seller's hex private key (no terminal to prompt on)", envVar)
	}

	fmt.Fprint(os.Stderr, "seller private key (hex): ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading seller private key: %w", err)
	}
	return string(raw), nil
}

// openStore builds the configured channeldb.Store backend, bolt by
// default, the same single-switch-by-config-string pattern
// chainregistry.go uses to pick a chain backend.
func openStore(cfg *config) (channeldb.Store, error) {
	switch cfg.DatabaseBackend {
	case "postgres":
		return postgres.Open(context.Background(), cfg.PostgresDSN)
	case "bolt", "":
		return bolt.Open(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown db.backend %q", cfg.DatabaseBackend)
	}
}

var log btclog.Logger = btclog.Disabled
