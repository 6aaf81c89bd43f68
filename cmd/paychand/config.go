package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "paychand.conf"
	defaultLogFilename    = "paychand.log"
	defaultLogMaxSizeMB   = 10
	defaultLogMaxFiles    = 3

	defaultListenAddr      = "0.0.0.0:8443"
	defaultDatabaseBackend = "bolt"
)

var defaultDataDir = btcutil.AppDataDir("paychand", false)

// config mirrors lnd's top-level config struct: a flat set of fields
// parsed first from the INI file and then overridden by
// command-line flags, via jessevdk/go-flags the same way lnd's own
// config.go does.
type config struct {
	DataDir    string `long:"datadir" description:"directory to store the channel database"`
	ConfigFile string `long:"configfile" description:"path to configuration file"`
	LogFile    string `long:"logfile" description:"path to the rotating log file"`
	DebugLevel string `long:"debuglevel" description:"logging level for all subsystems"`

	ListenAddr string `long:"listenaddr" description:"address the event-stream/admin HTTP server listens on"`
	TLSCert    string `long:"tlscertpath" description:"path to the TLS certificate; generated on first run if absent"`
	TLSKey     string `long:"tlskeypath" description:"path to the TLS private key; generated on first run if absent"`

	DatabaseBackend string `long:"db.backend" description:"channel store backend: bolt or postgres"`
	PostgresDSN     string `long:"db.postgres.dsn" description:"postgres connection string, required when db.backend=postgres"`

	ChainRPCURL string `long:"chainrpc.url" description:"websocket URL of the chain RPC node"`

	SellerPrivateKeyEnv string `long:"sellerkeyenv" description:"name of the environment variable holding the seller's hex-encoded private key"`
}

// defaultConfig returns a config with every field at its default value,
// before the INI file or flags are applied.
func defaultConfig() config {
	return config{
		DataDir:             defaultDataDir,
		ConfigFile:          filepath.Join(defaultDataDir, defaultConfigFilename),
		LogFile:             filepath.Join(defaultDataDir, defaultLogFilename),
		DebugLevel:          "info",
		ListenAddr:          defaultListenAddr,
		TLSCert:             filepath.Join(defaultDataDir, "tls.cert"),
		TLSKey:              filepath.Join(defaultDataDir, "tls.key"),
		DatabaseBackend:     defaultDatabaseBackend,
		SellerPrivateKeyEnv: "PAYCHAND_SELLER_KEY",
	}
}

// loadConfig parses the INI config file (if present) and then
// command-line flags over it, exactly as lnd's own loadConfig does:
// flags win over file, file wins over defaults.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.ConfigFile != "" {
		if _, err := os.Stat(preCfg.ConfigFile); err == nil {
			parser := flags.NewParser(&cfg, flags.Default)
			if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.DatabaseBackend == "postgres" && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("db.postgres.dsn is required when db.backend=postgres")
	}

	return &cfg, nil
}
