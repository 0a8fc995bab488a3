package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/relay"
	"github.com/mmrelay/mmrelay/internal/store"
)

func main() {
	homeFlag := flag.String("home", "", "relay home directory (default: $MMRELAY_HOME or ~/.mmrelay)")
	configFlag := flag.String("config", "", "path to config.yaml (default: <home>/config.yaml)")
	dbFlag := flag.String("db", "", "override sqlite database path (default: <home>/database/meshtastic.sqlite)")
	debug := flag.Bool("debug", false, "force logging.level to debug regardless of config")
	flag.Parse()

	home, homeWarning := config.ResolveHome(*homeFlag)

	configPath := *configFlag
	if configPath == "" {
		configPath = config.DefaultConfigPath(home)
	}

	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if homeWarning != "" {
		warnings = append(warnings, homeWarning)
	}

	if cfg.Matrix.AccessToken == "" {
		token, err := loadCredentialToken(config.DefaultCredentialsPath(home))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load credentials: %v\n", err)
			os.Exit(1)
		}
		cfg.Matrix.AccessToken = token
	}
	if resolved, err := config.ResolveCredential(cfg.Matrix.AccessToken); err == nil {
		cfg.Matrix.AccessToken = resolved
	}

	level, err := zerolog.ParseLevel(normalizeLevel(cfg.Logging.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if *debug {
		level = zerolog.DebugLevel
	}

	log, logFile, err := newLogger(cfg.Logging.File, home, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	for _, w := range warnings {
		log.Warn().Msg(w)
	}

	if err := config.EnsureHomeLayout(home); err != nil {
		log.Fatal().Err(err).Msg("failed to create home directory layout")
	}

	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = config.DefaultDBPath(home)
	}

	pool := store.DefaultPoolConfig()
	if !*cfg.Database.Pool.Enabled {
		pool.Enabled = false
	}

	st, err := store.Open(dbPath, pool)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("failed to open database")
	}
	defer st.Close()

	if cfg.Database.MsgMap.WipeOnRestart {
		if err := st.WipeMessageMap(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to wipe message map on restart")
		}
		log.Info().Msg("message map wiped (msg_map.wipe_on_restart)")
	} else if cfg.Database.MsgMap.MsgsToKeep > 0 {
		if err := st.PruneMessageMap(context.Background(), cfg.Database.MsgMap.MsgsToKeep); err != nil {
			log.Warn().Err(err).Msg("message map prune failed")
		}
	}

	log.Info().Str("home", home).Str("connection_type", cfg.Meshtastic.ConnectionType).Msg("mmrelay starting")

	if err := relay.RunUntilSignal(cfg, st, log); err != nil {
		log.Fatal().Err(err).Msg("relay exited with error")
	}

	log.Info().Msg("mmrelay stopped")
}

// loadCredentialToken reads the access_token alternative from
// credentials.json (§6), produced by the login flow this relay's CLI
// otherwise doesn't need to implement for a pre-provisioned bot account.
func loadCredentialToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("matrix.access_token is empty and no credentials.json found at %s", path)
		}
		return "", err
	}

	var creds config.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(creds.AccessToken) == "" {
		return "", fmt.Errorf("%s has no access_token", path)
	}
	return creds.AccessToken, nil
}

func normalizeLevel(level string) string {
	if level == "warning" {
		return "warn"
	}
	return level
}

func newLogger(logFilePath, home string, level zerolog.Level) (zerolog.Logger, *os.File, error) {
	if logFilePath == "" {
		logFilePath = config.DefaultLogPath(home)
	}
	if err := config.EnsureDir(logFilePath); err != nil {
		return zerolog.Logger{}, nil, err
	}

	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	multi := zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}, f)
	log := zerolog.New(multi).With().Timestamp().Logger().Level(level)
	return log, f, nil
}
