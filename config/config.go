// Copyright (c) 2024 The BitFS developers
// Use of this source code is governed by the Open BSV License v5
// that can be found in the LICENSE file.

// Package config loads and saves the lpclaimd configuration file.
//
// The file is a list of "key = value" lines. Blank lines and lines starting
// with '#' are ignored, as are unknown keys.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the daemon settings.
type Config struct {
	DataDir     string // directory holding the ledger database
	ListenAddr  string // HTTP API address
	MetricsAddr string // Prometheus address; empty disables the metrics server
	Network     string // mainnet, testnet or regtest
	LogLevel    string
	LogFile     string // empty logs to stdout

	PreLock string // pre-lock deposit policy: accrue or reject
	Owner   string // owner identity of a new ledger

	Payout  string // payout rail: rpc or log
	RPCURL  string
	RPCUser string
	RPCPass string
	FeeRate uint64 // sat/KB; zero selects the rail default
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		DataDir:     DefaultDataDir(),
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Network:     "mainnet",
		LogLevel:    "info",
		PreLock:     "accrue",
		Payout:      "rpc",
	}
}

// DefaultDataDir returns ~/.lpclaim, or .lpclaim in the working directory
// when the home directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lpclaim"
	}
	return filepath.Join(home, ".lpclaim")
}

// ConfigPath returns the configuration file path inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config")
}

// LoadConfig reads path on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, err := parseKeyValue(line)
		if err != nil {
			return cfg, fmt.Errorf("%w: line %d: %q", ErrInvalidConfigLine, lineNo, line)
		}
		if err := cfg.set(key, value); err != nil {
			return cfg, fmt.Errorf("%w: line %d: %w", ErrInvalidConfigLine, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	return cfg, nil
}

// parseKeyValue splits a line on the first '='.
func parseKeyValue(line string) (string, string, error) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", ErrInvalidConfigLine
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", "", ErrInvalidConfigLine
	}
	return key, strings.TrimSpace(value), nil
}

func (c *Config) set(key, value string) error {
	switch key {
	case "datadir":
		c.DataDir = value
	case "listen":
		c.ListenAddr = value
	case "metrics":
		c.MetricsAddr = value
	case "network":
		c.Network = value
	case "loglevel":
		c.LogLevel = value
	case "logfile":
		c.LogFile = value
	case "prelock":
		c.PreLock = value
	case "owner":
		c.Owner = value
	case "payout":
		c.Payout = value
	case "rpcurl":
		c.RPCURL = value
	case "rpcuser":
		c.RPCUser = value
	case "rpcpass":
		c.RPCPass = value
	case "feerate":
		if value == "" {
			c.FeeRate = 0
			return nil
		}
		rate, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("feerate: %w", err)
		}
		c.FeeRate = rate
	}
	return nil
}

// SaveConfig writes cfg to path, creating parent directories as needed.
// The file is private to the user since it may hold RPC credentials.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# lpclaim Configuration\n\n")
	pairs := []struct{ key, value string }{
		{"datadir", cfg.DataDir},
		{"listen", cfg.ListenAddr},
		{"metrics", cfg.MetricsAddr},
		{"network", cfg.Network},
		{"loglevel", cfg.LogLevel},
		{"logfile", cfg.LogFile},
		{"prelock", cfg.PreLock},
		{"owner", cfg.Owner},
		{"payout", cfg.Payout},
		{"rpcurl", cfg.RPCURL},
		{"rpcuser", cfg.RPCUser},
		{"rpcpass", cfg.RPCPass},
		{"feerate", strconv.FormatUint(cfg.FeeRate, 10)},
	}
	for _, p := range pairs {
		fmt.Fprintf(&b, "%s = %s\n", p.key, p.value)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
