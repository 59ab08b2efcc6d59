// Package config loads the facilitator's runtime configuration from CLI
// flags, environment variables, and an optional .env file, in that order
// of precedence (flags win, then env, then .env-sourced env, then default).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the facilitator needs to start serving traffic.
type Config struct {
	Port string
	Host string

	RelayerPrivateKey string
	DelegateAddress   string

	// RPCURLs maps a CAIP-2 network id (e.g. "eip155:8453") to its RPC
	// endpoint, built from repeated --rpc-url chainId=url flags and
	// RPC_URL_<chainId> environment variables.
	RPCURLs map[string]string

	ReceiptTimeout time.Duration
	ExpiryGrace    time.Duration
}

// rpcURLFlags accumulates repeated --rpc-url chainId=url flags.
type rpcURLFlags map[string]string

func (r rpcURLFlags) String() string { return "" }

func (r rpcURLFlags) Set(value string) error {
	chainID, url, ok := strings.Cut(value, "=")
	if !ok || chainID == "" || url == "" {
		return fmt.Errorf("malformed --rpc-url %q, want chainId=url", value)
	}
	r["eip155:"+chainID] = url
	return nil
}

// Load parses flags and environment into a Config. It calls os.Exit(1) on
// any missing required value or malformed --rpc-url, per the CLI contract.
func Load(args []string) *Config {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("facilitator", flag.ContinueOnError)
	port := fs.String("port", envOr("PORT", "8080"), "listen port")
	host := fs.String("host", envOr("HOST", "0.0.0.0"), "listen host")
	relayerKey := fs.String("relayer-private-key", envOr("RELAYER_PRIVATE_KEY", ""), "relayer EVM private key (hex)")
	delegate := fs.String("delegate-address", envOr("DELEGATE_ADDRESS", ""), "trusted EIP-7702 delegate contract address")
	receiptTimeoutMs := fs.Int("receipt-timeout-ms", envOrInt("RECEIPT_TIMEOUT_MS", 30000), "transaction receipt wait timeout in milliseconds")
	expiryGraceSeconds := fs.Int("expiry-grace-seconds", envOrInt("EXPIRY_GRACE_SECONDS", 6), "seconds of grace added to now() when checking deadlines")

	rpcURLs := make(rpcURLFlags)
	fs.Var(rpcURLs, "rpc-url", "chainId=url RPC endpoint, repeatable")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, kv := range envRPCURLs() {
		if _, exists := rpcURLs[kv.network]; !exists {
			rpcURLs[kv.network] = kv.url
		}
	}

	cfg := &Config{
		Port:              *port,
		Host:              *host,
		RelayerPrivateKey: *relayerKey,
		DelegateAddress:   *delegate,
		RPCURLs:           rpcURLs,
		ReceiptTimeout:    time.Duration(*receiptTimeoutMs) * time.Millisecond,
		ExpiryGrace:       time.Duration(*expiryGraceSeconds) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "facilitator: "+err.Error())
		os.Exit(1)
	}
	return cfg
}

func (c *Config) validate() error {
	if c.RelayerPrivateKey == "" {
		return fmt.Errorf("missing required --relayer-private-key / RELAYER_PRIVATE_KEY")
	}
	if c.DelegateAddress == "" {
		return fmt.Errorf("missing required --delegate-address / DELEGATE_ADDRESS")
	}
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("at least one --rpc-url / RPC_URL_<chainId> is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

type rpcURLEnv struct {
	network string
	url     string
}

// envRPCURLs scans the environment for RPC_URL_<chainId> variables.
func envRPCURLs() []rpcURLEnv {
	var out []rpcURLEnv
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "RPC_URL_") {
			continue
		}
		chainID := strings.TrimPrefix(key, "RPC_URL_")
		if chainID == "" || value == "" {
			continue
		}
		out = append(out, rpcURLEnv{network: "eip155:" + chainID, url: value})
	}
	return out
}
