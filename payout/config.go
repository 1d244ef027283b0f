package payout

import "fmt"

// RPCConfig holds the connection parameters for a node's JSON-RPC interface.
type RPCConfig struct {
	URL      string `json:"url"`
	User     string `json:"user"`
	Password string `json:"password"`
	Network  string `json:"network"`
}

// NetworkPresets contains default RPC configurations for local networks.
// Mainnet is intentionally omitted to require explicit configuration.
var NetworkPresets = map[string]RPCConfig{
	"regtest": {URL: "http://localhost:18332", User: "lpclaim", Password: "lpclaim"},
	"testnet": {URL: "http://localhost:18332", User: "lpclaim", Password: "lpclaim"},
}

// Environment variables consulted by ResolveConfig.
const (
	EnvRPCURL  = "LPCLAIM_RPC_URL"
	EnvRPCUser = "LPCLAIM_RPC_USER"
	EnvRPCPass = "LPCLAIM_RPC_PASS"
)

// ResolveConfig merges RPC configuration from three sources with decreasing priority:
//  1. explicit settings (flags or config file)
//  2. environment variables (LPCLAIM_RPC_URL, LPCLAIM_RPC_USER, LPCLAIM_RPC_PASS)
//  3. network presets (regtest/testnet only)
func ResolveConfig(explicit *RPCConfig, env map[string]string, network string) (*RPCConfig, error) {
	result := RPCConfig{Network: network}

	if preset, ok := NetworkPresets[network]; ok {
		result = preset
		result.Network = network
	}

	if v := env[EnvRPCURL]; v != "" {
		result.URL = v
	}
	if v := env[EnvRPCUser]; v != "" {
		result.User = v
	}
	if v := env[EnvRPCPass]; v != "" {
		result.Password = v
	}

	if explicit != nil {
		if explicit.URL != "" {
			result.URL = explicit.URL
		}
		if explicit.User != "" {
			result.User = explicit.User
		}
		if explicit.Password != "" {
			result.Password = explicit.Password
		}
	}

	if result.URL == "" {
		return nil, fmt.Errorf("payout: %s requires explicit RPC configuration (set --rpc-url, %s, or rpcurl in the config file)", network, EnvRPCURL)
	}
	return &result, nil
}
