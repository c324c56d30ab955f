// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Locations, in order of precedence:
//
//  1. The --config flag
//  2. The RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/relay/gateway.yaml (~/.config when unset)
//
// With none of these present the gateway runs on Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string. RELAY_DB_PATH overrides
// database.path after parsing.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  registration_timeout: "10s"
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	requests:
//	  default_timeout: "30s"
//	  max_timeout: "5m"
//	  dedupe_ttl: "5m"
//
// # Ledger
//
// database.path names the SQLite file that records agent lifecycle events
// and request outcomes. Leave it empty to run without a ledger.
package config
