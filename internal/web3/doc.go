// Package web3 describes the execution domains an intent may travel between.
// Domains are loaded from a YAML chain definition file; EVM domains carry an
// RPC endpoint so their chain id can be verified against the configured
// domain id and their liveness checked before an intent is handed off.
package web3
