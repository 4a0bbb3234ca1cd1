// Package web3 houses blockchain connectivity utilities for the X402 escrow
// and strategy registry contracts: chain definitions loaded from YAML, an EVM
// client backed by go-ethereum, and the contract bindings in the x402
// subpackage.
package web3
