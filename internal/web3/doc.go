// Package web3 houses blockchain connectivity used to anchor evaluation
// roots: chain definitions loaded from YAML, a registry of named RPC clients
// and the EVM client that submits evaluation commitments to an anchor
// contract.
package web3
