// Package web3 houses the chain connectivity used to move treasury funds:
// chain definitions loaded from YAML, a client abstraction over EVM
// networks, and the vault call description shared with the executor.
package web3
