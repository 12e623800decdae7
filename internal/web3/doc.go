// Package web3 houses blockchain connectivity: the chain table loader, an EVM
// RPC client usable as the dispatcher's read client, a chain registry keyed
// by chain id, and a local sign-and-broadcast capability.
package web3
