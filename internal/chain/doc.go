// Package chain houses blockchain connectivity utilities used for message
// preflight and balance reporting. It abstracts EVM compatible networks
// behind a uniform client interface so higher layers can check contract
// code presence and query native or token balances without depending on a
// concrete RPC implementation.
package chain
