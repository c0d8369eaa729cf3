// Package server implements the CoAP server dispatch and reliability engine
// (RFC 7252) with Observe (RFC 7641), Echo (RFC 9175) and OSCORE (RFC 8613).
//
// A Server owns a set of Services. Each Service is one bound transport
// endpoint with four fixed-capacity stores:
//
//   - PendingStore: in-flight Confirmable messages awaiting an ACK, driving
//     retransmission with exponential backoff (RFC 7252 Section 4.2).
//   - ObserverRegistry: Observe subscriptions keyed by (address, token).
//   - EchoCache: per-client Echo nonces and the verified-address flag.
//   - ExchangeCache: OSCORE exchanges whose responses must be protected.
//
// A single goroutine (Run) drives all protocol logic. Every store mutation
// happens under one mutex; other goroutines interact with the loop by
// starting or stopping Services and by queueing notifications, which wake
// the loop through a signal channel.
package server
