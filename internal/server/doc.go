// Package server exposes the channel controller over a small JSON admin API.
//
// Every route runs behind the same chain: request ids, request logging,
// security headers, and per-route metrics.
package server
