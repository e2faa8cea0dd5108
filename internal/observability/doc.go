// Package observability provides structured logging and Prometheus metrics
// for the issuer.
//
// This package implements:
//   - zap logger construction from ObservabilityConfig
//   - Counters and histograms for client authentication, session concurrency
//     and the permission cache
//
// Services take a *Metrics that may be nil; all recording methods are nil-safe.
package observability
