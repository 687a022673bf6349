// Package observability provides the master server's structured logging,
// Prometheus metrics, and health check endpoints.
//
// The Logger is a thin JSON wrapper over log/slog with chained field
// helpers; request IDs travel in the context and are attached by
// FromContext. Metrics cover the request broker (commits, rollbacks,
// durations), invalidation broadcasts per table, access denials, cache
// hit/miss/clear counts, and daemon RPC outcomes. HealthChecker serves
// liveness and readiness probes backed by postgres and the optional redis
// relay.
package observability
