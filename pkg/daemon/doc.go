// Package daemon provides the master's view of the per-host agent daemons:
// the Client RPC contract, a Manager that fails fast against hosts marked
// down, and bounded-wait per-host exclusive locks for single-flight
// operations like report generation.
package daemon
