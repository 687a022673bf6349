// Package handlers implements the per-resource request handlers and the
// broker that runs them.
//
// Every mutation follows the same shape: check access on each referenced
// parent entity, enforce the resource's integrity rules, run the SQL, and
// record invalidations on the request's list. The broker owns the
// transaction boundary and broadcasts the invalidations only after commit.
//
// Handlers hold no authoritative state. Their disabled-flag caches are lazy,
// rebuildable views cleared by the invalidation broadcast.
package handlers
