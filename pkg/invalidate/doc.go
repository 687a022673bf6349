// Package invalidate implements the invalidation propagation engine.
//
// Every mutating request records which client-visible tables changed for
// which accounts and hosts into a List. Recording expands a static, acyclic
// dependency graph (see pkg/schema) so indirectly affected tables are
// covered without each call site enumerating them. After the owning
// transaction commits, the Broadcaster fans the recorded invalidations out
// to every registered cache listener in a fixed, total order; a rolled-back
// transaction's list is simply discarded.
//
// Scopes are tagged unions: Specific(set) or All, with All as the absorbing
// element of the union on each axis independently. An empty specific set is
// distinct from All.
//
// The optional Relay extends the broadcast across master processes through
// a Redis channel.
package invalidate
