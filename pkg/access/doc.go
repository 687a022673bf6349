// Package access implements the ownership and authorization model every
// resource handler consults.
//
// # Visibility rules
//
// A master user with no scoped hosts sees every account. A master user with
// scoped hosts sees the accounts granted those hosts. Every other
// administrator sees exactly its own account and the chain of ancestors it
// was provisioned under, never siblings or descendants.
//
// CheckAccess variants return master.AccessDeniedError rather than false;
// the error aborts the request, and callers must never catch it and
// continue.
//
// # Caching
//
// Master-user and host-scope views load lazily from their tables;
// per-caller allowed-account sets live in a bounded expirable LRU. All of
// it clears on the relevant invalidation signals, because stale ancestor
// data is an authorization bug, not a performance detail.
package access
