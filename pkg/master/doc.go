// Package master holds the identifiers, request identity contract, and error
// taxonomy shared by every part of the master server.
//
// # Identifiers
//
// AccountingCode names an account (tenant), UserID names an administrator,
// and HostID names a managed server. Parse functions validate the string
// forms before they are used in queries.
//
// # Errors
//
// The error taxonomy mirrors how the request layer reacts:
//
//   - AccessDeniedError: fatal, rolls back the request
//   - IntegrityError: fatal, names the entity and violated rule
//   - InvalidStateError: fatal, wrong lifecycle state
//   - HostUnavailableError: daemon connectivity failure, host marked down
//   - LockTimeoutError: bounded resource wait expired
//
// Each carries an Is helper (IsAccessDenied, IsIntegrity, ...) built on
// errors.As so wrapped errors are still recognized.
package master
