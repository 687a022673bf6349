package handlers

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

var emailRegexp = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// SignupRequest is one pending or completed signup.
type SignupRequest struct {
	ID          int
	Accounting  master.AccountingCode
	Email       string
	Name        string
	Created     time.Time
	CompletedBy master.UserID
	Completed   bool
}

// SignupHandler owns signup requests made against a reseller account. Stale
// uncompleted requests are swept by a scheduled cleanup.
type SignupHandler struct {
	deps Deps
}

// NewSignupHandler creates the handler.
func NewSignupHandler(deps Deps) *SignupHandler {
	return &SignupHandler{deps: deps}
}

// AddSignupRequest stores a signup request against the reseller account and
// returns its id.
func (h *SignupHandler) AddSignupRequest(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, accounting master.AccountingCode, email, name string) (int, error) {
	if !emailRegexp.MatchString(email) {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("signup request for %q", email),
			Rule:   "invalid email address",
		}
	}
	user := src.Username()
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "add_signup_request", accounting); err != nil {
		return 0, err
	}

	var id int
	err := tx.QueryRowContext(ctx,
		"INSERT INTO signup_requests (accounting, email, name, created) VALUES ($1, $2, $3, now()) RETURNING id",
		string(accounting), email, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert signup request: %w", err)
	}

	inv.AddTable(schema.TableSignupRequests, invalidate.Accounts(accounting), invalidate.Hosts(), false)
	return id, nil
}

// CompleteSignupRequest marks a request handled by the caller.
func (h *SignupHandler) CompleteSignupRequest(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, request int) error {
	user := src.Username()
	var accounting string
	var completed bool
	err := tx.QueryRowContext(ctx,
		"SELECT accounting, completed_by IS NOT NULL FROM signup_requests WHERE id = $1",
		request).Scan(&accounting, &completed)
	if err != nil {
		return fmt.Errorf("signup request %d: %w", request, err)
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "complete_signup_request", master.AccountingCode(accounting)); err != nil {
		return err
	}
	if completed {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("signup request %d", request),
			State:  "already completed",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE signup_requests SET completed_by = $1, completed_time = now() WHERE id = $2",
		string(user), request); err != nil {
		return fmt.Errorf("failed to complete signup request: %w", err)
	}

	inv.AddTable(schema.TableSignupRequests, invalidate.Accounts(master.AccountingCode(accounting)), invalidate.Hosts(), false)
	return nil
}

// GetSignupRequestsForAccount lists the account's signup requests, newest
// first.
func (h *SignupHandler) GetSignupRequestsForAccount(ctx context.Context, q database.Queryer, src master.RequestSource, accounting master.AccountingCode) ([]SignupRequest, error) {
	user := src.Username()
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "get_signup_requests", accounting); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		"SELECT id, email, name, created, completed_by FROM signup_requests WHERE accounting = $1 ORDER BY created DESC",
		string(accounting))
	if err != nil {
		return nil, fmt.Errorf("failed to list signup requests: %w", err)
	}
	defer rows.Close()

	var out []SignupRequest
	for rows.Next() {
		var r SignupRequest
		var completedBy *string
		if err := rows.Scan(&r.ID, &r.Email, &r.Name, &r.Created, &completedBy); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		r.Accounting = accounting
		if completedBy != nil {
			r.CompletedBy = master.UserID(*completedBy)
			r.Completed = true
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CleanupExpiredRequests deletes uncompleted requests older than maxAge and
// returns how many were removed. Driven by the scheduler, not by clients.
func (h *SignupHandler) CleanupExpiredRequests(ctx context.Context, tx *database.Tx, inv *invalidate.List, maxAge time.Duration) (int, error) {
	res, err := tx.ExecContext(ctx,
		"DELETE FROM signup_requests WHERE completed_by IS NULL AND created < now() - ($1 * interval '1 second')",
		int64(maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up signup requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		// No record of which accounts the deleted rows belonged to.
		inv.AddTable(schema.TableSignupRequests, invalidate.AllAccounts(), invalidate.Hosts(), false)
	}
	return int(n), nil
}

// InvalidateTable is a no-op; the handler keeps no caches.
func (h *SignupHandler) InvalidateTable(schema.TableID) {}
