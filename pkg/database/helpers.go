package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
)

// QueryString runs a single-value query returning one string. Returns
// master.ErrNotFound when no row matches.
func QueryString(ctx context.Context, q Queryer, query string, args ...interface{}) (string, error) {
	var s string
	err := q.QueryRowContext(ctx, query, args...).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", master.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	return s, nil
}

// QueryNullString is QueryString for nullable columns; valid reports whether
// the value was non-null. Returns master.ErrNotFound when no row matches.
func QueryNullString(ctx context.Context, q Queryer, query string, args ...interface{}) (value string, valid bool, err error) {
	var ns sql.NullString
	err = q.QueryRowContext(ctx, query, args...).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, master.ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("query failed: %w", err)
	}
	return ns.String, ns.Valid, nil
}

// QueryInt runs a single-value query returning one int. Returns
// master.ErrNotFound when no row matches.
func QueryInt(ctx context.Context, q Queryer, query string, args ...interface{}) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, query, args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, master.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	return n, nil
}

// QueryNullInt is QueryInt for nullable columns.
func QueryNullInt(ctx context.Context, q Queryer, query string, args ...interface{}) (value int, valid bool, err error) {
	var ni sql.NullInt64
	err = q.QueryRowContext(ctx, query, args...).Scan(&ni)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, master.ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("query failed: %w", err)
	}
	return int(ni.Int64), ni.Valid, nil
}

// QueryBool runs a single-value query returning one bool. Returns
// master.ErrNotFound when no row matches.
func QueryBool(ctx context.Context, q Queryer, query string, args ...interface{}) (bool, error) {
	var b bool
	err := q.QueryRowContext(ctx, query, args...).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return false, master.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query failed: %w", err)
	}
	return b, nil
}

// QueryStrings runs a query returning a list of strings in result order.
func QueryStrings(ctx context.Context, q Queryer, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// QueryStringSet runs a query returning a deduplicated set of strings.
func QueryStringSet(ctx context.Context, q Queryer, query string, args ...interface{}) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out[s] = struct{}{}
	}
	return out, rows.Err()
}
