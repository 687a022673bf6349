package handlers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

func expectAllocationLock(mock sqlmock.Sqlmock, host, port int) {
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(host, port).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestAddNetBindPortValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewNetBindHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	inv := invalidate.NewList()
	_, err := h.AddNetBind(ctx, nil, src, inv, "pkg1", 5, "10.0.0.1", 70000, "tcp", "http", false)
	require.True(t, master.IsIntegrity(err), "got %v", err)

	_, err = h.AddNetBind(ctx, nil, src, inv, "pkg1", 5, "10.0.0.1", 80, "icmp", "http", false)
	require.True(t, master.IsIntegrity(err), "got %v", err)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAddNetBindConflictRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewNetBindHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	tx := env.begin(t, ctx)
	expectPackageAccounting(env.mock, "pkg1", "A")
	expectUnrestrictedMaster(env.mock, "op", "A")
	expectAllocationLock(env.mock, 5, 8080)
	env.mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM net_binds").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	inv := invalidate.NewList()
	_, err := h.AddNetBind(ctx, tx, src, inv, "pkg1", 5, WildcardIP, 8080, "tcp", "http", false)
	require.True(t, master.IsIntegrity(err), "got %v", err)
	assert.Contains(t, err.Error(), "port already in use")
	assert.False(t, inv.IsInvalid(schema.TableNetBinds))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

// Two allocators race for the same wildcard port. The advisory lock is
// transaction-scoped: the loser acquires it only after the winner's commit,
// so its conflict check runs against a snapshot that already contains the
// winner's row. Exactly one allocation succeeds.
func TestAddNetBindSecondAllocatorSeesCommittedWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewNetBindHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	// Winner: lock, no conflict, insert. The lock is taken inside the
	// transaction, before the conflict check.
	tx1 := env.begin(t, ctx)
	expectPackageAccounting(env.mock, "pkg1", "A")
	expectUnrestrictedMaster(env.mock, "op", "A")
	expectAllocationLock(env.mock, 5, 8080)
	env.mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM net_binds").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	env.mock.ExpectQuery("INSERT INTO net_binds").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(501))

	inv1 := invalidate.NewList()
	id, err := h.AddNetBind(ctx, tx1, src, inv1, "pkg1", 5, WildcardIP, 8080, "tcp", "http", false)
	require.NoError(t, err)
	assert.Equal(t, 501, id)
	assert.True(t, inv1.IsInvalid(schema.TableNetBinds))

	env.mock.ExpectCommit()
	require.NoError(t, tx1.Commit())

	// Loser: blocked on the lock until the winner committed, then counts the
	// committed row.
	tx2 := env.begin(t, ctx)
	expectPackageAccounting(env.mock, "pkg1", "A")
	expectAllocationLock(env.mock, 5, 8080)
	env.mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM net_binds").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	inv2 := invalidate.NewList()
	_, err = h.AddNetBind(ctx, tx2, src, inv2, "pkg1", 5, WildcardIP, 8080, "tcp", "http", false)
	require.True(t, master.IsIntegrity(err), "got %v", err)
	assert.Contains(t, err.Error(), "port already in use")
	assert.False(t, inv2.IsInvalid(schema.TableNetBinds))

	env.mock.ExpectRollback()
	require.NoError(t, tx2.Rollback())
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRemoveNetBindBlockedByReferences(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewNetBindHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	tx := env.begin(t, ctx)
	env.mock.ExpectQuery("SELECT package, server FROM net_binds").
		WithArgs(501).
		WillReturnRows(sqlmock.NewRows([]string{"package", "server"}).AddRow("pkg1", 5))
	expectPackageAccounting(env.mock, "pkg1", "A")
	expectUnrestrictedMaster(env.mock, "op", "A")
	env.mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM httpd_site_binds").
		WithArgs(501).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	inv := invalidate.NewList()
	err := h.RemoveNetBind(ctx, tx, src, inv, 501)
	require.True(t, master.IsIntegrity(err), "got %v", err)
	assert.Contains(t, err.Error(), "httpd site binds")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
