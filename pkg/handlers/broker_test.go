package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

type recordingListener struct {
	tables []schema.TableID
}

func (l *recordingListener) InvalidateTable(table schema.TableID) {
	l.tables = append(l.tables, table)
}

func newTestBroker(t *testing.T) (*Broker, *recordingListener, *testEnv) {
	t.Helper()
	env := newTestEnv(t, nil)
	listener := &recordingListener{}
	broadcaster := invalidate.NewBroadcaster(nil)
	broadcaster.Register(listener)
	broker := NewBroker(env.deps.DB, broadcaster, nil, observability.NewNopLogger(), nil)
	return broker, listener, env
}

func TestTransactCommitBroadcasts(t *testing.T) {
	broker, listener, env := newTestBroker(t)
	src := master.StaticSource{User: "op"}

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	err := broker.Transact(context.Background(), src, "test", func(ctx context.Context, tx *database.Tx, inv *invalidate.List) error {
		inv.AddTable(schema.TableNetBinds, invalidate.Accounts("A"), invalidate.Hosts(1), false)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.TableID{schema.TableNetBinds}, listener.tables)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestTransactRollbackDiscardsInvalidations(t *testing.T) {
	broker, listener, env := newTestBroker(t)
	src := master.StaticSource{User: "op"}
	boom := errors.New("handler failed")

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	err := broker.Transact(context.Background(), src, "test", func(ctx context.Context, tx *database.Tx, inv *invalidate.List) error {
		inv.AddTable(schema.TableAccounts, invalidate.AllAccounts(), invalidate.AllHosts(), true)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, listener.tables)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

// A pooled list reused after a failed request must be indistinguishable from
// a fresh one: the second request's broadcast carries only its own tables.
func TestTransactPooledListReset(t *testing.T) {
	broker, listener, env := newTestBroker(t)
	src := master.StaticSource{User: "op"}

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	err := broker.Transact(context.Background(), src, "first", func(ctx context.Context, tx *database.Tx, inv *invalidate.List) error {
		inv.AddTable(schema.TableAccounts, invalidate.AllAccounts(), invalidate.AllHosts(), true)
		return errors.New("first fails")
	})
	require.Error(t, err)

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()
	err = broker.Transact(context.Background(), src, "second", func(ctx context.Context, tx *database.Tx, inv *invalidate.List) error {
		inv.AddTable(schema.TableNetBinds, invalidate.Accounts("A"), invalidate.Hosts(1), false)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []schema.TableID{schema.TableNetBinds}, listener.tables)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

// A handler that releases the transaction has committed its writes; a late
// failure still returns the error but the invalidations must reach the
// caches.
func TestTransactReleasedThenFailedStillBroadcasts(t *testing.T) {
	broker, listener, env := newTestBroker(t)
	src := master.StaticSource{User: "op"}
	late := errors.New("daemon unreachable")

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	err := broker.Transact(context.Background(), src, "test", func(ctx context.Context, tx *database.Tx, inv *invalidate.List) error {
		inv.AddTable(schema.TablePostgresServerUsers, invalidate.Accounts("A"), invalidate.Hosts(2), false)
		if err := tx.Release(); err != nil {
			return err
		}
		return late
	})
	require.ErrorIs(t, err, late)
	assert.Equal(t, []schema.TableID{schema.TablePostgresServerUsers}, listener.tables)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

// The broker attaches a request ID to the context it hands the handler.
func TestTransactAttachesRequestID(t *testing.T) {
	broker, _, env := newTestBroker(t)
	src := master.StaticSource{User: "op"}

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	var requestID string
	err := broker.Transact(context.Background(), src, "test", func(ctx context.Context, tx *database.Tx, inv *invalidate.List) error {
		requestID = observability.GetRequestID(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, requestID)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
