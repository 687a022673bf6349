package handlers

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/aoindustries/aoserv-master-sub002/pkg/access"
	"github.com/aoindustries/aoserv-master-sub002/pkg/daemon"
	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
)

type testEnv struct {
	deps Deps
	mock sqlmock.Sqlmock
}

func newTestEnv(t *testing.T, dialer daemon.Dialer) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewNopLogger()
	d := database.NewFromDB(db, logger)
	if dialer == nil {
		dialer = func(ctx context.Context, host master.HostID) (daemon.Client, error) {
			return nil, errors.New("no daemon configured")
		}
	}
	return &testEnv{
		deps: Deps{
			DB:          d,
			Resolver:    access.NewResolver(d, nil, time.Minute),
			Permissions: access.NewPermissionCache(d, nil),
			Daemons:     daemon.NewManager(dialer, time.Minute, logger, nil),
			HostLocks:   daemon.NewHostLocks(time.Second),
			Logger:      logger,
		},
		mock: mock,
	}
}

// begin starts a mocked transaction.
func (e *testEnv) begin(t *testing.T, ctx context.Context) *database.Tx {
	t.Helper()
	e.mock.ExpectBegin()
	tx, err := e.deps.DB.Begin(ctx)
	require.NoError(t, err)
	return tx
}

// expectUnrestrictedMaster primes the resolver caches for one unrestricted
// master user who can see the given accounts.
func expectUnrestrictedMaster(mock sqlmock.Sqlmock, user string, accounts ...string) {
	mock.ExpectQuery("SELECT username, is_active FROM master_users").
		WillReturnRows(sqlmock.NewRows([]string{"username", "is_active"}).AddRow(user, true))
	mock.ExpectQuery("SELECT username, server FROM master_servers").
		WillReturnRows(sqlmock.NewRows([]string{"username", "server"}))
	rows := sqlmock.NewRows([]string{"accounting"})
	for _, a := range accounts {
		rows.AddRow(a)
	}
	mock.ExpectQuery("SELECT accounting FROM accounts").WillReturnRows(rows)
}

// expectPackageAccounting primes the package -> owning account lookup.
func expectPackageAccounting(mock sqlmock.Sqlmock, name, accounting string) {
	mock.ExpectQuery("SELECT accounting FROM packages").
		WithArgs(name).
		WillReturnRows(sqlmock.NewRows([]string{"accounting"}).AddRow(accounting))
}

// expectPermissions primes the permission cache bulk load.
func expectPermissions(mock sqlmock.Sqlmock, grants map[string][]string) {
	rows := sqlmock.NewRows([]string{"username", "permission"})
	for user, perms := range grants {
		for _, p := range perms {
			rows.AddRow(user, p)
		}
	}
	mock.ExpectQuery("SELECT username, permission FROM administrator_permissions").
		WillReturnRows(rows)
}

// fakeDaemonClient records the operations it served.
type fakeDaemonClient struct {
	mu        sync.Mutex
	restarted []string
	started   []string
	stopped   []string
	passwords map[string]string
	report    string
	dump      string
}

func (f *fakeDaemonClient) Ping(context.Context) error { return nil }

func (f *fakeDaemonClient) RestartService(_ context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, service)
	return nil
}

func (f *fakeDaemonClient) StartService(_ context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, service)
	return nil
}

func (f *fakeDaemonClient) StopService(_ context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, service)
	return nil
}

func (f *fakeDaemonClient) SetPostgresUserPassword(_ context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.passwords == nil {
		f.passwords = make(map[string]string)
	}
	f.passwords[username] = password
	return nil
}

func (f *fakeDaemonClient) DumpPostgresDatabase(_ context.Context, database string, out io.Writer) error {
	_, err := io.WriteString(out, f.dump)
	return err
}

func (f *fakeDaemonClient) GetSystemReport(context.Context) (string, error) {
	return f.report, nil
}

func staticDialer(c daemon.Client) daemon.Dialer {
	return func(context.Context, master.HostID) (daemon.Client, error) { return c, nil }
}
