package handlers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
)

// expectHostScope primes the resolver for one unrestricted master user
// without loading the account list.
func expectHostScope(mock sqlmock.Sqlmock, user string) {
	mock.ExpectQuery("SELECT username, is_active FROM master_users").
		WillReturnRows(sqlmock.NewRows([]string{"username", "is_active"}).AddRow(user, true))
	mock.ExpectQuery("SELECT username, server FROM master_servers").
		WillReturnRows(sqlmock.NewRows([]string{"username", "server"}))
}

func TestGetSystemReport(t *testing.T) {
	client := &fakeDaemonClient{report: "load: 0.42\n"}
	env := newTestEnv(t, staticDialer(client))
	h := NewLinuxServerHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	expectPermissions(env.mock, map[string][]string{"op": {"get_system_report"}})
	expectHostScope(env.mock, "op")

	report, err := h.GetSystemReport(ctx, src, 5)
	require.NoError(t, err)
	assert.Equal(t, "load: 0.42\n", report)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestGetSystemReportPermissionDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewLinuxServerHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	expectPermissions(env.mock, nil)

	_, err := h.GetSystemReport(ctx, src, 5)
	require.True(t, master.IsAccessDenied(err), "got %v", err)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestServiceControlUnknownService(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewLinuxServerHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	err := h.RestartService(ctx, src, 5, "nginx")
	require.True(t, master.IsIntegrity(err), "got %v", err)
	assert.Contains(t, err.Error(), "not a controllable service")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestServiceControlDispatches(t *testing.T) {
	client := &fakeDaemonClient{}
	env := newTestEnv(t, staticDialer(client))
	h := NewLinuxServerHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	expectPermissions(env.mock, map[string][]string{"op": {"service_control"}})
	expectHostScope(env.mock, "op")

	require.NoError(t, h.RestartService(ctx, src, 5, "httpd"))
	require.NoError(t, h.StopService(ctx, src, 5, "sendmail"))
	require.NoError(t, h.StartService(ctx, src, 5, "sendmail"))

	assert.Equal(t, []string{"httpd"}, client.restarted)
	assert.Equal(t, []string{"sendmail"}, client.stopped)
	assert.Equal(t, []string{"sendmail"}, client.started)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
