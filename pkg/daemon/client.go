package daemon

import (
	"context"
	"io"

	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
)

// Client is the per-host daemon RPC surface the master needs. The wire
// protocol behind it is an external collaborator; implementations are
// injected through a Dialer. All operations are synchronous and may fail
// with a connectivity error, which Manager.Call translates into
// master.HostUnavailableError.
type Client interface {
	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// RestartService restarts a managed service by name.
	RestartService(ctx context.Context, service string) error

	// StartService starts a managed service by name.
	StartService(ctx context.Context, service string) error

	// StopService stops a managed service by name.
	StopService(ctx context.Context, service string) error

	// SetPostgresUserPassword propagates a password to the host's postgres.
	SetPostgresUserPassword(ctx context.Context, username, password string) error

	// DumpPostgresDatabase streams a dump of the named database.
	DumpPostgresDatabase(ctx context.Context, database string, out io.Writer) error

	// GetSystemReport fetches the host's full status report.
	GetSystemReport(ctx context.Context) (string, error)
}

// Dialer connects to one host's daemon.
type Dialer func(ctx context.Context, host master.HostID) (Client, error)
