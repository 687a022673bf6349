package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
)

type fakeClient struct {
	restarted []string
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) RestartService(ctx context.Context, service string) error {
	f.restarted = append(f.restarted, service)
	return nil
}

func (f *fakeClient) StartService(ctx context.Context, service string) error { return nil }
func (f *fakeClient) StopService(ctx context.Context, service string) error  { return nil }

func (f *fakeClient) SetPostgresUserPassword(ctx context.Context, username, password string) error {
	return nil
}

func (f *fakeClient) DumpPostgresDatabase(ctx context.Context, database string, out io.Writer) error {
	return nil
}

func (f *fakeClient) GetSystemReport(ctx context.Context) (string, error) { return "ok", nil }

func TestCallDialsAndRuns(t *testing.T) {
	client := &fakeClient{}
	dials := 0
	m := NewManager(func(ctx context.Context, host master.HostID) (Client, error) {
		dials++
		return client, nil
	}, time.Minute, observability.NewNopLogger(), nil)

	err := m.Call(context.Background(), 1, "restart_service", func(c Client) error {
		return c.RestartService(context.Background(), "postgresql")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dials)
	assert.Equal(t, []string{"postgresql"}, client.restarted)
	assert.False(t, m.IsDown(1))
}

func TestDialFailureMarksDownAndFastFails(t *testing.T) {
	dials := 0
	m := NewManager(func(ctx context.Context, host master.HostID) (Client, error) {
		dials++
		return nil, errors.New("connection refused")
	}, time.Minute, observability.NewNopLogger(), nil)

	err := m.Call(context.Background(), 7, "ping", func(c Client) error { return c.Ping(context.Background()) })
	require.True(t, master.IsHostUnavailable(err))
	assert.True(t, m.IsDown(7))

	// Second call fails fast without dialing.
	err = m.Call(context.Background(), 7, "ping", func(c Client) error { return c.Ping(context.Background()) })
	require.True(t, master.IsHostUnavailable(err))
	assert.Equal(t, 1, dials)

	// Other hosts are unaffected.
	err = m.Call(context.Background(), 8, "ping", func(c Client) error { return nil })
	require.True(t, master.IsHostUnavailable(err))
	assert.Equal(t, 2, dials)
}

func TestCooldownExpiryAllowsRedial(t *testing.T) {
	now := time.Now()
	dials := 0
	m := NewManager(func(ctx context.Context, host master.HostID) (Client, error) {
		dials++
		if dials == 1 {
			return nil, errors.New("connection refused")
		}
		return &fakeClient{}, nil
	}, time.Minute, observability.NewNopLogger(), nil)
	m.now = func() time.Time { return now }

	err := m.Call(context.Background(), 7, "ping", func(c Client) error { return nil })
	require.True(t, master.IsHostUnavailable(err))

	now = now.Add(2 * time.Minute)

	err = m.Call(context.Background(), 7, "ping", func(c Client) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
	assert.False(t, m.IsDown(7))
}

func TestOperationErrorsPassThrough(t *testing.T) {
	m := NewManager(func(ctx context.Context, host master.HostID) (Client, error) {
		return &fakeClient{}, nil
	}, time.Minute, observability.NewNopLogger(), nil)

	opErr := errors.New("no such service")
	err := m.Call(context.Background(), 1, "restart_service", func(c Client) error { return opErr })
	assert.ErrorIs(t, err, opErr)
	assert.False(t, master.IsHostUnavailable(err))
	assert.False(t, m.IsDown(1), "application errors must not mark the host down")
}

func TestMidStreamDropMarksDownAndFastFails(t *testing.T) {
	dials := 0
	m := NewManager(func(ctx context.Context, host master.HostID) (Client, error) {
		dials++
		return &fakeClient{}, nil
	}, time.Minute, observability.NewNopLogger(), nil)

	err := m.Call(context.Background(), 3, "dump_postgres_database", func(c Client) error {
		return fmt.Errorf("copying dump: %w", syscall.ECONNRESET)
	})
	require.True(t, master.IsHostUnavailable(err))
	assert.True(t, m.IsDown(3))

	// Subsequent calls fail fast without redialing.
	err = m.Call(context.Background(), 3, "ping", func(c Client) error { return nil })
	require.True(t, master.IsHostUnavailable(err))
	assert.Equal(t, 1, dials)
}

func TestSweepDown(t *testing.T) {
	now := time.Now()
	m := NewManager(func(ctx context.Context, host master.HostID) (Client, error) {
		return nil, errors.New("refused")
	}, time.Minute, observability.NewNopLogger(), nil)
	m.now = func() time.Time { return now }

	_ = m.Call(context.Background(), 1, "ping", func(c Client) error { return nil })
	_ = m.Call(context.Background(), 2, "ping", func(c Client) error { return nil })

	assert.Equal(t, 0, m.SweepDown())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, m.SweepDown())
	assert.False(t, m.IsDown(1))
}
