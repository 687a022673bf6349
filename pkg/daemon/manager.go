package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
)

// Manager hands out daemon clients and tracks host availability. A
// connectivity failure marks the host down for a cooldown; during the
// cooldown every call fails fast with master.HostUnavailableError instead of
// re-dialing a dead host. Retrying is the caller's policy, not the
// manager's.
type Manager struct {
	dialer   Dialer
	cooldown time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu   sync.Mutex
	down map[master.HostID]time.Time
}

// NewManager creates a manager. metrics may be nil.
func NewManager(dialer Dialer, cooldown time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		dialer:   dialer,
		cooldown: cooldown,
		logger:   logger.WithField("component", "daemon-manager"),
		metrics:  metrics,
		now:      time.Now,
		down:     make(map[master.HostID]time.Time),
	}
}

// Call dials the host and runs fn against its client, translating
// connectivity failures into master.HostUnavailableError and marking the
// host down. That includes transport failures surfaced by fn mid-stream;
// application errors from fn pass through untouched.
func (m *Manager) Call(ctx context.Context, host master.HostID, operation string, fn func(Client) error) error {
	if m.metrics != nil {
		m.metrics.DaemonCallsTotal.WithLabelValues(operation).Inc()
	}

	if err := m.checkDown(host); err != nil {
		if m.metrics != nil {
			m.metrics.DaemonFastFailsTotal.Inc()
		}
		return err
	}

	client, err := m.dialer(ctx, host)
	if err != nil {
		m.markDown(host, operation, err)
		return &master.HostUnavailableError{Host: host, Err: err}
	}

	if err := fn(client); err != nil {
		if isConnectivityError(err) {
			m.markDown(host, operation, err)
			return &master.HostUnavailableError{Host: host, Err: err}
		}
		return err
	}

	m.markUp(host)
	return nil
}

// isConnectivityError reports whether err is a transport failure rather than
// an application error from the daemon. A mid-stream drop marks the host
// down the same as a dial failure.
func isConnectivityError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// MarkDown records a connectivity failure observed outside Call, such as a
// mid-stream drop, so subsequent calls fail fast.
func (m *Manager) MarkDown(host master.HostID) {
	m.markDown(host, "external", nil)
}

// IsDown reports whether the host is inside its down cooldown.
func (m *Manager) IsDown(host master.HostID) bool {
	return m.checkDown(host) != nil
}

// SweepDown drops cooldown markers that have expired, so the down map does
// not accumulate entries for hosts nobody calls. Run periodically.
func (m *Manager) SweepDown() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for host, since := range m.down {
		if m.now().Sub(since) >= m.cooldown {
			delete(m.down, host)
			removed++
		}
	}
	return removed
}

func (m *Manager) checkDown(host master.HostID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	since, ok := m.down[host]
	if !ok {
		return nil
	}
	if m.now().Sub(since) >= m.cooldown {
		delete(m.down, host)
		return nil
	}
	return &master.HostUnavailableError{Host: host}
}

func (m *Manager) markDown(host master.HostID, operation string, err error) {
	m.mu.Lock()
	m.down[host] = m.now()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.DaemonFailuresTotal.WithLabelValues(operation).Inc()
	}
	m.logger.WithFields(map[string]interface{}{
		"host":      int(host),
		"operation": operation,
	}).WithError(err).Warn("daemon marked down")
}

func (m *Manager) markUp(host master.HostID) {
	m.mu.Lock()
	delete(m.down, host)
	m.mu.Unlock()
}
