package handlers

import (
	"context"
	"fmt"

	"github.com/aoindustries/aoserv-master-sub002/pkg/access"
	"github.com/aoindustries/aoserv-master-sub002/pkg/daemon"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// Services the master may control on a host. Anything outside this set is
// rejected before the daemon is contacted.
var controllableServices = map[string]bool{
	"httpd":      true,
	"postgresql": true,
	"xinetd":     true,
	"cron":       true,
	"sendmail":   true,
}

// LinuxServerHandler proxies per-host operations to the daemons: system
// reports and service control. It holds no database state of its own.
type LinuxServerHandler struct {
	deps Deps
}

// NewLinuxServerHandler creates the handler.
func NewLinuxServerHandler(deps Deps) *LinuxServerHandler {
	return &LinuxServerHandler{deps: deps}
}

// GetSystemReport fetches the host's status report. Report generation is
// expensive on the daemon side, so one report per host runs at a time; the
// wait for the per-host lock is bounded and times out distinctly from a down
// host.
func (h *LinuxServerHandler) GetSystemReport(ctx context.Context, src master.RequestSource, host master.HostID) (string, error) {
	user := src.Username()
	if err := h.deps.Permissions.CheckPermission(ctx, user, access.PermissionGetSystemReport); err != nil {
		return "", err
	}
	if err := h.deps.Resolver.CheckAccessHost(ctx, user, "get_system_report", host); err != nil {
		return "", err
	}

	release, err := h.deps.HostLocks.Acquire(ctx, host)
	if err != nil {
		return "", err
	}
	defer release()

	var report string
	err = h.deps.Daemons.Call(ctx, host, "get_system_report", func(c daemon.Client) error {
		var callErr error
		report, callErr = c.GetSystemReport(ctx)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return report, nil
}

// RestartService restarts a managed service on the host.
func (h *LinuxServerHandler) RestartService(ctx context.Context, src master.RequestSource, host master.HostID, service string) error {
	return h.serviceControl(ctx, src, host, service, "restart_service", func(c daemon.Client) error {
		return c.RestartService(ctx, service)
	})
}

// StartService starts a managed service on the host.
func (h *LinuxServerHandler) StartService(ctx context.Context, src master.RequestSource, host master.HostID, service string) error {
	return h.serviceControl(ctx, src, host, service, "start_service", func(c daemon.Client) error {
		return c.StartService(ctx, service)
	})
}

// StopService stops a managed service on the host.
func (h *LinuxServerHandler) StopService(ctx context.Context, src master.RequestSource, host master.HostID, service string) error {
	return h.serviceControl(ctx, src, host, service, "stop_service", func(c daemon.Client) error {
		return c.StopService(ctx, service)
	})
}

func (h *LinuxServerHandler) serviceControl(ctx context.Context, src master.RequestSource, host master.HostID, service, operation string, fn func(daemon.Client) error) error {
	if !controllableServices[service] {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("service %q", service),
			Rule:   "not a controllable service",
		}
	}
	user := src.Username()
	if err := h.deps.Permissions.CheckPermission(ctx, user, access.PermissionServiceControl); err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessHost(ctx, user, operation, host); err != nil {
		return err
	}
	return h.deps.Daemons.Call(ctx, host, operation, fn)
}

// InvalidateTable is a no-op; the handler keeps no caches.
func (h *LinuxServerHandler) InvalidateTable(schema.TableID) {}
