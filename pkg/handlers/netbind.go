package handlers

import (
	"context"
	"fmt"

	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// WildcardIP binds to every address on a device.
const WildcardIP = "0.0.0.0"

var validNetProtocols = map[string]bool{"tcp": true, "udp": true}

// NetBindHandler owns port allocations. Allocation is check-then-insert over
// a conflict rule no unique constraint can express (a wildcard bind conflicts
// with every specific-IP bind on the port), so allocations for a (server,
// port) pair are serialized on a transaction-scoped advisory lock.
type NetBindHandler struct {
	deps Deps
}

// NewNetBindHandler creates the handler.
func NewNetBindHandler(deps Deps) *NetBindHandler {
	return &NetBindHandler{deps: deps}
}

// AddNetBind allocates a port on a host and returns the new bind id. Of N
// concurrent calls for conflicting (host, port, protocol) allocations exactly
// one succeeds; the rest fail with a port-in-use integrity error.
func (h *NetBindHandler) AddNetBind(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, packageName string, host master.HostID, ipAddress string, port int, netProtocol, appProtocol string, openFirewall bool) (int, error) {
	if port < 1 || port > 65535 {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("net bind on port %d", port),
			Rule:   "port out of range 1-65535",
		}
	}
	if !validNetProtocols[netProtocol] {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("net bind on port %d", port),
			Rule:   fmt.Sprintf("unknown net protocol %q", netProtocol),
		}
	}

	user := src.Username()
	accounting, err := checkAccessPackage(ctx, tx, h.deps.Resolver, user, "add_net_bind", packageName)
	if err != nil {
		return 0, err
	}
	if err := h.deps.Resolver.CheckAccessHost(ctx, user, "add_net_bind", host); err != nil {
		return 0, err
	}

	// The advisory lock is held until this transaction commits or rolls
	// back, so the winner's row is visible to the next allocator's conflict
	// check. It also serializes allocations across peer master processes.
	if _, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock($1, $2)", int(host), port); err != nil {
		return 0, fmt.Errorf("failed to lock port allocation: %w", err)
	}

	// A wildcard bind conflicts with every bind on the (host, port,
	// protocol); a specific-IP bind conflicts with the same IP and with any
	// wildcard bind.
	conflicts, err := database.QueryInt(ctx, tx,
		"SELECT COUNT(*) FROM net_binds nb JOIN ip_addresses ia ON nb.ip_address = ia.id WHERE nb.server = $1 AND nb.port = $2 AND nb.net_protocol = $3 AND (ia.ip_address = $4 OR ia.ip_address = $5 OR $4 = $5)",
		int(host), port, netProtocol, ipAddress, WildcardIP)
	if err != nil {
		return 0, err
	}
	if conflicts > 0 {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("net bind %s:%d/%s on server %d", ipAddress, port, netProtocol, host),
			Rule:   "port already in use",
		}
	}

	var id int
	err = tx.QueryRowContext(ctx,
		"INSERT INTO net_binds (package, server, ip_address, port, net_protocol, app_protocol, open_firewall) SELECT $1, $2, ia.id, $3, $4, $5, $6 FROM ip_addresses ia JOIN net_devices nd ON ia.net_device = nd.id WHERE nd.server = $2 AND ia.ip_address = $7 RETURNING id",
		packageName, int(host), port, netProtocol, appProtocol, openFirewall, ipAddress).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert net bind: %w", err)
	}

	inv.AddTable(schema.TableNetBinds, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return id, nil
}

// netBindDependency lists resources that keep a bind alive.
type netBindDependency struct {
	name  string
	query string
}

var netBindDependencies = []netBindDependency{
	{"httpd site binds", "SELECT COUNT(*) FROM httpd_site_binds WHERE net_bind = $1"},
	{"tcp redirects", "SELECT COUNT(*) FROM net_tcp_redirects WHERE net_bind = $1"},
}

// RemoveNetBind frees a port allocation, blocked while anything references
// the bind.
func (h *NetBindHandler) RemoveNetBind(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, bind int) error {
	user := src.Username()
	var packageName string
	var hostID int
	if err := tx.QueryRowContext(ctx,
		"SELECT package, server FROM net_binds WHERE id = $1", bind).Scan(&packageName, &hostID); err != nil {
		return fmt.Errorf("net bind %d: %w", bind, err)
	}
	accounting, err := checkAccessPackage(ctx, tx, h.deps.Resolver, user, "remove_net_bind", packageName)
	if err != nil {
		return err
	}

	for _, dep := range netBindDependencies {
		n, err := database.QueryInt(ctx, tx, dep.query, bind)
		if err != nil {
			return err
		}
		if n > 0 {
			return &master.IntegrityError{
				Entity: fmt.Sprintf("net bind %d", bind),
				Rule:   fmt.Sprintf("%d %s still present", n, dep.name),
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM net_binds WHERE id = $1", bind); err != nil {
		return fmt.Errorf("failed to delete net bind: %w", err)
	}

	inv.AddTable(schema.TableNetBinds, invalidate.Accounts(accounting), invalidate.Hosts(master.HostID(hostID)), false)
	return nil
}

// InvalidateTable is a no-op; the handler keeps no caches. It still
// participates in the broadcast so registration stays uniform.
func (h *NetBindHandler) InvalidateTable(schema.TableID) {}
