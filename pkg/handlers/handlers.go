package handlers

import (
	"context"
	"fmt"

	"github.com/aoindustries/aoserv-master-sub002/pkg/access"
	"github.com/aoindustries/aoserv-master-sub002/pkg/daemon"
	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
)

// Deps are the collaborators shared by every resource handler.
type Deps struct {
	DB          *database.Database
	Resolver    *access.Resolver
	Permissions *access.PermissionCache
	Daemons     *daemon.Manager
	HostLocks   *daemon.HostLocks
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// accountForPackage resolves a package's owning account.
func accountForPackage(ctx context.Context, q database.Queryer, name string) (master.AccountingCode, error) {
	s, err := database.QueryString(ctx, q,
		"SELECT accounting FROM packages WHERE name = $1", name)
	if err != nil {
		return "", fmt.Errorf("package %q: %w", name, err)
	}
	return master.AccountingCode(s), nil
}

// checkAccessPackage verifies the caller may see the package's owning
// account.
func checkAccessPackage(ctx context.Context, q database.Queryer, resolver *access.Resolver, user master.UserID, action, name string) (master.AccountingCode, error) {
	accounting, err := accountForPackage(ctx, q, name)
	if err != nil {
		return "", err
	}
	if err := resolver.CheckAccessAccount(ctx, user, action, accounting); err != nil {
		return "", err
	}
	return accounting, nil
}
