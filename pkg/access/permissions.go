package access

import (
	"context"

	"github.com/aoindustries/aoserv-master-sub002/pkg/cache"
	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// Permission names checked by handlers.
const (
	PermissionRestartPostgreSQL = "postgresql_restart"
	PermissionServiceControl    = "service_control"
	PermissionGetSystemReport   = "get_system_report"
	PermissionCancelAccount     = "cancel_account"
)

// PermissionCache answers repeated permission lookups without a query per
// call: the whole administrator-to-permission mapping loads in one bulk
// query on first miss and is cleared wholesale when the table invalidates.
type PermissionCache struct {
	cache *cache.TableCache[master.UserID, map[string]struct{}]
}

// NewPermissionCache creates the cache. metrics may be nil.
func NewPermissionCache(db *database.Database, metrics *observability.Metrics) *PermissionCache {
	return &PermissionCache{
		cache: cache.New("administrator_permissions", schema.TableAdministratorPermissions,
			func(ctx context.Context) (map[master.UserID]map[string]struct{}, error) {
				rows, err := db.DB().QueryContext(ctx, "SELECT username, permission FROM administrator_permissions")
				if err != nil {
					return nil, err
				}
				defer rows.Close()
				out := make(map[master.UserID]map[string]struct{})
				for rows.Next() {
					var username, permission string
					if err := rows.Scan(&username, &permission); err != nil {
						return nil, err
					}
					user := master.UserID(username)
					if out[user] == nil {
						out[user] = make(map[string]struct{})
					}
					out[user][permission] = struct{}{}
				}
				return out, rows.Err()
			}, metrics),
	}
}

// HasPermission reports whether the caller holds the named permission.
func (p *PermissionCache) HasPermission(ctx context.Context, user master.UserID, permission string) (bool, error) {
	perms, ok, err := p.cache.Get(ctx, user)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	_, held := perms[permission]
	return held, nil
}

// CheckPermission fails with AccessDeniedError when the caller lacks the
// permission.
func (p *PermissionCache) CheckPermission(ctx context.Context, user master.UserID, permission string) error {
	held, err := p.HasPermission(ctx, user, permission)
	if err != nil {
		return err
	}
	if !held {
		return &master.AccessDeniedError{User: user, Action: permission, Target: "permission"}
	}
	return nil
}

// InvalidateTable clears the cache on its table's invalidation signal.
func (p *PermissionCache) InvalidateTable(table schema.TableID) {
	p.cache.InvalidateTable(table)
}
