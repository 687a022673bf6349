package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"

	"github.com/aoindustries/aoserv-master-sub002/pkg/cache"
	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// allowedCacheSize bounds the per-caller allowed-accounts cache.
const allowedCacheSize = 4096

// Resolver decides whether a caller may view or mutate a target entity. It
// implements the hierarchical multi-tenant ownership model: master users see
// everything (or the accounts on their scoped hosts), everyone else sees
// their own account and its ancestors, never descendants or siblings.
//
// Allowed-account results are cached per caller because the ancestor walk
// costs one query per tree level; the cache is purged whenever an
// invalidation fires for any table the walk depends on.
type Resolver struct {
	db      *database.Database
	metrics *observability.Metrics

	masterUsers *cache.TableCache[master.UserID, bool]
	masterHosts *cache.TableCache[master.UserID, []master.HostID]
	allowed     *lru.LRU[master.UserID, []master.AccountingCode]
}

// NewResolver creates a resolver. metrics may be nil. ttl bounds how long a
// cached allowed-accounts entry may serve without revalidation even absent
// invalidations.
func NewResolver(db *database.Database, metrics *observability.Metrics, ttl time.Duration) *Resolver {
	r := &Resolver{
		db:      db,
		metrics: metrics,
		allowed: lru.NewLRU[master.UserID, []master.AccountingCode](allowedCacheSize, nil, ttl),
	}

	r.masterUsers = cache.New("master_users", schema.TableMasterUsers,
		func(ctx context.Context) (map[master.UserID]bool, error) {
			rows, err := db.DB().QueryContext(ctx, "SELECT username, is_active FROM master_users")
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			out := make(map[master.UserID]bool)
			for rows.Next() {
				var username string
				var active bool
				if err := rows.Scan(&username, &active); err != nil {
					return nil, err
				}
				out[master.UserID(username)] = active
			}
			return out, rows.Err()
		}, metrics)

	r.masterHosts = cache.New("master_servers", schema.TableMasterServers,
		func(ctx context.Context) (map[master.UserID][]master.HostID, error) {
			rows, err := db.DB().QueryContext(ctx, "SELECT username, server FROM master_servers")
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			out := make(map[master.UserID][]master.HostID)
			for rows.Next() {
				var username string
				var server int
				if err := rows.Scan(&username, &server); err != nil {
					return nil, err
				}
				user := master.UserID(username)
				out[user] = append(out[user], master.HostID(server))
			}
			return out, rows.Err()
		}, metrics)

	return r
}

// IsMasterUser reports whether the caller is an active master user.
func (r *Resolver) IsMasterUser(ctx context.Context, user master.UserID) (bool, error) {
	active, ok, err := r.masterUsers.Get(ctx, user)
	if err != nil {
		return false, err
	}
	return ok && active, nil
}

// HostScope returns the hosts a master user is restricted to. unrestricted
// is true when the user has no scoped hosts, meaning system-wide access.
func (r *Resolver) HostScope(ctx context.Context, user master.UserID) (hosts []master.HostID, unrestricted bool, err error) {
	hosts, ok, err := r.masterHosts.Get(ctx, user)
	if err != nil {
		return nil, false, err
	}
	if !ok || len(hosts) == 0 {
		return nil, true, nil
	}
	return hosts, false, nil
}

// AccountForUser resolves the administrator's owning account through its
// package.
func (r *Resolver) AccountForUser(ctx context.Context, user master.UserID) (master.AccountingCode, error) {
	s, err := database.QueryString(ctx, r.db.DB(),
		"SELECT pk.accounting FROM administrators ad JOIN packages pk ON ad.package = pk.name WHERE ad.username = $1",
		string(user))
	if err != nil {
		if errors.Is(err, master.ErrNotFound) {
			return "", fmt.Errorf("administrator %q: %w", user, master.ErrNotFound)
		}
		return "", err
	}
	return master.AccountingCode(s), nil
}

// AllowedAccounts returns the sorted set of accounts the caller may see: all
// accounts for an unrestricted master user, the accounts hosted on scoped
// servers for a host-scoped master user, and otherwise the caller's own
// account plus every ancestor up to the root. Duplicate ancestors collapse;
// the result is a set, not a list.
func (r *Resolver) AllowedAccounts(ctx context.Context, user master.UserID) ([]master.AccountingCode, error) {
	if cached, ok := r.allowed.Get(user); ok {
		if r.metrics != nil {
			r.metrics.CacheHitsTotal.WithLabelValues("allowed_accounts").Inc()
		}
		return cached, nil
	}
	if r.metrics != nil {
		r.metrics.CacheMissesTotal.WithLabelValues("allowed_accounts").Inc()
	}

	codes, err := r.computeAllowedAccounts(ctx, user)
	if err != nil {
		return nil, err
	}
	r.allowed.Add(user, codes)
	return codes, nil
}

func (r *Resolver) computeAllowedAccounts(ctx context.Context, user master.UserID) ([]master.AccountingCode, error) {
	isMaster, err := r.IsMasterUser(ctx, user)
	if err != nil {
		return nil, err
	}

	if isMaster {
		hosts, unrestricted, err := r.HostScope(ctx, user)
		if err != nil {
			return nil, err
		}
		if unrestricted {
			return r.queryAccountSet(ctx, "SELECT accounting FROM accounts")
		}
		ids := make([]int64, len(hosts))
		for i, h := range hosts {
			ids[i] = int64(h)
		}
		return r.queryAccountSet(ctx,
			"SELECT DISTINCT accounting FROM account_hosts WHERE server = ANY($1)", pq.Array(ids))
	}

	own, err := r.AccountForUser(ctx, user)
	if err != nil {
		return nil, err
	}

	set := map[master.AccountingCode]struct{}{own: {}}
	current := own
	for depth := 1; depth <= master.MaximumTreeDepth; depth++ {
		parent, valid, err := database.QueryNullString(ctx, r.db.DB(),
			"SELECT parent FROM accounts WHERE accounting = $1", string(current))
		if err != nil {
			return nil, fmt.Errorf("ancestor walk from %q: %w", own, err)
		}
		if !valid {
			break
		}
		current = master.AccountingCode(parent)
		set[current] = struct{}{}
	}

	return sortedCodes(set), nil
}

func (r *Resolver) queryAccountSet(ctx context.Context, query string, args ...interface{}) ([]master.AccountingCode, error) {
	raw, err := database.QueryStringSet(ctx, r.db.DB(), query, args...)
	if err != nil {
		return nil, err
	}
	set := make(map[master.AccountingCode]struct{}, len(raw))
	for s := range raw {
		set[master.AccountingCode(s)] = struct{}{}
	}
	return sortedCodes(set), nil
}

func sortedCodes(set map[master.AccountingCode]struct{}) []master.AccountingCode {
	out := make([]master.AccountingCode, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CanAccessAccount reports whether the caller may see the account.
func (r *Resolver) CanAccessAccount(ctx context.Context, user master.UserID, accounting master.AccountingCode) (bool, error) {
	allowed, err := r.AllowedAccounts(ctx, user)
	if err != nil {
		return false, err
	}
	// The slice is sorted; binary search keeps master users with thousands
	// of visible accounts cheap.
	i := sort.Search(len(allowed), func(i int) bool { return allowed[i] >= accounting })
	return i < len(allowed) && allowed[i] == accounting, nil
}

// CheckAccessAccount fails with AccessDeniedError when the caller may not
// see the account. Callers must propagate the error, never continue.
func (r *Resolver) CheckAccessAccount(ctx context.Context, user master.UserID, action string, accounting master.AccountingCode) error {
	ok, err := r.CanAccessAccount(ctx, user, accounting)
	if err != nil {
		return err
	}
	if !ok {
		return r.deny(user, action, string(accounting))
	}
	return nil
}

// CanAccessHost reports whether the caller may see the host: any scoped (or
// unrestricted) host for master users, otherwise any host one of the
// caller's allowed accounts is granted through an account_hosts row.
func (r *Resolver) CanAccessHost(ctx context.Context, user master.UserID, host master.HostID) (bool, error) {
	isMaster, err := r.IsMasterUser(ctx, user)
	if err != nil {
		return false, err
	}
	if isMaster {
		hosts, unrestricted, err := r.HostScope(ctx, user)
		if err != nil {
			return false, err
		}
		if unrestricted {
			return true, nil
		}
		for _, h := range hosts {
			if h == host {
				return true, nil
			}
		}
		return false, nil
	}

	allowed, err := r.AllowedAccounts(ctx, user)
	if err != nil {
		return false, err
	}
	codes := make([]string, len(allowed))
	for i, c := range allowed {
		codes[i] = string(c)
	}
	n, err := database.QueryInt(ctx, r.db.DB(),
		"SELECT COUNT(*) FROM account_hosts WHERE server = $1 AND accounting = ANY($2)",
		int(host), pq.Array(codes))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CheckAccessHost fails with AccessDeniedError when the caller may not see
// the host.
func (r *Resolver) CheckAccessHost(ctx context.Context, user master.UserID, action string, host master.HostID) error {
	ok, err := r.CanAccessHost(ctx, user, host)
	if err != nil {
		return err
	}
	if !ok {
		return r.deny(user, action, fmt.Sprintf("server %d", host))
	}
	return nil
}

// IsAccountOrAncestor reports whether candidateAncestor is account itself or
// is reached by walking parent links up from account. Used for disable and
// enable authorization: only an administrator of the disabling account, or
// of an ancestor of it, may re-enable.
func (r *Resolver) IsAccountOrAncestor(ctx context.Context, candidateAncestor, account master.AccountingCode) (bool, error) {
	current := account
	for depth := 0; depth <= master.MaximumTreeDepth; depth++ {
		if current == candidateAncestor {
			return true, nil
		}
		parent, valid, err := database.QueryNullString(ctx, r.db.DB(),
			"SELECT parent FROM accounts WHERE accounting = $1", string(current))
		if err != nil {
			if errors.Is(err, master.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if !valid {
			return false, nil
		}
		current = master.AccountingCode(parent)
	}
	return false, nil
}

func (r *Resolver) deny(user master.UserID, action, target string) error {
	if r.metrics != nil {
		r.metrics.AccessDenialsTotal.WithLabelValues(action).Inc()
	}
	return &master.AccessDeniedError{User: user, Action: action, Target: target}
}

// InvalidateTable clears the resolver's caches when any table the ownership
// walk depends on changes. Stale ancestor data directly causes authorization
// bugs, so the purge is deliberately coarse.
func (r *Resolver) InvalidateTable(table schema.TableID) {
	r.masterUsers.InvalidateTable(table)
	r.masterHosts.InvalidateTable(table)
	switch table {
	case schema.TableAccounts, schema.TableAccountHosts, schema.TablePackages,
		schema.TableAdministrators, schema.TableMasterUsers, schema.TableMasterServers:
		r.allowed.Purge()
		if r.metrics != nil {
			r.metrics.CacheClearsTotal.WithLabelValues("allowed_accounts").Inc()
		}
	}
}
