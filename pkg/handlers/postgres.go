package handlers

import (
	"context"
	"fmt"
	"io"
	"regexp"

	"github.com/aoindustries/aoserv-master-sub002/pkg/access"
	"github.com/aoindustries/aoserv-master-sub002/pkg/cache"
	"github.com/aoindustries/aoserv-master-sub002/pkg/daemon"
	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

var postgresNameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_]{0,30}$`)

// Reserved database names that may never be provisioned for a tenant.
var postgresReservedNames = map[string]bool{
	"template0": true,
	"template1": true,
	"postgres":  true,
	"aoserv":    true,
}

// PostgresHandler owns postgres users, per-host server users, and databases,
// plus the daemon-proxied password and dump operations.
type PostgresHandler struct {
	deps Deps

	accounts *AccountHandler

	disabledUsers       *cache.TableCache[master.UserID, bool]
	disabledServerUsers *cache.TableCache[int, bool]
}

// NewPostgresHandler creates the handler.
func NewPostgresHandler(deps Deps, accounts *AccountHandler) *PostgresHandler {
	return &PostgresHandler{
		deps:     deps,
		accounts: accounts,
		disabledUsers: cache.New("disabled_postgres_users", schema.TablePostgresUsers,
			func(ctx context.Context) (map[master.UserID]bool, error) {
				rows, err := deps.DB.DB().QueryContext(ctx,
					"SELECT username, disable_log IS NOT NULL FROM postgres_users")
				if err != nil {
					return nil, err
				}
				defer rows.Close()
				out := make(map[master.UserID]bool)
				for rows.Next() {
					var username string
					var isDisabled bool
					if err := rows.Scan(&username, &isDisabled); err != nil {
						return nil, err
					}
					out[master.UserID(username)] = isDisabled
				}
				return out, rows.Err()
			}, deps.Metrics),
		disabledServerUsers: cache.New("disabled_postgres_server_users", schema.TablePostgresServerUsers,
			func(ctx context.Context) (map[int]bool, error) {
				rows, err := deps.DB.DB().QueryContext(ctx,
					"SELECT id, disable_log IS NOT NULL FROM postgres_server_users")
				if err != nil {
					return nil, err
				}
				defer rows.Close()
				out := make(map[int]bool)
				for rows.Next() {
					var id int
					var isDisabled bool
					if err := rows.Scan(&id, &isDisabled); err != nil {
						return nil, err
					}
					out[id] = isDisabled
				}
				return out, rows.Err()
			}, deps.Metrics),
	}
}

// serverUserState resolves a server user's username, owning account, host,
// and postgres server in one query.
func (h *PostgresHandler) serverUserState(ctx context.Context, q database.Queryer, serverUser int) (username master.UserID, accounting master.AccountingCode, host master.HostID, postgresServer int, err error) {
	var u, a string
	var hostID int
	err = q.QueryRowContext(ctx,
		"SELECT psu.username, pk.accounting, ps.ao_server, psu.postgres_server FROM postgres_server_users psu JOIN postgres_users pu ON psu.username = pu.username JOIN packages pk ON pu.package = pk.name JOIN postgres_servers ps ON psu.postgres_server = ps.id WHERE psu.id = $1",
		serverUser).Scan(&u, &a, &hostID, &postgresServer)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("postgres server user %d: %w", serverUser, err)
	}
	return master.UserID(u), master.AccountingCode(a), master.HostID(hostID), postgresServer, nil
}

// AddPostgresUser creates a postgres user owned by the package.
func (h *PostgresHandler) AddPostgresUser(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, username master.UserID, packageName string) error {
	if _, err := master.ParseUserID(string(username)); err != nil {
		return err
	}
	user := src.Username()
	accounting, err := checkAccessPackage(ctx, tx, h.deps.Resolver, user, "add_postgres_user", packageName)
	if err != nil {
		return err
	}
	disabled, err := h.accounts.IsAccountDisabled(ctx, accounting)
	if err != nil {
		return err
	}
	if disabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("account %q", accounting),
			State:  "disabled",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO postgres_users (username, package) VALUES ($1, $2)",
		string(username), packageName); err != nil {
		return fmt.Errorf("failed to insert postgres user: %w", err)
	}

	inv.AddTable(schema.TablePostgresUsers, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// AddPostgresServerUser provisions an existing postgres user on one postgres
// server and returns the new id.
func (h *PostgresHandler) AddPostgresServerUser(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, username master.UserID, postgresServer int) (int, error) {
	user := src.Username()
	var packageName string
	if err := tx.QueryRowContext(ctx,
		"SELECT package FROM postgres_users WHERE username = $1", string(username)).Scan(&packageName); err != nil {
		return 0, fmt.Errorf("postgres user %q: %w", username, err)
	}
	accounting, err := checkAccessPackage(ctx, tx, h.deps.Resolver, user, "add_postgres_server_user", packageName)
	if err != nil {
		return 0, err
	}

	host, err := database.QueryInt(ctx, tx,
		"SELECT ao_server FROM postgres_servers WHERE id = $1", postgresServer)
	if err != nil {
		return 0, fmt.Errorf("postgres server %d: %w", postgresServer, err)
	}
	if err := h.deps.Resolver.CheckAccessHost(ctx, user, "add_postgres_server_user", master.HostID(host)); err != nil {
		return 0, err
	}

	userDisabled, err := h.IsPostgresUserDisabled(ctx, username)
	if err != nil {
		return 0, err
	}
	if userDisabled {
		return 0, &master.InvalidStateError{
			Entity: fmt.Sprintf("postgres user %q", username),
			State:  "disabled",
		}
	}

	var id int
	err = tx.QueryRowContext(ctx,
		"INSERT INTO postgres_server_users (username, postgres_server) VALUES ($1, $2) RETURNING id",
		string(username), postgresServer).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert postgres server user: %w", err)
	}

	inv.AddTable(schema.TablePostgresServerUsers, invalidate.Accounts(accounting), invalidate.Hosts(master.HostID(host)), false)
	return id, nil
}

// AddPostgresDatabase creates a database on a postgres server and returns its
// id. The name must be valid and unreserved, and the owning (datdba) server
// user must be enabled and live on the same postgres server.
func (h *PostgresHandler) AddPostgresDatabase(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, name string, postgresServer, datdba int) (int, error) {
	if !postgresNameRegexp.MatchString(name) {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("postgres database %q", name),
			Rule:   "invalid database name",
		}
	}
	if postgresReservedNames[name] {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("postgres database %q", name),
			Rule:   "reserved database name",
		}
	}

	user := src.Username()
	_, accounting, host, dbaServer, err := h.serverUserState(ctx, tx, datdba)
	if err != nil {
		return 0, err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "add_postgres_database", accounting); err != nil {
		return 0, err
	}
	if dbaServer != postgresServer {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("postgres database %q", name),
			Rule:   fmt.Sprintf("datdba %d belongs to postgres server %d, not %d", datdba, dbaServer, postgresServer),
		}
	}
	dbaDisabled, err := h.IsPostgresServerUserDisabled(ctx, datdba)
	if err != nil {
		return 0, err
	}
	if dbaDisabled {
		return 0, &master.InvalidStateError{
			Entity: fmt.Sprintf("postgres server user %d", datdba),
			State:  "disabled",
		}
	}

	taken, err := database.QueryInt(ctx, tx,
		"SELECT COUNT(*) FROM postgres_databases WHERE postgres_server = $1 AND name = $2",
		postgresServer, name)
	if err != nil {
		return 0, err
	}
	if taken > 0 {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("postgres database %q", name),
			Rule:   fmt.Sprintf("name already in use on postgres server %d", postgresServer),
		}
	}

	var id int
	err = tx.QueryRowContext(ctx,
		"INSERT INTO postgres_databases (name, postgres_server, datdba) VALUES ($1, $2, $3) RETURNING id",
		name, postgresServer, datdba).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert postgres database: %w", err)
	}

	inv.AddTable(schema.TablePostgresDatabases, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return id, nil
}

// RemovePostgresDatabase deletes a database row.
func (h *PostgresHandler) RemovePostgresDatabase(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, databaseID int) error {
	user := src.Username()
	var datdba int
	if err := tx.QueryRowContext(ctx,
		"SELECT datdba FROM postgres_databases WHERE id = $1", databaseID).Scan(&datdba); err != nil {
		return fmt.Errorf("postgres database %d: %w", databaseID, err)
	}
	_, accounting, host, _, err := h.serverUserState(ctx, tx, datdba)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "remove_postgres_database", accounting); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM postgres_databases WHERE id = $1", databaseID); err != nil {
		return fmt.Errorf("failed to delete postgres database: %w", err)
	}

	inv.AddTable(schema.TablePostgresDatabases, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return nil
}

// IsPostgresUserDisabled reports the user's disabled flag from cache.
func (h *PostgresHandler) IsPostgresUserDisabled(ctx context.Context, username master.UserID) (bool, error) {
	isDisabled, ok, err := h.disabledUsers.Get(ctx, username)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("postgres user %q: %w", username, master.ErrNotFound)
	}
	return isDisabled, nil
}

// IsPostgresServerUserDisabled reports the server user's disabled flag from
// cache.
func (h *PostgresHandler) IsPostgresServerUserDisabled(ctx context.Context, serverUser int) (bool, error) {
	isDisabled, ok, err := h.disabledServerUsers.Get(ctx, serverUser)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("postgres server user %d: %w", serverUser, master.ErrNotFound)
	}
	return isDisabled, nil
}

// DisablePostgresUser marks the user disabled. Every server user provisioned
// from it must already be disabled.
func (h *PostgresHandler) DisablePostgresUser(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, disableLog int, username master.UserID) error {
	user := src.Username()
	var packageName string
	if err := tx.QueryRowContext(ctx,
		"SELECT package FROM postgres_users WHERE username = $1", string(username)).Scan(&packageName); err != nil {
		return fmt.Errorf("postgres user %q: %w", username, err)
	}
	accounting, err := checkAccessPackage(ctx, tx, h.deps.Resolver, user, "disable_postgres_user", packageName)
	if err != nil {
		return err
	}

	isDisabled, err := database.QueryBool(ctx, tx,
		"SELECT disable_log IS NOT NULL FROM postgres_users WHERE username = $1", string(username))
	if err != nil {
		return err
	}
	if isDisabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("postgres user %q", username),
			State:  "already disabled",
		}
	}

	enabled, err := database.QueryInt(ctx, tx,
		"SELECT COUNT(*) FROM postgres_server_users WHERE username = $1 AND disable_log IS NULL",
		string(username))
	if err != nil {
		return err
	}
	if enabled > 0 {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("postgres user %q", username),
			Rule:   fmt.Sprintf("%d enabled server users still present", enabled),
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE postgres_users SET disable_log = $1 WHERE username = $2",
		disableLog, string(username)); err != nil {
		return fmt.Errorf("failed to disable postgres user: %w", err)
	}

	inv.AddTable(schema.TablePostgresUsers, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// EnablePostgresUser clears the user's disable log reference, subject to the
// disabler-or-ancestor rule.
func (h *PostgresHandler) EnablePostgresUser(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, username master.UserID) error {
	user := src.Username()
	var packageName string
	if err := tx.QueryRowContext(ctx,
		"SELECT package FROM postgres_users WHERE username = $1", string(username)).Scan(&packageName); err != nil {
		return fmt.Errorf("postgres user %q: %w", username, err)
	}
	accounting, err := checkAccessPackage(ctx, tx, h.deps.Resolver, user, "enable_postgres_user", packageName)
	if err != nil {
		return err
	}

	disableLog, disabled, err := database.QueryNullInt(ctx, tx,
		"SELECT disable_log FROM postgres_users WHERE username = $1", string(username))
	if err != nil {
		return err
	}
	if !disabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("postgres user %q", username),
			State:  "not disabled",
		}
	}
	if err := h.accounts.checkDisablerOrAncestor(ctx, tx, user, "enable_postgres_user", disableLog); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE postgres_users SET disable_log = NULL WHERE username = $1", string(username)); err != nil {
		return fmt.Errorf("failed to enable postgres user: %w", err)
	}

	inv.AddTable(schema.TablePostgresUsers, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// DisablePostgresServerUser marks one server user disabled.
func (h *PostgresHandler) DisablePostgresServerUser(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, disableLog, serverUser int) error {
	user := src.Username()
	_, accounting, host, _, err := h.serverUserState(ctx, tx, serverUser)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "disable_postgres_server_user", accounting); err != nil {
		return err
	}

	isDisabled, err := database.QueryBool(ctx, tx,
		"SELECT disable_log IS NOT NULL FROM postgres_server_users WHERE id = $1", serverUser)
	if err != nil {
		return err
	}
	if isDisabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("postgres server user %d", serverUser),
			State:  "already disabled",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE postgres_server_users SET disable_log = $1 WHERE id = $2",
		disableLog, serverUser); err != nil {
		return fmt.Errorf("failed to disable postgres server user: %w", err)
	}

	inv.AddTable(schema.TablePostgresServerUsers, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return nil
}

// EnablePostgresServerUser re-enables one server user. The owning postgres
// user must itself be enabled first.
func (h *PostgresHandler) EnablePostgresServerUser(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, serverUser int) error {
	user := src.Username()
	username, accounting, host, _, err := h.serverUserState(ctx, tx, serverUser)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "enable_postgres_server_user", accounting); err != nil {
		return err
	}

	disableLog, disabled, err := database.QueryNullInt(ctx, tx,
		"SELECT disable_log FROM postgres_server_users WHERE id = $1", serverUser)
	if err != nil {
		return err
	}
	if !disabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("postgres server user %d", serverUser),
			State:  "not disabled",
		}
	}
	userDisabled, err := database.QueryBool(ctx, tx,
		"SELECT disable_log IS NOT NULL FROM postgres_users WHERE username = $1", string(username))
	if err != nil {
		return err
	}
	if userDisabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("postgres user %q", username),
			State:  "disabled; enable the user before its server users",
		}
	}
	if err := h.accounts.checkDisablerOrAncestor(ctx, tx, user, "enable_postgres_server_user", disableLog); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE postgres_server_users SET disable_log = NULL WHERE id = $1", serverUser); err != nil {
		return fmt.Errorf("failed to enable postgres server user: %w", err)
	}

	inv.AddTable(schema.TablePostgresServerUsers, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return nil
}

// SetPostgresUserPassword propagates a password to the server user's host.
// The transaction is released before the daemon call so a slow daemon cannot
// pin a database connection; the password itself is never stored here.
func (h *PostgresHandler) SetPostgresUserPassword(ctx context.Context, tx *database.Tx, src master.RequestSource, serverUser int, password string) error {
	user := src.Username()
	username, accounting, host, _, err := h.serverUserState(ctx, tx, serverUser)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "set_postgres_user_password", accounting); err != nil {
		return err
	}
	isDisabled, err := h.IsPostgresServerUserDisabled(ctx, serverUser)
	if err != nil {
		return err
	}
	if isDisabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("postgres server user %d", serverUser),
			State:  "disabled",
		}
	}

	if err := tx.Release(); err != nil {
		return err
	}
	return h.deps.Daemons.Call(ctx, host, "set_postgres_user_password", func(c daemon.Client) error {
		return c.SetPostgresUserPassword(ctx, string(username), password)
	})
}

// DumpPostgresDatabase streams a dump of the database to out through the
// host's daemon. The transaction is released before the stream starts.
func (h *PostgresHandler) DumpPostgresDatabase(ctx context.Context, tx *database.Tx, src master.RequestSource, databaseID int, out io.Writer) error {
	user := src.Username()
	var name string
	var datdba int
	if err := tx.QueryRowContext(ctx,
		"SELECT name, datdba FROM postgres_databases WHERE id = $1", databaseID).Scan(&name, &datdba); err != nil {
		return fmt.Errorf("postgres database %d: %w", databaseID, err)
	}
	_, accounting, host, _, err := h.serverUserState(ctx, tx, datdba)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "dump_postgres_database", accounting); err != nil {
		return err
	}

	if err := tx.Release(); err != nil {
		return err
	}
	return h.deps.Daemons.Call(ctx, host, "dump_postgres_database", func(c daemon.Client) error {
		return c.DumpPostgresDatabase(ctx, name, out)
	})
}

// RestartPostgreSQL restarts the postgres service on the host. Permission
// gated; no database state changes.
func (h *PostgresHandler) RestartPostgreSQL(ctx context.Context, src master.RequestSource, host master.HostID) error {
	user := src.Username()
	if err := h.deps.Permissions.CheckPermission(ctx, user, access.PermissionRestartPostgreSQL); err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessHost(ctx, user, "restart_postgresql", host); err != nil {
		return err
	}
	return h.deps.Daemons.Call(ctx, host, "restart_postgresql", func(c daemon.Client) error {
		return c.RestartService(ctx, "postgresql")
	})
}

// InvalidateTable clears the handler's caches on the relevant signals.
func (h *PostgresHandler) InvalidateTable(table schema.TableID) {
	h.disabledUsers.InvalidateTable(table)
	h.disabledServerUsers.InvalidateTable(table)
}
