package handlers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aoindustries/aoserv-master-sub002/pkg/cache"
	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

var cvsNameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Modes a repository directory may take. Anything else is rejected; group
// write bits are the widest allowed.
var cvsAllowedModes = map[int64]bool{
	0o700:  true,
	0o750:  true,
	0o755:  true,
	0o770:  true,
	0o775:  true,
	0o2770: true,
}

// CvsHandler owns CVS repositories.
type CvsHandler struct {
	deps Deps

	accounts *AccountHandler
	disabled *cache.TableCache[int, bool]
}

// NewCvsHandler creates the handler.
func NewCvsHandler(deps Deps, accounts *AccountHandler) *CvsHandler {
	return &CvsHandler{
		deps:     deps,
		accounts: accounts,
		disabled: cache.New("disabled_cvs_repositories", schema.TableCvsRepositories,
			func(ctx context.Context) (map[int]bool, error) {
				rows, err := deps.DB.DB().QueryContext(ctx,
					"SELECT id, disable_log IS NOT NULL FROM cvs_repositories")
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

// checkCvsPath enforces the allowed path templates: a directory under
// /var/cvs, a directory under the owning linux server account's home, or a
// directory under an httpd site on the same host whose package the caller can
// access.
func (h *CvsHandler) checkCvsPath(ctx context.Context, q database.Queryer, user master.UserID, host master.HostID, path, home string) error {
	if name, ok := strings.CutPrefix(path, "/var/cvs/"); ok {
		if cvsNameRegexp.MatchString(name) {
			return nil
		}
		return &master.IntegrityError{
			Entity: fmt.Sprintf("cvs repository %q", path),
			Rule:   "invalid repository name under /var/cvs",
		}
	}

	if home != "/" && strings.HasPrefix(path, home+"/") {
		return nil
	}

	if rest, ok := strings.CutPrefix(path, "/www/"); ok {
		site, _, _ := strings.Cut(rest, "/")
		if site != "" {
			packageName, err := database.QueryString(ctx, q,
				"SELECT package FROM httpd_sites WHERE ao_server = $1 AND site_name = $2",
				int(host), site)
			switch {
			case err == nil:
				_, err = checkAccessPackage(ctx, q, h.deps.Resolver, user, "add_cvs_repository", packageName)
				return err
			case !errors.Is(err, master.ErrNotFound):
				// Only an unknown site falls through to the template error.
				return err
			}
		}
	}

	return &master.IntegrityError{
		Entity: fmt.Sprintf("cvs repository %q", path),
		Rule:   "path matches no allowed template",
	}
}

// AddCvsRepository creates a repository and returns its id. The linux server
// account and group must live on the host, nothing in the ownership chain may
// be disabled, and the path and mode must pass the template checks.
func (h *CvsHandler) AddCvsRepository(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, host master.HostID, path string, linuxServerAccount, linuxServerGroup int, mode int64) (int, error) {
	if !cvsAllowedModes[mode] {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("cvs repository %q", path),
			Rule:   fmt.Sprintf("mode %o not in the allowed set", mode),
		}
	}

	user := src.Username()
	var lsaHost int
	var home, packageName string
	var lsaDisabled bool
	err := tx.QueryRowContext(ctx,
		"SELECT lsa.ao_server, lsa.home, la.package, lsa.disable_log IS NOT NULL FROM linux_server_accounts lsa JOIN linux_accounts la ON lsa.username = la.username WHERE lsa.id = $1",
		linuxServerAccount).Scan(&lsaHost, &home, &packageName, &lsaDisabled)
	if err != nil {
		return 0, fmt.Errorf("linux server account %d: %w", linuxServerAccount, err)
	}

	accounting, err := checkAccessPackage(ctx, tx, h.deps.Resolver, user, "add_cvs_repository", packageName)
	if err != nil {
		return 0, err
	}
	if err := h.deps.Resolver.CheckAccessHost(ctx, user, "add_cvs_repository", host); err != nil {
		return 0, err
	}

	if master.HostID(lsaHost) != host {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("cvs repository %q", path),
			Rule:   fmt.Sprintf("linux server account %d is on server %d, not %d", linuxServerAccount, lsaHost, host),
		}
	}
	lsgHost, err := database.QueryInt(ctx, tx,
		"SELECT ao_server FROM linux_server_groups WHERE id = $1", linuxServerGroup)
	if err != nil {
		return 0, fmt.Errorf("linux server group %d: %w", linuxServerGroup, err)
	}
	if master.HostID(lsgHost) != host {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("cvs repository %q", path),
			Rule:   fmt.Sprintf("linux server group %d is on server %d, not %d", linuxServerGroup, lsgHost, host),
		}
	}

	if lsaDisabled {
		return 0, &master.InvalidStateError{
			Entity: fmt.Sprintf("linux server account %d", linuxServerAccount),
			State:  "disabled",
		}
	}
	packageDisabled, err := database.QueryBool(ctx, tx,
		"SELECT disable_log IS NOT NULL FROM packages WHERE name = $1", packageName)
	if err != nil {
		return 0, err
	}
	if packageDisabled {
		return 0, &master.InvalidStateError{
			Entity: fmt.Sprintf("package %q", packageName),
			State:  "disabled",
		}
	}
	accountDisabled, err := h.accounts.IsAccountDisabled(ctx, accounting)
	if err != nil {
		return 0, err
	}
	if accountDisabled {
		return 0, &master.InvalidStateError{
			Entity: fmt.Sprintf("account %q", accounting),
			State:  "disabled",
		}
	}

	if err := h.checkCvsPath(ctx, tx, user, host, path, home); err != nil {
		return 0, err
	}

	taken, err := database.QueryInt(ctx, tx,
		"SELECT COUNT(*) FROM cvs_repositories cr JOIN linux_server_accounts lsa ON cr.linux_server_account = lsa.id WHERE lsa.ao_server = $1 AND cr.path = $2",
		int(host), path)
	if err != nil {
		return 0, err
	}
	if taken > 0 {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("cvs repository %q", path),
			Rule:   fmt.Sprintf("path already in use on server %d", host),
		}
	}

	var id int
	err = tx.QueryRowContext(ctx,
		"INSERT INTO cvs_repositories (path, linux_server_account, linux_server_group, mode, created) VALUES ($1, $2, $3, $4, now()) RETURNING id",
		path, linuxServerAccount, linuxServerGroup, mode).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert cvs repository: %w", err)
	}

	inv.AddTable(schema.TableCvsRepositories, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return id, nil
}

// repositoryState resolves a repository's owning account and host.
func (h *CvsHandler) repositoryState(ctx context.Context, q database.Queryer, repository int) (master.AccountingCode, master.HostID, error) {
	var accounting string
	var hostID int
	err := q.QueryRowContext(ctx,
		"SELECT pk.accounting, lsa.ao_server FROM cvs_repositories cr JOIN linux_server_accounts lsa ON cr.linux_server_account = lsa.id JOIN linux_accounts la ON lsa.username = la.username JOIN packages pk ON la.package = pk.name WHERE cr.id = $1",
		repository).Scan(&accounting, &hostID)
	if err != nil {
		return "", 0, fmt.Errorf("cvs repository %d: %w", repository, err)
	}
	return master.AccountingCode(accounting), master.HostID(hostID), nil
}

// DisableCvsRepository marks the repository disabled.
func (h *CvsHandler) DisableCvsRepository(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, disableLog, repository int) error {
	user := src.Username()
	accounting, host, err := h.repositoryState(ctx, tx, repository)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "disable_cvs_repository", accounting); err != nil {
		return err
	}

	isDisabled, err := database.QueryBool(ctx, tx,
		"SELECT disable_log IS NOT NULL FROM cvs_repositories WHERE id = $1", repository)
	if err != nil {
		return err
	}
	if isDisabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("cvs repository %d", repository),
			State:  "already disabled",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE cvs_repositories SET disable_log = $1 WHERE id = $2", disableLog, repository); err != nil {
		return fmt.Errorf("failed to disable cvs repository: %w", err)
	}

	inv.AddTable(schema.TableCvsRepositories, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return nil
}

// EnableCvsRepository clears the repository's disable log reference, subject
// to the disabler-or-ancestor rule.
func (h *CvsHandler) EnableCvsRepository(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, repository int) error {
	user := src.Username()
	accounting, host, err := h.repositoryState(ctx, tx, repository)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "enable_cvs_repository", accounting); err != nil {
		return err
	}

	disableLog, disabled, err := database.QueryNullInt(ctx, tx,
		"SELECT disable_log FROM cvs_repositories WHERE id = $1", repository)
	if err != nil {
		return err
	}
	if !disabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("cvs repository %d", repository),
			State:  "not disabled",
		}
	}
	if err := h.accounts.checkDisablerOrAncestor(ctx, tx, user, "enable_cvs_repository", disableLog); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE cvs_repositories SET disable_log = NULL WHERE id = $1", repository); err != nil {
		return fmt.Errorf("failed to enable cvs repository: %w", err)
	}

	inv.AddTable(schema.TableCvsRepositories, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return nil
}

// RemoveCvsRepository deletes the repository row.
func (h *CvsHandler) RemoveCvsRepository(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, repository int) error {
	user := src.Username()
	accounting, host, err := h.repositoryState(ctx, tx, repository)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "remove_cvs_repository", accounting); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cvs_repositories WHERE id = $1", repository); err != nil {
		return fmt.Errorf("failed to delete cvs repository: %w", err)
	}

	inv.AddTable(schema.TableCvsRepositories, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return nil
}

// InvalidateTable clears the handler's caches on the relevant signals.
func (h *CvsHandler) InvalidateTable(table schema.TableID) {
	h.disabled.InvalidateTable(table)
}
