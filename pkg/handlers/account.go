package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aoindustries/aoserv-master-sub002/pkg/access"
	"github.com/aoindustries/aoserv-master-sub002/pkg/cache"
	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// AccountHandler owns the account (tenant) lifecycle: the hierarchy, host
// grants, the disable/enable/cancel state machine, and administrator state.
type AccountHandler struct {
	deps Deps

	disabled *cache.TableCache[master.AccountingCode, bool]
}

// NewAccountHandler creates the handler.
func NewAccountHandler(deps Deps) *AccountHandler {
	return &AccountHandler{
		deps: deps,
		disabled: cache.New("disabled_accounts", schema.TableAccounts,
			func(ctx context.Context) (map[master.AccountingCode]bool, error) {
				rows, err := deps.DB.DB().QueryContext(ctx,
					"SELECT accounting, disable_log IS NOT NULL FROM accounts")
				if err != nil {
					return nil, err
				}
				defer rows.Close()
				out := make(map[master.AccountingCode]bool)
				for rows.Next() {
					var accounting string
					var isDisabled bool
					if err := rows.Scan(&accounting, &isDisabled); err != nil {
						return nil, err
					}
					out[master.AccountingCode(accounting)] = isDisabled
				}
				return out, rows.Err()
			}, deps.Metrics),
	}
}

// IsAccountDisabled reports whether the account carries a disable log
// reference, served from the lazily loaded disabled-flag cache.
func (h *AccountHandler) IsAccountDisabled(ctx context.Context, accounting master.AccountingCode) (bool, error) {
	isDisabled, ok, err := h.disabled.Get(ctx, accounting)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("account %q: %w", accounting, master.ErrNotFound)
	}
	return isDisabled, nil
}

// GetDepth returns the account's depth in the tree; the root is at depth 1.
func (h *AccountHandler) GetDepth(ctx context.Context, q database.Queryer, accounting master.AccountingCode) (int, error) {
	depth := 0
	current := accounting
	for {
		depth++
		if depth > master.MaximumTreeDepth {
			return 0, &master.IntegrityError{
				Entity: fmt.Sprintf("account %q", accounting),
				Rule:   fmt.Sprintf("parent chain exceeds the maximum tree depth of %d", master.MaximumTreeDepth),
			}
		}
		parent, valid, err := database.QueryNullString(ctx, q,
			"SELECT parent FROM accounts WHERE accounting = $1", string(current))
		if err != nil {
			if errors.Is(err, master.ErrNotFound) {
				return 0, fmt.Errorf("account %q: %w", current, master.ErrNotFound)
			}
			return 0, err
		}
		if !valid {
			return depth, nil
		}
		current = master.AccountingCode(parent)
	}
}

// IsAccountingAvailable reports whether no account uses the code yet.
func (h *AccountHandler) IsAccountingAvailable(ctx context.Context, q database.Queryer, accounting master.AccountingCode) (bool, error) {
	n, err := database.QueryInt(ctx, q,
		"SELECT COUNT(*) FROM accounts WHERE accounting = $1", string(accounting))
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// AddAccount creates a child account under parent, with an empty profile row.
// The new account may not exceed the maximum tree depth; the depth check runs
// before any write.
func (h *AccountHandler) AddAccount(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, accounting, parent master.AccountingCode) error {
	if _, err := master.ParseAccountingCode(string(accounting)); err != nil {
		return err
	}
	user := src.Username()
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "add_account", parent); err != nil {
		return err
	}

	parentDepth, err := h.GetDepth(ctx, tx, parent)
	if err != nil {
		return err
	}
	if parentDepth+1 > master.MaximumTreeDepth {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("account %q", accounting),
			Rule:   fmt.Sprintf("would be at depth %d, deeper than the maximum tree depth of %d", parentDepth+1, master.MaximumTreeDepth),
		}
	}

	available, err := h.IsAccountingAvailable(ctx, tx, accounting)
	if err != nil {
		return err
	}
	if !available {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("account %q", accounting),
			Rule:   "accounting code already in use",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO accounts (accounting, parent, created, bill_parent, can_see_prices, can_add_businesses) VALUES ($1, $2, now(), false, true, false)",
		string(accounting), string(parent)); err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO account_profiles (accounting, created) VALUES ($1, now())",
		string(accounting)); err != nil {
		return fmt.Errorf("failed to insert account profile: %w", err)
	}

	inv.AddTable(schema.TableAccounts, invalidate.Accounts(accounting, parent), invalidate.Hosts(), true)
	return nil
}

// AddAccountHost grants the account access to a host. Unless the account is
// the root, its parent must already have the host; the first grant for an
// account becomes its default.
func (h *AccountHandler) AddAccountHost(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, accounting master.AccountingCode, host master.HostID) error {
	user := src.Username()
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "add_account_host", accounting); err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessHost(ctx, user, "add_account_host", host); err != nil {
		return err
	}

	parent, hasParent, err := database.QueryNullString(ctx, tx,
		"SELECT parent FROM accounts WHERE accounting = $1", string(accounting))
	if err != nil {
		return err
	}
	if hasParent {
		n, err := database.QueryInt(ctx, tx,
			"SELECT COUNT(*) FROM account_hosts WHERE accounting = $1 AND server = $2",
			parent, int(host))
		if err != nil {
			return err
		}
		if n == 0 {
			return &master.IntegrityError{
				Entity: fmt.Sprintf("account %q", accounting),
				Rule:   fmt.Sprintf("parent account %q does not have access to server %d", parent, host),
			}
		}
	}

	existing, err := database.QueryInt(ctx, tx,
		"SELECT COUNT(*) FROM account_hosts WHERE accounting = $1", string(accounting))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO account_hosts (accounting, server, is_default) VALUES ($1, $2, $3)",
		string(accounting), int(host), existing == 0); err != nil {
		return fmt.Errorf("failed to insert account host: %w", err)
	}

	inv.AddTable(schema.TableAccountHosts, invalidate.Accounts(accounting), invalidate.Hosts(host), true)
	return nil
}

// accountHostDependency is one entry of the removal checklist: resources that
// keep an (account, host) grant alive.
type accountHostDependency struct {
	name  string
	query string
}

var accountHostDependencies = []accountHostDependency{
	{"email pipes", "SELECT COUNT(*) FROM email_pipes ep JOIN packages pk ON ep.package = pk.name WHERE pk.accounting = $1 AND ep.ao_server = $2"},
	{"httpd sites", "SELECT COUNT(*) FROM httpd_sites hs JOIN packages pk ON hs.package = pk.name WHERE pk.accounting = $1 AND hs.ao_server = $2"},
	{"IP addresses", "SELECT COUNT(*) FROM ip_addresses ia JOIN packages pk ON ia.package = pk.name JOIN net_devices nd ON ia.net_device = nd.id WHERE pk.accounting = $1 AND nd.server = $2"},
	{"linux server accounts", "SELECT COUNT(*) FROM linux_server_accounts lsa JOIN linux_accounts la ON lsa.username = la.username JOIN packages pk ON la.package = pk.name WHERE pk.accounting = $1 AND lsa.ao_server = $2"},
	{"linux server groups", "SELECT COUNT(*) FROM linux_server_groups lsg JOIN linux_groups lg ON lsg.name = lg.name JOIN packages pk ON lg.package = pk.name WHERE pk.accounting = $1 AND lsg.ao_server = $2"},
	{"postgres databases", "SELECT COUNT(*) FROM postgres_databases pd JOIN postgres_servers ps ON pd.postgres_server = ps.id JOIN postgres_server_users psu ON pd.datdba = psu.id JOIN postgres_users pu ON psu.username = pu.username JOIN packages pk ON pu.package = pk.name WHERE pk.accounting = $1 AND ps.ao_server = $2"},
	{"postgres server users", "SELECT COUNT(*) FROM postgres_server_users psu JOIN postgres_users pu ON psu.username = pu.username JOIN packages pk ON pu.package = pk.name JOIN postgres_servers ps ON psu.postgres_server = ps.id WHERE pk.accounting = $1 AND ps.ao_server = $2"},
	{"net binds", "SELECT COUNT(*) FROM net_binds nb JOIN packages pk ON nb.package = pk.name WHERE pk.accounting = $1 AND nb.server = $2"},
}

// RemoveAccountHost revokes a host grant. The default grant cannot be removed
// while other grants remain, and every dependent resource on the (account,
// host) pair blocks removal.
func (h *AccountHandler) RemoveAccountHost(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, accounting master.AccountingCode, host master.HostID) error {
	user := src.Username()
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "remove_account_host", accounting); err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessHost(ctx, user, "remove_account_host", host); err != nil {
		return err
	}

	isDefault, err := database.QueryBool(ctx, tx,
		"SELECT is_default FROM account_hosts WHERE accounting = $1 AND server = $2",
		string(accounting), int(host))
	if err != nil {
		if errors.Is(err, master.ErrNotFound) {
			return fmt.Errorf("account %q has no grant for server %d: %w", accounting, host, master.ErrNotFound)
		}
		return err
	}
	if isDefault {
		others, err := database.QueryInt(ctx, tx,
			"SELECT COUNT(*) FROM account_hosts WHERE accounting = $1 AND server <> $2",
			string(accounting), int(host))
		if err != nil {
			return err
		}
		if others > 0 {
			return &master.IntegrityError{
				Entity: fmt.Sprintf("account host (%s, %d)", accounting, host),
				Rule:   "cannot remove the default host grant while other grants remain",
			}
		}
	}

	for _, dep := range accountHostDependencies {
		n, err := database.QueryInt(ctx, tx, dep.query, string(accounting), int(host))
		if err != nil {
			return err
		}
		if n > 0 {
			return &master.IntegrityError{
				Entity: fmt.Sprintf("account host (%s, %d)", accounting, host),
				Rule:   fmt.Sprintf("%d %s still present", n, dep.name),
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM account_hosts WHERE accounting = $1 AND server = $2",
		string(accounting), int(host)); err != nil {
		return fmt.Errorf("failed to delete account host: %w", err)
	}

	inv.AddTable(schema.TableAccountHosts, invalidate.Accounts(accounting), invalidate.Hosts(host), true)
	return nil
}

// AddDisableLog records a disable action and returns its id. The log row is
// append-only audit data; disabling an entity references it, enabling clears
// the reference but never deletes the row.
func (h *AccountHandler) AddDisableLog(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, accounting master.AccountingCode, reason string) (int, error) {
	user := src.Username()
	if err := h.checkAccessAccountOrDescendant(ctx, user, "add_disable_log", accounting); err != nil {
		return 0, err
	}

	var id int
	err := tx.QueryRowContext(ctx,
		"INSERT INTO disable_logs (accounting, disabled_by, disable_reason, time) VALUES ($1, $2, $3, now()) RETURNING id",
		string(accounting), string(user), reason).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert disable log: %w", err)
	}

	inv.AddTable(schema.TableDisableLogs, invalidate.Accounts(accounting), invalidate.Hosts(), false)
	return id, nil
}

// DisableAccount marks the account disabled by referencing the disable log.
// The root account can never be disabled, and every package under the account
// must already be disabled.
func (h *AccountHandler) DisableAccount(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, disableLog int, accounting master.AccountingCode) error {
	user := src.Username()
	if err := h.checkAccessAccountOrDescendant(ctx, user, "disable_account", accounting); err != nil {
		return err
	}

	_, hasParent, err := database.QueryNullString(ctx, tx,
		"SELECT parent FROM accounts WHERE accounting = $1", string(accounting))
	if err != nil {
		return err
	}
	if !hasParent {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("account %q", accounting),
			Rule:   "the root account can never be disabled",
		}
	}

	isDisabled, err := database.QueryBool(ctx, tx,
		"SELECT disable_log IS NOT NULL FROM accounts WHERE accounting = $1", string(accounting))
	if err != nil {
		return err
	}
	if isDisabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("account %q", accounting),
			State:  "already disabled",
		}
	}

	enabledPackages, err := database.QueryInt(ctx, tx,
		"SELECT COUNT(*) FROM packages WHERE accounting = $1 AND disable_log IS NULL",
		string(accounting))
	if err != nil {
		return err
	}
	if enabledPackages > 0 {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("account %q", accounting),
			Rule:   fmt.Sprintf("%d enabled packages still present", enabledPackages),
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE accounts SET disable_log = $1 WHERE accounting = $2",
		disableLog, string(accounting)); err != nil {
		return fmt.Errorf("failed to disable account: %w", err)
	}

	inv.AddTable(schema.TableAccounts, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// EnableAccount clears the account's disable log reference. The account must
// be disabled and not canceled, and the caller must belong to the disabler's
// account or an ancestor of it; a master user always qualifies.
func (h *AccountHandler) EnableAccount(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, accounting master.AccountingCode) error {
	user := src.Username()
	if err := h.checkAccessAccountOrDescendant(ctx, user, "enable_account", accounting); err != nil {
		return err
	}

	disableLog, disabled, err := database.QueryNullInt(ctx, tx,
		"SELECT disable_log FROM accounts WHERE accounting = $1", string(accounting))
	if err != nil {
		return err
	}
	if !disabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("account %q", accounting),
			State:  "not disabled",
		}
	}

	canceled, err := database.QueryBool(ctx, tx,
		"SELECT canceled IS NOT NULL FROM accounts WHERE accounting = $1", string(accounting))
	if err != nil {
		return err
	}
	if canceled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("account %q", accounting),
			State:  "canceled",
		}
	}

	if err := h.checkDisablerOrAncestor(ctx, tx, user, "enable_account", disableLog); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE accounts SET disable_log = NULL WHERE accounting = $1", string(accounting)); err != nil {
		return fmt.Errorf("failed to enable account: %w", err)
	}

	inv.AddTable(schema.TableAccounts, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// checkAccessAccountOrDescendant passes when the caller may see the account,
// or when the caller's own account is an ancestor of it. Visibility runs
// upward (an account sees its ancestors), but lifecycle administration runs
// downward: a reseller disables and enables the accounts beneath it.
func (h *AccountHandler) checkAccessAccountOrDescendant(ctx context.Context, user master.UserID, action string, accounting master.AccountingCode) error {
	ok, err := h.deps.Resolver.CanAccessAccount(ctx, user, accounting)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	callerAccount, err := h.deps.Resolver.AccountForUser(ctx, user)
	if err != nil {
		return err
	}
	ok, err = h.deps.Resolver.IsAccountOrAncestor(ctx, callerAccount, accounting)
	if err != nil {
		return err
	}
	if !ok {
		return &master.AccessDeniedError{User: user, Action: action, Target: string(accounting)}
	}
	return nil
}

// checkDisablerOrAncestor enforces the re-enable rule: the caller's account
// must be the account that recorded the disable log, or an ancestor of it.
func (h *AccountHandler) checkDisablerOrAncestor(ctx context.Context, q database.Queryer, user master.UserID, action string, disableLog int) error {
	isMaster, err := h.deps.Resolver.IsMasterUser(ctx, user)
	if err != nil {
		return err
	}
	if isMaster {
		return nil
	}

	disabledBy, err := database.QueryString(ctx, q,
		"SELECT disabled_by FROM disable_logs WHERE id = $1", disableLog)
	if err != nil {
		return fmt.Errorf("disable log %d: %w", disableLog, err)
	}
	disablerAccount, err := h.deps.Resolver.AccountForUser(ctx, master.UserID(disabledBy))
	if err != nil {
		return err
	}
	callerAccount, err := h.deps.Resolver.AccountForUser(ctx, user)
	if err != nil {
		return err
	}
	ok, err := h.deps.Resolver.IsAccountOrAncestor(ctx, callerAccount, disablerAccount)
	if err != nil {
		return err
	}
	if !ok {
		return &master.AccessDeniedError{
			User:   user,
			Action: action,
			Target: fmt.Sprintf("disable log %d recorded by account %q", disableLog, disablerAccount),
		}
	}
	return nil
}

// CancelAccount sets the account's terminal canceled flag. Only a disabled
// account may be canceled, and the transition is one-way.
func (h *AccountHandler) CancelAccount(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, accounting master.AccountingCode, reason string) error {
	user := src.Username()
	if err := h.checkAccessAccountOrDescendant(ctx, user, "cancel_account", accounting); err != nil {
		return err
	}
	if err := h.deps.Permissions.CheckPermission(ctx, user, access.PermissionCancelAccount); err != nil {
		return err
	}

	isDisabled, err := database.QueryBool(ctx, tx,
		"SELECT disable_log IS NOT NULL FROM accounts WHERE accounting = $1", string(accounting))
	if err != nil {
		return err
	}
	if !isDisabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("account %q", accounting),
			State:  "not disabled; only a disabled account may be canceled",
		}
	}

	canceled, err := database.QueryBool(ctx, tx,
		"SELECT canceled IS NOT NULL FROM accounts WHERE accounting = $1", string(accounting))
	if err != nil {
		return err
	}
	if canceled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("account %q", accounting),
			State:  "already canceled",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE accounts SET canceled = now(), cancel_reason = $1 WHERE accounting = $2",
		reason, string(accounting)); err != nil {
		return fmt.Errorf("failed to cancel account: %w", err)
	}

	inv.AddTable(schema.TableAccounts, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// DisableAdministrator marks the administrator disabled.
func (h *AccountHandler) DisableAdministrator(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, disableLog int, username master.UserID) error {
	user := src.Username()
	accounting, err := h.deps.Resolver.AccountForUser(ctx, username)
	if err != nil {
		return err
	}
	if err := h.checkAccessAccountOrDescendant(ctx, user, "disable_administrator", accounting); err != nil {
		return err
	}

	isDisabled, err := database.QueryBool(ctx, tx,
		"SELECT disable_log IS NOT NULL FROM administrators WHERE username = $1", string(username))
	if err != nil {
		return err
	}
	if isDisabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("administrator %q", username),
			State:  "already disabled",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE administrators SET disable_log = $1 WHERE username = $2",
		disableLog, string(username)); err != nil {
		return fmt.Errorf("failed to disable administrator: %w", err)
	}

	inv.AddTable(schema.TableAdministrators, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// EnableAdministrator clears the administrator's disable log reference,
// subject to the disabler-or-ancestor rule.
func (h *AccountHandler) EnableAdministrator(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, username master.UserID) error {
	user := src.Username()
	accounting, err := h.deps.Resolver.AccountForUser(ctx, username)
	if err != nil {
		return err
	}
	if err := h.checkAccessAccountOrDescendant(ctx, user, "enable_administrator", accounting); err != nil {
		return err
	}

	disableLog, disabled, err := database.QueryNullInt(ctx, tx,
		"SELECT disable_log FROM administrators WHERE username = $1", string(username))
	if err != nil {
		return err
	}
	if !disabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("administrator %q", username),
			State:  "not disabled",
		}
	}
	if err := h.checkDisablerOrAncestor(ctx, tx, user, "enable_administrator", disableLog); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE administrators SET disable_log = NULL WHERE username = $1", string(username)); err != nil {
		return fmt.Errorf("failed to enable administrator: %w", err)
	}

	inv.AddTable(schema.TableAdministrators, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// emailMatchSource is one weighted lookup of the account-from-email
// heuristic. Higher weights are stronger ownership signals.
type emailMatchSource struct {
	weight    int
	perDomain bool
	query     string
}

// The weights and their order are load-bearing: changing either silently
// changes which tenant a signup or billing inquiry is attributed to.
var emailMatchSources = []emailMatchSource{
	{4, true, "SELECT pk.accounting FROM email_domains ed JOIN packages pk ON ed.package = pk.name WHERE ed.domain = $1"},
	{3, true, "SELECT pk.accounting FROM httpd_site_urls su JOIN httpd_site_binds sb ON su.httpd_site_bind = sb.id JOIN httpd_sites hs ON sb.httpd_site = hs.id JOIN packages pk ON hs.package = pk.name WHERE su.hostname = $1"},
	{2, true, "SELECT pk.accounting FROM dns_zones dz JOIN packages pk ON dz.package = pk.name WHERE dz.zone = $1"},
	{1, false, "SELECT accounting FROM account_profiles WHERE billing_email = $1 OR technical_email = $1"},
}

// FindAccountFromEmailAddresses guesses which account a set of email
// addresses belongs to: each address scores candidate accounts through email
// domains, httpd site URLs, DNS zones, and profile contact addresses, with
// fixed weights per source. Of the accounts with the highest total score, the
// first one encountered wins. The winner is then walked up through accounts
// flagged bill_parent, so the answer is the account actually billed.
//
// Restricted to master users; it reveals cross-tenant ownership.
func (h *AccountHandler) FindAccountFromEmailAddresses(ctx context.Context, q database.Queryer, src master.RequestSource, addresses []string) (master.AccountingCode, error) {
	user := src.Username()
	isMaster, err := h.deps.Resolver.IsMasterUser(ctx, user)
	if err != nil {
		return "", err
	}
	if !isMaster {
		return "", &master.AccessDeniedError{User: user, Action: "find_account_from_email_addresses", Target: "all accounts"}
	}

	scores := make(map[master.AccountingCode]int)
	var order []master.AccountingCode

	addScore := func(accounting master.AccountingCode, weight int) {
		if _, seen := scores[accounting]; !seen {
			order = append(order, accounting)
		}
		scores[accounting] += weight
	}

	for _, address := range addresses {
		_, domain, hasDomain := strings.Cut(address, "@")
		for _, source := range emailMatchSources {
			arg := address
			if source.perDomain {
				if !hasDomain {
					continue
				}
				arg = domain
			}
			matches, err := database.QueryStrings(ctx, q, source.query, arg)
			if err != nil {
				return "", err
			}
			for _, m := range matches {
				addScore(master.AccountingCode(m), source.weight)
			}
		}
	}

	if len(order) == 0 {
		return "", master.ErrNotFound
	}

	// First-encountered max, not all maxima: a strict > keeps the earliest
	// account of a tied score.
	best := order[0]
	for _, accounting := range order[1:] {
		if scores[accounting] > scores[best] {
			best = accounting
		}
	}

	// Walk up while the account bills through its parent.
	current := best
	for depth := 0; depth < master.MaximumTreeDepth; depth++ {
		billParent, err := database.QueryBool(ctx, q,
			"SELECT bill_parent FROM accounts WHERE accounting = $1", string(current))
		if err != nil {
			if errors.Is(err, master.ErrNotFound) {
				break
			}
			return "", err
		}
		if !billParent {
			break
		}
		parent, valid, err := database.QueryNullString(ctx, q,
			"SELECT parent FROM accounts WHERE accounting = $1", string(current))
		if err != nil {
			return "", err
		}
		if !valid {
			break
		}
		current = master.AccountingCode(parent)
	}
	return current, nil
}

// InvalidateTable clears the handler's caches on the relevant signals.
func (h *AccountHandler) InvalidateTable(table schema.TableID) {
	h.disabled.InvalidateTable(table)
}
