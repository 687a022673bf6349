package handlers

import (
	"context"
	"fmt"

	"github.com/aoindustries/aoserv-master-sub002/pkg/cache"
	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// PackageHandler owns packages and package definitions. A definition is
// created unapproved and inactive; it must be approved and active before a
// package may reference it, and once approved it is immutable.
type PackageHandler struct {
	deps Deps

	accounts *AccountHandler
	disabled *cache.TableCache[string, bool]
}

// NewPackageHandler creates the handler. It consults the account handler for
// disabled-account state.
func NewPackageHandler(deps Deps, accounts *AccountHandler) *PackageHandler {
	return &PackageHandler{
		deps:     deps,
		accounts: accounts,
		disabled: cache.New("disabled_packages", schema.TablePackages,
			func(ctx context.Context) (map[string]bool, error) {
				rows, err := deps.DB.DB().QueryContext(ctx,
					"SELECT name, disable_log IS NOT NULL FROM packages")
				if err != nil {
					return nil, err
				}
				defer rows.Close()
				out := make(map[string]bool)
				for rows.Next() {
					var name string
					var isDisabled bool
					if err := rows.Scan(&name, &isDisabled); err != nil {
						return nil, err
					}
					out[name] = isDisabled
				}
				return out, rows.Err()
			}, deps.Metrics),
	}
}

// IsPackageDisabled reports whether the package carries a disable log
// reference, from the disabled-flag cache.
func (h *PackageHandler) IsPackageDisabled(ctx context.Context, name string) (bool, error) {
	isDisabled, ok, err := h.disabled.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("package %q: %w", name, master.ErrNotFound)
	}
	return isDisabled, nil
}

// IsPackageNameAvailable reports whether no package uses the name yet.
func (h *PackageHandler) IsPackageNameAvailable(ctx context.Context, q database.Queryer, name string) (bool, error) {
	n, err := database.QueryInt(ctx, q,
		"SELECT COUNT(*) FROM packages WHERE name = $1", name)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// AddPackage creates a package under the account. The referenced definition
// must be approved, active, and owned by the account or one of its ancestors.
func (h *PackageHandler) AddPackage(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, name string, accounting master.AccountingCode, definition int) error {
	user := src.Username()
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "add_package", accounting); err != nil {
		return err
	}

	available, err := h.IsPackageNameAvailable(ctx, tx, name)
	if err != nil {
		return err
	}
	if !available {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("package %q", name),
			Rule:   "package name already in use",
		}
	}

	var defAccounting string
	var approved, active bool
	err = tx.QueryRowContext(ctx,
		"SELECT accounting, approved, active FROM package_definitions WHERE id = $1",
		definition).Scan(&defAccounting, &approved, &active)
	if err != nil {
		return fmt.Errorf("package definition %d: %w", definition, err)
	}
	if !approved {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("package definition %d", definition),
			Rule:   "not approved",
		}
	}
	if !active {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("package definition %d", definition),
			Rule:   "not active",
		}
	}
	// The definition must come from the account's own chain: itself or an
	// ancestor, never a sibling's catalog.
	ownedByChain, err := h.deps.Resolver.IsAccountOrAncestor(ctx, master.AccountingCode(defAccounting), accounting)
	if err != nil {
		return err
	}
	if !ownedByChain {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("package definition %d", definition),
			Rule:   fmt.Sprintf("owned by account %q, which is not %q or an ancestor of it", defAccounting, accounting),
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO packages (name, accounting, package_definition, created, created_by) VALUES ($1, $2, $3, now(), $4)",
		name, string(accounting), definition, string(user)); err != nil {
		return fmt.Errorf("failed to insert package: %w", err)
	}

	inv.AddTable(schema.TablePackages, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// AddPackageDefinition creates a billing definition, unapproved and inactive.
func (h *PackageHandler) AddPackageDefinition(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, accounting master.AccountingCode, category, name, version string, monthlyRate int64) (int, error) {
	user := src.Username()
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "add_package_definition", accounting); err != nil {
		return 0, err
	}

	var id int
	err := tx.QueryRowContext(ctx,
		"INSERT INTO package_definitions (accounting, category, name, version, monthly_rate, approved, active) VALUES ($1, $2, $3, $4, $5, false, false) RETURNING id",
		string(accounting), category, name, version, monthlyRate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert package definition: %w", err)
	}

	inv.AddTable(schema.TablePackageDefinitions, invalidate.Accounts(accounting), invalidate.Hosts(), false)
	return id, nil
}

// UpdatePackageDefinition edits a definition. Approved definitions are
// immutable; packages already sold against them depend on the recorded terms.
func (h *PackageHandler) UpdatePackageDefinition(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, definition int, category, name, version string, monthlyRate int64) error {
	user := src.Username()
	accounting, approved, err := h.definitionState(ctx, tx, definition)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "update_package_definition", accounting); err != nil {
		return err
	}
	if approved {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("package definition %d", definition),
			Rule:   "approved definitions are immutable",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE package_definitions SET category = $1, name = $2, version = $3, monthly_rate = $4 WHERE id = $5",
		category, name, version, monthlyRate, definition); err != nil {
		return fmt.Errorf("failed to update package definition: %w", err)
	}

	inv.AddTable(schema.TablePackageDefinitions, invalidate.Accounts(accounting), invalidate.Hosts(), false)
	return nil
}

// ApprovePackageDefinition marks the definition approved, freezing it.
func (h *PackageHandler) ApprovePackageDefinition(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, definition int) error {
	user := src.Username()
	accounting, approved, err := h.definitionState(ctx, tx, definition)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "approve_package_definition", accounting); err != nil {
		return err
	}
	if approved {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("package definition %d", definition),
			State:  "already approved",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE package_definitions SET approved = true WHERE id = $1", definition); err != nil {
		return fmt.Errorf("failed to approve package definition: %w", err)
	}

	inv.AddTable(schema.TablePackageDefinitions, invalidate.Accounts(accounting), invalidate.Hosts(), false)
	return nil
}

// SetPackageDefinitionActive toggles whether new packages may reference the
// definition. Only an approved definition may be activated.
func (h *PackageHandler) SetPackageDefinitionActive(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, definition int, active bool) error {
	user := src.Username()
	accounting, approved, err := h.definitionState(ctx, tx, definition)
	if err != nil {
		return err
	}
	if err := h.deps.Resolver.CheckAccessAccount(ctx, user, "set_package_definition_active", accounting); err != nil {
		return err
	}
	if active && !approved {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("package definition %d", definition),
			Rule:   "cannot activate an unapproved definition",
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE package_definitions SET active = $1 WHERE id = $2", active, definition); err != nil {
		return fmt.Errorf("failed to set package definition active: %w", err)
	}

	inv.AddTable(schema.TablePackageDefinitions, invalidate.Accounts(accounting), invalidate.Hosts(), false)
	return nil
}

func (h *PackageHandler) definitionState(ctx context.Context, q database.Queryer, definition int) (master.AccountingCode, bool, error) {
	var accounting string
	var approved bool
	err := q.QueryRowContext(ctx,
		"SELECT accounting, approved FROM package_definitions WHERE id = $1",
		definition).Scan(&accounting, &approved)
	if err != nil {
		return "", false, fmt.Errorf("package definition %d: %w", definition, err)
	}
	return master.AccountingCode(accounting), approved, nil
}

// checkAccessPackageOrDescendant resolves the package's owning account and
// passes when the caller may see it or administers an ancestor of it.
func (h *PackageHandler) checkAccessPackageOrDescendant(ctx context.Context, q database.Queryer, user master.UserID, action, name string) (master.AccountingCode, error) {
	accounting, err := accountForPackage(ctx, q, name)
	if err != nil {
		return "", err
	}
	if err := h.accounts.checkAccessAccountOrDescendant(ctx, user, action, accounting); err != nil {
		return "", err
	}
	return accounting, nil
}

// packageDependency is one entry of the disable checklist: child resources
// that must be disabled before the package may be.
type packageDependency struct {
	name  string
	query string
}

var packageDependencies = []packageDependency{
	{"cvs repositories", "SELECT COUNT(*) FROM cvs_repositories cr JOIN linux_server_accounts lsa ON cr.linux_server_account = lsa.id JOIN linux_accounts la ON lsa.username = la.username WHERE la.package = $1 AND cr.disable_log IS NULL"},
	{"httpd sites", "SELECT COUNT(*) FROM httpd_sites WHERE package = $1 AND disable_log IS NULL"},
	{"email pipes", "SELECT COUNT(*) FROM email_pipes WHERE package = $1 AND disable_log IS NULL"},
	{"linux server accounts", "SELECT COUNT(*) FROM linux_server_accounts lsa JOIN linux_accounts la ON lsa.username = la.username WHERE la.package = $1 AND lsa.disable_log IS NULL"},
	{"postgres users", "SELECT COUNT(*) FROM postgres_users WHERE package = $1 AND disable_log IS NULL"},
	{"ssl certificates", "SELECT COUNT(*) FROM ssl_certificates WHERE package = $1 AND disable_log IS NULL"},
}

// DisablePackage marks the package disabled. Every child resource must
// already be disabled; disabling is enforced bottom-up.
func (h *PackageHandler) DisablePackage(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, disableLog int, name string) error {
	user := src.Username()
	accounting, err := h.checkAccessPackageOrDescendant(ctx, tx, user, "disable_package", name)
	if err != nil {
		return err
	}

	isDisabled, err := database.QueryBool(ctx, tx,
		"SELECT disable_log IS NOT NULL FROM packages WHERE name = $1", name)
	if err != nil {
		return err
	}
	if isDisabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("package %q", name),
			State:  "already disabled",
		}
	}

	for _, dep := range packageDependencies {
		n, err := database.QueryInt(ctx, tx, dep.query, name)
		if err != nil {
			return err
		}
		if n > 0 {
			return &master.IntegrityError{
				Entity: fmt.Sprintf("package %q", name),
				Rule:   fmt.Sprintf("%d enabled %s still present", n, dep.name),
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE packages SET disable_log = $1 WHERE name = $2", disableLog, name); err != nil {
		return fmt.Errorf("failed to disable package: %w", err)
	}

	inv.AddTable(schema.TablePackages, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// EnablePackage clears the package's disable log reference. The owning
// account must not be canceled, and the disabler-or-ancestor rule applies.
// Child resources stay disabled; re-enabling them is each handler's own
// operation.
func (h *PackageHandler) EnablePackage(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, name string) error {
	user := src.Username()
	accounting, err := h.checkAccessPackageOrDescendant(ctx, tx, user, "enable_package", name)
	if err != nil {
		return err
	}

	disableLog, disabled, err := database.QueryNullInt(ctx, tx,
		"SELECT disable_log FROM packages WHERE name = $1", name)
	if err != nil {
		return err
	}
	if !disabled {
		return &master.InvalidStateError{
			Entity: fmt.Sprintf("package %q", name),
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

	if err := h.accounts.checkDisablerOrAncestor(ctx, tx, user, "enable_package", disableLog); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE packages SET disable_log = NULL WHERE name = $1", name); err != nil {
		return fmt.Errorf("failed to enable package: %w", err)
	}

	inv.AddTable(schema.TablePackages, invalidate.Accounts(accounting), invalidate.Hosts(), true)
	return nil
}

// InvalidateTable clears the handler's caches on the relevant signals.
func (h *PackageHandler) InvalidateTable(table schema.TableID) {
	h.disabled.InvalidateTable(table)
}
