package invalidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

func TestAddTableRecordsScopes(t *testing.T) {
	list := NewList()

	list.AddTable(schema.TablePackages, Accounts("ACME"), Hosts(7), false)

	require.True(t, list.IsInvalid(schema.TablePackages))
	assert.False(t, list.IsInvalid(schema.TableAccounts))

	accounts, ok := list.AffectedAccounts(schema.TablePackages)
	require.True(t, ok)
	assert.False(t, accounts.IsAll())
	assert.Equal(t, []master.AccountingCode{"ACME"}, accounts.Codes())

	hosts, ok := list.AffectedHosts(schema.TablePackages)
	require.True(t, ok)
	assert.Equal(t, []master.HostID{7}, hosts.IDs())

	_, ok = list.AffectedAccounts(schema.TableAccounts)
	assert.False(t, ok, "no invalidation recorded means not-ok, not empty")
}

func TestAddTableIdempotent(t *testing.T) {
	list := NewList()

	for i := 0; i < 3; i++ {
		list.AddTable(schema.TablePackages, Accounts("ACME"), Hosts(7), false)
	}

	accounts, _ := list.AffectedAccounts(schema.TablePackages)
	assert.Equal(t, 1, accounts.Len())
	hosts, _ := list.AffectedHosts(schema.TablePackages)
	assert.Equal(t, 1, hosts.Len())
}

// All absorbs per axis independently and is never downgraded.
func TestAllAbsorption(t *testing.T) {
	list := NewList()

	list.AddTable(schema.TablePackages, Accounts("A1"), Hosts(1), false)
	list.AddTable(schema.TablePackages, AllAccounts(), Hosts(1), false)
	list.AddTable(schema.TablePackages, Accounts("A2"), Hosts(2), false)

	accounts, ok := list.AffectedAccounts(schema.TablePackages)
	require.True(t, ok)
	assert.True(t, accounts.IsAll())
	assert.True(t, accounts.Contains("ANYTHING"))

	hosts, ok := list.AffectedHosts(schema.TablePackages)
	require.True(t, ok)
	assert.False(t, hosts.IsAll(), "host axis must not be affected by account ALL")
	assert.Equal(t, []master.HostID{1, 2}, hosts.IDs())
}

// Recursive adds expand the static dependency graph transitively.
func TestDependencyClosure(t *testing.T) {
	list := NewList()

	list.AddTable(schema.TableAccountHosts, Accounts("ACME"), Hosts(3), true)

	for _, table := range []schema.TableID{
		schema.TableAccountHosts,
		schema.TableServers,
		schema.TableAOServers,
		schema.TableNetDevices,
		schema.TableIPAddresses,
		schema.TableNetBinds,
	} {
		assert.True(t, list.IsInvalid(table), "expected %s invalid", table.Name())
		accounts, _ := list.AffectedAccounts(table)
		assert.True(t, accounts.Contains("ACME"), "scope must propagate to %s", table.Name())
	}

	assert.False(t, list.IsInvalid(schema.TablePackages))
}

func TestNonRecursiveAddDoesNotExpand(t *testing.T) {
	list := NewList()
	list.AddTable(schema.TableAccountHosts, Accounts("ACME"), Hosts(3), false)

	assert.True(t, list.IsInvalid(schema.TableAccountHosts))
	assert.False(t, list.IsInvalid(schema.TableServers))
}

func TestTablesCanonicalOrder(t *testing.T) {
	list := NewList()
	list.AddTable(schema.TableSignupRequests, AllAccounts(), AllHosts(), false)
	list.AddTable(schema.TableAccounts, AllAccounts(), AllHosts(), false)
	list.AddTable(schema.TableNetBinds, AllAccounts(), AllHosts(), false)

	assert.Equal(t, []schema.TableID{
		schema.TableAccounts,
		schema.TableNetBinds,
		schema.TableSignupRequests,
	}, list.Tables())
}

// Clear must leave a reused list indistinguishable from a fresh one.
func TestClearRestoresFreshState(t *testing.T) {
	list := NewList()
	list.AddTable(schema.TableAccounts, AllAccounts(), AllHosts(), true)

	list.Clear()

	assert.Empty(t, list.Tables())
	for _, table := range schema.AllTables() {
		assert.False(t, list.IsInvalid(table))
	}

	// Reuse after clear behaves like a fresh list, including absorption state.
	list.AddTable(schema.TableAccounts, Accounts("ACME"), Hosts(1), false)
	accounts, _ := list.AffectedAccounts(schema.TableAccounts)
	assert.False(t, accounts.IsAll(), "ALL must not leak across Clear")
	assert.Equal(t, []master.AccountingCode{"ACME"}, accounts.Codes())
}

func TestScopeZeroValues(t *testing.T) {
	var accounts AccountScope
	assert.False(t, accounts.IsAll())
	assert.Empty(t, accounts.Codes())
	assert.False(t, accounts.Contains("ACME"))

	var hosts HostScope
	assert.False(t, hosts.IsAll())
	assert.Empty(t, hosts.IDs())
	assert.False(t, hosts.Contains(1))
}

func TestString(t *testing.T) {
	list := NewList()
	assert.Equal(t, "invalidate: none", list.String())

	list.AddTable(schema.TableAccounts, AllAccounts(), AllHosts(), false)
	assert.Contains(t, list.String(), "accounts")
}
