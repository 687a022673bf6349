package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableNames(t *testing.T) {
	seen := make(map[string]TableID)
	for _, table := range AllTables() {
		name := table.Name()
		require.NotEmpty(t, name, "table %d has no name", table)
		require.NotEqual(t, "unknown", name, "table %d has no name", table)
		_, dup := seen[name]
		require.False(t, dup, "duplicate table name %q", name)
		seen[name] = table
	}

	assert.Equal(t, "unknown", TableID(-1).Name())
	assert.Equal(t, "unknown", TableID(numTables).Name())
}

func TestAllTablesCanonicalOrder(t *testing.T) {
	tables := AllTables()
	require.Len(t, tables, NumTables())
	for i := 1; i < len(tables); i++ {
		assert.Less(t, tables[i-1], tables[i], "broadcast order must be ascending")
	}
}

func TestDependenciesKnownTables(t *testing.T) {
	for from, deps := range Dependencies {
		assert.NotEqual(t, "unknown", from.Name())
		for _, to := range deps {
			assert.NotEqual(t, "unknown", to.Name())
			assert.NotEqual(t, from, to, "%s depends on itself", from.Name())
		}
	}
}

// TestDependenciesAcyclic walks the dependency graph from every table and
// fails if any path revisits a node. The recorder's one-pass closure relies
// on the graph being acyclic.
func TestDependenciesAcyclic(t *testing.T) {
	var visit func(t TableID, path map[TableID]bool) bool
	visit = func(table TableID, path map[TableID]bool) bool {
		if path[table] {
			return false
		}
		path[table] = true
		for _, dep := range Dependencies[table] {
			if !visit(dep, path) {
				return false
			}
		}
		delete(path, table)
		return true
	}

	for _, table := range AllTables() {
		assert.True(t, visit(table, make(map[TableID]bool)), "cycle reachable from %s", table.Name())
	}
}
