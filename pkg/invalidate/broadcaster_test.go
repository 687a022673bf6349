package invalidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

type recordingListener struct {
	name  string
	calls *[]string
}

func (r *recordingListener) InvalidateTable(table schema.TableID) {
	*r.calls = append(*r.calls, r.name+":"+table.Name())
}

func TestBroadcastOrderFixed(t *testing.T) {
	var calls []string
	b := NewBroadcaster(nil)
	b.Register(&recordingListener{name: "first", calls: &calls})
	b.Register(&recordingListener{name: "second", calls: &calls})

	list := NewList()
	// Recorded out of canonical order on purpose.
	list.AddTable(schema.TablePackages, AllAccounts(), AllHosts(), false)
	list.AddTable(schema.TableAccounts, AllAccounts(), AllHosts(), false)

	b.InvalidateMasterCaches(list)

	assert.Equal(t, []string{
		"first:accounts",
		"second:accounts",
		"first:packages",
		"second:packages",
	}, calls)

	// A second broadcast of the same list repeats the exact sequence.
	calls = nil
	b.InvalidateMasterCaches(list)
	require.Len(t, calls, 4)
	assert.Equal(t, "first:accounts", calls[0])
}

func TestBroadcastSkipsCleanTables(t *testing.T) {
	var calls []string
	b := NewBroadcaster(nil)
	b.Register(&recordingListener{name: "l", calls: &calls})

	b.InvalidateMasterCaches(NewList())
	assert.Empty(t, calls)
}
