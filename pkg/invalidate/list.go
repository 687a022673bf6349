package invalidate

import (
	"strings"

	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// List records, for one request's transaction, which tables changed for
// which accounts and hosts. Instances are reused across requests via a pool;
// Clear restores the as-new state.
//
// Recording is idempotent set union with All as the absorbing element on
// each axis independently. AddTable with recurse expands the static
// dependency graph iteratively, visiting each table at most once per call.
type List struct {
	entries map[schema.TableID]*entry
}

type entry struct {
	accounts AccountScope
	hosts    HostScope
}

// NewList creates an empty invalidation list.
func NewList() *List {
	return &List{entries: make(map[schema.TableID]*entry)}
}

// AddTable records an invalidation of table for the given account and host
// scopes. When recurse is true, every table reachable through
// schema.Dependencies is recorded with the same scopes.
func (l *List) AddTable(table schema.TableID, accounts AccountScope, hosts HostScope, recurse bool) {
	l.record(table, accounts, hosts)
	if !recurse {
		return
	}

	// Iterative transitive closure. The graph is acyclic, but the visited
	// set also keeps shared dependencies from being merged twice.
	visited := map[schema.TableID]bool{table: true}
	work := append([]schema.TableID(nil), schema.Dependencies[table]...)
	for len(work) > 0 {
		next := work[len(work)-1]
		work = work[:len(work)-1]
		if visited[next] {
			continue
		}
		visited[next] = true
		l.record(next, accounts, hosts)
		work = append(work, schema.Dependencies[next]...)
	}
}

func (l *List) record(table schema.TableID, accounts AccountScope, hosts HostScope) {
	e := l.entries[table]
	if e == nil {
		e = &entry{}
		l.entries[table] = e
	}
	e.accounts.merge(accounts)
	e.hosts.merge(hosts)
}

// IsInvalid reports whether any invalidation was recorded for the table.
func (l *List) IsInvalid(table schema.TableID) bool {
	_, ok := l.entries[table]
	return ok
}

// AffectedAccounts returns the account scope recorded for the table. The
// second return is false when no invalidation was recorded this request,
// which is distinct from an empty or All scope.
func (l *List) AffectedAccounts(table schema.TableID) (AccountScope, bool) {
	e, ok := l.entries[table]
	if !ok {
		return AccountScope{}, false
	}
	return e.accounts, true
}

// AffectedHosts returns the host scope recorded for the table. The second
// return is false when no invalidation was recorded this request.
func (l *List) AffectedHosts(table schema.TableID) (HostScope, bool) {
	e, ok := l.entries[table]
	if !ok {
		return HostScope{}, false
	}
	return e.hosts, true
}

// Tables returns the invalidated tables in canonical broadcast order.
func (l *List) Tables() []schema.TableID {
	out := make([]schema.TableID, 0, len(l.entries))
	for _, t := range schema.AllTables() {
		if _, ok := l.entries[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Clear resets all recorded state, leaving the list indistinguishable from
// a freshly constructed one.
func (l *List) Clear() {
	for t := range l.entries {
		delete(l.entries, t)
	}
}

// String summarizes the recorded invalidations for diagnostics.
func (l *List) String() string {
	tables := l.Tables()
	if len(tables) == 0 {
		return "invalidate: none"
	}
	var b strings.Builder
	b.WriteString("invalidate:")
	for _, t := range tables {
		b.WriteByte(' ')
		b.WriteString(t.Name())
	}
	return b.String()
}
