package invalidate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// TableListener receives table invalidation signals. Implementations clear
// in-memory caches only: they must not touch storage and must not fail.
type TableListener interface {
	InvalidateTable(table schema.TableID)
}

// Broadcaster fans invalidations out to a fixed, ordered list of listeners
// after a transaction commits. For every invalidated table, in canonical
// table order, each listener is called exactly once; the order never depends
// on map iteration.
type Broadcaster struct {
	listeners []TableListener
	counter   *prometheus.CounterVec
}

// NewBroadcaster creates a broadcaster. The counter, when non-nil, is
// incremented once per (table, broadcast) with the table name as label.
func NewBroadcaster(counter *prometheus.CounterVec) *Broadcaster {
	return &Broadcaster{counter: counter}
}

// Register appends a listener. Registration happens once at startup, before
// any broadcast; the resulting order is the fan-out order for the life of
// the process.
func (b *Broadcaster) Register(listener TableListener) {
	b.listeners = append(b.listeners, listener)
}

// InvalidateMasterCaches walks the recorded invalidations and notifies every
// listener. It is a pure in-memory fan-out.
func (b *Broadcaster) InvalidateMasterCaches(list *List) {
	for _, table := range schema.AllTables() {
		if !list.IsInvalid(table) {
			continue
		}
		for _, listener := range b.listeners {
			listener.InvalidateTable(table)
		}
		if b.counter != nil {
			b.counter.WithLabelValues(table.Name()).Inc()
		}
	}
}
