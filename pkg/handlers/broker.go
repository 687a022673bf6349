package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
)

// TransactFunc is one request's work: statements on tx, invalidations
// recorded on inv. Returning an error aborts the transaction and discards
// the recorded invalidations.
type TransactFunc func(ctx context.Context, tx *database.Tx, inv *invalidate.List) error

// Broker runs every mutating request through the same lifecycle: begin a
// transaction, run the handler, commit, then broadcast the invalidations the
// handler recorded. Invalidations only ever reach caches and remote masters
// after a successful commit; a rollback discards them unseen.
//
// Invalidation lists are pooled across requests. Clear is called before
// reuse, so a handler always starts from an empty list.
type Broker struct {
	db          *database.Database
	broadcaster *invalidate.Broadcaster
	relay       *invalidate.Relay
	logger      *observability.Logger
	metrics     *observability.Metrics

	lists sync.Pool
}

// NewBroker creates a broker. relay and metrics may be nil.
func NewBroker(db *database.Database, broadcaster *invalidate.Broadcaster, relay *invalidate.Relay, logger *observability.Logger, metrics *observability.Metrics) *Broker {
	return &Broker{
		db:          db,
		broadcaster: broadcaster,
		relay:       relay,
		logger:      logger.WithField("component", "broker"),
		metrics:     metrics,
		lists: sync.Pool{
			New: func() interface{} { return invalidate.NewList() },
		},
	}
}

// Transact runs fn inside a transaction on behalf of src. On success the
// transaction commits and the recorded invalidations are broadcast locally
// and, when a relay is configured, published to peer masters. On failure the
// transaction rolls back (unless the handler already released it) and
// nothing is broadcast.
func (b *Broker) Transact(ctx context.Context, src master.RequestSource, action string, fn TransactFunc) error {
	requestID := uuid.NewString()
	ctx = observability.WithRequestID(ctx, requestID)
	logger := b.logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"action":     action,
		"username":   string(src.Username()),
	})
	ctx = observability.WithLogger(ctx, logger)

	inv := b.lists.Get().(*invalidate.List)
	inv.Clear()
	defer b.lists.Put(inv)

	start := time.Now()
	committed, err := b.run(ctx, inv, fn)
	outcome := "committed"
	if !committed {
		outcome = "rolled_back"
	}
	if b.metrics != nil {
		b.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
		b.metrics.RequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}

	// Broadcast follows the commit, not the request outcome: a handler that
	// released the connection before a late failure has durable writes whose
	// invalidations must still reach the caches.
	if committed {
		b.broadcaster.InvalidateMasterCaches(inv)
		if b.relay != nil {
			b.relay.Publish(ctx, inv)
		}
	}

	if err != nil {
		logger.WithError(err).Warn("request failed")
		return err
	}
	logger.WithField("invalidations", inv.String()).Debug("request committed")
	return nil
}

func (b *Broker) run(ctx context.Context, inv *invalidate.List, fn TransactFunc) (committed bool, err error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return false, err
	}

	if err := fn(ctx, tx, inv); err != nil {
		if tx.Released() {
			return true, err
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			b.logger.WithError(rbErr).Error("rollback failed")
		}
		if b.metrics != nil {
			b.metrics.RollbacksTotal.Inc()
		}
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	if b.metrics != nil {
		b.metrics.CommitsTotal.Inc()
	}
	return true, nil
}
