package invalidate

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// Relay propagates table invalidations between master processes through a
// Redis channel. Remote invalidations carry no account/host scopes: the
// local caches are table-granular, so a remote signal clears the whole
// table's view, which is always safe.
type Relay struct {
	client      *redis.Client
	channel     string
	nodeID      string
	broadcaster *Broadcaster
	logger      *observability.Logger
}

// NewRelay creates a relay publishing and subscribing on channel.
func NewRelay(client *redis.Client, channel string, broadcaster *Broadcaster, logger *observability.Logger) *Relay {
	return &Relay{
		client:      client,
		channel:     channel,
		nodeID:      uuid.NewString(),
		broadcaster: broadcaster,
		logger:      logger.WithField("component", "invalidate-relay"),
	}
}

// Publish sends the invalidated table names to the channel. Publish is
// called after the local broadcast; a failure here only delays remote
// coherence, so it is logged, not returned.
func (r *Relay) Publish(ctx context.Context, list *List) {
	tables := list.Tables()
	if len(tables) == 0 {
		return
	}
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.Name())
	}
	payload := r.nodeID + "|" + strings.Join(names, ",")
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.WithError(err).Warn("failed to publish invalidations")
	}
}

// Run subscribes to the channel and applies remote invalidations to the
// local broadcaster until the context is canceled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.apply(msg.Payload)
		}
	}
}

func (r *Relay) apply(payload string) {
	node, names, ok := strings.Cut(payload, "|")
	if !ok || node == r.nodeID {
		return
	}

	list := NewList()
	for _, name := range strings.Split(names, ",") {
		table, known := schema.TableByName(name)
		if !known {
			r.logger.WithField("table", name).Warn("ignoring unknown table in relay message")
			continue
		}
		list.AddTable(table, AllAccounts(), AllHosts(), false)
	}
	r.broadcaster.InvalidateMasterCaches(list)
}
