package transport

import (
	"context"
	"encoding/json"

	"github.com/Rajchodisetti/swing-engine/internal/adapters"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// OrderUpdateEvent is the SSE event type carrying broker order status.
const OrderUpdateEvent = "order_update"

// OrderFeed turns an SSE stream of order_update events into adapters.OrderUpdate values.
type OrderFeed struct {
	client  *SSEClient
	updates chan adapters.OrderUpdate
}

var _ adapters.OrderFeed = (*OrderFeed)(nil)

func NewOrderFeed(config Config) *OrderFeed {
	return &OrderFeed{
		client:  NewSSEClient(config),
		updates: make(chan adapters.OrderUpdate, 256),
	}
}

func (f *OrderFeed) Updates() <-chan adapters.OrderUpdate { return f.updates }

// Run consumes the stream until ctx is done.
func (f *OrderFeed) Run(ctx context.Context) error {
	events := f.client.Start(ctx)
	defer f.client.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-events:
			if !ok {
				return nil
			}
			if env.Type != OrderUpdateEvent {
				continue
			}
			var u adapters.OrderUpdate
			if err := json.Unmarshal(env.Payload, &u); err != nil {
				observ.LogWarn("feed_decode_failed", map[string]any{"id": env.ID, "error": err.Error()})
				continue
			}
			if u.OrderID == "" && u.ClientOrderID == "" {
				observ.LogWarn("feed_update_unkeyed", map[string]any{"id": env.ID})
				continue
			}
			select {
			case f.updates <- u:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// ConnectionState reports the underlying stream state.
func (f *OrderFeed) ConnectionState() ConnectionState { return f.client.ConnectionState() }
