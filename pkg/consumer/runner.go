package consumer

import (
	"context"

	"github.com/ontoforge/oms/pkg/bus"
	"github.com/ontoforge/oms/pkg/outbox"
)

// Attach subscribes the consumer to the bus. Each delivery is decoded from its
// CloudEvents wrapper and fed through Process; a handler failure propagates as
// a nack so the bus redelivers.
func (c *Consumer) Attach(ctx context.Context, transport bus.Bus, pattern string) (bus.Subscription, error) {
	return transport.Subscribe(ctx, pattern, c.id, func(ctx context.Context, msg *bus.Message) error {
		env, err := outbox.DecodeCloudEvent(msg.Data)
		if err != nil {
			// Malformed wire data never becomes processable; drop with a trace
			// instead of poisoning the redelivery loop.
			c.logger.Error("dropping undecodable delivery", "msg_id", msg.ID, "error", err)
			return nil
		}
		_, err = c.Process(ctx, env)
		return err
	})
}
