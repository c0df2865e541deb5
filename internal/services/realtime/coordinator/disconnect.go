package coordinator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Disconnect reconciles state after connID's transport closed: the seat is
// freed, the character passes to AI control and the remaining members are
// told. An unbound connection is only forgotten. In-memory state is cleaned
// up even when the durable writes fail; the error reports those failures.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	defer c.peers.remove(connID)

	ctx, cancel := c.begin(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "Disconnect", attribute.String("connection.id", connID))
	defer span.End()

	err := c.leave(ctx, connID)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (c *Coordinator) leave(ctx context.Context, connID string) error {
	binding, ok := c.registry.Lookup(connID)
	if !ok {
		return nil
	}
	entry := c.members.Acquire(binding.SessionID)
	defer c.members.Release(entry)

	// A rejoin elsewhere may have superseded the binding while we waited.
	current, ok := c.registry.Lookup(connID)
	if !ok || current.SessionID != binding.SessionID || !entry.Has(connID) {
		return nil
	}
	return c.leaveLocked(ctx, entry, connID, current)
}

func (c *Coordinator) leaveLocked(ctx context.Context, entry *SessionEntry, connID string, binding Binding) error {
	entry.Detach(connID)
	c.registry.Unbind(connID)
	occupancy := entry.Occupancy()

	var errs []error
	if err := c.persistOccupancy(ctx, entry); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.store.UpdateActiveStatus(ctx, binding.CharacterID, false, true); err != nil {
		errs = append(errs, errStore("hand character to ai", err))
	}

	c.router.Broadcast(entry, Message{Event: EventPlayerLeft, Payload: PlayerLeftPayload{
		CharacterID: binding.CharacterID,
		Occupancy:   occupancy,
	}}, "")

	fields := []zap.Field{
		zap.String("session_id", binding.SessionID),
		zap.String("connection_id", connID),
		zap.String("character_id", binding.CharacterID),
		zap.Int("occupancy", occupancy),
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.logger.Error("player left with store failure", append(fields, zap.Error(err))...)
		return err
	}
	c.logger.Info("player left", fields...)
	return nil
}
