package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/trackerbot/telemetry"
)

const tracerName = "tracker"

// target is the registry side of a delivery: where bindings live and how a
// failing subscription is removed.
type target interface {
	Descriptor() Descriptor
	binding(name, channel string) (string, bool)
	bind(ctx context.Context, name, channel, messageID string) error
	Unsubscribe(ctx context.Context, name, channel string) (bool, error)
}

// Dispatcher delivers events to channels through a Surface and removes
// subscriptions that can no longer be delivered.
type Dispatcher struct {
	surface Surface
	log     *slog.Logger
}

// NewDispatcher returns a dispatcher writing to surface.
func NewDispatcher(surface Surface, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{surface: surface, log: log.With(slog.String("component", "dispatcher"))}
}

// DeliverMinor sends a one-off notification.
func (d *Dispatcher) DeliverMinor(ctx context.Context, t target, name, channel, text string) error {
	kind := string(t.Descriptor().Kind)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "tracker.deliver_minor",
		attribute.String("kind", kind), attribute.String("subject", name), attribute.String("channel", channel))
	defer span.End()

	if _, err := d.surface.Send(ctx, channel, text, nil); err != nil {
		telemetry.CountDelivery(kind, "send", "error")
		err = d.fail(ctx, t, name, channel, err)
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.CountDelivery(kind, "send", "ok")
	telemetry.SetSpanSuccess(span)
	return nil
}

// DeliverMajor publishes a status card. For binding kinds the card bound to the
// channel is edited in place; a missing bound message (or fresh=true) creates a
// new one and the binding is replaced and persisted before returning.
func (d *Dispatcher) DeliverMajor(ctx context.Context, t target, name, channel string, card *Card, text string, fresh bool) error {
	desc := t.Descriptor()
	kind := string(desc.Kind)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "tracker.deliver_major",
		attribute.String("kind", kind), attribute.String("subject", name), attribute.String("channel", channel))
	defer span.End()

	if desc.Binding && !fresh {
		if id, ok := t.binding(name, channel); ok {
			found, err := d.surface.Edit(ctx, channel, id, text, card)
			if err != nil {
				telemetry.CountDelivery(kind, "edit", "error")
				err = d.fail(ctx, t, name, channel, err)
				telemetry.RecordError(span, err)
				return err
			}
			if found {
				telemetry.CountDelivery(kind, "edit", "ok")
				telemetry.SetSpanSuccess(span)
				return nil
			}
			telemetry.CountDelivery(kind, "edit", "missing")
			d.log.Info("bound message missing, recreating",
				slog.String("kind", kind), slog.String("subject", name), slog.String("channel", channel), slog.String("message_id", id))
		}
	}

	id, err := d.surface.Send(ctx, channel, text, card)
	if err != nil {
		telemetry.CountDelivery(kind, "send", "error")
		err = d.fail(ctx, t, name, channel, err)
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.CountDelivery(kind, "send", "ok")
	if !desc.Binding {
		telemetry.SetSpanSuccess(span)
		return nil
	}
	if err := t.bind(ctx, name, channel, id); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

// Retire deletes a message that no longer represents any subject. Failures are only logged.
func (d *Dispatcher) Retire(ctx context.Context, channel, messageID string) {
	if err := d.surface.Delete(ctx, channel, messageID); err != nil {
		d.log.Warn("failed to delete retired status card",
			slog.String("channel", channel), slog.String("message_id", messageID), slog.Any("err", err))
	}
}

// fail classifies a delivery error. Unreachable channels and missing permissions
// remove the subscription; anything else is logged and left alone.
func (d *Dispatcher) fail(ctx context.Context, t target, name, channel string, cause error) error {
	desc := t.Descriptor()
	log := d.log.With(slog.String("kind", string(desc.Kind)), slog.String("subject", name), slog.String("channel", channel))

	exists, err := d.surface.ChannelExists(ctx, channel)
	if err != nil {
		log.Error("delivery failed and channel lookup failed", slog.Any("err", cause), slog.Any("lookup_err", err))
		return fmt.Errorf("deliver %s to %s: %w", name, channel, cause)
	}
	if !exists {
		log.Warn("channel unreachable, removing subscription", slog.Any("err", cause))
		d.prune(ctx, t, name, channel, "unreachable")
		return fmt.Errorf("%w: %s: %w", ErrDeliveryUnreachable, channel, cause)
	}

	perms, err := d.surface.Permissions(ctx, channel)
	if err != nil {
		log.Error("delivery failed and permission lookup failed", slog.Any("err", cause), slog.Any("lookup_err", err))
		return fmt.Errorf("deliver %s to %s: %w", name, channel, cause)
	}
	if !perms.Deliverable() {
		log.Warn("missing permissions, removing subscription",
			slog.Bool("view", perms.View), slog.Bool("send", perms.Send), slog.Bool("read_history", perms.ReadHistory))
		d.prune(ctx, t, name, channel, "forbidden")
		if perms.Send {
			notice := fmt.Sprintf("Removed %s tracker for `%s`: missing permissions. I need to view the channel, send messages and read message history.", desc.Title, name)
			if _, err := d.surface.Send(ctx, channel, notice, nil); err != nil {
				log.Warn("failed to send removal notice", slog.Any("err", err))
			}
		}
		return fmt.Errorf("%w: %s: %w", ErrDeliveryForbidden, channel, cause)
	}

	log.Error("unclassified delivery failure", slog.Any("err", cause))
	return fmt.Errorf("deliver %s to %s: %w", name, channel, cause)
}

func (d *Dispatcher) prune(ctx context.Context, t target, name, channel, reason string) {
	removed, err := t.Unsubscribe(ctx, name, channel)
	if err != nil {
		d.log.Error("failed to persist pruned subscription",
			slog.String("subject", name), slog.String("channel", channel), slog.Any("err", err))
	}
	if removed {
		telemetry.CountPrune(string(t.Descriptor().Kind), reason)
	}
}
