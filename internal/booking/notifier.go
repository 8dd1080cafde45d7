package booking

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentReminder  = "APPOINTMENT_REMINDER"
)

// Event is a booking-lifecycle notification addressed to one party.
type Event struct {
	Kind          string    `json:"kind"`
	RecipientID   uuid.UUID `json:"recipient_id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Message       string    `json:"message"`
}

// Notifier delivers lifecycle events. Delivery is best-effort: a failed emit
// must never roll back the booking operation that produced it.
type Notifier interface {
	Emit(ctx context.Context, ev Event)
}

// RedisNotifier publishes events to a Redis channel for downstream delivery
// workers (email, push) to consume.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, log zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel, log: log}
}

func (n *RedisNotifier) Emit(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error().Err(err).Str("kind", ev.Kind).Msg("marshal notification")
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.log.Error().Err(err).
			Str("kind", ev.Kind).
			Stringer("appointment_id", ev.AppointmentID).
			Msg("publish notification")
	}
}

// NopNotifier drops every event. Used by the seed tool and tests.
type NopNotifier struct{}

func (NopNotifier) Emit(context.Context, Event) {}
