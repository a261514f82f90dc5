package bus

import "context"

// Message is one delivery from the bus. Ack must be called exactly when the
// item is finished (processed or permanently skipped); leaving a message
// unacked is the deliberate way to get it redelivered later.
type Message interface {
	Topic() string
	Payload() []byte
	Ack()
}

// Handler processes one delivery. Handlers must tolerate duplicates: the
// bus is at-least-once.
type Handler func(ctx context.Context, msg Message)

// Publisher port
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Consumer port
type Consumer interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
}
