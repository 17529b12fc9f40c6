package domain

import "context"

// Message is an inbound bus message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// MessageHandler is invoked by the transport for messages on a subscribed topic.
type MessageHandler func(msg Message)

// Transport is the retained publish/subscribe bus the bridge writes to.
// Publishing an empty retained payload clears the topic.
type Transport interface {
	Publish(topic string, payload string, retain bool) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// RetainedScanner lists retained topics currently held by the broker.
type RetainedScanner interface {
	RetainedTopics(ctx context.Context, filter string) ([]string, error)
}
