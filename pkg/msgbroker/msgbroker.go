package msgbroker

import "errors"

// ErrNoRecipients is returned by Publish when nobody is subscribed to the channel.
var ErrNoRecipients = errors.New("no recipients")

// MessageBroker used for sending messages to other services
type MessageBroker interface {
	// Publish sends msg to channel
	Publish(msg []byte, channel string) error
}
