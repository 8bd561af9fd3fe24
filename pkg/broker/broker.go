// Package broker defines the engine's messaging contract: the publish
// interface the orchestrator dispatches steps through, the sink
// interface adapters deliver inbound messages to, and the resolution
// pipeline that turns step metadata into publish parameters. Concrete
// brokers live in subpackages (natsbroker); the engine never imports
// them directly.
package broker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable reports that the broker cannot be reached. Fatal at
	// startup; at runtime the affected campaign is torn down.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrResolution is the umbrella for any failure to derive publish
	// parameters from step metadata.
	ErrResolution = errors.New("cannot resolve broker publish parameters")

	// ErrMissingHeaders reports required message headers absent from step
	// metadata. Matches ErrResolution in errors.Is chains.
	ErrMissingHeaders = fmt.Errorf("%w: missing required headers", ErrResolution)

	// ErrNoTopic reports that no resolution rule produced a topic.
	// Matches ErrResolution in errors.Is chains.
	ErrNoTopic = fmt.Errorf("%w: unable to resolve topic for campaign step", ErrResolution)
)

// Publisher dispatches one message to the broker. persist asks the
// broker to retain the message for durable consumers where the backend
// supports that; brokers without durability treat it as a plain publish.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte, contentType string, headers map[string]string, persist bool) error
}

// MessageSink receives every inbound message the adapter's subscription
// matches. Implementations must tolerate concurrent calls: adapters
// deliver from their own receive goroutines.
type MessageSink interface {
	HandleBrokerMessage(body []byte, contentType string, headers map[string]string)
}
