// Package bus defines the broadcast transport shared by all execution
// contexts that name the same storage resource. Implementations fan every
// published message out to every other participant on the channel; delivery
// is best-effort and unordered across participants.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is the wire format every broadcast carries. The field names are
// part of the on-wire contract and must not change.
type Message struct {
	Type      string          `json:"type"`
	SenderID  string          `json:"tabId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Handler consumes a delivered message. Handlers must not block; long work
// belongs on the receiver's own goroutines.
type Handler func(msg Message)

// Bus is one participant's handle onto a broadcast channel.
type Bus interface {
	// Publish broadcasts msg to every other participant on the channel.
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers h for every delivered message and returns a
	// cancel function that unregisters it.
	Subscribe(h Handler) (cancel func())
	// Close detaches this participant from the channel.
	Close() error
}

// ChannelName derives the broadcast channel name for a storage resource.
// Every context opening the same resource lands on the same channel.
func ChannelName(resource string) string {
	return fmt.Sprintf("stratum_coordination_%s", resource)
}
