package bus

import (
	"strings"
	"time"
)

// Event is one occurrence published on the bus. Kind is dotted, with the
// producing component first ("chat.send_ack", "session.status_changed").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// In reports whether the event belongs to namespace. The empty namespace
// holds every event.
func (e Event) In(namespace string) bool {
	return strings.HasPrefix(e.Kind, namespace)
}
