package store

import "strings"

// DefaultTopic is the topic assigned to messages whose name yields no
// usable first segment.
const DefaultTopic = "default"

// Message is one row of the durable queue. IDs are store-assigned and
// strictly increasing; a reply carries the id of the message it answers in
// ResponseTo, fresh messages carry zero.
type Message struct {
	ID          int64
	Name        string
	Source      string
	Destination string
	Payload     []byte
	// Timeout is the absolute expiry as a Unix timestamp in seconds. Rows
	// past their timeout are removed by the next sweep and never delivered.
	Timeout    int64
	ResponseTo int64
}

// Topic returns the first dot-separated segment of the message name, the
// unit of ordering for dispatch.
func (m *Message) Topic() string {
	name := m.Name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return DefaultTopic
	}
	return name
}
