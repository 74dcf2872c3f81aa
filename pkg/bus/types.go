package bus

import "time"

// InboundMessage is one SMS received from a backend.
type InboundMessage struct {
	ID         string    `json:"id"`
	Backend    string    `json:"backend"`
	Peer       string    `json:"peer"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// OutboundMessage is one SMS to deliver through a backend.
type OutboundMessage struct {
	Backend string `json:"backend"`
	To      string `json:"to"`
	Text    string `json:"text"`
}
