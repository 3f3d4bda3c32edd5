package gateway

import "time"

// MessageType discriminates what a delivered message carries.
type MessageType string

const (
	// MessageOffer carries the SDP offer of a new inbound call.
	MessageOffer MessageType = "OFFER"
	// MessageAnswer carries the SDP answer of an answered outbound call.
	MessageAnswer MessageType = "ANSWER"
	// MessageError reports an asynchronous call failure or termination.
	MessageError MessageType = "ERROR"
)

// Message is the unit delivered to the browser side, via poll or push. A
// message is delivered at most once; the two delivery modes never both see
// the same message.
type Message struct {
	Type       MessageType `json:"type"`
	CallID     string      `json:"callId"`
	SDP        string      `json:"sdp,omitempty"`
	From       string      `json:"from,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	EnqueuedAt time.Time   `json:"-"`
}
