// Package trunk is the boundary toward the SIP peer (registrar/PBX).
//
// Everything the peer emits — responses to our client transactions and
// inbound requests — is surfaced as a tagged Event on a single channel, so
// the rest of the system never registers ad hoc callbacks or reaches into
// transport internals.
package trunk

import (
	"context"
	"errors"

	"github.com/emiago/sipgo/sip"
)

// ErrTransport wraps send failures toward the SIP peer.
var ErrTransport = errors.New("sip transport error")

// EventKind discriminates the Event union.
type EventKind int

const (
	// EventResponse is a response to a client transaction we started.
	EventResponse EventKind = iota
	// EventInvite is an inbound INVITE from the peer (new or retransmitted).
	EventInvite
	// EventBye is an inbound BYE from the peer.
	EventBye
	// EventError is a transport-level failure of a client transaction.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventResponse:
		return "response"
	case EventInvite:
		return "invite"
	case EventBye:
		return "bye"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Responder answers an inbound request. sipgo's ServerTransaction satisfies
// it directly.
type Responder interface {
	Respond(res *sip.Response) error
}

// Event is one observation from the SIP peer, correlated by Call-ID.
type Event struct {
	Kind     EventKind
	CallID   string
	Response *sip.Response // EventResponse
	Request  *sip.Request  // EventInvite, EventBye
	Reply    Responder     // EventInvite, EventBye
	Err      error         // EventError
}

// Transport sends requests toward the SIP peer and surfaces everything it
// observes as Events. Implementations must never block the caller waiting
// for a response: Request registers a continuation and returns.
type Transport interface {
	// Request starts a client transaction. Provisional and final responses
	// arrive later as EventResponse events carrying the request's Call-ID;
	// a transaction-level failure arrives as EventError.
	Request(ctx context.Context, req *sip.Request) error
	// Send transmits a one-way request with no transaction (ACK).
	Send(ctx context.Context, req *sip.Request) error
	// Events is the single stream of peer observations.
	Events() <-chan Event
	// ContactHost and ContactPort are the address the transport announces
	// as its own, for Via/Contact construction.
	ContactHost() string
	ContactPort() int
	Close() error
}
