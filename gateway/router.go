package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/gophertribe/sipbridge/sipmsg"
	"github.com/gophertribe/sipbridge/trunk"
)

// Run consumes the SIP peer's event stream until the context is canceled or
// the stream closes. Events for one call are applied in observation order.
func (gw *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-gw.trunk.Events():
			if !ok {
				return nil
			}
			gw.dispatch(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch demultiplexes one peer event by SIP Call-ID. Malformed or
// uncorrelated events are logged and dropped; they never crash the router or
// advance anyone's state.
func (gw *Gateway) dispatch(ctx context.Context, ev trunk.Event) {
	switch ev.Kind {
	case trunk.EventResponse:
		if ev.Response == nil || ev.CallID == "" {
			slog.Warn("malformed response event, dropping")
			return
		}
		s := gw.calls.getBySIP(ev.CallID)
		if s == nil {
			slog.Debug("response for unknown call, dropping", "sip_call_id", ev.CallID, "status", int(ev.Response.StatusCode))
			return
		}
		s.handleResponse(ctx, ev.Response)

	case trunk.EventInvite:
		gw.handleInvite(ev)

	case trunk.EventBye:
		s := gw.calls.getBySIP(ev.CallID)
		if s == nil {
			// absorb the retransmission so the peer stops resending
			respond(ev, 481, "Call/Transaction Does Not Exist")
			return
		}
		s.remoteBye(ev)

	case trunk.EventError:
		s := gw.calls.getBySIP(ev.CallID)
		if s == nil {
			return
		}
		s.transportError(ev.Err)

	default:
		slog.Warn("unknown peer event, dropping", "kind", int(ev.Kind))
	}
}

// handleInvite creates an inbound call session, or rejects the INVITE when
// no signed-in agent owns the dialed identity.
func (gw *Gateway) handleInvite(ev trunk.Event) {
	if ev.Request == nil || ev.CallID == "" {
		slog.Warn("malformed invite event, dropping")
		return
	}
	if existing := gw.calls.getBySIP(ev.CallID); existing != nil {
		existing.ringingAgain(ev)
		return
	}

	to := ev.Request.To()
	from := ev.Request.From()
	if to == nil || from == nil {
		respond(ev, sip.StatusBadRequest, "Bad Request")
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}

	dn := to.Address.User
	agent := gw.agents.LookupByDN(dn)
	if agent == nil {
		slog.Info("inbound call for unknown dn, rejecting", "dn", dn)
		respond(ev, sip.StatusNotFound, "Not Found")
		return
	}

	remoteTag := ""
	if from.Params != nil {
		remoteTag, _ = from.Params.Get("tag")
	}
	s := &Session{
		ID:          newCallID(),
		SIPCallID:   ev.CallID,
		Direction:   Inbound,
		AgentID:     agent.ID,
		gw:          gw,
		dn:          agent.DN,
		remoteUser:  from.Address.User,
		remoteParty: from.Address.String(),
		state:       StateCreated,
		localTag:    sipmsg.NewTag(),
		remoteTag:   remoteTag,
		cseq:        1,
		sdpOffer:    string(ev.Request.Body()),
		createdAt:   time.Now(),
		invite:      ev.Request,
		reply:       ev.Reply,
	}
	gw.calls.insert(s)

	respond(ev, sip.StatusRinging, "Ringing")
	s.mu.Lock()
	s.setState(StateRinging)
	s.mu.Unlock()

	gw.agents.Deliver(agent.ID, Message{
		Type:       MessageOffer,
		CallID:     s.ID,
		SDP:        s.sdpOffer,
		From:       s.remoteParty,
		EnqueuedAt: time.Now(),
	})
	s.startRingTimer(gw.cfg.RingTimeout)
	slog.Info("inbound call offered", "call", s.ID, "agent", agent.ID, "from", s.remoteParty)
}

// respond answers an inbound request. Requests too malformed to build a
// response from are logged and dropped; a missing To header would crash the
// response constructor.
func respond(ev trunk.Event, code sip.StatusCode, reason string) {
	if ev.Reply == nil || ev.Request == nil {
		return
	}
	to := ev.Request.To()
	if to == nil {
		slog.Warn("inbound request without To header, dropping", "sip_call_id", ev.CallID, "method", string(ev.Request.Method))
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if err := ev.Reply.Respond(sip.NewResponseFromRequest(ev.Request, code, reason, nil)); err != nil {
		slog.Warn("could not respond to inbound request", "sip_call_id", ev.CallID, "err", err)
	}
}
