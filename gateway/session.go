package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/gophertribe/sipbridge/auth"
	"github.com/gophertribe/sipbridge/sipmsg"
	"github.com/gophertribe/sipbridge/trunk"
)

// State is the lifecycle phase of a call session. Transitions only move
// forward; Failed is reachable from any non-terminal state.
type State int

const (
	StateCreated State = iota
	StateCalling
	StateRinging
	StateAuthenticating
	StateAnswered
	StateActive
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateCalling:
		return "Calling"
	case StateRinging:
		return "Ringing"
	case StateAuthenticating:
		return "Authenticating"
	case StateAnswered:
		return "Answered"
	case StateActive:
		return "Active"
	case StateEnded:
		return "Ended"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s State) terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Direction distinguishes who initiated the call.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Session is the per-call state container. The local call id is generated
// before the SIP Call-ID is known to exist on the wire, so the two are
// tracked independently. All mutations go through the methods below and are
// serialized by the session mutex.
type Session struct {
	ID        string
	SIPCallID string
	Direction Direction
	AgentID   string

	gw *Gateway
	mu sync.Mutex

	dn          string // our extension
	remoteUser  string // remote extension, for in-dialog requests
	remoteParty string // remote identity as shown to the agent

	state         State
	localTag      string
	remoteTag     string
	branch        string
	cseq          uint32
	sdpOffer      string
	sdpAnswer     string
	authAttempted bool
	createdAt     time.Time

	invite    *sip.Request    // last INVITE sent (outbound) or received (inbound)
	reply     trunk.Responder // inbound leg only
	ringTimer *time.Timer
	outbox    []Message // notifications queued under the lock, sent after release
}

// CallInfo is the read-only snapshot exposed over the control API.
type CallInfo struct {
	CallID      string `json:"call_id"`
	AgentID     string `json:"agent_id"`
	Direction   string `json:"direction"`
	State       string `json:"state"`
	RemoteParty string `json:"remote_party,omitempty"`
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) info() CallInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CallInfo{
		CallID:      s.ID,
		AgentID:     s.AgentID,
		Direction:   s.Direction.String(),
		State:       s.state.String(),
		RemoteParty: s.remoteParty,
	}
}

// handleResponse applies one SIP response to the session. Events for a
// session already in a terminal state are no-ops: a hangup may have raced
// the response, and a cancelled session must not be revived.
func (s *Session) handleResponse(ctx context.Context, res *sip.Response) {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()
	if s.state.terminal() {
		slog.Debug("response for terminated call, dropping", "call", s.ID, "status", int(res.StatusCode))
		return
	}

	code := int(res.StatusCode)
	switch {
	case code < 200:
		// retransmitted provisionals leave Ringing untouched
		if s.state == StateCreated || s.state == StateCalling {
			if code == 180 || code == 183 {
				s.setState(StateRinging)
			}
		}
	case code == 401 || code == 407:
		s.handleChallenge(ctx, res, code)
	case code < 300:
		s.handleOK(ctx, res)
	default:
		s.fail(fmt.Sprintf("call rejected: %d %s", code, res.Reason))
	}
}

// handleChallenge performs the single allowed digest-auth retry: new
// Authorization header, incremented CSeq, fresh branch. A second challenge
// means the credential itself is bad, not a stale nonce.
func (s *Session) handleChallenge(ctx context.Context, res *sip.Response, code int) {
	if s.Direction == Inbound {
		s.fail("authentication challenge on inbound call leg")
		return
	}
	if s.authAttempted {
		s.fail("authentication rejected")
		return
	}
	agent := s.gw.agents.Lookup(s.AgentID)
	if agent == nil {
		s.fail("agent signed out")
		return
	}

	challengeName, authName := "WWW-Authenticate", "Authorization"
	if code == 407 {
		challengeName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := res.GetHeader(challengeName)
	if h == nil {
		s.fail("challenge response carries no challenge header")
		return
	}

	s.authAttempted = true
	s.setState(StateAuthenticating)

	authValue, err := auth.Authorize(h.Value(), agent.credentials(), auth.Options{
		Method: "INVITE",
		URI:    s.invite.Recipient.String(),
	})
	if err != nil {
		s.fail("could not answer challenge: " + err.Error())
		return
	}

	s.cseq++
	s.branch = sipmsg.NewBranch()
	req := sipmsg.Invite(s.dialog(), []byte(s.sdpOffer), sipmsg.InviteOpts{
		Branch:    s.branch,
		AuthName:  authName,
		AuthValue: authValue,
	})
	s.gw.route(req)
	s.invite = req
	if err := s.gw.trunk.Request(ctx, req); err != nil {
		s.fail("could not resend invite: " + err.Error())
		return
	}
	s.setState(StateCalling)
}

func (s *Session) handleOK(ctx context.Context, res *sip.Response) {
	if s.state == StateAnswered || s.state == StateActive {
		// retransmitted final, already handled
		return
	}
	if to := res.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			s.remoteTag = tag
		}
	}
	s.sdpAnswer = string(res.Body())

	ack := sipmsg.Ack(s.invite, res)
	if err := s.gw.trunk.Send(ctx, ack); err != nil {
		s.fail("could not send ack: " + err.Error())
		return
	}
	s.setState(StateAnswered)
	s.stopRingTimer()
	s.notify(Message{
		Type:   MessageAnswer,
		CallID: s.ID,
		SDP:    s.sdpAnswer,
	})
	s.setState(StateActive)
}

// answer completes an inbound call with the agent's SDP answer.
func (s *Session) answer(sdpAnswer string) error {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return ErrCallNotFound
	}
	if s.Direction != Inbound {
		return fmt.Errorf("%w: answer is only valid for inbound calls", ErrValidation)
	}
	if s.state != StateRinging {
		return fmt.Errorf("%w: call not answerable in state %s", ErrValidation, s.state)
	}

	res := sip.NewResponseFromRequest(s.invite, sip.StatusOK, "OK", []byte(sdpAnswer))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", s.localTag)
	}
	if s.reply != nil {
		if err := s.reply.Respond(res); err != nil {
			s.fail("could not answer inbound call: " + err.Error())
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}
	s.sdpAnswer = sdpAnswer
	s.setState(StateAnswered)
	s.stopRingTimer()
	s.setState(StateActive)
	return nil
}

// hangup tears the session down regardless of its current state. An
// established dialog gets a BYE, a pending outbound INVITE gets a CANCEL,
// and an unanswered inbound call is rejected.
func (s *Session) hangup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	switch {
	case s.state == StateActive || s.state == StateAnswered:
		s.cseq++
		bye := sipmsg.Bye(s.dialog(), sipmsg.NewBranch())
		s.gw.route(bye)
		if err := s.gw.trunk.Request(ctx, bye); err != nil {
			slog.Warn("could not send bye", "call", s.ID, "err", err)
		}
	case s.Direction == Outbound && s.invite != nil:
		cancel := sipmsg.Cancel(s.invite)
		s.gw.route(cancel)
		if err := s.gw.trunk.Request(ctx, cancel); err != nil {
			slog.Warn("could not send cancel", "call", s.ID, "err", err)
		}
	case s.Direction == Inbound && s.reply != nil:
		res := sip.NewResponseFromRequest(s.invite, sip.StatusBusyHere, "Busy Here", nil)
		if err := s.reply.Respond(res); err != nil {
			slog.Warn("could not reject inbound call", "call", s.ID, "err", err)
		}
	}
	s.end()
}

// remoteBye handles a BYE (or CANCEL) from the peer. The termination is
// surfaced to the agent through the same channel as every other outcome.
func (s *Session) remoteBye(ev trunk.Event) {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()
	respond(ev, sip.StatusOK, "OK")
	if s.state.terminal() {
		return
	}
	s.notify(Message{
		Type:   MessageError,
		CallID: s.ID,
		Reason: "call ended by remote party",
	})
	s.end()
}

func (s *Session) transportError(err error) {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.fail("transport error: " + err.Error())
}

// ringingAgain absorbs a retransmitted inbound INVITE: same 180, no new
// session, no duplicate offer.
func (s *Session) ringingAgain(ev trunk.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging {
		return
	}
	respond(ev, sip.StatusRinging, "Ringing")
}

func (s *Session) startRingTimer(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCreated, StateCalling, StateRinging, StateAuthenticating:
		s.ringTimer = time.AfterFunc(d, s.ringTimeout)
	}
}

func (s *Session) ringTimeout() {
	s.mu.Lock()
	defer s.flush()
	defer s.mu.Unlock()
	switch s.state {
	case StateCreated, StateCalling, StateRinging, StateAuthenticating:
		s.fail("no answer before ring timeout")
	}
}

// fail and end are the only exits from the state machine. Both remove the
// session from the call table; callers must hold the session mutex.
func (s *Session) fail(reason string) {
	if s.state.terminal() {
		return
	}
	s.setState(StateFailed)
	s.stopRingTimer()
	s.notify(Message{
		Type:   MessageError,
		CallID: s.ID,
		Reason: reason,
	})
	s.gw.calls.remove(s)
	slog.Info("call failed", "call", s.ID, "agent", s.AgentID, "reason", reason)
}

func (s *Session) end() {
	if s.state.terminal() {
		return
	}
	s.setState(StateEnded)
	s.stopRingTimer()
	s.gw.calls.remove(s)
	slog.Info("call ended", "call", s.ID, "agent", s.AgentID)
}

// notify queues a message for the owning agent; callers hold the session
// mutex. Delivery happens in flush once the mutex is released, because a
// push delivery can block on a slow socket and must not stall the other
// events for this call.
func (s *Session) notify(msg Message) {
	msg.EnqueuedAt = time.Now()
	s.outbox = append(s.outbox, msg)
}

func (s *Session) flush() {
	s.mu.Lock()
	msgs := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, msg := range msgs {
		s.gw.agents.Deliver(s.AgentID, msg)
	}
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) setState(next State) {
	slog.Debug("call state", "call", s.ID, "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *Session) dialog() sipmsg.Dialog {
	return sipmsg.Dialog{
		SIPCallID: s.SIPCallID,
		FromUser:  s.dn,
		ToUser:    s.remoteUser,
		Domain:    s.gw.cfg.Domain,
		Contact: sip.Uri{
			User: s.dn,
			Host: s.gw.trunk.ContactHost(),
			Port: s.gw.trunk.ContactPort(),
		},
		Transport: s.gw.cfg.Transport,
		LocalTag:  s.localTag,
		RemoteTag: s.remoteTag,
		CSeq:      s.cseq,
	}
}
