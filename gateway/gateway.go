// Package gateway is the coordinating service of the signaling bridge: it
// owns the agent registry, the call table and the per-agent delivery queues,
// and drives the per-call state machines from control-API requests on one
// side and SIP peer events on the other.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/gophertribe/sipbridge/sipmsg"
	"github.com/gophertribe/sipbridge/trunk"
)

// Config carries the SIP-side settings of the gateway.
type Config struct {
	// Domain is the SIP domain stamped on request URIs and From/To headers.
	Domain string
	// PeerAddr is the host:port of the SIP peer. When set, outbound
	// requests are sent there regardless of the URI host.
	PeerAddr string
	// Transport is the SIP transport name (udp, tcp).
	Transport string
	// RingTimeout reaps calls stuck before a final response. Zero disables
	// the timer.
	RingTimeout time.Duration
}

// Gateway owns all mutable signaling state. Handlers receive it explicitly;
// there are no package-level tables.
type Gateway struct {
	cfg     Config
	trunk   trunk.Transport
	agents  *Registry
	calls   *table
	started time.Time
}

func New(cfg Config, t trunk.Transport) *Gateway {
	return &Gateway{
		cfg:     cfg,
		trunk:   t,
		agents:  NewRegistry(),
		calls:   newTable(),
		started: time.Now(),
	}
}

// SignIn registers the agent's SIP identity and creates its empty message
// queue. Re-sign-in replaces the previous identity.
func (gw *Gateway) SignIn(id, dn, password string) error {
	if id == "" || dn == "" || password == "" {
		return fmt.Errorf("%w: id, dn and password are required", ErrValidation)
	}
	_, prev := gw.agents.SignIn(id, dn, password)
	if prev != nil {
		slog.Info("agent re-signed in, prior identity replaced", "agent", id)
	}
	slog.Info("agent signed in", "agent", id, "dn", dn)
	return nil
}

// SignOut removes the agent and force-terminates every call it still owns.
func (gw *Gateway) SignOut(ctx context.Context, id string) {
	for _, s := range gw.calls.byAgent(id) {
		s.hangup(ctx)
	}
	if agent := gw.agents.SignOut(id); agent != nil {
		slog.Info("agent signed out", "agent", id, "dn", agent.DN)
	}
}

// PlaceCall creates an outbound call session and transmits the initial
// INVITE. The SDP answer or failure arrives later through the agent's
// delivery channel.
func (gw *Gateway) PlaceCall(ctx context.Context, agentID, destination, sdpOffer string) (string, error) {
	agent := gw.agents.Lookup(agentID)
	if agent == nil {
		return "", ErrNotRegistered
	}
	if err := validateSDP(sdpOffer); err != nil {
		return "", fmt.Errorf("%w: invalid sdp offer: %v", ErrValidation, err)
	}

	s := &Session{
		ID:          newCallID(),
		SIPCallID:   sipmsg.NewCallID(gw.trunk.ContactHost()),
		Direction:   Outbound,
		AgentID:     agent.ID,
		gw:          gw,
		dn:          agent.DN,
		remoteUser:  destination,
		remoteParty: destination,
		state:       StateCreated,
		localTag:    sipmsg.NewTag(),
		branch:      sipmsg.NewBranch(),
		cseq:        1,
		sdpOffer:    sdpOffer,
		createdAt:   time.Now(),
	}
	inv := sipmsg.Invite(s.dialog(), []byte(sdpOffer), sipmsg.InviteOpts{Branch: s.branch})
	gw.route(inv)
	s.invite = inv

	gw.calls.insert(s)
	if err := gw.trunk.Request(ctx, inv); err != nil {
		gw.calls.remove(s)
		return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	// a fast peer may have answered or rejected the call while Request was
	// in flight; only a still-untouched session moves to Calling
	s.mu.Lock()
	if s.state == StateCreated {
		s.setState(StateCalling)
	}
	s.mu.Unlock()
	s.startRingTimer(gw.cfg.RingTimeout)
	slog.Info("call placed", "call", s.ID, "agent", agentID, "destination", destination)
	return s.ID, nil
}

// Answer completes an inbound call with the agent's SDP answer.
func (gw *Gateway) Answer(callID, sdpAnswer string) error {
	s := gw.calls.get(callID)
	if s == nil {
		return ErrCallNotFound
	}
	if err := validateSDP(sdpAnswer); err != nil {
		return fmt.Errorf("%w: invalid sdp answer: %v", ErrValidation, err)
	}
	return s.answer(sdpAnswer)
}

// Hangup cancels a call regardless of its state.
func (gw *Gateway) Hangup(ctx context.Context, callID string) error {
	s := gw.calls.get(callID)
	if s == nil {
		return ErrCallNotFound
	}
	s.hangup(ctx)
	return nil
}

// Poll removes and returns the oldest undelivered message for the agent.
func (gw *Gateway) Poll(agentID string) (Message, bool, error) {
	return gw.agents.Poll(agentID)
}

// AgentInfo is the read-only agent snapshot exposed over the control API.
type AgentInfo struct {
	ID           string    `json:"id"`
	DN           string    `json:"dn"`
	State        string    `json:"state"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (gw *Gateway) Agents() []AgentInfo {
	agents := gw.agents.List()
	infos := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, AgentInfo{
			ID:           a.ID,
			DN:           a.DN,
			State:        a.State.String(),
			RegisteredAt: a.RegisteredAt,
		})
	}
	return infos
}

func (gw *Gateway) ActiveCalls() []CallInfo {
	sessions := gw.calls.all()
	infos := make([]CallInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// route pins the request's destination to the configured peer address, so
// the URI domain does not have to resolve to the actual SIP server.
func (gw *Gateway) route(req *sip.Request) {
	if gw.cfg.PeerAddr != "" {
		req.SetDestination(gw.cfg.PeerAddr)
	}
}

func validateSDP(raw string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return err
	}
	return nil
}

func newCallID() string {
	return "call-" + uuid.NewString()
}
