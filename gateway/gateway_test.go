package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/gophertribe/sipbridge/trunk"
)

const validSDP = "v=0\r\n" +
	"o=- 20518 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n"

// fakeTrunk records outbound traffic and lets tests inject peer events
// synchronously through Gateway.dispatch.
type fakeTrunk struct {
	mu         sync.Mutex
	requests   []*sip.Request // transactional: INVITE, BYE, CANCEL
	oneWay     []*sip.Request // ACK
	events     chan trunk.Event
	requestErr error
	sendErr    error
	onRequest  func(req *sip.Request) // invoked before Request returns
}

func newFakeTrunk() *fakeTrunk {
	return &fakeTrunk{events: make(chan trunk.Event, 16)}
}

func (f *fakeTrunk) Request(_ context.Context, req *sip.Request) error {
	f.mu.Lock()
	if f.requestErr != nil {
		f.mu.Unlock()
		return f.requestErr
	}
	f.requests = append(f.requests, req)
	hook := f.onRequest
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (f *fakeTrunk) Send(_ context.Context, req *sip.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.oneWay = append(f.oneWay, req)
	return nil
}

func (f *fakeTrunk) Events() <-chan trunk.Event { return f.events }
func (f *fakeTrunk) ContactHost() string        { return "10.0.0.1" }
func (f *fakeTrunk) ContactPort() int           { return 5071 }
func (f *fakeTrunk) Close() error               { return nil }

func (f *fakeTrunk) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTrunk) lastRequest() *sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeTrunk) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.oneWay {
		if req.Method == sip.ACK {
			n++
		}
	}
	return n
}

// fakeResponder records responses sent toward the peer's server transaction.
type fakeResponder struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (f *fakeResponder) Respond(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeResponder) last() *sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil
	}
	return f.responses[len(f.responses)-1]
}

func (f *fakeResponder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

func newTestGateway(cfg Config) (*Gateway, *fakeTrunk) {
	if cfg.Domain == "" {
		cfg.Domain = "pbx.example.com"
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	ft := newFakeTrunk()
	return New(cfg, ft), ft
}

// placeTestCall signs in the agent and places an outbound call, returning
// the local call id and the INVITE that went out.
func placeTestCall(t *testing.T, gw *Gateway, ft *fakeTrunk) (string, *sip.Request) {
	t.Helper()
	require.NoError(t, gw.SignIn("agent-a", "5001", "secret"))
	callID, err := gw.PlaceCall(context.Background(), "agent-a", "1003", validSDP)
	require.NoError(t, err)
	invite := ft.lastRequest()
	require.NotNil(t, invite)
	require.Equal(t, sip.INVITE, invite.Method)
	return callID, invite
}

// responseTo builds a peer response for a previously captured request, with
// the remote tag a real peer would add.
func responseTo(req *sip.Request, code sip.StatusCode, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", "remote-tag")
	}
	return res
}

func responseEvent(req *sip.Request, res *sip.Response) trunk.Event {
	return trunk.Event{
		Kind:     trunk.EventResponse,
		CallID:   req.CallID().Value(),
		Response: res,
	}
}

// inboundInvite builds a peer-originated INVITE for the given dn.
func inboundInvite(sipCallID, fromUser, toUser string, body string) *sip.Request {
	target := sip.Uri{User: toUser, Host: "10.0.0.1", Port: 5071}
	req := sip.NewRequest(sip.INVITE, target)
	fromParams := sip.NewParams()
	fromParams.Add("tag", "peer-tag")
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: fromUser, Host: "pbx.example.com"},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callID := sip.CallIDHeader(sipCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(body))
	return req
}

// pushFunc adapts a function to the PushSender interface.
type pushFunc func(Message) error

func (f pushFunc) Push(msg Message) error { return f(msg) }
func (f pushFunc) Close() error           { return nil }

func drainMessages(t *testing.T, gw *Gateway, agentID string) []Message {
	t.Helper()
	var msgs []Message
	for {
		msg, ok, err := gw.Poll(agentID)
		require.NoError(t, err)
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func requireNoMessages(t *testing.T, gw *Gateway, agentID string) {
	t.Helper()
	msgs := drainMessages(t, gw, agentID)
	require.Empty(t, msgs, "unexpected pending messages: %v", msgs)
}

func authorizationOf(req *sip.Request) string {
	if h := req.GetHeader("Authorization"); h != nil {
		return h.Value()
	}
	return ""
}

func branchOf(req *sip.Request) string {
	if via := req.Via(); via != nil && via.Params != nil {
		if b, ok := via.Params.Get("branch"); ok {
			return b
		}
	}
	return ""
}

func requireContains(t *testing.T, s, substr string) {
	t.Helper()
	require.True(t, strings.Contains(s, substr), "%q does not contain %q", s, substr)
}
