package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "text/plain")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSignInEndpoint(t *testing.T) {
	gw, _ := newTestGateway(Config{})
	h := gw.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/webrtc/sign_in?id=a&dn=5001", "")
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing password")

	rec = doRequest(t, h, http.MethodGet, "/api/webrtc/sign_in?id=a&dn=5001&password=pw", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestPlaceCallEndpoint(t *testing.T) {
	gw, ft := newTestGateway(Config{})
	h := gw.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/webrtc/message?from=ghost&to=1003", validSDP)
	require.Equal(t, http.StatusNotFound, rec.Code)

	doRequest(t, h, http.MethodGet, "/api/webrtc/sign_in?id=a&dn=5001&password=pw", "")

	rec = doRequest(t, h, http.MethodPost, "/api/webrtc/message?from=a", validSDP)
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing destination")

	rec = doRequest(t, h, http.MethodPost, "/api/webrtc/message?from=a&to=1003", validSDP)
	require.Equal(t, http.StatusOK, rec.Code)
	var placed struct {
		CallID string `json:"callId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &placed))
	require.NotEmpty(t, placed.CallID)
	require.Equal(t, 1, ft.requestCount())
}

func TestPollEndpoint(t *testing.T) {
	gw, ft := newTestGateway(Config{})
	h := gw.Handler()

	doRequest(t, h, http.MethodGet, "/api/webrtc/sign_in?id=a&dn=5001&password=pw", "")

	rec := doRequest(t, h, http.MethodGet, "/api/webrtc/message?id=a", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/webrtc/message?from=a&to=1003", validSDP)
	require.Equal(t, http.StatusOK, rec.Code)

	invite := ft.lastRequest()
	gw.dispatch(context.Background(), responseEvent(invite, responseTo(invite, sip.StatusOK, "OK", []byte(validSDP))))

	rec = doRequest(t, h, http.MethodGet, "/api/webrtc/message?id=a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msg Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	require.Equal(t, MessageAnswer, msg.Type)
	require.Equal(t, validSDP, msg.SDP)

	rec = doRequest(t, h, http.MethodGet, "/api/webrtc/message?id=a", "")
	require.Equal(t, http.StatusNoContent, rec.Code, "each message delivered once")

	rec = doRequest(t, h, http.MethodGet, "/api/webrtc/message?id=ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHangupEndpoint(t *testing.T) {
	gw, _ := newTestGateway(Config{})
	h := gw.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/webrtc/hangup?callId=call-nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/webrtc/hangup", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnswerEndpoint(t *testing.T) {
	gw, _ := newTestGateway(Config{})
	h := gw.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/webrtc/answer?callId=call-nope", validSDP)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/webrtc/answer", validSDP)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignOutEndpoint(t *testing.T) {
	gw, _ := newTestGateway(Config{})
	h := gw.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/webrtc/sign_out?id=ghost", "")
	require.Equal(t, http.StatusOK, rec.Code)

	doRequest(t, h, http.MethodGet, "/api/webrtc/sign_in?id=a&dn=5001&password=pw", "")
	rec = doRequest(t, h, http.MethodGet, "/api/webrtc/sign_out?id=a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, gw.agents.Lookup("a"))
}

func TestHealthEndpoint(t *testing.T) {
	gw, _ := newTestGateway(Config{})
	h := gw.Handler()

	doRequest(t, h, http.MethodGet, "/api/webrtc/sign_in?id=a&dn=5001&password=pw", "")

	rec := doRequest(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status           string `json:"status"`
		Service          string `json:"service"`
		RegisteredAgents int    `json:"registered_agents"`
		ActiveCalls      int    `json:"active_calls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "sipbridge", health.Service)
	require.Equal(t, 1, health.RegisteredAgents)
	require.Equal(t, 0, health.ActiveCalls)
}

func TestAgentsAndCallsEndpoints(t *testing.T) {
	gw, _ := newTestGateway(Config{})
	h := gw.Handler()

	doRequest(t, h, http.MethodGet, "/api/webrtc/sign_in?id=a&dn=5001&password=pw", "")
	doRequest(t, h, http.MethodPost, "/api/webrtc/message?from=a&to=1003", validSDP)

	rec := doRequest(t, h, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var agents struct {
		Count  int         `json:"count"`
		Agents []AgentInfo `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Equal(t, 1, agents.Count)
	require.Equal(t, "5001", agents.Agents[0].DN)

	rec = doRequest(t, h, http.MethodGet, "/api/calls/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var calls struct {
		Count int        `json:"count"`
		Calls []CallInfo `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &calls))
	require.Equal(t, 1, calls.Count)
	require.Equal(t, "outbound", calls.Calls[0].Direction)
}

// End-to-end push delivery: an offer for an agent with an attached websocket
// arrives over the socket, not the poll queue.
func TestPushEndpoint(t *testing.T) {
	gw, _ := newTestGateway(Config{})
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/webrtc/sign_in?id=a&dn=5001&password=pw")
	require.NoError(t, err)
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/webrtc/ws?id=a"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// wait until the push channel is attached before triggering delivery
	require.Eventually(t, func() bool {
		agent := gw.agents.Lookup("a")
		agent.mu.Lock()
		defer agent.mu.Unlock()
		return agent.push != nil
	}, time.Second, 5*time.Millisecond)

	reply := &fakeResponder{}
	req := inboundInvite("in-ws@pbx", "2002", "5001", validSDP)
	gw.dispatch(context.Background(), inboundEvent(req, reply))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MessageOffer, msg.Type)
	require.Equal(t, validSDP, msg.SDP)

	requireNoMessages(t, gw, "a")
}

func TestPushEndpointUnknownAgent(t *testing.T) {
	gw, _ := newTestGateway(Config{})
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+u.Host+"/api/webrtc/ws?id=ghost", nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	}
}
