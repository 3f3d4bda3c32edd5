package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler returns the control API surface. Handlers are thin: validate
// presence of the required fields, translate to gateway operations, and map
// the error taxonomy onto status codes. Accepted async operations return a
// bare acknowledgement; the real outcome arrives through poll or push.
func (gw *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/webrtc", func(r chi.Router) {
		r.Get("/sign_in", gw.handleSignIn)
		r.Get("/sign_out", gw.handleSignOut)
		r.Post("/message", gw.handlePlaceCall)
		r.Get("/message", gw.handlePoll)
		r.Post("/answer", gw.handleAnswer)
		r.Get("/hangup", gw.handleHangup)
		r.Get("/ws", gw.handlePush)
	})
	r.Get("/api/health", gw.handleHealth)
	r.Get("/api/agents", gw.handleAgents)
	r.Get("/api/calls/active", gw.handleActiveCalls)

	return r
}

func (gw *Gateway) handleSignIn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := gw.SignIn(q.Get("id"), q.Get("dn"), q.Get("password"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (gw *Gateway) handleSignOut(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id != "" {
		gw.SignOut(r.Context(), id)
	}
	writeOK(w)
}

func (gw *Gateway) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		writeError(w, ErrValidation)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		writeError(w, ErrValidation)
		return
	}
	callID, err := gw.PlaceCall(r.Context(), from, to, string(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"callId": callID})
}

func (gw *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, ErrValidation)
		return
	}
	msg, ok, err := gw.Poll(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (gw *Gateway) handleAnswer(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	if callID == "" {
		writeError(w, ErrValidation)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		writeError(w, ErrValidation)
		return
	}
	if err := gw.Answer(callID, string(body)); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (gw *Gateway) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	if callID == "" {
		writeError(w, ErrValidation)
		return
	}
	if err := gw.Hangup(r.Context(), callID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"service":           "sipbridge",
		"uptime":            time.Since(gw.started).String(),
		"registered_agents": gw.agents.Count(),
		"active_calls":      gw.calls.count(),
	})
}

func (gw *Gateway) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := gw.Agents()
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (gw *Gateway) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls := gw.ActiveCalls()
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "count": len(calls)})
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("could not encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, ErrNotRegistered), errors.Is(err, ErrCallNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrNotConnected):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
