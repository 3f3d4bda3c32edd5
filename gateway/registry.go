package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gophertribe/sipbridge/auth"
)

var (
	// ErrValidation rejects a request with missing or malformed fields.
	ErrValidation = errors.New("missing or malformed parameter")
	// ErrNotRegistered rejects an operation on an unknown agent.
	ErrNotRegistered = errors.New("agent not signed in")
	// ErrCallNotFound rejects an operation on an unknown call.
	ErrCallNotFound = errors.New("call not found")
	// ErrNotConnected reports that the SIP peer could not be reached.
	ErrNotConnected = errors.New("sip peer not reachable")
)

// RegistrationState tracks the SIP identity lifecycle of an agent.
type RegistrationState int

const (
	Unregistered RegistrationState = iota
	Registering
	Registered
	RegistrationFailed
)

func (s RegistrationState) String() string {
	switch s {
	case Unregistered:
		return "Unregistered"
	case Registering:
		return "Registering"
	case Registered:
		return "Registered"
	case RegistrationFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// PushSender delivers messages over a push-capable connection. Push and poll
// are mutually exclusive per agent connection.
type PushSender interface {
	Push(msg Message) error
	Close() error
}

// Agent is one signed-in browser endpoint and its SIP identity.
type Agent struct {
	ID           string
	DN           string
	State        RegistrationState
	RegisteredAt time.Time

	password string // opaque credential, never logged

	mu    sync.Mutex
	queue *queue
	push  PushSender
}

func (a *Agent) credentials() auth.Credentials {
	return auth.Credentials{Username: a.DN, Password: a.password}
}

// deliver hands a message to the agent through whichever channel is active.
// A failed push detaches the connection and the message falls back to the
// queue, so it is still delivered exactly once.
func (a *Agent) deliver(msg Message) {
	a.mu.Lock()
	push := a.push
	a.mu.Unlock()
	if push != nil {
		if err := push.Push(msg); err == nil {
			return
		}
		slog.Warn("push delivery failed, falling back to poll", "agent", a.ID)
		a.detachPush(push)
	}
	a.queue.enqueue(msg)
}

func (a *Agent) attachPush(p PushSender) {
	a.mu.Lock()
	old := a.push
	a.push = p
	a.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	// flush backlog through the new channel, oldest first; a failed push
	// re-queues the rest so their order survives the broken connection
	backlog := a.queue.drain()
	for i, msg := range backlog {
		if err := p.Push(msg); err != nil {
			for _, rest := range backlog[i:] {
				a.queue.enqueue(rest)
			}
			return
		}
	}
}

// detachPush removes p if it is still the active push connection. A stale
// detach from an already-replaced connection is a no-op.
func (a *Agent) detachPush(p PushSender) {
	a.mu.Lock()
	if a.push == p {
		a.push = nil
	}
	a.mu.Unlock()
	_ = p.Close()
}

// Registry owns all signed-in agents, indexed by agent id and by DN.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*Agent
	byDN map[string]*Agent
}

func NewRegistry() *Registry {
	return &Registry{
		byID: map[string]*Agent{},
		byDN: map[string]*Agent{},
	}
}

// SignIn creates the agent's identity. Re-sign-in replaces the prior
// identity and invalidates its queue. Returns the replaced agent, if any.
func (r *Registry) SignIn(id, dn, password string) (*Agent, *Agent) {
	agent := &Agent{
		ID:           id,
		DN:           dn,
		State:        Registered,
		RegisteredAt: time.Now(),
		password:     password,
		queue:        newQueue(),
	}
	r.mu.Lock()
	prev := r.byID[id]
	if prev != nil {
		delete(r.byDN, prev.DN)
	}
	r.byID[id] = agent
	r.byDN[dn] = agent
	r.mu.Unlock()
	return agent, prev
}

// SignOut removes the identity and drops its queue. Returns the removed
// agent so the caller can terminate the calls it still owns.
func (r *Registry) SignOut(id string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent := r.byID[id]
	if agent == nil {
		return nil
	}
	delete(r.byID, id)
	if r.byDN[agent.DN] == agent {
		delete(r.byDN, agent.DN)
	}
	return agent
}

func (r *Registry) Lookup(id string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// LookupByDN resolves the agent owning a dialed identity, for inbound
// dispatch.
func (r *Registry) LookupByDN(dn string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDN[dn]
}

func (r *Registry) List() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents := make([]*Agent, 0, len(r.byID))
	for _, a := range r.byID {
		agents = append(agents, a)
	}
	return agents
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Deliver routes a message to an agent by id. Messages for agents that have
// signed out in the meantime are dropped with a log, not an error.
func (r *Registry) Deliver(agentID string, msg Message) {
	agent := r.Lookup(agentID)
	if agent == nil {
		slog.Warn("dropping message for unknown agent", "agent", agentID, "type", string(msg.Type))
		return
	}
	agent.deliver(msg)
}

// Poll removes and returns the oldest undelivered message for the agent.
func (r *Registry) Poll(agentID string) (Message, bool, error) {
	agent := r.Lookup(agentID)
	if agent == nil {
		return Message{}, false, ErrNotRegistered
	}
	msg, ok := agent.queue.dequeue()
	return msg, ok, nil
}
