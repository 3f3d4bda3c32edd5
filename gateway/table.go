package gateway

import "sync"

// table owns the active call sessions. Primary key is the local call id; the
// SIP Call-ID index is a non-owning lookup for response routing. Both are
// updated together so they never disagree.
type table struct {
	mu    sync.RWMutex
	byID  map[string]*Session
	bySIP map[string]*Session
}

func newTable() *table {
	return &table{
		byID:  map[string]*Session{},
		bySIP: map[string]*Session{},
	}
}

func (t *table) insert(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[s.ID] = s
	t.bySIP[s.SIPCallID] = s
}

func (t *table) remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byID[s.ID] == s {
		delete(t.byID, s.ID)
	}
	if t.bySIP[s.SIPCallID] == s {
		delete(t.bySIP, s.SIPCallID)
	}
}

func (t *table) get(id string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

func (t *table) getBySIP(sipCallID string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bySIP[sipCallID]
}

func (t *table) byAgent(agentID string) []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sessions []*Session
	for _, s := range t.byID {
		if s.AgentID == agentID {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (t *table) all() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sessions := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		sessions = append(sessions, s)
	}
	return sessions
}

func (t *table) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
