package worker

import "context"

// SessionState is the per-session request state.
type SessionState int

const (
	Idle SessionState = iota
	AwaitingResponse
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingResponse:
		return "awaiting_response"
	default:
		return "unknown"
	}
}

// request is one in-flight backend call.
type request struct {
	id        string
	sessionID int64
	cancel    context.CancelFunc
}

// sessionTable tracks in-flight requests. It is owned by the manager loop and
// never touched from any other goroutine.
type sessionTable struct {
	inflight map[int64]*request
}

func newSessionTable() *sessionTable {
	return &sessionTable{inflight: make(map[int64]*request)}
}

func (t *sessionTable) state(sessionID int64) SessionState {
	if _, ok := t.inflight[sessionID]; ok {
		return AwaitingResponse
	}
	return Idle
}

func (t *sessionTable) begin(req *request) {
	t.inflight[req.sessionID] = req
}

// finish clears req if it is still the current request of its session.
func (t *sessionTable) finish(req *request) bool {
	if cur, ok := t.inflight[req.sessionID]; !ok || cur != req {
		return false
	}
	delete(t.inflight, req.sessionID)
	return true
}

// cancelAll cancels every in-flight request and returns how many there were.
func (t *sessionTable) cancelAll() int {
	for _, req := range t.inflight {
		req.cancel()
	}
	return len(t.inflight)
}
