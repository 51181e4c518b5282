package hub

import "sync/atomic"

// AppIDGate is the application-identity allow-list shared by the discovery
// responder and the handshake path. An empty list disables filtering and
// admits every non-empty app ID; a non-empty list admits byte-exact matches
// only. The empty app ID is always denied.
//
// The list is swapped atomically so a SIGHUP config reload never races the
// ingress and discovery paths.
type AppIDGate struct {
	list atomic.Pointer[[]string]
}

// NewAppIDGate creates a gate holding a copy of allowed.
func NewAppIDGate(allowed []string) *AppIDGate {
	g := &AppIDGate{}
	g.Swap(allowed)
	return g
}

// Allowed reports whether appID passes the gate.
func (g *AppIDGate) Allowed(appID string) bool {
	if appID == "" {
		return false
	}
	list := *g.list.Load()
	if len(list) == 0 {
		return true
	}
	for _, id := range list {
		if id == appID {
			return true
		}
	}
	return false
}

// Enabled reports whether a non-empty allow-list is active.
func (g *AppIDGate) Enabled() bool {
	return len(*g.list.Load()) > 0
}

// Swap replaces the allow-list with a copy of allowed.
func (g *AppIDGate) Swap(allowed []string) {
	list := make([]string, len(allowed))
	copy(list, allowed)
	g.list.Store(&list)
}
