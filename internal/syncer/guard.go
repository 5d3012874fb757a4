package syncer

import "sync"

// ScopeGuard serializes cycles per scope inside one process. A second
// trigger while a cycle is in flight for the same scope is rejected;
// distinct scopes run concurrently.
type ScopeGuard struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

func NewScopeGuard() *ScopeGuard {
	return &ScopeGuard{inFlight: make(map[string]bool)}
}

func (g *ScopeGuard) Begin(scopeKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[scopeKey] {
		return false
	}
	g.inFlight[scopeKey] = true
	return true
}

func (g *ScopeGuard) End(scopeKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, scopeKey)
}
