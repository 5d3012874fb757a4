package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
)

// eventStream fans appended events out to websocket subscribers, one
// subscription list per scope. A slow subscriber drops messages rather
// than blocking the publisher.
type eventStream struct {
	mu   sync.Mutex
	subs map[string]map[chan syncer.Event]struct{}
}

func newEventStream() *eventStream {
	return &eventStream{subs: make(map[string]map[chan syncer.Event]struct{})}
}

func (s *eventStream) subscribe(scopeKey string) chan syncer.Event {
	ch := make(chan syncer.Event, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[scopeKey] == nil {
		s.subs[scopeKey] = make(map[chan syncer.Event]struct{})
	}
	s.subs[scopeKey][ch] = struct{}{}
	return ch
}

func (s *eventStream) unsubscribe(scopeKey string, ch chan syncer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if listeners, ok := s.subs[scopeKey]; ok {
		delete(listeners, ch)
		if len(listeners) == 0 {
			delete(s.subs, scopeKey)
		}
	}
}

func (s *eventStream) publish(scopeKey string, events []syncer.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[scopeKey] {
		for _, event := range events {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// handleEventStream upgrades to a websocket, replays the recent events
// for the scope and then pushes new ones as they are published.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, scopeKey string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	recent, err := s.backend.ListEvents(ctx, scopeKey, inlineEventLimit)
	if err == nil {
		// Stored newest first; replay oldest first.
		for i := len(recent) - 1; i >= 0; i-- {
			if writeEvent(ctx, conn, recent[i]) != nil {
				return
			}
		}
	}

	ch := s.stream.subscribe(scopeKey)
	defer s.stream.unsubscribe(scopeKey, ch)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-ch:
			if writeEvent(ctx, conn, event) != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event syncer.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
