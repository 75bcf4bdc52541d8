package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleEventsWS streams the event log over a websocket: first the backlog
// after the client's cursor, then live events. The subscription is taken
// before the backlog is read so nothing falls between the two; duplicates
// are filtered by sequence number instead.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	after := parseBoundedInt64(r.URL.Query().Get("after"), 0)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	ctx := r.Context()
	live, cancel := s.store.Subscribe(256)
	defer cancel()

	last := after
	for {
		feed := s.store.EventsSince(last, 500)
		if len(feed.Events) == 0 {
			break
		}
		for _, event := range feed.Events {
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
			last = event.Seq
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-live:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if event.Seq <= last {
				continue
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
			last = event.Seq
		}
	}
}
