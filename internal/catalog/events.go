package catalog

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event describes one committed catalog mutation.
type Event struct {
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

const (
	EventRecordCreated = "record.created"
	EventRecordUpdated = "record.updated"
	EventRecordDeleted = "record.deleted"
)

// EventFeed is one page of the polling event endpoint.
type EventFeed struct {
	Events  []Event `json:"events"`
	LastSeq int64   `json:"lastSeq"`
}

// StreamEvents consumes the catalog's websocket event feed, invoking fn for
// every event with seq greater than after. It blocks until the context is
// canceled, the connection drops, or fn returns an error.
func StreamEvents(ctx context.Context, baseURL, apiKey string, after int64, fn func(Event) error) error {
	wsURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += "/v1/events/ws"
	if after > 0 {
		wsURL += "?after=" + strconv.FormatInt(after, 10)
	}

	header := http.Header{}
	if strings.TrimSpace(apiKey) != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(apiKey))
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var event Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}
