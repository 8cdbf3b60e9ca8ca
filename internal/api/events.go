package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/flowchat/relay/internal/events"
)

func (s *Server) eventHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	history := s.bus.History(events.HistoryFilter{
		Type:       events.Type(q.Get("type")),
		InstanceID: q.Get("instance"),
		Limit:      limit,
	})
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": history})
}

// wsEvents streams every bus emission to the connected client as JSON,
// letting non-framework page scripts observe sent/received/error events.
func (s *Server) wsEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	ctx := r.Context()
	// Buffered so a slow client drops events instead of blocking Emit.
	feed := make(chan events.Event, 64)
	off := s.bus.SubscribeAll(func(evt events.Event) {
		select {
		case feed <- evt:
		default:
		}
	})
	defer off()

	instance := r.URL.Query().Get("instance")
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-feed:
			if instance != "" && evt.InstanceID != instance {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := s.writeWS(ctx, conn, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("websocket write", "error", err)
		}
		return err
	}
	return nil
}
