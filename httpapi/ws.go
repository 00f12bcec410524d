package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/an-siuu-man/headstart/runtime"
)

// wsFrame is one JSON message on the websocket mirror. It carries the same
// information as the SSE stream for clients behind proxies that buffer
// event-stream responses.
type wsFrame struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (h *Handler) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.engine.Store().GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept for session %s: %v", id, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session stream closed")

	c := newController(id, h.mergedView(sess))
	defer c.close()
	c.attach(h.engine.Runtime())

	ctx := r.Context()
	writeFrame := func(name string, payload any) error {
		data, err := json.Marshal(wsFrame{ID: c.nextID(), Event: name, Data: payload})
		if err != nil {
			log.Printf("websocket marshal error for session %s: %v", id, err)
			return nil
		}
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}

	if err := writeFrame(string(runtime.EventSessionSnapshot), c.view); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			if err := writeFrame(string(runtime.EventHeartbeat), heartbeatPayload{At: time.Now().UTC()}); err != nil {
				return
			}
		case ev := <-c.events:
			c.view = applyEvent(c.view, ev)
			name, payload := eventPayload(c.view, ev)
			if err := writeFrame(name, payload); err != nil {
				return
			}
		}
	}
}
