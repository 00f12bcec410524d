package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/an-siuu-man/headstart/model"
	"github.com/an-siuu-man/headstart/runtime"
	"github.com/an-siuu-man/headstart/sse"
)

const (
	heartbeatInterval = 15 * time.Second

	// eventBuffer absorbs bursts between viewer writes. A viewer that falls
	// this far behind is disconnected rather than blocking fan-out.
	eventBuffer = 256
)

// controller serves one viewer connection: it forwards runtime events as SSE
// frames, maintains its own copy of the merged session DTO, and heartbeats to
// keep intermediaries from closing the stream.
type controller struct {
	sessionID string
	view      *model.SessionView

	events chan runtime.Event
	done   chan struct{}

	dropOnce  sync.Once
	closeOnce sync.Once
	unsub     func()
	seq       int
}

func newController(sessionID string, view *model.SessionView) *controller {
	return &controller{
		sessionID: sessionID,
		view:      view,
		events:    make(chan runtime.Event, eventBuffer),
		done:      make(chan struct{}),
	}
}

// drop releases the serve loop without touching the runtime store. It is the
// only cleanup safe to invoke from a store listener: the listener runs under
// the store mutex, and unsubscribing there would deadlock against it.
func (c *controller) drop() {
	c.dropOnce.Do(func() {
		close(c.done)
	})
}

// close is the serve goroutine's idempotent cleanup path: it unsubscribes
// from the runtime store and releases the event loop. Safe to call more than
// once, but never from a store listener; listeners use drop.
func (c *controller) close() {
	c.closeOnce.Do(func() {
		if c.unsub != nil {
			c.unsub()
		}
		c.drop()
	})
}

// attach subscribes the controller to the session's runtime events. A viewer
// whose buffer is full is released via drop rather than blocking fan-out;
// the serve goroutine's deferred close performs the actual unsubscribe.
func (c *controller) attach(rt *runtime.Store) {
	c.unsub = rt.Subscribe(c.sessionID, func(ev runtime.Event) {
		select {
		case c.events <- ev:
		default:
			// Viewer too slow; release it without calling back into the
			// store from inside a listener.
			c.drop()
		}
	})
}

// nextID produces a monotonic event id a reconnecting client could resume
// from.
func (c *controller) nextID() string {
	c.seq++
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), c.seq)
}

func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.engine.Store().GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	c := newController(id, h.mergedView(sess))
	defer c.close()
	c.attach(h.engine.Runtime())

	if err := c.writeEvent(w, string(runtime.EventSessionSnapshot), c.view); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			if err := c.writeEvent(w, string(runtime.EventHeartbeat), heartbeatPayload{At: time.Now().UTC()}); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-c.events:
			c.view = applyEvent(c.view, ev)
			name, payload := eventPayload(c.view, ev)
			if err := c.writeEvent(w, name, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type heartbeatPayload struct {
	At time.Time `json:"at"`
}

type deltaPayload struct {
	MessageID int64  `json:"message_id"`
	Delta     string `json:"delta"`
	Content   string `json:"content"`
}

type chatErrorPayload struct {
	MessageID int64  `json:"message_id,omitempty"`
	Error     string `json:"error"`
}

func (c *controller) writeEvent(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("sse marshal error for session %s: %v", c.sessionID, err)
		return nil
	}
	if err := sse.Write(w, sse.Event{ID: c.nextID(), Name: name, Data: string(data)}); err != nil {
		c.close()
		return err
	}
	return nil
}

// eventPayload picks the wire payload for a runtime event. Session updates
// carry the whole refreshed DTO; message events carry only their own data.
func eventPayload(view *model.SessionView, ev runtime.Event) (string, any) {
	switch ev.Type {
	case runtime.EventSessionUpdate:
		return string(ev.Type), view
	case runtime.EventMessageCreated, runtime.EventMessageCompleted:
		return string(ev.Type), ev.Message
	case runtime.EventMessageDelta:
		return string(ev.Type), deltaPayload{MessageID: ev.MessageID, Delta: ev.Delta, Content: ev.Content}
	case runtime.EventChatError:
		return string(ev.Type), chatErrorPayload{MessageID: ev.MessageID, Error: ev.Error}
	}
	return string(ev.Type), ev
}

// applyEvent folds one runtime event into the viewer's local DTO copy and
// returns the updated view. It never mutates messages shared with other
// controllers; the slice itself is owned by this viewer.
func applyEvent(view *model.SessionView, ev runtime.Event) *model.SessionView {
	switch ev.Type {
	case runtime.EventSessionUpdate:
		if ev.State == nil {
			return view
		}
		view.Status = ev.State.Status
		view.Stage = ev.State.Stage
		view.ProgressPercent = ev.State.ProgressPercent
		view.StatusMessage = ev.State.StatusMessage
		view.StreamedGuideMarkdown = ev.State.StreamedGuideMarkdown
		view.Error = ev.State.Error
		if ev.State.Result != "" {
			view.GuideMarkdown = ev.State.Result
		}
		view.UpdatedAt = ev.State.UpdatedAt

	case runtime.EventMessageCreated, runtime.EventMessageCompleted:
		if ev.Message == nil {
			return view
		}
		view.Messages = upsertMessage(view.Messages, ev.Message)

	case runtime.EventMessageDelta:
		for i, m := range view.Messages {
			if m.ID != ev.MessageID {
				continue
			}
			cp := *m
			if ev.Content != "" {
				cp.Content = ev.Content
			} else {
				cp.Content += ev.Delta
			}
			view.Messages[i] = &cp
			break
		}
	}
	return view
}

// upsertMessage appends or replaces a message by id, keeping the slice
// sorted by message index.
func upsertMessage(msgs []*model.ChatMessage, msg *model.ChatMessage) []*model.ChatMessage {
	replaced := false
	for i, m := range msgs {
		if m.ID == msg.ID {
			msgs[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].MessageIndex < msgs[j].MessageIndex
	})
	return msgs
}
