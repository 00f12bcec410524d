// Package runtime holds the in-memory per-session state and its pub/sub
// fan-out. Entries are created lazily on first access and live for the
// process lifetime; the store is constructed explicitly and injected into the
// orchestrator and stream controllers rather than living in package globals.
package runtime

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/an-siuu-man/headstart/model"
)

// State is the ephemeral runtime view of one session's current run.
type State struct {
	SessionID             string       `json:"session_id"`
	Status                model.Status `json:"status"`
	Stage                 model.Stage  `json:"stage"`
	ProgressPercent       int          `json:"progress_percent"`
	StatusMessage         string       `json:"status_message,omitempty"`
	StreamedGuideMarkdown string       `json:"streamed_guide_markdown,omitempty"`
	Result                string       `json:"result,omitempty"`
	Error                 string       `json:"error,omitempty"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// Patch is a partial update applied to a session's runtime state. Nil fields
// are left untouched. AppendMarkdown is concatenated onto the streamed guide
// body; ResetRun clears stage-scoped fields when a new run begins for the
// same session (the completed guide markdown of a prior run is kept).
type Patch struct {
	Status          *model.Status
	Stage           *model.Stage
	ProgressPercent *float64
	StatusMessage   *string
	AppendMarkdown  string
	Result          *string
	Error           *string
	ResetRun        bool
}

// EventType names a runtime chat event.
type EventType string

const (
	EventSessionSnapshot  EventType = "session.snapshot"
	EventSessionUpdate    EventType = "session.update"
	EventMessageCreated   EventType = "chat.message.created"
	EventMessageDelta     EventType = "chat.message.delta"
	EventMessageCompleted EventType = "chat.message.completed"
	EventChatError        EventType = "chat.error"
	EventHeartbeat        EventType = "session.heartbeat"
)

// Event is the transient tagged union delivered to subscribers. Exactly the
// fields for its Type are populated; events are never persisted as such.
type Event struct {
	Type      EventType          `json:"type"`
	SessionID string             `json:"session_id"`
	At        time.Time          `json:"at"`
	State     *State             `json:"state,omitempty"`      // session.update
	Message   *model.ChatMessage `json:"message,omitempty"`    // chat.message.created / .completed
	MessageID int64              `json:"message_id,omitempty"` // chat.message.delta
	Delta     string             `json:"delta,omitempty"`      // incremental assistant text
	Content   string             `json:"content,omitempty"`    // cumulative assistant text
	Error     string             `json:"error,omitempty"`      // chat.error
}

// Listener receives runtime events for one session. Listeners are invoked
// synchronously in patch order and must not call back into the store; a
// panicking listener is recovered per-listener so one broken viewer cannot
// break fan-out to the rest.
type Listener func(Event)

// Store is the runtime session store. All operations are synchronous and
// non-blocking; there is no network or disk I/O on the patch path.
type Store struct {
	mu      sync.Mutex
	states  map[string]*State
	subs    map[string]map[int]Listener
	nextSub int
}

// NewStore creates an empty runtime store.
func NewStore() *Store {
	return &Store{
		states: make(map[string]*State),
		subs:   make(map[string]map[int]Listener),
	}
}

// Ensure returns the session's runtime state, creating a default queued entry
// if none exists yet.
func (s *Store) Ensure(sessionID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.ensureLocked(sessionID)
}

// Get returns a copy of the session's runtime state, if present.
func (s *Store) Get(sessionID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sessionID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Patch merges p into the session's state, re-clamps progress, stamps
// UpdatedAt, and synchronously notifies subscribers with a session.update
// event carrying the full new state.
func (s *Store) Patch(sessionID string, p Patch) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureLocked(sessionID)
	if p.ResetRun {
		st.Stage = model.StageQueued
		st.ProgressPercent = 0
		st.StatusMessage = ""
		st.StreamedGuideMarkdown = ""
		st.Error = ""
	}
	if p.Status != nil {
		st.Status = *p.Status
	}
	if p.Stage != nil {
		st.Stage = *p.Stage
	}
	if p.ProgressPercent != nil {
		st.ProgressPercent = ClampProgress(*p.ProgressPercent)
	}
	if p.StatusMessage != nil {
		st.StatusMessage = *p.StatusMessage
	}
	if p.AppendMarkdown != "" {
		st.StreamedGuideMarkdown += p.AppendMarkdown
	}
	if p.Result != nil {
		st.Result = *p.Result
	}
	if p.Error != nil {
		st.Error = *p.Error
	}
	st.UpdatedAt = time.Now().UTC()

	snapshot := *st
	s.notifyLocked(Event{
		Type:      EventSessionUpdate,
		SessionID: sessionID,
		At:        snapshot.UpdatedAt,
		State:     &snapshot,
	})
	return snapshot
}

// Broadcast delivers a message-level runtime event to the session's
// subscribers. Ordering with respect to Patch notifications is preserved
// because both dispatch under the same lock.
func (s *Store) Broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.notifyLocked(ev)
}

// Subscribe registers a listener for one session's events and returns an
// idempotent unsubscribe function.
func (s *Store) Subscribe(sessionID string, fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[int]Listener)
	}
	s.subs[sessionID][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if m, ok := s.subs[sessionID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(s.subs, sessionID)
			}
		}
	}
}

func (s *Store) ensureLocked(sessionID string) *State {
	st, ok := s.states[sessionID]
	if !ok {
		st = &State{
			SessionID: sessionID,
			Status:    model.StatusQueued,
			Stage:     model.StageQueued,
			UpdatedAt: time.Now().UTC(),
		}
		s.states[sessionID] = st
	}
	return st
}

func (s *Store) notifyLocked(ev Event) {
	for _, fn := range s.subs[ev.SessionID] {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("runtime: listener panic for session %s: %v", ev.SessionID, r)
				}
			}()
			fn(ev)
		}()
	}
}

// ClampProgress rounds v and clamps it into [0, 100].
func ClampProgress(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	n := int(math.Round(v))
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// MergeView builds the externally visible session DTO from a persisted
// snapshot, its messages, and the live runtime state (nil when the process
// has no runtime entry, e.g. after a restart). Runtime fields win when
// present; otherwise progress defaults to 100 for terminal sessions, 40 for
// running, and 5 for queued.
func MergeView(sess *model.Session, msgs []*model.ChatMessage, st *State) *model.SessionView {
	view := &model.SessionView{
		ID:             sess.ID,
		UserID:         sess.UserID,
		AssignmentUUID: sess.AssignmentUUID,
		Status:         sess.Status,
		Payload:        sess.Payload,
		GuideMarkdown:  sess.GuideMarkdown,
		Messages:       msgs,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
	}
	if view.Messages == nil {
		view.Messages = []*model.ChatMessage{}
	}
	sort.SliceStable(view.Messages, func(i, j int) bool {
		return view.Messages[i].MessageIndex < view.Messages[j].MessageIndex
	})

	if st != nil {
		view.Status = st.Status
		view.Stage = st.Stage
		view.ProgressPercent = st.ProgressPercent
		view.StatusMessage = st.StatusMessage
		view.StreamedGuideMarkdown = st.StreamedGuideMarkdown
		view.Error = st.Error
		if st.UpdatedAt.After(view.UpdatedAt) {
			view.UpdatedAt = st.UpdatedAt
		}
		return view
	}

	switch sess.Status {
	case model.StatusCompleted:
		view.Stage = model.StageCompleted
		view.ProgressPercent = 100
	case model.StatusFailed:
		view.Stage = model.StageFailed
		view.ProgressPercent = 100
	case model.StatusRunning:
		view.Stage = model.StageCallingAgent
		view.ProgressPercent = 40
	default:
		view.Stage = model.StageQueued
		view.ProgressPercent = 5
	}
	return view
}
