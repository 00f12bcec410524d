package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/an-siuu-man/headstart/model"
	"github.com/an-siuu-man/headstart/runtime"
	"github.com/an-siuu-man/headstart/store"
	"github.com/an-siuu-man/headstart/upstream"
)

// memGateway is an in-memory store.Gateway for engine tests.
type memGateway struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	runs     map[int64]*model.Run
	docs     map[int64]string
	messages map[string][]*model.ChatMessage
	nextID   int64
}

func newMemGateway() *memGateway {
	return &memGateway{
		sessions: make(map[string]*model.Session),
		runs:     make(map[int64]*model.Run),
		docs:     make(map[int64]string),
		messages: make(map[string][]*model.ChatMessage),
	}
}

func (g *memGateway) CreateSession(sess *model.Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *sess
	g.sessions[sess.ID] = &cp
	return nil
}

func (g *memGateway) GetSession(id string) (*model.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	for _, r := range g.runs {
		if r.SessionID == id && r.Status == model.RunSucceeded {
			if body, ok := g.docs[r.ID]; ok {
				cp.GuideMarkdown = body
			}
		}
	}
	return &cp, nil
}

func (g *memGateway) ListSessions() ([]*model.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*model.Session
	for _, s := range g.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (g *memGateway) UpdateSessionStatus(id string, status model.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Status = status
	return nil
}

func (g *memGateway) CreateRun(sessionID, assignmentUUID string) (*model.Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	run := &model.Run{
		ID:             g.nextID,
		SessionID:      sessionID,
		AssignmentUUID: assignmentUUID,
		Attempt:        1,
		Status:         model.RunRunning,
	}
	g.runs[run.ID] = run
	return run, nil
}

func (g *memGateway) UpdateRunStatus(runID int64, status model.RunStatus, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.Error = errMsg
	return nil
}

func (g *memGateway) AddAttachment(att *model.Attachment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	att.ID = g.nextID
	return nil
}

func (g *memGateway) UpsertDocument(runID int64, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs[runID] = body
	return nil
}

func (g *memGateway) LatestDocument(sessionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.runs {
		if r.SessionID == sessionID && r.Status == model.RunSucceeded {
			if body, ok := g.docs[r.ID]; ok {
				return body, nil
			}
		}
	}
	return "", store.ErrNotFound
}

func (g *memGateway) AppendMessage(msg *model.ChatMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[msg.SessionID]; !ok {
		return store.ErrNotFound
	}
	g.nextID++
	msg.ID = g.nextID
	msg.MessageIndex = len(g.messages[msg.SessionID])
	cp := *msg
	g.messages[msg.SessionID] = append(g.messages[msg.SessionID], &cp)
	return nil
}

func (g *memGateway) UpdateMessage(id int64, content string, meta model.MessageMeta) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, msgs := range g.messages {
		for _, m := range msgs {
			if m.ID == id {
				m.Content = content
				m.Meta = meta
				return nil
			}
		}
	}
	return store.ErrNotFound
}

func (g *memGateway) GetMessages(sessionID string) ([]*model.ChatMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*model.ChatMessage
	for _, m := range g.messages[sessionID] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (g *memGateway) Close() error { return nil }

func (g *memGateway) session(t *testing.T, id string) *model.Session {
	t.Helper()
	sess, err := g.GetSession(id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return sess
}

func writeFrame(w http.ResponseWriter, name, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *memGateway, *runtime.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw := newMemGateway()
	rt := runtime.NewStore()
	e := New(gw, rt, upstream.New(srv.URL, time.Minute), nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, gw, rt
}

func waitForStatus(t *testing.T, rt *runtime.Store, sessionID string, want model.Status) runtime.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := rt.Get(sessionID); ok && st.Status == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := rt.Get(sessionID)
	t.Fatalf("session %s never reached %s (last state %+v)", sessionID, want, st)
	return runtime.State{}
}

func waitForStage(t *testing.T, rt *runtime.Store, sessionID string, want model.Stage) runtime.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := rt.Get(sessionID); ok && st.Stage == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := rt.Get(sessionID)
	t.Fatalf("session %s never reached stage %s (last state %+v)", sessionID, want, st)
	return runtime.State{}
}

func TestGuideRunCompletes(t *testing.T) {
	e, gw, rt := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, "run.started", `{"stage":"queued","progress_percent":8,"status_message":"Run started"}`)
		writeFrame(w, "run.stage", `{"stage":"calling_agent","progress_percent":56,"status_message":"Calling AI generation service"}`)
		writeFrame(w, "run.delta", `{"stage":"streaming_output","progress_percent":70,"delta":"# Guide\n","chunk_index":1}`)
		writeFrame(w, "run.delta", `{"stage":"streaming_output","progress_percent":80,"delta":"Read chapter 3.","chunk_index":2}`)
		writeFrame(w, "run.completed", `{"stage":"completed","progress_percent":100,"guideMarkdown":"# Guide\nRead chapter 3."}`)
	})

	sess, err := e.CreateSession("user-1", "assign-1", model.AssignmentPayload{Title: "Essay"}, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st := waitForStatus(t, rt, sess.ID, model.StatusCompleted)
	if st.Result != "# Guide\nRead chapter 3." {
		t.Fatalf("unexpected result: %q", st.Result)
	}
	if st.ProgressPercent != 100 || st.Stage != model.StageCompleted {
		t.Fatalf("unexpected terminal state: %+v", st)
	}

	persisted := gw.session(t, sess.ID)
	if persisted.Status != model.StatusCompleted {
		t.Fatalf("persisted status %s", persisted.Status)
	}
	if persisted.GuideMarkdown != "# Guide\nRead chapter 3." {
		t.Fatalf("persisted guide %q", persisted.GuideMarkdown)
	}
}

func TestGuideRunStreamedDeltasAccumulateInOrder(t *testing.T) {
	fragments := []string{"a", "bc", "def", "gh", "i"}
	e, _, rt := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i, frag := range fragments {
			writeFrame(w, "run.delta", fmt.Sprintf(`{"stage":"streaming_output","progress_percent":%d,"delta":%q}`, 60+i, frag))
		}
		writeFrame(w, "run.completed", `{"stage":"completed","progress_percent":100,"guideMarkdown":"abcdefghi"}`)
	})

	sess, err := e.CreateSession("user-1", "", model.AssignmentPayload{}, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st := waitForStatus(t, rt, sess.ID, model.StatusCompleted)
	if st.StreamedGuideMarkdown != strings.Join(fragments, "") {
		t.Fatalf("streamed markdown %q, want %q", st.StreamedGuideMarkdown, strings.Join(fragments, ""))
	}
}

func TestGuideRunFailsOnTruncatedStream(t *testing.T) {
	e, gw, rt := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, "run.delta", `{"stage":"streaming_output","progress_percent":70,"delta":"partial"}`)
	})

	sess, err := e.CreateSession("user-1", "", model.AssignmentPayload{}, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st := waitForStatus(t, rt, sess.ID, model.StatusFailed)
	if !strings.Contains(st.Error, "stream ended before completion") {
		t.Fatalf("unexpected error: %q", st.Error)
	}
	// Buffered deltas were flushed before the terminal patch.
	if st.StreamedGuideMarkdown != "partial" {
		t.Fatalf("streamed markdown %q", st.StreamedGuideMarkdown)
	}
	if gw.session(t, sess.ID).Status != model.StatusFailed {
		t.Fatal("persisted session not failed")
	}
}

func TestGuideRunEmptyCompletionIsFailure(t *testing.T) {
	e, _, rt := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, "run.completed", `{"stage":"completed","progress_percent":100,"guideMarkdown":"   \n"}`)
	})

	sess, err := e.CreateSession("user-1", "", model.AssignmentPayload{}, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st := waitForStatus(t, rt, sess.ID, model.StatusFailed)
	if !strings.Contains(st.Error, "empty guide") {
		t.Fatalf("unexpected error: %q", st.Error)
	}
}

func TestGuideRunUpstreamError(t *testing.T) {
	e, gw, rt := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, "run.error", `{"stage":"failed","progress_percent":100,"message":"model overloaded"}`)
	})

	sess, err := e.CreateSession("user-1", "", model.AssignmentPayload{}, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st := waitForStatus(t, rt, sess.ID, model.StatusFailed)
	if st.Error != "model overloaded" {
		t.Fatalf("unexpected error: %q", st.Error)
	}
	found := false
	for _, run := range gw.runs {
		if run.SessionID == sess.ID && run.Status == model.RunFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("run record not marked failed")
	}
}

func TestGuideRunUnreachableUpstream(t *testing.T) {
	gw := newMemGateway()
	rt := runtime.NewStore()
	e := New(gw, rt, upstream.New("http://127.0.0.1:1", 2*time.Second), nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	sess, err := e.CreateSession("user-1", "", model.AssignmentPayload{}, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForStatus(t, rt, sess.ID, model.StatusFailed)
}

func TestChatRejectedBeforeGuideCompletes(t *testing.T) {
	e, gw, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})

	sess := &model.Session{ID: "s1", UserID: "user-1", Status: model.StatusRunning}
	gw.CreateSession(sess)

	if _, err := e.SendChatMessage("s1", "too early"); err == nil {
		t.Fatal("expected rejection while guide is running")
	}
}

func TestSecondChatTurnRejectedWhileStreaming(t *testing.T) {
	release := make(chan struct{})
	e, gw, rt := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, "chat.delta", `{"stage":"chat_streaming","progress_percent":40,"delta":"Working on it"}`)
		<-release
		writeFrame(w, "chat.completed", `{"stage":"completed","progress_percent":100,"message":"Done."}`)
	})

	sess := &model.Session{ID: "s1", UserID: "user-1", Status: model.StatusCompleted}
	gw.CreateSession(sess)

	if _, err := e.SendChatMessage("s1", "first question"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	waitForStage(t, rt, "s1", model.StageChatStreaming)

	// Only one turn may write runtime state for a session at a time.
	if _, err := e.SendChatMessage("s1", "second question"); !errors.Is(err, ErrChatBusy) {
		t.Fatalf("expected ErrChatBusy while a turn is streaming, got %v", err)
	}
	if msgs, _ := gw.GetMessages("s1"); len(msgs) != 2 {
		t.Fatalf("rejected turn must not append messages, have %d", len(msgs))
	}

	close(release)
	waitForStage(t, rt, "s1", model.StageCompleted)

	// The slot frees up once the turn's goroutine winds down.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := e.SendChatMessage("s1", "third question")
		if err == nil {
			break
		}
		if !errors.Is(err, ErrChatBusy) || time.Now().After(deadline) {
			t.Fatalf("send after turn completed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatTurnCompletes(t *testing.T) {
	var gotReq upstream.ChatRequest
	e, gw, rt := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chats/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := jsonDecode(r, &gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, "chat.delta", `{"stage":"chat_streaming","progress_percent":50,"delta":"It is due "}`)
		writeFrame(w, "chat.delta", `{"stage":"chat_streaming","progress_percent":70,"delta":"March 3."}`)
		writeFrame(w, "chat.completed", `{"stage":"completed","progress_percent":100,"message":"It is due March 3."}`)
	})

	sess := &model.Session{
		ID:      "s1",
		UserID:  "user-1",
		Status:  model.StatusCompleted,
		Payload: model.AssignmentPayload{Title: "Essay"},
	}
	gw.CreateSession(sess)
	run, _ := gw.CreateRun("s1", "")
	gw.UpsertDocument(run.ID, "The due date is March 3.\n\nSubmit a PDF report.")
	gw.UpdateRunStatus(run.ID, model.RunSucceeded, "")

	var deltas []string
	var completed *model.ChatMessage
	done := make(chan struct{})
	unsub := rt.Subscribe("s1", func(ev runtime.Event) {
		switch ev.Type {
		case runtime.EventMessageDelta:
			deltas = append(deltas, ev.Delta)
		case runtime.EventMessageCompleted:
			completed = ev.Message
			close(done)
		}
	})
	defer unsub()

	userMsg, err := e.SendChatMessage("s1", "when is the due date?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if userMsg.Role != model.RoleUser || userMsg.MessageIndex != 0 {
		t.Fatalf("unexpected user message: %+v", userMsg)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("chat turn never completed")
	}

	if len(deltas) != 2 || deltas[0] != "It is due " || deltas[1] != "March 3." {
		t.Fatalf("unexpected deltas: %v", deltas)
	}
	if completed.Content != "It is due March 3." || !completed.Meta.Completed {
		t.Fatalf("unexpected completed message: %+v", completed)
	}

	// Retrieval grounded the request in the guide body.
	if !strings.Contains(gotReq.Context, "due date is March 3") {
		t.Fatalf("retrieval context missing guide chunk: %q", gotReq.Context)
	}
	if gotReq.GuideMarkdown == "" || gotReq.Message != "when is the due date?" {
		t.Fatalf("unexpected chat request: %+v", gotReq)
	}

	msgs, _ := gw.GetMessages("s1")
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(msgs))
	}
	assistant := msgs[1]
	if assistant.Content != "It is due March 3." || !assistant.Meta.Completed || assistant.Meta.Streaming {
		t.Fatalf("unexpected persisted assistant message: %+v", assistant)
	}

	st := waitForStage(t, rt, "s1", model.StageCompleted)
	if st.ProgressPercent != 100 {
		t.Fatalf("unexpected terminal state: %+v", st)
	}
}

func TestChatTurnErrorKeepsPartialOutput(t *testing.T) {
	e, gw, rt := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, "chat.delta", `{"stage":"chat_streaming","progress_percent":40,"delta":"The answer is"}`)
		writeFrame(w, "chat.error", `{"stage":"failed","progress_percent":100,"message":"model overloaded"}`)
	})

	sess := &model.Session{ID: "s1", UserID: "user-1", Status: model.StatusCompleted}
	gw.CreateSession(sess)

	errs := make(chan string, 1)
	unsub := rt.Subscribe("s1", func(ev runtime.Event) {
		if ev.Type == runtime.EventChatError {
			errs <- ev.Error
		}
	})
	defer unsub()

	if _, err := e.SendChatMessage("s1", "question"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-errs:
		if msg != "model overloaded" {
			t.Fatalf("unexpected error event: %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no chat.error broadcast")
	}

	waitForStage(t, rt, "s1", model.StageCompleted)

	msgs, _ := gw.GetMessages("s1")
	assistant := msgs[len(msgs)-1]
	if !strings.HasPrefix(assistant.Content, "The answer is") {
		t.Fatalf("partial output discarded: %q", assistant.Content)
	}
	if !strings.Contains(assistant.Content, "model overloaded") || !assistant.Meta.Failed {
		t.Fatalf("missing failure annotation: %+v", assistant)
	}
}

func TestHistoryTurnsKeepsLastNonEmpty(t *testing.T) {
	var msgs []*model.ChatMessage
	for i := 0; i < 10; i++ {
		content := fmt.Sprintf("turn %d", i)
		if i == 7 {
			content = "   "
		}
		msgs = append(msgs, &model.ChatMessage{MessageIndex: i, Role: model.RoleUser, Content: content})
	}

	turns := historyTurns(msgs)
	if len(turns) != chatHistoryTurns {
		t.Fatalf("expected %d turns, got %d", chatHistoryTurns, len(turns))
	}
	if turns[0].Content != "turn 3" || turns[len(turns)-1].Content != "turn 9" {
		t.Fatalf("unexpected window: %+v", turns)
	}
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			t.Fatalf("blank turn kept: %+v", turns)
		}
	}
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
