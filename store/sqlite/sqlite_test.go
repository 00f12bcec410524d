package sqlite

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/an-siuu-man/headstart/model"
	"github.com/an-siuu-man/headstart/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func newTestSession(t *testing.T, st *Store, id string) *model.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &model.Session{
		ID:             id,
		UserID:         "user-1",
		AssignmentUUID: "assign-" + id,
		Status:         model.StatusQueued,
		Payload: model.AssignmentPayload{
			Title:    "Essay 2",
			CourseID: "ENGL 101",
			DueDate:  "2026-03-03",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestSessionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "s1")

	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != "user-1" || got.Status != model.StatusQueued {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.Payload.Title != "Essay 2" || got.Payload.CourseID != "ENGL 101" {
		t.Fatalf("payload not round-tripped: %+v", got.Payload)
	}

	if err := st.UpdateSessionStatus(sess.ID, model.StatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err = st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get updated: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("status not updated: %s", got.Status)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetSession("missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.UpdateSessionStatus("missing", model.StatusFailed); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunAttemptsIncrementPerAssignment(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "s1")

	r1, err := st.CreateRun(sess.ID, sess.AssignmentUUID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	r2, err := st.CreateRun(sess.ID, sess.AssignmentUUID)
	if err != nil {
		t.Fatalf("create run 2: %v", err)
	}
	if r1.Attempt != 1 || r2.Attempt != 2 {
		t.Fatalf("expected attempts 1 and 2, got %d and %d", r1.Attempt, r2.Attempt)
	}
	if r1.Status != model.RunRunning {
		t.Fatalf("expected running, got %s", r1.Status)
	}

	if err := st.UpdateRunStatus(r1.ID, model.RunFailed, "stream ended before completion"); err != nil {
		t.Fatalf("update run: %v", err)
	}
}

func TestDocumentUpsertAndLatest(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "s1")

	if _, err := st.LatestDocument(sess.ID); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound before any document, got %v", err)
	}

	r1, _ := st.CreateRun(sess.ID, sess.AssignmentUUID)
	if err := st.UpsertDocument(r1.ID, "# Guide v1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Document exists but the run has not succeeded yet.
	if _, err := st.LatestDocument(sess.ID); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unfinished run, got %v", err)
	}
	st.UpdateRunStatus(r1.ID, model.RunSucceeded, "")

	body, err := st.LatestDocument(sess.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if body != "# Guide v1" {
		t.Fatalf("got %q", body)
	}

	// A later successful attempt shadows the earlier one.
	r2, _ := st.CreateRun(sess.ID, sess.AssignmentUUID)
	st.UpsertDocument(r2.ID, "# Guide v2")
	st.UpdateRunStatus(r2.ID, model.RunSucceeded, "")
	body, _ = st.LatestDocument(sess.ID)
	if body != "# Guide v2" {
		t.Fatalf("expected latest attempt's document, got %q", body)
	}

	// Upsert replaces in place (one document per run).
	if err := st.UpsertDocument(r2.ID, "# Guide v2 revised"); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	body, _ = st.LatestDocument(sess.ID)
	if body != "# Guide v2 revised" {
		t.Fatalf("upsert did not replace: %q", body)
	}

	// GetSession carries the guide body.
	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.GuideMarkdown != "# Guide v2 revised" {
		t.Fatalf("session guide markdown: %q", got.GuideMarkdown)
	}
}

func TestMessageIndexesStrictlyIncrease(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "s1")

	for i := 0; i < 4; i++ {
		msg := &model.ChatMessage{
			SessionID: sess.ID,
			Role:      model.RoleUser,
			Content:   "question",
		}
		if err := st.AppendMessage(msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.MessageIndex != i {
			t.Fatalf("expected index %d, got %d", i, msg.MessageIndex)
		}
	}
}

func TestMessageIndexesUnderConcurrency(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "s1")

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &model.ChatMessage{SessionID: sess.ID, Role: model.RoleUser, Content: "q"}
			if err := st.AppendMessage(msg); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, err := st.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
	seen := make(map[int]bool)
	for i, m := range msgs {
		if seen[m.MessageIndex] {
			t.Fatalf("message index %d reused", m.MessageIndex)
		}
		seen[m.MessageIndex] = true
		if i > 0 && msgs[i-1].MessageIndex >= m.MessageIndex {
			t.Fatalf("indexes not strictly increasing: %d then %d", msgs[i-1].MessageIndex, m.MessageIndex)
		}
	}
}

func TestUpdateMessage(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "s1")

	msg := &model.ChatMessage{
		SessionID: sess.ID,
		Role:      model.RoleAssistant,
		Meta:      model.MessageMeta{Streaming: true},
	}
	if err := st.AppendMessage(msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := st.UpdateMessage(msg.ID, "final answer", model.MessageMeta{Completed: true}); err != nil {
		t.Fatalf("update: %v", err)
	}

	msgs, _ := st.GetMessages(sess.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.Content != "final answer" || !got.Meta.Completed || got.Meta.Streaming {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.Format != model.FormatMarkdown {
		t.Fatalf("expected markdown default format, got %q", got.Format)
	}
}

func TestAppendMessageUnknownSession(t *testing.T) {
	st := newTestStore(t)
	msg := &model.ChatMessage{SessionID: "missing", Role: model.RoleUser, Content: "hi"}
	if err := st.AppendMessage(msg); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachments(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "s1")
	run, _ := st.CreateRun(sess.ID, sess.AssignmentUUID)

	att := &model.Attachment{RunID: run.ID, Filename: "syllabus.pdf", SizeBytes: 10240}
	if err := st.AddAttachment(att); err != nil {
		t.Fatalf("add attachment: %v", err)
	}
	if att.ID == 0 {
		t.Fatal("expected assigned attachment id")
	}
}

func TestListSessions(t *testing.T) {
	st := newTestStore(t)
	newTestSession(t, st, "s1")
	newTestSession(t, st, "s2")

	sessions, err := st.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}
