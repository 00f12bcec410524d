// Package engine drives the guide run and follow-up chat state machines. It
// owns all writes to the persistence gateway and the runtime session store;
// HTTP handlers only call into it.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/an-siuu-man/headstart/model"
	"github.com/an-siuu-man/headstart/retrieval"
	"github.com/an-siuu-man/headstart/runtime"
	"github.com/an-siuu-man/headstart/store"
	"github.com/an-siuu-man/headstart/upstream"
)

// chatHistoryTurns is how many prior non-empty turns accompany a follow-up
// request upstream.
const chatHistoryTurns = 6

// Notifier receives guide run terminal transitions. Implementations must not
// block for long and must never fail the run.
type Notifier interface {
	GuideCompleted(sess *model.Session)
	GuideFailed(sess *model.Session, errMsg string)
}

// ErrChatBusy is returned when a follow-up turn is requested while a previous
// turn for the same session is still streaming. Turns are not queued; the
// runtime state has exactly one writer per session at a time.
var ErrChatBusy = errors.New("a follow-up turn is already streaming for this session")

// Engine orchestrates session lifecycle: create, guide run, follow-up chat.
type Engine struct {
	store    store.Gateway
	rt       *runtime.Store
	client   *upstream.Client
	notifier Notifier

	chatMu    sync.Mutex
	chatTurns map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. notifier may be nil.
func New(st store.Gateway, rt *runtime.Store, client *upstream.Client, notifier Notifier) *Engine {
	return &Engine{
		store:     st,
		rt:        rt,
		client:    client,
		notifier:  notifier,
		chatTurns: make(map[string]bool),
	}
}

// Start prepares the engine's background context. Call Stop to wait for
// in-flight runs during shutdown.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight upstream streams and waits for run goroutines.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Store returns the persistence gateway.
func (e *Engine) Store() store.Gateway { return e.store }

// Runtime returns the runtime session store.
func (e *Engine) Runtime() *runtime.Store { return e.rt }

// CreateSession persists a new queued session and launches its guide run in
// the background. The call returns as soon as the session exists; progress is
// observable only through the runtime store.
func (e *Engine) CreateSession(userID, assignmentUUID string, payload model.AssignmentPayload, pdfText string, pdfFiles []upstream.PDFFile) (*model.Session, error) {
	id := uuid.New().String()[:8]
	now := time.Now().UTC()

	sess := &model.Session{
		ID:             id,
		UserID:         userID,
		AssignmentUUID: assignmentUUID,
		Status:         model.StatusQueued,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	e.rt.Ensure(sess.ID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("guide run %s panicked: %v", sess.ID, r)
				e.failGuide(sess.ID, nil, fmt.Sprintf("internal error: %v", r))
			}
		}()
		e.runGuide(sess.ID, pdfText, pdfFiles)
	}()

	return sess, nil
}

// runGuide drives one guide generation attempt through
// queued -> preparing_payload -> calling_agent -> streaming_output and into
// exactly one of completed or failed.
func (e *Engine) runGuide(sessionID, pdfText string, pdfFiles []upstream.PDFFile) {
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		log.Printf("guide run %s: session not found: %v", sessionID, err)
		return
	}

	if err := e.store.UpdateSessionStatus(sessionID, model.StatusRunning); err != nil {
		e.failGuide(sessionID, nil, fmt.Sprintf("marking session running: %v", err))
		return
	}
	e.patchStage(sessionID, model.StatusRunning, model.StagePreparingPayload, 10, "Preparing assignment payload")

	run, err := e.store.CreateRun(sessionID, sess.AssignmentUUID)
	if err != nil {
		e.failGuide(sessionID, nil, fmt.Sprintf("creating run record: %v", err))
		return
	}
	for _, f := range pdfFiles {
		att := &model.Attachment{
			RunID:     run.ID,
			Filename:  f.Filename,
			SizeBytes: int64(base64.StdEncoding.DecodedLen(len(f.Data))),
		}
		if err := e.store.AddAttachment(att); err != nil {
			log.Printf("guide run %s: recording attachment %s: %v", sessionID, f.Filename, err)
		}
	}

	req := &upstream.RunRequest{
		AssignmentUUID: sess.AssignmentUUID,
		Payload:        sess.Payload,
		PDFText:        pdfText,
		PDFFiles:       pdfFiles,
	}

	e.patchStage(sessionID, model.StatusRunning, model.StageCallingAgent, 25, "Calling generation service")

	stream, err := e.client.OpenRunStream(ctx, req)
	if err != nil {
		e.failGuide(sessionID, run, fmt.Sprintf("opening upstream stream: %v", err))
		return
	}
	defer stream.Close()

	co := NewCoalescer(e.rt, sessionID)
	defer co.Stop()

	for {
		ev, err := stream.Next()
		if err == io.EOF {
			co.Flush()
			e.failGuide(sessionID, run, "stream ended before completion")
			return
		}
		if err != nil {
			co.Flush()
			e.failGuide(sessionID, run, fmt.Sprintf("reading upstream stream: %v", err))
			return
		}

		switch ev.Kind {
		case upstream.KindStarted, upstream.KindStage:
			// Stage frames are infrequent and precise; they bypass the
			// coalescer after draining it so ordering holds.
			co.Flush()
			e.patchStage(sessionID, model.StatusRunning, stageOf(ev.Stage), ev.ProgressPercent, ev.StatusMessage)

		case upstream.KindDelta:
			co.Add(ev.Delta, ev.ProgressPercent, ev.StatusMessage)

		case upstream.KindCompleted:
			co.Flush()
			final := upstream.NormalizeMarkdown(ev.GuideMarkdown)
			if final == "" {
				e.failGuide(sessionID, run, "upstream completed with an empty guide")
				return
			}
			e.completeGuide(sessionID, run, final)
			return

		case upstream.KindError:
			co.Flush()
			msg := ev.Message
			if msg == "" {
				msg = "upstream reported an error"
			}
			e.failGuide(sessionID, run, msg)
			return
		}
	}
}

func (e *Engine) completeGuide(sessionID string, run *model.Run, guideMarkdown string) {
	if err := e.store.UpsertDocument(run.ID, guideMarkdown); err != nil {
		e.failGuide(sessionID, run, fmt.Sprintf("persisting guide document: %v", err))
		return
	}
	if err := e.store.UpdateRunStatus(run.ID, model.RunSucceeded, ""); err != nil {
		log.Printf("guide run %s: marking run succeeded: %v", sessionID, err)
	}
	if err := e.store.UpdateSessionStatus(sessionID, model.StatusCompleted); err != nil {
		log.Printf("guide run %s: marking session completed: %v", sessionID, err)
	}

	status := model.StatusCompleted
	stage := model.StageCompleted
	progress := 100.0
	msg := "Guide ready"
	e.rt.Patch(sessionID, runtime.Patch{
		Status:          &status,
		Stage:           &stage,
		ProgressPercent: &progress,
		StatusMessage:   &msg,
		Result:          &guideMarkdown,
	})

	if e.notifier != nil {
		if sess, err := e.store.GetSession(sessionID); err == nil {
			e.notifier.GuideCompleted(sess)
		}
	}
}

// failGuide marks the run (if any) and session failed, then patches runtime
// to a terminal failed state. Persistence failures on this path are logged
// but never mask the original error.
func (e *Engine) failGuide(sessionID string, run *model.Run, errMsg string) {
	log.Printf("guide run %s failed: %s", sessionID, errMsg)
	if run != nil {
		if err := e.store.UpdateRunStatus(run.ID, model.RunFailed, errMsg); err != nil {
			log.Printf("guide run %s: marking run failed: %v", sessionID, err)
		}
	}
	if err := e.store.UpdateSessionStatus(sessionID, model.StatusFailed); err != nil {
		log.Printf("guide run %s: marking session failed: %v", sessionID, err)
	}

	status := model.StatusFailed
	stage := model.StageFailed
	progress := 100.0
	msg := "Guide generation failed"
	e.rt.Patch(sessionID, runtime.Patch{
		Status:          &status,
		Stage:           &stage,
		ProgressPercent: &progress,
		StatusMessage:   &msg,
		Error:           &errMsg,
	})

	if e.notifier != nil {
		if sess, err := e.store.GetSession(sessionID); err == nil {
			e.notifier.GuideFailed(sess, errMsg)
		}
	}
}

// SendChatMessage appends the user's message, creates a streaming assistant
// placeholder, and launches the follow-up turn in the background. Input
// validation (user id, length ceiling, ownership) happens at the HTTP
// boundary; this checks only session state.
func (e *Engine) SendChatMessage(sessionID, content string) (*model.ChatMessage, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.StatusCompleted {
		return nil, fmt.Errorf("session is %s, follow-up chat requires a completed guide", sess.Status)
	}
	if !e.beginChatTurn(sessionID) {
		return nil, ErrChatBusy
	}
	launched := false
	defer func() {
		if !launched {
			e.endChatTurn(sessionID)
		}
	}()

	history, err := e.store.GetMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading chat history: %w", err)
	}

	userMsg := &model.ChatMessage{
		SessionID: sessionID,
		Role:      model.RoleUser,
		Content:   content,
		Format:    model.FormatPlainText,
		Meta:      model.MessageMeta{Completed: true},
	}
	if err := e.store.AppendMessage(userMsg); err != nil {
		return nil, fmt.Errorf("storing user message: %w", err)
	}
	e.rt.Broadcast(runtime.Event{
		Type:      runtime.EventMessageCreated,
		SessionID: sessionID,
		Message:   userMsg,
	})

	assistant := &model.ChatMessage{
		SessionID: sessionID,
		Role:      model.RoleAssistant,
		Format:    model.FormatMarkdown,
		Meta:      model.MessageMeta{Streaming: true},
	}
	if err := e.store.AppendMessage(assistant); err != nil {
		return nil, fmt.Errorf("storing assistant placeholder: %w", err)
	}
	e.rt.Broadcast(runtime.Event{
		Type:      runtime.EventMessageCreated,
		SessionID: sessionID,
		Message:   assistant,
	})

	launched = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.endChatTurn(sessionID)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("chat turn %s panicked: %v", sessionID, r)
				e.failChat(sessionID, assistant, "", fmt.Sprintf("internal error: %v", r))
			}
		}()
		e.runChat(sess, assistant, history, content)
	}()

	return userMsg, nil
}

// beginChatTurn claims the session's single chat-turn slot. It returns false
// when a previous turn is still in flight; runtime state must have exactly
// one writer per session at a time.
func (e *Engine) beginChatTurn(sessionID string) bool {
	e.chatMu.Lock()
	defer e.chatMu.Unlock()
	if e.chatTurns[sessionID] {
		return false
	}
	e.chatTurns[sessionID] = true
	return true
}

func (e *Engine) endChatTurn(sessionID string) {
	e.chatMu.Lock()
	defer e.chatMu.Unlock()
	delete(e.chatTurns, sessionID)
}

// runChat drives one follow-up turn: retrieval, upstream chat stream, delta
// fan-out, and serialized persistence of the accumulating assistant text.
func (e *Engine) runChat(sess *model.Session, assistant *model.ChatMessage, history []*model.ChatMessage, question string) {
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	stage := model.StageChatStreaming
	progress := 5.0
	msg := "Answering follow-up"
	e.rt.Patch(sess.ID, runtime.Patch{
		ResetRun:        true,
		Stage:           &stage,
		ProgressPercent: &progress,
		StatusMessage:   &msg,
	})

	corpus := retrieval.BuildCorpus(sess.GuideMarkdown, sess.Payload)
	ranked := retrieval.Rank(corpus, question, retrieval.DefaultTopK)

	req := &upstream.ChatRequest{
		Payload:       sess.Payload,
		GuideMarkdown: sess.GuideMarkdown,
		History:       historyTurns(history),
		Context:       retrieval.FormatContext(ranked),
		Message:       question,
	}

	stream, err := e.client.OpenChatStream(ctx, req)
	if err != nil {
		e.failChat(sess.ID, assistant, "", fmt.Sprintf("opening chat stream: %v", err))
		return
	}
	defer stream.Close()

	// Persistence writes for the streaming placeholder go through one
	// writer goroutine so concurrent deltas never interleave on disk.
	writes := make(chan string, 64)
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for content := range writes {
			if err := e.store.UpdateMessage(assistant.ID, content, model.MessageMeta{Streaming: true}); err != nil {
				log.Printf("chat turn %s: persisting partial content: %v", sess.ID, err)
			}
		}
	}()
	finishWriter := func() {
		close(writes)
		writerWG.Wait()
	}

	var accumulated strings.Builder
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			finishWriter()
			e.failChat(sess.ID, assistant, accumulated.String(), "stream ended before completion")
			return
		}
		if err != nil {
			finishWriter()
			e.failChat(sess.ID, assistant, accumulated.String(), fmt.Sprintf("reading chat stream: %v", err))
			return
		}

		switch ev.Kind {
		case upstream.KindStarted, upstream.KindStage:
			e.rt.Patch(sess.ID, runtime.Patch{
				ProgressPercent: &ev.ProgressPercent,
				StatusMessage:   &ev.StatusMessage,
			})

		case upstream.KindDelta:
			if ev.Delta == "" {
				continue
			}
			accumulated.WriteString(ev.Delta)
			content := accumulated.String()
			e.rt.Broadcast(runtime.Event{
				Type:      runtime.EventMessageDelta,
				SessionID: sess.ID,
				MessageID: assistant.ID,
				Delta:     ev.Delta,
				Content:   content,
			})
			select {
			case writes <- content:
			default:
				// Writer is behind; a later cumulative write supersedes
				// this one anyway.
			}

		case upstream.KindCompleted:
			finishWriter()
			final := strings.TrimSpace(ev.Message)
			if final == "" {
				final = accumulated.String()
			}
			e.completeChat(sess.ID, assistant, final)
			return

		case upstream.KindError:
			finishWriter()
			msg := ev.Message
			if msg == "" {
				msg = "upstream reported an error"
			}
			e.failChat(sess.ID, assistant, accumulated.String(), msg)
			return
		}
	}
}

func (e *Engine) completeChat(sessionID string, assistant *model.ChatMessage, final string) {
	meta := model.MessageMeta{Completed: true}
	if err := e.store.UpdateMessage(assistant.ID, final, meta); err != nil {
		log.Printf("chat turn %s: persisting final content: %v", sessionID, err)
	}

	done := *assistant
	done.Content = final
	done.Meta = meta
	e.rt.Broadcast(runtime.Event{
		Type:      runtime.EventMessageCompleted,
		SessionID: sessionID,
		Message:   &done,
		Content:   final,
	})

	stage := model.StageCompleted
	progress := 100.0
	msg := "Follow-up answered"
	e.rt.Patch(sessionID, runtime.Patch{
		Stage:           &stage,
		ProgressPercent: &progress,
		StatusMessage:   &msg,
	})
}

// failChat never discards partial output: the accumulated text is kept with
// a failure annotation appended, persisted with a failed flag, and the
// runtime still reaches a terminal stage so viewers do not spin forever.
func (e *Engine) failChat(sessionID string, assistant *model.ChatMessage, partial, errMsg string) {
	log.Printf("chat turn %s failed: %s", sessionID, errMsg)

	content := partial
	if content != "" {
		content += "\n\n"
	}
	content += fmt.Sprintf("_Follow-up failed: %s_", errMsg)

	meta := model.MessageMeta{Failed: true}
	if err := e.store.UpdateMessage(assistant.ID, content, meta); err != nil {
		log.Printf("chat turn %s: persisting failure annotation: %v", sessionID, err)
	}

	e.rt.Broadcast(runtime.Event{
		Type:      runtime.EventChatError,
		SessionID: sessionID,
		MessageID: assistant.ID,
		Error:     errMsg,
	})

	stage := model.StageCompleted
	progress := 100.0
	msg := "Follow-up response failed"
	e.rt.Patch(sessionID, runtime.Patch{
		Stage:           &stage,
		ProgressPercent: &progress,
		StatusMessage:   &msg,
	})
}

// historyTurns converts the last few non-empty persisted messages into
// upstream history turns, oldest first.
func historyTurns(msgs []*model.ChatMessage) []upstream.HistoryTurn {
	var turns []upstream.HistoryTurn
	for i := len(msgs) - 1; i >= 0 && len(turns) < chatHistoryTurns; i-- {
		m := msgs[i]
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, upstream.HistoryTurn{Role: m.Role, Content: m.Content})
	}
	// Reverse back into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// stageOf maps an upstream stage token onto the local stage set, defaulting
// to streaming_output for anything unrecognized.
func stageOf(s string) model.Stage {
	switch st := model.Stage(s); st {
	case model.StageQueued, model.StagePreparingPayload, model.StageExtractingPDF,
		model.StageCallingAgent, model.StageStreamingOutput, model.StageValidatingOutput,
		model.StageParsingResponse, model.StageChatStreaming,
		model.StageCompleted, model.StageFailed:
		return st
	}
	return model.StageStreamingOutput
}

func (e *Engine) patchStage(sessionID string, status model.Status, stage model.Stage, progress float64, msg string) {
	e.rt.Patch(sessionID, runtime.Patch{
		Status:          &status,
		Stage:           &stage,
		ProgressPercent: &progress,
		StatusMessage:   &msg,
	})
}
