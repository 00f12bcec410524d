// Package model defines the core domain types shared across all Headstart packages.
// It has zero dependencies on other Headstart packages.
package model

import "time"

// Status represents the persisted lifecycle state of a session.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further progress is expected for the session.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage is a named checkpoint within a run, used for progress display.
type Stage string

const (
	StageQueued           Stage = "queued"
	StagePreparingPayload Stage = "preparing_payload"
	StageExtractingPDF    Stage = "extracting_pdf"
	StageCallingAgent     Stage = "calling_agent"
	StageStreamingOutput  Stage = "streaming_output"
	StageValidatingOutput Stage = "validating_output"
	StageParsingResponse  Stage = "parsing_response"
	StageChatStreaming    Stage = "chat_streaming"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Format identifies how a chat message's content should be rendered.
type Format string

const (
	FormatPlainText Format = "plain_text"
	FormatMarkdown  Format = "markdown"
	FormatJSON      Format = "json"
)

// RubricCriterion is one grading criterion of an assignment rubric.
type RubricCriterion struct {
	ID          string  `json:"id,omitempty"`
	Description string  `json:"description"`
	Points      float64 `json:"points,omitempty"`
}

// AssignmentPayload is the assignment context a session was created for.
// Field names mirror the extension's scraped payload.
type AssignmentPayload struct {
	Title          string            `json:"title"`
	CourseID       string            `json:"courseId"`
	AssignmentID   string            `json:"assignmentId,omitempty"`
	DueDate        string            `json:"dueDate,omitempty"`
	Timezone       string            `json:"timezone,omitempty"`
	Description    string            `json:"description,omitempty"`
	PointsPossible float64           `json:"pointsPossible,omitempty"`
	Rubric         []RubricCriterion `json:"rubric,omitempty"`
}

// Session is the durable session snapshot owned by the persistence gateway.
type Session struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	AssignmentUUID string            `json:"assignment_uuid,omitempty"`
	Status         Status            `json:"status"`
	Payload        AssignmentPayload `json:"payload"`
	GuideMarkdown  string            `json:"guide_markdown,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// MessageMeta carries the streaming flags of a chat message.
type MessageMeta struct {
	Streaming bool `json:"streaming,omitempty"`
	Completed bool `json:"completed,omitempty"`
	Failed    bool `json:"failed,omitempty"`
}

// ChatMessage is one message in a session's follow-up conversation.
// Content is mutable while streaming and frozen once Meta.Completed is set.
type ChatMessage struct {
	ID           int64       `json:"id"`
	SessionID    string      `json:"session_id"`
	MessageIndex int         `json:"message_index"`
	Role         Role        `json:"role"`
	Content      string      `json:"content"`
	Format       Format      `json:"format"`
	Meta         MessageMeta `json:"meta"`
	CreatedAt    time.Time   `json:"created_at"`
}

// RunStatus represents the lifecycle of a single run record.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one attempt to produce a guide, attempt-numbered per assignment.
type Run struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	AssignmentUUID string    `json:"assignment_uuid,omitempty"`
	Attempt        int       `json:"attempt"`
	Status         RunStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Attachment records the metadata of a binary attachment forwarded upstream.
// The encoded bytes themselves are never persisted.
type Attachment struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionView is the externally visible session DTO: the merge of a persisted
// snapshot and the in-memory runtime state for the same id. Runtime fields win
// when a live entry exists; persisted fields are the source of truth otherwise.
type SessionView struct {
	ID                    string            `json:"id"`
	UserID                string            `json:"user_id"`
	AssignmentUUID        string            `json:"assignment_uuid,omitempty"`
	Status                Status            `json:"status"`
	Stage                 Stage             `json:"stage"`
	ProgressPercent       int               `json:"progress_percent"`
	StatusMessage         string            `json:"status_message,omitempty"`
	Payload               AssignmentPayload `json:"payload"`
	GuideMarkdown         string            `json:"guide_markdown,omitempty"`
	StreamedGuideMarkdown string            `json:"streamed_guide_markdown,omitempty"`
	Error                 string            `json:"error,omitempty"`
	Messages              []*ChatMessage    `json:"messages"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
