// Package store defines the persistence gateway consumed by the orchestrator
// and the HTTP boundary. Implementations live in subpackages (store/sqlite).
package store

import (
	"errors"

	"github.com/an-siuu-man/headstart/model"
)

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("not found")

// Gateway is the durable read/write contract needed by the orchestrator. All
// operations are atomic single-row upserts keyed by natural uniqueness
// constraints (one document per run, one message index per session position).
type Gateway interface {
	// Sessions.
	CreateSession(sess *model.Session) error
	GetSession(id string) (*model.Session, error)
	ListSessions() ([]*model.Session, error)
	UpdateSessionStatus(id string, status model.Status) error

	// Runs, attempt-numbered per assignment.
	CreateRun(sessionID, assignmentUUID string) (*model.Run, error)
	UpdateRunStatus(runID int64, status model.RunStatus, errMsg string) error

	// Attachment metadata (bytes are never stored).
	AddAttachment(att *model.Attachment) error

	// Generated documents, one per run.
	UpsertDocument(runID int64, body string) error
	LatestDocument(sessionID string) (string, error)

	// Chat messages with strictly increasing per-session indexes.
	AppendMessage(msg *model.ChatMessage) error
	UpdateMessage(id int64, content string, meta model.MessageMeta) error
	GetMessages(sessionID string) ([]*model.ChatMessage, error)

	Close() error
}
