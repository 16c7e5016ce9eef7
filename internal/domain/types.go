package domain

import (
	"strings"
	"time"
)

type ContentType string

const (
	// ContentTypeText is plain text with no markup to interpret.
	ContentTypeText ContentType = "text"
	// ContentTypeMarkdown is the lightweight chat markup dialect used by the
	// source surface (bold/italic spans, links, images, code spans).
	ContentTypeMarkdown ContentType = "markdown"
)

// Message is a single record from the source export. Messages are read-only:
// they are loaded once into ascending chronological order and addressed by
// their position index for the rest of the run.
type Message struct {
	Sender      string      `json:"sender"`
	CreatedAt   time.Time   `json:"createdAt"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	Deleted     bool        `json:"deleted,omitempty"`
}

// IsSystemEvent reports whether the record is a system/administrative event
// (join/leave notices, room renames) rather than something a person typed.
// These have no sender or no body and are never migrated.
func (m Message) IsSystemEvent() bool {
	return strings.TrimSpace(m.Sender) == "" || strings.TrimSpace(m.Content) == ""
}
