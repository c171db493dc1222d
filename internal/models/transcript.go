package models

import (
	"fmt"
	"strings"
	"time"
)

// Transcript is the rendered record of one (thread, role) conversation.
type Transcript struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Analysis is the latest LLM summary of a transcript.
type Analysis struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// IndexedDocument records the retrieval-index copy of a transcript.
type IndexedDocument struct {
	Key        string    `json:"key"`
	IndexID    string    `json:"index_id"`
	DocID      string    `json:"doc_id"`
	UploadedAt time.Time `json:"uploaded_at"`
}

const transcriptTimeLayout = "2006-01-02 15:04:05"

// RenderTranscript formats messages in the order given.
func RenderTranscript(messages []*Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s): %s",
			senderLabel(msg.Sender), msg.CreatedAt.UTC().Format(transcriptTimeLayout), msg.Body))
	}
	return strings.Join(parts, "\n\n")
}

func senderLabel(s Sender) string {
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// DocumentKey is the deterministic index key for a transcript.
func DocumentKey(role, threadID string) string {
	return role + "_" + threadID
}

// ExportTranscript serializes t into the markdown document fed to the retrieval index.
func ExportTranscript(t *Transcript) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Transcript for %s\n", t.Role)
	fmt.Fprintf(&b, "_Thread ID: %s_\n", t.ThreadID)
	b.WriteString("---\n\n")
	b.WriteString(t.Body)
	return []byte(b.String())
}
