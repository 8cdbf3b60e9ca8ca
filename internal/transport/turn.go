package transport

import (
	"strings"
	"time"
)

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Part is one piece of a turn: either text or a previously uploaded file.
type Part struct {
	Text     string `json:"text,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Turn is one conversation turn. An assistant turn starts empty and grows
// as deltas arrive, until it is marked complete.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Text flattens the turn's parts into the wire content string: text parts
// joined, file parts rendered as their URLs.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		} else if p.FileURL != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.FileURL)
		}
	}
	return b.String()
}

// AttachmentURLs returns the file URLs carried by the turn.
func (t Turn) AttachmentURLs() []string {
	var urls []string
	for _, p := range t.Parts {
		if p.FileURL != "" {
			urls = append(urls, p.FileURL)
		}
	}
	return urls
}
