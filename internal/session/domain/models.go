package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	StatusActive = "active"
	StatusClosed = "closed"

	DefaultTitle = "New Conversation"
)

type Session struct {
	SessionID    string         `json:"session_id"`
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	Title        string         `json:"title"`
	Status       string         `json:"status"`
	Tier         string         `json:"tier,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	MessageCount int64          `json:"message_count"`
	TotalTokens  int64          `json:"total_tokens"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ExpiresAt    time.Time      `json:"expires_at"`

	// Degraded marks a record that could not be written to the store and
	// only exists in memory.
	Degraded bool `json:"degraded,omitempty"`
}

// Clone copies the session so cached snapshots are never shared with callers.
func (s Session) Clone() Session {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

type ContentType string

const (
	ContentTypeText ContentType = "text"
	ContentTypeList ContentType = "list"
)

// ContentBlock is one element of structured message content, such as a text
// segment or a tool call.
type ContentBlock struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Content is either plain text or an ordered list of blocks; Type says which.
type Content struct {
	Type   ContentType
	Text   string
	Blocks []ContentBlock
}

func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

func BlocksContent(blocks []ContentBlock) Content {
	return Content{Type: ContentTypeList, Blocks: blocks}
}

func (c Content) Empty() bool {
	switch c.Type {
	case ContentTypeList:
		return len(c.Blocks) == 0
	default:
		return c.Text == ""
	}
}

// Encode returns the persisted payload for the content.
func (c Content) Encode() (string, error) {
	switch c.Type {
	case ContentTypeText, "":
		return c.Text, nil
	case ContentTypeList:
		raw, err := json.Marshal(c.Blocks)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown content type %q", ErrSerialization, c.Type)
	}
}

func DecodeContent(contentType ContentType, payload string) (Content, error) {
	switch contentType {
	case ContentTypeList:
		var blocks []ContentBlock
		if err := json.Unmarshal([]byte(payload), &blocks); err != nil {
			return Content{}, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return BlocksContent(blocks), nil
	default:
		return TextContent(payload), nil
	}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Type == ContentTypeList {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = TextContent(text)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("%w: content must be a string or a list of blocks", ErrSerialization)
	}
	*c = BlocksContent(blocks)
	return nil
}

type Message struct {
	MessageID   string         `json:"message_id"`
	SessionID   string         `json:"session_id"`
	Role        string         `json:"role"`
	Content     Content        `json:"content"`
	ContentType ContentType    `json:"content_type"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`

	Degraded bool `json:"degraded,omitempty"`
}

// ConversationTurn is the role/content shape handed to the agent layer.
type ConversationTurn struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}
