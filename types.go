package massager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Identifiers
// ============================================================================

// ChatID is the canonical chat identifier. The server mixes numeric and
// string ids across endpoints; both decode into the same opaque string.
type ChatID string

// UnmarshalJSON accepts a JSON number or a JSON string.
func (id *ChatID) UnmarshalJSON(b []byte) error {
	r := gjson.ParseBytes(b)
	switch r.Type {
	case gjson.Null:
		*id = ""
	case gjson.Number, gjson.String:
		*id = ChatID(r.String())
	default:
		return fmt.Errorf("chat id: unsupported value %s", strings.TrimSpace(string(b)))
	}
	return nil
}

// MarshalJSON emits a JSON number for all-digit ids, since the server parses
// chat ids as integers, and a JSON string otherwise.
func (id ChatID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ChatID) numeric() bool {
	if id == "" || len(id) > 18 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (id ChatID) String() string { return string(id) }

// ============================================================================
// Data model
// ============================================================================

// Identity is the authenticated user and their bearer credential.
type Identity struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Chat is the client's cached copy of a server-owned chat.
type Chat struct {
	ID        ChatID    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether username is among the chat members.
func (c Chat) HasMember(username string) bool {
	for _, m := range c.Members {
		if m == username {
			return true
		}
	}
	return false
}

// DisplayName returns the chat name, or a name built from the members other
// than self when the chat is unnamed.
func (c Chat) DisplayName(self string) string {
	if c.Name != "" {
		return c.Name
	}
	var others []string
	for _, m := range c.Members {
		if m != self {
			others = append(others, m)
		}
	}
	if len(others) == 0 {
		return "Chat with others"
	}
	return "Chat with " + strings.Join(others, ", ")
}

// Message is a single chat message. Messages are immutable once accepted.
type Message struct {
	ID        string    `json:"id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	ChatID    ChatID    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Provisional is set when the server supplied no usable timestamp and the
	// client stamped one on receipt.
	Provisional bool `json:"-"`
}

// UnmarshalJSON decodes both history rows and realtime message events.
// Ids may be numbers or strings; the timestamp may be under "timestamp" or
// "created_at", as an RFC 3339 string or a unix time.
func (m *Message) UnmarshalJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return fmt.Errorf("message: invalid json")
	}
	r := gjson.ParseBytes(b)
	if !r.IsObject() {
		return fmt.Errorf("message: expected object, got %s", r.Type)
	}
	*m = Message{
		ID:       r.Get("id").String(),
		ClientID: r.Get("client_id").String(),
		ChatID:   ChatID(r.Get("chat_id").String()),
		Sender:   r.Get("sender").String(),
		Content:  r.Get("content").String(),
	}
	ts := r.Get("timestamp")
	if ts.String() == "" {
		ts = r.Get("created_at")
	}
	if t, ok := parseTimestamp(ts); ok {
		m.Timestamp = t
	}
	return nil
}

func parseTimestamp(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.Number:
		n := r.Int()
		if n <= 0 {
			return time.Time{}, false
		}
		// Millisecond timestamps are 13 digits until the year 2286.
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	case gjson.String:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, r.Str); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// Key returns the delivery key used to deduplicate a message: the server id,
// else the echoed client id, else a fingerprint of its content when the
// server stamped it. It returns "" when no stable key exists.
func (m Message) Key() string {
	switch {
	case m.ID != "":
		return "id:" + m.ID
	case m.ClientID != "":
		return "cid:" + m.ClientID
	case !m.Provisional && !m.Timestamp.IsZero():
		sum := sha256.Sum256([]byte(strings.Join([]string{
			string(m.ChatID), m.Sender, m.Timestamp.UTC().Format(time.RFC3339Nano), m.Content,
		}, "\x00")))
		return "fp:" + hex.EncodeToString(sum[:16])
	default:
		return ""
	}
}

// Preview returns the first n runes of the content, with "..." appended when
// the content was cut.
func (m Message) Preview(n int) string {
	r := []rune(m.Content)
	if len(r) <= n {
		return m.Content
	}
	return string(r[:n]) + "..."
}

// ============================================================================
// Realtime wire format
// ============================================================================

// Event types carried on the realtime channel.
const (
	EventJoinChat    = "join_chat"
	EventMessage     = "message"
	EventChatCreated = "chat_created"
	EventChatDeleted = "chat_deleted"
	EventError       = "error"
)

// OutboundEvent is a client-to-server realtime event.
type OutboundEvent struct {
	Type     string `json:"type"`
	ChatID   ChatID `json:"chat_id"`
	Content  string `json:"content,omitempty"`
	Sender   string `json:"sender"`
	ClientID string `json:"client_id,omitempty"`
}

// ChatCreatedEvent announces a chat created out of band.
type ChatCreatedEvent struct {
	ChatID   ChatID   `json:"chat_id"`
	ChatName string   `json:"chat_name"`
	Members  []string `json:"members"`
}

// ChatDeletedEvent announces a chat removed on the server.
type ChatDeletedEvent struct {
	ChatID ChatID `json:"chat_id"`
}

// ServerErrorEvent is an error pushed by the server over the realtime channel.
type ServerErrorEvent struct {
	ChatID  ChatID `json:"chat_id"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Text returns the most specific message the server supplied.
func (e ServerErrorEvent) Text() string {
	if e.Details != "" {
		return e.Details
	}
	return e.Error
}

// ============================================================================
// HTTP payloads
// ============================================================================

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginData struct {
	Token string `json:"token"`
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ResendVerificationRequest identifies the account by email or by username.
type ResendVerificationRequest struct {
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	Username string `json:"username,omitempty" validate:"required_without=Email"`
}

type VerificationStatus struct {
	Verified bool `json:"verified"`
}

type ChatList struct {
	Chats []Chat `json:"chats"`
}

type MessageList struct {
	Messages []Message `json:"messages"`
}

type CreateChatRequest struct {
	ChatName  string   `json:"chat_name" validate:"required"`
	MemberIDs []string `json:"member_ids" validate:"required,min=1,dive,required"`
}

// CreatedChat is the create-chat response. Servers answer either with the
// full chat or with {"chat_id": ...}.
type CreatedChat struct {
	Chat
	ChatID ChatID `json:"chat_id"`
}

// Ref returns the id of the created chat whichever form the server used.
func (c CreatedChat) Ref() ChatID {
	if c.ID != "" {
		return c.ID
	}
	return c.ChatID
}

// ============================================================================
// Uniform result
// ============================================================================

// Result is the uniform shape every Gateway call returns.
type Result struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Err    *Error          `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Failure returns the normalized error of an unsuccessful result, or nil.
func (r *Result) Failure() error {
	if r.OK {
		return nil
	}
	if r.Err == nil {
		return &Error{Kind: KindServer, Status: r.Status, Message: "request failed (" + strconv.Itoa(r.Status) + ")"}
	}
	return r.Err
}
