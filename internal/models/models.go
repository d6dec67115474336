package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// User represents a user in the system. Friend sets and friend requests are
// owned by the friend-management API; the routing core only reads them.
type User struct {
	ID             string   `json:"id"`
	Handle         string   `json:"handle"`
	DisplayName    string   `json:"displayName"`
	Bio            string   `json:"bio,omitempty"`
	Friends        []string `json:"friends,omitempty"`
	FriendRequests []string `json:"friendRequests,omitempty"`
	Presence       Presence `json:"presence"`
}

// IsFriend reports whether id is in the user's own friend set.
func (u User) IsFriend(id string) bool {
	return contains(u.Friends, id)
}

// HasFriendRequest reports whether a pending request from id exists.
func (u User) HasFriendRequest(id string) bool {
	return contains(u.FriendRequests, id)
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (milliseconds)
}

// Group represents a chat group. The creator is always both an admin and a
// member; admins are a subset of members.
type Group struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Creator     string   `json:"creator"`
	Admins      []string `json:"admins"`
	Members     []string `json:"members"`
}

func (g Group) IsMember(id string) bool {
	return contains(g.Members, id)
}

func (g Group) IsAdmin(id string) bool {
	return contains(g.Admins, id)
}

// Message represents a chat message. Exactly one of Recipient and GroupID is
// set. Body holds transient plaintext and is never persisted; Ciphertext is
// what goes to disk.
type Message struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
	Body       string `json:"body,omitempty"`
	Ciphertext []byte `json:"-"`
	Timestamp  int64  `json:"timestamp"` // Unix timestamp (milliseconds)
	Read       bool   `json:"read"`
}

// Session is a persisted login: the hash of an issued bearer token and when
// it was issued. Raw tokens are never stored.
type Session struct {
	UserID    string
	TokenHash string
	IssuedAt  int64 // Unix timestamp (milliseconds)
}

// ClientEvent represents an event sent from the client to the server.
type ClientEvent struct {
	Type      ClientEventType `json:"type"`
	Recipient string          `json:"recipient,omitempty"`
	GroupID   string          `json:"groupId,omitempty"`
	Body      string          `json:"body,omitempty"`
}

// ServerEvent represents an event delivered to the client.
type ServerEvent struct {
	Type      ServerEventType `json:"type"`
	Sender    string          `json:"sender,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	GroupID   string          `json:"groupId,omitempty"`
	Body      string          `json:"body,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Online    bool            `json:"online"`
	LastSeen  int64           `json:"lastSeen"`
	Reason    ErrorReason     `json:"reason,omitempty"`
}

type ClientEventType string

const (
	ClientEventSendDirect ClientEventType = "send-direct"
	ClientEventSendGroup  ClientEventType = "send-group"
)

type ServerEventType string

const (
	ServerEventMessage         ServerEventType = "message"
	ServerEventPresenceChanged ServerEventType = "presence-changed"
	ServerEventError           ServerEventType = "error"
)

// ErrorReason is the closed set of failure reasons exposed on a connection.
// Internal faults are never surfaced verbatim.
type ErrorReason string

// Bad credentials are rejected with an HTTP status before the connection is
// upgraded and never appear as an event, so there is no reason for them here.
const (
	ReasonRecipientNotFound ErrorReason = "recipient-not-found"
	ReasonGroupNotFound     ErrorReason = "group-not-found"
	ReasonUnauthorized      ErrorReason = "unauthorized"
	ReasonInvalidMessage    ErrorReason = "invalid-message"
	ReasonSendFailed        ErrorReason = "send-failed"
)

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
