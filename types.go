package dmsync

import (
	"encoding/json"
	"errors"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAckTimeout       = errors.New("acknowledgement timeout")
	ErrPeerUnresolved   = errors.New("peer could not be resolved")
	ErrChatNotFound     = errors.New("chat not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrMessageNotFailed = errors.New("message is not in failed state")
)

// AckError is returned when the server acknowledges a request with ok:false.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return e.Event + ": rejected by server"
	}
	return e.Event + ": " + e.Message
}

// APIError represents a REST API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Data Model
// ============================================================================

// PeerRole is the role of the other party in a conversation.
type PeerRole string

const (
	RoleStaff   PeerRole = "staff"
	RoleStudent PeerRole = "student"
)

func parseRole(s string) PeerRole {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "staff", "admin", "teacher", "instructor":
		return RoleStaff
	case "student":
		return RoleStudent
	}
	return ""
}

// Legacy sender sentinels kept by caches written before peer IDs existed.
const (
	SenderMe      = "me"
	SenderOther   = "other"
	SenderSupport = "support"
)

// ChatSummary is one conversation with exactly one peer.
type ChatSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	LastMessage string   `json:"lastMessage"`
	UpdatedAt   int64    `json:"updatedAt"`
	UnreadCount int      `json:"unreadCount,omitempty"`
	PeerRole    PeerRole `json:"peerRole,omitempty"`
	// PeerID is only set for threads that came from the server's thread list.
	PeerID string `json:"peerId,omitempty"`
}

// ChatMessage is one direct message.
type ChatMessage struct {
	ID          string  `json:"id"`
	ChatID      string  `json:"chatId"`
	SenderID    string  `json:"sender_id"`
	ReceiverID  string  `json:"receiver_id"`
	MessageText string  `json:"message_text"`
	CreatedAt   string  `json:"created_at"`
	DeliveredAt *string `json:"delivered_at"`
	ReadAt      *string `json:"read_at"`
	Pending     bool    `json:"pending,omitempty"`
	Failed      bool    `json:"failed,omitempty"`
}

// PaginationState tracks history paging for one chat.
type PaginationState struct {
	HasMore         bool
	Loading         bool
	OldestMessageID string
}

// Peer is a directory entry.
type Peer struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Role PeerRole `json:"role,omitempty"`
}

// normalizeTitle is the fallback join key for chats without a stable peer.
func normalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

func strPtr(s string) *string { return &s }

// ============================================================================
// Realtime Events
// ============================================================================

// Outbound event names.
const (
	EventAuthenticate = "authenticate"
	EventJoin         = "dm:join"
	EventSend         = "dm:send"
	EventTyping       = "dm:typing"
	EventRead         = "dm:read"
	EventDelivered    = "dm:delivered"
	EventLoadMore     = "dm:loadMore"
	EventCheckOnline  = "dm:checkOnline"
)

// Inbound push names. dm:typing, dm:delivered and dm:read are shared with
// the outbound names above.
const (
	EventNewMessage = "dm:newMessage"
	EventOnline     = "dm:online"
)

// Connection meta-events, dispatched locally.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// RealtimeEnvelope is the wire format for all real-time frames.
type RealtimeEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

const ackType = "ack"

// ackStatus is the common part of every acknowledgement payload.
type ackStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type joinPayload struct {
	PeerUserID   string   `json:"peerUserId"`
	PeerUserType PeerRole `json:"peerUserType"`
}

type sendPayload struct {
	PeerUserID   string   `json:"peerUserId"`
	MessageText  string   `json:"message_text"`
	PeerUserType PeerRole `json:"peerUserType"`
}

type typingPayload struct {
	PeerUserID   string   `json:"peerUserId"`
	PeerUserType PeerRole `json:"peerUserType"`
	IsTyping     bool     `json:"isTyping"`
}

type messageRefPayload struct {
	MessageID string `json:"messageId"`
}

type loadMorePayload struct {
	PeerUserID      string   `json:"peerUserId"`
	PeerUserType    PeerRole `json:"peerUserType"`
	BeforeMessageID string   `json:"beforeMessageId"`
	Limit           int      `json:"limit"`
}

type checkOnlinePayload struct {
	UserIDs []string `json:"userIds"`
}

type messagesAck struct {
	Messages []map[string]any `json:"messages"`
	HasMore  *bool            `json:"hasMore,omitempty"`
}

type sendAck struct {
	Message map[string]any `json:"message"`
}

type readAck struct {
	ReadAt string `json:"read_at,omitempty"`
}

// OnlineStatus is one entry of a dm:checkOnline acknowledgement.
type OnlineStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type checkOnlineAck struct {
	Status []OnlineStatus `json:"status"`
}

// TypingPush is the inbound dm:typing payload.
type TypingPush struct {
	UserID     string `json:"userId"`
	PeerUserID string `json:"peerUserId"`
	IsTyping   bool   `json:"isTyping"`
}

// ReceiptPush is the inbound dm:delivered / dm:read payload.
type ReceiptPush struct {
	MessageID   string `json:"messageId"`
	DeliveredAt string `json:"delivered_at,omitempty"`
	ReadAt      string `json:"read_at,omitempty"`
}

// OnlinePush is the inbound dm:online payload.
type OnlinePush struct {
	UserID   string   `json:"userId"`
	UserType PeerRole `json:"userType"`
	IsOnline bool     `json:"isOnline"`
}
