package dmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCacheKey is the namespaced key of the persisted cache record.
const DefaultCacheKey = "dmsync:chat-cache:v2"

const (
	welcomeChatID  = "welcome"
	welcomeTitle   = "Support"
	welcomeMessage = "Welcome! Ask us anything here."
)

// ============================================================================
// State
// ============================================================================

// State is the in-memory view of all chats and their messages.
// Messages are kept per chat in ascending created_at order.
type State struct {
	Chats    []ChatSummary
	Messages map[string][]ChatMessage
}

// Chat returns a pointer into Chats, or nil.
func (s *State) Chat(id string) *ChatSummary {
	for i := range s.Chats {
		if s.Chats[i].ID == id {
			return &s.Chats[i]
		}
	}
	return nil
}

// Message returns a pointer to the message with id in chatID, or nil.
func (s *State) Message(chatID, id string) *ChatMessage {
	msgs := s.Messages[chatID]
	for i := range msgs {
		if msgs[i].ID == id {
			return &msgs[i]
		}
	}
	return nil
}

// FindMessage searches every chat for id.
func (s *State) FindMessage(id string) *ChatMessage {
	for chatID := range s.Messages {
		if m := s.Message(chatID, id); m != nil {
			return m
		}
	}
	return nil
}

// touch bumps the chat preview. UpdatedAt never moves backwards.
func (s *State) touch(chatID, text string, at time.Time) {
	c := s.Chat(chatID)
	if c == nil {
		return
	}
	c.LastMessage = text
	if ms := at.UnixMilli(); ms > c.UpdatedAt {
		c.UpdatedAt = ms
	}
}

func (s *State) clone() State {
	out := State{
		Chats:    append([]ChatSummary(nil), s.Chats...),
		Messages: make(map[string][]ChatMessage, len(s.Messages)),
	}
	for k, v := range s.Messages {
		out.Messages[k] = append([]ChatMessage(nil), v...)
	}
	return out
}

// VisibleChats dedupes chats by normalised title, keeping the most recently
// updated variant, and sorts newest first.
func VisibleChats(chats []ChatSummary) []ChatSummary {
	best := make(map[string]int)
	var order []string
	for i, c := range chats {
		key := normalizeTitle(c.Title)
		j, ok := best[key]
		if !ok {
			best[key] = i
			order = append(order, key)
			continue
		}
		if c.UpdatedAt > chats[j].UpdatedAt {
			best[key] = i
		}
	}
	out := make([]ChatSummary, 0, len(order))
	for _, key := range order {
		out = append(out, chats[best[key]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

// ============================================================================
// Persisted record
// ============================================================================

// cacheRecord is the persisted schema.
type cacheRecord struct {
	Chats    []ChatSummary      `json:"chats"`
	Messages []persistedMessage `json:"messages"`
}

// persistedMessage accepts both the current schema and the legacy
// {sender, text, timestamp} shape.
type persistedMessage struct {
	ID          string  `json:"id"`
	ChatID      string  `json:"chatId"`
	SenderID    string  `json:"sender_id"`
	ReceiverID  string  `json:"receiver_id"`
	MessageText *string `json:"message_text"`
	CreatedAt   string  `json:"created_at"`
	DeliveredAt *string `json:"delivered_at"`
	ReadAt      *string `json:"read_at"`
	Pending     bool    `json:"pending,omitempty"`
	Failed      bool    `json:"failed,omitempty"`

	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp any    `json:"timestamp,omitempty"`
}

func (s *State) record() cacheRecord {
	rec := cacheRecord{Chats: append([]ChatSummary{}, s.Chats...), Messages: []persistedMessage{}}
	ids := make([]string, 0, len(s.Messages))
	for id := range s.Messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, m := range s.Messages[id] {
			text := m.MessageText
			rec.Messages = append(rec.Messages, persistedMessage{
				ID:          m.ID,
				ChatID:      m.ChatID,
				SenderID:    m.SenderID,
				ReceiverID:  m.ReceiverID,
				MessageText: &text,
				CreatedAt:   m.CreatedAt,
				DeliveredAt: m.DeliveredAt,
				ReadAt:      m.ReadAt,
				Pending:     m.Pending,
				Failed:      m.Failed,
			})
		}
	}
	return rec
}

// migrateMessage converts one persisted record to the current schema.
// ok is false when the message must be dropped.
func migrateMessage(p persistedMessage, newID func() string) (ChatMessage, bool) {
	m := ChatMessage{
		ID:          p.ID,
		ChatID:      p.ChatID,
		SenderID:    p.SenderID,
		ReceiverID:  p.ReceiverID,
		CreatedAt:   p.CreatedAt,
		DeliveredAt: p.DeliveredAt,
		ReadAt:      p.ReadAt,
		Failed:      p.Failed,
	}
	if p.MessageText != nil {
		m.MessageText = *p.MessageText
	} else {
		m.MessageText = p.Text
		if m.SenderID == "" {
			m.SenderID = p.Sender
		}
		if m.ReceiverID == "" {
			if m.SenderID == SenderMe {
				m.ReceiverID = SenderOther
			} else {
				m.ReceiverID = SenderMe
			}
		}
		if m.CreatedAt == "" {
			m.CreatedAt = isoOr(p.Timestamp, "")
		}
	}
	if strings.TrimSpace(m.MessageText) == "" {
		return ChatMessage{}, false
	}
	if m.CreatedAt == "" || parseTime(m.CreatedAt).IsZero() {
		m.CreatedAt = formatTime(time.UnixMilli(0))
	} else {
		m.CreatedAt = isoOr(m.CreatedAt, m.CreatedAt)
	}
	if m.ID == "" {
		m.ID = newID()
	}
	// Legacy caches held a single support thread.
	if m.ChatID == "" {
		m.ChatID = welcomeChatID
	}
	// An ack can never arrive for a send interrupted by a restart.
	if p.Pending {
		m.Failed = true
	}
	return m, true
}

func welcomeState(now time.Time) *State {
	at := formatTime(now)
	return &State{
		Chats: []ChatSummary{{
			ID:          welcomeChatID,
			Title:       welcomeTitle,
			LastMessage: welcomeMessage,
			UpdatedAt:   now.UnixMilli(),
			PeerRole:    RoleStaff,
		}},
		Messages: map[string][]ChatMessage{
			welcomeChatID: {{
				ID:          "welcome-1",
				ChatID:      welcomeChatID,
				SenderID:    SenderSupport,
				ReceiverID:  SenderMe,
				MessageText: welcomeMessage,
				CreatedAt:   at,
				DeliveredAt: strPtr(at),
				ReadAt:      strPtr(at),
			}},
		},
	}
}

// decodeState parses a persisted record, migrating legacy messages.
func decodeState(data []byte, newID func() string) (*State, error) {
	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	st := &State{Chats: rec.Chats, Messages: make(map[string][]ChatMessage)}
	if st.Chats == nil {
		st.Chats = []ChatSummary{}
	}
	for _, p := range rec.Messages {
		m, ok := migrateMessage(p, newID)
		if !ok {
			continue
		}
		st.Messages[m.ChatID] = append(st.Messages[m.ChatID], m)
	}
	for id, msgs := range st.Messages {
		msgs = dedupeMessages(msgs)
		sortMessages(msgs)
		st.Messages[id] = msgs
	}
	return st, nil
}

// ============================================================================
// ChatStore
// ============================================================================

// StoreConfig configures a ChatStore.
type StoreConfig struct {
	Key    string
	Clock  func() time.Time
	NewID  func() string
	Logger *zap.Logger
}

func (c *StoreConfig) defaults() {
	if c.Key == "" {
		c.Key = DefaultCacheKey
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ChatStore owns the chat state. Every mutation goes through Update, which
// persists the new state to Storage as a side effect.
type ChatStore struct {
	storage Storage
	config  StoreConfig
	log     *zap.Logger

	mu    sync.Mutex
	state *State

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// NewChatStore loads the persisted record from storage. A missing key seeds
// the welcome thread; an unparseable record is logged and replaced.
func NewChatStore(ctx context.Context, storage Storage, cfg *StoreConfig) (*ChatStore, error) {
	var c StoreConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	s := &ChatStore{
		storage: storage,
		config:  c,
		log:     c.Logger.Named("store"),
		subs:    make(map[int]func(State)),
	}

	data, err := storage.Load(ctx, c.Key)
	switch {
	case errors.Is(err, ErrNotFound):
		s.state = welcomeState(c.Clock())
	case err != nil:
		return nil, fmt.Errorf("load chat cache: %w", err)
	default:
		st, err := decodeState(data, c.NewID)
		if err != nil {
			s.log.Warn("discarding unreadable chat cache", zap.Error(err))
			st = welcomeState(c.Clock())
		}
		s.state = st
	}
	return s, nil
}

// Update applies fn under the store lock. fn reports whether it changed
// anything; only then is the state persisted and subscribers notified.
// The in-memory change is kept even when persisting fails.
func (s *ChatStore) Update(ctx context.Context, fn func(*State) bool) error {
	s.mu.Lock()
	if !fn(s.state) {
		s.mu.Unlock()
		return nil
	}
	for id, msgs := range s.state.Messages {
		s.state.Messages[id] = dedupeMessages(msgs)
		sortMessages(s.state.Messages[id])
	}
	snap := s.state.clone()
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.notify(snap)
	return err
}

func (s *ChatStore) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(s.state.record())
	if err != nil {
		return fmt.Errorf("encode chat cache: %w", err)
	}
	if err := s.storage.Save(ctx, s.config.Key, data); err != nil {
		s.log.Warn("persist chat cache failed", zap.Error(err))
		metricPersistFailures.Inc()
		return fmt.Errorf("persist chat cache: %w", err)
	}
	return nil
}

// View runs fn with read access to the current state. fn must not retain it.
func (s *ChatStore) View(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Snapshot returns a deep copy of the current state.
func (s *ChatStore) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Messages returns a copy of a chat's messages in display order.
func (s *ChatStore) Messages(chatID string) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.state.Messages[chatID]...)
}

// Chat returns a copy of the chat with id.
func (s *ChatStore) Chat(id string) (ChatSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.state.Chat(id); c != nil {
		return *c, true
	}
	return ChatSummary{}, false
}

// Chats returns the deduplicated chat list, newest first.
func (s *ChatStore) Chats() []ChatSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return VisibleChats(s.state.Chats)
}

// Subscribe registers fn to receive a snapshot after every change.
func (s *ChatStore) Subscribe(fn func(State)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *ChatStore) notify(snap State) {
	s.subMu.Lock()
	handlers := make([]func(State), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("store subscriber panicked", zap.Any("panic", r))
				}
			}()
			h(snap)
		}()
	}
}
