package dmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport is the realtime channel the engine drives. *RealtimeClient
// implements it.
type Transport interface {
	IsConnected() bool
	Connect(ctx context.Context, userID string) error
	Emit(ctx context.Context, event string, payload any) error
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	Subscribe(event string, h EventHandler) (unsubscribe func())
}

// ============================================================================
// Configuration
// ============================================================================

// EngineConfig configures an Engine.
type EngineConfig struct {
	UserID       string
	PageSize     int
	JoinTimeout  time.Duration
	TypingIdle   time.Duration
	TypingExpiry time.Duration
	Clock        func() time.Time
	NewID        func() string
	Logger       *zap.Logger
	// Notify, when set, receives every push the engine applied or dropped.
	Notify func(EngineEvent)
}

func (c *EngineConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = 3 * time.Second
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

// EngineEventKind classifies an EngineEvent.
type EngineEventKind string

const (
	KindMessage  EngineEventKind = "message"
	KindDropped  EngineEventKind = "dropped"
	KindTyping   EngineEventKind = "typing"
	KindReceipt  EngineEventKind = "receipt"
	KindPresence EngineEventKind = "presence"
)

// EngineEvent describes one applied or dropped push.
type EngineEvent struct {
	Kind    EngineEventKind
	ChatID  string
	PeerID  string
	Message *ChatMessage
	Typing  bool
	Online  bool
	Reason  string
}

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles optimistic sends, acks, pushes and history pages into
// one ordered, deduplicated message list per chat. Failures never escape as
// panics: they end up as Failed/Pending flags, chat errors, or cleared
// loading flags, and are also returned to the caller.
type Engine struct {
	store    *ChatStore
	rt       Transport
	dir      *PeerDirectory
	presence *PresenceTracker
	typing   *TypingCoordinator
	cfg      EngineConfig
	log      *zap.Logger

	connectMu sync.Mutex

	mu       sync.Mutex
	active   string
	pages    map[string]*PaginationState
	joining  map[string]bool
	errs     map[string]string
	readSent map[string]bool
	unsubs   []func()
}

// NewEngine wires the store, channel and directory together. Call Start to
// subscribe to pushes.
func NewEngine(store *ChatStore, rt Transport, dir *PeerDirectory, config *EngineConfig) *Engine {
	var cfg EngineConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := cfg.Logger.Named("engine")
	e := &Engine{
		store:    store,
		rt:       rt,
		dir:      dir,
		presence: NewPresenceTracker(),
		cfg:      cfg,
		log:      log,
		pages:    make(map[string]*PaginationState),
		joining:  make(map[string]bool),
		errs:     make(map[string]string),
		readSent: make(map[string]bool),
	}
	e.typing = NewTypingCoordinator(rt, &TypingConfig{
		Idle:   cfg.TypingIdle,
		Expiry: cfg.TypingExpiry,
		Logger: cfg.Logger,
	})
	e.typing.OnChange(func(chatID string, typing bool) {
		e.notify(EngineEvent{Kind: KindTyping, ChatID: chatID, Typing: typing})
	})
	return e
}

// Start registers the push handlers. Calling it again replaces them.
func (e *Engine) Start() {
	unsubs := []func(){
		e.rt.Subscribe(EventNewMessage, e.handleNewMessage),
		e.rt.Subscribe(EventTyping, e.handleTyping),
		e.rt.Subscribe(EventDelivered, e.handleDelivered),
		e.rt.Subscribe(EventRead, e.handleRead),
		e.rt.Subscribe(EventOnline, e.handleOnline),
		e.rt.Subscribe(EventConnect, func(json.RawMessage) {
			if err := e.RefreshPresence(context.Background()); err != nil {
				e.log.Debug("presence refresh after connect failed", zap.Error(err))
			}
		}),
	}
	e.mu.Lock()
	e.unsubs = unsubs
	e.mu.Unlock()
}

// Stop unregisters the push handlers and stops typing timers.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	e.typing.Stop()
}

// ── Accessors ─────────────────────────────────────────────

// Store returns the underlying chat store.
func (e *Engine) Store() *ChatStore { return e.store }

// Presence returns the presence tracker.
func (e *Engine) Presence() *PresenceTracker { return e.presence }

// Chats returns the deduplicated chat list, newest first.
func (e *Engine) Chats() []ChatSummary { return e.store.Chats() }

// Messages returns chatID's messages in ascending created_at order.
func (e *Engine) Messages(chatID string) []ChatMessage { return e.store.Messages(chatID) }

// ActiveChat returns the chat currently open, or "".
func (e *Engine) ActiveChat() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Pagination returns a copy of chatID's pagination state.
func (e *Engine) Pagination(chatID string) (PaginationState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pg, ok := e.pages[chatID]; ok {
		return *pg, true
	}
	return PaginationState{}, false
}

// IsJoining reports whether chatID's open request is still shown as loading.
func (e *Engine) IsJoining(chatID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joining[chatID]
}

// ChatError returns the last load error recorded for chatID.
func (e *Engine) ChatError(chatID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errs[chatID]
}

// IsTyping reports whether chatID's peer is typing.
func (e *Engine) IsTyping(chatID string) bool { return e.typing.IsTyping(chatID) }

// IsOnline reports the last known presence of peerID.
func (e *Engine) IsOnline(peerID string) bool { return e.presence.IsOnline(peerID) }

func (e *Engine) setError(chatID, msg string) {
	e.mu.Lock()
	if msg == "" {
		delete(e.errs, chatID)
	} else {
		e.errs[chatID] = msg
	}
	e.mu.Unlock()
}

func (e *Engine) setJoining(chatID string, v bool) {
	e.mu.Lock()
	if v {
		e.joining[chatID] = true
	} else {
		delete(e.joining, chatID)
	}
	e.mu.Unlock()
}

func (e *Engine) isMine(m *ChatMessage) bool {
	return m.SenderID == SenderMe || (e.cfg.UserID != "" && m.SenderID == e.cfg.UserID)
}

func (e *Engine) notify(ev EngineEvent) {
	if e.cfg.Notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("notify callback panicked", zap.Any("panic", r))
		}
	}()
	e.cfg.Notify(ev)
}

// ── Connection ────────────────────────────────────────────

// EnsureConnected connects and authenticates if the channel is down.
// Concurrent callers share one connect attempt.
func (e *Engine) EnsureConnected(ctx context.Context) error {
	e.connectMu.Lock()
	defer e.connectMu.Unlock()
	if e.rt.IsConnected() {
		return nil
	}
	if err := e.rt.Connect(ctx, e.cfg.UserID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// RefreshPresence checks every peer known from threads and mappings.
func (e *Engine) RefreshPresence(ctx context.Context) error {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" || id == e.cfg.UserID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	e.store.View(func(st *State) {
		for _, c := range st.Chats {
			add(c.PeerID)
		}
	})
	for _, id := range e.dir.KnownPeerIDs() {
		add(id)
	}
	return e.presence.Refresh(ctx, e.rt, ids)
}

// resolve finds chat's peer, searching the REST directory once by title
// before giving up.
func (e *Engine) resolve(ctx context.Context, chat ChatSummary) (Resolution, error) {
	if r, ok := e.dir.Resolve(chat); ok {
		return r, nil
	}
	if err := e.dir.Refresh(ctx, chat.Title); err != nil {
		e.log.Debug("directory refresh failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	if r, ok := e.dir.Resolve(chat); ok {
		return r, nil
	}
	return Resolution{}, fmt.Errorf("chat %s: %w", chat.ID, ErrPeerUnresolved)
}

// ── Chat open ─────────────────────────────────────────────

// OpenChat makes chatID active, clears its unread badge, joins the peer's
// room and replaces the chat's messages with the server snapshot. The
// loading flag is cleared after JoinTimeout even if no ack has arrived; a
// late ack is still applied.
func (e *Engine) OpenChat(ctx context.Context, chatID string) error {
	chat, ok := e.store.Chat(chatID)
	if !ok {
		return fmt.Errorf("open %s: %w", chatID, ErrChatNotFound)
	}

	e.mu.Lock()
	e.active = chatID
	e.mu.Unlock()
	e.clearUnread(ctx, chatID)

	peer, err := e.resolve(ctx, chat)
	if err != nil {
		e.setError(chatID, "conversation partner not found")
		return err
	}
	if err := e.EnsureConnected(ctx); err != nil {
		e.setError(chatID, "not connected")
		return err
	}

	e.setJoining(chatID, true)
	timer := time.AfterFunc(e.cfg.JoinTimeout, func() {
		e.log.Info("join still pending, clearing loading state", zap.String("chat_id", chatID))
		e.setJoining(chatID, false)
	})
	raw, err := e.rt.Request(ctx, EventJoin, joinPayload{PeerUserID: peer.PeerID, PeerUserType: peer.PeerType})
	timer.Stop()
	e.setJoining(chatID, false)
	if err != nil {
		e.log.Warn("join failed", zap.String("chat_id", chatID), zap.String("peer_id", peer.PeerID), zap.Error(err))
		e.setError(chatID, "could not load messages")
		return fmt.Errorf("join %s: %w", chatID, err)
	}

	var ack messagesAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		e.setError(chatID, "could not load messages")
		return fmt.Errorf("decode join ack: %w", err)
	}
	page := normalizePage(ack.Messages, chatID, e.cfg.Clock())

	e.dir.Bind(chatID, chat.Title, peer.PeerID)
	err = e.store.Update(ctx, func(st *State) bool {
		// Full replace, except for local sends the server cannot know yet.
		merged := append([]ChatMessage(nil), page...)
		for _, m := range st.Messages[chatID] {
			if m.Pending || m.Failed {
				merged = append(merged, m)
			}
		}
		st.Messages[chatID] = merged
		if n := len(page); n > 0 {
			last := page[n-1]
			st.touch(chatID, last.MessageText, messageTime(&last))
		}
		return true
	})
	if err != nil {
		e.log.Warn("persist after join failed", zap.String("chat_id", chatID), zap.Error(err))
	}

	pg := &PaginationState{HasMore: hasMore(ack, e.cfg.PageSize)}
	if len(page) > 0 {
		pg.OldestMessageID = page[0].ID
	}
	e.mu.Lock()
	e.pages[chatID] = pg
	e.mu.Unlock()
	e.setError(chatID, "")

	if err := e.MarkRead(ctx, chatID); err != nil {
		e.log.Debug("mark read after join failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	return nil
}

// CloseChat clears the active chat.
func (e *Engine) CloseChat() {
	e.mu.Lock()
	e.active = ""
	e.mu.Unlock()
}

func (e *Engine) clearUnread(ctx context.Context, chatID string) {
	err := e.store.Update(ctx, func(st *State) bool {
		c := st.Chat(chatID)
		if c == nil || c.UnreadCount == 0 {
			return false
		}
		c.UnreadCount = 0
		return true
	})
	if err != nil {
		e.log.Warn("persist unread reset failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

func hasMore(ack messagesAck, limit int) bool {
	if ack.HasMore != nil {
		return *ack.HasMore
	}
	return len(ack.Messages) >= limit
}

// ── History ───────────────────────────────────────────────

// LoadMore fetches the page of messages older than the chat's cursor and
// prepends it. It is a no-op while a page is loading or when nothing is left.
func (e *Engine) LoadMore(ctx context.Context, chatID string) error {
	chat, ok := e.store.Chat(chatID)
	if !ok {
		return fmt.Errorf("load more %s: %w", chatID, ErrChatNotFound)
	}

	e.mu.Lock()
	pg := e.pages[chatID]
	if pg == nil {
		pg = &PaginationState{HasMore: true}
		e.pages[chatID] = pg
	}
	if !pg.HasMore || pg.Loading {
		e.mu.Unlock()
		return nil
	}
	pg.Loading = true
	before := pg.OldestMessageID
	e.mu.Unlock()

	if before == "" {
		if msgs := e.store.Messages(chatID); len(msgs) > 0 {
			before = msgs[0].ID
		}
	}

	fail := func(err error) error {
		e.mu.Lock()
		pg.Loading = false
		e.mu.Unlock()
		e.setError(chatID, "could not load older messages")
		return fmt.Errorf("load more %s: %w", chatID, err)
	}

	peer, err := e.resolve(ctx, chat)
	if err != nil {
		return fail(err)
	}
	if err := e.EnsureConnected(ctx); err != nil {
		return fail(err)
	}
	raw, err := e.rt.Request(ctx, EventLoadMore, loadMorePayload{
		PeerUserID:      peer.PeerID,
		PeerUserType:    peer.PeerType,
		BeforeMessageID: before,
		Limit:           e.cfg.PageSize,
	})
	if err != nil {
		return fail(err)
	}
	var ack messagesAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fail(err)
	}
	page := normalizePage(ack.Messages, chatID, e.cfg.Clock())

	if len(page) > 0 {
		if err := e.store.Update(ctx, func(st *State) bool {
			st.Messages[chatID] = prependPage(page, st.Messages[chatID])
			return true
		}); err != nil {
			e.log.Warn("persist history page failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}

	e.mu.Lock()
	pg.Loading = false
	pg.HasMore = hasMore(ack, e.cfg.PageSize)
	if len(page) > 0 {
		pg.OldestMessageID = page[0].ID
	}
	e.mu.Unlock()
	e.setError(chatID, "")
	return nil
}

// ── Sending ───────────────────────────────────────────────

// Send inserts text optimistically and delivers it. Whitespace-only text is
// a no-op. On failure the message stays visible with Failed set, and the
// error is returned as well.
func (e *Engine) Send(ctx context.Context, chatID, text string) (ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatMessage{}, nil
	}
	chat, ok := e.store.Chat(chatID)
	if !ok {
		return ChatMessage{}, fmt.Errorf("send to %s: %w", chatID, ErrChatNotFound)
	}

	now := e.cfg.Clock()
	tmp := ChatMessage{
		ID:          "tmp-" + e.cfg.NewID(),
		ChatID:      chatID,
		SenderID:    SenderMe,
		MessageText: text,
		CreatedAt:   formatTime(now),
		Pending:     true,
	}
	if err := e.store.Update(ctx, func(st *State) bool {
		st.Messages[chatID] = append(st.Messages[chatID], tmp)
		st.touch(chatID, text, now)
		return true
	}); err != nil {
		e.log.Warn("persist optimistic send failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	e.typing.Cleared(ctx, chatID)

	return e.deliver(ctx, chat, tmp)
}

// Retry resends a failed message, keeping its record.
func (e *Engine) Retry(ctx context.Context, messageID string) (ChatMessage, error) {
	var msg ChatMessage
	var found, failed bool
	e.store.View(func(st *State) {
		if m := st.FindMessage(messageID); m != nil {
			msg, found, failed = *m, true, m.Failed
		}
	})
	if !found {
		return ChatMessage{}, fmt.Errorf("retry %s: %w", messageID, ErrMessageNotFound)
	}
	if !failed {
		return msg, fmt.Errorf("retry %s: %w", messageID, ErrMessageNotFailed)
	}
	chat, ok := e.store.Chat(msg.ChatID)
	if !ok {
		return msg, fmt.Errorf("retry %s: %w", messageID, ErrChatNotFound)
	}

	if err := e.store.Update(ctx, func(st *State) bool {
		m := st.Message(msg.ChatID, messageID)
		if m == nil {
			return false
		}
		m.Failed = false
		m.Pending = true
		return true
	}); err != nil {
		e.log.Warn("persist retry failed", zap.String("message_id", messageID), zap.Error(err))
	}
	msg.Failed, msg.Pending = false, true
	return e.deliver(ctx, chat, msg)
}

func (e *Engine) deliver(ctx context.Context, chat ChatSummary, local ChatMessage) (ChatMessage, error) {
	peer, err := e.resolve(ctx, chat)
	if err != nil {
		return e.sendFailed(ctx, local, err)
	}
	if err := e.EnsureConnected(ctx); err != nil {
		return e.sendFailed(ctx, local, err)
	}
	raw, err := e.rt.Request(ctx, EventSend, sendPayload{
		PeerUserID:   peer.PeerID,
		MessageText:  local.MessageText,
		PeerUserType: peer.PeerType,
	})
	if err != nil {
		return e.sendFailed(ctx, local, err)
	}
	var ack sendAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return e.sendFailed(ctx, local, fmt.Errorf("decode send ack: %w", err))
	}

	now := e.cfg.Clock()
	confirmed := normalizeMessage(ack.Message, chat.ID, now)
	if confirmed.ID == "" {
		confirmed.ID = local.ID
	}
	if strings.TrimSpace(confirmed.MessageText) == "" {
		confirmed.MessageText = local.MessageText
	}
	if firstOf(ack.Message, createdKeys) == nil {
		confirmed.CreatedAt = local.CreatedAt
	}
	if confirmed.ReceiverID == "" {
		confirmed.ReceiverID = peer.PeerID
	}
	confirmed.SenderID = SenderMe
	if confirmed.DeliveredAt == nil {
		confirmed.DeliveredAt = strPtr(formatTime(now))
	}
	confirmed.Pending = false
	confirmed.Failed = false

	if err := e.store.Update(ctx, func(st *State) bool {
		// The chat may have been renamed by MergeThreads while the ack was
		// in flight, so the temp record is looked up by ID alone.
		chatID := chat.ID
		if m := st.FindMessage(local.ID); m != nil {
			chatID = m.ChatID
		}
		confirmed.ChatID = chatID
		msgs := st.Messages[chatID]
		idx := -1
		for i := range msgs {
			if msgs[i].ID == local.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			// The record vanished (replaced by a join snapshot); insert the
			// confirmed one unless the server copy is already present.
			if st.Chat(chatID) == nil || st.Message(chatID, confirmed.ID) != nil {
				return false
			}
			st.Messages[chatID] = append(msgs, confirmed)
			return true
		}
		if confirmed.ID != local.ID && st.Message(chatID, confirmed.ID) != nil {
			// The server copy arrived first; drop the temp record.
			st.Messages[chatID] = append(msgs[:idx:idx], msgs[idx+1:]...)
			return true
		}
		msgs[idx] = confirmed
		return true
	}); err != nil {
		e.log.Warn("persist confirmed send failed", zap.String("message_id", confirmed.ID), zap.Error(err))
	}
	e.dir.Bind(confirmed.ChatID, chat.Title, peer.PeerID)
	recordSend(true)
	return confirmed, nil
}

func (e *Engine) sendFailed(ctx context.Context, local ChatMessage, cause error) (ChatMessage, error) {
	e.log.Warn("send failed", zap.String("chat_id", local.ChatID), zap.String("message_id", local.ID), zap.Error(cause))
	recordSend(false)
	if err := e.store.Update(ctx, func(st *State) bool {
		m := st.FindMessage(local.ID)
		if m == nil {
			return false
		}
		m.Pending = false
		m.Failed = true
		local.ChatID = m.ChatID
		return true
	}); err != nil {
		e.log.Warn("persist failed send failed", zap.String("message_id", local.ID), zap.Error(err))
	}
	local.Pending = false
	local.Failed = true
	return local, fmt.Errorf("send: %w", cause)
}

// ── Typing (outbound) ─────────────────────────────────────

// Keystroke reports composer input in chatID.
func (e *Engine) Keystroke(ctx context.Context, chatID string) {
	chat, ok := e.store.Chat(chatID)
	if !ok {
		return
	}
	peer, ok := e.dir.Resolve(chat)
	if !ok || !e.rt.IsConnected() {
		return
	}
	e.typing.Keystroke(ctx, chatID, peer)
}

// ComposerCleared reports that chatID's composer is empty again.
func (e *Engine) ComposerCleared(ctx context.Context, chatID string) {
	e.typing.Cleared(ctx, chatID)
}

// ── Receipts ──────────────────────────────────────────────

// MarkRead sends a read receipt for every unread message in chatID that
// the current user did not author. Each message is requested at most once
// unless the request fails.
func (e *Engine) MarkRead(ctx context.Context, chatID string) error {
	var candidates []string
	e.store.View(func(st *State) {
		for i := range st.Messages[chatID] {
			m := &st.Messages[chatID][i]
			if e.isMine(m) || m.ReadAt != nil || m.Pending || m.Failed {
				continue
			}
			// Migrated records carry no server identity to acknowledge.
			if m.SenderID == SenderOther || m.SenderID == SenderSupport {
				continue
			}
			candidates = append(candidates, m.ID)
		}
	})

	e.mu.Lock()
	var ids []string
	for _, id := range candidates {
		if e.readSent[id] {
			continue
		}
		e.readSent[id] = true
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		raw, err := e.rt.Request(ctx, EventRead, messageRefPayload{MessageID: id})
		if err != nil {
			e.mu.Lock()
			delete(e.readSent, id)
			e.mu.Unlock()
			errs = append(errs, err)
			continue
		}
		var ack readAck
		_ = json.Unmarshal(raw, &ack)
		at := isoOr(ack.ReadAt, formatTime(e.cfg.Clock()))
		e.applyReceipt(ctx, id, at, applyRead)
		metricReceipts.WithLabelValues("read", "out").Inc()
	}
	return errors.Join(errs...)
}

func (e *Engine) applyReceipt(ctx context.Context, messageID, at string, apply func(*ChatMessage, string) bool) bool {
	changed := false
	if err := e.store.Update(ctx, func(st *State) bool {
		m := st.FindMessage(messageID)
		if m == nil {
			return false
		}
		changed = apply(m, at)
		return changed
	}); err != nil {
		e.log.Warn("persist receipt failed", zap.String("message_id", messageID), zap.Error(err))
	}
	return changed
}

// ── Push handlers ─────────────────────────────────────────

func (e *Engine) drop(reason string, msg *ChatMessage, fields ...zap.Field) {
	metricDropped.WithLabelValues(reason).Inc()
	e.log.Debug("dropping inbound message", append(fields, zap.String("reason", reason))...)
	ev := EngineEvent{Kind: KindDropped, Reason: reason}
	if msg != nil {
		ev.PeerID = msg.SenderID
	}
	e.notify(ev)
}

func (e *Engine) handleNewMessage(raw json.RawMessage) {
	ctx := context.Background()
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.drop(dropMalformed, nil, zap.Error(err))
		return
	}
	msg := normalizeMessage(payload, "", e.cfg.Clock())
	if e.cfg.UserID != "" && msg.SenderID == e.cfg.UserID {
		e.drop(dropEcho, &msg)
		return
	}
	if msg.SenderID == "" {
		e.drop(dropMalformed, &msg)
		return
	}

	// Receipt is confirmed at the transport level, whatever happens next.
	if msg.ID != "" {
		if err := e.rt.Emit(ctx, EventDelivered, messageRefPayload{MessageID: msg.ID}); err != nil {
			e.log.Debug("delivered emit failed", zap.String("message_id", msg.ID), zap.Error(err))
		} else {
			metricReceipts.WithLabelValues("delivered", "out").Inc()
		}
	} else {
		msg.ID = e.cfg.NewID()
	}

	if strings.TrimSpace(msg.MessageText) == "" {
		e.drop(dropEmpty, &msg)
		return
	}

	chatID := e.routeIncoming(ctx, msg.SenderID)
	if chatID == "" {
		e.drop(dropNoChat, &msg, zap.String("peer_id", msg.SenderID))
		return
	}
	if expected, ok := e.dir.PeerFor(chatID); ok && expected != msg.SenderID {
		metricDropped.WithLabelValues(dropCrossWire).Inc()
		e.log.Warn("dropping message addressed to another conversation",
			zap.String("chat_id", chatID), zap.String("peer_id", expected), zap.String("sender_id", msg.SenderID))
		e.notify(EngineEvent{Kind: KindDropped, ChatID: chatID, PeerID: msg.SenderID, Reason: dropCrossWire})
		return
	}

	msg.ChatID = chatID
	if msg.ReceiverID == "" {
		msg.ReceiverID = e.cfg.UserID
	}
	active := e.ActiveChat() == chatID
	inserted := false
	if err := e.store.Update(ctx, func(st *State) bool {
		if st.Message(chatID, msg.ID) != nil {
			return false
		}
		st.Messages[chatID] = append(st.Messages[chatID], msg)
		st.touch(chatID, msg.MessageText, messageTime(&msg))
		if c := st.Chat(chatID); c != nil && !active {
			c.UnreadCount++
		}
		inserted = true
		return true
	}); err != nil {
		e.log.Warn("persist inbound message failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if !inserted {
		e.drop(dropDuplicate, &msg, zap.String("message_id", msg.ID))
		return
	}
	metricReceived.Inc()
	e.typing.Apply(chatID, false)
	e.notify(EngineEvent{Kind: KindMessage, ChatID: chatID, PeerID: msg.SenderID, Message: &msg})

	if active {
		if err := e.MarkRead(ctx, chatID); err != nil {
			e.log.Debug("mark read failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
}

// routeIncoming picks the chat for a push from senderID: the active chat if
// its peer matches, then any chat already mapped to the sender, then a chat
// adopted or created from the directory entry. "" means drop.
func (e *Engine) routeIncoming(ctx context.Context, senderID string) string {
	if active := e.ActiveChat(); active != "" {
		if p, ok := e.dir.PeerFor(active); ok && p == senderID {
			return active
		}
	}
	if chatID, ok := e.dir.ChatForPeer(senderID); ok {
		if _, exists := e.store.Chat(chatID); exists {
			return chatID
		}
	}

	// Server threads carry the peer ID before anything was resolved.
	var threadID, threadTitle string
	e.store.View(func(st *State) {
		for _, c := range st.Chats {
			if c.PeerID == senderID {
				threadID, threadTitle = c.ID, c.Title
				return
			}
		}
	})
	if threadID != "" && e.dir.Bind(threadID, threadTitle, senderID) {
		return threadID
	}

	peer, ok := e.dir.Peer(senderID)
	if !ok || strings.TrimSpace(peer.Name) == "" {
		return ""
	}

	// Reuse a title-only chat for this peer before synthesising a new one.
	key := normalizeTitle(peer.Name)
	var candidates []ChatSummary
	e.store.View(func(st *State) {
		for _, c := range st.Chats {
			if normalizeTitle(c.Title) == key {
				candidates = append(candidates, c)
			}
		}
	})
	for _, c := range candidates {
		if p, mapped := e.dir.PeerFor(c.ID); mapped && p != senderID {
			continue
		}
		if e.dir.Bind(c.ID, c.Title, senderID) {
			return c.ID
		}
	}

	chat := ChatSummary{
		ID:        e.cfg.NewID(),
		Title:     peer.Name,
		PeerRole:  peer.Role,
		UpdatedAt: e.cfg.Clock().UnixMilli(),
	}
	if err := e.store.Update(ctx, func(st *State) bool {
		st.Chats = append(st.Chats, chat)
		return true
	}); err != nil {
		e.log.Warn("persist synthesised chat failed", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	e.dir.Bind(chat.ID, chat.Title, senderID)
	e.log.Info("created chat for new peer", zap.String("chat_id", chat.ID), zap.String("peer_id", senderID))
	return chat.ID
}

func (e *Engine) handleTyping(raw json.RawMessage) {
	var p TypingPush
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" || p.UserID == e.cfg.UserID {
		return
	}
	chatID, ok := e.dir.ChatForPeer(p.UserID)
	if !ok {
		return
	}
	e.typing.Apply(chatID, p.IsTyping)
}

func (e *Engine) handleDelivered(raw json.RawMessage) {
	var p ReceiptPush
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" {
		return
	}
	at := isoOr(p.DeliveredAt, formatTime(e.cfg.Clock()))
	if e.applyReceipt(context.Background(), p.MessageID, at, applyDelivered) {
		metricReceipts.WithLabelValues("delivered", "in").Inc()
		e.notify(EngineEvent{Kind: KindReceipt, Reason: "delivered", Message: &ChatMessage{ID: p.MessageID, DeliveredAt: strPtr(at)}})
	}
}

func (e *Engine) handleRead(raw json.RawMessage) {
	var p ReceiptPush
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" {
		return
	}
	at := isoOr(p.ReadAt, formatTime(e.cfg.Clock()))
	if e.applyReceipt(context.Background(), p.MessageID, at, applyRead) {
		metricReceipts.WithLabelValues("read", "in").Inc()
		e.notify(EngineEvent{Kind: KindReceipt, Reason: "read", Message: &ChatMessage{ID: p.MessageID, ReadAt: strPtr(at)}})
	}
}

func (e *Engine) handleOnline(raw json.RawMessage) {
	var p OnlinePush
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		return
	}
	e.presence.Apply(p.UserID, p.IsOnline)
	e.notify(EngineEvent{Kind: KindPresence, PeerID: p.UserID, Online: p.IsOnline})
}

// ── Thread list ───────────────────────────────────────────

// MergeThreads folds the server thread list into the local chats. A thread
// matches a local chat by ID, else adopts an unbound local chat with the
// same normalised title (its messages move to the server ID), else is added.
func (e *Engine) MergeThreads(ctx context.Context, threads []ChatSummary) error {
	active := e.ActiveChat()
	renames := make(map[string]string)

	err := e.store.Update(ctx, func(st *State) bool {
		changed := false
		for _, t := range threads {
			if t.ID == "" {
				continue
			}
			if c := st.Chat(t.ID); c != nil {
				mergeThread(c, t, t.ID == active)
				changed = true
				continue
			}
			if idx := e.adoptable(st, t); idx >= 0 {
				c := &st.Chats[idx]
				oldID := c.ID
				c.ID = t.ID
				mergeThread(c, t, oldID == active)
				msgs := st.Messages[oldID]
				for i := range msgs {
					msgs[i].ChatID = t.ID
				}
				delete(st.Messages, oldID)
				st.Messages[t.ID] = append(st.Messages[t.ID], msgs...)
				renames[oldID] = t.ID
				changed = true
				continue
			}
			nt := t
			if t.ID == active {
				nt.UnreadCount = 0
			}
			st.Chats = append(st.Chats, nt)
			changed = true
		}
		return changed
	})

	for oldID, newID := range renames {
		e.dir.Rename(oldID, newID)
		e.mu.Lock()
		if e.active == oldID {
			e.active = newID
		}
		if pg, ok := e.pages[oldID]; ok {
			e.pages[newID] = pg
			delete(e.pages, oldID)
		}
		e.mu.Unlock()
	}
	for _, t := range threads {
		if t.PeerID != "" {
			e.dir.Bind(t.ID, t.Title, t.PeerID)
		}
	}
	return err
}

// adoptable returns the index of a local chat that thread t should take
// over, or -1. Runs under the store lock.
func (e *Engine) adoptable(st *State, t ChatSummary) int {
	key := normalizeTitle(t.Title)
	if key == "" {
		return -1
	}
	for i, c := range st.Chats {
		if c.PeerID != "" || normalizeTitle(c.Title) != key {
			continue
		}
		if p, ok := e.dir.PeerFor(c.ID); ok && t.PeerID != "" && p != t.PeerID {
			continue
		}
		return i
	}
	return -1
}

func mergeThread(c *ChatSummary, t ChatSummary, active bool) {
	if t.Title != "" {
		c.Title = t.Title
	}
	if t.PeerID != "" {
		c.PeerID = t.PeerID
	}
	if t.PeerRole != "" {
		c.PeerRole = t.PeerRole
	}
	if t.UpdatedAt > c.UpdatedAt {
		c.UpdatedAt = t.UpdatedAt
		if t.LastMessage != "" {
			c.LastMessage = t.LastMessage
		}
	}
	if active {
		c.UnreadCount = 0
	} else if t.UnreadCount > c.UnreadCount {
		c.UnreadCount = t.UnreadCount
	}
}
