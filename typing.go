package dmsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// TypingConfig configures a TypingCoordinator.
type TypingConfig struct {
	// Idle sends typing=false after this long without a keystroke; 0 disables.
	Idle time.Duration
	// Expiry clears a received typing=true after this long without a
	// follow-up push; 0 keeps it until the peer sends typing=false.
	Expiry time.Duration
	Logger *zap.Logger
}

type outboundTyping struct {
	typing bool
	target typingPayload
	idle   *time.Timer
}

// TypingCoordinator emits our typing status and tracks the peers'.
// All emits are best effort.
type TypingCoordinator struct {
	em  emitter
	cfg TypingConfig
	log *zap.Logger

	mu       sync.Mutex
	outbound map[string]*outboundTyping
	inbound  map[string]bool
	expiry   map[string]*time.Timer
	onChange func(chatID string, typing bool)
}

func NewTypingCoordinator(em emitter, cfg *TypingConfig) *TypingCoordinator {
	var c TypingConfig
	if cfg != nil {
		c = *cfg
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &TypingCoordinator{
		em:       em,
		cfg:      c,
		log:      c.Logger.Named("typing"),
		outbound: make(map[string]*outboundTyping),
		inbound:  make(map[string]bool),
		expiry:   make(map[string]*time.Timer),
	}
}

// OnChange sets a callback for received typing changes.
func (t *TypingCoordinator) OnChange(fn func(chatID string, typing bool)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Keystroke emits typing=true on the first keystroke and re-arms the idle timer.
func (t *TypingCoordinator) Keystroke(ctx context.Context, chatID string, peer Resolution) {
	target := typingPayload{PeerUserID: peer.PeerID, PeerUserType: peer.PeerType, IsTyping: true}

	t.mu.Lock()
	st := t.outbound[chatID]
	if st == nil {
		st = &outboundTyping{}
		t.outbound[chatID] = st
	}
	send := !st.typing
	st.typing = true
	st.target = target
	if t.cfg.Idle > 0 {
		if st.idle != nil {
			st.idle.Stop()
		}
		st.idle = time.AfterFunc(t.cfg.Idle, func() {
			t.Cleared(context.Background(), chatID)
		})
	}
	t.mu.Unlock()

	if send {
		t.emit(ctx, target)
	}
}

// Cleared emits typing=false if we were typing in chatID.
func (t *TypingCoordinator) Cleared(ctx context.Context, chatID string) {
	t.mu.Lock()
	st := t.outbound[chatID]
	if st == nil || !st.typing {
		t.mu.Unlock()
		return
	}
	st.typing = false
	if st.idle != nil {
		st.idle.Stop()
		st.idle = nil
	}
	target := st.target
	t.mu.Unlock()

	target.IsTyping = false
	t.emit(ctx, target)
}

func (t *TypingCoordinator) emit(ctx context.Context, p typingPayload) {
	if err := t.em.Emit(ctx, EventTyping, p); err != nil {
		t.log.Debug("typing emit failed", zap.String("peer_id", p.PeerUserID), zap.Error(err))
	}
}

// Apply records a received typing status for chatID.
func (t *TypingCoordinator) Apply(chatID string, typing bool) {
	t.mu.Lock()
	if timer := t.expiry[chatID]; timer != nil {
		timer.Stop()
		delete(t.expiry, chatID)
	}
	changed := t.inbound[chatID] != typing
	t.inbound[chatID] = typing
	if typing && t.cfg.Expiry > 0 {
		t.expiry[chatID] = time.AfterFunc(t.cfg.Expiry, func() {
			t.Apply(chatID, false)
		})
	}
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn(chatID, typing)
	}
}

// IsTyping reports whether the peer of chatID is typing.
func (t *TypingCoordinator) IsTyping(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbound[chatID]
}

// Stop cancels all timers.
func (t *TypingCoordinator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.outbound {
		if st.idle != nil {
			st.idle.Stop()
		}
	}
	for _, timer := range t.expiry {
		timer.Stop()
	}
}
