package dmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// requester is the part of the realtime channel presence needs.
type requester interface {
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// PresenceTracker maps peer IDs to online/offline. Updates are last write
// wins; there is no ordering between pushes and batch checks.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]bool
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]bool)}
}

// Apply records one status.
func (p *PresenceTracker) Apply(userID string, online bool) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	p.online[userID] = online
	p.mu.Unlock()
}

// IsOnline reports the last known status; unknown peers are offline.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userID]
}

// Snapshot returns a copy of all known statuses.
func (p *PresenceTracker) Snapshot() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.online))
	for k, v := range p.online {
		out[k] = v
	}
	return out
}

// Refresh asks the server for the status of userIDs in one batch.
func (p *PresenceTracker) Refresh(ctx context.Context, rt requester, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	raw, err := rt.Request(ctx, EventCheckOnline, checkOnlinePayload{UserIDs: userIDs})
	if err != nil {
		return fmt.Errorf("check online: %w", err)
	}
	var ack checkOnlineAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("decode check online: %w", err)
	}
	for _, s := range ack.Status {
		p.Apply(s.UserID, s.IsOnline)
	}
	return nil
}
