package dmsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSearcher struct {
	peers   []Peer
	err     error
	queries []string
}

func (s *stubSearcher) SearchUsers(ctx context.Context, query string) ([]Peer, error) {
	s.queries = append(s.queries, query)
	return s.peers, s.err
}

func TestResolveOrder(t *testing.T) {
	t.Run("chat cache wins", func(t *testing.T) {
		d := NewPeerDirectory(nil, nil)
		d.Bind("c-1", "Alice", "p-cached")
		r, ok := d.Resolve(ChatSummary{ID: "c-1", Title: "Alice", PeerID: "p-thread"})
		if !ok || r.PeerID != "p-cached" || r.Source != SourceChatCache {
			t.Errorf("resolution = %+v", r)
		}
	})

	t.Run("thread field", func(t *testing.T) {
		d := NewPeerDirectory(nil, nil)
		r, ok := d.Resolve(ChatSummary{ID: "c-1", Title: "Alice", PeerID: "p-thread"})
		if !ok || r.PeerID != "p-thread" || r.Source != SourceThreadField {
			t.Errorf("resolution = %+v", r)
		}
		// Written back: the next lookup hits the chat cache.
		r, _ = d.Resolve(ChatSummary{ID: "c-1", Title: "Alice"})
		if r.Source != SourceChatCache {
			t.Errorf("second lookup source = %s", r.Source)
		}
	})

	t.Run("title cache", func(t *testing.T) {
		d := NewPeerDirectory(nil, nil)
		d.Bind("", " ALICE", "p-title")
		r, ok := d.Resolve(ChatSummary{ID: "c-2", Title: "alice"})
		if !ok || r.PeerID != "p-title" || r.Source != SourceTitleCache {
			t.Errorf("resolution = %+v", r)
		}
	})

	t.Run("directory scan", func(t *testing.T) {
		d := NewPeerDirectory(nil, nil)
		d.LoadPeers([]Peer{{ID: "p-dir", Name: "Alice Smith", Role: RoleStaff}})
		r, ok := d.Resolve(ChatSummary{ID: "c-3", Title: "alice smith "})
		if !ok || r.PeerID != "p-dir" || r.Source != SourceDirectory || r.PeerType != RoleStaff {
			t.Errorf("resolution = %+v", r)
		}
		if p, _ := d.PeerFor("c-3"); p != "p-dir" {
			t.Errorf("chat cache not updated: %q", p)
		}
	})

	t.Run("unresolved", func(t *testing.T) {
		d := NewPeerDirectory(nil, nil)
		if r, ok := d.Resolve(ChatSummary{ID: "c-4", Title: "Nobody"}); ok {
			t.Errorf("unexpected resolution %+v", r)
		}
	})
}

func TestPeerTypePolicy(t *testing.T) {
	d := NewPeerDirectory(nil, nil)
	d.LoadPeers([]Peer{{ID: "p-staff", Name: "T", Role: RoleStaff}, {ID: "p-plain", Name: "P"}})

	if got := d.PeerType("p-staff", ChatSummary{PeerRole: RoleStudent}); got != RoleStaff {
		t.Errorf("directory role ignored: %s", got)
	}
	if got := d.PeerType("p-plain", ChatSummary{PeerRole: RoleStaff}); got != RoleStaff {
		t.Errorf("chat hint ignored: %s", got)
	}
	if got := d.PeerType("p-unknown", ChatSummary{}); got != RoleStudent {
		t.Errorf("default = %s, want student", got)
	}
}

func TestBindKeepsFirstMapping(t *testing.T) {
	d := NewPeerDirectory(nil, nil)
	if !d.Bind("c-1", "Alice", "p1") {
		t.Fatal("first bind failed")
	}
	if d.Bind("c-1", "Alice", "p2") {
		t.Error("conflicting bind must be rejected")
	}
	if p, _ := d.PeerFor("c-1"); p != "p1" {
		t.Errorf("peer = %s", p)
	}
	if !d.Bind("c-1", "Alice", "p1") {
		t.Error("rebinding the same peer should succeed")
	}
}

func TestChatForPeerAndRename(t *testing.T) {
	d := NewPeerDirectory(nil, nil)
	d.Bind("c-b", "X", "p1")
	d.Bind("c-a", "Y", "p1")
	d.Bind("c-c", "Z", "p2")

	if id, ok := d.ChatForPeer("p1"); !ok || id != "c-a" {
		t.Errorf("ChatForPeer = %s", id)
	}
	if ids := d.KnownPeerIDs(); len(ids) != 2 || ids[0] != "p1" || ids[1] != "p2" {
		t.Errorf("known = %v", ids)
	}

	d.Rename("c-c", "t-9")
	if _, ok := d.PeerFor("c-c"); ok {
		t.Error("old mapping kept")
	}
	if p, _ := d.PeerFor("t-9"); p != "p2" {
		t.Errorf("renamed mapping = %q", p)
	}
}

func TestDirectoryRefresh(t *testing.T) {
	searcher := &stubSearcher{peers: []Peer{{ID: "p-1", Name: "Dana"}, {ID: "", Name: "skip"}}}
	d := NewPeerDirectory(searcher, nil)

	if err := d.Refresh(context.Background(), "  Dana "); err != nil {
		t.Fatal(err)
	}
	if len(searcher.queries) != 1 || searcher.queries[0] != "Dana" {
		t.Errorf("queries = %v", searcher.queries)
	}
	if p, ok := d.Peer("p-1"); !ok || p.Name != "Dana" {
		t.Errorf("peer = %+v", p)
	}

	if err := d.Refresh(context.Background(), "   "); err != nil || len(searcher.queries) != 1 {
		t.Error("blank query must not search")
	}

	searcher.err = errors.New("down")
	if err := d.Refresh(context.Background(), "x"); err == nil {
		t.Error("expected search error")
	}
}

// ============================================================================
// Presence and typing
// ============================================================================

func TestPresenceLastWriteWins(t *testing.T) {
	p := NewPresenceTracker()
	p.Apply("u1", true)
	p.Apply("u1", false)
	p.Apply("", true)
	if p.IsOnline("u1") || p.IsOnline("missing") {
		t.Error("unexpected online state")
	}
	if snap := p.Snapshot(); len(snap) != 1 {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestTypingExpiry(t *testing.T) {
	tc := NewTypingCoordinator(newFakeTransport(), &TypingConfig{Expiry: 20 * time.Millisecond})
	defer tc.Stop()

	changes := make(chan bool, 4)
	tc.OnChange(func(chatID string, typing bool) { changes <- typing })

	tc.Apply("c-1", true)
	if !tc.IsTyping("c-1") {
		t.Fatal("expected typing")
	}
	select {
	case v := <-changes:
		if !v {
			t.Fatal("first change should be true")
		}
	case <-time.After(time.Second):
		t.Fatal("no change callback")
	}
	select {
	case v := <-changes:
		if v {
			t.Fatal("expiry should clear typing")
		}
	case <-time.After(time.Second):
		t.Fatal("typing never expired")
	}
	if tc.IsTyping("c-1") {
		t.Error("still typing after expiry")
	}
}

func TestTypingStickyByDefault(t *testing.T) {
	tc := NewTypingCoordinator(newFakeTransport(), nil)
	tc.Apply("c-1", true)
	time.Sleep(30 * time.Millisecond)
	if !tc.IsTyping("c-1") {
		t.Error("typing cleared without a push")
	}
}

func TestTypingIdleSendsFalse(t *testing.T) {
	rt := newFakeTransport()
	rt.connected = true
	tc := NewTypingCoordinator(rt, &TypingConfig{Idle: 20 * time.Millisecond})
	defer tc.Stop()

	tc.Keystroke(context.Background(), "c-1", Resolution{PeerID: "p1", PeerType: RoleStudent})
	deadline := time.Now().Add(time.Second)
	for len(rt.emitsFor(EventTyping)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("emits = %+v", rt.emitsFor(EventTyping))
		}
		time.Sleep(5 * time.Millisecond)
	}
	emits := rt.emitsFor(EventTyping)
	if p := emits[1].(typingPayload); p.IsTyping || p.PeerUserID != "p1" {
		t.Errorf("idle emit = %+v", p)
	}
}
