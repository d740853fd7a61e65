package dmsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// UserSearcher looks peers up by display name. *Client implements it.
type UserSearcher interface {
	SearchUsers(ctx context.Context, query string) ([]Peer, error)
}

// ResolveSource tags which strategy produced a Resolution.
type ResolveSource int

const (
	SourceChatCache ResolveSource = iota + 1
	SourceThreadField
	SourceTitleCache
	SourceDirectory
)

func (s ResolveSource) String() string {
	switch s {
	case SourceChatCache:
		return "chat_cache"
	case SourceThreadField:
		return "thread_field"
	case SourceTitleCache:
		return "title_cache"
	case SourceDirectory:
		return "directory"
	}
	return "unknown"
}

// Resolution is the peer a chat addresses.
type Resolution struct {
	PeerID   string
	PeerType PeerRole
	Source   ResolveSource
}

// resolverStrategy is one lookup step. resolve runs with the directory lock held.
type resolverStrategy struct {
	source  ResolveSource
	resolve func(d *PeerDirectory, chat ChatSummary) string
}

// defaultStrategies is the resolution order; the first match wins.
var defaultStrategies = []resolverStrategy{
	{SourceChatCache, func(d *PeerDirectory, chat ChatSummary) string {
		return d.byChat[chat.ID]
	}},
	{SourceThreadField, func(d *PeerDirectory, chat ChatSummary) string {
		return chat.PeerID
	}},
	{SourceTitleCache, func(d *PeerDirectory, chat ChatSummary) string {
		return d.byTitle[normalizeTitle(chat.Title)]
	}},
	{SourceDirectory, func(d *PeerDirectory, chat ChatSummary) string {
		if p, ok := d.peerByNameLocked(chat.Title); ok {
			return p.ID
		}
		return ""
	}},
}

// DirectoryConfig configures a PeerDirectory.
type DirectoryConfig struct {
	Logger *zap.Logger
}

// PeerDirectory maps chats to peers. A chatID -> peerID mapping, once made,
// is authoritative for the rest of the session.
type PeerDirectory struct {
	searcher   UserSearcher
	log        *zap.Logger
	strategies []resolverStrategy

	mu      sync.Mutex
	byChat  map[string]string
	byTitle map[string]string
	peers   []Peer
	peerIdx map[string]int
}

// NewPeerDirectory creates a directory. searcher may be nil, in which case
// Refresh is a no-op.
func NewPeerDirectory(searcher UserSearcher, cfg *DirectoryConfig) *PeerDirectory {
	log := zap.NewNop()
	if cfg != nil && cfg.Logger != nil {
		log = cfg.Logger
	}
	return &PeerDirectory{
		searcher:   searcher,
		log:        log.Named("directory"),
		strategies: defaultStrategies,
		byChat:     make(map[string]string),
		byTitle:    make(map[string]string),
		peerIdx:    make(map[string]int),
	}
}

// Resolve finds the peer for chat. A hit on anything but the chat cache
// is written back to both caches.
func (d *PeerDirectory) Resolve(chat ChatSummary) (Resolution, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.strategies {
		peerID := s.resolve(d, chat)
		if peerID == "" {
			continue
		}
		if s.source != SourceChatCache {
			d.bindLocked(chat.ID, chat.Title, peerID)
		}
		return Resolution{
			PeerID:   peerID,
			PeerType: d.peerTypeLocked(peerID, chat),
			Source:   s.source,
		}, true
	}
	return Resolution{}, false
}

// Bind records chatID -> peerID and title -> peerID. An existing chat
// mapping to a different peer is kept; Bind then returns false.
func (d *PeerDirectory) Bind(chatID, title, peerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindLocked(chatID, title, peerID)
}

func (d *PeerDirectory) bindLocked(chatID, title, peerID string) bool {
	if peerID == "" {
		return false
	}
	if key := normalizeTitle(title); key != "" {
		d.byTitle[key] = peerID
	}
	if chatID == "" {
		return true
	}
	if existing, ok := d.byChat[chatID]; ok && existing != peerID {
		d.log.Warn("ignoring conflicting peer mapping",
			zap.String("chat_id", chatID), zap.String("peer_id", existing), zap.String("new_peer_id", peerID))
		return false
	}
	d.byChat[chatID] = peerID
	return true
}

// Rename moves the mapping of oldID to newID, used when a local chat is
// adopted by a server thread.
func (d *PeerDirectory) Rename(oldID, newID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if peerID, ok := d.byChat[oldID]; ok {
		delete(d.byChat, oldID)
		if _, taken := d.byChat[newID]; !taken {
			d.byChat[newID] = peerID
		}
	}
}

// PeerFor returns the cached peer of chatID.
func (d *PeerDirectory) PeerFor(chatID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byChat[chatID]
	return p, ok
}

// ChatForPeer returns a chat already mapped to peerID. When several chats
// map to the same peer the lexically smallest ID is returned.
func (d *PeerDirectory) ChatForPeer(peerID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	found := ""
	for chatID, p := range d.byChat {
		if p != peerID {
			continue
		}
		if found == "" || chatID < found {
			found = chatID
		}
	}
	return found, found != ""
}

// KnownPeerIDs lists every peer with a chat mapping, sorted.
func (d *PeerDirectory) KnownPeerIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]struct{})
	for _, p := range d.byChat {
		seen[p] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PeerType derives staff/student for a peer: directory role first, then
// the chat's hint, then student.
func (d *PeerDirectory) PeerType(peerID string, chat ChatSummary) PeerRole {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerTypeLocked(peerID, chat)
}

func (d *PeerDirectory) peerTypeLocked(peerID string, chat ChatSummary) PeerRole {
	if i, ok := d.peerIdx[peerID]; ok && d.peers[i].Role != "" {
		return d.peers[i].Role
	}
	if chat.PeerRole != "" {
		return chat.PeerRole
	}
	return RoleStudent
}

// LoadPeers adds or updates directory entries.
func (d *PeerDirectory) LoadPeers(peers []Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range peers {
		if p.ID == "" {
			continue
		}
		if i, ok := d.peerIdx[p.ID]; ok {
			d.peers[i] = p
			continue
		}
		d.peerIdx[p.ID] = len(d.peers)
		d.peers = append(d.peers, p)
	}
}

// Peer returns the directory entry for id.
func (d *PeerDirectory) Peer(id string) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i, ok := d.peerIdx[id]; ok {
		return d.peers[i], true
	}
	return Peer{}, false
}

func (d *PeerDirectory) peerByNameLocked(name string) (Peer, bool) {
	key := normalizeTitle(name)
	if key == "" {
		return Peer{}, false
	}
	for _, p := range d.peers {
		if strings.EqualFold(strings.TrimSpace(p.Name), key) {
			return p, true
		}
	}
	return Peer{}, false
}

// Refresh searches the REST directory for query and loads the results.
func (d *PeerDirectory) Refresh(ctx context.Context, query string) error {
	if d.searcher == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	peers, err := d.searcher.SearchUsers(ctx, strings.TrimSpace(query))
	if err != nil {
		return fmt.Errorf("refresh directory: %w", err)
	}
	d.LoadPeers(peers)
	return nil
}
