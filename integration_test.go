//go:build integration

package dmsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lumen-lms/dmsync"
	"go.uber.org/zap"
)

// helpers ---------------------------------------------------------------

func token(t *testing.T) string {
	t.Helper()
	tok := os.Getenv("DMSYNC_TOKEN_TEST")
	if tok == "" {
		t.Fatal("DMSYNC_TOKEN_TEST environment variable is required")
	}
	return tok
}

func userID(t *testing.T) string {
	t.Helper()
	id := os.Getenv("DMSYNC_USER_ID_TEST")
	if id == "" {
		t.Fatal("DMSYNC_USER_ID_TEST environment variable is required")
	}
	return id
}

func newClient(t *testing.T) *dmsync.Client {
	t.Helper()
	if base := os.Getenv("DMSYNC_BASE_URL_TEST"); base != "" {
		return dmsync.NewClient(token(t), dmsync.WithBaseURL(base))
	}
	return dmsync.NewClient(token(t))
}

func newEngine(t *testing.T, api *dmsync.Client) *dmsync.Engine {
	t.Helper()
	ctx := context.Background()
	log := zap.NewExample()
	store, err := dmsync.NewChatStore(ctx, dmsync.NewMemoryStorage(), &dmsync.StoreConfig{Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	rt := api.Realtime(&dmsync.RealtimeConfig{Logger: log})
	t.Cleanup(func() { rt.Disconnect() })
	dir := dmsync.NewPeerDirectory(api, &dmsync.DirectoryConfig{Logger: log})
	engine := dmsync.NewEngine(store, rt, dir, &dmsync.EngineConfig{UserID: userID(t), Logger: log})
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_ListThreads(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	threads, err := newClient(t).ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads returned error: %v", err)
	}
	for _, th := range threads {
		if th.ID == "" {
			t.Errorf("thread without id: %+v", th)
		}
	}
	t.Logf("ListThreads: %d threads", len(threads))
}

func TestIntegration_SearchUsers(t *testing.T) {
	query := os.Getenv("DMSYNC_PEER_NAME_TEST")
	if query == "" {
		t.Skip("DMSYNC_PEER_NAME_TEST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	peers, err := newClient(t).SearchUsers(ctx, query)
	if err != nil {
		t.Fatalf("SearchUsers returned error: %v", err)
	}
	if len(peers) == 0 {
		t.Errorf("no peers found for %q", query)
	}
}

// =======================================================================
// Realtime
// =======================================================================

func TestIntegration_RealtimeConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	engine := newEngine(t, newClient(t))
	if err := engine.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected returned error: %v", err)
	}
	if err := engine.RefreshPresence(ctx); err != nil {
		t.Errorf("RefreshPresence returned error: %v", err)
	}
}

func TestIntegration_FullLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	api := newClient(t)
	engine := newEngine(t, api)

	threads, err := api.ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads returned error: %v", err)
	}
	if len(threads) == 0 {
		t.Skip("account has no threads")
	}
	if err := engine.MergeThreads(ctx, threads); err != nil {
		t.Fatalf("MergeThreads returned error: %v", err)
	}
	chatID := threads[0].ID

	if err := engine.OpenChat(ctx, chatID); err != nil {
		t.Fatalf("OpenChat returned error: %v", err)
	}
	before := len(engine.Messages(chatID))

	text := fmt.Sprintf("integration %d", time.Now().UnixNano())
	msg, err := engine.Send(ctx, chatID, text)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if msg.Pending || msg.Failed || msg.MessageText != text {
		t.Errorf("confirmed message = %+v", msg)
	}

	msgs := engine.Messages(chatID)
	if len(msgs) != before+1 {
		t.Errorf("messages = %d, want %d", len(msgs), before+1)
	}
	if last := msgs[len(msgs)-1]; last.ID != msg.ID {
		t.Errorf("last message = %s, want %s", last.ID, msg.ID)
	}

	if err := engine.LoadMore(ctx, chatID); err != nil {
		t.Errorf("LoadMore returned error: %v", err)
	}
}
