package dmsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// exerciseStorage runs the contract every Storage must satisfy.
func exerciseStorage(t *testing.T, s Storage, key string) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load of missing key: %v", err)
	}
	if err := s.Save(ctx, key, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, key, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	data, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Errorf("Load = %s, want last write", data)
	}
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	exerciseStorage(t, s, DefaultCacheKey)
	if s.Saves() != 2 {
		t.Errorf("saves = %d", s.Saves())
	}
}

func TestFileStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStorage(t, s, "dmsync:chat-cache:v2/42")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "dmsync_chat-cache_v2_42.json" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("cache dir = %v", names)
	}
}

func TestSQLiteStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStorage(t, s, DefaultCacheKey)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Data survives reopening.
	s, err = NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	data, err := s.Load(context.Background(), DefaultCacheKey)
	if err != nil || string(data) != `{"v":2}` {
		t.Fatalf("reopened Load = %s, %v", data, err)
	}
}

func TestRedisStorage(t *testing.T) {
	url := os.Getenv("DMSYNC_REDIS_URL")
	if url == "" {
		t.Skip("DMSYNC_REDIS_URL not set")
	}
	s, err := NewRedisStorage(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	key := "dmsync:test:" + t.Name()
	s.cli.Del(context.Background(), key)
	defer s.cli.Del(context.Background(), key)
	exerciseStorage(t, s, key)
}

func TestChatStoreOverFileStorage(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewChatStore(ctx, fs, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Update(ctx, func(st *State) bool {
		st.Chats = append(st.Chats, ChatSummary{ID: "c-1", Title: "Alice"})
		st.Messages["c-1"] = []ChatMessage{{ID: "m-1", ChatID: "c-1", SenderID: "p", MessageText: "hi", CreatedAt: "2026-01-01T00:00:00.000Z"}}
		return true
	})
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := NewChatStore(ctx, fs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msgs := reopened.Messages("c-1"); len(msgs) != 1 || msgs[0].MessageText != "hi" {
		t.Errorf("messages = %+v", msgs)
	}
}
