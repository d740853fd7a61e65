package dmsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newAPIServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"ok":false,"error":{"code":"UNAUTHORIZED","message":"bad token"}}`))
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClientOptions(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://lms.example.com/"), WithTimeout(5*time.Second))
	if c.BaseURL() != "https://lms.example.com" {
		t.Errorf("base url = %s", c.BaseURL())
	}
	if c.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", c.httpClient.Timeout)
	}
	if rt := c.Realtime(nil); rt.config.Token != "tok" {
		t.Error("realtime client did not inherit the token")
	}
}

func TestSearchUsers(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		w.Write([]byte(`{"ok":true,"data":[
			{"_id":17,"displayName":"Dana Lee","role":"Teacher"},
			{"id":"s-2","name":"Sam","type":"student"},
			{"name":"no id"}]}`))
	}))
	defer srv.Close()

	peers, err := NewClient("tok", WithBaseURL(srv.URL)).SearchUsers(context.Background(), "dana lee")
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != "dana lee" {
		t.Errorf("q = %q", gotQuery)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %+v", peers)
	}
	if peers[0] != (Peer{ID: "17", Name: "Dana Lee", Role: RoleStaff}) {
		t.Errorf("peers[0] = %+v", peers[0])
	}
	if peers[1].Role != RoleStudent {
		t.Errorf("peers[1] = %+v", peers[1])
	}
}

func TestListThreads(t *testing.T) {
	srv := newAPIServer(t, map[string]string{
		"/api/dm/threads": `{"ok":true,"data":[
			{"id":"t-1","title":"Dana Lee","peerId":"17","peerRole":"staff","updatedAt":"2026-02-01T10:00:00Z","unreadCount":2,"lastMessage":"see you"},
			{"title":"orphan"}]}`,
	})

	threads, err := NewClient("tok", WithBaseURL(srv.URL)).ListThreads(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 1 {
		t.Fatalf("threads = %+v", threads)
	}
	th := threads[0]
	if th.ID != "t-1" || th.PeerID != "17" || th.PeerRole != RoleStaff || th.UnreadCount != 2 || th.LastMessage != "see you" {
		t.Errorf("thread = %+v", th)
	}
	want := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	if th.UpdatedAt != want {
		t.Errorf("updatedAt = %d, want %d", th.UpdatedAt, want)
	}
}

func TestClientErrors(t *testing.T) {
	srv := newAPIServer(t, map[string]string{
		"/api/dm/threads": `{"ok":false,"error":{"code":"FORBIDDEN","message":"no access"}}`,
	})
	ctx := context.Background()

	t.Run("error envelope", func(t *testing.T) {
		_, err := NewClient("tok", WithBaseURL(srv.URL)).ListThreads(ctx)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "FORBIDDEN" {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("http status with body", func(t *testing.T) {
		_, err := NewClient("wrong", WithBaseURL(srv.URL)).ListThreads(ctx)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "UNAUTHORIZED" {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("http status without body", func(t *testing.T) {
		_, err := NewClient("tok", WithBaseURL(srv.URL)).SearchUsers(ctx, "x")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "HTTP_404" {
			t.Errorf("err = %v", err)
		}
	})
}
