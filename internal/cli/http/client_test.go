package httpclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	httpclient "judgecore/internal/cli/http"

	"github.com/gorilla/websocket"
)

func TestDoSetsBearerToken(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	client := httpclient.New(srv.URL+"/", time.Second, func() string { return "tok" })
	resp, err := client.Do(context.Background(), http.MethodPost, "/api/v1/judge/processes", nil, []byte(`{}`))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted || string(resp.Body) != `{"code":0}` {
		t.Fatalf("resp = %d %s", resp.StatusCode, resp.Body)
	}
	if gotAuth != "Bearer tok" || gotPath != "/api/v1/judge/processes" {
		t.Fatalf("auth=%q path=%q", gotAuth, gotPath)
	}
}

func TestStreamUntilNormalClose(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range []string{`{"status":"running"}`, `{"status":"finished"}`} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	client := httpclient.New(srv.URL, time.Second, nil)
	var frames []string
	err := client.Stream(context.Background(), "/watch", func(data []byte) error {
		frames = append(frames, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(frames) != 2 || !strings.Contains(frames[1], "finished") {
		t.Fatalf("frames = %v", frames)
	}
}

func TestStreamStopsEarly(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 100; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := httpclient.New(srv.URL, time.Second, nil)
	count := 0
	err := client.Stream(context.Background(), "/watch", func([]byte) error {
		count++
		return httpclient.ErrStopStream
	})
	if err != nil || count != 1 {
		t.Fatalf("count=%d err=%v", count, err)
	}
}

func TestStreamRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "process not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := httpclient.New(srv.URL, time.Second, nil)
	err := client.Stream(context.Background(), "/watch", func([]byte) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("err = %v", err)
	}
}
