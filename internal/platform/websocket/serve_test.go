package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func TestUpgrader_ServeRoundTrip(t *testing.T) {
	hub := newTestHub()
	up := NewUpgrader(hub, nil)

	received := make(chan string, 1)
	closed := make(chan struct{})
	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return up.Serve(c, "pat-1", []string{UserGroup("pat-1")}, Session{
			OnMessage: func(_ context.Context, client *Client, msg []byte) {
				received <- client.UserID + ":" + string(msg)
			},
			OnClose: func(*Client) { close(closed) },
		})
	})
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteMessage(gorillawebsocket.TextMessage, []byte(`{"action":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-received:
		if got != `pat-1:{"action":"ping"}` {
			t.Errorf("unexpected message %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage not called")
	}

	ev, _ := NewEvent("connection-accepted", map[string]string{"room_id": "r1"})
	if n := hub.Broadcast(UserGroup("pat-1"), ev, ""); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != "connection-accepted" || got.Group != "user:pat-1" {
		t.Errorf("unexpected event %+v", got)
	}

	conn.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected client unregistered, got %d", hub.ClientCount())
	}
}

func TestUpgrader_RejectsForeignOrigin(t *testing.T) {
	up := NewUpgrader(newTestHub(), []string{"https://portal.example.com"})
	e := echo.New()
	e.GET("/ws", func(c echo.Context) error { return up.Serve(c, "u", nil, Session{}) })
	server := httptest.NewServer(e)
	defer server.Close()

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	if _, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("expected handshake failure for foreign origin")
	}
}

func TestUpgrader_RequiresWebSocket(t *testing.T) {
	up := NewUpgrader(newTestHub(), nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	if err := up.Serve(e.NewContext(req, rec), "u", nil, Session{}); err == nil {
		t.Fatal("expected error for non-websocket request")
	}
}

func TestUpgrader_HandlerPanicKeepsConnection(t *testing.T) {
	hub := newTestHub()
	up := NewUpgrader(hub, nil)

	received := make(chan string, 1)
	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return up.Serve(c, "doc-1", nil, Session{
			OnMessage: func(_ context.Context, _ *Client, msg []byte) {
				if string(msg) == "boom" {
					panic("bad action")
				}
				received <- string(msg)
			},
		})
	})
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	for _, msg := range []string{"boom", "after"} {
		if err := conn.WriteMessage(gorillawebsocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write %s: %v", msg, err)
		}
	}
	select {
	case got := <-received:
		if got != "after" {
			t.Errorf("unexpected message %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection stopped reading after a handler panic")
	}
	if hub.ClientCount() != 1 {
		t.Errorf("expected client still registered, got %d", hub.ClientCount())
	}
}
