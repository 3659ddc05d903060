package websocket

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Session callbacks. OnMessage runs on the connection's read goroutine, so
// messages from one client are handled in order. A panic in OnMessage is
// logged and the connection keeps reading.
type Session struct {
	OnMessage func(ctx context.Context, client *Client, msg []byte)
	OnClose   func(client *Client)
}

// Upgrader upgrades HTTP requests and runs the client pumps.
type Upgrader struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewUpgrader accepts connections from allowedOrigins; an empty list or "*"
// allows any origin.
func NewUpgrader(hub *Hub, allowedOrigins []string) *Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	_, allowAll := allowed["*"]

	return &Upgrader{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowAll || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// Serve upgrades the request, registers a client for userID in groups and
// starts its read and write pumps. It returns once the pumps are running.
func (u *Upgrader) Serve(c echo.Context, userID string, groups []string, s Session) error {
	ws, err := u.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.NewString(), userID, sendBuffer)
	u.hub.Register(client, groups...)

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	go u.writePump(client, ws)
	go func() {
		defer cancel()
		u.readPump(ctx, client, ws, s)
	}()
	return nil
}

func (u *Upgrader) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn, s Session) {
	defer func() {
		u.hub.Unregister(client)
		ws.Close()
		if s.OnClose != nil {
			s.OnClose(client)
		}
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if s.OnMessage != nil {
			u.dispatch(ctx, client, message, s.OnMessage)
		}
	}
}

func (u *Upgrader) dispatch(ctx context.Context, client *Client, msg []byte, fn func(context.Context, *Client, []byte)) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.Inc()
			u.hub.logger.Error().
				Str("client_id", client.ID).
				Str("user_id", client.UserID).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered in websocket handler")
		}
	}()
	fn(ctx, client, msg)
}

func (u *Upgrader) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
