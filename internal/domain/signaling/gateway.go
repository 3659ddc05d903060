package signaling

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/websocket"
)

// Client actions accepted on the socket, besides the signal types.
const (
	ActionJoinRoom  = "join-room"
	ActionLeaveRoom = "leave-room"
	ActionMessage   = "message"
)

// inbound is a client frame, e.g.
//
//	{"action":"offer","room_id":"...","data":{"sdp":"..."}}
//	{"action":"message","room_id":"...","body":"hello"}
type inbound struct {
	Action string          `json:"action"`
	RoomID string          `json:"room_id"`
	Data   json.RawMessage `json:"data,omitempty"`
	Body   string          `json:"body,omitempty"`
}

// Gateway is the /ws endpoint. Every socket joins user:<id>, doctors also
// join doctor:<id>; room groups are joined explicitly with join-room.
type Gateway struct {
	svc      *Service
	hub      *websocket.Hub
	upgrader *websocket.Upgrader
	logger   zerolog.Logger
}

func NewGateway(svc *Service, hub *websocket.Hub, upgrader *websocket.Upgrader, logger zerolog.Logger) *Gateway {
	return &Gateway{
		svc:      svc,
		hub:      hub,
		upgrader: upgrader,
		logger:   logger.With().Str("component", "ws-gateway").Logger(),
	}
}

func (g *Gateway) RegisterRoutes(api *echo.Group) {
	api.GET("/ws", g.Connect)
}

func (g *Gateway) Connect(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}
	groups := []string{websocket.UserGroup(userID)}
	if auth.HasRole(ctx, auth.RoleDoctor) {
		groups = append(groups, websocket.DoctorGroup(userID))
	}
	return g.upgrader.Serve(c, userID, groups, websocket.Session{
		OnMessage: g.handle,
		OnClose: func(client *websocket.Client) {
			g.logger.Debug().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("socket closed")
		},
	})
}

func (g *Gateway) handle(ctx context.Context, client *websocket.Client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.fail(client, "", apperr.Validationf("malformed message"))
		return
	}
	roomID, err := uuid.Parse(msg.RoomID)
	if err != nil {
		g.fail(client, msg.Action, apperr.Validationf("invalid room id"))
		return
	}
	group := websocket.RoomGroup(roomID.String())

	switch msg.Action {
	case ActionJoinRoom:
		rm, role, err := g.svc.Join(ctx, roomID, client.UserID, client.ID)
		if err != nil {
			g.fail(client, msg.Action, err)
			return
		}
		g.hub.Join(client, group)
		g.reply(client, "joined-room", map[string]string{"room_id": rm.ID.String(), "role": role, "kind": rm.Kind})

	case ActionLeaveRoom:
		g.hub.Leave(client, group)

	case TypeOffer, TypeAnswer, TypeICECandidate, TypeEndCall:
		if _, err := g.svc.Relay(ctx, roomID, client.UserID, client.ID, msg.Action, msg.Data); err != nil {
			g.fail(client, msg.Action, err)
		}

	case ActionMessage:
		if _, err := g.svc.PostMessage(ctx, roomID, client.UserID, msg.Body); err != nil {
			g.fail(client, msg.Action, err)
		}

	default:
		g.fail(client, msg.Action, apperr.Validationf("unknown action %q", msg.Action))
	}
}

func (g *Gateway) reply(client *websocket.Client, eventType string, data interface{}) {
	ev, err := websocket.NewEvent(eventType, data)
	if err != nil {
		return
	}
	g.hub.SendTo(client.ID, ev)
}

// fail reports err to the client using the same body as HTTP errors.
func (g *Gateway) fail(client *websocket.Client, action string, err error) {
	he := apperr.HTTPError(err)
	if he.Code >= http.StatusInternalServerError {
		g.logger.Error().Err(err).Str("user_id", client.UserID).Str("action", action).Msg("socket action failed")
	}
	body, _ := he.Message.(apperr.Body)
	g.reply(client, "error", map[string]string{"action": action, "error": body.Error, "code": body.Code})
}
