package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/telehealth/internal/domain/room"
	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/websocket"
)

type fakeRooms struct {
	mu       sync.Mutex
	rooms    map[uuid.UUID]*room.Room
	messages []*room.Message
}

func newFakeRooms(rooms ...*room.Room) *fakeRooms {
	f := &fakeRooms{rooms: make(map[uuid.UUID]*room.Room)}
	for _, rm := range rooms {
		f.rooms[rm.ID] = rm
	}
	return f
}

func (f *fakeRooms) Authorize(_ context.Context, roomID uuid.UUID, userID string) (*room.Room, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rm, ok := f.rooms[roomID]
	if !ok {
		return nil, "", apperr.NotFoundf("room not found")
	}
	role := rm.RoleOf(userID)
	if role == "" {
		return nil, "", apperr.Forbiddenf("not a participant of this room")
	}
	cp := *rm
	return &cp, role, nil
}

func (f *fakeRooms) AuthorizeActive(ctx context.Context, roomID uuid.UUID, userID string) (*room.Room, string, error) {
	rm, role, err := f.Authorize(ctx, roomID, userID)
	if err != nil {
		return nil, "", err
	}
	if !rm.Active() {
		return nil, "", apperr.Conflictf("room has ended")
	}
	return rm, role, nil
}

func (f *fakeRooms) End(ctx context.Context, roomID uuid.UUID, by string) (*room.Room, error) {
	if _, err := f.Get(ctx, roomID, by); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rm := f.rooms[roomID]
	if !rm.Active() {
		return nil, apperr.Conflictf("room already ended")
	}
	now := time.Now()
	rm.Status = room.StatusEnded
	rm.EndedAt = &now
	cp := *rm
	return &cp, nil
}

func (f *fakeRooms) Get(ctx context.Context, roomID uuid.UUID, userID string) (*room.Room, error) {
	rm, _, err := f.Authorize(ctx, roomID, userID)
	return rm, err
}

func (f *fakeRooms) PostMessage(ctx context.Context, roomID uuid.UUID, senderID, body string) (*room.Message, error) {
	_, role, err := f.AuthorizeActive(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &room.Message{ID: uuid.New(), RoomID: roomID, Seq: int64(len(f.messages) + 1), SenderID: senderID, SenderRole: role, Body: body}
	f.messages = append(f.messages, m)
	return m, nil
}

func newActiveRoom() *room.Room {
	return &room.Room{
		ID:          uuid.New(),
		RequestID:   uuid.New(),
		RequesterID: "pat-1",
		DoctorID:    "doc-1",
		Kind:        room.KindVideo,
		Status:      room.StatusActive,
	}
}

type serviceFixture struct {
	svc   *Service
	rooms *fakeRooms
	hub   *websocket.Hub
	rm    *room.Room
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	q, _ := newTestQueue(t, 5*time.Minute, 100)
	rm := newActiveRoom()
	rooms := newFakeRooms(rm)
	hub := websocket.NewHub(zerolog.Nop())
	return &serviceFixture{
		svc:   NewService(q, rooms, websocket.NewLocalBroker(hub), zerolog.Nop()),
		rooms: rooms,
		hub:   hub,
		rm:    rm,
	}
}

func (f *serviceFixture) socket(id, userID string) *websocket.Client {
	c := websocket.NewClient(id, userID, 8)
	f.hub.Register(c, websocket.RoomGroup(f.rm.ID.String()))
	return c
}

func nextEvent(t *testing.T, c *websocket.Client) websocket.Event {
	t.Helper()
	select {
	case raw := <-c.Send:
		var ev websocket.Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return websocket.Event{}
	}
}

func noEvent(t *testing.T, c *websocket.Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("unexpected event %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelay_PushesToPeerAndQueues(t *testing.T) {
	f := newServiceFixture(t)
	doc := f.socket("sock-doc", "doc-1")
	pat := f.socket("sock-pat", "pat-1")
	ctx := context.Background()

	sig, err := f.svc.Relay(ctx, f.rm.ID, "doc-1", "sock-doc", TypeOffer, json.RawMessage(`{"sdp":"v=0"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeOffer, sig.Type)

	ev := nextEvent(t, pat)
	assert.Equal(t, "offer", ev.Type)
	assert.Equal(t, "doc-1", ev.From)
	noEvent(t, doc)

	polled, err := f.svc.Poll(ctx, f.rm.ID, "pat-1")
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, sig.ID, polled[0].ID)
}

func TestRelay_Rejections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	data := json.RawMessage(`{"candidate":"c"}`)

	_, err := f.svc.Relay(ctx, f.rm.ID, "doc-1", "", "renegotiate", data)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.svc.Relay(ctx, f.rm.ID, "doc-1", "", TypeICECandidate, nil)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.svc.Relay(ctx, f.rm.ID, "intruder", "", TypeICECandidate, data)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = f.svc.Relay(ctx, uuid.New(), "doc-1", "", TypeICECandidate, data)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = f.svc.Poll(ctx, f.rm.ID, "intruder")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestRelay_EndCallEndsRoom(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Relay(ctx, f.rm.ID, "pat-1", "", TypeEndCall, nil)
	require.NoError(t, err)
	assert.Equal(t, room.StatusEnded, f.rooms.rooms[f.rm.ID].Status)

	// The peer can still drain the end-call after the room has ended.
	polled, err := f.svc.Poll(ctx, f.rm.ID, "doc-1")
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, TypeEndCall, polled[0].Type)

	_, err = f.svc.Relay(ctx, f.rm.ID, "doc-1", "", TypeOffer, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestJoin_NotifiesPeer(t *testing.T) {
	f := newServiceFixture(t)
	pat := f.socket("sock-pat", "pat-1")

	_, role, err := f.svc.Join(context.Background(), f.rm.ID, "doc-1", "sock-doc")
	require.NoError(t, err)
	assert.Equal(t, room.RoleDoctor, role)

	ev := nextEvent(t, pat)
	assert.Equal(t, "user-joined", ev.Type)
	assert.Contains(t, string(ev.Data), `"role":"doctor"`)

	_, _, err = f.svc.Join(context.Background(), f.rm.ID, "intruder", "sock-x")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestPostMessage_Membership(t *testing.T) {
	f := newServiceFixture(t)
	m, err := f.svc.PostMessage(context.Background(), f.rm.ID, "pat-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, room.RolePatient, m.SenderRole)

	_, err = f.svc.PostMessage(context.Background(), f.rm.ID, "intruder", "hello")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}
