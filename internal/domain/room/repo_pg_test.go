package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/db/dbtest"
)

func insertAcceptedRequest(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO care_request (id, kind, requester_id, status, doctor_id) VALUES ($1, 'routine', 'pat-1', 'accepted', 'doc-1')`, id)
	require.NoError(t, err)
	return id
}

func newPGService(t *testing.T) (*Service, *pgxpool.Pool) {
	t.Helper()
	pool := dbtest.Pool(t)
	return NewService(NewRepoPG(pool), db.NewTxRunner(pool), nil, zerolog.Nop()), pool
}

func TestRepoPG_OneActiveRoomPerRequest(t *testing.T) {
	svc, pool := newPGService(t)
	ctx := context.Background()
	requestID := insertAcceptedRequest(t, pool)

	first := &Room{RequestID: requestID, RequesterID: "pat-1", DoctorID: "doc-1"}
	require.NoError(t, svc.Create(ctx, first))
	assert.False(t, first.StartedAt.IsZero())

	err := svc.Create(ctx, &Room{RequestID: requestID, RequesterID: "pat-1", DoctorID: "doc-2"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := svc.GetByRequest(ctx, requestID, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	ended, err := svc.repo.End(ctx, first.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)
	_, err = svc.repo.End(ctx, first.ID, time.Now())
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = svc.repo.End(ctx, uuid.New(), time.Now())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, svc.Create(ctx, &Room{RequestID: requestID, RequesterID: "pat-1", DoctorID: "doc-1"}))
}

func TestRepoPG_AppendMessageRejectsEndedRoom(t *testing.T) {
	svc, pool := newPGService(t)
	ctx := context.Background()
	rm := &Room{RequestID: insertAcceptedRequest(t, pool), RequesterID: "pat-1", DoctorID: "doc-1"}
	require.NoError(t, svc.Create(ctx, rm))
	_, err := svc.repo.End(ctx, rm.ID, time.Now())
	require.NoError(t, err)

	err = svc.tx.InTx(ctx, func(ctx context.Context) error {
		return svc.repo.AppendMessage(ctx, &Message{RoomID: rm.ID, SenderID: "pat-1", SenderRole: RolePatient, Body: "late"})
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

// A reader paging by seq while both participants post must see every
// message exactly once, in seq order.
func TestRepoPG_CursorPagingSeesEveryMessage(t *testing.T) {
	svc, pool := newPGService(t)
	ctx := context.Background()
	rm := &Room{RequestID: insertAcceptedRequest(t, pool), RequesterID: "pat-1", DoctorID: "doc-1"}
	require.NoError(t, svc.Create(ctx, rm))

	const perSender = 50
	var wg sync.WaitGroup
	for _, sender := range []string{"pat-1", "doc-1", "pat-1", "doc-1"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := svc.PostMessage(ctx, rm.ID, sender, fmt.Sprintf("%s #%d", sender, i)); err != nil {
					t.Errorf("post: %v", err)
					return
				}
			}
		}(sender)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var after int64
	seen := map[uuid.UUID]bool{}
	read := func() {
		msgs, err := svc.ListMessages(ctx, rm.ID, "doc-1", after, 20)
		require.NoError(t, err)
		for _, m := range msgs {
			require.Greater(t, m.Seq, after)
			require.False(t, seen[m.ID], "message %s delivered twice", m.ID)
			seen[m.ID] = true
			after = m.Seq
		}
	}
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			read()
		}
	}
	for i := 0; i < 4*perSender/20+1; i++ {
		read()
	}

	assert.Len(t, seen, 4*perSender)
}
