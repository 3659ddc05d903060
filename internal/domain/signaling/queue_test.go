package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, retention time.Duration, maxLen int64) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueue(client, retention, maxLen), mr
}

func push(t *testing.T, q *Queue, roomID, sender, typ string) *Signal {
	t.Helper()
	sig := &Signal{RoomID: roomID, Type: typ, SenderID: sender, Data: json.RawMessage(`{"sdp":"x"}`)}
	require.NoError(t, q.Push(context.Background(), sig))
	return sig
}

func TestQueue_PollIsAtMostOnce(t *testing.T) {
	q, _ := newTestQueue(t, 5*time.Minute, 100)
	ctx := context.Background()

	s := push(t, q, "r1", "doc-1", "offer")
	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.Seq)

	first, err := q.Poll(ctx, "r1", "pat-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, s.ID, first[0].ID)
	assert.Equal(t, s.Seq, first[0].Seq)
	assert.JSONEq(t, `{"sdp":"x"}`, string(first[0].Data))

	second, err := q.Poll(ctx, "r1", "pat-1")
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestQueue_SkipsOwnSignalsAndKeepsOrder(t *testing.T) {
	q, _ := newTestQueue(t, 5*time.Minute, 100)
	ctx := context.Background()

	push(t, q, "r1", "doc-1", "offer")
	push(t, q, "r1", "pat-1", "answer")
	push(t, q, "r1", "doc-1", "ice-candidate")

	got, err := q.Poll(ctx, "r1", "pat-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "offer", got[0].Type)
	assert.Equal(t, "ice-candidate", got[1].Type)

	got, err = q.Poll(ctx, "r1", "doc-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "answer", got[0].Type)
}

func TestQueue_OffsetsArePerParticipant(t *testing.T) {
	q, _ := newTestQueue(t, 5*time.Minute, 100)
	ctx := context.Background()
	push(t, q, "r1", "doc-1", "offer")

	a, err := q.Poll(ctx, "r1", "pat-1")
	require.NoError(t, err)
	b, err := q.Poll(ctx, "r1", "observer")
	require.NoError(t, err)
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}

func TestQueue_RoomsAreIsolated(t *testing.T) {
	q, _ := newTestQueue(t, 5*time.Minute, 100)
	push(t, q, "r1", "doc-1", "offer")

	got, err := q.Poll(context.Background(), "r2", "pat-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueue_RetentionWindow(t *testing.T) {
	q, _ := newTestQueue(t, 5*time.Minute, 100)
	base := time.Now()
	q.now = func() time.Time { return base }
	push(t, q, "r1", "doc-1", "offer")

	q.now = func() time.Time { return base.Add(4 * time.Minute) }
	push(t, q, "r1", "doc-1", "ice-candidate")

	q.now = func() time.Time { return base.Add(6 * time.Minute) }
	got, err := q.Poll(context.Background(), "r1", "pat-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ice-candidate", got[0].Type)
}

func TestQueue_KeysExpire(t *testing.T) {
	q, mr := newTestQueue(t, time.Minute, 100)
	push(t, q, "r1", "doc-1", "offer")

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(streamKey("r1")))
}

func TestQueue_BoundedLength(t *testing.T) {
	q, _ := newTestQueue(t, 5*time.Minute, 3)
	var pushed []*Signal
	for i := 0; i < 5; i++ {
		pushed = append(pushed, push(t, q, "r1", "doc-1", "ice-candidate"))
	}

	got, err := q.Poll(context.Background(), "r1", "pat-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, pushed[2].ID, got[0].ID)
	assert.Equal(t, pushed[4].ID, got[2].ID)
}

func TestQueue_ConcurrentPollsDeliverOnce(t *testing.T) {
	q, _ := newTestQueue(t, 5*time.Minute, 1000)
	const n = 40
	for i := 0; i < n; i++ {
		push(t, q, "r1", "doc-1", "ice-candidate")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.Poll(context.Background(), "r1", "pat-1")
			if err != nil {
				t.Errorf("poll: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range got {
				seen[s.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, fmt.Sprintf("signal %s delivered %d times", id, count))
	}
}

func TestQueue_ConcurrentPushesWhilePolling(t *testing.T) {
	q, _ := newTestQueue(t, 5*time.Minute, 10000)
	ctx := context.Background()
	const (
		senders   = 8
		perSender = 250
	)

	var wg sync.WaitGroup
	for w := 0; w < senders; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				sig := &Signal{
					RoomID:   "r1",
					Type:     "ice-candidate",
					SenderID: fmt.Sprintf("doc-%d", w),
					Data:     json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
				}
				if err := q.Push(ctx, sig); err != nil {
					t.Errorf("push: %v", err)
					return
				}
			}
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	seen := map[string]int{}
	next := map[string]int{}
	drain := func() {
		got, err := q.Poll(ctx, "r1", "pat-1")
		require.NoError(t, err)
		for _, s := range got {
			seen[s.ID]++
			var body struct{ I int }
			require.NoError(t, json.Unmarshal(s.Data, &body))
			assert.Equal(t, next[s.SenderID], body.I, "out of order from %s", s.SenderID)
			next[s.SenderID] = body.I + 1
		}
	}
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			drain()
		}
	}
	drain()

	assert.Len(t, seen, senders*perSender)
	for id, count := range seen {
		assert.Equal(t, 1, count, fmt.Sprintf("signal %s delivered %d times", id, count))
	}
}

func TestQueue_LateAppendIsNotSkipped(t *testing.T) {
	q, _ := newTestQueue(t, 5*time.Minute, 100)
	ctx := context.Background()

	push(t, q, "r1", "doc-1", "offer")
	got, err := q.Poll(ctx, "r1", "pat-1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	late := push(t, q, "r1", "doc-1", "ice-candidate")
	assert.NotEqual(t, late.Seq, got[0].Seq)

	got, err = q.Poll(ctx, "r1", "pat-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, late.ID, got[0].ID)
}
