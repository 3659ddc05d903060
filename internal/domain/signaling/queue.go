package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const maxPollAttempts = 5

// Signal is a session-negotiation message queued for the other participant.
// Seq is the stream entry id; it orders signals within a room.
type Signal struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Seq       string          `json:"seq,omitempty"`
	Type      string          `json:"type"`
	SenderID  string          `json:"sender_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

const signalField = "signal"

func streamKey(roomID string) string { return fmt.Sprintf("signal:%s:stream", roomID) }
func offsetKey(roomID, userID string) string {
	return fmt.Sprintf("signal:%s:offset:%s", roomID, userID)
}

// Queue is the poll fallback for signaling. Each room has a Redis stream;
// XADD assigns entry ids on the server, so once a reader sees an id every
// lower id is already readable. Each participant keeps an offset holding the
// last entry id it consumed. Entries older than the retention window are
// never returned and the stream is capped at maxLen entries.
type Queue struct {
	client    redis.UniversalClient
	retention time.Duration
	maxLen    int64
	now       func() time.Time
}

func NewQueue(client redis.UniversalClient, retention time.Duration, maxLen int64) *Queue {
	return &Queue{client: client, retention: retention, maxLen: maxLen, now: time.Now}
}

// Push appends sig to its room's stream, assigning ID, Seq and CreatedAt.
func (q *Queue) Push(ctx context.Context, sig *Signal) error {
	if sig.ID == "" {
		sig.ID = ulid.Make().String()
	}
	sig.Seq = ""
	sig.CreatedAt = q.now().UTC()

	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	key := streamKey(sig.RoomID)
	var add *redis.StringCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		add = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: q.maxLen,
			Values: map[string]interface{}{signalField: string(data)},
		})
		pipe.Expire(ctx, key, q.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	sig.Seq = add.Val()
	return nil
}

// Poll returns the signals queued for userID since its last poll, skipping
// its own and expired ones, and advances its offset. Reading and advancing
// happen under WATCH so a signal is handed out at most once per participant
// even when the same participant polls concurrently.
func (q *Queue) Poll(ctx context.Context, roomID, userID string) ([]*Signal, error) {
	offKey := offsetKey(roomID, userID)
	var out []*Signal

	txf := func(tx *redis.Tx) error {
		out = nil
		offset, err := tx.Get(ctx, offKey).Result()
		if errors.Is(err, redis.Nil) {
			offset = "0-0"
		} else if err != nil {
			return err
		}

		streams, err := tx.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey(roomID), offset},
			Block:   -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		last := offset
		cutoff := q.now().Add(-q.retention)
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				last = msg.ID
				raw, ok := msg.Values[signalField].(string)
				if !ok {
					continue
				}
				var sig Signal
				if err := json.Unmarshal([]byte(raw), &sig); err != nil {
					continue
				}
				if sig.SenderID == userID || sig.CreatedAt.Before(cutoff) {
					continue
				}
				sig.Seq = msg.ID
				out = append(out, &sig)
			}
		}
		if last == offset {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, offKey, last, q.retention)
			return nil
		})
		return err
	}

	for i := 0; i < maxPollAttempts; i++ {
		err := q.client.Watch(ctx, txf, offKey)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("poll room %s: offset contended after %d attempts", roomID, maxPollAttempts)
}
