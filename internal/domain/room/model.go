package room

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindChat  = "chat"
	KindVideo = "video"

	StatusActive = "active"
	StatusEnded  = "ended"

	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

// ValidKind reports whether k is a supported session kind.
func ValidKind(k string) bool {
	return k == KindChat || k == KindVideo
}

// Room is a session between the requester and the accepting doctor.
type Room struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	RequestID   uuid.UUID  `db:"request_id" json:"request_id"`
	RequesterID string     `db:"requester_id" json:"requester_id"`
	DoctorID    string     `db:"doctor_id" json:"doctor_id"`
	Kind        string     `db:"kind" json:"kind"`
	Status      string     `db:"status" json:"status"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	EndedAt     *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// RoleOf returns the participant role of userID, or "" for non-participants.
func (r *Room) RoleOf(userID string) string {
	switch userID {
	case "":
		return ""
	case r.DoctorID:
		return RoleDoctor
	case r.RequesterID:
		return RolePatient
	}
	return ""
}

// Active reports whether the room still accepts traffic.
func (r *Room) Active() bool { return r.Status == StatusActive }

// Message is a chat message in a room. Seq orders messages within a room.
type Message struct {
	ID         uuid.UUID `db:"id" json:"id"`
	RoomID     uuid.UUID `db:"room_id" json:"room_id"`
	Seq        int64     `db:"seq" json:"seq"`
	SenderID   string    `db:"sender_id" json:"sender_id"`
	SenderRole string    `db:"sender_role" json:"sender_role"`
	Body       string    `db:"body" json:"body"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
