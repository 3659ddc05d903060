package carerequest

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindEscalation = "escalation"
	KindRoutine    = "routine"

	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusCompleted = "completed"

	ConnectionPending  = "pending"
	ConnectionAccepted = "accepted"
	ConnectionRejected = "rejected"

	ReasonCancelled = "cancelled"
	ReasonExpired   = "expired"
)

// CareRequest is a patient's call for a doctor, raised either by a risk
// signal (escalation) or directly (routine).
type CareRequest struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Kind          string    `db:"kind" json:"kind"`
	RequesterID   string    `db:"requester_id" json:"requester_id"`
	RequesterName string    `db:"requester_name" json:"requester_name"`
	RiskLevel     *string   `db:"risk_level" json:"risk_level,omitempty"`
	Note          string    `db:"note" json:"note"`
	Status        string    `db:"status" json:"status"`

	ConnectionType   *string `db:"connection_type" json:"connection_type,omitempty"`
	ConnectionStatus *string `db:"connection_status" json:"connection_status,omitempty"`

	// CandidateDoctorID is the doctor the matcher offered an escalation to.
	// DoctorID is only set once a doctor has accepted.
	CandidateDoctorID *string    `db:"candidate_doctor_id" json:"candidate_doctor_id,omitempty"`
	DoctorID          *string    `db:"doctor_id" json:"doctor_id,omitempty"`
	RoomID            *uuid.UUID `db:"room_id" json:"room_id,omitempty"`
	DeclinedBy        []string   `db:"-" json:"declined_by"`

	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	AcceptedAt   *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
	RespondedAt  *time.Time `db:"responded_at" json:"responded_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	RejectedAt   *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectReason *string    `db:"reject_reason" json:"reject_reason,omitempty"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Declined reports whether doctorID has passed on the request.
func (r *CareRequest) Declined(doctorID string) bool {
	for _, d := range r.DeclinedBy {
		if d == doctorID {
			return true
		}
	}
	return false
}

// AssignedTo reports whether doctorID accepted the request.
func (r *CareRequest) AssignedTo(doctorID string) bool {
	return r.DoctorID != nil && doctorID != "" && *r.DoctorID == doctorID
}

// StatusView is the read-only projection polled by requesters that cannot
// receive push events. RoomID is only filled once the connection is accepted.
type StatusView struct {
	RequestID        uuid.UUID  `json:"request_id"`
	Status           string     `json:"status"`
	ConnectionType   *string    `json:"connection_type"`
	ConnectionStatus *string    `json:"connection_status"`
	DoctorID         *string    `json:"doctor_id,omitempty"`
	RespondedAt      *time.Time `json:"responded_at,omitempty"`
	RoomID           *uuid.UUID `json:"room_id,omitempty"`
}

func (r *CareRequest) StatusView() *StatusView {
	v := &StatusView{
		RequestID:        r.ID,
		Status:           r.Status,
		ConnectionType:   r.ConnectionType,
		ConnectionStatus: r.ConnectionStatus,
		DoctorID:         r.DoctorID,
		RespondedAt:      r.RespondedAt,
	}
	if r.ConnectionStatus != nil && *r.ConnectionStatus == ConnectionAccepted {
		v.RoomID = r.RoomID
	}
	return v
}

// RiskSignal is the classifier output that may raise an escalation.
type RiskSignal struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	RiskLevel string `json:"risk_level"`
	Message   string `json:"message"`
}

// EscalationResult reports what TriggerEscalation did with a risk signal.
type EscalationResult struct {
	Escalated bool         `json:"escalated"`
	Request   *CareRequest `json:"request,omitempty"`
	// DoctorID is the doctor the request was offered to, empty when nobody
	// was available.
	DoctorID string `json:"doctor_id,omitempty"`
	Message  string `json:"message,omitempty"`
}
