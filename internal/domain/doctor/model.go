package doctor

import "time"

// Doctor is the service's projection of a clinician from the identity
// provider, plus availability.
type Doctor struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Specialty string    `db:"specialty" json:"specialty"`
	IsOnline  bool      `db:"is_online" json:"is_online"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	// ActiveSessions is the number of active rooms the doctor is in. It is
	// derived, not stored.
	ActiveSessions int `db:"-" json:"active_sessions"`
}
