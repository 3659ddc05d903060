package carerequest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/telehealth/internal/domain/doctor"
	"github.com/ehr/telehealth/internal/platform/apperr"
)

// DoctorDirectory lists doctors currently online with their session load.
type DoctorDirectory interface {
	ListOnline(ctx context.Context) ([]*doctor.Doctor, error)
}

// Matcher picks the doctor an escalation is offered to. It never writes.
type Matcher struct {
	doctors   DoctorDirectory
	preferred string
}

// NewMatcher returns a matcher that, among equally busy doctors, prefers
// those with preferredSpecialty.
func NewMatcher(doctors DoctorDirectory, preferredSpecialty string) *Matcher {
	return &Matcher{doctors: doctors, preferred: strings.ToLower(strings.TrimSpace(preferredSpecialty))}
}

// Match returns the least busy online doctor that has not declined req. Ties
// go to the preferred specialty, then to the lowest id. It returns
// apperr.ErrNoDoctorAvailable when nobody is eligible.
func (m *Matcher) Match(ctx context.Context, req *CareRequest) (*doctor.Doctor, error) {
	online, err := m.doctors.ListOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("list online doctors: %w", err)
	}

	candidates := make([]*doctor.Doctor, 0, len(online))
	for _, d := range online {
		if !d.IsOnline || d.ID == req.RequesterID || req.Declined(d.ID) {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, apperr.NoDoctorAvailable()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ActiveSessions != b.ActiveSessions {
			return a.ActiveSessions < b.ActiveSessions
		}
		if pa, pb := m.prefers(a), m.prefers(b); pa != pb {
			return pa
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

func (m *Matcher) prefers(d *doctor.Doctor) bool {
	return m.preferred != "" && d.Specialty == m.preferred
}
