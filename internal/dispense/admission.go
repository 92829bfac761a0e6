package dispense

import (
	"time"

	"medication-dispenser/internal/dose"
)

// Session is the user whose doses are being dispensed.
type Session struct {
	UserID dose.ID
	KitUID string
}

// Admission decides which tag reads reach the backend. It combines the
// same-tag cooldown with the single-session lock. It is owned by the control
// loop and is not safe for concurrent use.
type Admission struct {
	cooldown time.Duration
	lastUID  string
	lastSeen time.Time
	session  *Session
}

// NewAdmission returns an admission gate with the given same-tag cooldown.
func NewAdmission(cooldown time.Duration) *Admission {
	return &Admission{cooldown: cooldown}
}

// Admit reports whether a read of uid at now should be processed. A repeat of
// the last admitted tag inside the cooldown window is dropped without extending
// the window. While a session is active every read is dropped, whatever the tag.
func (a *Admission) Admit(uid string, now time.Time) bool {
	if uid == a.lastUID && !a.lastSeen.IsZero() && now.Sub(a.lastSeen) < a.cooldown {
		return false
	}
	a.lastUID, a.lastSeen = uid, now
	return a.session == nil
}

// Begin opens the session. It returns false if one is already active.
func (a *Admission) Begin(userID dose.ID, kitUID string) bool {
	if a.session != nil {
		return false
	}
	a.session = &Session{UserID: userID, KitUID: kitUID}
	return true
}

// End clears the session, if any. It reports whether one was active.
func (a *Admission) End() bool {
	active := a.session != nil
	a.session = nil
	return active
}

// active returns the current session.
func (a *Admission) active() (Session, bool) {
	if a.session == nil {
		return Session{}, false
	}
	return *a.session, true
}
