package updatemanager

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// SessionState is a step of one update attempt in the application process
type SessionState string

const (
	StateIdle        SessionState = "IDLE"
	StateResolving   SessionState = "RESOLVING"
	StateLocked      SessionState = "LOCKED"
	StateDownloading SessionState = "DOWNLOADING"
	StateVerifying   SessionState = "VERIFYING"
	StateStaging     SessionState = "STAGING"
	StateHandoff     SessionState = "HANDOFF"
	StateAborted     SessionState = "ABORTED"
)

var sessionTransitions = map[SessionState][]SessionState{
	StateIdle:        {StateResolving},
	StateResolving:   {StateLocked},
	StateLocked:      {StateDownloading},
	StateDownloading: {StateVerifying},
	StateVerifying:   {StateStaging},
	StateStaging:     {StateHandoff},
}

// Session is the in-memory record of one update attempt. Only the lock file
// outlives the process.
type Session struct {
	ID            string
	State         SessionState
	TargetVersion string
	StagingPath   string
	ArchivePath   string
	LockOwnerPID  int
	HelperPID     int
	StartedAt     time.Time

	history []SessionState
}

func newSession(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		State:     StateIdle,
		StartedAt: now,
		history:   []SessionState{StateIdle},
	}
}

// History returns the states visited so far
func (s *Session) History() []SessionState {
	return append([]SessionState(nil), s.history...)
}

func (s *Session) transition(to SessionState) error {
	if to != StateAborted && !allowed(s.State, to) {
		return fmt.Errorf("invalid session transition %s -> %s", s.State, to)
	}
	log.Debugf("update session %s: %s -> %s", s.ID, s.State, to)
	s.State = to
	s.history = append(s.history, to)
	return nil
}

func allowed(from, to SessionState) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
