package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/order-history-scraper/internal/stats"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart   Stage = "SESSION_START"
	StageStatistics     Stage = "STATISTICS"
	StageSignInRequired Stage = "SIGN_IN_REQUIRED"
	StageSessionEnd     Stage = "SESSION_END"
)

// Event captures one observable change in a scrape session.
type Event struct {
	// SessionID identifies the scheduler instance using the 16-byte UUID form.
	SessionID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Purpose is the label of the scrape the event belongs to.
	Purpose string
	// Stats is the counter snapshot at TS; set for every stage.
	Stats stats.Snapshot
	// URL optionally names the page that triggered the event.
	URL string
	// Note carries free-form detail such as a sign-in reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Purpose == "" {
		return errors.New("purpose is required")
	}
	switch e.Stage {
	case StageSessionStart, StageStatistics, StageSessionEnd:
	case StageSignInRequired:
		if e.URL == "" {
			return errors.New("sign-in event requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// FromUpdate converts a statistics update into a STATISTICS event.
func FromUpdate(session [16]byte, u stats.Update) Event {
	ts := u.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		SessionID: session,
		TS:        ts,
		Stage:     StageStatistics,
		Purpose:   u.Purpose,
		Stats:     u.Statistics,
	}
}
