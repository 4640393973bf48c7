package claim

import (
	"time"

	"github.com/coachpo/mosaic/internal/domain/cell"
)

// State is a claim pipeline stage.
type State int

const (
	StateInit State = iota
	StateAvailabilityCheck
	StateFileValidated
	StateUploading
	StateUploaded
	StatePaymentPending
	StatePaymentConfirmed
	StateMinting
	StateCommitting
	StateDone
	StateError
	StateCancelled
)

var stateNames = [...]string{
	StateInit:              "init",
	StateAvailabilityCheck: "availability_check",
	StateFileValidated:     "file_validated",
	StateUploading:         "uploading",
	StateUploaded:          "uploaded",
	StatePaymentPending:    "payment_pending",
	StatePaymentConfirmed:  "payment_confirmed",
	StateMinting:           "minting",
	StateCommitting:        "committing",
	StateDone:              "done",
	StateError:             "error",
	StateCancelled:         "cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

// Transition is delivered to the Observer on every state change.
type Transition struct {
	ClaimID string
	Coord   cell.Coord
	From    State
	To      State
	At      time.Time
	// Err is set when To is StateError or StateCancelled.
	Err error
}

// Observer receives transitions synchronously on the pipeline goroutine.
type Observer func(Transition)
