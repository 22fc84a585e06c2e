package timeline

import "github.com/matheus3301/dmsync/internal/store"

// State is the delivery state of a timeline entry.
type State int

const (
	// Confirmed entries carry a durable store id.
	Confirmed State = iota
	// Provisional entries were sent locally and await the store.
	Provisional
	// Failed entries could not be written. They stay visible until retried.
	Failed
)

func (s State) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Provisional:
		return "provisional"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one message in a timeline. ProvisionalID is kept after
// reconciliation so callers can map a local send to its durable message.
type Entry struct {
	Message       store.Message
	Sender        store.Profile
	State         State
	ProvisionalID string
	Err           string
	// PendingReaders are users whose read mark is in flight. They are not
	// part of Message.ReadBy until the store has recorded them.
	PendingReaders []string
}

// ReadLocally reports whether userID has read the entry, counting marks that
// are still in flight.
func (e *Entry) ReadLocally(userID string) bool {
	if e.Message.ReadByUser(userID) {
		return true
	}
	for _, u := range e.PendingReaders {
		if u == userID {
			return true
		}
	}
	return false
}

// Ingest outcomes.
type Outcome int

const (
	// Duplicate means the id was already present. Only the read set merged.
	Duplicate Outcome = iota
	// Appended means a new entry was inserted.
	Appended
	// Reconciled means a provisional entry was replaced in place.
	Reconciled
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	default:
		return "duplicate"
	}
}

func (e *Entry) clone() Entry {
	out := *e
	out.Message.ReadBy = append([]string(nil), e.Message.ReadBy...)
	out.PendingReaders = append([]string(nil), e.PendingReaders...)
	return out
}
