package dispense

import (
	"time"

	"medication-dispenser/internal/state"
)

// EventKind names what happened in the control loop.
type EventKind string

const (
	// EventStatus accompanies every published snapshot.
	EventStatus EventKind = "status"
	// EventWaiting means the loop is idle and polling for tags.
	EventWaiting EventKind = "waiting"
	// EventUIDSeen means a tag read was admitted.
	EventUIDSeen EventKind = "uid_seen"
	// EventMachineUnregistered repeats while the backend does not know this machine.
	EventMachineUnregistered EventKind = "machine_unregistered"
	// EventKitUnregistered means the tag is not bound to any user.
	EventKitUnregistered EventKind = "kit_unregistered"
	// EventFinished ends a dispensing session; the snapshot carries done or error.
	EventFinished EventKind = "finished"
	// EventError reports a fault or a failed step; Message explains.
	EventError EventKind = "error"
)

// Event is one notification from the control loop. Snapshot is the state
// published together with the event.
type Event struct {
	Kind     EventKind
	UID      string
	Message  string
	Snapshot state.Snapshot
	At       time.Time
}

// Observer receives control loop events. Notify is called on the loop goroutine
// and must not block.
type Observer interface {
	Notify(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) Notify(e Event) { f(e) }
