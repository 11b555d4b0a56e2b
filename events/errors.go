package events

import "errors"

var (
	// ErrUnregisteredEvent is returned when a publisher emits a name that was
	// never registered. This is a configuration error: register the name at
	// startup or in a custom event document.
	ErrUnregisteredEvent = errors.New("event name not registered")

	// ErrDuplicateEvent is returned when a name is registered twice.
	ErrDuplicateEvent = errors.New("event name already registered")
)

// InvalidNameError reports an event name that violates the naming rules.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return "invalid event name " + e.Name + ": " + e.Reason
}
