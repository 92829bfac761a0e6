package dispense

import "fmt"

// FatalError stops the control loop. Every other error is logged, published and
// followed by a backoff.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// panicError carries a recovered panic through the ordinary fault path.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in control loop: %v", e.value)
}
