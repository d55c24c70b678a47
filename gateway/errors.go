package gateway

import "fmt"

// APIError is the remote service's failure shape: a non-2xx status or a
// body with error=true. The message is surfaced verbatim to the caller;
// transport-level failures never take this form.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway: api error (status %d)", e.Status)
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call
// without attempting the network.
type ErrCircuitOpen struct {
	Op string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("gateway: circuit open: %s", e.Op)
}
