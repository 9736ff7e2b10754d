// Package shutter defines the narrow request/reply interface the exposure
// coordinator uses to drive an external shutter actor, plus a TCP
// reference client and an in-memory fake for tests.
package shutter

import "context"

// State is the shutter's reported position.
type State string

const (
	Open   State = "open"
	Closed State = "closed"
)

// Actor opens and closes a shutter, reporting its resulting state. An
// error return means the command itself failed (SHUTTER_FAILED); a State
// outside {Open, Closed} in a successful reply is the caller's concern
// (SHUTTER_UNKNOWN).
type Actor interface {
	Open(ctx context.Context) (State, error)
	Close(ctx context.Context) (State, error)
}
