package shutter

import (
	"context"
	"sync"
)

// Fake is an in-memory Actor for unit tests. OpenErr/CloseErr, if set, are
// returned instead of a state transition; OpenState/CloseState override the
// reported resulting state (default Open/Closed).
type Fake struct {
	mu sync.Mutex

	OpenErr   error
	CloseErr  error
	OpenState State
	CloseState State

	OpenCalls  int
	CloseCalls int
}

func NewFake() *Fake {
	return &Fake{OpenState: Open, CloseState: Closed}
}

func (f *Fake) Open(ctx context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls++
	if f.OpenErr != nil {
		return "", f.OpenErr
	}
	return f.OpenState, nil
}

func (f *Fake) Close(ctx context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
	if f.CloseErr != nil {
		return "", f.CloseErr
	}
	return f.CloseState, nil
}
