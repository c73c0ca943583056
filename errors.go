package netroot

import (
	"errors"
	"fmt"
)

var (
	// ErrAddressDiscoveryFailed means neither BOOTP nor RARP produced a local address.
	ErrAddressDiscoveryFailed = errors.New("address discovery failed")
	// ErrBootparamRPCFailed means the bootparam whoami call failed.
	ErrBootparamRPCFailed = errors.New("bootparam/whoami RPC failed")
	// ErrRootInfoUnavailable means the bootparam getfile call for "root" failed.
	ErrRootInfoUnavailable = errors.New("bootparam/getfile RPC failed")
	// ErrNoBlockIO is returned by NetDevice.Strategy.
	ErrNoBlockIO = errors.New("net device does not support block I/O")
	// ErrNoInterface means the network interface could not be opened.
	ErrNoInterface = errors.New("network interface unavailable")

	errNotConfigured = errors.New("not configured")
)

// StageError is a fatal resolution failure. It matches its Kind with
// errors.Is and unwraps to the collaborator's error.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Is(target error) bool {
	return target == e.Kind
}

func (e *StageError) Unwrap() error {
	return e.Err
}
