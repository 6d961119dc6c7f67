package fleet

import "errors"

// Coordination errors are returned to the caller synchronously and are
// never retried by the coordinator itself.
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrNotOwned        = errors.New("device does not belong to tenant")
	ErrAlreadyStarting = errors.New("device is already starting")
	ErrBusyElsewhere   = errors.New("device is held by another instance")
	ErrNotRunning      = errors.New("device is not running on this instance")
	ErrNotConnected    = errors.New("device is not connected")
	ErrInvalidState    = errors.New("device is not waiting for pairing")
	ErrPairingTimeout  = errors.New("timed out waiting for pairing")
)
