package pool

import "errors"

// ErrInvalidDevice is returned by New when gpu falls outside [0, buddy.MaxDevices).
var ErrInvalidDevice = errors.New("pool: invalid device index")

// ErrPoolCapExceeded is returned by the global reservoir when a location's
// arena cap has been reached and no cached arena is available.
var ErrPoolCapExceeded = errors.New("pool: cap exceeded")
