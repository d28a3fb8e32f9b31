package buddy

import "errors"

// ErrLevelOutOfRange is returned by New when level is outside [1, 32].
var ErrLevelOutOfRange = errors.New("buddy: level out of range")

// ErrDriverOOM is returned by New when the underlying driver failed to
// back the arena's region.
var ErrDriverOOM = errors.New("buddy: driver out of memory")

// ErrDriverFatal is the value the default abort hook panics with after a
// free-side driver call fails during Release with anything other than
// driver.ErrUnloading has been logged.
var ErrDriverFatal = errors.New("buddy: fatal driver error on release")
