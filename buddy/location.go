package buddy

import "fmt"

// MaxDevices bounds the device index accepted by Location and by the pool
// package: gpu must fall in [0, MaxDevices).
const MaxDevices = 256

// Kind distinguishes host (pinned) memory from device memory.
type Kind uint8

const (
	// Host selects page-locked host memory.
	Host Kind = iota
	// Device selects GPU memory at a specific index.
	Device
)

// Location names a single allocation target: host memory, or one GPU by
// index. It is the partition key for the global reservoir.
type Location struct {
	Kind  Kind
	Index int // meaningful only when Kind == Device
}

// HostLocation is the single host-memory target.
var HostLocation = Location{Kind: Host}

// DeviceLocation names GPU idx.
func DeviceLocation(idx int) Location {
	return Location{Kind: Device, Index: idx}
}

func (l Location) String() string {
	if l.Kind == Host {
		return "host"
	}
	return fmt.Sprintf("device[%d]", l.Index)
}

// Valid reports whether the location is host, or a device index within
// [0, MaxDevices).
func (l Location) Valid() bool {
	if l.Kind == Host {
		return true
	}
	return l.Index >= 0 && l.Index < MaxDevices
}
