package pool

import s "github.com/bnclabs/gosettings"

// ArenaLevel is the size exponent every arena the reservoir mints uses,
// i.e. 2^28 bytes (256 MiB) by default. It is a var rather than a const
// solely so tests can shrink it to keep synthetic arenas small;
// production code should leave it alone.
var ArenaLevel uint8 = 28

// DefaultSettings returns the base configuration: both process-wide
// exponents default to 0, which disables allocation entirely until a
// caller opts in via SetDevicePoolSize / SetHostPoolSize.
//
// "device_level_max" (int64, default: 0)
//		Exponent L: each device index may hold up to 2^L bytes of
//		driver-allocated memory (cached + in-use); the one exponent
//		applies to every device index. 0 means disabled.
//
// "host_level_max" (int64, default: 0)
//		Same budget, for host (pinned) memory.
func DefaultSettings() s.Settings {
	return s.Settings{
		"device_level_max": int64(0),
		"host_level_max":   int64(0),
	}
}

// Configure applies settings produced by DefaultSettings (or a caller's
// Mixin of it) to the process-wide pool configuration.
func Configure(setts s.Settings) {
	if v, ok := setts["device_level_max"]; ok {
		SetDevicePoolSize(v.(int64))
	}
	if v, ok := setts["host_level_max"]; ok {
		SetHostPoolSize(v.(int64))
	}
}
